package gateway_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/fleetgate/internal/config"
	"github.com/nextlevelbuilder/fleetgate/internal/gateway"
	"github.com/nextlevelbuilder/fleetgate/internal/httpapi"
	"github.com/nextlevelbuilder/fleetgate/internal/store"
	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*httptest.Server, *gateway.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Token = testToken
	cfg.Gateway.CommandTimeoutMS = 2000
	// Reconnect tests churn connections from one IP.
	cfg.Gateway.MaxConnsPerWindow = 0

	st := store.NewMemoryStore()
	gw := gateway.New(cfg, st, st)
	api := httpapi.New(gw, testToken, gateway.NewAPILimiter(0, 0))
	mux := http.NewServeMux()
	api.Routes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, gw
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// dialDevice connects and registers a fake device, then waits until the
// gateway has it online.
func dialDevice(t *testing.T, ts *httptest.Server, gw *gateway.Server, deviceID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/device"), nil)
	if err != nil {
		t.Fatalf("dial device: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	err = conn.WriteJSON(protocol.RegisterMessage{
		Type:     protocol.MsgRegister,
		Token:    testToken,
		DeviceID: deviceID,
		Platform: "android",
		Model:    "Pixel 8",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, "device online", func() bool {
		_, ok := gw.Registry.Transport(deviceID)
		return ok
	})
	return conn
}

func dialObserver(t *testing.T, ts *httptest.Server, topics ...string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/observer"), nil)
	if err != nil {
		t.Fatalf("dial observer: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(protocol.SubscribeMessage{Type: protocol.MsgSubscribe, Topics: topics}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func apiDo(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp, out
}

func TestApplyConfigHotReload(t *testing.T) {
	ts, gw := newTestServer(t)
	dialDevice(t, ts, gw, "dev-hr")

	next := config.Default()
	next.Gateway.CommandTimeoutMS = 50
	next.Stream.FPS = 20
	next.Stream.Resolution = "full"
	next.Stream.Compression = 80
	gw.ApplyConfig(next)

	// Starting without an explicit quality picks up the reloaded defaults.
	resp, body := apiDo(t, ts, http.MethodPost, "/api/devices/dev-hr/stream/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream start = %d", resp.StatusCode)
	}
	quality, _ := body["quality"].(map[string]any)
	if quality["fps"] != float64(20) || quality["resolution"] != "full" {
		t.Errorf("quality = %v, want reloaded defaults", quality)
	}

	// The device never answers, so the reloaded 50ms timeout decides how
	// long the action blocks before the gateway reports a timeout.
	start := time.Now()
	resp, _ = apiDo(t, ts, http.MethodPost, "/api/devices/dev-hr/actions", map[string]any{"action": "toast"})
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("action status = %d, want 504", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("action took %v, want the reloaded short timeout to apply", elapsed)
	}
}

func TestActionRoundTrip(t *testing.T) {
	ts, gw := newTestServer(t)
	conn := dialDevice(t, ts, gw, "dev-rt")

	// The fake device answers the first execute-action it receives.
	go func() {
		for {
			var msg protocol.ExecuteActionMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != protocol.MsgExecuteAction {
				continue
			}
			conn.WriteJSON(protocol.CommandResponseMessage{
				Type:      protocol.MsgCommandResponse,
				CommandID: msg.CommandID,
				Success:   true,
				Result:    json.RawMessage(`{"shown":true}`),
			})
			return
		}
	}()

	resp, body := apiDo(t, ts, http.MethodPost, "/api/devices/dev-rt/actions", map[string]any{
		"action": "toast",
		"params": map[string]any{"text": "hello"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}
	if body["command_id"] == "" || body["command_id"] == nil {
		t.Error("missing command_id")
	}
}

func TestActionOnUnknownAndOfflineDevice(t *testing.T) {
	ts, gw := newTestServer(t)

	resp, _ := apiDo(t, ts, http.MethodPost, "/api/devices/never-seen/actions", map[string]any{"action": "toast"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", resp.StatusCode)
	}

	conn := dialDevice(t, ts, gw, "dev-gone")
	conn.Close()
	waitFor(t, "device offline", func() bool {
		_, ok := gw.Registry.Transport("dev-gone")
		return !ok
	})

	resp, _ = apiDo(t, ts, http.MethodPost, "/api/devices/dev-gone/actions", map[string]any{"action": "toast"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("offline device status = %d, want 409", resp.StatusCode)
	}
}

func TestScreenFrameRelay(t *testing.T) {
	ts, gw := newTestServer(t)
	device := dialDevice(t, ts, gw, "dev-st")
	observer := dialObserver(t, ts, protocol.TopicScreenFrame)

	resp, _ := apiDo(t, ts, http.MethodPost, "/api/devices/dev-st/stream/start", map[string]any{
		"quality": map[string]any{"fps": 10, "resolution": "half", "compression": 70},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream start status = %d", resp.StatusCode)
	}

	// The device should receive the start instruction with the quality.
	device.SetReadDeadline(time.Now().Add(2 * time.Second))
	var start protocol.StreamStartMessage
	if err := device.ReadJSON(&start); err != nil {
		t.Fatalf("read stream start: %v", err)
	}
	if start.Type != protocol.MsgStreamStart || start.Quality.FPS != 10 {
		t.Fatalf("unexpected start frame: %+v", start)
	}

	if err := device.WriteJSON(protocol.ScreenFrameMessage{
		Type: protocol.MsgScreenFrame,
		Data: []byte("jpeg-bytes"),
	}); err != nil {
		t.Fatal(err)
	}

	observer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw []byte
	for {
		_, data, err := observer.ReadMessage()
		if err != nil {
			t.Fatalf("observer read: %v", err)
		}
		typ, err := protocol.ParseType(data)
		if err != nil {
			t.Fatal(err)
		}
		if typ == protocol.TopicScreenFrame {
			raw = data
			break
		}
	}
	if !bytes.Contains(raw, []byte("dev-st")) {
		t.Errorf("frame update missing device id: %s", raw)
	}

	// After stop, further frames are dropped at the gateway.
	apiDo(t, ts, http.MethodPost, "/api/devices/dev-st/stream/stop", nil)
	waitFor(t, "stream inactive", func() bool {
		return !gw.Streams.Status("dev-st").Active
	})
	device.WriteJSON(protocol.ScreenFrameMessage{Type: protocol.MsgScreenFrame, Data: []byte("late")})

	observer.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	for {
		_, data, err := observer.ReadMessage()
		if err != nil {
			break // timeout, nothing relayed
		}
		typ, _ := protocol.ParseType(data)
		if typ == protocol.TopicScreenFrame && bytes.Contains(data, []byte("late")) {
			t.Fatal("frame relayed after stream stop")
		}
	}
}

func TestReconnectSupersedesAndStopsSessions(t *testing.T) {
	ts, gw := newTestServer(t)
	old := dialDevice(t, ts, gw, "dev-rc")

	if _, body := apiDo(t, ts, http.MethodPost, "/api/devices/dev-rc/control/start", nil); body["active"] != true {
		t.Fatalf("control start: %v", body)
	}
	if resp, _ := apiDo(t, ts, http.MethodPost, "/api/devices/dev-rc/stream/start", nil); resp.StatusCode != http.StatusOK {
		t.Fatal("stream start failed")
	}

	oldTransport, _ := gw.Registry.Transport("dev-rc")
	dialDevice(t, ts, gw, "dev-rc")
	waitFor(t, "transport superseded", func() bool {
		tr, ok := gw.Registry.Transport("dev-rc")
		return ok && tr.ID() != oldTransport.ID()
	})

	// The device is online on the new transport but both sessions require an
	// explicit restart.
	sess, ok := gw.Registry.Resolve("dev-rc")
	if !ok || !sess.Online() {
		t.Fatal("device not online after reconnect")
	}
	if _, body := apiDo(t, ts, http.MethodGet, "/api/devices/dev-rc/control", nil); body["active"] != false {
		t.Errorf("control status after reconnect: %v", body)
	}
	if _, body := apiDo(t, ts, http.MethodGet, "/api/devices/dev-rc/stream", nil); body["active"] != false {
		t.Errorf("stream status after reconnect: %v", body)
	}

	// The superseded connection gets closed by the gateway.
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := old.ReadMessage(); err != nil {
			break
		}
	}
}

func TestControlCommandRequiresSession(t *testing.T) {
	ts, gw := newTestServer(t)
	dialDevice(t, ts, gw, "dev-cc")

	resp, body := apiDo(t, ts, http.MethodPost, "/api/devices/dev-cc/control/command", map[string]any{
		"type": "touch",
		"data": map[string]any{"x": 1, "y": 2},
	})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("status = %d, want 412 (%v)", resp.StatusCode, body)
	}
}

func TestObserverLifecycleEvents(t *testing.T) {
	ts, gw := newTestServer(t)
	observer := dialObserver(t, ts, protocol.TopicDeviceConnected, protocol.TopicDeviceDisconnected)
	waitFor(t, "observer registered", func() bool { return gw.Hub.ObserverCount() == 1 })

	conn := dialDevice(t, ts, gw, "dev-ev")

	observer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := observer.ReadMessage()
	if err != nil {
		t.Fatalf("observer read: %v", err)
	}
	if typ, _ := protocol.ParseType(data); typ != protocol.TopicDeviceConnected {
		t.Fatalf("first event = %q", typ)
	}

	conn.Close()
	_, data, err = observer.ReadMessage()
	if err != nil {
		t.Fatalf("observer read: %v", err)
	}
	if typ, _ := protocol.ParseType(data); typ != protocol.TopicDeviceDisconnected {
		t.Fatalf("second event = %q", typ)
	}
}

func TestAPIAuth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no-token status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/devices", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad-token status = %d, want 401", resp.StatusCode)
	}

	// Health stays open.
	resp, err = ts.Client().Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestDeviceRegisterRejectsBadToken(t *testing.T) {
	ts, gw := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/device"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.RegisterMessage{
		Type:     protocol.MsgRegister,
		Token:    "wrong",
		DeviceID: "dev-bad",
		Platform: "android",
	}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after bad token")
	}
	if _, ok := gw.Registry.Resolve("dev-bad"); ok {
		t.Error("device registered despite bad token")
	}
}

func TestConnLimiterAppliedAtHandshake(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.MaxConnsPerWindow = 2
	st := store.NewMemoryStore()
	gw := gateway.New(cfg, st, st)
	api := httpapi.New(gw, "", gateway.NewAPILimiter(0, 0))
	mux := http.NewServeMux()
	api.Routes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/device"), nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Close()
	}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/device"), nil)
	if err == nil {
		t.Fatal("third handshake in window admitted")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Errorf("handshake status = %d, want 429", status)
	}
}
