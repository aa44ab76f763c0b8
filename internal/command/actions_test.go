package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/fleetgate/internal/device"
	"github.com/nextlevelbuilder/fleetgate/internal/hub"
	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

func newDispatcher(t *testing.T) (*Dispatcher, *device.Registry) {
	t.Helper()
	r := device.NewRegistry()
	c := NewCorrelator(r)
	return NewDispatcher(c, r, hub.New(), 5*time.Second), r
}

func TestListActionsPlatformFilter(t *testing.T) {
	d, _ := newDispatcher(t)

	all := d.ListActions("")
	ios := d.ListActions(device.PlatformIOS)
	android := d.ListActions(device.PlatformAndroid)

	if len(ios) >= len(all) {
		t.Errorf("ios catalog (%d) not smaller than full catalog (%d)", len(ios), len(all))
	}
	if len(android) != len(all) {
		t.Errorf("android catalog = %d, want %d (all built-ins are android-compatible)", len(android), len(all))
	}
	for _, a := range ios {
		if a.Platform != PlatformBoth && a.Platform != device.PlatformIOS {
			t.Errorf("ios catalog contains %s (platform %s)", a.Name, a.Platform)
		}
	}
}

func TestExecuteUnknownActionRejectedLocally(t *testing.T) {
	d, r := newDispatcher(t)
	tr := &fakeTransport{id: "t1"}
	r.Register(device.RegisterInfo{DeviceID: "dev-1", Platform: device.PlatformAndroid}, tr)

	_, err := d.ExecuteAction(context.Background(), "dev-1", "self-destruct", nil)
	var ve *protocol.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if tr.sendCount() != 0 {
		t.Errorf("unknown action reached the device (%d sends)", tr.sendCount())
	}
}

func TestExecutePlatformMismatchRejected(t *testing.T) {
	d, r := newDispatcher(t)
	tr := &fakeTransport{id: "t1"}
	r.Register(device.RegisterInfo{DeviceID: "dev-1", Platform: device.PlatformIOS}, tr)

	_, err := d.ExecuteAction(context.Background(), "dev-1", "lock-screen", nil)
	var ve *protocol.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError for platform mismatch", err)
	}
	if tr.sendCount() != 0 {
		t.Errorf("incompatible action reached the device")
	}
}

func TestExecuteActionSendsFrame(t *testing.T) {
	d, r := newDispatcher(t)
	tr := &fakeTransport{id: "t1"}
	r.Register(device.RegisterInfo{DeviceID: "dev-1", Platform: device.PlatformAndroid}, tr)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.ExecuteAction(context.Background(), "dev-1", "toast", map[string]any{"message": "hi"})
		errCh <- err
	}()

	// Wait for the frame to hit the transport, then answer it.
	var frame protocol.ExecuteActionMessage
	deadline := time.After(time.Second)
	for {
		tr.mu.Lock()
		if len(tr.sent) > 0 {
			frame = tr.sent[0].(protocol.ExecuteActionMessage)
			tr.mu.Unlock()
			break
		}
		tr.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("no frame sent to device")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if frame.Type != protocol.MsgExecuteAction || frame.Action != "toast" {
		t.Errorf("frame = %+v", frame)
	}
	if frame.CommandID == "" {
		t.Error("frame has empty command id")
	}

	d.correlator.HandleResponse("dev-1", &protocol.CommandResponseMessage{CommandID: frame.CommandID, Success: true})
	if err := <-errCh; err != nil {
		t.Fatalf("ExecuteAction err = %v", err)
	}
}
