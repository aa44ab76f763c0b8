package device

import (
	"fmt"
	"sync"
	"testing"
)

type fakeTransport struct {
	id   string
	addr string

	mu     sync.Mutex
	sent   []any
	closed bool
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, addr: "10.0.0.1"}
}

func (t *fakeTransport) ID() string         { return t.id }
func (t *fakeTransport) RemoteAddr() string { return t.addr }

func (t *fakeTransport) Send(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, v)
	return nil
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func info(deviceID string) RegisterInfo {
	return RegisterInfo{DeviceID: deviceID, Platform: PlatformAndroid, Model: "Pixel6"}
}

func TestRegisterResolve(t *testing.T) {
	r := NewRegistry()
	sess := r.Register(info("dev-1"), newFakeTransport("t1"))

	if !sess.Online() {
		t.Fatalf("session status = %q, want online", sess.Status)
	}
	got, ok := r.Resolve("dev-1")
	if !ok {
		t.Fatal("Resolve(dev-1) not found")
	}
	if got.Model != "Pixel6" || got.Platform != PlatformAndroid {
		t.Errorf("session = %+v, want Pixel6/android", got)
	}
	if _, ok := r.Resolve("dev-2"); ok {
		t.Error("Resolve(dev-2) found nonexistent device")
	}
}

func TestSupersedeClosesOldTransport(t *testing.T) {
	r := NewRegistry()
	old := newFakeTransport("t1")
	r.Register(info("dev-1"), old)

	next := newFakeTransport("t2")
	r.Register(info("dev-1"), next)

	if !old.isClosed() {
		t.Error("old transport not closed on supersede")
	}
	tr, ok := r.Transport("dev-1")
	if !ok {
		t.Fatal("device offline after supersede")
	}
	if tr.ID() != "t2" {
		t.Errorf("live transport = %s, want t2", tr.ID())
	}

	// The stale transport's close must not mark the new session offline.
	if _, offline := r.Unregister("t1"); offline {
		t.Error("stale unregister went through")
	}
	if sess, _ := r.Resolve("dev-1"); !sess.Online() {
		t.Error("device went offline after stale unregister")
	}
}

func TestSingleOnlineInvariant(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register(info("dev-1"), newFakeTransport(fmt.Sprintf("t%d", n)))
		}(i)
	}
	wg.Wait()

	online := 0
	for _, sess := range r.ListDevices(Filter{}) {
		if sess.Online() {
			online++
		}
	}
	if online != 1 {
		t.Errorf("online sessions = %d, want exactly 1", online)
	}
}

func TestUnregisterRunsHooks(t *testing.T) {
	r := NewRegistry()
	var hooked []string
	r.OnDisconnect(func(deviceID string) { hooked = append(hooked, deviceID) })

	r.Register(info("dev-1"), newFakeTransport("t1"))
	deviceID, offline := r.Unregister("t1")
	if !offline || deviceID != "dev-1" {
		t.Fatalf("Unregister = (%q, %v), want (dev-1, true)", deviceID, offline)
	}
	if len(hooked) != 1 || hooked[0] != "dev-1" {
		t.Errorf("hooks = %v, want [dev-1]", hooked)
	}
	if sess, _ := r.Resolve("dev-1"); sess.Online() {
		t.Error("session still online after unregister")
	}
	if _, ok := r.Transport("dev-1"); ok {
		t.Error("Transport returned a handle for an offline device")
	}
}

func TestSupersedeRunsHooks(t *testing.T) {
	r := NewRegistry()
	var hooks int
	r.OnDisconnect(func(string) { hooks++ })

	r.Register(info("dev-1"), newFakeTransport("t1"))
	r.Register(info("dev-1"), newFakeTransport("t2"))
	if hooks != 1 {
		t.Errorf("disconnect hooks ran %d times on supersede, want 1", hooks)
	}
}

func TestListDevicesFilter(t *testing.T) {
	r := NewRegistry()
	r.Register(RegisterInfo{DeviceID: "a1", Platform: PlatformAndroid}, newFakeTransport("t1"))
	r.Register(RegisterInfo{DeviceID: "i1", Platform: PlatformIOS}, newFakeTransport("t2"))
	r.Register(RegisterInfo{DeviceID: "a2", Platform: PlatformAndroid}, newFakeTransport("t3"))
	r.Unregister("t3")

	if got := len(r.ListDevices(Filter{})); got != 3 {
		t.Errorf("unfiltered count = %d, want 3", got)
	}
	if got := len(r.ListDevices(Filter{Platform: PlatformAndroid})); got != 2 {
		t.Errorf("android count = %d, want 2", got)
	}
	online := true
	if got := len(r.ListDevices(Filter{Online: &online})); got != 2 {
		t.Errorf("online count = %d, want 2", got)
	}
	offline := false
	devs := r.ListDevices(Filter{Platform: PlatformAndroid, Online: &offline})
	if len(devs) != 1 || devs[0].DeviceID != "a2" {
		t.Errorf("offline android = %v, want [a2]", devs)
	}
}
