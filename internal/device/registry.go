package device

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const shardCount = 32

// DisconnectHook is invoked while a device transitions offline, before any
// new transport for the same identity can be marked online. Hooks must not
// call back into the Registry.
type DisconnectHook func(deviceID string)

// Registry is the connection manager. Per-device state is serialized by a
// sharded lock map so that registration and disconnect for one device never
// interleave, while different devices proceed independently.
type Registry struct {
	shards      [shardCount]shard
	byTransport sync.Map // transport id -> device id

	hookMu sync.RWMutex
	hooks  []DisconnectHook
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

// OnDisconnect registers a cleanup hook. Hooks run in registration order on
// unregister and on supersede.
func (r *Registry) OnDisconnect(h DisconnectHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, h)
}

func (r *Registry) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register binds a transport to a device identity and marks it online.
// If the identity is already online the prior transport is superseded:
// it is closed, its pending work is cancelled through the disconnect hooks,
// and only then is the new transport marked authoritative. At no point are
// two transports online for the same device id.
func (r *Registry) Register(info RegisterInfo, t Transport) *Session {
	sh := r.shardFor(info.DeviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now().UTC()
	sess, ok := sh.sessions[info.DeviceID]
	if ok && sess.Status == StatusOnline && sess.transport != nil {
		old := sess.transport
		r.byTransport.Delete(old.ID())
		sess.Status = StatusOffline
		sess.transport = nil
		r.runHooks(info.DeviceID)
		old.Close()
		slog.Info("device superseded", "device", info.DeviceID, "old_transport", old.ID(), "new_transport", t.ID())
	}
	if !ok {
		sess = &Session{DeviceID: info.DeviceID}
		sh.sessions[info.DeviceID] = sess
	}

	sess.Platform = info.Platform
	sess.PlatformVersion = info.PlatformVersion
	sess.Model = info.Model
	sess.AppVersion = info.AppVersion
	sess.IPAddress = info.IPAddress
	sess.Metadata = info.Metadata
	sess.ConnectedAt = now
	sess.LastSeenAt = now
	sess.Status = StatusOnline
	sess.transport = t

	r.byTransport.Store(t.ID(), info.DeviceID)
	return snapshot(sess)
}

// Unregister handles a transport close. It marks the owning session offline
// and runs the disconnect hooks, which cancel pending commands and force
// streaming/control sessions to stopped. A transport that was already
// superseded no-ops here. Returns the device id and whether a session
// actually went offline.
func (r *Registry) Unregister(transportID string) (string, bool) {
	v, ok := r.byTransport.LoadAndDelete(transportID)
	if !ok {
		return "", false
	}
	deviceID := v.(string)

	sh := r.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[deviceID]
	if !ok || sess.transport == nil || sess.transport.ID() != transportID {
		return "", false
	}
	sess.Status = StatusOffline
	sess.transport = nil
	sess.LastSeenAt = time.Now().UTC()
	r.runHooks(deviceID)
	return deviceID, true
}

// runHooks is called with the owning shard lock held, so no new transport
// for the device can come online until cleanup has finished.
func (r *Registry) runHooks(deviceID string) {
	r.hookMu.RLock()
	hooks := r.hooks
	r.hookMu.RUnlock()
	for _, h := range hooks {
		h(deviceID)
	}
}

// Resolve returns a snapshot of the session for deviceID.
// Unknown ids fail with ErrDeviceNotFound via the Online check at call
// sites; Resolve itself only reports existence.
func (r *Registry) Resolve(deviceID string) (*Session, bool) {
	sh := r.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[deviceID]
	if !ok {
		return nil, false
	}
	return snapshot(sess), true
}

// WithTransport runs fn with the device's live transport while holding
// the device's serialization lock. Disconnect hooks run under the same
// lock, so state transitions made inside fn can never interleave with a
// disconnect of the same device. Returns false without calling fn when
// the device is unknown or offline. fn must not call back into the
// Registry.
func (r *Registry) WithTransport(deviceID string, fn func(Transport)) bool {
	sh := r.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[deviceID]
	if !ok || sess.Status != StatusOnline || sess.transport == nil {
		return false
	}
	fn(sess.transport)
	return true
}

// Transport returns the live transport for an online device. Callers must
// not block waiting for a device to come online; offline resolution fails
// immediately.
func (r *Registry) Transport(deviceID string) (Transport, bool) {
	sh := r.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[deviceID]
	if !ok || sess.Status != StatusOnline || sess.transport == nil {
		return nil, false
	}
	return sess.transport, true
}

// Touch refreshes LastSeenAt on inbound device traffic.
func (r *Registry) Touch(deviceID string) {
	sh := r.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess, ok := sh.sessions[deviceID]; ok {
		sess.LastSeenAt = time.Now().UTC()
	}
}

// ListDevices returns snapshots of all sessions matching the filter,
// ordered by device id for stable output.
func (r *Registry) ListDevices(f Filter) []*Session {
	var out []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, sess := range sh.sessions {
			if f.Platform != "" && sess.Platform != f.Platform {
				continue
			}
			if f.Online != nil && sess.Online() != *f.Online {
				continue
			}
			out = append(out, snapshot(sess))
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// snapshot copies the exported state of a session; the transport handle
// stays private to the registry.
func snapshot(s *Session) *Session {
	cp := *s
	cp.transport = nil
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
