// Package stream manages per-device screen streaming sessions. The local
// active flag is authoritative for frame admission: start/stop instructions
// to the device are best-effort and never block on a device acknowledgment.
package stream

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/fleetgate/internal/device"
	"github.com/nextlevelbuilder/fleetgate/internal/hub"
	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

// frameCacheSize bounds how many devices keep a replayable last frame.
const frameCacheSize = 256

// Valid stream resolutions.
var validResolutions = map[string]bool{"full": true, "half": true, "quarter": true}

// Session is the streaming state for one device. At most one exists per
// device id; repeated starts update quality in place.
type Session struct {
	DeviceID  string                 `json:"device_id"`
	Active    bool                   `json:"active"`
	Quality   protocol.StreamQuality `json:"quality"`
	StartedAt time.Time              `json:"started_at,omitempty"`
	FrameSeq  uint64                 `json:"frame_seq"`
}

// FrameEvent is the shape relayed to observers for each accepted frame.
type FrameEvent struct {
	DeviceID string `json:"device_id"`
	Seq      uint64 `json:"seq"`
	Data     []byte `json:"data"`
}

// Manager owns all streaming sessions.
type Manager struct {
	registry *device.Registry
	hub      *hub.Hub
	defaults protocol.StreamQuality

	mu       sync.Mutex
	sessions map[string]*Session

	// Last accepted frame per device, replayed to new subscribers so a
	// dashboard shows something before the next frame lands.
	lastFrames *lru.Cache[string, FrameEvent]
}

// NewManager creates a stream manager with the given default quality.
func NewManager(registry *device.Registry, h *hub.Hub, defaults protocol.StreamQuality) *Manager {
	cache, _ := lru.New[string, FrameEvent](frameCacheSize)
	return &Manager{
		registry:   registry,
		hub:        h,
		defaults:   defaults,
		sessions:   make(map[string]*Session),
		lastFrames: cache,
	}
}

// ValidateQuality rejects out-of-range quality settings before any device
// I/O. A nil quality is valid and means "use defaults".
func ValidateQuality(q *protocol.StreamQuality) error {
	if q == nil {
		return nil
	}
	if q.FPS < 5 || q.FPS > 30 {
		return &protocol.ValidationError{Field: "fps", Reason: "must be between 5 and 30"}
	}
	if !validResolutions[q.Resolution] {
		return &protocol.ValidationError{Field: "resolution", Reason: "must be full, half or quarter"}
	}
	if q.Compression < 60 || q.Compression > 90 {
		return &protocol.ValidationError{Field: "compression", Reason: "must be between 60 and 90"}
	}
	return nil
}

// Start begins streaming for a device, or updates quality in place when the
// session is already active. A second start never creates a second
// session, and StartedAt and FrameSeq survive it. Fails with
// ErrDeviceOffline / ErrDeviceNotFound without touching session state when
// the device has no live transport. The session transition runs inside the
// registry's per-device critical section, so a concurrent disconnect can
// never leave an active session behind for an offline device.
func (m *Manager) Start(deviceID string, q *protocol.StreamQuality) (Session, error) {
	if err := ValidateQuality(q); err != nil {
		return Session{}, err
	}
	if _, ok := m.registry.Resolve(deviceID); !ok {
		return Session{}, protocol.ErrDeviceNotFound
	}

	var snap Session
	var started bool
	ok := m.registry.WithTransport(deviceID, func(transport device.Transport) {
		m.mu.Lock()
		quality := m.defaults
		if q != nil {
			quality = *q
		}
		sess, ok := m.sessions[deviceID]
		if ok && sess.Active {
			sess.Quality = quality
			snap = *sess
			m.mu.Unlock()

			if err := transport.Send(protocol.StreamQualityMessage{Type: protocol.MsgStreamQuality, Quality: quality}); err != nil {
				slog.Warn("stream quality send failed", "device", deviceID, "error", err)
			}
			return
		}
		sess = &Session{
			DeviceID:  deviceID,
			Active:    true,
			Quality:   quality,
			StartedAt: time.Now().UTC(),
		}
		m.sessions[deviceID] = sess
		snap = *sess
		started = true
		m.mu.Unlock()

		if err := transport.Send(protocol.StreamStartMessage{Type: protocol.MsgStreamStart, Quality: quality}); err != nil {
			slog.Warn("stream start send failed", "device", deviceID, "error", err)
		}
	})
	if !ok {
		return Session{}, protocol.ErrDeviceOffline
	}

	if started {
		slog.Info("stream started", "device", deviceID, "fps", snap.Quality.FPS, "resolution", snap.Quality.Resolution)
		m.hub.Publish(protocol.TopicStreamStatus, map[string]any{"device_id": deviceID, "active": true})
	} else {
		slog.Info("stream quality updated via start", "device", deviceID, "fps", snap.Quality.FPS)
	}
	return snap, nil
}

// SetDefaultQuality replaces the quality applied when Start is called
// without an explicit one. Active sessions keep their current quality.
func (m *Manager) SetDefaultQuality(q protocol.StreamQuality) {
	m.mu.Lock()
	m.defaults = q
	m.mu.Unlock()
}

// Stop ends streaming. Stopping a stopped or unknown session is a no-op.
// The stop instruction to the device is best-effort; the local flag flips
// regardless so subsequent frames are dropped.
func (m *Manager) Stop(deviceID string) Session {
	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	if !ok || !sess.Active {
		var snap Session
		if ok {
			snap = *sess
		} else {
			snap = Session{DeviceID: deviceID}
		}
		m.mu.Unlock()
		return snap
	}
	sess.Active = false
	snap := *sess
	m.mu.Unlock()

	if transport, ok := m.registry.Transport(deviceID); ok {
		if err := transport.Send(protocol.StreamStopMessage{Type: protocol.MsgStreamStop}); err != nil {
			slog.Warn("stream stop send failed", "device", deviceID, "error", err)
		}
	}
	slog.Info("stream stopped", "device", deviceID, "frames", snap.FrameSeq)
	m.hub.Publish(protocol.TopicStreamStatus, map[string]any{"device_id": deviceID, "active": false})
	return snap
}

// UpdateQuality changes capture quality on an active session. It fails with
// ErrStreamNotActive when the session is stopped and ErrDeviceOffline when
// the device has no live transport, in both cases without mutating state.
func (m *Manager) UpdateQuality(deviceID string, q protocol.StreamQuality) (Session, error) {
	if err := ValidateQuality(&q); err != nil {
		return Session{}, err
	}
	if _, ok := m.registry.Resolve(deviceID); !ok {
		return Session{}, protocol.ErrDeviceNotFound
	}

	var snap Session
	var inactive bool
	ok := m.registry.WithTransport(deviceID, func(transport device.Transport) {
		m.mu.Lock()
		sess, ok := m.sessions[deviceID]
		if !ok || !sess.Active {
			m.mu.Unlock()
			inactive = true
			return
		}
		sess.Quality = q
		snap = *sess
		m.mu.Unlock()

		if err := transport.Send(protocol.StreamQualityMessage{Type: protocol.MsgStreamQuality, Quality: q}); err != nil {
			slog.Warn("stream quality send failed", "device", deviceID, "error", err)
		}
	})
	if !ok {
		return Session{}, protocol.ErrDeviceOffline
	}
	if inactive {
		return Session{}, protocol.ErrStreamNotActive
	}
	return snap, nil
}

// Status returns a snapshot of the session for deviceID; unknown devices
// report a stopped session.
func (m *Manager) Status(deviceID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[deviceID]; ok {
		return *sess
	}
	return Session{DeviceID: deviceID}
}

// HandleFrame admits one inbound frame. Frames arriving while the session
// is stopped are dropped without relay.
func (m *Manager) HandleFrame(deviceID string, data []byte) {
	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	if !ok || !sess.Active {
		m.mu.Unlock()
		slog.Debug("dropping frame for inactive stream", "device", deviceID)
		return
	}
	sess.FrameSeq++
	ev := FrameEvent{DeviceID: deviceID, Seq: sess.FrameSeq, Data: data}
	m.mu.Unlock()

	m.lastFrames.Add(deviceID, ev)
	m.hub.Publish(protocol.TopicScreenFrame, ev)
}

// LastFrames returns the cached most-recent frame of every currently active
// session, for replay to a freshly subscribed observer.
func (m *Manager) LastFrames() []FrameEvent {
	m.mu.Lock()
	active := make([]string, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if sess.Active {
			active = append(active, id)
		}
	}
	m.mu.Unlock()

	var out []FrameEvent
	for _, id := range active {
		if ev, ok := m.lastFrames.Get(id); ok {
			out = append(out, ev)
		}
	}
	return out
}

// ForceStop drops a session without any device I/O. Called from the
// registry's disconnect hook; a reconnecting device must re-issue start.
// The entry and its cached frame are pruned so device-id churn does not
// grow the session map.
func (m *Manager) ForceStop(deviceID string) {
	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasActive := sess.Active
	delete(m.sessions, deviceID)
	m.mu.Unlock()

	m.lastFrames.Remove(deviceID)
	if !wasActive {
		return
	}
	slog.Info("stream force-stopped on disconnect", "device", deviceID)
	m.hub.Publish(protocol.TopicStreamStatus, map[string]any{"device_id": deviceID, "active": false})
}

// SessionCount reports tracked sessions, active or stopped.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
