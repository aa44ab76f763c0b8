// Package control manages per-device remote-control sessions. Input events
// are only forwarded while a session is active; everything else is rejected
// locally without contacting the device.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/fleetgate/internal/command"
	"github.com/nextlevelbuilder/fleetgate/internal/device"
	"github.com/nextlevelbuilder/fleetgate/internal/hub"
	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

// Accepted control command types.
var validCommandTypes = map[string]bool{
	"touch":  true,
	"swipe":  true,
	"key":    true,
	"scroll": true,
}

// Session is the remote-control state for one device.
type Session struct {
	DeviceID     string    `json:"device_id"`
	Active       bool      `json:"active"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CommandCount uint64    `json:"command_count"`
}

// Command is one input event to forward to a device.
type Command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Manager owns all remote-control sessions.
type Manager struct {
	registry   *device.Registry
	correlator *command.Correlator
	hub        *hub.Hub
	timeout    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a control manager with the given per-command timeout.
func NewManager(registry *device.Registry, correlator *command.Correlator, h *hub.Hub, timeout time.Duration) *Manager {
	return &Manager{
		registry:   registry,
		correlator: correlator,
		hub:        h,
		timeout:    timeout,
		sessions:   make(map[string]*Session),
	}
}

// Start opens a control session. Starting an already-active session is a
// no-op that preserves StartedAt and CommandCount. The device must be
// online; there is no device-side instruction for control start, the
// session gate is purely local. The transition runs inside the registry's
// per-device critical section, so a concurrent disconnect can never leave
// an active session behind for an offline device.
func (m *Manager) Start(deviceID string) (Session, error) {
	if _, ok := m.registry.Resolve(deviceID); !ok {
		return Session{}, protocol.ErrDeviceNotFound
	}

	var snap Session
	var started bool
	ok := m.registry.WithTransport(deviceID, func(device.Transport) {
		m.mu.Lock()
		sess, ok := m.sessions[deviceID]
		if ok && sess.Active {
			snap = *sess
			m.mu.Unlock()
			return
		}
		sess = &Session{DeviceID: deviceID, Active: true, StartedAt: time.Now().UTC()}
		m.sessions[deviceID] = sess
		snap = *sess
		started = true
		m.mu.Unlock()
	})
	if !ok {
		return Session{}, protocol.ErrDeviceOffline
	}

	if started {
		slog.Info("control session started", "device", deviceID)
		m.hub.Publish(protocol.TopicControlStatus, map[string]any{"device_id": deviceID, "active": true})
	}
	return snap, nil
}

// Stop closes a control session; stopping a stopped session is a no-op.
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

	slog.Info("control session stopped", "device", deviceID, "commands", snap.CommandCount)
	m.hub.Publish(protocol.TopicControlStatus, map[string]any{"device_id": deviceID, "active": false})
	return snap
}

// SendCommand forwards one input event through the correlator so the
// device's command-response reports per-command success or failure back to
// the caller. It is rejected locally with ErrControlNotActive unless the
// session is active; no socket traffic happens in that case. CommandCount
// increments on every accepted dispatch regardless of outcome.
func (m *Manager) SendCommand(ctx context.Context, deviceID string, cmd Command) (command.Result, error) {
	if !validCommandTypes[cmd.Type] {
		return command.Result{}, &protocol.ValidationError{Field: "command_type", Reason: "must be touch, swipe, key or scroll"}
	}

	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	if !ok || !sess.Active {
		m.mu.Unlock()
		return command.Result{}, protocol.ErrControlNotActive
	}
	sess.CommandCount++
	timeout := m.timeout
	m.mu.Unlock()

	res, err := m.correlator.Dispatch(ctx, deviceID, command.KindControl, func(commandID string) any {
		return protocol.ControlCommandMessage{
			Type:        protocol.MsgControlCommand,
			CommandID:   commandID,
			CommandType: cmd.Type,
			Data:        cmd.Data,
		}
	}, timeout)

	m.hub.Publish(protocol.TopicControlResponse, map[string]any{
		"device_id":    deviceID,
		"command_type": cmd.Type,
		"success":      err == nil,
	})
	return res, err
}

// Status returns a snapshot of the session for deviceID; unknown devices
// report an inactive session.
func (m *Manager) Status(deviceID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[deviceID]; ok {
		return *sess
	}
	return Session{DeviceID: deviceID}
}

// SetTimeout replaces the per-command deadline for subsequent dispatches.
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	m.timeout = timeout
	m.mu.Unlock()
}

// ForceStop drops a session without any device I/O. Called from the
// registry's disconnect hook; the entry is pruned so device-id churn does
// not grow the session map.
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

	if !wasActive {
		return
	}
	slog.Info("control session force-stopped on disconnect", "device", deviceID)
	m.hub.Publish(protocol.TopicControlStatus, map[string]any{"device_id": deviceID, "active": false})
}

// SessionCount reports tracked sessions, active or stopped.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
