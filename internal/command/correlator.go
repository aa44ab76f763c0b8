// Package command turns the fire-and-forget device transport into
// request/response semantics. Every round trip is a PendingCommand keyed by
// a unique command id; responses are matched strictly by that id, so
// out-of-order device replies never cross-resolve the wrong caller.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/fleetgate/internal/device"
	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

// Kind distinguishes one-shot actions from remote-control input events.
type Kind string

const (
	KindAction  Kind = "action"
	KindControl Kind = "control"
)

// Result is the successful outcome of a dispatched command.
type Result struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Elapsed   time.Duration   `json:"-"`
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pending struct {
	commandID string
	deviceID  string
	kind      Kind
	issuedAt  time.Time
	deadline  time.Time
	timer     *time.Timer
	done      chan outcome // buffered; exactly one terminal send
}

// FrameFunc builds the wire message for a command once its id is known.
type FrameFunc func(commandID string) any

// Correlator owns the pending-command table. Entries are removed the
// instant they resolve (success, device failure, timeout, or disconnect)
// and never left dangling.
type Correlator struct {
	registry *device.Registry
	tracer   trace.Tracer

	mu      sync.Mutex
	pending map[string]*pending
}

// NewCorrelator creates a correlator backed by the given registry.
func NewCorrelator(registry *device.Registry) *Correlator {
	return &Correlator{
		registry: registry,
		tracer:   otel.Tracer("fleetgate/command"),
		pending:  make(map[string]*pending),
	}
}

// Dispatch sends one command to a device and blocks until the device
// responds, the timeout elapses, the device disconnects, or ctx is
// cancelled. It fails fast with ErrDeviceOffline / ErrDeviceNotFound when
// the target has no live transport; callers never wait for a device to
// come online.
func (c *Correlator) Dispatch(ctx context.Context, deviceID string, kind Kind, frame FrameFunc, timeout time.Duration) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "command.dispatch",
		trace.WithAttributes(
			attribute.String("device.id", deviceID),
			attribute.String("command.kind", string(kind)),
		))
	defer span.End()

	if _, ok := c.registry.Resolve(deviceID); !ok {
		return Result{}, protocol.ErrDeviceNotFound
	}
	transport, ok := c.registry.Transport(deviceID)
	if !ok {
		return Result{}, protocol.ErrDeviceOffline
	}

	commandID := uuid.NewString()
	span.SetAttributes(attribute.String("command.id", commandID))

	now := time.Now()
	p := &pending{
		commandID: commandID,
		deviceID:  deviceID,
		kind:      kind,
		issuedAt:  now,
		deadline:  now.Add(timeout),
		done:      make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() { c.expire(commandID) })

	c.mu.Lock()
	c.pending[commandID] = p
	c.mu.Unlock()

	if err := transport.Send(frame(commandID)); err != nil {
		c.take(commandID)
		return Result{}, fmt.Errorf("send to device %s: %w", deviceID, err)
	}

	slog.Debug("command dispatched", "device", deviceID, "command", commandID, "kind", kind)

	select {
	case out := <-p.done:
		if out.err != nil {
			slog.Warn("command failed", "device", deviceID, "command", commandID, "error", out.err)
			return Result{}, out.err
		}
		return Result{CommandID: commandID, Result: out.result, Elapsed: time.Since(now)}, nil
	case <-ctx.Done():
		c.take(commandID)
		return Result{}, ctx.Err()
	}
}

// HandleResponse resolves the pending command named by a device's
// command-response. Unknown or stale ids are dropped silently; a late
// response after timeout must not resolve anything.
func (c *Correlator) HandleResponse(deviceID string, msg *protocol.CommandResponseMessage) {
	p := c.take(msg.CommandID)
	if p == nil {
		slog.Debug("dropping stale command response", "device", deviceID, "command", msg.CommandID)
		return
	}
	if msg.Success {
		p.done <- outcome{result: msg.Result}
		return
	}
	p.done <- outcome{err: &protocol.DeviceError{CommandID: msg.CommandID, Message: msg.Error}}
}

// CancelDevice resolves every pending command for a device with
// ErrDeviceDisconnected. Called from the registry's disconnect hook; no
// orphaned timers or entries outlive the disconnect.
func (c *Correlator) CancelDevice(deviceID string) {
	c.mu.Lock()
	var cancelled []*pending
	for id, p := range c.pending {
		if p.deviceID == deviceID {
			delete(c.pending, id)
			cancelled = append(cancelled, p)
		}
	}
	c.mu.Unlock()

	for _, p := range cancelled {
		p.timer.Stop()
		p.done <- outcome{err: protocol.ErrDeviceDisconnected}
	}
	if len(cancelled) > 0 {
		slog.Info("cancelled pending commands on disconnect", "device", deviceID, "count", len(cancelled))
	}
}

// PendingCount reports the number of in-flight commands.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// expire resolves a still-pending command with ErrCommandTimeout.
func (c *Correlator) expire(commandID string) {
	p := c.take(commandID)
	if p == nil {
		return
	}
	slog.Warn("command timed out", "device", p.deviceID, "command", commandID, "deadline", p.deadline)
	p.done <- outcome{err: protocol.ErrCommandTimeout}
}

// take removes and returns a pending entry, stopping its timer. Removal
// under the lock guarantees at most one terminal resolution per command id.
func (c *Correlator) take(commandID string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[commandID]
	if !ok {
		return nil
	}
	delete(c.pending, commandID)
	p.timer.Stop()
	return p
}
