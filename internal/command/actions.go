package command

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/fleetgate/internal/device"
	"github.com/nextlevelbuilder/fleetgate/internal/hub"
	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

// PlatformBoth marks an action available on every platform.
const PlatformBoth = "both"

// ActionDescriptor describes one named action a device can execute.
type ActionDescriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Platform    string            `json:"platform"` // android, ios, or both
	Params      map[string]string `json:"params,omitempty"`
}

// defaultCatalog is the built-in action set. The catalog is static
// configuration; listing it performs no device I/O.
var defaultCatalog = []ActionDescriptor{
	{Name: "toast", Description: "Show a toast message on the device", Platform: PlatformBoth,
		Params: map[string]string{"message": "text to display"}},
	{Name: "vibrate", Description: "Vibrate the device", Platform: PlatformBoth,
		Params: map[string]string{"duration_ms": "vibration length in milliseconds"}},
	{Name: "locate", Description: "Report current GPS location", Platform: PlatformBoth},
	{Name: "battery-status", Description: "Report battery level and charging state", Platform: PlatformBoth},
	{Name: "screenshot", Description: "Capture a single screenshot", Platform: PlatformBoth},
	{Name: "list-apps", Description: "List installed applications", Platform: PlatformBoth},
	{Name: "open-url", Description: "Open a URL in the default browser", Platform: PlatformBoth,
		Params: map[string]string{"url": "address to open"}},
	{Name: "lock-screen", Description: "Lock the device screen", Platform: device.PlatformAndroid},
	{Name: "launch-app", Description: "Launch an application by package name", Platform: device.PlatformAndroid,
		Params: map[string]string{"package": "application package name"}},
}

// Dispatcher executes named actions on devices through the correlator.
type Dispatcher struct {
	correlator *Correlator
	registry   *device.Registry
	hub        *hub.Hub
	catalog    []ActionDescriptor
	timeout    atomic.Int64 // nanoseconds
}

// NewDispatcher creates an action dispatcher with the built-in catalog and
// the given default command timeout.
func NewDispatcher(correlator *Correlator, registry *device.Registry, h *hub.Hub, timeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		correlator: correlator,
		registry:   registry,
		hub:        h,
		catalog:    defaultCatalog,
	}
	d.timeout.Store(int64(timeout))
	return d
}

// SetTimeout replaces the round-trip deadline for subsequent dispatches.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	d.timeout.Store(int64(timeout))
}

// ListActions returns the catalog filtered by platform compatibility.
// Actions marked "both" are always included; an empty platform returns
// everything.
func (d *Dispatcher) ListActions(platform string) []ActionDescriptor {
	if platform == "" {
		return append([]ActionDescriptor(nil), d.catalog...)
	}
	var out []ActionDescriptor
	for _, a := range d.catalog {
		if a.Platform == PlatformBoth || a.Platform == platform {
			out = append(out, a)
		}
	}
	return out
}

// lookup finds a catalog entry by name.
func (d *Dispatcher) lookup(name string) (ActionDescriptor, bool) {
	for _, a := range d.catalog {
		if a.Name == name {
			return a, true
		}
	}
	return ActionDescriptor{}, false
}

// ExecuteAction runs one action on a device and waits for its result. The
// action must exist in the catalog and be compatible with the device's
// platform; violations are rejected locally before any device I/O.
func (d *Dispatcher) ExecuteAction(ctx context.Context, deviceID, name string, params map[string]any) (Result, error) {
	desc, ok := d.lookup(name)
	if !ok {
		return Result{}, &protocol.ValidationError{Field: "action", Reason: "unknown action " + name}
	}
	sess, ok := d.registry.Resolve(deviceID)
	if !ok {
		return Result{}, protocol.ErrDeviceNotFound
	}
	if desc.Platform != PlatformBoth && desc.Platform != sess.Platform {
		return Result{}, &protocol.ValidationError{Field: "action", Reason: name + " is not available on " + sess.Platform}
	}

	res, err := d.correlator.Dispatch(ctx, deviceID, KindAction, func(commandID string) any {
		return protocol.ExecuteActionMessage{
			Type:      protocol.MsgExecuteAction,
			CommandID: commandID,
			Action:    name,
			Params:    params,
		}
	}, time.Duration(d.timeout.Load()))

	d.hub.Publish(protocol.TopicActionResponse, map[string]any{
		"device_id": deviceID,
		"action":    name,
		"success":   err == nil,
		"error":     errString(err),
	})
	return res, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
