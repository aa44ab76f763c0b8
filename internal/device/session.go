// Package device tracks the fleet of connected endpoint agents. The
// registry is the single serialization point for per-device state: nothing
// else mutates a DeviceSession directly.
package device

import "time"

// Device platforms.
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
)

// Session statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Transport is a live connection to one device. Send must not block the
// caller; Close must be safe to call more than once.
type Transport interface {
	ID() string
	Send(v any) error
	Close()
	RemoteAddr() string
}

// Session is the gateway's record of one device identity. DeviceID is the
// stable device-supplied identifier, distinct from the transport connection
// id which changes on every reconnect.
type Session struct {
	DeviceID        string            `json:"device_id"`
	Platform        string            `json:"platform"`
	PlatformVersion string            `json:"platform_version,omitempty"`
	Model           string            `json:"model,omitempty"`
	AppVersion      string            `json:"app_version,omitempty"`
	IPAddress       string            `json:"ip_address,omitempty"`
	Status          string            `json:"status"`
	ConnectedAt     time.Time         `json:"connected_at"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	transport Transport
}

// Online reports whether the session currently owns a live transport.
func (s *Session) Online() bool { return s.Status == StatusOnline }

// RegisterInfo is the identity a device presents during handshake.
type RegisterInfo struct {
	DeviceID        string
	Platform        string
	PlatformVersion string
	Model           string
	AppVersion      string
	IPAddress       string
	Metadata        map[string]string
}

// Filter narrows ListDevices results. Nil fields match everything.
type Filter struct {
	Platform string
	Online   *bool
}
