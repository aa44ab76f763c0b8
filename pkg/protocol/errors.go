package protocol

import (
	"errors"
	"fmt"
)

// Wire error codes surfaced to HTTP callers and observer connections.
const (
	CodeDeviceOffline      = "DEVICE_OFFLINE"
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodeDeviceDisconnected = "DEVICE_DISCONNECTED"
	CodeCommandTimeout     = "COMMAND_TIMEOUT"
	CodeControlNotActive   = "CONTROL_NOT_ACTIVE"
	CodeStreamNotActive    = "STREAM_NOT_ACTIVE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeValidation         = "VALIDATION_ERROR"
	CodeCommandFailed      = "COMMAND_FAILED"
	CodeInternal           = "INTERNAL"
)

// Terminal outcomes of gateway operations. These propagate to the
// HTTP-facing caller unchanged; the gateway never retries on its behalf.
var (
	ErrDeviceOffline      = errors.New("device offline")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceDisconnected = errors.New("device disconnected")
	ErrCommandTimeout     = errors.New("command timed out")
	ErrControlNotActive   = errors.New("remote control session not active")
	ErrStreamNotActive    = errors.New("screen stream session not active")
	ErrRateLimited        = errors.New("connection rate limit exceeded")
)

// ValidationError reports a malformed command or control payload, rejected
// locally before any device I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DeviceError carries a failure reported by the device itself in a
// command-response.
type DeviceError struct {
	CommandID string
	Message   string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device reported failure for command %s: %s", e.CommandID, e.Message)
}

// CodeFor maps a gateway error to its wire code.
func CodeFor(err error) string {
	var ve *ValidationError
	var de *DeviceError
	switch {
	case errors.Is(err, ErrDeviceOffline):
		return CodeDeviceOffline
	case errors.Is(err, ErrDeviceNotFound):
		return CodeDeviceNotFound
	case errors.Is(err, ErrDeviceDisconnected):
		return CodeDeviceDisconnected
	case errors.Is(err, ErrCommandTimeout):
		return CodeCommandTimeout
	case errors.Is(err, ErrControlNotActive):
		return CodeControlNotActive
	case errors.Is(err, ErrStreamNotActive):
		return CodeStreamNotActive
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &de):
		return CodeCommandFailed
	default:
		return CodeInternal
	}
}
