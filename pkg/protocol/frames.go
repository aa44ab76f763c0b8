// Package protocol defines the wire format spoken on the fleetgate device
// and observer WebSocket channels. It is importable by device agents and
// dashboard clients.
package protocol

import (
	"encoding/json"
	"time"
)

// Message types sent by a device to the gateway.
const (
	MsgRegister        = "register"
	MsgCommandResponse = "command-response"
	MsgData            = "data"
	MsgScreenFrame     = "screen-frame"
	MsgFile            = "file"
	MsgDisconnect      = "disconnect"
)

// Message types sent by the gateway to a device.
const (
	MsgExecuteAction  = "execute-action"
	MsgControlCommand = "control-command"
	MsgStreamStart    = "screen-stream-start"
	MsgStreamStop     = "screen-stream-stop"
	MsgStreamQuality  = "screen-stream-quality"
)

// Observer-channel message types.
const (
	MsgUpdate      = "update"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
)

// ParseType extracts the message type from raw JSON bytes so the full
// message can be re-parsed into its concrete shape.
func ParseType(data []byte) (string, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	return raw.Type, nil
}

// RegisterMessage is the device handshake. It must be the first message on a
// device connection.
type RegisterMessage struct {
	Type            string            `json:"type"`
	Token           string            `json:"token,omitempty"`
	DeviceID        string            `json:"device_id"`
	Platform        string            `json:"platform"`
	PlatformVersion string            `json:"platform_version,omitempty"`
	Model           string            `json:"model,omitempty"`
	AppVersion      string            `json:"app_version,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// CommandResponseMessage resolves one in-flight command by ID.
type CommandResponseMessage struct {
	Type      string          `json:"type"`
	CommandID string          `json:"command_id"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// DataMessage carries device telemetry. The gateway forwards the payload to
// the data repository and does not retain it.
type DataMessage struct {
	Type     string          `json:"type"`
	DataType string          `json:"data_type"`
	Payload  json.RawMessage `json:"payload"`
}

// ScreenFrameMessage carries one captured frame. Data is base64 on the wire.
type ScreenFrameMessage struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// FileMessage announces an uploaded file; the blob itself travels out of
// band and only the metadata passes through the gateway.
type FileMessage struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
	Path     string `json:"path,omitempty"`
}

// ExecuteActionMessage asks the device to run a named action.
type ExecuteActionMessage struct {
	Type      string         `json:"type"`
	CommandID string         `json:"command_id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
}

// ControlCommandMessage forwards one remote-control input event.
type ControlCommandMessage struct {
	Type        string          `json:"type"`
	CommandID   string          `json:"command_id"`
	CommandType string          `json:"command_type"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// StreamQuality describes the requested capture quality.
// FPS must be within [5,30], compression within [60,90]; resolution is one
// of "full", "half", "quarter".
type StreamQuality struct {
	FPS         int    `json:"fps"`
	Resolution  string `json:"resolution"`
	Compression int    `json:"compression"`
}

// StreamStartMessage tells the device to begin capturing.
type StreamStartMessage struct {
	Type    string        `json:"type"`
	Quality StreamQuality `json:"quality"`
}

// StreamStopMessage tells the device to stop capturing.
type StreamStopMessage struct {
	Type string `json:"type"`
}

// StreamQualityMessage updates capture quality mid-stream.
type StreamQualityMessage struct {
	Type    string        `json:"type"`
	Quality StreamQuality `json:"quality"`
}

// Update is the envelope pushed to observer connections.
type Update struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SubscribeMessage is sent by an observer to change its topic set.
// The same shape serves subscribe and unsubscribe.
type SubscribeMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// NewUpdate stamps an observer envelope.
func NewUpdate(topic string, data any) Update {
	return Update{Type: topic, Data: data, Timestamp: time.Now().UTC()}
}
