// Package store defines the persistence collaborators the gateway hands
// device data to. The gateway owns none of this storage: records are
// written and immediately forgotten.
package store

import (
	"context"
	"time"
)

// DeviceRecord is the persisted view of a device identity.
type DeviceRecord struct {
	DeviceID        string    `json:"device_id"`
	Platform        string    `json:"platform"`
	PlatformVersion string    `json:"platform_version,omitempty"`
	Model           string    `json:"model,omitempty"`
	AppVersion      string    `json:"app_version,omitempty"`
	LastIP          string    `json:"last_ip,omitempty"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	Online          bool      `json:"online"`
}

// DataRecord is one captured telemetry payload.
type DataRecord struct {
	DeviceID   string    `json:"device_id"`
	DataType   string    `json:"data_type"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// FileRecord is the metadata of one uploaded file.
type FileRecord struct {
	DeviceID   string    `json:"device_id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type,omitempty"`
	Path       string    `json:"path,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// DeviceRepository persists device identities.
type DeviceRepository interface {
	Upsert(ctx context.Context, rec DeviceRecord) error
	MarkOffline(ctx context.Context, deviceID string) error
	FindByID(ctx context.Context, deviceID string) (DeviceRecord, bool, error)
	FindAll(ctx context.Context) ([]DeviceRecord, error)
}

// DeviceDataRepository persists captured payloads and file metadata.
type DeviceDataRepository interface {
	RecordData(ctx context.Context, rec DataRecord) error
	AddFile(ctx context.Context, rec FileRecord) error
}
