package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/fleetgate/internal/store"
)

// Store implements store.DeviceRepository and store.DeviceDataRepository on
// Postgres.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Upsert(ctx context.Context, rec store.DeviceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, platform, platform_version, model, app_version, last_ip, online, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			platform_version = EXCLUDED.platform_version,
			model = EXCLUDED.model,
			app_version = EXCLUDED.app_version,
			last_ip = EXCLUDED.last_ip,
			online = EXCLUDED.online,
			last_seen_at = EXCLUDED.last_seen_at`,
		rec.DeviceID, rec.Platform, rec.PlatformVersion, rec.Model, rec.AppVersion,
		rec.LastIP, rec.Online, rec.FirstSeenAt, rec.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", rec.DeviceID, err)
	}
	return nil
}

func (s *Store) MarkOffline(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET online = FALSE, last_seen_at = now() WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("mark device %s offline: %w", deviceID, err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, deviceID string) (store.DeviceRecord, bool, error) {
	var rec store.DeviceRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, platform, platform_version, model, app_version, last_ip, online, first_seen_at, last_seen_at
		FROM devices WHERE device_id = $1`, deviceID).
		Scan(&rec.DeviceID, &rec.Platform, &rec.PlatformVersion, &rec.Model, &rec.AppVersion,
			&rec.LastIP, &rec.Online, &rec.FirstSeenAt, &rec.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DeviceRecord{}, false, nil
	}
	if err != nil {
		return store.DeviceRecord{}, false, fmt.Errorf("find device %s: %w", deviceID, err)
	}
	return rec, true, nil
}

func (s *Store) FindAll(ctx context.Context) ([]store.DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, platform, platform_version, model, app_version, last_ip, online, first_seen_at, last_seen_at
		FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []store.DeviceRecord
	for rows.Next() {
		var rec store.DeviceRecord
		if err := rows.Scan(&rec.DeviceID, &rec.Platform, &rec.PlatformVersion, &rec.Model,
			&rec.AppVersion, &rec.LastIP, &rec.Online, &rec.FirstSeenAt, &rec.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) RecordData(ctx context.Context, rec store.DataRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_data (device_id, data_type, payload, received_at)
		VALUES ($1, $2, $3, $4)`,
		rec.DeviceID, rec.DataType, rec.Payload, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("record data for %s: %w", rec.DeviceID, err)
	}
	return nil
}

func (s *Store) AddFile(ctx context.Context, rec store.FileRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_files (device_id, name, size, mime_type, path, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.DeviceID, rec.Name, rec.Size, rec.MimeType, rec.Path, rec.UploadedAt)
	if err != nil {
		return fmt.Errorf("add file for %s: %w", rec.DeviceID, err)
	}
	return nil
}
