package store

import (
	"context"
	"sync"
)

// MemoryStore is the in-memory repository used for tests and tokenless dev
// runs without a database. Data records are capped so an unattended dev
// gateway does not grow without bound.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]DeviceRecord
	data    []DataRecord
	files   []FileRecord
}

const memoryDataCap = 10000

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]DeviceRecord)}
}

func (s *MemoryStore) Upsert(_ context.Context, rec DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.devices[rec.DeviceID]; ok {
		rec.FirstSeenAt = prev.FirstSeenAt
	}
	s.devices[rec.DeviceID] = rec
	return nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.devices[deviceID]; ok {
		rec.Online = false
		s.devices[deviceID] = rec
	}
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, deviceID string) (DeviceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.devices[deviceID]
	return rec, ok, nil
}

func (s *MemoryStore) FindAll(_ context.Context) ([]DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceRecord, 0, len(s.devices))
	for _, rec := range s.devices {
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) RecordData(_ context.Context, rec DataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, rec)
	if len(s.data) > memoryDataCap {
		s.data = s.data[len(s.data)-memoryDataCap:]
	}
	return nil
}

func (s *MemoryStore) AddFile(_ context.Context, rec FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, rec)
	return nil
}

// DataCount reports stored telemetry records (test accessor).
func (s *MemoryStore) DataCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// FileCount reports stored file records (test accessor).
func (s *MemoryStore) FileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}
