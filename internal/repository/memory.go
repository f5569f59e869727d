package repository

import (
	"context"
	"sync"
	"time"

	"villaops/internal/models"
)

type memoryEntry struct {
	value     interface{}
	expiresAt time.Time
}

// MemorySnapshotRepository is the in-process fallback of the Redis store.
type MemorySnapshotRepository struct {
	snapshots sync.Map
	telemetry sync.Map
	ttl       time.Duration
	now       func() time.Time
}

func NewMemorySnapshotRepository(ttl time.Duration) *MemorySnapshotRepository {
	return &MemorySnapshotRepository{
		ttl: ttl,
		now: time.Now,
	}
}

func (r *MemorySnapshotRepository) GetSnapshot(_ context.Context, jobID string) (*models.ProgressSnapshot, error) {
	val, ok := r.load(&r.snapshots, jobID)
	if !ok {
		return nil, nil
	}
	snapshot := val.(models.ProgressSnapshot)
	return &snapshot, nil
}

func (r *MemorySnapshotRepository) SetSnapshot(_ context.Context, snapshot *models.ProgressSnapshot) error {
	r.store(&r.snapshots, snapshot.JobID, *snapshot)
	return nil
}

func (r *MemorySnapshotRepository) DeleteSnapshot(_ context.Context, jobID string) error {
	r.snapshots.Delete(jobID)
	return nil
}

func (r *MemorySnapshotRepository) GetTelemetry(_ context.Context, staffID string) (*models.TelemetryPing, error) {
	val, ok := r.load(&r.telemetry, staffID)
	if !ok {
		return nil, nil
	}
	ping := val.(models.TelemetryPing)
	return &ping, nil
}

func (r *MemorySnapshotRepository) SetTelemetry(_ context.Context, ping *models.TelemetryPing) error {
	r.store(&r.telemetry, ping.StaffID, *ping)
	return nil
}

func (r *MemorySnapshotRepository) store(m *sync.Map, key string, value interface{}) {
	entry := memoryEntry{value: value}
	if r.ttl > 0 {
		entry.expiresAt = r.now().Add(r.ttl)
	}
	m.Store(key, entry)
}

func (r *MemorySnapshotRepository) load(m *sync.Map, key string) (interface{}, bool) {
	val, ok := m.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(memoryEntry)
	if !entry.expiresAt.IsZero() && r.now().After(entry.expiresAt) {
		m.CompareAndDelete(key, val)
		return nil, false
	}
	return entry.value, true
}
