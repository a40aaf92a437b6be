package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowrun/flowrun/pkg/schema"
)

// MemoryStore is an in-memory Store implementation for tests and embedders
// that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*PausedRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*PausedRecord)}
}

func (m *MemoryStore) SavePaused(_ context.Context, rec *PausedRecord) error {
	if rec == nil || rec.ExecutionID == "" {
		return schema.NewError(schema.ErrCodePersistence, "paused record requires an execution id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ExecutionID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"paused record %q already exists", rec.ExecutionID)
	}

	cp := *rec
	if cp.Status == "" {
		cp.Status = RecordStatusPaused
	}
	if cp.PausedAt.IsZero() {
		cp.PausedAt = time.Now().UTC()
	}
	m.records[rec.ExecutionID] = &cp
	return nil
}

func (m *MemoryStore) GetPaused(_ context.Context, executionID string) (*PausedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[executionID]
	if !ok {
		return nil, recordNotFound(executionID)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ClaimForResume(_ context.Context, executionID string) (*PausedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[executionID]
	if !ok {
		return nil, recordNotFound(executionID)
	}
	if rec.Status != RecordStatusPaused {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"paused record %q is %s; at most one resume may be active", executionID, rec.Status)
	}
	rec.Status = RecordStatusResuming
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[executionID]; ok && rec.Status == RecordStatusResuming {
		rec.Status = RecordStatusPaused
	}
	return nil
}

func (m *MemoryStore) MarkResumed(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[executionID]
	if !ok || rec.Status != RecordStatusResuming {
		return recordNotFound(executionID)
	}
	now := time.Now().UTC()
	rec.Status = RecordStatusResumed
	rec.ResumedAt = &now
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, executionID)
	return nil
}

func (m *MemoryStore) ListPaused(_ context.Context, filter ListFilter) ([]*PausedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*PausedRecord
	for _, rec := range m.records {
		if rec.Status != RecordStatusPaused {
			continue
		}
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.OwnerID != "" && rec.OwnerID != filter.OwnerID {
			continue
		}
		cp := *rec
		records = append(records, &cp)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].PausedAt.After(records[j].PausedAt)
	})
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
