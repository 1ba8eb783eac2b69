package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore is an in-memory store for tests and ephemeral pipelines.
// It honors the upsert and atomicity contracts but does not survive a
// process restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]Record
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[int64]Record),
	}
}

// Init is a no-op; the map needs no schema.
func (s *MemoryStore) Init(ctx context.Context) error { return nil }

// Upsert inserts or replaces records keyed by message id.
func (s *MemoryStore) Upsert(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		stored := rec
		stored.Payload = slices.Clone(rec.Payload)
		s.records[rec.MessageID] = stored
	}
	return nil
}

// UpdateStatus sets the status of the given ids in place.
func (s *MemoryStore) UpdateStatus(ctx context.Context, ids []int64, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		rec.Status = status
		s.records[id] = rec
	}
	return nil
}

// Delete removes the rows for the given ids.
func (s *MemoryStore) Delete(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

// Get retrieves a single record by id.
func (s *MemoryStore) Get(ctx context.Context, id int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	result := rec
	result.Payload = slices.Clone(rec.Payload)
	return &result, nil
}

// GetMany retrieves the records for the given ids, ascending by message id.
func (s *MemoryStore) GetMany(ctx context.Context, ids []int64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []Record
	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		rec.Payload = slices.Clone(rec.Payload)
		records = append(records, rec)
	}
	slices.SortFunc(records, func(a, b Record) int {
		return cmp.Compare(a.MessageID, b.MessageID)
	})
	return records, nil
}

// FailedIDs returns the ids of all failed rows, ascending.
func (s *MemoryStore) FailedIDs(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, rec := range s.records {
		if rec.Status == StatusFailed {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// FailedCount returns the number of failed rows.
func (s *MemoryStore) FailedCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, rec := range s.records {
		if rec.Status == StatusFailed {
			count++
		}
	}
	return count, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Compile-time check
var _ Store = (*MemoryStore)(nil)
