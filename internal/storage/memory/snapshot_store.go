package memory

import (
	"context"
	"sort"
	"sync"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/storage"
)

// SnapshotStore is an in-memory implementation of storage.SnapshotStore.
type SnapshotStore struct {
	mu   sync.RWMutex
	data map[string]*domain.RawMarketSnapshot // keyed by snapshot_id
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{data: make(map[string]*domain.RawMarketSnapshot)}
}

// Compile-time interface check.
var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// Insert appends a new snapshot. Returns ErrDuplicateKey if snapshot_id exists.
func (s *SnapshotStore) Insert(_ context.Context, snap *domain.RawMarketSnapshot) error {
	if snap == nil || snap.SnapshotID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[snap.SnapshotID]; exists {
		return storage.ErrDuplicateKey
	}

	snapCopy := *snap
	snapCopy.TokenAddresses = append([]string(nil), snap.TokenAddresses...)
	snapCopy.Payload = append([]byte(nil), snap.Payload...)
	s.data[snap.SnapshotID] = &snapCopy
	return nil
}

// SelectUnprocessed returns up to limit unprocessed snapshots, oldest first.
func (s *SnapshotStore) SelectUnprocessed(_ context.Context, limit int) ([]*domain.RawMarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RawMarketSnapshot
	for _, snap := range s.data {
		if !snap.Processed {
			snapCopy := *snap
			snapCopy.TokenAddresses = append([]string(nil), snap.TokenAddresses...)
			snapCopy.Payload = append([]byte(nil), snap.Payload...)
			result = append(result, &snapCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].FetchedAt != result[j].FetchedAt {
			return result[i].FetchedAt < result[j].FetchedAt
		}
		return result[i].SnapshotID < result[j].SnapshotID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkProcessed flips processed=true. Idempotent.
func (s *SnapshotStore) MarkProcessed(_ context.Context, snapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, exists := s.data[snapshotID]
	if !exists {
		return storage.ErrNotFound
	}
	snap.Processed = true
	return nil
}

// UnprocessedCount reports the current buffer depth.
func (s *SnapshotStore) UnprocessedCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, snap := range s.data {
		if !snap.Processed {
			count++
		}
	}
	return count, nil
}
