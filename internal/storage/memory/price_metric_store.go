package memory

import (
	"context"
	"sort"
	"sync"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/storage"
)

// PriceMetricStore is an in-memory implementation of storage.PriceMetricStore.
type PriceMetricStore struct {
	mu   sync.RWMutex
	data map[metricKey]*domain.PriceMetric
}

type metricKey struct {
	tokenID     int64
	timestampMs int64
}

// NewPriceMetricStore creates a new in-memory metric store.
func NewPriceMetricStore() *PriceMetricStore {
	return &PriceMetricStore{data: make(map[metricKey]*domain.PriceMetric)}
}

// Compile-time interface check.
var _ storage.PriceMetricStore = (*PriceMetricStore)(nil)

// InsertBatch adds metrics, silently skipping existing identities.
func (s *PriceMetricStore) InsertBatch(_ context.Context, metrics []*domain.PriceMetric) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for _, m := range metrics {
		if m == nil || m.TokenID == 0 {
			return written, storage.ErrInvalidInput
		}
		key := metricKey{m.TokenID, m.TimestampMs}
		if _, exists := s.data[key]; exists {
			continue
		}
		metricCopy := *m
		s.data[key] = &metricCopy
		written++
	}
	return written, nil
}

// Latest returns the most recent metric for a token.
func (s *PriceMetricStore) Latest(_ context.Context, tokenID int64) (*domain.PriceMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.PriceMetric
	for _, m := range s.data {
		if m.TokenID != tokenID {
			continue
		}
		if latest == nil || m.TimestampMs > latest.TimestampMs {
			latest = m
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	metricCopy := *latest
	return &metricCopy, nil
}

// CountByToken returns the number of stored metrics for a token.
func (s *PriceMetricStore) CountByToken(_ context.Context, tokenID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, m := range s.data {
		if m.TokenID == tokenID {
			count++
		}
	}
	return count, nil
}

// GetByTimeRange retrieves metrics within [start, end] (inclusive).
func (s *PriceMetricStore) GetByTimeRange(_ context.Context, tokenID int64, start, end int64) ([]*domain.PriceMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PriceMetric
	for _, m := range s.data {
		if m.TokenID == tokenID && m.TimestampMs >= start && m.TimestampMs <= end {
			metricCopy := *m
			result = append(result, &metricCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})
	return result, nil
}
