package memory

import (
	"context"
	"sort"
	"sync"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/storage"
)

// TokenCallStore is an in-memory implementation of storage.TokenCallStore.
type TokenCallStore struct {
	mu     sync.RWMutex
	nextID int64
	data   []*domain.TokenCall
}

// NewTokenCallStore creates a new in-memory call store.
func NewTokenCallStore() *TokenCallStore {
	return &TokenCallStore{nextID: 1}
}

// Compile-time interface check.
var _ storage.TokenCallStore = (*TokenCallStore)(nil)

// Insert adds a new call. Returns ErrDuplicateKey if (token_id, message_ref) exists.
func (s *TokenCallStore) Insert(_ context.Context, c *domain.TokenCall) error {
	if c == nil || c.TokenID == 0 || c.MessageRef == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data {
		if existing.TokenID == c.TokenID && existing.MessageRef == c.MessageRef {
			return storage.ErrDuplicateKey
		}
	}

	callCopy := *c
	callCopy.CallID = s.nextID
	s.nextID++
	s.data = append(s.data, &callCopy)
	c.CallID = callCopy.CallID
	return nil
}

// GetByTokenID retrieves all calls for a token, oldest first.
func (s *TokenCallStore) GetByTokenID(_ context.Context, tokenID int64) ([]*domain.TokenCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TokenCall
	for _, c := range s.data {
		if c.TokenID == tokenID {
			callCopy := *c
			result = append(result, &callCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CallTimestamp < result[j].CallTimestamp
	})
	return result, nil
}
