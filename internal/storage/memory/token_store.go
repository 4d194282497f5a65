package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/storage"
)

// TokenStore is an in-memory implementation of storage.TokenStore.
type TokenStore struct {
	mu     sync.RWMutex
	nextID int64
	data   map[int64]*domain.Token // keyed by token_id
	claims map[int64]int64         // token_id -> claim stamp (Unix ms)
}

// NewTokenStore creates a new in-memory token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		nextID: 1,
		data:   make(map[int64]*domain.Token),
		claims: make(map[int64]int64),
	}
}

// Compile-time interface check.
var _ storage.TokenStore = (*TokenStore)(nil)

func identityKey(chain, address string) string {
	return chain + "/" + strings.ToLower(address)
}

// Insert adds a new token. Returns ErrDuplicateKey if the identity exists.
func (s *TokenStore) Insert(_ context.Context, t *domain.Token) error {
	if t == nil || t.Chain == "" || t.ContractAddress == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey(t.Chain, t.ContractAddress)
	for _, existing := range s.data {
		if identityKey(existing.Chain, existing.ContractAddress) == key {
			return storage.ErrDuplicateKey
		}
	}

	tokenCopy := *t
	if tokenCopy.TokenID == 0 {
		tokenCopy.TokenID = s.nextID
		s.nextID++
	} else if tokenCopy.TokenID >= s.nextID {
		s.nextID = tokenCopy.TokenID + 1
	}
	s.data[tokenCopy.TokenID] = &tokenCopy
	t.TokenID = tokenCopy.TokenID
	return nil
}

// GetByID retrieves a token by its ID. Returns ErrNotFound if not exists.
func (s *TokenStore) GetByID(_ context.Context, tokenID int64) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.data[tokenID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	tokenCopy := *t
	return &tokenCopy, nil
}

// GetByAddress retrieves a token by (chain, contract_address).
func (s *TokenStore) GetByAddress(_ context.Context, chain, address string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := identityKey(chain, address)
	for _, t := range s.data {
		if identityKey(t.Chain, t.ContractAddress) == key {
			tokenCopy := *t
			return &tokenCopy, nil
		}
	}
	return nil, storage.ErrNotFound
}

// SelectDue claims and returns active due tokens in scheduling order.
// Claimed tokens stay hidden from later calls until an outcome or a
// recovery releases them, or the claim ages past storage.ClaimTTL.
func (s *TokenStore) SelectDue(_ context.Context, nowMs int64, limit int) ([]*domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttlMs := storage.ClaimTTL.Milliseconds()

	var due []*domain.Token
	for _, t := range s.data {
		if claimedAt, held := s.claims[t.TokenID]; held && nowMs-claimedAt < ttlMs {
			continue
		}
		if t.Due(nowMs) {
			tokenCopy := *t
			due = append(due, &tokenCopy)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.UpdateInterval != b.UpdateInterval {
			return a.UpdateInterval < b.UpdateInterval
		}
		// Never-updated tokens come first, then oldest update.
		switch {
		case a.LastUpdatedAt == nil && b.LastUpdatedAt != nil:
			return true
		case a.LastUpdatedAt != nil && b.LastUpdatedAt == nil:
			return false
		case a.LastUpdatedAt != nil && b.LastUpdatedAt != nil && *a.LastUpdatedAt != *b.LastUpdatedAt:
			return *a.LastUpdatedAt < *b.LastUpdatedAt
		}
		return a.TokenID < b.TokenID
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, t := range due {
		s.claims[t.TokenID] = nowMs
	}
	return due, nil
}

// RecordSuccess sets last_updated_at and resets the failure counter.
func (s *TokenStore) RecordSuccess(_ context.Context, tokenID int64, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.data[tokenID]
	if !exists {
		return storage.ErrNotFound
	}
	ts := nowMs
	t.LastUpdatedAt = &ts
	t.FailedUpdatesCount = 0
	delete(s.claims, tokenID)
	return nil
}

// ReleaseClaim drops a scheduling claim without touching update state.
func (s *TokenStore) ReleaseClaim(_ context.Context, tokenID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claims, tokenID)
	return nil
}

// RecordFailure increments the failure counter, deactivating at threshold.
func (s *TokenStore) RecordFailure(_ context.Context, tokenID int64, threshold int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.data[tokenID]
	if !exists {
		return 0, false, storage.ErrNotFound
	}
	t.FailedUpdatesCount++
	delete(s.claims, tokenID)
	deactivated := false
	if threshold > 0 && t.FailedUpdatesCount >= threshold && t.IsActive {
		t.IsActive = false
		deactivated = true
	}
	return t.FailedUpdatesCount, deactivated, nil
}

// Recover resets the failure counter and makes the token immediately due.
func (s *TokenStore) Recover(_ context.Context, tokenID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.data[tokenID]
	if !exists {
		return storage.ErrNotFound
	}
	t.FailedUpdatesCount = 0
	t.IsActive = true
	t.LastUpdatedAt = nil
	delete(s.claims, tokenID)
	return nil
}

// BulkRecover recovers all tokens at or above minFailures.
func (s *TokenStore) BulkRecover(_ context.Context, minFailures int, chain string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, t := range s.data {
		if t.FailedUpdatesCount < minFailures {
			continue
		}
		if chain != "" && t.Chain != chain {
			continue
		}
		t.FailedUpdatesCount = 0
		t.IsActive = true
		t.LastUpdatedAt = nil
		delete(s.claims, t.TokenID)
		count++
	}
	return count, nil
}

// FailingTokens returns tokens ordered by failure count DESC.
func (s *TokenStore) FailingTokens(_ context.Context, minFailures int, chain string, limit int) ([]*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Token
	for _, t := range s.data {
		if t.FailedUpdatesCount < minFailures {
			continue
		}
		if chain != "" && t.Chain != chain {
			continue
		}
		tokenCopy := *t
		result = append(result, &tokenCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].FailedUpdatesCount != result[j].FailedUpdatesCount {
			return result[i].FailedUpdatesCount > result[j].FailedUpdatesCount
		}
		return result[i].TokenID < result[j].TokenID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ChainFailureStats summarizes failures per chain.
func (s *TokenStore) ChainFailureStats(_ context.Context) ([]storage.ChainFailureStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byChain := make(map[string]*storage.ChainFailureStat)
	for _, t := range s.data {
		stat, ok := byChain[t.Chain]
		if !ok {
			stat = &storage.ChainFailureStat{Chain: t.Chain}
			byChain[t.Chain] = stat
		}
		stat.TotalTokens++
		if t.FailedUpdatesCount > 0 {
			stat.FailingTokens++
		}
		if t.FailedUpdatesCount > stat.MaxFailures {
			stat.MaxFailures = t.FailedUpdatesCount
		}
	}

	var stats []storage.ChainFailureStat
	for _, stat := range byChain {
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].FailingTokens > stats[j].FailingTokens
	})
	return stats, nil
}

// UpdateBestPair records a new pair address for the token.
func (s *TokenStore) UpdateBestPair(_ context.Context, tokenID int64, pairAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.data[tokenID]
	if !exists {
		return storage.ErrNotFound
	}
	if t.BestPairAddress != nil && *t.BestPairAddress == pairAddress {
		return nil
	}
	pair := pairAddress
	t.BestPairAddress = &pair
	return nil
}

// UpdateInterval persists a new update_interval.
func (s *TokenStore) UpdateInterval(_ context.Context, tokenID int64, intervalSeconds int) error {
	if intervalSeconds <= 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.data[tokenID]
	if !exists {
		return storage.ErrNotFound
	}
	t.UpdateInterval = intervalSeconds
	return nil
}

// ListActive returns all active tokens ordered by token_id.
func (s *TokenStore) ListActive(_ context.Context) ([]*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Token
	for _, t := range s.data {
		if t.IsActive {
			tokenCopy := *t
			result = append(result, &tokenCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TokenID < result[j].TokenID
	})
	return result, nil
}
