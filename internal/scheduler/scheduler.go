// Package scheduler drives adaptive token price updates. Tokens are
// selected by due time, batched per chain and fetched through the
// market client; outcomes feed back into per-token failure state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/market"
	"token-price-tracker/internal/observability"
	"token-price-tracker/internal/storage"
)

// Default configuration values.
const (
	// DefaultFailureThreshold deactivates a token when its failure
	// count reaches this value.
	DefaultFailureThreshold = 10
	// DefaultSelectLimit caps how many tokens one pass considers.
	DefaultSelectLimit = 500
	// DefaultConcurrency bounds concurrent batch fetches.
	DefaultConcurrency = 4
)

// Fetcher fetches market data for one batch of addresses.
type Fetcher interface {
	Fetch(ctx context.Context, chain string, addresses []string) market.FetchResult
}

// PassStats summarizes one update pass.
type PassStats struct {
	Due         int
	Batches     int
	Updated     int
	Failed      int
	Deactivated int
}

// Scheduler selects due tokens and runs update passes.
type Scheduler struct {
	tokens           storage.TokenStore
	metrics          storage.PriceMetricStore
	fetcher          Fetcher
	registry         *market.ChainRegistry
	logger           *log.Logger
	failureThreshold int
	selectLimit      int
	concurrency      int
}

// Option configures Scheduler.
type Option func(*Scheduler)

// WithFailureThreshold overrides the deactivation threshold.
func WithFailureThreshold(n int) Option {
	return func(s *Scheduler) {
		s.failureThreshold = n
	}
}

// WithSelectLimit overrides the per-pass selection cap.
func WithSelectLimit(n int) Option {
	return func(s *Scheduler) {
		s.selectLimit = n
	}
}

// WithConcurrency overrides the concurrent batch fetch bound.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates a Scheduler.
func New(tokens storage.TokenStore, metrics storage.PriceMetricStore, fetcher Fetcher, registry *market.ChainRegistry, opts ...Option) *Scheduler {
	s := &Scheduler{
		tokens:           tokens,
		metrics:          metrics,
		fetcher:          fetcher,
		registry:         registry,
		logger:           log.New(io.Discard, "", 0),
		failureThreshold: DefaultFailureThreshold,
		selectLimit:      DefaultSelectLimit,
		concurrency:      DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectDueTokens returns active tokens whose effective interval has
// elapsed at nowMs. Each identity appears at most once.
func (s *Scheduler) SelectDueTokens(ctx context.Context, nowMs int64) ([]*domain.Token, error) {
	return s.tokens.SelectDue(ctx, nowMs, s.selectLimit)
}

// Batches groups tokens by chain, preserving selection order within
// each chain, and splits groups into slices of at most the upstream
// batch limit.
func Batches(tokens []*domain.Token) [][]*domain.Token {
	byChain := make(map[string][]*domain.Token)
	var order []string
	for _, t := range tokens {
		if _, seen := byChain[t.Chain]; !seen {
			order = append(order, t.Chain)
		}
		byChain[t.Chain] = append(byChain[t.Chain], t)
	}

	var batches [][]*domain.Token
	for _, chain := range order {
		group := byChain[chain]
		for len(group) > market.MaxBatchSize {
			batches = append(batches, group[:market.MaxBatchSize])
			group = group[market.MaxBatchSize:]
		}
		if len(group) > 0 {
			batches = append(batches, group)
		}
	}
	return batches
}

// RunPass selects due tokens, fetches each batch and records per-token
// outcomes. One exhausted fetch run counts as exactly one failure for
// every token in the batch regardless of how many attempts it took.
// A storage failure — buffering a snapshot or recording an outcome —
// aborts the pass with an error so the caller can retry the trigger;
// no token failure is recorded for it.
func (s *Scheduler) RunPass(ctx context.Context, nowMs int64) (PassStats, error) {
	start := time.Now()

	due, err := s.SelectDueTokens(ctx, nowMs)
	if err != nil {
		return PassStats{}, fmt.Errorf("select due tokens: %w", err)
	}

	// A token claimed once in this pass is never fetched again even if
	// selection handed back a duplicate identity.
	claimed := make(map[int64]bool, len(due))
	unique := due[:0]
	for _, t := range due {
		if claimed[t.TokenID] {
			continue
		}
		claimed[t.TokenID] = true
		unique = append(unique, t)
	}

	batches := Batches(unique)
	stats := PassStats{Due: len(unique), Batches: len(batches)}
	if len(batches) == 0 {
		return stats, nil
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, s.concurrency)
		firstErr error
	)

	for _, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(batch []*domain.Token) {
			defer wg.Done()
			defer func() { <-sem }()

			updated, failed, deactivated, err := s.runBatch(ctx, batch, nowMs)

			mu.Lock()
			stats.Updated += updated
			stats.Failed += failed
			stats.Deactivated += deactivated
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}(batch)
	}
	wg.Wait()

	if firstErr != nil {
		return stats, firstErr
	}

	observability.RecordPass(stats.Due, stats.Updated, stats.Failed, stats.Deactivated, time.Since(start).Seconds())
	s.logger.Printf("[scheduler] pass: due=%d batches=%d updated=%d failed=%d deactivated=%d",
		stats.Due, stats.Batches, stats.Updated, stats.Failed, stats.Deactivated)
	return stats, nil
}

func (s *Scheduler) runBatch(ctx context.Context, batch []*domain.Token, nowMs int64) (updated, failed, deactivated int, err error) {
	addresses := make([]string, len(batch))
	for i, t := range batch {
		addresses[i] = t.ContractAddress
	}

	res := s.fetcher.Fetch(ctx, batch[0].Chain, addresses)
	switch res.Outcome {
	case market.OutcomeOk:
		for i, t := range batch {
			if recErr := s.tokens.RecordSuccess(ctx, t.TokenID, nowMs); recErr != nil {
				s.releaseClaims(ctx, batch[i:])
				return updated, failed, deactivated, fmt.Errorf("record success token=%d: %w", t.TokenID, recErr)
			}
			updated++
		}
	case market.OutcomeStorageError:
		// The upstream data was fine; the outage is ours. Leave the
		// tokens' failure state untouched and fail the pass.
		s.releaseClaims(ctx, batch)
		return updated, failed, deactivated, fmt.Errorf("batch chain=%s size=%d: %w",
			batch[0].Chain, len(batch), res.Err)
	default:
		s.logger.Printf("[scheduler] batch fetch chain=%s size=%d: %s: %v",
			batch[0].Chain, len(batch), res.Outcome, res.Err)
		for i, t := range batch {
			count, wasDeactivated, recErr := s.tokens.RecordFailure(ctx, t.TokenID, s.failureThreshold)
			if recErr != nil {
				s.releaseClaims(ctx, batch[i:])
				return updated, failed, deactivated, fmt.Errorf("record failure token=%d: %w", t.TokenID, recErr)
			}
			failed++
			if wasDeactivated {
				deactivated++
				s.logger.Printf("[scheduler] token %d deactivated after %d failures", t.TokenID, count)
			}
		}
	}
	return updated, failed, deactivated, nil
}

// releaseClaims best-effort releases scheduling claims on tokens whose
// outcome was never recorded, so a retried trigger sees them again.
func (s *Scheduler) releaseClaims(ctx context.Context, tokens []*domain.Token) {
	for _, t := range tokens {
		if err := s.tokens.ReleaseClaim(ctx, t.TokenID); err != nil {
			s.logger.Printf("[scheduler] release claim token=%d: %v", t.TokenID, err)
		}
	}
}

// CreateTokenParams carries the fields collaborators supply when
// registering a token for tracking.
type CreateTokenParams struct {
	Chain           string
	ContractAddress string
	Name            string
	Ticker          string
	GroupName       string
	CallPrice       float64
	Liquidity       float64
	Supply          float64
}

// CreateToken registers a token with the default update interval. The
// address is validated for the normalized chain. Registering an
// existing (chain, address) identity returns the stored token.
func (s *Scheduler) CreateToken(ctx context.Context, p CreateTokenParams) (*domain.Token, error) {
	chain, err := s.registry.Lookup(p.Chain)
	if err != nil {
		return nil, err
	}
	addr := strings.TrimSpace(p.ContractAddress)
	if err := chain.ValidateAddress(addr); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	t := &domain.Token{
		Chain:              chain.Name(),
		ContractAddress:    addr,
		Name:               p.Name,
		Ticker:             p.Ticker,
		CallPrice:          p.CallPrice,
		FirstCallLiquidity: p.Liquidity,
		Supply:             p.Supply,
		UpdateInterval:     domain.DefaultUpdateInterval,
		IsActive:           true,
		CreatedAt:          time.Now().UnixMilli(),
	}
	if t.Name == "" {
		t.Name = "Unknown"
	}
	if t.Ticker == "" {
		t.Ticker = "UNKNOWN"
	}
	if p.GroupName != "" {
		t.GroupName = &p.GroupName
	}

	err = s.tokens.Insert(ctx, t)
	if err == nil {
		return t, nil
	}
	if errors.Is(err, storage.ErrDuplicateKey) {
		return s.tokens.GetByAddress(ctx, chain.Name(), addr)
	}
	return nil, fmt.Errorf("insert token: %w", err)
}
