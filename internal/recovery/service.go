// Package recovery diagnoses and repairs tokens that stopped updating,
// and relieves storage-level lock contention between workers.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/observability"
	"token-price-tracker/internal/storage"
	"token-price-tracker/internal/storage/postgres"
)

// DefaultLockThreshold is how long a session may block or sit idle in
// transaction before it counts as contention.
const DefaultLockThreshold = 30 * time.Second

// Recommendation is the suggested operator action for a token.
type Recommendation string

const (
	RecommendDeactivate    Recommendation = "DEACTIVATE"
	RecommendReactivate    Recommendation = "REACTIVATE"
	RecommendResetFailures Recommendation = "RESET_FAILURES"
	RecommendNoAction      Recommendation = "NO_ACTION"
)

// Report is a read-only diagnosis of one token's update health.
type Report struct {
	TokenID           int64
	Chain             string
	ContractAddress   string
	Name              string
	IsActive          bool
	FailureCount      int
	UpdateInterval    int
	EffectiveInterval int
	LastUpdatedAt     *int64
	Staleness         time.Duration
	MetricsCount      int
	LastPrice         float64
	LastLiquidity     float64
	CallCount         int
	// CallDelta is the percent change of the latest price against the
	// earliest call price, when both are known.
	CallDelta      *float64
	Recommendation Recommendation
}

// LockInspector is the contention half of the service, implemented by
// the postgres storage layer.
type LockInspector interface {
	BlockedSessions(ctx context.Context, threshold time.Duration) ([]postgres.BlockedSession, error)
	Terminate(ctx context.Context, sessions []postgres.BlockedSession) ([]int, error)
}

// Service implements token diagnosis and recovery.
type Service struct {
	tokens           storage.TokenStore
	calls            storage.TokenCallStore
	metrics          storage.PriceMetricStore
	locks            LockInspector
	logger           *log.Logger
	failureThreshold int
}

// Option configures Service.
type Option func(*Service)

// WithLockInspector enables the contention operations.
func WithLockInspector(l LockInspector) Option {
	return func(s *Service) {
		s.locks = l
	}
}

// WithFailureThreshold overrides the deactivation threshold used in
// recommendations.
func WithFailureThreshold(n int) Option {
	return func(s *Service) {
		s.failureThreshold = n
	}
}

// WithLogger sets the service logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates a recovery Service.
func New(tokens storage.TokenStore, calls storage.TokenCallStore, metrics storage.PriceMetricStore, opts ...Option) *Service {
	s := &Service{
		tokens:           tokens,
		calls:            calls,
		metrics:          metrics,
		logger:           log.New(io.Discard, "", 0),
		failureThreshold: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Diagnose builds a report for one token without changing anything.
func (s *Service) Diagnose(ctx context.Context, tokenID int64, nowMs int64) (*Report, error) {
	t, err := s.tokens.GetByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	r := &Report{
		TokenID:           t.TokenID,
		Chain:             t.Chain,
		ContractAddress:   t.ContractAddress,
		Name:              t.Name,
		IsActive:          t.IsActive,
		FailureCount:      t.FailedUpdatesCount,
		UpdateInterval:    t.UpdateInterval,
		EffectiveInterval: t.EffectiveInterval(),
		LastUpdatedAt:     t.LastUpdatedAt,
	}
	if t.LastUpdatedAt != nil {
		r.Staleness = time.Duration(nowMs-*t.LastUpdatedAt) * time.Millisecond
	}

	count, err := s.metrics.CountByToken(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("count metrics: %w", err)
	}
	r.MetricsCount = count

	calls, err := s.calls.GetByTokenID(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	r.CallCount = len(calls)
	callPrice := t.CallPrice
	if len(calls) > 0 {
		callPrice = calls[0].CallPrice
	}

	latest, err := s.metrics.Latest(ctx, tokenID)
	switch {
	case err == nil:
		r.LastPrice = latest.PriceUSD
		r.LastLiquidity = latest.LiquidityUSD
		if callPrice > 0 {
			delta := (latest.PriceUSD - callPrice) / callPrice * 100
			r.CallDelta = &delta
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("latest metric: %w", err)
	}

	r.Recommendation = s.recommend(t, r)
	return r, nil
}

func (s *Service) recommend(t *domain.Token, r *Report) Recommendation {
	if !t.IsActive {
		return RecommendReactivate
	}
	if t.FailedUpdatesCount >= s.failureThreshold {
		// Still active above threshold means the deactivation write
		// was missed; finish the job.
		return RecommendDeactivate
	}
	if t.FailedUpdatesCount > 0 {
		return RecommendResetFailures
	}
	if r.MetricsCount == 0 && r.Staleness > 24*time.Hour {
		return RecommendDeactivate
	}
	return RecommendNoAction
}

// Recover reactivates a token, clears its failure count and makes it
// immediately eligible for the next pass.
func (s *Service) Recover(ctx context.Context, tokenID int64) error {
	if err := s.tokens.Recover(ctx, tokenID); err != nil {
		return err
	}
	observability.RecordRecovered(1)
	s.logger.Printf("[recovery] token %d recovered", tokenID)
	return nil
}

// BulkRecover recovers every token with at least minFailures failures,
// optionally scoped to one chain. Returns how many were recovered.
func (s *Service) BulkRecover(ctx context.Context, minFailures int, chain string) (int, error) {
	count, err := s.tokens.BulkRecover(ctx, minFailures, chain)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		observability.RecordRecovered(count)
		s.logger.Printf("[recovery] bulk recovered %d tokens (min failures %d, chain %q)", count, minFailures, chain)
	}
	return count, nil
}

// FailingTokens lists tokens at or above minFailures, worst first.
func (s *Service) FailingTokens(ctx context.Context, minFailures int, chain string, limit int) ([]*domain.Token, error) {
	return s.tokens.FailingTokens(ctx, minFailures, chain, limit)
}

// AnalyzeByChain summarizes failure counts per chain.
func (s *Service) AnalyzeByChain(ctx context.Context) ([]storage.ChainFailureStat, error) {
	return s.tokens.ChainFailureStats(ctx)
}

// DetectLockContention lists sessions blocked on locks or idle in
// transaction past threshold.
func (s *Service) DetectLockContention(ctx context.Context, threshold time.Duration) ([]postgres.BlockedSession, error) {
	if s.locks == nil {
		return nil, errors.New("lock inspection not configured")
	}
	if threshold <= 0 {
		threshold = DefaultLockThreshold
	}
	return s.locks.BlockedSessions(ctx, threshold)
}

// RelieveContention terminates blocked sessions matching the tokens
// allow-list. Without confirm it only reports what would be killed.
func (s *Service) RelieveContention(ctx context.Context, threshold time.Duration, confirm bool) ([]int, error) {
	sessions, err := s.DetectLockContention(ctx, threshold)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	if !confirm {
		pids := make([]int, len(sessions))
		for i, sess := range sessions {
			pids[i] = sess.PID
		}
		return pids, nil
	}

	terminated, err := s.locks.Terminate(ctx, sessions)
	for range terminated {
		observability.RecordSessionTerminated()
	}
	if len(terminated) > 0 {
		s.logger.Printf("[recovery] terminated %d blocked sessions: %v", len(terminated), terminated)
	}
	return terminated, err
}
