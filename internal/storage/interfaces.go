package storage

import (
	"context"
	"time"

	"token-price-tracker/internal/domain"
)

// ClaimTTL bounds how long a SelectDue claim shields a token from other
// passes. A claim not released by a recorded outcome within the TTL is
// treated as abandoned (crashed worker) and the token becomes
// selectable again.
const ClaimTTL = 5 * time.Minute

// TokenStore provides access to tokens storage, including scheduling state.
type TokenStore interface {
	// Insert adds a new token. Returns ErrDuplicateKey if the
	// (chain, contract_address) identity already exists.
	Insert(ctx context.Context, t *domain.Token) error

	// GetByID retrieves a token by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, tokenID int64) (*domain.Token, error)

	// GetByAddress retrieves a token by (chain, contract_address),
	// case-insensitive on the address. Returns ErrNotFound if not exists.
	GetByAddress(ctx context.Context, chain, address string) (*domain.Token, error)

	// SelectDue claims and returns active tokens due for a refresh at nowMs,
	// ordered by update_interval ASC, then oldest last_updated_at (NULL
	// first), then token_id ASC. A token appears at most once. A claimed
	// token is skipped by concurrent passes until RecordSuccess,
	// RecordFailure or a recovery releases it, or the claim ages past
	// ClaimTTL.
	SelectDue(ctx context.Context, nowMs int64, limit int) ([]*domain.Token, error)

	// RecordSuccess sets last_updated_at=nowMs and resets
	// failed_updates_count to 0 in a single atomic statement.
	RecordSuccess(ctx context.Context, tokenID int64, nowMs int64) error

	// ReleaseClaim drops a SelectDue claim without recording an outcome,
	// making the token immediately selectable again. Used when a pass
	// aborts on a storage error. A no-op for unclaimed or unknown tokens.
	ReleaseClaim(ctx context.Context, tokenID int64) error

	// RecordFailure increments failed_updates_count and, when the new count
	// reaches threshold, sets is_active=false in the same statement. Returns
	// the new count and whether the token was deactivated by this call.
	RecordFailure(ctx context.Context, tokenID int64, threshold int) (int, bool, error)

	// Recover resets failed_updates_count to 0, sets is_active=true and
	// clears last_updated_at so the token is immediately eligible.
	Recover(ctx context.Context, tokenID int64) error

	// BulkRecover applies Recover to every token with
	// failed_updates_count >= minFailures, optionally filtered by chain.
	// Returns the number of tokens affected.
	BulkRecover(ctx context.Context, minFailures int, chain string) (int, error)

	// FailingTokens returns tokens with failed_updates_count >= minFailures,
	// ordered by failure count DESC, optionally filtered by chain.
	FailingTokens(ctx context.Context, minFailures int, chain string, limit int) ([]*domain.Token, error)

	// ChainFailureStats returns per-chain counts of total and failing tokens.
	ChainFailureStats(ctx context.Context) ([]ChainFailureStat, error)

	// UpdateBestPair records the pair address metrics are extracted from.
	// A no-op when the stored address already matches.
	UpdateBestPair(ctx context.Context, tokenID int64, pairAddress string) error

	// UpdateInterval persists a new update_interval for the token.
	UpdateInterval(ctx context.Context, tokenID int64, intervalSeconds int) error

	// ListActive returns all active tokens.
	ListActive(ctx context.Context) ([]*domain.Token, error)
}

// ChainFailureStat summarizes update failures for one chain.
type ChainFailureStat struct {
	Chain         string
	TotalTokens   int
	FailingTokens int
	MaxFailures   int
}

// TokenCallStore provides access to token_calls storage.
type TokenCallStore interface {
	// Insert adds a new call. Returns ErrDuplicateKey if
	// (token_id, message_ref) exists.
	Insert(ctx context.Context, c *domain.TokenCall) error

	// GetByTokenID retrieves all calls for a token, oldest first.
	GetByTokenID(ctx context.Context, tokenID int64) ([]*domain.TokenCall, error)
}

// SnapshotStore provides access to the raw_market_snapshots buffer.
type SnapshotStore interface {
	// Insert appends a new snapshot. This is the durability point for a
	// fetched payload; it must complete before any transformation starts.
	Insert(ctx context.Context, s *domain.RawMarketSnapshot) error

	// SelectUnprocessed returns up to limit unprocessed snapshots, oldest
	// first.
	SelectUnprocessed(ctx context.Context, limit int) ([]*domain.RawMarketSnapshot, error)

	// MarkProcessed flips processed=true. Idempotent.
	MarkProcessed(ctx context.Context, snapshotID string) error

	// UnprocessedCount reports the current buffer depth.
	UnprocessedCount(ctx context.Context) (int, error)
}

// PriceMetricStore provides access to price_metrics storage.
type PriceMetricStore interface {
	// InsertBatch adds metrics, silently skipping rows whose
	// (token_id, timestamp_ms) identity already exists. Returns the number
	// of rows actually written.
	InsertBatch(ctx context.Context, metrics []*domain.PriceMetric) (int, error)

	// Latest returns the most recent metric for a token.
	// Returns ErrNotFound when the token has no metrics.
	Latest(ctx context.Context, tokenID int64) (*domain.PriceMetric, error)

	// CountByToken returns the number of stored metrics for a token.
	CountByToken(ctx context.Context, tokenID int64) (int, error)

	// GetByTimeRange retrieves metrics for a token within [start, end] ms
	// (inclusive), ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, tokenID int64, start, end int64) ([]*domain.PriceMetric, error)
}
