package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/storage"
)

// TokenStore implements storage.TokenStore using PostgreSQL.
type TokenStore struct {
	pool *Pool
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(pool *Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenStore = (*TokenStore)(nil)

const tokenColumns = `
	token_id, chain, contract_address, name, ticker, group_name,
	best_pair_address, call_price, first_call_liquidity, supply,
	update_interval, last_updated_at, failed_updates_count, is_active, created_at
`

// Insert adds a new token. Returns ErrDuplicateKey if the identity exists.
func (s *TokenStore) Insert(ctx context.Context, t *domain.Token) error {
	query := `
		INSERT INTO tokens (
			chain, contract_address, name, ticker, group_name,
			best_pair_address, call_price, first_call_liquidity, supply,
			update_interval, last_updated_at, failed_updates_count, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING token_id
	`

	err := s.pool.QueryRow(ctx, query,
		t.Chain,
		t.ContractAddress,
		t.Name,
		t.Ticker,
		t.GroupName,
		t.BestPairAddress,
		t.CallPrice,
		t.FirstCallLiquidity,
		t.Supply,
		t.UpdateInterval,
		t.LastUpdatedAt,
		t.FailedUpdatesCount,
		t.IsActive,
		t.CreatedAt,
	).Scan(&t.TokenID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// GetByID retrieves a token by its ID. Returns ErrNotFound if not exists.
func (s *TokenStore) GetByID(ctx context.Context, tokenID int64) (*domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE token_id = $1`

	row := s.pool.QueryRow(ctx, query, tokenID)
	t, err := scanToken(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token by id: %w", err)
	}
	return t, nil
}

// GetByAddress retrieves a token by (chain, contract_address).
func (s *TokenStore) GetByAddress(ctx context.Context, chain, address string) (*domain.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens
		WHERE chain = $1 AND LOWER(contract_address) = LOWER($2)
	`

	row := s.pool.QueryRow(ctx, query, chain, address)
	t, err := scanToken(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token by address: %w", err)
	}
	return t, nil
}

// SelectDue claims and returns active tokens due for a refresh at nowMs in
// scheduling order. Failure backoff widens the effective interval without
// touching the persisted update_interval; an interval stored above the
// one-hour cap is honored as is. The claim is a persisted claimed_at stamp:
// row locks from a single UPDATE are gone the moment the statement returns,
// so the stamp is what keeps concurrent passes off the rows until an
// outcome releases it or the claim ages past storage.ClaimTTL. SKIP LOCKED
// only covers the race between two claiming statements.
func (s *TokenStore) SelectDue(ctx context.Context, nowMs int64, limit int) ([]*domain.Token, error) {
	query := `
		UPDATE tokens
		SET claimed_at = $1
		WHERE token_id IN (
			SELECT token_id
			FROM tokens
			WHERE is_active = TRUE
			  AND (claimed_at IS NULL OR $1 - claimed_at >= $3)
			  AND (
				last_updated_at IS NULL
				OR $1 - last_updated_at >=
					GREATEST(
						LEAST(update_interval::bigint * (1 << LEAST(failed_updates_count, 30)), 3600),
						update_interval::bigint
					) * 1000
			  )
			ORDER BY update_interval ASC, last_updated_at ASC NULLS FIRST, token_id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + tokenColumns + `
	`

	rows, err := s.pool.Query(ctx, query, nowMs, limit, storage.ClaimTTL.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("select due tokens: %w", err)
	}
	defer rows.Close()

	tokens, err := scanTokens(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING yields rows in no defined order; restore scheduling order.
	sortSchedulingOrder(tokens)
	return tokens, nil
}

func sortSchedulingOrder(tokens []*domain.Token) {
	sort.Slice(tokens, func(i, j int) bool {
		a, b := tokens[i], tokens[j]
		if a.UpdateInterval != b.UpdateInterval {
			return a.UpdateInterval < b.UpdateInterval
		}
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
}

// RecordSuccess sets last_updated_at, resets the failure counter and
// releases the scheduling claim atomically.
func (s *TokenStore) RecordSuccess(ctx context.Context, tokenID int64, nowMs int64) error {
	query := `
		UPDATE tokens
		SET last_updated_at = $1, failed_updates_count = 0, claimed_at = NULL
		WHERE token_id = $2
	`

	tag, err := s.pool.Exec(ctx, query, nowMs, tokenID)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ReleaseClaim drops a scheduling claim without touching update state.
func (s *TokenStore) ReleaseClaim(ctx context.Context, tokenID int64) error {
	query := `UPDATE tokens SET claimed_at = NULL WHERE token_id = $1`

	if _, err := s.pool.Exec(ctx, query, tokenID); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// RecordFailure increments failed_updates_count and deactivates the token in
// the same statement when the new count reaches threshold.
func (s *TokenStore) RecordFailure(ctx context.Context, tokenID int64, threshold int) (int, bool, error) {
	query := `
		UPDATE tokens
		SET failed_updates_count = failed_updates_count + 1,
		    claimed_at = NULL,
		    is_active = CASE
				WHEN failed_updates_count + 1 >= $1 THEN FALSE
				ELSE is_active
			END
		WHERE token_id = $2
		RETURNING failed_updates_count, is_active
	`

	var count int
	var active bool
	err := s.pool.QueryRow(ctx, query, threshold, tokenID).Scan(&count, &active)
	if err != nil {
		if isNotFoundError(err) {
			return 0, false, storage.ErrNotFound
		}
		return 0, false, fmt.Errorf("record failure: %w", err)
	}
	// Deactivation happened in this call exactly at the threshold transition.
	return count, !active && count == threshold, nil
}

// Recover resets the failure counter, reactivates the token and clears
// last_updated_at so the next scheduling pass picks it up.
func (s *TokenStore) Recover(ctx context.Context, tokenID int64) error {
	query := `
		UPDATE tokens
		SET failed_updates_count = 0, is_active = TRUE, last_updated_at = NULL, claimed_at = NULL
		WHERE token_id = $1
	`

	tag, err := s.pool.Exec(ctx, query, tokenID)
	if err != nil {
		return fmt.Errorf("recover token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// BulkRecover recovers every token at or above minFailures, optionally
// filtered by chain. Only flips state forward; rows locked by an in-flight
// pass are left for the next run rather than waited on.
func (s *TokenStore) BulkRecover(ctx context.Context, minFailures int, chain string) (int, error) {
	query := `
		UPDATE tokens
		SET failed_updates_count = 0, is_active = TRUE, last_updated_at = NULL, claimed_at = NULL
		WHERE token_id IN (
			SELECT token_id FROM tokens
			WHERE failed_updates_count >= $1
			  AND ($2 = '' OR chain = $2)
			FOR UPDATE SKIP LOCKED
		)
	`

	tag, err := s.pool.Exec(ctx, query, minFailures, chain)
	if err != nil {
		return 0, fmt.Errorf("bulk recover: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailingTokens returns tokens at or above minFailures, worst first.
func (s *TokenStore) FailingTokens(ctx context.Context, minFailures int, chain string, limit int) ([]*domain.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens
		WHERE failed_updates_count >= $1
		  AND ($2 = '' OR chain = $2)
		ORDER BY failed_updates_count DESC, token_id ASC
		LIMIT $3
	`

	rows, err := s.pool.Query(ctx, query, minFailures, chain, limit)
	if err != nil {
		return nil, fmt.Errorf("get failing tokens: %w", err)
	}
	defer rows.Close()

	return scanTokens(rows)
}

// ChainFailureStats summarizes update failures per chain.
func (s *TokenStore) ChainFailureStats(ctx context.Context) ([]storage.ChainFailureStat, error) {
	query := `
		SELECT
			chain,
			COUNT(*) AS total_tokens,
			COUNT(*) FILTER (WHERE failed_updates_count > 0) AS failing_tokens,
			COALESCE(MAX(failed_updates_count), 0) AS max_failures
		FROM tokens
		GROUP BY chain
		ORDER BY failing_tokens DESC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain failure stats: %w", err)
	}
	defer rows.Close()

	var stats []storage.ChainFailureStat
	for rows.Next() {
		var st storage.ChainFailureStat
		if err := rows.Scan(&st.Chain, &st.TotalTokens, &st.FailingTokens, &st.MaxFailures); err != nil {
			return nil, fmt.Errorf("scan chain stat row: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain stat rows: %w", err)
	}
	return stats, nil
}

// UpdateBestPair records the pair metrics are extracted from. A no-op when
// the stored address already matches.
func (s *TokenStore) UpdateBestPair(ctx context.Context, tokenID int64, pairAddress string) error {
	query := `
		UPDATE tokens
		SET best_pair_address = $1
		WHERE token_id = $2
		  AND (best_pair_address IS NULL OR best_pair_address != $1)
	`

	if _, err := s.pool.Exec(ctx, query, pairAddress, tokenID); err != nil {
		return fmt.Errorf("update best pair: %w", err)
	}
	return nil
}

// UpdateInterval persists a new update_interval for the token.
func (s *TokenStore) UpdateInterval(ctx context.Context, tokenID int64, intervalSeconds int) error {
	if intervalSeconds <= 0 {
		return storage.ErrInvalidInput
	}

	query := `UPDATE tokens SET update_interval = $1 WHERE token_id = $2`

	tag, err := s.pool.Exec(ctx, query, intervalSeconds, tokenID)
	if err != nil {
		return fmt.Errorf("update interval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListActive returns all active tokens ordered by token_id.
func (s *TokenStore) ListActive(ctx context.Context) ([]*domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE is_active = TRUE ORDER BY token_id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	defer rows.Close()

	return scanTokens(rows)
}

// scanToken scans a single row into a Token.
func scanToken(row pgx.Row) (*domain.Token, error) {
	var t domain.Token
	err := row.Scan(
		&t.TokenID,
		&t.Chain,
		&t.ContractAddress,
		&t.Name,
		&t.Ticker,
		&t.GroupName,
		&t.BestPairAddress,
		&t.CallPrice,
		&t.FirstCallLiquidity,
		&t.Supply,
		&t.UpdateInterval,
		&t.LastUpdatedAt,
		&t.FailedUpdatesCount,
		&t.IsActive,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// scanTokens scans multiple rows into a slice of Token.
func scanTokens(rows pgx.Rows) ([]*domain.Token, error) {
	var tokens []*domain.Token

	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}

	return tokens, nil
}
