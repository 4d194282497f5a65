package postgres

import (
	"context"
	"fmt"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/storage"
)

// TokenCallStore implements storage.TokenCallStore using PostgreSQL.
type TokenCallStore struct {
	pool *Pool
}

// NewTokenCallStore creates a new TokenCallStore.
func NewTokenCallStore(pool *Pool) *TokenCallStore {
	return &TokenCallStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenCallStore = (*TokenCallStore)(nil)

// Insert adds a new call. Returns ErrDuplicateKey if (token_id, message_ref) exists.
func (s *TokenCallStore) Insert(ctx context.Context, c *domain.TokenCall) error {
	query := `
		INSERT INTO token_calls (token_id, message_ref, call_price, call_timestamp)
		VALUES ($1, $2, $3, $4)
		RETURNING call_id
	`

	err := s.pool.QueryRow(ctx, query,
		c.TokenID,
		c.MessageRef,
		c.CallPrice,
		c.CallTimestamp,
	).Scan(&c.CallID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert token call: %w", err)
	}
	return nil
}

// GetByTokenID retrieves all calls for a token, oldest first.
func (s *TokenCallStore) GetByTokenID(ctx context.Context, tokenID int64) ([]*domain.TokenCall, error) {
	query := `
		SELECT call_id, token_id, message_ref, call_price, call_timestamp
		FROM token_calls
		WHERE token_id = $1
		ORDER BY call_timestamp ASC, call_id ASC
	`

	rows, err := s.pool.Query(ctx, query, tokenID)
	if err != nil {
		return nil, fmt.Errorf("get calls by token id: %w", err)
	}
	defer rows.Close()

	var calls []*domain.TokenCall
	for rows.Next() {
		var c domain.TokenCall
		if err := rows.Scan(&c.CallID, &c.TokenID, &c.MessageRef, &c.CallPrice, &c.CallTimestamp); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		calls = append(calls, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return calls, nil
}
