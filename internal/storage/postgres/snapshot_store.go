package postgres

import (
	"context"
	"fmt"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/storage"
)

// SnapshotStore implements storage.SnapshotStore using PostgreSQL.
// The raw_market_snapshots table is the append-only buffer between the
// market-data client and the ingestion transformer.
type SnapshotStore struct {
	pool *Pool
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(pool *Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// Insert appends a new snapshot. Returns ErrDuplicateKey if snapshot_id exists.
func (s *SnapshotStore) Insert(ctx context.Context, snap *domain.RawMarketSnapshot) error {
	query := `
		INSERT INTO raw_market_snapshots (
			snapshot_id, chain, token_addresses, payload, processed, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		snap.SnapshotID,
		snap.Chain,
		snap.TokenAddresses,
		snap.Payload,
		snap.Processed,
		snap.FetchedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// SelectUnprocessed returns up to limit unprocessed snapshots, oldest first.
func (s *SnapshotStore) SelectUnprocessed(ctx context.Context, limit int) ([]*domain.RawMarketSnapshot, error) {
	query := `
		SELECT snapshot_id, chain, token_addresses, payload, processed, fetched_at
		FROM raw_market_snapshots
		WHERE processed = FALSE
		ORDER BY fetched_at ASC, snapshot_id ASC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select unprocessed snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*domain.RawMarketSnapshot
	for rows.Next() {
		var snap domain.RawMarketSnapshot
		err := rows.Scan(
			&snap.SnapshotID,
			&snap.Chain,
			&snap.TokenAddresses,
			&snap.Payload,
			&snap.Processed,
			&snap.FetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snapshots = append(snapshots, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return snapshots, nil
}

// MarkProcessed flips processed=true. Idempotent.
func (s *SnapshotStore) MarkProcessed(ctx context.Context, snapshotID string) error {
	query := `UPDATE raw_market_snapshots SET processed = TRUE WHERE snapshot_id = $1`

	tag, err := s.pool.Exec(ctx, query, snapshotID)
	if err != nil {
		return fmt.Errorf("mark snapshot processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UnprocessedCount reports the current buffer depth.
func (s *SnapshotStore) UnprocessedCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM raw_market_snapshots WHERE processed = FALSE`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed snapshots: %w", err)
	}
	return count, nil
}
