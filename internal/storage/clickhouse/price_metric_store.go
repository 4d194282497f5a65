package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/storage"
)

// PriceMetricStore implements storage.PriceMetricStore using ClickHouse.
type PriceMetricStore struct {
	conn *Conn
}

// NewPriceMetricStore creates a new PriceMetricStore.
func NewPriceMetricStore(conn *Conn) *PriceMetricStore {
	return &PriceMetricStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceMetricStore = (*PriceMetricStore)(nil)

// InsertBatch adds metrics, silently skipping rows whose
// (token_id, timestamp_ms) identity already exists. Re-processing the same
// snapshot is therefore a no-op rather than an error.
func (s *PriceMetricStore) InsertBatch(ctx context.Context, metrics []*domain.PriceMetric) (int, error) {
	if len(metrics) == 0 {
		return 0, nil
	}

	type key struct {
		tokenID     int64
		timestampMs int64
	}
	seen := make(map[key]struct{})

	var fresh []*domain.PriceMetric
	for _, m := range metrics {
		k := key{m.TokenID, m.TimestampMs}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		exists, err := s.exists(ctx, m.TokenID, m.TimestampMs)
		if err != nil {
			return 0, fmt.Errorf("check exists: %w", err)
		}
		if exists {
			continue
		}
		fresh = append(fresh, m)
	}

	if len(fresh) == 0 {
		return 0, nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_metrics (
			token_id, timestamp_ms, pair_address, price_native, price_usd,
			txns_buys, txns_sells, volume, liquidity_base, liquidity_quote,
			liquidity_usd, fdv, market_cap, snapshot_id
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}

	for _, m := range fresh {
		err = batch.Append(
			uint64(m.TokenID), uint64(m.TimestampMs), m.PairAddress,
			m.PriceNative, m.PriceUSD,
			uint32(m.TxnsBuys), uint32(m.TxnsSells),
			m.Volume, m.LiquidityBase, m.LiquidityQuote, m.LiquidityUSD,
			m.FDV, m.MarketCap, m.SnapshotID,
		)
		if err != nil {
			return 0, fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}

	return len(fresh), nil
}

// Latest returns the most recent metric for a token.
func (s *PriceMetricStore) Latest(ctx context.Context, tokenID int64) (*domain.PriceMetric, error) {
	query := `
		SELECT token_id, timestamp_ms, pair_address, price_native, price_usd,
		       txns_buys, txns_sells, volume, liquidity_base, liquidity_quote,
		       liquidity_usd, fdv, market_cap, snapshot_id
		FROM price_metrics
		WHERE token_id = ?
		ORDER BY timestamp_ms DESC
		LIMIT 1
	`

	rows, err := s.conn.Query(ctx, query, uint64(tokenID))
	if err != nil {
		return nil, fmt.Errorf("query latest metric: %w", err)
	}
	defer rows.Close()

	metrics, err := scanMetrics(rows)
	if err != nil {
		return nil, err
	}
	if len(metrics) == 0 {
		return nil, storage.ErrNotFound
	}
	return metrics[0], nil
}

// CountByToken returns the number of stored metrics for a token.
func (s *PriceMetricStore) CountByToken(ctx context.Context, tokenID int64) (int, error) {
	var count uint64
	err := s.conn.QueryRow(ctx,
		`SELECT count(*) FROM price_metrics WHERE token_id = ?`, uint64(tokenID),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count metrics: %w", err)
	}
	return int(count), nil
}

// GetByTimeRange retrieves metrics for a token within [start, end] (inclusive).
func (s *PriceMetricStore) GetByTimeRange(ctx context.Context, tokenID int64, start, end int64) ([]*domain.PriceMetric, error) {
	query := `
		SELECT token_id, timestamp_ms, pair_address, price_native, price_usd,
		       txns_buys, txns_sells, volume, liquidity_base, liquidity_quote,
		       liquidity_usd, fdv, market_cap, snapshot_id
		FROM price_metrics
		WHERE token_id = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, uint64(tokenID), uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanMetrics(rows)
}

// exists checks if a metric with the given identity exists.
func (s *PriceMetricStore) exists(ctx context.Context, tokenID, timestampMs int64) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx,
		`SELECT count(*) FROM price_metrics WHERE token_id = ? AND timestamp_ms = ?`,
		uint64(tokenID), uint64(timestampMs),
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanMetrics scans multiple rows.
func scanMetrics(rows driver.Rows) ([]*domain.PriceMetric, error) {
	var metrics []*domain.PriceMetric

	for rows.Next() {
		var m domain.PriceMetric
		var tokenID, timestampMs uint64
		var buys, sells uint32

		err := rows.Scan(
			&tokenID, &timestampMs, &m.PairAddress, &m.PriceNative, &m.PriceUSD,
			&buys, &sells, &m.Volume, &m.LiquidityBase, &m.LiquidityQuote,
			&m.LiquidityUSD, &m.FDV, &m.MarketCap, &m.SnapshotID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}

		m.TokenID = int64(tokenID)
		m.TimestampMs = int64(timestampMs)
		m.TxnsBuys = int(buys)
		m.TxnsSells = int(sells)
		metrics = append(metrics, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric rows: %w", err)
	}

	return metrics, nil
}
