package clickhouse

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/storage"
)

// testMetric builds a metric with distinguishable values per timestamp.
func testMetric(tokenID, timestampMs int64) *domain.PriceMetric {
	return &domain.PriceMetric{
		TokenID:        tokenID,
		TimestampMs:    timestampMs,
		PairAddress:    "0xPairOne",
		PriceNative:    0.005,
		PriceUSD:       12.34,
		TxnsBuys:       10,
		TxnsSells:      4,
		Volume:         150000.5,
		LiquidityBase:  1000,
		LiquidityQuote: 30,
		LiquidityUSD:   75000,
		FDV:            1000000,
		MarketCap:      900000,
		SnapshotID:     fmt.Sprintf("snap-%d-%d", tokenID, timestampMs),
	}
}

func TestPriceMetricStore_InsertBatchAndLatest(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPriceMetricStore(conn)

	base := int64(1700000000000)
	metrics := []*domain.PriceMetric{
		testMetric(1, base),
		testMetric(1, base+60_000),
		testMetric(1, base+120_000),
	}

	inserted, err := store.InsertBatch(ctx, metrics)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	count, err := store.CountByToken(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Latest returns the newest row with every column intact.
	latest, err := store.Latest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.TokenID)
	assert.Equal(t, base+120_000, latest.TimestampMs)
	assert.Equal(t, "0xPairOne", latest.PairAddress)
	assert.InDelta(t, 0.005, latest.PriceNative, 1e-9)
	assert.InDelta(t, 12.34, latest.PriceUSD, 1e-9)
	assert.Equal(t, 10, latest.TxnsBuys)
	assert.Equal(t, 4, latest.TxnsSells)
	assert.InDelta(t, 150000.5, latest.Volume, 1e-6)
	assert.InDelta(t, 75000, latest.LiquidityUSD, 1e-6)
	assert.Equal(t, fmt.Sprintf("snap-1-%d", base+120_000), latest.SnapshotID)
}

func TestPriceMetricStore_LatestNotFound(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPriceMetricStore(conn)

	_, err := store.Latest(context.Background(), 999999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPriceMetricStore_InsertBatchIdempotent(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPriceMetricStore(conn)

	base := int64(1700000000000)

	// A duplicated identity inside one batch is written once.
	inserted, err := store.InsertBatch(ctx, []*domain.PriceMetric{
		testMetric(7, base),
		testMetric(7, base),
		testMetric(7, base+60_000),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Re-processing the same snapshot is a no-op.
	inserted, err = store.InsertBatch(ctx, []*domain.PriceMetric{
		testMetric(7, base),
		testMetric(7, base+60_000),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	count, err := store.CountByToken(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPriceMetricStore_GetByTimeRange(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPriceMetricStore(conn)

	base := int64(1700000000000)
	var batch []*domain.PriceMetric
	for i := int64(0); i < 5; i++ {
		batch = append(batch, testMetric(3, base+i*60_000))
	}
	// Another token inside the window must not leak in.
	batch = append(batch, testMetric(4, base+60_000))

	_, err := store.InsertBatch(ctx, batch)
	require.NoError(t, err)

	// Bounds are inclusive on both ends.
	metrics, err := store.GetByTimeRange(ctx, 3, base+60_000, base+180_000)
	require.NoError(t, err)
	require.Len(t, metrics, 3)

	for i, m := range metrics {
		assert.Equal(t, int64(3), m.TokenID)
		assert.Equal(t, base+int64(i+1)*60_000, m.TimestampMs, "rows must come back oldest first")
	}

	metrics, err = store.GetByTimeRange(ctx, 3, base+500_000, base+600_000)
	require.NoError(t, err)
	assert.Empty(t, metrics)
}
