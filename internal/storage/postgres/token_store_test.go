package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/storage"
)

func TestTokenStore_InsertAndGetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	token := &domain.Token{
		Chain:              "ethereum",
		ContractAddress:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Name:               "USD Coin",
		Ticker:             "USDC",
		GroupName:          ptr("alpha-calls"),
		BestPairAddress:    ptr("0xPairOne"),
		CallPrice:          1.0,
		FirstCallLiquidity: 5000000,
		Supply:             24000000000,
		UpdateInterval:     30,
		FailedUpdatesCount: 0,
		IsActive:           true,
		CreatedAt:          1700000000000,
	}

	err := store.Insert(ctx, token)
	require.NoError(t, err)
	require.NotZero(t, token.TokenID, "Insert should populate TokenID")

	retrieved, err := store.GetByID(ctx, token.TokenID)
	require.NoError(t, err)

	assert.Equal(t, token.Chain, retrieved.Chain)
	assert.Equal(t, token.ContractAddress, retrieved.ContractAddress)
	assert.Equal(t, token.Name, retrieved.Name)
	assert.Equal(t, token.Ticker, retrieved.Ticker)
	require.NotNil(t, retrieved.GroupName)
	assert.Equal(t, "alpha-calls", *retrieved.GroupName)
	require.NotNil(t, retrieved.BestPairAddress)
	assert.Equal(t, "0xPairOne", *retrieved.BestPairAddress)
	assert.InDelta(t, token.CallPrice, retrieved.CallPrice, 0.0001)
	assert.Equal(t, token.UpdateInterval, retrieved.UpdateInterval)
	assert.Nil(t, retrieved.LastUpdatedAt)
	assert.True(t, retrieved.IsActive)
}

func TestTokenStore_GetByIDNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	_, err := store.GetByID(ctx, 999999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTokenStore_DuplicateIdentityCaseInsensitive(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	insertTestToken(t, ctx, pool, "ethereum", "0xAbCdEf0000000000000000000000000000000001")

	// Same identity with different casing must collide.
	dup := &domain.Token{
		Chain:           "ethereum",
		ContractAddress: "0xabcdef0000000000000000000000000000000001",
		Name:            "Other",
		Ticker:          "OTH",
		UpdateInterval:  300,
		IsActive:        true,
		CreatedAt:       1700000000000,
	}
	err := store.Insert(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	// Same address on another chain is a distinct token.
	other := &domain.Token{
		Chain:           "bsc",
		ContractAddress: "0xabcdef0000000000000000000000000000000001",
		Name:            "Other",
		Ticker:          "OTH",
		UpdateInterval:  300,
		IsActive:        true,
		CreatedAt:       1700000000000,
	}
	require.NoError(t, store.Insert(ctx, other))
}

func TestTokenStore_GetByAddressCaseInsensitive(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	inserted := insertTestToken(t, ctx, pool, "base", "0xAbC0000000000000000000000000000000000002")

	retrieved, err := store.GetByAddress(ctx, "base", "0xABC0000000000000000000000000000000000002")
	require.NoError(t, err)
	assert.Equal(t, inserted.TokenID, retrieved.TokenID)

	_, err = store.GetByAddress(ctx, "base", "0xdead000000000000000000000000000000000000")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTokenStore_SelectDue(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	nowMs := int64(1700000000000)

	// Never updated: always due.
	fresh := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000001")

	// Updated 400s ago with a 300s interval: due.
	stale := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000002")
	require.NoError(t, store.RecordSuccess(ctx, stale.TokenID, nowMs-400_000))

	// Updated 100s ago with a 300s interval: not due.
	recent := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000003")
	require.NoError(t, store.RecordSuccess(ctx, recent.TokenID, nowMs-100_000))

	// Inactive: never due.
	inactive := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000004")
	_, err := pool.Exec(ctx, `UPDATE tokens SET is_active = FALSE WHERE token_id = $1`, inactive.TokenID)
	require.NoError(t, err)

	due, err := store.SelectDue(ctx, nowMs, 100)
	require.NoError(t, err)

	ids := make(map[int64]bool, len(due))
	for _, tok := range due {
		ids[tok.TokenID] = true
	}
	assert.True(t, ids[fresh.TokenID])
	assert.True(t, ids[stale.TokenID])
	assert.False(t, ids[recent.TokenID])
	assert.False(t, ids[inactive.TokenID])
}

func TestTokenStore_SelectDueFailureBackoff(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	nowMs := int64(1700000000000)

	// Two failures double the 300s interval twice: effective 1200s.
	token := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000010")
	_, err := pool.Exec(ctx,
		`UPDATE tokens SET last_updated_at = $1, failed_updates_count = 2 WHERE token_id = $2`,
		nowMs-600_000, token.TokenID)
	require.NoError(t, err)

	// 600s stale is past the base interval but inside the backoff window.
	due, err := store.SelectDue(ctx, nowMs, 100)
	require.NoError(t, err)
	assert.Empty(t, due)

	// 1300s stale clears the widened window.
	due, err = store.SelectDue(ctx, nowMs+700_000, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, token.TokenID, due[0].TokenID)
}

func TestTokenStore_SelectDueOrderAndLimit(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	// Tighter intervals come first regardless of insert order.
	slow := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000021")
	require.NoError(t, store.UpdateInterval(ctx, slow.TokenID, 3600))
	hot := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000022")
	require.NoError(t, store.UpdateInterval(ctx, hot.TokenID, 30))

	due, err := store.SelectDue(ctx, 1700000000000, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, hot.TokenID, due[0].TokenID)
}

func TestTokenStore_RecordSuccessResetsFailures(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	token := insertTestToken(t, ctx, pool, "solana", "So11111111111111111111111111111111111111112")
	for i := 0; i < 3; i++ {
		_, _, err := store.RecordFailure(ctx, token.TokenID, 10)
		require.NoError(t, err)
	}

	nowMs := int64(1700000123000)
	require.NoError(t, store.RecordSuccess(ctx, token.TokenID, nowMs))

	retrieved, err := store.GetByID(ctx, token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, 0, retrieved.FailedUpdatesCount)
	require.NotNil(t, retrieved.LastUpdatedAt)
	assert.Equal(t, nowMs, *retrieved.LastUpdatedAt)
}

func TestTokenStore_RecordFailureDeactivatesAtThreshold(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	token := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000030")

	for i := 1; i < 10; i++ {
		count, deactivated, err := store.RecordFailure(ctx, token.TokenID, 10)
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.False(t, deactivated)
	}

	count, deactivated, err := store.RecordFailure(ctx, token.TokenID, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
	assert.True(t, deactivated)

	retrieved, err := store.GetByID(ctx, token.TokenID)
	require.NoError(t, err)
	assert.False(t, retrieved.IsActive)

	// Past the threshold the deactivation already happened.
	_, deactivated, err = store.RecordFailure(ctx, token.TokenID, 10)
	require.NoError(t, err)
	assert.False(t, deactivated)
}

func TestTokenStore_Recover(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	token := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000040")
	require.NoError(t, store.RecordSuccess(ctx, token.TokenID, 1700000000000))
	for i := 0; i < 10; i++ {
		_, _, err := store.RecordFailure(ctx, token.TokenID, 10)
		require.NoError(t, err)
	}

	require.NoError(t, store.Recover(ctx, token.TokenID))

	retrieved, err := store.GetByID(ctx, token.TokenID)
	require.NoError(t, err)
	assert.True(t, retrieved.IsActive)
	assert.Equal(t, 0, retrieved.FailedUpdatesCount)
	assert.Nil(t, retrieved.LastUpdatedAt, "recover should make the token immediately due")

	assert.ErrorIs(t, store.Recover(ctx, 999999), storage.ErrNotFound)
}

func TestTokenStore_BulkRecover(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	failures := map[string]int{
		"0x0000000000000000000000000000000000000051": 10,
		"0x0000000000000000000000000000000000000052": 7,
		"0x0000000000000000000000000000000000000053": 5,
		"0x0000000000000000000000000000000000000054": 2,
	}
	for addr, n := range failures {
		token := insertTestToken(t, ctx, pool, "ethereum", addr)
		for i := 0; i < n; i++ {
			_, _, err := store.RecordFailure(ctx, token.TokenID, 10)
			require.NoError(t, err)
		}
	}
	solToken := insertTestToken(t, ctx, pool, "solana", "So11111111111111111111111111111111111111112")
	for i := 0; i < 8; i++ {
		_, _, err := store.RecordFailure(ctx, solToken.TokenID, 10)
		require.NoError(t, err)
	}

	// Chain scoped.
	count, err := store.BulkRecover(ctx, 5, "solana")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// All chains, min 5: the 10 and 7 ethereum tokens remain eligible.
	count, err = store.BulkRecover(ctx, 5, "")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	remaining, err := store.FailingTokens(ctx, 1, "", 100)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, 2, remaining[0].FailedUpdatesCount)
}

func TestTokenStore_FailingTokensOrder(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	for i, n := range []int{3, 9, 6} {
		token := insertTestToken(t, ctx, pool, "bsc",
			"0x000000000000000000000000000000000000006"+string(rune('0'+i)))
		for j := 0; j < n; j++ {
			_, _, err := store.RecordFailure(ctx, token.TokenID, 100)
			require.NoError(t, err)
		}
	}

	failing, err := store.FailingTokens(ctx, 1, "bsc", 10)
	require.NoError(t, err)
	require.Len(t, failing, 3)
	assert.Equal(t, 9, failing[0].FailedUpdatesCount)
	assert.Equal(t, 6, failing[1].FailedUpdatesCount)
	assert.Equal(t, 3, failing[2].FailedUpdatesCount)
}

func TestTokenStore_ChainFailureStats(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	ethFailing := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000071")
	for i := 0; i < 4; i++ {
		_, _, err := store.RecordFailure(ctx, ethFailing.TokenID, 10)
		require.NoError(t, err)
	}
	insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000072")
	insertTestToken(t, ctx, pool, "solana", "So11111111111111111111111111111111111111112")

	stats, err := store.ChainFailureStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byChain := make(map[string]int, len(stats))
	for i, s := range stats {
		byChain[s.Chain] = i
	}
	eth := stats[byChain["ethereum"]]
	assert.Equal(t, 2, eth.TotalTokens)
	assert.Equal(t, 1, eth.FailingTokens)
	assert.Equal(t, 4, eth.MaxFailures)

	sol := stats[byChain["solana"]]
	assert.Equal(t, 1, sol.TotalTokens)
	assert.Equal(t, 0, sol.FailingTokens)
	assert.Equal(t, 0, sol.MaxFailures)
}

func TestTokenStore_UpdateBestPair(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	token := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000080")

	require.NoError(t, store.UpdateBestPair(ctx, token.TokenID, "0xPairA"))

	retrieved, err := store.GetByID(ctx, token.TokenID)
	require.NoError(t, err)
	require.NotNil(t, retrieved.BestPairAddress)
	assert.Equal(t, "0xPairA", *retrieved.BestPairAddress)

	// Re-pointing to a deeper pool overwrites.
	require.NoError(t, store.UpdateBestPair(ctx, token.TokenID, "0xPairB"))
	retrieved, err = store.GetByID(ctx, token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, "0xPairB", *retrieved.BestPairAddress)
}

func TestTokenStore_UpdateInterval(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	token := insertTestToken(t, ctx, pool, "ethereum", "0x0000000000000000000000000000000000000090")

	require.NoError(t, store.UpdateInterval(ctx, token.TokenID, 30))

	retrieved, err := store.GetByID(ctx, token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, 30, retrieved.UpdateInterval)

	assert.ErrorIs(t, store.UpdateInterval(ctx, token.TokenID, 0), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.UpdateInterval(ctx, 999999, 60), storage.ErrNotFound)
}

func TestTokenStore_ListActive(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	active := insertTestToken(t, ctx, pool, "ethereum", "0x00000000000000000000000000000000000000a1")
	inactive := insertTestToken(t, ctx, pool, "ethereum", "0x00000000000000000000000000000000000000a2")
	_, err := pool.Exec(ctx, `UPDATE tokens SET is_active = FALSE WHERE token_id = $1`, inactive.TokenID)
	require.NoError(t, err)

	tokens, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, active.TokenID, tokens[0].TokenID)
}

func TestTokenStore_SelectDueClaimSurvivesStatement(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	nowMs := int64(1700000000000)
	token := insertTestToken(t, ctx, pool, "ethereum", "0x00000000000000000000000000000000000000b1")

	due, err := store.SelectDue(ctx, nowMs, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// The claim is a persisted stamp, not a row lock: a second worker
	// selecting after the first statement finished must still skip it.
	due, err = store.SelectDue(ctx, nowMs, 100)
	require.NoError(t, err)
	assert.Empty(t, due, "claimed token leaked to a concurrent selection")

	// Recording the outcome releases the claim.
	_, _, err = store.RecordFailure(ctx, token.TokenID, 10)
	require.NoError(t, err)

	due, err = store.SelectDue(ctx, nowMs, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, token.TokenID, due[0].TokenID)
}

func TestTokenStore_ClaimExpiresAfterTTL(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	nowMs := int64(1700000000000)
	token := insertTestToken(t, ctx, pool, "ethereum", "0x00000000000000000000000000000000000000b2")

	due, err := store.SelectDue(ctx, nowMs, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// A worker that crashed holding the claim must not shadow the token
	// forever.
	expired := nowMs + storage.ClaimTTL.Milliseconds()
	due, err = store.SelectDue(ctx, expired, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, token.TokenID, due[0].TokenID)
}

func TestTokenStore_ReleaseClaim(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	nowMs := int64(1700000000000)
	token := insertTestToken(t, ctx, pool, "ethereum", "0x00000000000000000000000000000000000000b3")

	due, err := store.SelectDue(ctx, nowMs, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, store.ReleaseClaim(ctx, token.TokenID))

	due, err = store.SelectDue(ctx, nowMs, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, token.TokenID, due[0].TokenID)
}

func TestTokenStore_SelectDueLongIntervalHonored(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	nowMs := int64(1700000000000)

	// Two-hour operator interval, 4000s stale: past the one-hour backoff
	// cap but inside its own interval, so not due.
	token := insertTestToken(t, ctx, pool, "ethereum", "0x00000000000000000000000000000000000000c1")
	require.NoError(t, store.UpdateInterval(ctx, token.TokenID, 7200))
	require.NoError(t, store.RecordSuccess(ctx, token.TokenID, nowMs-4000_000))

	due, err := store.SelectDue(ctx, nowMs, 100)
	require.NoError(t, err)
	assert.Empty(t, due, "token selected before its configured interval elapsed")

	// 7200s stale: due.
	due, err = store.SelectDue(ctx, nowMs+3200_000, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, token.TokenID, due[0].TokenID)
}
