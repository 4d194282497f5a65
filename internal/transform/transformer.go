// Package transform drains buffered raw snapshots into structured
// price metrics.
package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/market"
	"token-price-tracker/internal/observability"
	"token-price-tracker/internal/storage"
)

// DefaultBatchSize is how many snapshots one drain handles.
const DefaultBatchSize = 10

// DrainStats summarizes one drain run.
type DrainStats struct {
	SnapshotsProcessed int
	MetricsWritten     int
	UnknownContracts   int
	MalformedPayloads  int
}

// Transformer converts raw snapshots into price metrics. Metrics are
// written before the snapshot is marked processed, so a crash between
// the two re-runs the snapshot and the idempotent metric insert makes
// the retry harmless.
type Transformer struct {
	tokens    storage.TokenStore
	snapshots storage.SnapshotStore
	metrics   storage.PriceMetricStore
	registry  *market.ChainRegistry
	logger    *log.Logger
}

// Option configures Transformer.
type Option func(*Transformer)

// WithLogger sets the transformer logger.
func WithLogger(l *log.Logger) Option {
	return func(t *Transformer) {
		t.logger = l
	}
}

// New creates a Transformer.
func New(tokens storage.TokenStore, snapshots storage.SnapshotStore, metrics storage.PriceMetricStore, registry *market.ChainRegistry, opts ...Option) *Transformer {
	t := &Transformer{
		tokens:    tokens,
		snapshots: snapshots,
		metrics:   metrics,
		registry:  registry,
		logger:    log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Drain processes up to batchSize unprocessed snapshots, oldest first.
// Unknown contract addresses are skipped and counted, never fatal.
// Storage errors abort the run so the queue can retry it.
func (tr *Transformer) Drain(ctx context.Context, batchSize int) (DrainStats, error) {
	start := time.Now()
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	snaps, err := tr.snapshots.SelectUnprocessed(ctx, batchSize)
	if err != nil {
		return DrainStats{}, fmt.Errorf("select unprocessed: %w", err)
	}

	var stats DrainStats
	for _, snap := range snaps {
		if err := tr.drainOne(ctx, snap, &stats); err != nil {
			return stats, err
		}
		stats.SnapshotsProcessed++
	}

	if depth, err := tr.snapshots.UnprocessedCount(ctx); err == nil {
		observability.UpdateBufferDepth(depth)
	}
	observability.RecordDrain(stats.SnapshotsProcessed, stats.MetricsWritten, stats.UnknownContracts, time.Since(start).Seconds())
	if stats.SnapshotsProcessed > 0 {
		tr.logger.Printf("[transform] drain: snapshots=%d metrics=%d unknown=%d malformed=%d",
			stats.SnapshotsProcessed, stats.MetricsWritten, stats.UnknownContracts, stats.MalformedPayloads)
	}
	return stats, nil
}

func (tr *Transformer) drainOne(ctx context.Context, snap *domain.RawMarketSnapshot, stats *DrainStats) error {
	pairs, err := market.ParsePairs(snap.Payload)
	if err != nil {
		// A payload that does not parse today never will. Count it and
		// move on so it cannot wedge the buffer.
		stats.MalformedPayloads++
		tr.logger.Printf("[transform] snapshot %s: malformed payload: %v", snap.SnapshotID, err)
		return tr.markProcessed(ctx, snap)
	}

	if chain, err := tr.registry.Lookup(snap.Chain); err == nil {
		pairs = chain.FilterPairs(pairs)
	}

	if len(pairs) == 0 {
		return tr.markProcessed(ctx, snap)
	}

	// Group pairs by the token contract they price.
	byAddress := make(map[string][]market.Pair)
	for _, p := range pairs {
		addr := strings.ToLower(p.BaseToken.Address)
		if addr == "" {
			continue
		}
		byAddress[addr] = append(byAddress[addr], p)
	}

	var (
		rows      []*domain.PriceMetric
		bestPairs = make(map[int64]string)
	)
	for addr, tokenPairs := range byAddress {
		token, err := tr.tokens.GetByAddress(ctx, snap.Chain, addr)
		if errors.Is(err, storage.ErrNotFound) {
			stats.UnknownContracts++
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve token %s/%s: %w", snap.Chain, addr, err)
		}

		best := selectBestPair(token, tokenPairs)
		rows = append(rows, &domain.PriceMetric{
			TokenID:        token.TokenID,
			TimestampMs:    snap.FetchedAt,
			PairAddress:    best.PairAddress,
			PriceNative:    float64(best.PriceNative),
			PriceUSD:       float64(best.PriceUSD),
			TxnsBuys:       best.Txns.H24.Buys,
			TxnsSells:      best.Txns.H24.Sells,
			Volume:         float64(best.Volume.H24),
			LiquidityBase:  float64(best.Liquidity.Base),
			LiquidityQuote: float64(best.Liquidity.Quote),
			LiquidityUSD:   float64(best.Liquidity.USD),
			FDV:            float64(best.FDV),
			MarketCap:      float64(best.MarketCap),
			SnapshotID:     snap.SnapshotID,
		})
		if token.BestPairAddress == nil || *token.BestPairAddress != best.PairAddress {
			bestPairs[token.TokenID] = best.PairAddress
		}
	}

	if len(rows) > 0 {
		written, err := tr.metrics.InsertBatch(ctx, rows)
		if err != nil {
			return fmt.Errorf("insert metrics for snapshot %s: %w", snap.SnapshotID, err)
		}
		stats.MetricsWritten += written
	}

	for tokenID, pair := range bestPairs {
		if err := tr.tokens.UpdateBestPair(ctx, tokenID, pair); err != nil {
			tr.logger.Printf("[transform] update best pair token=%d: %v", tokenID, err)
		}
	}

	return tr.markProcessed(ctx, snap)
}

func (tr *Transformer) markProcessed(ctx context.Context, snap *domain.RawMarketSnapshot) error {
	if err := tr.snapshots.MarkProcessed(ctx, snap.SnapshotID); err != nil {
		return fmt.Errorf("mark snapshot %s processed: %w", snap.SnapshotID, err)
	}
	return nil
}

// selectBestPair prefers the token's stored pair when the response
// still carries it, otherwise the deepest pool by USD liquidity.
func selectBestPair(token *domain.Token, pairs []market.Pair) market.Pair {
	if token.BestPairAddress != nil {
		for _, p := range pairs {
			if strings.EqualFold(p.PairAddress, *token.BestPairAddress) {
				return p
			}
		}
	}

	best := pairs[0]
	for _, p := range pairs[1:] {
		if p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}
	return best
}
