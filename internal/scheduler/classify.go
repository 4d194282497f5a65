package scheduler

import (
	"context"
	"errors"
	"time"

	"token-price-tracker/internal/domain"
	"token-price-tracker/internal/observability"
	"token-price-tracker/internal/storage"
)

// Observation carries the market signals classification reads.
type Observation struct {
	LiquidityUSD float64
	Volume24h    float64
}

// Classify returns the priority tier for a token given its latest
// market observation. High-activity tokens update every 30s, dead ones
// hourly. Tokens older than 30 days never update faster than 5m.
func Classify(t *domain.Token, obs Observation, nowMs int64) int {
	tier := domain.Tier1Hour
	switch {
	case obs.LiquidityUSD >= 50_000 || obs.Volume24h >= 100_000:
		tier = domain.Tier30s
	case obs.LiquidityUSD >= 10_000:
		tier = domain.Tier5Min
	case obs.LiquidityUSD >= 1_000:
		tier = domain.Tier15Min
	}

	const thirtyDaysMs = 30 * 24 * int64(time.Hour/time.Millisecond)
	if nowMs-t.CreatedAt > thirtyDaysMs && tier < domain.Tier5Min {
		tier = domain.Tier5Min
	}
	return tier
}

// ReclassifyAll recomputes the tier of every active token from its
// latest stored metric and persists changed intervals. Tokens with no
// metrics yet keep their current interval. Returns how many tokens
// moved tier.
func (s *Scheduler) ReclassifyAll(ctx context.Context, nowMs int64) (int, error) {
	active, err := s.tokens.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, t := range active {
		latest, err := s.metrics.Latest(ctx, t.TokenID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return changed, err
		}

		tier := Classify(t, Observation{
			LiquidityUSD: latest.LiquidityUSD,
			Volume24h:    latest.Volume,
		}, nowMs)
		if tier == t.UpdateInterval {
			continue
		}

		if err := s.tokens.UpdateInterval(ctx, t.TokenID, tier); err != nil {
			return changed, err
		}
		changed++
		observability.DefaultMetrics.TokensReclassified.Inc()
		s.logger.Printf("[scheduler] token %d reclassified %ds -> %ds", t.TokenID, t.UpdateInterval, tier)
	}
	return changed, nil
}
