package domain

// Priority tiers for update_interval, in seconds. Classification assigns one
// of these from observed liquidity/volume; Tier30s is the tightest SLA.
const (
	Tier30s   = 30
	Tier5Min  = 300
	Tier15Min = 900
	Tier1Hour = 3600
)

// DefaultUpdateInterval is assigned to newly created tokens.
const DefaultUpdateInterval = Tier5Min

// Token represents a tracked contract and its scheduling state.
// Corresponds to the tokens table in PostgreSQL.
// Identity is (chain, lower(contract_address)).
type Token struct {
	TokenID            int64   // PRIMARY KEY, serial
	Chain              string  // blockchain network name, normalized
	ContractAddress    string  // token contract address
	Name               string
	Ticker             string
	GroupName          *string // originating chat group (nullable)
	BestPairAddress    *string // sticky pair used for metric extraction (nullable)
	CallPrice          float64 // price at first mention
	FirstCallLiquidity float64 // liquidity USD at first mention
	Supply             float64 // supply at first mention
	UpdateInterval     int     // refresh interval in seconds
	LastUpdatedAt      *int64  // Unix ms of last successful refresh (nullable)
	FailedUpdatesCount int     // consecutive failures, reset on success
	IsActive           bool    // inactive tokens are never scheduled
	CreatedAt          int64   // record creation timestamp (ms)
}

// EffectiveInterval returns the scheduling interval in seconds after applying
// transient failure backoff. The persisted update_interval is never widened;
// the backoff doubles per consecutive failure and is capped at one hour. The
// cap only limits the widening: an interval already above one hour is
// returned as is.
func (t *Token) EffectiveInterval() int {
	limit := Tier1Hour
	if t.UpdateInterval > limit {
		limit = t.UpdateInterval
	}
	interval := t.UpdateInterval
	for i := 0; i < t.FailedUpdatesCount && interval < limit; i++ {
		interval *= 2
	}
	if interval > limit {
		interval = limit
	}
	return interval
}

// Due reports whether the token is eligible for a refresh at now (Unix ms).
// A token with no successful update yet is always due.
func (t *Token) Due(nowMs int64) bool {
	if !t.IsActive {
		return false
	}
	if t.LastUpdatedAt == nil {
		return true
	}
	return nowMs-*t.LastUpdatedAt >= int64(t.EffectiveInterval())*1000
}
