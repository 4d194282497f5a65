package domain

import "testing"

func TestEffectiveInterval(t *testing.T) {
	cases := []struct {
		name     string
		interval int
		failures int
		want     int
	}{
		{"no failures", Tier5Min, 0, Tier5Min},
		{"one failure doubles", Tier5Min, 1, 600},
		{"two failures", Tier5Min, 2, 1200},
		{"backoff capped at one hour", Tier5Min, 10, Tier1Hour},
		{"tightest tier backoff", Tier30s, 3, 240},
		{"hour tier stays put", Tier1Hour, 5, Tier1Hour},
		{"operator interval above hour preserved", 7200, 0, 7200},
		{"operator interval above hour not widened by failures", 7200, 4, 7200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tok := Token{UpdateInterval: tc.interval, FailedUpdatesCount: tc.failures}
			if got := tok.EffectiveInterval(); got != tc.want {
				t.Fatalf("EffectiveInterval() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDue(t *testing.T) {
	now := int64(1_700_000_000_000)
	stale := now - int64(Tier5Min)*1000

	never := Token{UpdateInterval: Tier5Min, IsActive: true}
	if !never.Due(now) {
		t.Fatal("token without a successful update should be due")
	}

	fresh := Token{UpdateInterval: Tier5Min, IsActive: true, LastUpdatedAt: &now}
	if fresh.Due(now) {
		t.Fatal("freshly updated token should not be due")
	}

	overdue := Token{UpdateInterval: Tier5Min, IsActive: true, LastUpdatedAt: &stale}
	if !overdue.Due(now) {
		t.Fatal("token past its interval should be due")
	}

	inactive := Token{UpdateInterval: Tier5Min, IsActive: false, LastUpdatedAt: &stale}
	if inactive.Due(now) {
		t.Fatal("inactive token must never be due")
	}

	longStale := now - 4000*1000
	long := Token{UpdateInterval: 7200, IsActive: true, LastUpdatedAt: &longStale}
	if long.Due(now) {
		t.Fatal("token with a two-hour interval should not be due after 4000s")
	}
}
