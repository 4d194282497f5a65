package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// BlockedSession describes one backend waiting on a storage-level lock or
// holding a transaction open past the inspection threshold.
type BlockedSession struct {
	PID           int
	BlockedByPIDs []int32
	State         string
	Query         string
	WaitDuration  time.Duration
}

// LockInspector reports and relieves lock contention between concurrent
// scheduling passes and bulk status updates on the tokens table.
type LockInspector struct {
	pool *Pool

	// allowedQueries limits which sessions RelieveContention may terminate.
	allowedQueries []*regexp.Regexp
}

// defaultAllowedQueryPatterns match the statements our own workers issue
// against the tokens table. Sessions running anything else are never touched.
var defaultAllowedQueryPatterns = []string{
	`(?i)^\s*UPDATE\s+tokens\s+SET\s+failed_updates_count`,
	`(?i)^\s*UPDATE\s+tokens\s+SET\s+last_updated_at`,
	`(?i)^\s*SELECT\s+.*\s+FROM\s+tokens\s+.*FOR\s+UPDATE`,
}

// NewLockInspector creates a LockInspector with the default allow-list.
func NewLockInspector(pool *Pool) *LockInspector {
	patterns := make([]*regexp.Regexp, 0, len(defaultAllowedQueryPatterns))
	for _, p := range defaultAllowedQueryPatterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return &LockInspector{pool: pool, allowedQueries: patterns}
}

// BlockedSessions returns sessions that have been waiting on a lock, or idle
// in transaction, for longer than threshold.
func (l *LockInspector) BlockedSessions(ctx context.Context, threshold time.Duration) ([]BlockedSession, error) {
	query := `
		SELECT
			a.pid,
			COALESCE(pg_blocking_pids(a.pid), '{}'),
			a.state,
			COALESCE(a.query, ''),
			EXTRACT(EPOCH FROM (now() - a.state_change))
		FROM pg_stat_activity a
		WHERE a.pid != pg_backend_pid()
		  AND (
			cardinality(pg_blocking_pids(a.pid)) > 0
			OR a.state = 'idle in transaction'
		  )
		  AND now() - a.state_change > make_interval(secs => $1)
		ORDER BY a.state_change ASC
	`

	rows, err := l.pool.Query(ctx, query, threshold.Seconds())
	if err != nil {
		return nil, fmt.Errorf("query blocked sessions: %w", err)
	}
	defer rows.Close()

	var sessions []BlockedSession
	for rows.Next() {
		var s BlockedSession
		var waitSeconds float64
		if err := rows.Scan(&s.PID, &s.BlockedByPIDs, &s.State, &s.Query, &waitSeconds); err != nil {
			return nil, fmt.Errorf("scan blocked session row: %w", err)
		}
		s.WaitDuration = time.Duration(waitSeconds * float64(time.Second))
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocked session rows: %w", err)
	}
	return sessions, nil
}

// queryAllowed reports whether the session's query matches the allow-list.
func (l *LockInspector) queryAllowed(query string) bool {
	for _, re := range l.allowedQueries {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

// Terminate kills the sessions whose queries match the allow-list and
// returns the PIDs actually terminated. Sessions running queries outside
// the allow-list are skipped, never killed.
func (l *LockInspector) Terminate(ctx context.Context, sessions []BlockedSession) ([]int, error) {
	var terminated []int
	for _, s := range sessions {
		if !l.queryAllowed(s.Query) {
			continue
		}
		var ok bool
		err := l.pool.QueryRow(ctx, `SELECT pg_terminate_backend($1)`, s.PID).Scan(&ok)
		if err != nil {
			return terminated, fmt.Errorf("terminate backend %d: %w", s.PID, err)
		}
		if ok {
			terminated = append(terminated, s.PID)
		}
	}
	return terminated, nil
}
