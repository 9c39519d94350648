package ratelimit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/account-intel/internal/db"
)

// PostgresCounterStore shares counters across instances through the
// rate_limit_counters table. Each hit is a single upsert, so the reset,
// increment, and read happen atomically under the row lock.
type PostgresCounterStore struct {
	pool db.Pool
}

// NewPostgresCounterStore creates a store on pool. The table is created by
// the store migration.
func NewPostgresCounterStore(pool db.Pool) *PostgresCounterStore {
	return &PostgresCounterStore{pool: pool}
}

const hitSQL = `
INSERT INTO rate_limit_counters AS c (key, count, window_start, reset_at)
VALUES ($1, 1, $2, $3)
ON CONFLICT (key) DO UPDATE SET
	count = CASE
		WHEN c.reset_at <= EXCLUDED.window_start THEN 1
		WHEN c.count > $4 THEN c.count
		ELSE c.count + 1
	END,
	window_start = CASE WHEN c.reset_at <= EXCLUDED.window_start THEN EXCLUDED.window_start ELSE c.window_start END,
	reset_at = CASE WHEN c.reset_at <= EXCLUDED.window_start THEN EXCLUDED.reset_at ELSE c.reset_at END
RETURNING count, window_start, reset_at`

// Hit implements CounterStore.
func (p *PostgresCounterStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Counter, error) {
	c := Counter{Key: key}
	err := p.pool.QueryRow(ctx, hitSQL, key, now, now.Add(window), limit).
		Scan(&c.Count, &c.WindowStart, &c.ResetAt)
	if err != nil {
		return Counter{}, eris.Wrapf(err, "ratelimit: hit %s", key)
	}
	return c, nil
}

// PurgeExpired deletes counters whose window ended before now.
func (p *PostgresCounterStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM rate_limit_counters WHERE reset_at <= $1`, now)
	if err != nil {
		return 0, eris.Wrap(err, "ratelimit: purge expired")
	}
	return tag.RowsAffected(), nil
}
