// Package postgres provides a PostgreSQL-backed quota.Tracker for
// deployments where several gateway instances must share daily counters.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seantiz/qgate/internal/clock"
	"github.com/seantiz/qgate/internal/model"
	"github.com/seantiz/qgate/internal/quota"
)

// Tracker is a PostgreSQL-backed quota.Tracker.
type Tracker struct {
	pool        *pgxpool.Pool
	limits      quota.Limits
	clock       clock.Clock
	tablePrefix string
}

var _ quota.Tracker = (*Tracker)(nil)

// Option configures Tracker.
type Option func(*Tracker)

// WithTablePrefix sets the table name prefix (default "qgate_").
func WithTablePrefix(prefix string) Option {
	return func(t *Tracker) { t.tablePrefix = prefix }
}

// WithClock overrides the clock used for daily rollover.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// New creates a tracker that provisions identities with limits.
func New(pool *pgxpool.Pool, limits quota.Limits, opts ...Option) *Tracker {
	t := &Tracker{
		pool:        pool,
		limits:      limits,
		clock:       clock.Real{},
		tablePrefix: "qgate_",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) table() string { return t.tablePrefix + "daily_quotas" }

// EnsureSchema creates the quota table if it doesn't exist.
func (t *Tracker) EnsureSchema(ctx context.Context) error {
	_, err := t.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			owner_id TEXT PRIMARY KEY,
			last_reset_date DATE NOT NULL,
			jobs_submitted_today INTEGER NOT NULL DEFAULT 0,
			cost_spent_today DOUBLE PRECISION NOT NULL DEFAULT 0,
			daily_job_limit INTEGER NOT NULL,
			daily_cost_limit DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, t.table()))
	if err != nil {
		return fmt.Errorf("quota/postgres: ensure schema: %w", err)
	}
	return nil
}

// Reserve provisions, rolls over and increments the owner's counters in
// one transaction.
func (t *Tracker) Reserve(ctx context.Context, owner string, cost float64) error {
	now := t.clock.Now().UTC()
	today := quota.Today(now)

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("quota/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := t.ensure(ctx, tx, owner, today, now); err != nil {
		return err
	}

	// Lazy daily reset.
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET last_reset_date = $1, jobs_submitted_today = 0,
			cost_spent_today = 0, updated_at = $2
			WHERE owner_id = $3 AND last_reset_date <> $1`, t.table()),
		today, now, owner,
	); err != nil {
		return fmt.Errorf("quota/postgres: daily reset: %w", err)
	}

	var reserved bool
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET
			jobs_submitted_today = jobs_submitted_today + 1,
			cost_spent_today = cost_spent_today + $1,
			updated_at = $2
			WHERE owner_id = $3
				AND jobs_submitted_today + 1 <= daily_job_limit
				AND cost_spent_today + $1 <= daily_cost_limit + 1e-9
			RETURNING true`, t.table()),
		cost, now, owner,
	).Scan(&reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		q, err := t.read(ctx, tx, owner)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("quota/postgres: commit reset: %w", err)
		}
		return &quota.ExceededError{Reason: quota.Reason(*q), Quota: *q}
	}
	if err != nil {
		return fmt.Errorf("quota/postgres: reserve: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("quota/postgres: commit: %w", err)
	}
	return nil
}

// Usage returns the owner's counters as of today.
func (t *Tracker) Usage(ctx context.Context, owner string) (*model.DailyQuota, error) {
	now := t.clock.Now().UTC()
	today := quota.Today(now)

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := t.ensure(ctx, tx, owner, today, now); err != nil {
		return nil, err
	}
	q, err := t.read(ctx, tx, owner)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("quota/postgres: commit: %w", err)
	}
	if q.LastResetDate != today {
		q.LastResetDate = today
		q.JobsSubmittedToday = 0
		q.CostSpentToday = 0
	}
	return q, nil
}

func (t *Tracker) ensure(ctx context.Context, tx pgx.Tx, owner, today string, now time.Time) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (owner_id, last_reset_date, daily_job_limit, daily_cost_limit, updated_at)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT (owner_id) DO NOTHING`, t.table()),
		owner, today, t.limits.DailyJobLimit, t.limits.DailyCostLimit, now,
	)
	if err != nil {
		return fmt.Errorf("quota/postgres: ensure quota: %w", err)
	}
	return nil
}

func (t *Tracker) read(ctx context.Context, tx pgx.Tx, owner string) (*model.DailyQuota, error) {
	q := &model.DailyQuota{}
	var resetDate time.Time
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT owner_id, last_reset_date, jobs_submitted_today, cost_spent_today,
			daily_job_limit, daily_cost_limit, updated_at FROM %s WHERE owner_id = $1`, t.table()),
		owner,
	).Scan(&q.OwnerID, &resetDate, &q.JobsSubmittedToday, &q.CostSpentToday,
		&q.DailyJobLimit, &q.DailyCostLimit, &q.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("quota/postgres: read quota: %w", err)
	}
	q.LastResetDate = quota.Today(resetDate)
	return q, nil
}
