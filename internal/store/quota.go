package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/qgate/internal/model"
)

const quotaColumns = `owner_id, last_reset_date, jobs_submitted_today, cost_spent_today,
	daily_job_limit, daily_cost_limit, updated_at`

func scanQuota(sc rowScanner) (*model.DailyQuota, error) {
	q := &model.DailyQuota{}
	err := sc.Scan(&q.OwnerID, &q.LastResetDate, &q.JobsSubmittedToday, &q.CostSpentToday,
		&q.DailyJobLimit, &q.DailyCostLimit, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// EnsureQuota creates the owner's quota row from q unless it already exists.
func (s *SQLiteStore) EnsureQuota(ctx context.Context, q model.DailyQuota) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_quotas (`+quotaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO NOTHING`,
		q.OwnerID, q.LastResetDate, q.JobsSubmittedToday, q.CostSpentToday,
		q.DailyJobLimit, q.DailyCostLimit, q.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert quota: %w", err)
	}
	return nil
}

// GetQuota returns the owner's quota row as stored, without rollover.
func (s *SQLiteStore) GetQuota(ctx context.Context, ownerID string) (*model.DailyQuota, error) {
	q, err := scanQuota(s.db.QueryRowContext(ctx,
		`SELECT `+quotaColumns+` FROM daily_quotas WHERE owner_id = ?`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return q, nil
}

// ReserveQuota rolls the owner's counters over when today differs from the
// stored reset date, then counts one job and cost against them. Both steps
// run in one transaction and the increment is conditional on the limits, so
// concurrent reservations cannot overshoot. When a limit would be exceeded
// the counters are left unchanged and the current row is returned together
// with ErrLimitReached.
func (s *SQLiteStore) ReserveQuota(ctx context.Context, ownerID, today string, cost float64, now time.Time) (*model.DailyQuota, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE daily_quotas SET last_reset_date = ?, jobs_submitted_today = 0,
			cost_spent_today = 0, updated_at = ?
		WHERE owner_id = ? AND last_reset_date <> ?`,
		today, now, ownerID, today,
	); err != nil {
		return nil, fmt.Errorf("reset quota: %w", err)
	}

	q, err := scanQuota(tx.QueryRowContext(ctx,
		`UPDATE daily_quotas SET
			jobs_submitted_today = jobs_submitted_today + 1,
			cost_spent_today = cost_spent_today + ?,
			updated_at = ?
		WHERE owner_id = ?
			AND jobs_submitted_today + 1 <= daily_job_limit
			AND cost_spent_today + ? <= daily_cost_limit + ?
		RETURNING `+quotaColumns,
		cost, now, ownerID, cost, epsilon,
	))
	if errors.Is(err, sql.ErrNoRows) {
		current, err := scanQuota(tx.QueryRowContext(ctx,
			`SELECT `+quotaColumns+` FROM daily_quotas WHERE owner_id = ?`, ownerID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get quota: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit quota reset: %w", err)
		}
		return current, ErrLimitReached
	}
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit quota: %w", err)
	}
	return q, nil
}
