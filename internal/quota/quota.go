// Package quota enforces per-identity daily job-count and cost limits.
// Counters reset lazily: the first reservation on a new UTC day clears them.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/qgate/internal/clock"
	"github.com/seantiz/qgate/internal/model"
	"github.com/seantiz/qgate/internal/store"
)

// Rejection reasons carried by ExceededError.
const (
	ReasonDailyJobLimit  = "daily_job_limit"
	ReasonDailyCostLimit = "daily_cost_limit"
)

// ErrExceeded is matched by every ExceededError.
var ErrExceeded = errors.New("daily quota exceeded")

// ExceededError reports which daily limit a reservation would break.
type ExceededError struct {
	Reason string
	Quota  model.DailyQuota
}

func (e *ExceededError) Error() string {
	switch e.Reason {
	case ReasonDailyJobLimit:
		return fmt.Sprintf("daily job limit of %d reached", e.Quota.DailyJobLimit)
	default:
		return fmt.Sprintf("daily cost limit of %.4f reached", e.Quota.DailyCostLimit)
	}
}

func (e *ExceededError) Unwrap() error { return ErrExceeded }

// Limits are the daily limits applied to identities on first sight.
type Limits struct {
	DailyJobLimit  int
	DailyCostLimit float64
}

// Tracker reserves daily quota for submissions.
type Tracker interface {
	// Reserve counts one job costing cost against owner's daily limits,
	// or returns an *ExceededError and leaves the counters unchanged.
	Reserve(ctx context.Context, owner string, cost float64) error

	// Usage returns owner's counters as of today.
	Usage(ctx context.Context, owner string) (*model.DailyQuota, error)
}

// Today returns the UTC calendar date of t in time.DateOnly form.
func Today(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// Reason picks the limit a rejected reservation ran into, given the counters
// it was checked against. The job count is checked first.
func Reason(q model.DailyQuota) string {
	if q.JobsSubmittedToday+1 > q.DailyJobLimit {
		return ReasonDailyJobLimit
	}
	return ReasonDailyCostLimit
}

// StoreTracker keeps quota counters in the gateway's own database.
type StoreTracker struct {
	store  store.QuotaStore
	limits Limits
	clock  clock.Clock
}

var _ Tracker = (*StoreTracker)(nil)

// NewStoreTracker creates a tracker over s.
func NewStoreTracker(s store.QuotaStore, limits Limits, c clock.Clock) *StoreTracker {
	return &StoreTracker{store: s, limits: limits, clock: c}
}

func (t *StoreTracker) Reserve(ctx context.Context, owner string, cost float64) error {
	now := t.clock.Now()
	today := Today(now)
	if err := t.ensure(ctx, owner, today, now); err != nil {
		return err
	}

	q, err := t.store.ReserveQuota(ctx, owner, today, cost, now)
	if errors.Is(err, store.ErrLimitReached) {
		return &ExceededError{Reason: Reason(*q), Quota: *q}
	}
	if err != nil {
		return fmt.Errorf("reserve quota: %w", err)
	}
	return nil
}

func (t *StoreTracker) Usage(ctx context.Context, owner string) (*model.DailyQuota, error) {
	now := t.clock.Now()
	today := Today(now)
	if err := t.ensure(ctx, owner, today, now); err != nil {
		return nil, err
	}
	q, err := t.store.GetQuota(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return rolledOver(q, today), nil
}

func (t *StoreTracker) ensure(ctx context.Context, owner, today string, now time.Time) error {
	err := t.store.EnsureQuota(ctx, model.DailyQuota{
		OwnerID:        owner,
		LastResetDate:  today,
		DailyJobLimit:  t.limits.DailyJobLimit,
		DailyCostLimit: t.limits.DailyCostLimit,
		UpdatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("ensure quota: %w", err)
	}
	return nil
}

// rolledOver presents a stale row as it will look after today's reset.
func rolledOver(q *model.DailyQuota, today string) *model.DailyQuota {
	if q.LastResetDate == today {
		return q
	}
	out := *q
	out.LastResetDate = today
	out.JobsSubmittedToday = 0
	out.CostSpentToday = 0
	return &out
}
