package quota_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/qgate/internal/clock"
	"github.com/seantiz/qgate/internal/model"
	"github.com/seantiz/qgate/internal/quota"
	"github.com/seantiz/qgate/internal/store"
)

func newTracker(t *testing.T, limits quota.Limits, clk clock.Clock) *quota.StoreTracker {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return quota.NewStoreTracker(s, limits, clk)
}

func TestReserveJobLimit(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	tr := newTracker(t, quota.Limits{DailyJobLimit: 2, DailyCostLimit: 100}, clk)
	ctx := context.Background()

	require.NoError(t, tr.Reserve(ctx, "alice", 1))
	require.NoError(t, tr.Reserve(ctx, "alice", 1))

	err := tr.Reserve(ctx, "alice", 1)
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quota.ReasonDailyJobLimit, exceeded.Reason)
	assert.True(t, errors.Is(err, quota.ErrExceeded))

	u, err := tr.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, u.JobsSubmittedToday)
	assert.Equal(t, 2.0, u.CostSpentToday)
}

func TestReserveCostLimit(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	tr := newTracker(t, quota.Limits{DailyJobLimit: 100, DailyCostLimit: 1.0}, clk)
	ctx := context.Background()

	require.NoError(t, tr.Reserve(ctx, "alice", 0.6))

	err := tr.Reserve(ctx, "alice", 0.6)
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quota.ReasonDailyCostLimit, exceeded.Reason)

	// Exactly reaching the limit is allowed.
	require.NoError(t, tr.Reserve(ctx, "alice", 0.4))
}

func TestReserveRollsOverAtUTCMidnight(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 17, 23, 59, 0, 0, time.UTC))
	tr := newTracker(t, quota.Limits{DailyJobLimit: 1, DailyCostLimit: 10}, clk)
	ctx := context.Background()

	require.NoError(t, tr.Reserve(ctx, "alice", 1))
	require.Error(t, tr.Reserve(ctx, "alice", 1))

	clk.Advance(2 * time.Minute)
	u, err := tr.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-18", u.LastResetDate)
	assert.Zero(t, u.JobsSubmittedToday)

	require.NoError(t, tr.Reserve(ctx, "alice", 1))
}

func TestIdentitiesIndependent(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	tr := newTracker(t, quota.Limits{DailyJobLimit: 1, DailyCostLimit: 10}, clk)
	ctx := context.Background()

	require.NoError(t, tr.Reserve(ctx, "alice", 1))
	require.NoError(t, tr.Reserve(ctx, "bob", 1))
}

func TestReason(t *testing.T) {
	assert.Equal(t, quota.ReasonDailyJobLimit,
		quota.Reason(model.DailyQuota{JobsSubmittedToday: 5, DailyJobLimit: 5, DailyCostLimit: 10}))
	assert.Equal(t, quota.ReasonDailyCostLimit,
		quota.Reason(model.DailyQuota{JobsSubmittedToday: 1, DailyJobLimit: 5, CostSpentToday: 10, DailyCostLimit: 10}))
}

func TestToday(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	assert.Equal(t, "2026-10-17", quota.Today(time.Date(2026, 10, 18, 8, 0, 0, 0, loc)))
}
