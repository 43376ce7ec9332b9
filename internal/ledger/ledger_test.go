package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/qgate/internal/clock"
	"github.com/seantiz/qgate/internal/ledger"
	"github.com/seantiz/qgate/internal/model"
	"github.com/seantiz/qgate/internal/store"
)

func newLedger(t *testing.T, grant float64) *ledger.Ledger {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return ledger.New(s, grant, clock.NewFake(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)))
}

func TestGetOrCreateProvisionsOnce(t *testing.T) {
	l := newLedger(t, 5)
	ctx := context.Background()

	b, err := l.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5.0, b.Balance)

	b, err = l.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5.0, b.Balance)

	entries, err := l.Entries(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryGrant, entries[0].EntryType)
}

func TestChargeProvisionsAndDebits(t *testing.T) {
	l := newLedger(t, 2)
	ctx := context.Background()

	bal, err := l.Charge(ctx, "alice", 1, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, bal)

	bal, err = l.Charge(ctx, "alice", 1, "job-2")
	require.NoError(t, err)
	assert.Equal(t, 0.0, bal)

	_, err = l.Charge(ctx, "alice", 1, "job-3")
	var insufficient *ledger.InsufficientError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 1.0, insufficient.Needed)
	assert.Equal(t, 0.0, insufficient.Available)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientCredits))
}

func TestChargeZeroGrant(t *testing.T) {
	l := newLedger(t, 0)

	_, err := l.Charge(context.Background(), "alice", 1, "job-1")
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
}

func TestRefund(t *testing.T) {
	l := newLedger(t, 1)
	ctx := context.Background()

	_, err := l.Charge(ctx, "alice", 1, "job-1")
	require.NoError(t, err)

	bal, err := l.Refund(ctx, "alice", 1, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, bal)

	entries, err := l.Entries(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, model.EntryRefund, entries[0].EntryType)
	assert.Equal(t, "job-1", entries[0].JobID)
}

func TestConcurrentChargesNeverOverdraw(t *testing.T) {
	l := newLedger(t, 5)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		charged atomic.Int32
	)
	for range 20 {
		wg.Go(func() {
			_, err := l.Charge(ctx, "alice", 1, model.NewID())
			switch {
			case err == nil:
				charged.Add(1)
			case !errors.Is(err, ledger.ErrInsufficientCredits):
				t.Errorf("Charge: %v", err)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(5), charged.Load())
	b, err := l.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.Balance)
}
