package ratelimit_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/qgate/internal/clock"
	"github.com/seantiz/qgate/internal/ratelimit"
)

var epoch = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func TestMemoryAllowsUpToLimit(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := ratelimit.NewMemory(3, time.Minute, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, retry, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i)
		assert.Zero(t, retry)
		clk.Advance(10 * time.Second)
	}

	ok, retry, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
	// Oldest event at epoch leaves the window at epoch+60s; now is epoch+30s.
	assert.Equal(t, 30, retry)
}

func TestMemoryRetryAfterIsSufficient(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := ratelimit.NewMemory(1, time.Minute, clk)
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx, "alice")
	require.True(t, ok)

	clk.Advance(12500 * time.Millisecond)
	ok, retry, _ := l.Allow(ctx, "alice")
	require.False(t, ok)
	assert.Equal(t, 48, retry)

	clk.Advance(time.Duration(retry) * time.Second)
	ok, _, _ = l.Allow(ctx, "alice")
	assert.True(t, ok, "call after retry_after seconds must succeed")
}

func TestMemoryExactBoundaryEvicts(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := ratelimit.NewMemory(1, time.Minute, clk)
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx, "alice")
	require.True(t, ok)

	clk.Advance(time.Minute)
	ok, _, _ = l.Allow(ctx, "alice")
	assert.True(t, ok)
}

func TestMemoryRejectionsDoNotConsume(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := ratelimit.NewMemory(1, time.Minute, clk)
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx, "alice")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		ok, _, _ = l.Allow(ctx, "alice")
		require.False(t, ok)
	}

	clk.Set(epoch.Add(time.Minute))
	ok, _, _ = l.Allow(ctx, "alice")
	assert.True(t, ok)
}

func TestMemoryKeysIndependent(t *testing.T) {
	l := ratelimit.NewMemory(1, time.Minute, clock.NewFake(epoch))
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx, "alice")
	assert.True(t, ok)
	ok, _, _ = l.Allow(ctx, "bob")
	assert.True(t, ok)
	ok, _, _ = l.Allow(ctx, "alice")
	assert.False(t, ok)
}

func TestMemoryConcurrentNeverExceedsLimit(t *testing.T) {
	l := ratelimit.NewMemory(10, time.Minute, clock.NewFake(epoch))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for range 100 {
		wg.Go(func() {
			if ok, _, _ := l.Allow(ctx, "alice"); ok {
				allowed.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
}

func TestMemorySlidingCompaction(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := ratelimit.NewMemory(5, 10*time.Second, clk)
	ctx := context.Background()

	// Steady traffic below the limit is always admitted while old entries
	// slide out of the window.
	for i := 0; i < 1000; i++ {
		ok, _, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		require.True(t, ok, "call %d", i)
		clk.Advance(2500 * time.Millisecond)
	}
}

func TestMemoryDropsExpiredKeys(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := ratelimit.NewMemory(1, time.Minute, clk)
	ctx := context.Background()

	for i := 0; i < 1024; i++ {
		_, _, err := l.Allow(ctx, fmt.Sprintf("anon-%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, 1024, l.Keys())

	clk.Advance(time.Minute)
	ok, _, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, l.Keys())

	// A key still inside its window survives a sweep.
	clk.Advance(time.Second)
	for i := 0; i < 1024; i++ {
		_, _, err := l.Allow(ctx, fmt.Sprintf("late-%d", i))
		require.NoError(t, err)
	}
	ok, _, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 1, ratelimit.RetryAfter(0))
	assert.Equal(t, 1, ratelimit.RetryAfter(-time.Second))
	assert.Equal(t, 1, ratelimit.RetryAfter(time.Millisecond))
	assert.Equal(t, 2, ratelimit.RetryAfter(1001*time.Millisecond))
	assert.Equal(t, 60, ratelimit.RetryAfter(time.Minute))
}
