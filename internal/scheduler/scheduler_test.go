package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-platform/bifrost/internal/cache"
)

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New("redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestScheduler_AcquiresLeadershipAndRunsJobs(t *testing.T) {
	cacheClient := newTestCache(t)
	s, err := New(cacheClient, "test-owner", nil)
	require.NoError(t, err)

	var runs atomic.Int64
	require.NoError(t, s.Register(Job{
		Name:     "tick",
		Interval: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = s.Stop()
	})

	require.Eventually(t, func() bool { return s.IsLeader() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_SecondInstanceDoesNotAcquireWhileFirstHoldsLock(t *testing.T) {
	cacheClient := newTestCache(t)
	first, err := New(cacheClient, "owner-a", nil)
	require.NoError(t, err)
	second, err := New(cacheClient, "owner-b", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	first.Start(ctx)
	t.Cleanup(func() { _ = first.Stop() })
	require.Eventually(t, func() bool { return first.IsLeader() }, time.Second, 5*time.Millisecond)

	second.Start(ctx)
	t.Cleanup(func() { _ = second.Stop() })

	time.Sleep(50 * time.Millisecond)
	assert.False(t, second.IsLeader())
}

func TestScheduler_Stats(t *testing.T) {
	cacheClient := newTestCache(t)
	s, err := New(cacheClient, "owner", nil)
	require.NoError(t, err)
	stats := s.Stats()
	assert.Equal(t, int64(0), stats.RunsCompleted)
	assert.False(t, stats.IsLeader)
}
