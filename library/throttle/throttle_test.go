package throttle

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMemoryLimiterSlidingWindow verifies hits expire as the window slides.
func TestMemoryLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewMemoryLimiter(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := limiter.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
		now = now.Add(10 * time.Second)
	}

	decision, err := limiter.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, 30*time.Second, decision.RetryAfter)

	other, err := limiter.Allow(ctx, "ip:5.6.7.8", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, other.Allowed)

	now = now.Add(31 * time.Second)
	decision, err = limiter.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

// TestMemoryLimiterRejectsInvalidArgs verifies non-positive limits are errors.
func TestMemoryLimiterRejectsInvalidArgs(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	_, err := limiter.Allow(context.Background(), "k", 0, time.Minute)
	require.Error(t, err)
}

// TestMemoryLimiterSweep verifies idle keys are released.
func TestMemoryLimiterSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewMemoryLimiter(func() time.Time { return now })

	_, err := limiter.Allow(context.Background(), "user:u1", 5, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	limiter.Sweep(time.Minute)
	require.Empty(t, limiter.hits)
}

// TestMemoryLimiterRunSweeper verifies the background sweeper keeps the key
// set bounded as distinct clients come and go, and stops with its context.
func TestMemoryLimiterRunSweeper(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	limiter := NewMemoryLimiter(func() time.Time { return time.Unix(0, now.Load()).UTC() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		limiter.RunSweeper(ctx, 5*time.Millisecond, time.Minute)
	}()

	for i := 0; i < 100; i++ {
		_, err := limiter.Allow(context.Background(), fmt.Sprintf("ip:10.0.0.%d", i), 5, time.Minute)
		require.NoError(t, err)
	}
	require.Equal(t, 100, limiter.keys())

	now.Add(int64(2 * time.Minute))
	require.Eventually(t, func() bool { return limiter.keys() == 0 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
