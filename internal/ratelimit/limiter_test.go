package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewLimiter(NewMemoryStore(), DefaultConfig())
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestAdmit_LazyCreateStartsFull(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := Config{Capacity: 5, RefillPerSec: 1}

	for i := 0; i < 5; i++ {
		ok, err := l.Admit(ctx, "user:u1:agent:clo", 1, cfg)
		require.NoError(t, err)
		require.True(t, ok, "admit %d should succeed on a fresh bucket", i)
	}
	ok, err := l.Admit(ctx, "user:u1:agent:clo", 1, cfg)
	require.NoError(t, err)
	require.False(t, ok, "sixth admit should be denied")
}

func TestRefillFormula(t *testing.T) {
	l, now := newTestLimiter(t)
	ctx := context.Background()
	cfg := Config{Capacity: 10, RefillPerSec: 2}

	// Drain the bucket.
	ok, err := l.Admit(ctx, "user:u1:agent:quiz", 10, cfg)
	require.NoError(t, err)
	require.True(t, ok)

	// After 3 idle seconds: tokens = min(10, 0 + 2*3) = 6.
	*now = now.Add(3 * time.Second)
	b, err := l.Status(ctx, "user:u1:agent:quiz", cfg)
	require.NoError(t, err)
	require.InDelta(t, 6.0, b.Tokens, 1e-9)

	// After a long idle stretch the bucket caps at capacity.
	*now = now.Add(time.Hour)
	b, err = l.Status(ctx, "user:u1:agent:quiz", cfg)
	require.NoError(t, err)
	require.InDelta(t, 10.0, b.Tokens, 1e-9)
}

func TestDenyLeavesTokensUnchanged(t *testing.T) {
	l, now := newTestLimiter(t)
	ctx := context.Background()
	cfg := Config{Capacity: 10, RefillPerSec: 1}

	ok, err := l.Admit(ctx, "user:u2:agent:lecture", 9, cfg)
	require.NoError(t, err)
	require.True(t, ok)

	// 1 token left; asking for 5 must deny and leave the balance alone
	// (refill still applies: +2 over two seconds).
	*now = now.Add(2 * time.Second)
	ok, err = l.Admit(ctx, "user:u2:agent:lecture", 5, cfg)
	require.NoError(t, err)
	require.False(t, ok)

	b, err := l.Status(ctx, "user:u2:agent:lecture", cfg)
	require.NoError(t, err)
	require.InDelta(t, 3.0, b.Tokens, 1e-9)
}

func TestConcurrentAdmit_LastToken(t *testing.T) {
	store := NewMemoryStore()
	l := NewLimiter(store, DefaultConfig())
	ctx := context.Background()
	cfg := Config{Capacity: 100, RefillPerSec: 0.000001}

	// Leave exactly one token.
	ok, err := l.Admit(ctx, "user:u3:agent:grader", 99, cfg)
	require.NoError(t, err)
	require.True(t, ok)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Admit(ctx, "user:u3:agent:grader", 1, cfg)
			if err != nil {
				t.Error(err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	require.Equal(t, 1, admitted, "exactly one concurrent admit may win the last token")
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := Config{Capacity: 4, RefillPerSec: 0.001}

	ok, err := l.Admit(ctx, "global:agent:reflection", 4, cfg)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Admit(ctx, "global:agent:reflection", 1, cfg)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Reset(ctx, "global:agent:reflection", cfg))
	ok, err = l.Admit(ctx, "global:agent:reflection", 4, cfg)
	require.NoError(t, err)
	require.True(t, ok, "reset should refill to capacity")
}

func TestPerMinute(t *testing.T) {
	cfg := PerMinute(6)
	require.InDelta(t, 6.0, cfg.Capacity, 1e-9)
	require.InDelta(t, 0.1, cfg.RefillPerSec, 1e-9)
}
