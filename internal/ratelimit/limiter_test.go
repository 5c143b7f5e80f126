package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/infra"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func newLimiter(t *testing.T, tiers map[string]Tier) (*Limiter, *fakeClock, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	return New(rdb, tiers, prometheus.NewRegistry()).WithClock(clock.Now), clock, mr
}

func TestSixthCallRejectedThenNextWindowAllowed(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newLimiter(t, map[string]Tier{TierTrigger: {Limit: 5, Window: time.Minute}})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(ctx, "alice", "trigger:analyzer", TierTrigger), "call %d", i+1)
	}

	clock.Advance(20 * time.Second)
	err := l.Check(ctx, "alice", "trigger:analyzer", TierTrigger)
	var rl *domain.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, TierTrigger, rl.Tier)
	assert.Equal(t, 40*time.Second, rl.RetryAfter)
	assert.Equal(t, 1.0, counterValue(t, l.rejected.WithLabelValues(TierTrigger)))

	// Другой субъект и другой ресурс считаются отдельно
	assert.NoError(t, l.Check(ctx, "bob", "trigger:analyzer", TierTrigger))
	assert.NoError(t, l.Check(ctx, "alice", "trigger:reddit_scraper", TierTrigger))

	clock.Advance(rl.RetryAfter)
	assert.NoError(t, l.Check(ctx, "alice", "trigger:analyzer", TierTrigger))
}

func TestUnknownTier(t *testing.T) {
	l, _, _ := newLimiter(t, map[string]Tier{TierAdmin: {Limit: 1, Window: time.Second}})
	err := l.Check(context.Background(), "alice", "pause", "vip")
	require.Error(t, err)
	var rl *domain.RateLimitError
	assert.False(t, errors.As(err, &rl))
}

func TestCounterKeyExpires(t *testing.T) {
	l, clock, mr := newLimiter(t, map[string]Tier{TierAdmin: {Limit: 3, Window: time.Minute}})
	require.NoError(t, l.Check(context.Background(), "alice", "pause", TierAdmin))

	key := infra.RateLimitKey(TierAdmin, "alice", "pause", clock.Now().UnixMilli()/time.Minute.Milliseconds())
	require.True(t, mr.Exists(key))
	assert.Positive(t, mr.TTL(key))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(key))
}

// Внутри одного окна допускается ровно limit вызовов, остальные отклоняются с retry_after ≤ window.
func TestLimitProperty(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	iteration := 0
	rapid.Check(t, func(rt *rapid.T) {
		iteration++
		limit := rapid.Int64Range(1, 10).Draw(rt, "limit")
		calls := rapid.IntRange(1, 25).Draw(rt, "calls")
		window := time.Duration(rapid.IntRange(1, 120).Draw(rt, "window_s")) * time.Second
		offset := time.Duration(rapid.Int64Range(0, int64(window)-1).Draw(rt, "offset"))

		now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).Add(offset)
		l := New(rdb, map[string]Tier{TierAgent: {Limit: limit, Window: window}}, prometheus.NewRegistry()).
			WithClock(func() time.Time { return now })
		subject := fmt.Sprintf("s%d", iteration)

		allowed := int64(0)
		for i := 0; i < calls; i++ {
			err := l.Check(context.Background(), subject, "fetch", TierAgent)
			if err == nil {
				allowed++
				continue
			}
			var rl *domain.RateLimitError
			if !errors.As(err, &rl) {
				rt.Fatalf("unexpected error: %v", err)
			}
			if rl.RetryAfter <= 0 || rl.RetryAfter > window {
				rt.Fatalf("retry_after %v outside (0, %v]", rl.RetryAfter, window)
			}
		}
		want := int64(calls)
		if want > limit {
			want = limit
		}
		if allowed != want {
			rt.Fatalf("allowed %d, want %d", allowed, want)
		}
	})
}
