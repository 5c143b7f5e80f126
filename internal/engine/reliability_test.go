package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/ratelimit"
	"go.uber.org/zap/zaptest"
)

func testOps(t *testing.T, dist RateChecker) *Ops {
	return NewOps(OpsConfig{
		OperationTimeout: 200 * time.Millisecond,
		Attempts:         3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		CBMaxRequests:    1,
		CBInterval:       time.Minute,
		CBTimeout:        time.Minute,
		CBMaxFailures:    2,
	}, dist, nil, zaptest.NewLogger(t))
}

func TestCallRetriesTransient(t *testing.T) {
	ops := testOps(t, nil)
	var calls int32
	err := ops.Call(context.Background(), "reddit_scraper", "fetch:a", func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &domain.TransientError{Op: "fetch", Cause: errors.New("connection reset")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
}

func TestCallDoesNotRetryValidation(t *testing.T) {
	ops := testOps(t, nil)
	var calls int32
	err := ops.Call(context.Background(), "analyzer", "analyze", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return &domain.ValidationError{Reason: "missing sentiment"}
	})
	var vErr *domain.ValidationError
	assert.True(t, errors.As(err, &vErr))
	assert.Equal(t, int32(1), calls)
}

func TestCallOpensBreaker(t *testing.T) {
	ops := testOps(t, nil)
	fail := func(context.Context) error { return errors.New("boom") }

	require.Error(t, ops.Call(context.Background(), "a", "fetch:b", fail))
	require.Error(t, ops.Call(context.Background(), "a", "fetch:b", fail))

	var called bool
	err := ops.Call(context.Background(), "a", "fetch:b", func(context.Context) error { called = true; return nil })
	var tErr *domain.TransientError
	require.True(t, errors.As(err, &tErr), "open breaker surfaces as transient: %v", err)
	assert.False(t, called)

	// Другие операции не затронуты
	assert.NoError(t, ops.Call(context.Background(), "a", "fetch:c", func(context.Context) error { return nil }))
}

type stubLimiter struct {
	rejections int32
	retryAfter time.Duration
	checks     int32
}

func (s *stubLimiter) Check(_ context.Context, _, _, tier string) error {
	atomic.AddInt32(&s.checks, 1)
	if atomic.AddInt32(&s.rejections, -1) >= 0 {
		return &domain.RateLimitError{Tier: tier, RetryAfter: s.retryAfter}
	}
	return nil
}

func TestCallWaitsOutRateLimit(t *testing.T) {
	// RetryAfter заметно больше MaxDelay (5ms): ожидание не режется
	lim := &stubLimiter{rejections: 2, retryAfter: 30 * time.Millisecond}
	ops := testOps(t, lim)
	var calls int32
	start := time.Now()
	require.NoError(t, ops.Call(context.Background(), "a", "fetch:d", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&lim.checks))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCallRateLimitBeyondDeadlineFailsFast(t *testing.T) {
	lim := &stubLimiter{rejections: 10, retryAfter: time.Second}
	ops := testOps(t, lim)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := ops.Call(ctx, "a", "fetch:e", func(context.Context) error { return nil })
	var rlErr *domain.RateLimitError
	require.True(t, errors.As(err, &rlErr), "got %v", err)
	assert.Equal(t, ratelimit.TierAgent, rlErr.Tier)
	assert.Equal(t, int32(1), atomic.LoadInt32(&lim.checks))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestCallCapsBackoffAtMaxDelay(t *testing.T) {
	ops := NewOps(OpsConfig{
		OperationTimeout: 200 * time.Millisecond,
		Attempts:         4,
		BaseDelay:        50 * time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
	}, nil, nil, zaptest.NewLogger(t))

	var calls int32
	start := time.Now()
	err := ops.Call(context.Background(), "a", "fetch:f", func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 4 {
			return &domain.TransientError{Op: "fetch", Cause: errors.New("503")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls)
	// Без потолка бэкофф дал бы 50+100+200ms
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestCallHonorsJobDeadline(t *testing.T) {
	ops := testOps(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ops.Call(ctx, "a", "analyze", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, domain.ErrTimeout)
}
