package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var allStatuses = []ExecStatus{ExecQueued, ExecRunning, ExecSucceeded, ExecFailed, ExecSkipped}

func TestCanTransitionTo_AllowedPaths(t *testing.T) {
	assert.NoError(t, ExecQueued.CanTransitionTo(ExecRunning))
	assert.NoError(t, ExecQueued.CanTransitionTo(ExecSkipped))
	assert.NoError(t, ExecRunning.CanTransitionTo(ExecSucceeded))
	assert.NoError(t, ExecRunning.CanTransitionTo(ExecFailed))

	assert.ErrorIs(t, ExecQueued.CanTransitionTo(ExecSucceeded), ErrInvalidTransition)
	assert.ErrorIs(t, ExecRunning.CanTransitionTo(ExecSkipped), ErrInvalidTransition)
	assert.ErrorIs(t, ExecRunning.CanTransitionTo(ExecQueued), ErrInvalidTransition)
}

// Терминальный статус никогда не переоткрывается.
func TestCanTransitionTo_TerminalIsFinal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom([]ExecStatus{ExecSucceeded, ExecFailed, ExecSkipped}).Draw(t, "from")
		to := rapid.SampledFrom(allStatuses).Draw(t, "to")
		if err := from.CanTransitionTo(to); !errors.Is(err, ErrAlreadyFinalized) {
			t.Fatalf("%s -> %s: expected ErrAlreadyFinalized, got %v", from, to, err)
		}
	})
}

// Любая допустимая цепочка переходов монотонна: ни один статус не повторяется.
func TestCanTransitionTo_Monotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cur := ExecQueued
		seen := map[ExecStatus]bool{cur: true}
		steps := rapid.SliceOfN(rapid.SampledFrom(allStatuses), 1, 6).Draw(t, "steps")
		for _, next := range steps {
			if cur.CanTransitionTo(next) != nil {
				continue
			}
			if seen[next] {
				t.Fatalf("status %s reached twice", next)
			}
			seen[next] = true
			cur = next
		}
	})
}

func TestFinalizationApply(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	rec := &ExecutionRecord{ID: "j1", AgentID: "analyzer", Status: ExecRunning, StartedAt: start}

	Finalization{
		Status:       ExecFailed,
		CompletedAt:  start.Add(1500 * time.Millisecond),
		Result:       JobResult{ItemsProcessed: 3, ItemsFailed: 1, CostUSD: 0.25},
		ErrorMessage: "timeout: analyze",
	}.Apply(rec)

	require.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.DurationMs)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, ExecFailed, rec.Status)
	assert.Equal(t, int64(1500), *rec.DurationMs)
	assert.Equal(t, 3, rec.ItemsProcessed)
	assert.Equal(t, 1, rec.ItemsFailed)
	assert.InDelta(t, 0.25, rec.CostUSD, 1e-9)
	assert.Equal(t, "timeout: analyze", *rec.ErrorMessage)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&TransientError{Op: "fetch", Cause: errors.New("conn reset")}))
	assert.True(t, IsRetryable(&RateLimitError{Tier: "agent", RetryAfter: time.Second}))
	assert.False(t, IsRetryable(&ValidationError{Reason: "bad json"}))
	assert.False(t, IsRetryable(ErrTimeout))
	assert.False(t, IsRetryable(nil))
}
