package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/intel-pipeline/internal/domain"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewExecutionRepo()

	require.NoError(t, r.Create(ctx, domain.ExecutionRecord{ID: "j1", AgentID: "analyzer", Status: domain.ExecQueued, StartedAt: t0}))
	assert.Error(t, r.Create(ctx, domain.ExecutionRecord{ID: "j1", AgentID: "analyzer", Status: domain.ExecQueued}))

	// queued → succeeded напрямую запрещено
	err := r.Finalize(ctx, "j1", domain.Finalization{Status: domain.ExecSucceeded, CompletedAt: t0})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, r.MarkRunning(ctx, "j1", t0.Add(time.Second)))
	require.NoError(t, r.Finalize(ctx, "j1", domain.Finalization{
		Status:      domain.ExecSucceeded,
		CompletedAt: t0.Add(3 * time.Second),
		Result:      domain.JobResult{ItemsProcessed: 7, CostUSD: 0.5},
	}))

	rec, err := r.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecSucceeded, rec.Status)
	assert.Equal(t, int64(2000), *rec.DurationMs)
	assert.Equal(t, 7, rec.ItemsProcessed)

	// Терминальный статус не переоткрывается
	err = r.Finalize(ctx, "j1", domain.Finalization{Status: domain.ExecFailed, CompletedAt: t0})
	assert.ErrorIs(t, err, domain.ErrAlreadyFinalized)
	assert.ErrorIs(t, r.MarkRunning(ctx, "missing", t0), domain.ErrNotFound)
}

func TestRecentAndSummary(t *testing.T) {
	ctx := context.Background()
	r := NewExecutionRepo()
	add := func(id, agent string, at time.Time, cost float64) {
		require.NoError(t, r.Create(ctx, domain.ExecutionRecord{ID: id, AgentID: agent, Status: domain.ExecSkipped, StartedAt: at, CostUSD: cost}))
	}
	add("a1", "analyzer", t0, 1)
	add("r1", "reddit_scraper", t0.Add(time.Minute), 0.25)
	add("a2", "analyzer", t0.Add(2*time.Minute), 2)
	add("old", "analyzer", t0.Add(-48*time.Hour), 100)

	recent, err := r.Recent(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "a2", recent[0].ID)
	assert.Equal(t, "r1", recent[1].ID)

	mine, err := r.Recent(ctx, "analyzer", 10)
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, []string{"a2", "a1", "old"}, []string{mine[0].ID, mine[1].ID, mine[2].ID})

	cost, err := r.SumCost(ctx, t0)
	require.NoError(t, err)
	assert.InDelta(t, 3.25, cost, 1e-9)

	sum, err := r.Summary(ctx, t0, 3)
	require.NoError(t, err)
	assert.Len(t, sum.Recent, 3)
	assert.Equal(t, "a2", sum.LastRuns["analyzer"].ID)
	assert.Equal(t, "r1", sum.LastRuns["reddit_scraper"].ID)
	assert.InDelta(t, 3.0, sum.CostByAgent["analyzer"], 1e-9)
	assert.InDelta(t, 3.25, sum.TotalCost(), 1e-9)
	// Recent не агрегирует: считаются только SumCost и Summary
	assert.Equal(t, 2, r.Queries())
}

func TestAbandonStale(t *testing.T) {
	ctx := context.Background()
	r := NewExecutionRepo()
	require.NoError(t, r.Create(ctx, domain.ExecutionRecord{ID: "q", AgentID: "analyzer", Status: domain.ExecQueued, StartedAt: t0}))
	require.NoError(t, r.Create(ctx, domain.ExecutionRecord{ID: "run", AgentID: "analyzer", Status: domain.ExecQueued, StartedAt: t0}))
	require.NoError(t, r.MarkRunning(ctx, "run", t0))
	require.NoError(t, r.Create(ctx, domain.ExecutionRecord{ID: "done", AgentID: "analyzer", Status: domain.ExecSkipped, StartedAt: t0}))
	require.NoError(t, r.Create(ctx, domain.ExecutionRecord{ID: "other", AgentID: "reddit_scraper", Status: domain.ExecQueued, StartedAt: t0}))

	n, err := r.AbandonStale(ctx, "analyzer", t0.Add(time.Minute), "abandoned")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := r.Get(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "abandoned", *rec.ErrorMessage)

	rec, err = r.Get(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecSkipped, rec.Status)

	rec, err = r.Get(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecQueued, rec.Status, "other agents are untouched")
}

func TestAuditList(t *testing.T) {
	ctx := context.Background()
	r := NewAuditRepo()
	job := "j9"
	require.NoError(t, r.Record(ctx, domain.AdminActionAudit{ID: "1", AdminID: "alice", Action: domain.ActionPause, TargetAgent: "analyzer"}))
	require.NoError(t, r.Record(ctx, domain.AdminActionAudit{ID: "2", AdminID: "bob", Action: domain.ActionTrigger, TargetAgent: "reddit_scraper", ResultingJobID: &job}))
	require.NoError(t, r.Record(ctx, domain.AdminActionAudit{ID: "3", AdminID: "alice", Action: domain.ActionResume, TargetAgent: "analyzer"}))

	all, err := r.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].ID)

	mine, err := r.List(ctx, "analyzer", 1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, domain.ActionResume, mine[0].Action)
}
