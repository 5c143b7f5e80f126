package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/infra"
)

// testPool подключается к TEST_DATABASE_URL; без нее тесты пропускаются.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, infra.DatabaseConfig{URL: url, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "migrate is idempotent")
	return pool
}

// Уникальный агент на тест: базу можно не чистить.
func testAgent() string {
	return "agent-" + uuid.NewString()[:8]
}

func TestExecutionLifecycle(t *testing.T) {
	pool := testPool(t)
	repo := NewExecutionRepo(pool)
	ctx := context.Background()
	agent := testAgent()
	start := time.Now().UTC().Truncate(time.Millisecond)

	id := uuid.NewString()
	require.NoError(t, repo.Create(ctx, domain.ExecutionRecord{
		ID: id, AgentID: agent, Status: domain.ExecQueued, Trigger: domain.TriggerScheduled,
		IdempotencyKey: agent + ":1", StartedAt: start,
	}))

	// queued не финализируется как succeeded
	err := repo.Finalize(ctx, id, domain.Finalization{Status: domain.ExecSucceeded, CompletedAt: start})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, repo.MarkRunning(ctx, id, start.Add(time.Second)))
	assert.ErrorIs(t, repo.MarkRunning(ctx, id, start), domain.ErrInvalidTransition)

	require.NoError(t, repo.Finalize(ctx, id, domain.Finalization{
		Status:      domain.ExecFailed,
		CompletedAt: start.Add(3 * time.Second),
		Result: domain.JobResult{
			ItemsProcessed: 4, ItemsFailed: 1, CostUSD: 0.125,
			Metadata: map[string]interface{}{"failed_sources": []interface{}{"hn:show"}},
		},
		ErrorMessage: "timeout: fetch",
	}))

	err = repo.Finalize(ctx, id, domain.Finalization{Status: domain.ExecSucceeded, CompletedAt: start})
	assert.ErrorIs(t, err, domain.ErrAlreadyFinalized)

	rec, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, rec.Status)
	assert.Equal(t, agent+":1", rec.IdempotencyKey)
	require.NotNil(t, rec.DurationMs)
	assert.Equal(t, int64(2000), *rec.DurationMs)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "timeout")
	assert.InDelta(t, 0.125, rec.CostUSD, 1e-9)
	assert.Equal(t, []interface{}{"hn:show"}, rec.Metadata["failed_sources"])

	_, err = repo.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAbandonStale(t *testing.T) {
	pool := testPool(t)
	repo := NewExecutionRepo(pool)
	ctx := context.Background()
	agent := testAgent()
	start := time.Now().UTC().Truncate(time.Millisecond)

	queued, running := uuid.NewString(), uuid.NewString()
	for _, id := range []string{queued, running} {
		require.NoError(t, repo.Create(ctx, domain.ExecutionRecord{
			ID: id, AgentID: agent, Status: domain.ExecQueued, Trigger: domain.TriggerManual, StartedAt: start,
		}))
	}
	require.NoError(t, repo.MarkRunning(ctx, running, start))

	n, err := repo.AbandonStale(ctx, agent, start.Add(time.Second), "abandoned: owner lost running lock")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := repo.Get(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, rec.Status)
	require.NotNil(t, rec.DurationMs)
	assert.Equal(t, int64(1000), *rec.DurationMs)

	rec, err = repo.Get(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecSkipped, rec.Status)

	// Повтор ничего не находит
	n, err = repo.AbandonStale(ctx, agent, start.Add(2*time.Second), "abandoned")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSkippedAndSummary(t *testing.T) {
	pool := testPool(t)
	repo := NewExecutionRepo(pool)
	ctx := context.Background()
	agent := testAgent()
	now := time.Now().UTC().Truncate(time.Millisecond)

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()
		at := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, domain.ExecutionRecord{
			ID: ids[i], AgentID: agent, Status: domain.ExecQueued, Trigger: domain.TriggerManual, StartedAt: at,
		}))
		require.NoError(t, repo.MarkRunning(ctx, ids[i], at))
		require.NoError(t, repo.Finalize(ctx, ids[i], domain.Finalization{
			Status: domain.ExecSucceeded, CompletedAt: at.Add(time.Second), Result: domain.JobResult{CostUSD: 0.5},
		}))
	}

	skipped := uuid.NewString()
	completed := now.Add(5 * time.Minute)
	zero := int64(0)
	msg := "agent paused"
	require.NoError(t, repo.Create(ctx, domain.ExecutionRecord{
		ID: skipped, AgentID: agent, Status: domain.ExecSkipped, Trigger: domain.TriggerScheduled,
		StartedAt: completed, CompletedAt: &completed, DurationMs: &zero, ErrorMessage: &msg,
	}))

	recent, err := repo.Recent(ctx, agent, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, skipped, recent[0].ID)
	assert.Equal(t, ids[2], recent[1].ID)

	sum, err := repo.Summary(ctx, now, 10)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, sum.CostByAgent[agent], 1e-9)
	assert.Equal(t, skipped, sum.LastRuns[agent].ID)
	assert.LessOrEqual(t, len(sum.Recent), 10)

	total, err := repo.SumCost(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1.5)
}

func TestAuditAndItems(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	agent := testAgent()
	audits := NewAuditRepo(pool)

	job := uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, audits.Record(ctx, domain.AdminActionAudit{
		ID: uuid.NewString(), AdminID: "alice", Action: domain.ActionPause, TargetAgent: agent,
		Timestamp: base, Outcome: domain.OutcomeOK,
	}))
	require.NoError(t, audits.Record(ctx, domain.AdminActionAudit{
		ID: uuid.NewString(), AdminID: "bob", Action: domain.ActionTrigger, TargetAgent: agent,
		Timestamp: base.Add(time.Second), ResultingJobID: &job, Outcome: domain.OutcomeSkipped,
	}))

	entries, err := audits.List(ctx, agent, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.ActionTrigger, entries[0].Action)
	require.NotNil(t, entries[0].ResultingJobID)
	assert.Equal(t, job, *entries[0].ResultingJobID)
	assert.Nil(t, entries[1].ResultingJobID)

	items := NewItemRepo(pool)
	require.NoError(t, items.WriteBatch(ctx, nil))
	require.NoError(t, items.WriteBatch(ctx, []domain.ItemOutcome{
		{ExecutionID: job, AgentID: agent, ItemID: "i1", Source: "hn:front", Status: domain.ItemOK,
			Result: map[string]interface{}{"sentiment": "bullish"}, CostUSD: 0.01, At: base},
		{ExecutionID: job, AgentID: agent, ItemID: "i2", Source: "hn:front", Status: domain.ItemFailed,
			Error: "validation failed", At: base},
	}))

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM item_outcomes WHERE execution_id = $1`, job).Scan(&n))
	assert.Equal(t, 2, n)
}
