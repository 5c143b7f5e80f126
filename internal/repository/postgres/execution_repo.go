package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/intel-pipeline/internal/domain"
)

const execColumns = `id, agent_id, status, trigger, idempotency_key, started_at, completed_at,
	duration_ms, items_processed, items_failed, error_message, cost_usd::float8, metadata`

type ExecutionRepo struct {
	pool *pgxpool.Pool
}

func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

func (r *ExecutionRepo) Create(ctx context.Context, rec domain.ExecutionRecord) error {
	if rec.CostUSD < 0 {
		return fmt.Errorf("postgres: negative cost for execution %s", rec.ID)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO execution_records
			(id, agent_id, status, trigger, idempotency_key, started_at, completed_at, duration_ms,
			 items_processed, items_failed, error_message, cost_usd, metadata)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.AgentID, rec.Status, rec.Trigger, rec.IdempotencyKey, rec.StartedAt, rec.CompletedAt,
		rec.DurationMs, rec.ItemsProcessed, rec.ItemsFailed, rec.ErrorMessage, rec.CostUSD, rec.Metadata,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert execution %s: %w", rec.ID, err)
	}
	return nil
}

// MarkRunning — переход queued→running условным UPDATE.
func (r *ExecutionRepo) MarkRunning(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE execution_records SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'queued'`, id, at)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark execution %s running: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, domain.ExecRunning)
	}
	return nil
}

// Finalize — единственный переход в терминальный статус.
// Статус-предшественник зашит в WHERE, поэтому повторная финализация ничего не меняет.
func (r *ExecutionRepo) Finalize(ctx context.Context, id string, f domain.Finalization) error {
	if !f.Status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, f.Status)
	}
	from := domain.ExecRunning
	if f.Status == domain.ExecSkipped {
		from = domain.ExecQueued
	}

	var errMsg *string
	if f.ErrorMessage != "" {
		errMsg = &f.ErrorMessage
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE execution_records SET
			status          = $3,
			completed_at    = $4,
			duration_ms     = GREATEST(0, (EXTRACT(EPOCH FROM ($4 - started_at)) * 1000)::bigint),
			items_processed = $5,
			items_failed    = $6,
			cost_usd        = CASE WHEN $7::numeric > 0 THEN $7::numeric ELSE cost_usd END,
			metadata        = COALESCE($8, metadata),
			error_message   = COALESCE($9, error_message)
		WHERE id = $1 AND status = $2`,
		id, from, f.Status, f.CompletedAt, f.Result.ItemsProcessed, f.Result.ItemsFailed,
		f.Result.CostUSD, f.Result.Metadata, errMsg,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to finalize execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, f.Status)
	}
	return nil
}

// AbandonStale закрывает записи агента, оставшиеся незавершенными после падения владельца.
// Вызывается только держателем running-лока, поэтому живых запусков среди них нет.
func (r *ExecutionRepo) AbandonStale(ctx context.Context, agentID string, at time.Time, reason string) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE execution_records SET
			status        = CASE WHEN status = 'queued' THEN 'skipped' ELSE 'failed' END,
			completed_at  = $2,
			duration_ms   = GREATEST(0, (EXTRACT(EPOCH FROM ($2 - started_at)) * 1000)::bigint),
			error_message = $3
		WHERE agent_id = $1 AND status IN ('queued', 'running')`,
		agentID, at, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to abandon stale executions of %s: %w", agentID, err)
	}
	return int(tag.RowsAffected()), nil
}

// transitionError объясняет, почему условный UPDATE не затронул строк.
func (r *ExecutionRepo) transitionError(ctx context.Context, id string, to domain.ExecStatus) error {
	var cur domain.ExecStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM execution_records WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to read execution %s: %w", id, err)
	}
	if tErr := cur.CanTransitionTo(to); tErr != nil {
		return fmt.Errorf("postgres: execution %s %s->%s: %w", id, cur, to, tErr)
	}
	// Статус сменился между UPDATE и SELECT
	return fmt.Errorf("postgres: execution %s %s->%s: %w", id, cur, to, domain.ErrInvalidTransition)
}

func (r *ExecutionRepo) Get(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+execColumns+` FROM execution_records WHERE id = $1`, id)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: failed to query execution %s: %w", id, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanExecution)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: failed to scan execution %s: %w", id, err)
	}
	return rec, nil
}

// Recent — последние запуски по started_at DESC. Пустой agentID — по всем агентам.
func (r *ExecutionRepo) Recent(ctx context.Context, agentID string, limit int) ([]domain.ExecutionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+execColumns+` FROM execution_records
		WHERE ($1 = '' OR agent_id = $1)
		ORDER BY started_at DESC, seq DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query recent executions: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanExecution)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan recent executions: %w", err)
	}
	return recs, nil
}

func (r *ExecutionRepo) SumCost(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0)::float8 FROM execution_records WHERE started_at >= $1`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to sum cost: %w", err)
	}
	return total, nil
}

// Summary отправляет три запроса агрегатора одним pgx.Batch (один round trip).
func (r *ExecutionRepo) Summary(ctx context.Context, since time.Time, recentLimit int) (domain.LogSummary, error) {
	sum := domain.LogSummary{
		LastRuns:    make(map[string]domain.ExecutionRecord),
		CostByAgent: make(map[string]float64),
	}

	b := &pgx.Batch{}
	b.Queue(`
		SELECT `+execColumns+` FROM execution_records
		ORDER BY started_at DESC, seq DESC
		LIMIT $1`, recentLimit).Query(func(rows pgx.Rows) error {
		recs, err := pgx.CollectRows(rows, scanExecution)
		sum.Recent = recs
		return err
	})
	b.Queue(`
		SELECT DISTINCT ON (agent_id) ` + execColumns + ` FROM execution_records
		ORDER BY agent_id, started_at DESC, seq DESC`).Query(func(rows pgx.Rows) error {
		recs, err := pgx.CollectRows(rows, scanExecution)
		for _, rec := range recs {
			sum.LastRuns[rec.AgentID] = rec
		}
		return err
	})
	b.Queue(`
		SELECT agent_id, COALESCE(SUM(cost_usd), 0)::float8 FROM execution_records
		WHERE started_at >= $1
		GROUP BY agent_id`, since).Query(func(rows pgx.Rows) error {
		var (
			agentID string
			cost    float64
		)
		_, err := pgx.ForEachRow(rows, []any{&agentID, &cost}, func() error {
			sum.CostByAgent[agentID] = cost
			return nil
		})
		return err
	})

	if err := r.pool.SendBatch(ctx, b).Close(); err != nil {
		return domain.LogSummary{}, fmt.Errorf("postgres: summary batch: %w", err)
	}
	return sum, nil
}

func scanExecution(row pgx.CollectableRow) (domain.ExecutionRecord, error) {
	var (
		rec     domain.ExecutionRecord
		idemKey *string
	)
	err := row.Scan(
		&rec.ID, &rec.AgentID, &rec.Status, &rec.Trigger, &idemKey, &rec.StartedAt, &rec.CompletedAt,
		&rec.DurationMs, &rec.ItemsProcessed, &rec.ItemsFailed, &rec.ErrorMessage, &rec.CostUSD, &rec.Metadata,
	)
	if idemKey != nil {
		rec.IdempotencyKey = *idemKey
	}
	return rec, err
}
