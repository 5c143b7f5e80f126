package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/intel-pipeline/internal/domain"
)

// AuditRepo — журнал действий администраторов (append-only).
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Record(ctx context.Context, a domain.AdminActionAudit) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO admin_action_audit (id, admin_id, action, target_agent, ts, resulting_job_id, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.AdminID, a.Action, a.TargetAgent, a.Timestamp, a.ResultingJobID, a.Outcome,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to record audit %s: %w", a.ID, err)
	}
	return nil
}

// List — записи от новых к старым. Пустой agentID — по всем агентам.
func (r *AuditRepo) List(ctx context.Context, agentID string, limit int) ([]domain.AdminActionAudit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, admin_id, action, target_agent, ts, resulting_job_id, outcome
		FROM admin_action_audit
		WHERE ($1 = '' OR target_agent = $1)
		ORDER BY ts DESC, seq DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AdminActionAudit, error) {
		var a domain.AdminActionAudit
		err := row.Scan(&a.ID, &a.AdminID, &a.Action, &a.TargetAgent, &a.Timestamp, &a.ResultingJobID, &a.Outcome)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan audit: %w", err)
	}
	return entries, nil
}
