package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/intel-pipeline/internal/domain"
)

// ItemRepo — хранилище исходов по элементам для itemlog.Writer.
type ItemRepo struct {
	pool *pgxpool.Pool
}

func NewItemRepo(pool *pgxpool.Pool) *ItemRepo {
	return &ItemRepo{pool: pool}
}

// WriteBatch пишет пачку одним COPY.
func (r *ItemRepo) WriteBatch(ctx context.Context, outcomes []domain.ItemOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	n, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"item_outcomes"},
		[]string{"execution_id", "agent_id", "item_id", "source", "status", "error", "result", "cost_usd", "at"},
		pgx.CopyFromSlice(len(outcomes), func(i int) ([]any, error) {
			o := outcomes[i]
			var errText *string
			if o.Error != "" {
				errText = &o.Error
			}
			return []any{o.ExecutionID, o.AgentID, o.ItemID, o.Source, string(o.Status), errText, o.Result, o.CostUSD, o.At}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to copy %d item outcomes: %w", len(outcomes), err)
	}
	if int(n) != len(outcomes) {
		return fmt.Errorf("postgres: copied %d of %d item outcomes", n, len(outcomes))
	}
	return nil
}
