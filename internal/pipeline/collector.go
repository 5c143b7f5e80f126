package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/intel-pipeline/internal/connectors"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/engine"
	"go.uber.org/zap"
)

// Collector — юнит сборщика: обходит источники агента и складывает элементы в очередь.
type Collector struct {
	fetcher connectors.Fetcher
	ops     *engine.Ops
	queue   *PendingQueue
	logger  *zap.Logger
}

func NewCollector(f connectors.Fetcher, ops *engine.Ops, q *PendingQueue, logger *zap.Logger) *Collector {
	return &Collector{fetcher: f, ops: ops, queue: q, logger: logger.With(zap.String("mod", "collector"))}
}

// Run: сбой одного источника не срывает остальные; таймаут фатален для всего запуска.
func (c *Collector) Run(ctx context.Context, job engine.Job) (domain.JobResult, error) {
	res := domain.JobResult{}
	var failed []interface{}

	for _, src := range job.Agent.Sources {
		var items []domain.RawItem
		err := c.ops.Call(ctx, job.Agent.ID, "fetch:"+src, func(ctx context.Context) error {
			got, err := c.fetcher.Fetch(ctx, src)
			if err == nil {
				items = got
			}
			return err
		})
		if err != nil {
			if errors.Is(err, domain.ErrTimeout) || ctx.Err() != nil {
				res.Metadata = collectorMeta(len(job.Agent.Sources), failed)
				return res, err
			}
			c.logger.Warn("source failed",
				zap.String("agent_id", job.Agent.ID), zap.String("job_id", job.ID),
				zap.String("source", src), zap.Error(err))
			res.ItemsFailed++
			failed = append(failed, src)
			continue
		}

		n, err := c.queue.Push(ctx, items)
		if err != nil {
			return res, fmt.Errorf("collector: enqueue %s: %w", src, err)
		}
		res.ItemsProcessed += n
	}

	res.Metadata = collectorMeta(len(job.Agent.Sources), failed)
	if len(job.Agent.Sources) > 0 && len(failed) == len(job.Agent.Sources) {
		return res, fmt.Errorf("collector: all %d sources failed", len(failed))
	}
	return res, nil
}

func collectorMeta(sources int, failed []interface{}) map[string]interface{} {
	md := map[string]interface{}{"sources": sources}
	if len(failed) > 0 {
		md["failed_sources"] = failed
	}
	return md
}
