package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/connectors"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/engine"
	"go.uber.org/zap"
)

// ItemSink принимает исход по каждому элементу (itemlog.Writer).
type ItemSink interface {
	Log(o domain.ItemOutcome)
}

type AnalyzerConfig struct {
	BatchSize          int
	ValidationAttempts int
}

// Analyzer — юнит анализатора: разбирает пачку из очереди через модель.
type Analyzer struct {
	cfg    AnalyzerConfig
	model  connectors.Analyzer
	ops    *engine.Ops
	queue  *PendingQueue
	sink   ItemSink
	logger *zap.Logger
}

func NewAnalyzer(cfg AnalyzerConfig, model connectors.Analyzer, ops *engine.Ops, q *PendingQueue, sink ItemSink, logger *zap.Logger) *Analyzer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ValidationAttempts <= 0 {
		cfg.ValidationAttempts = 1
	}
	return &Analyzer{cfg: cfg, model: model, ops: ops, queue: q, sink: sink, logger: logger.With(zap.String("mod", "analyzer"))}
}

// Run: отказ по одному элементу фиксируется отдельно и не прерывает пачку.
// По таймауту непроанализированные элементы возвращаются в очередь.
func (a *Analyzer) Run(ctx context.Context, job engine.Job) (domain.JobResult, error) {
	res := domain.JobResult{}
	items, err := a.queue.PopBatch(ctx, a.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Metadata = map[string]interface{}{"batch": len(items)}

	for i, item := range items {
		if ctx.Err() != nil {
			a.requeue(job, items[i:])
			return res, fmt.Errorf("%w: analyzer stopped with %d items left", domain.ErrTimeout, len(items)-i)
		}

		out := domain.ItemOutcome{
			ExecutionID: job.ID,
			AgentID:     job.Agent.ID,
			ItemID:      item.ID,
			Source:      item.Source,
		}
		analysis, err := a.analyzeOne(ctx, job, item)
		if err != nil && (errors.Is(err, domain.ErrTimeout) || ctx.Err() != nil) {
			a.requeue(job, items[i:])
			return res, err
		}
		out.At = time.Now().UTC()
		if err != nil {
			res.ItemsFailed++
			out.Status = domain.ItemFailed
			out.Error = err.Error()
		} else {
			res.ItemsProcessed++
			res.CostUSD += analysis.CostUSD
			out.Status = domain.ItemOK
			out.Result = analysis.Fields
			out.CostUSD = analysis.CostUSD
		}
		a.sink.Log(out)
	}
	return res, nil
}

// analyzeOne повторяет ValidationError с уточненной подсказкой, остальное решает Ops.
func (a *Analyzer) analyzeOne(ctx context.Context, job engine.Job, item domain.RawItem) (connectors.Analysis, error) {
	hint := ""
	var lastErr error
	for attempt := 1; attempt <= a.cfg.ValidationAttempts; attempt++ {
		var analysis connectors.Analysis
		err := a.ops.Call(ctx, job.Agent.ID, "analyze", func(ctx context.Context) error {
			got, err := a.model.Analyze(ctx, item, hint)
			if err == nil {
				analysis = got
			}
			return err
		})
		if err == nil {
			return analysis, nil
		}
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			return connectors.Analysis{}, err
		}
		lastErr = err
		hint = refineHint(vErr.Reason, attempt)
		a.logger.Debug("analysis rejected, retrying with hint",
			zap.String("job_id", job.ID), zap.String("item_id", item.ID), zap.Int("attempt", attempt), zap.String("reason", vErr.Reason))
	}
	return connectors.Analysis{}, fmt.Errorf("analysis invalid after %d attempts: %w", a.cfg.ValidationAttempts, lastErr)
}

func refineHint(reason string, attempt int) string {
	return fmt.Sprintf("previous answer was rejected (%s); attempt %d: reply with strict JSON only", reason, attempt+1)
}

func (a *Analyzer) requeue(job engine.Job, items []domain.RawItem) {
	// Контекст задачи уже истек
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.queue.Requeue(ctx, items); err != nil {
		a.logger.Error("requeue failed, items lost",
			zap.String("job_id", job.ID), zap.Int("items", len(items)), zap.Error(err))
		return
	}
	a.logger.Info("unanalyzed items requeued", zap.String("job_id", job.ID), zap.Int("items", len(items)))
}
