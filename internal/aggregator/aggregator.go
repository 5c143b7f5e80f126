package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LogSummarizer — агрегирующий запрос к журналу запусков.
type LogSummarizer interface {
	Summary(ctx context.Context, since time.Time, recentLimit int) (domain.LogSummary, error)
}

type StateReader interface {
	GetAll(ctx context.Context, agentIDs []string) (map[string]domain.AgentState, error)
}

type PendingCounter interface {
	Len(ctx context.Context) (int64, error)
}

type Config struct {
	Debounce     time.Duration
	RecentLimit  int
	QueryTimeout time.Duration
}

// Aggregator строит MetricSnapshot. Снимок моложе Debounce отдается из кэша,
// одновременные промахи делят один пересчет.
type Aggregator struct {
	cfg     Config
	reg     *registry.Registry
	log     LogSummarizer
	states  StateReader
	pending PendingCounter // может быть nil
	logger  *zap.Logger
	now     func() time.Time

	sf singleflight.Group

	mu       sync.RWMutex
	cached   *domain.MetricSnapshot
	cachedAt time.Time
	gen      uint64 // растет при Invalidate
}

func New(cfg Config, reg *registry.Registry, log LogSummarizer, states StateReader, pending PendingCounter, logger *zap.Logger) *Aggregator {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 10
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 3 * time.Second
	}
	return &Aggregator{
		cfg:     cfg,
		reg:     reg,
		log:     log,
		states:  states,
		pending: pending,
		logger:  logger.With(zap.String("mod", "aggregator")),
		now:     time.Now,
	}
}

// Snapshot возвращает свежий снимок. Результат только для чтения: он общий для всех вызывающих.
func (a *Aggregator) Snapshot(ctx context.Context) (domain.MetricSnapshot, error) {
	if s, ok := a.fresh(); ok {
		return s, nil
	}

	ch := a.sf.DoChan("snapshot", func() (interface{}, error) {
		// Пока ждали очередь, кэш мог обновиться
		if s, ok := a.fresh(); ok {
			return s, nil
		}
		a.mu.RLock()
		gen := a.gen
		a.mu.RUnlock()

		// Пересчет не привязан к контексту одного клиента: его результат нужен всем
		qctx, cancel := context.WithTimeout(context.Background(), a.cfg.QueryTimeout)
		defer cancel()
		s, err := a.compute(qctx)
		if err != nil {
			return domain.MetricSnapshot{}, err
		}

		a.mu.Lock()
		if a.gen == gen {
			a.cached, a.cachedAt = &s, a.now()
		}
		a.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return domain.MetricSnapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.MetricSnapshot{}, res.Err
		}
		return res.Val.(domain.MetricSnapshot), nil
	}
}

// Invalidate сбрасывает кэш (после pause/resume/trigger и финализации запусков).
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.cached = nil
	a.gen++
	a.mu.Unlock()
}

func (a *Aggregator) fresh() (domain.MetricSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cached == nil || a.now().Sub(a.cachedAt) >= a.cfg.Debounce {
		return domain.MetricSnapshot{}, false
	}
	return *a.cached, true
}

func (a *Aggregator) compute(ctx context.Context) (domain.MetricSnapshot, error) {
	now := a.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	// 1. Состояния агентов
	ids := a.reg.IDs()
	states, err := a.states.GetAll(ctx, ids)
	if err != nil {
		return domain.MetricSnapshot{}, fmt.Errorf("aggregator: states: %w", err)
	}

	// 2. Один агрегирующий запрос к журналу
	sum, err := a.log.Summary(ctx, midnight, a.cfg.RecentLimit)
	if err != nil {
		return domain.MetricSnapshot{}, fmt.Errorf("aggregator: summary: %w", err)
	}

	snap := domain.MetricSnapshot{
		PerAgent:    make([]domain.AgentMetrics, 0, len(ids)),
		Recent:      sum.Recent,
		GeneratedAt: now,
	}
	if snap.Recent == nil {
		snap.Recent = []domain.ExecutionRecord{}
	}

	for _, d := range a.reg.All() {
		status := domain.StatusRunning
		if st, ok := states[d.ID]; ok {
			status = st.Status
		}
		m := domain.AgentMetrics{
			AgentID:     d.ID,
			DisplayName: d.DisplayName,
			Category:    d.Category,
			Status:      status,
			CostToday:   sum.CostByAgent[d.ID],
		}
		if last, ok := sum.LastRuns[d.ID]; ok {
			last := last
			m.LastRun = &last
		}
		snap.PerAgent = append(snap.PerAgent, m)

		if status == domain.StatusPaused {
			snap.Global.PausedCount++
		} else {
			snap.Global.RunningCount++
		}
	}
	snap.Global.CostToday = sum.TotalCost()

	// 3. Длина очереди — не критична для снимка
	if a.pending != nil {
		n, err := a.pending.Len(ctx)
		if err != nil {
			a.logger.Warn("pending items unavailable", zap.Error(err))
		} else {
			snap.Global.PendingItems = n
		}
	}
	return snap, nil
}
