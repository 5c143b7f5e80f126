package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/domain"
)

// ExecutionRepo — in-memory журнал запусков (тесты и локальный режим без Postgres).
type ExecutionRepo struct {
	mu      sync.RWMutex
	records map[string]*domain.ExecutionRecord
	order   []string // порядок вставки
	queries int
}

func NewExecutionRepo() *ExecutionRepo {
	return &ExecutionRepo{records: make(map[string]*domain.ExecutionRecord)}
}

func (r *ExecutionRepo) Create(_ context.Context, rec domain.ExecutionRecord) error {
	if rec.CostUSD < 0 {
		return fmt.Errorf("memory: negative cost for %s", rec.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.ID]; exists {
		return fmt.Errorf("memory: execution %s already exists", rec.ID)
	}
	cp := clone(rec)
	r.records[rec.ID] = &cp
	r.order = append(r.order, rec.ID)
	return nil
}

func (r *ExecutionRepo) MarkRunning(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("memory: execution %s: %w", id, domain.ErrNotFound)
	}
	if err := rec.Status.CanTransitionTo(domain.ExecRunning); err != nil {
		return fmt.Errorf("memory: execution %s: %w", id, err)
	}
	rec.Status = domain.ExecRunning
	rec.StartedAt = at
	return nil
}

func (r *ExecutionRepo) Finalize(_ context.Context, id string, f domain.Finalization) error {
	if !f.Status.Terminal() {
		return fmt.Errorf("memory: finalize %s with non-terminal status %s: %w", id, f.Status, domain.ErrInvalidTransition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("memory: execution %s: %w", id, domain.ErrNotFound)
	}
	if err := rec.Status.CanTransitionTo(f.Status); err != nil {
		return fmt.Errorf("memory: execution %s: %w", id, err)
	}
	f.Apply(rec)
	return nil
}

func (r *ExecutionRepo) AbandonStale(_ context.Context, agentID string, at time.Time, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.AgentID != agentID || rec.Status.Terminal() {
			continue
		}
		to := domain.ExecFailed
		if rec.Status == domain.ExecQueued {
			to = domain.ExecSkipped
		}
		domain.Finalization{Status: to, CompletedAt: at, ErrorMessage: reason}.Apply(rec)
		n++
	}
	return n, nil
}

// Get возвращает копию записи.
func (r *ExecutionRepo) Get(_ context.Context, id string) (domain.ExecutionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.ExecutionRecord{}, fmt.Errorf("memory: execution %s: %w", id, domain.ErrNotFound)
	}
	return clone(*rec), nil
}

// Recent — последние записи по started_at DESC; пустой agentID — по всем агентам.
func (r *ExecutionRepo) Recent(_ context.Context, agentID string, limit int) ([]domain.ExecutionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recentLocked(agentID, limit), nil
}

func (r *ExecutionRepo) SumCost(_ context.Context, since time.Time) (float64, error) {
	r.mu.Lock()
	r.queries++
	r.mu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	var total float64
	for _, rec := range r.records {
		if !rec.StartedAt.Before(since) {
			total += rec.CostUSD
		}
	}
	return total, nil
}

// Summary — окно последних запусков, последний запуск и стоимость по агентам за один проход.
func (r *ExecutionRepo) Summary(_ context.Context, since time.Time, recentLimit int) (domain.LogSummary, error) {
	r.mu.Lock()
	r.queries++
	r.mu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	sum := domain.LogSummary{
		Recent:      r.recentLocked("", recentLimit),
		LastRuns:    make(map[string]domain.ExecutionRecord),
		CostByAgent: make(map[string]float64),
	}
	for _, rec := range r.sortedLocked() {
		if _, seen := sum.LastRuns[rec.AgentID]; !seen {
			sum.LastRuns[rec.AgentID] = clone(*rec)
		}
		if !rec.StartedAt.Before(since) {
			sum.CostByAgent[rec.AgentID] += rec.CostUSD
		}
	}
	return sum, nil
}

// Queries — число агрегирующих запросов SumCost и Summary (для проверки debounce).
func (r *ExecutionRepo) Queries() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queries
}

// CountByStatus — сколько записей агента в данном статусе.
func (r *ExecutionRepo) CountByStatus(agentID string, status domain.ExecStatus) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if rec.AgentID == agentID && rec.Status == status {
			n++
		}
	}
	return n
}

func (r *ExecutionRepo) recentLocked(agentID string, limit int) []domain.ExecutionRecord {
	out := make([]domain.ExecutionRecord, 0, limit)
	for _, rec := range r.sortedLocked() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if agentID != "" && rec.AgentID != agentID {
			continue
		}
		out = append(out, clone(*rec))
	}
	return out
}

// sortedLocked — started_at DESC, при равенстве более поздняя вставка первой.
func (r *ExecutionRepo) sortedLocked() []*domain.ExecutionRecord {
	pos := make(map[string]int, len(r.order))
	out := make([]*domain.ExecutionRecord, 0, len(r.order))
	for i, id := range r.order {
		pos[id] = i
		out = append(out, r.records[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return pos[out[i].ID] > pos[out[j].ID]
	})
	return out
}

func clone(rec domain.ExecutionRecord) domain.ExecutionRecord {
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		rec.CompletedAt = &t
	}
	if rec.DurationMs != nil {
		d := *rec.DurationMs
		rec.DurationMs = &d
	}
	if rec.ErrorMessage != nil {
		m := *rec.ErrorMessage
		rec.ErrorMessage = &m
	}
	if rec.Metadata != nil {
		md := make(map[string]interface{}, len(rec.Metadata))
		for k, v := range rec.Metadata {
			md[k] = v
		}
		rec.Metadata = md
	}
	return rec
}
