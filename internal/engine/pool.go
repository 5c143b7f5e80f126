package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/registry"
	"go.uber.org/zap"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// PoolConfig — бюджеты пула.
type PoolConfig struct {
	Concurrency map[domain.AgentCategory]int
	JobTimeout  time.Duration

	// Повторы записи терминального статуса. Без нее лок не снимается.
	FinalizeAttempts uint
	FinalizeDelay    time.Duration
}

// abandonReason — error_message записей, чей владелец потерял running-лок.
const abandonReason = "abandoned: run lost its running lock before finalization"

// FinalizeHook вызывается после финализации каждой записи (инвалидация агрегатора, пуш SSE).
type FinalizeHook func(agentID string, status domain.ExecStatus)

// Pool — Worker Pool: допуск, изоляция запусков, ограничение конкурентности по категориям.
type Pool struct {
	cfg      PoolConfig
	reg      *registry.Registry
	admitter Admitter
	log      ExecutionLog
	units    map[domain.AgentCategory]Unit
	sems     map[domain.AgentCategory]chan struct{}
	metrics  *Metrics
	logger   *zap.Logger

	now    func() time.Time
	newID  func() string
	onDone FinalizeHook

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewPool(
	cfg PoolConfig,
	reg *registry.Registry,
	admitter Admitter,
	log ExecutionLog,
	units map[domain.AgentCategory]Unit,
	metrics *Metrics,
	logger *zap.Logger,
) *Pool {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.FinalizeAttempts == 0 {
		cfg.FinalizeAttempts = 5
	}
	if cfg.FinalizeDelay <= 0 {
		cfg.FinalizeDelay = 100 * time.Millisecond
	}
	sems := make(map[domain.AgentCategory]chan struct{}, len(cfg.Concurrency))
	for cat, n := range cfg.Concurrency {
		sems[cat] = make(chan struct{}, n)
	}
	// Контекст пула переживает запросы: ручной триггер не должен умирать вместе с HTTP-запросом
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		reg:      reg,
		admitter: admitter,
		log:      log,
		units:    units,
		sems:     sems,
		metrics:  metrics,
		logger:   logger.With(zap.String("mod", "pool")),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// OnFinalize регистрирует хук. Вызывать до первого Submit.
func (p *Pool) OnFinalize(h FinalizeHook) {
	p.onDone = h
}

// Submit — единая точка допуска для планировщика и ручных триггеров.
// Paused → запись skipped и nil ошибка; занято или ключ уже использован → domain.ErrAlreadyRunning.
func (p *Pool) Submit(ctx context.Context, trig Trigger) (Admission, error) {
	// 1. Резервируем место в WaitGroup под мьютексом, чтобы Stop не разминулся с запуском
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return Admission{}, ErrPoolStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	launched := false
	defer func() {
		if !launched {
			p.wg.Done()
		}
	}()

	// 2. Агент из закрытого реестра, и для его категории есть исполнитель
	desc, err := p.reg.Get(trig.AgentID)
	if err != nil {
		return Admission{}, err
	}
	unit, ok := p.units[desc.Category]
	sem, hasSem := p.sems[desc.Category]
	if !ok || !hasSem {
		return Admission{}, fmt.Errorf("pool: no executor for category %s", desc.Category)
	}

	jobID := p.newID()
	if trig.Source == "" {
		trig.Source = domain.TriggerManual
	}
	if trig.IdempotencyKey == "" {
		trig.IdempotencyKey = string(trig.Source) + ":" + jobID
	}
	log := p.logger.With(
		zap.String("agent_id", desc.ID),
		zap.String("idempotency_key", trig.IdempotencyKey),
	)

	// 3. Атомарный допуск: пауза, running-лок и идемпотентность проверяются одним шагом
	dec, err := p.admitter.Admit(ctx, desc.ID, trig.IdempotencyKey, jobID)
	if err != nil {
		return Admission{}, err
	}
	p.metrics.Admissions.WithLabelValues(string(dec.Outcome)).Inc()

	switch dec.Outcome {
	case OutcomeDuplicate, OutcomeAlreadyRunning:
		log.Info("admission rejected", zap.String("outcome", string(dec.Outcome)), zap.String("holder_job_id", dec.JobID))
		return Admission{JobID: dec.JobID, Outcome: dec.Outcome},
			fmt.Errorf("%w: %s (job %s)", domain.ErrAlreadyRunning, desc.ID, dec.JobID)

	case OutcomeSkipped:
		now := p.now().UTC()
		rec := p.newRecord(jobID, desc.ID, trig, domain.ExecSkipped, now)
		msg := "agent paused"
		var zero int64
		rec.CompletedAt, rec.DurationMs, rec.ErrorMessage = &now, &zero, &msg
		rec.Metadata = map[string]interface{}{"reason": "paused"}
		if err := p.log.Create(ctx, rec); err != nil {
			return Admission{}, fmt.Errorf("pool: record skipped run: %w", err)
		}
		log.Info("agent paused, run skipped", zap.String("job_id", jobID))
		p.notify(desc.ID, domain.ExecSkipped)
		return Admission{JobID: jobID, Outcome: OutcomeSkipped}, nil

	case OutcomeAdmitted:
	default:
		return Admission{}, fmt.Errorf("pool: unknown admission outcome %q", dec.Outcome)
	}

	// 4. Лок наш, значит живых запусков агента нет: незавершенные записи остались от упавшего владельца
	n, err := p.log.AbandonStale(ctx, desc.ID, p.now().UTC(), abandonReason)
	if err != nil {
		p.release(desc.ID, jobID)
		return Admission{}, fmt.Errorf("pool: abandon stale runs: %w", err)
	}
	if n > 0 {
		log.Warn("stale runs abandoned", zap.Int("count", n))
		p.notify(desc.ID, domain.ExecFailed)
	}

	// 5. Запись queued создается до старта
	if err := p.log.Create(ctx, p.newRecord(jobID, desc.ID, trig, domain.ExecQueued, p.now().UTC())); err != nil {
		p.release(desc.ID, jobID)
		return Admission{}, fmt.Errorf("pool: record queued run: %w", err)
	}

	job := Job{ID: jobID, Agent: desc, Trigger: trig}
	launched = true
	go p.execute(job, unit, sem)

	log.Info("job admitted", zap.String("job_id", jobID), zap.String("trigger", string(trig.Source)))
	return Admission{JobID: jobID, Outcome: OutcomeAdmitted}, nil
}

func (p *Pool) newRecord(id, agentID string, trig Trigger, status domain.ExecStatus, at time.Time) domain.ExecutionRecord {
	rec := domain.ExecutionRecord{
		ID:             id,
		AgentID:        agentID,
		Status:         status,
		Trigger:        trig.Source,
		IdempotencyKey: trig.IdempotencyKey,
		StartedAt:      at,
	}
	if trig.Actor != "" {
		rec.Metadata = map[string]interface{}{"actor": trig.Actor}
	}
	return rec
}

// execute — жизненный цикл одного запуска. Любой исход изолирован от соседних задач.
func (p *Pool) execute(job Job, unit Unit, sem chan struct{}) {
	defer p.wg.Done()

	// Лок снимается только после записи терминального статуса.
	// Иначе он истекает по TTL, и следующий допуск закроет запись как abandoned.
	finalized := false
	defer func() {
		if finalized {
			p.release(job.Agent.ID, job.ID)
		}
	}()

	log := p.logger.With(zap.String("agent_id", job.Agent.ID), zap.String("job_id", job.ID))
	jobCtx, cancel := context.WithTimeout(p.baseCtx, p.cfg.JobTimeout)
	defer cancel()

	// 1. Слот категории, ожидание ограничено дедлайном задачи
	select {
	case sem <- struct{}{}:
	case <-jobCtx.Done():
		finalized = p.finalize(job, domain.Finalization{
			Status:       domain.ExecSkipped,
			CompletedAt:  p.now().UTC(),
			ErrorMessage: "no worker slot before job deadline",
		}, log)
		return
	}
	defer func() { <-sem }()

	category := string(job.Agent.Category)
	p.metrics.JobsRunning.WithLabelValues(category).Inc()
	defer p.metrics.JobsRunning.WithLabelValues(category).Dec()

	// 2. queued → running
	started := p.now().UTC()
	if err := p.log.MarkRunning(jobCtx, job.ID, started); err != nil {
		log.Error("mark running failed", zap.Error(err))
		finalized = p.finalize(job, domain.Finalization{
			Status:       domain.ExecSkipped,
			CompletedAt:  p.now().UTC(),
			ErrorMessage: "could not mark run as running: " + err.Error(),
		}, log)
		return
	}

	// 3. Выполнение под job_timeout
	res, err := p.run(jobCtx, unit, job)

	f := domain.Finalization{Status: domain.ExecSucceeded, CompletedAt: p.now().UTC(), Result: res}
	if err != nil {
		f.Status = domain.ExecFailed
		f.ErrorMessage = err.Error()
	}
	p.metrics.JobDuration.WithLabelValues(job.Agent.ID).Observe(f.CompletedAt.Sub(started).Seconds())
	finalized = p.finalize(job, f, log)
}

// run запускает юнит в отдельной горутине: запуск не переживет job_timeout,
// даже если юнит перестал слушать контекст. Паника переводится в ошибку.
func (p *Pool) run(ctx context.Context, unit Unit, job Job) (domain.JobResult, error) {
	type result struct {
		res domain.JobResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic in %s: %v", job.Agent.ID, r)}
			}
		}()
		res, err := unit.Run(ctx, job)
		done <- result{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(r.err, domain.ErrTimeout) {
			r.err = fmt.Errorf("%w: job exceeded %v: %v", domain.ErrTimeout, p.cfg.JobTimeout, r.err)
		}
		return r.res, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.JobResult{}, fmt.Errorf("%w: job exceeded %v", domain.ErrTimeout, p.cfg.JobTimeout)
		}
		return domain.JobResult{}, fmt.Errorf("job cancelled: %w", ctx.Err())
	}
}

// finalize пишет терминальный статус с повторами. Контекст свежий: дедлайн задачи к этому моменту может истечь.
// false — статус записать не удалось, лок снимать нельзя.
func (p *Pool) finalize(job Job, f domain.Finalization, log *zap.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(p.cfg.FinalizeAttempts),
		retry.Delay(p.cfg.FinalizeDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, domain.ErrAlreadyFinalized) &&
				!errors.Is(err, domain.ErrInvalidTransition) &&
				!errors.Is(err, domain.ErrNotFound)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("finalize failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		return p.log.Finalize(ctx, job.ID, f)
	})
	if errors.Is(err, domain.ErrAlreadyFinalized) {
		// Запись уже закрыта (abandoned после истечения лока): наш лок к этому моменту не наш
		log.Warn("run was finalized elsewhere", zap.Error(err))
		return true
	}
	if err != nil {
		log.Error("finalize failed, keeping running lock until TTL", zap.String("status", string(f.Status)), zap.Error(err))
		return false
	}
	p.metrics.JobsTotal.WithLabelValues(job.Agent.ID, string(f.Status)).Inc()

	fields := []zap.Field{
		zap.String("status", string(f.Status)),
		zap.Int("items_processed", f.Result.ItemsProcessed),
		zap.Int("items_failed", f.Result.ItemsFailed),
		zap.Float64("cost_usd", f.Result.CostUSD),
	}
	if f.Status == domain.ExecSucceeded {
		log.Info("job finished", fields...)
	} else {
		log.Warn("job finished", append(fields, zap.String("error", f.ErrorMessage))...)
	}
	p.notify(job.Agent.ID, f.Status)
	return true
}

func (p *Pool) release(agentID, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.admitter.Release(ctx, agentID, jobID); err != nil {
		// Лок истечет сам по TTL
		p.logger.Error("release running lock failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (p *Pool) notify(agentID string, status domain.ExecStatus) {
	if p.onDone != nil {
		p.onDone(agentID, status)
	}
}

// Stop перестает принимать запуски и ждет текущие. По истечении ctx отменяет их.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		// Отмененные запуски финализируются как failed
		<-done
		return ctx.Err()
	}
}
