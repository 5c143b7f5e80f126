package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/engine"
	"go.uber.org/zap"
)

// Submitter — Worker Pool с точки зрения планировщика.
type Submitter interface {
	Submit(ctx context.Context, trig engine.Trigger) (engine.Admission, error)
}

type Config struct {
	MaxJitter  time.Duration
	RunOnStart bool
	// Верхняя граница сна между проверками
	MaxSleep time.Duration
	// Таймаут одного Submit
	SubmitTimeout time.Duration
}

// Scheduler — единственный источник запусков по расписанию.
// Ключ идемпотентности "agent_id:bucket" делает повторную отправку цикла безвредной.
type Scheduler struct {
	cfg    Config
	agents []domain.AgentDescriptor
	pool   Submitter
	logger *zap.Logger

	now    func() time.Time
	jitter func(max time.Duration) time.Duration

	mu          sync.Mutex
	next        map[string]int64 // следующий бакет к запуску
	startBucket map[string]int64 // бакет старта для run_on_start
	jitterCache map[jitterKey]time.Duration
}

type jitterKey struct {
	agentID string
	bucket  int64
}

func New(cfg Config, agents []domain.AgentDescriptor, pool Submitter, logger *zap.Logger) *Scheduler {
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = 30 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	return &Scheduler{
		cfg:    cfg,
		agents: append([]domain.AgentDescriptor(nil), agents...),
		pool:   pool,
		logger: logger.With(zap.String("mod", "scheduler")),
		now:    time.Now,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(max)))
		},
	}
}

// Bucket — номер временного бакета: floor(unix_ms / interval_ms).
func Bucket(t time.Time, interval time.Duration) int64 {
	ms := interval.Milliseconds()
	if ms <= 0 {
		return 0
	}
	v := t.UnixMilli()
	b := v / ms
	if v < 0 && v%ms != 0 {
		b--
	}
	return b
}

// IdempotencyKey цикла агента.
func IdempotencyKey(agentID string, bucket int64) string {
	return fmt.Sprintf("%s:%d", agentID, bucket)
}

// MaxJitterFor ограничивает джиттер половиной интервала, чтобы запуск не уехал в чужой бакет.
func MaxJitterFor(interval, maxJitter time.Duration) time.Duration {
	if half := interval / 2; maxJitter > half {
		return half
	}
	return maxJitter
}

// Init фиксирует стартовые бакеты. Run вызывает его сам.
func (s *Scheduler) Init(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = make(map[string]int64, len(s.agents))
	s.startBucket = make(map[string]int64, len(s.agents))
	for _, a := range s.agents {
		b := Bucket(now, a.NominalInterval)
		s.startBucket[a.ID] = b
		if s.cfg.RunOnStart {
			s.next[a.ID] = b
		} else {
			s.next[a.ID] = b + 1
		}
	}
}

// FireDue отправляет все наступившие циклы и возвращает время ближайшего следующего.
func (s *Scheduler) FireDue(ctx context.Context, now time.Time) time.Time {
	s.mu.Lock()
	if s.next == nil {
		s.mu.Unlock()
		s.Init(now)
		s.mu.Lock()
	}

	due := make(map[string]int64)
	var earliest time.Time
	for _, a := range s.agents {
		cur := Bucket(now, a.NominalInterval)
		b := s.next[a.ID]
		// Пропущенные бакеты (долгий сон, пауза процесса) не догоняем: только текущий
		if b < cur {
			b = cur
			s.next[a.ID] = b
		}

		at := s.fireAtLocked(a, b)
		if !now.Before(at) {
			due[a.ID] = b
			s.next[a.ID] = b + 1
			at = s.fireAtLocked(a, b+1)
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	s.mu.Unlock()

	for _, a := range s.agents {
		if b, ok := due[a.ID]; ok {
			s.submit(ctx, a, b)
		}
	}
	return earliest
}

// fireAtLocked — момент запуска бакета: начало бакета + джиттер.
// Стартовый бакет при run_on_start запускается сразу.
func (s *Scheduler) fireAtLocked(a domain.AgentDescriptor, bucket int64) time.Time {
	if s.cfg.RunOnStart && bucket == s.startBucket[a.ID] {
		return time.Time{}
	}
	start := time.UnixMilli(bucket * a.NominalInterval.Milliseconds())
	return start.Add(s.jitterFor(a, bucket))
}

// jitterFor стабилен для пары (агент, бакет) в пределах процесса.
func (s *Scheduler) jitterFor(a domain.AgentDescriptor, bucket int64) time.Duration {
	if s.jitterCache == nil {
		s.jitterCache = make(map[jitterKey]time.Duration)
	}
	key := jitterKey{agentID: a.ID, bucket: bucket}
	if j, ok := s.jitterCache[key]; ok {
		return j
	}
	j := s.jitter(MaxJitterFor(a.NominalInterval, s.cfg.MaxJitter))
	// Бакеты раньше следующего к запуску больше не понадобятся
	if len(s.jitterCache) > 4*len(s.agents) {
		for k := range s.jitterCache {
			if k.bucket < s.next[k.agentID] {
				delete(s.jitterCache, k)
			}
		}
	}
	s.jitterCache[key] = j
	return j
}

func (s *Scheduler) submit(ctx context.Context, a domain.AgentDescriptor, bucket int64) {
	key := IdempotencyKey(a.ID, bucket)
	log := s.logger.With(zap.String("agent_id", a.ID), zap.String("idempotency_key", key))

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	adm, err := s.pool.Submit(sctx, engine.Trigger{
		AgentID:        a.ID,
		Source:         domain.TriggerScheduled,
		IdempotencyKey: key,
		Actor:          domain.ActorSystem,
	})
	switch {
	case err == nil:
		log.Info("cycle submitted", zap.String("job_id", adm.JobID), zap.String("outcome", string(adm.Outcome)))
	case errors.Is(err, domain.ErrAlreadyRunning):
		log.Info("cycle not admitted", zap.String("outcome", string(adm.Outcome)), zap.String("holder_job_id", adm.JobID))
	default:
		// Ошибка одного цикла не останавливает планировщик
		log.Error("cycle submit failed", zap.Error(err))
	}
}

// Run — долгоживущий цикл до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Init(s.now())
	s.logger.Info("scheduler started", zap.Int("agents", len(s.agents)), zap.Bool("run_on_start", s.cfg.RunOnStart))

	for {
		now := s.now()
		next := s.FireDue(ctx, now)

		wait := next.Sub(s.now())
		if wait > s.cfg.MaxSleep {
			wait = s.cfg.MaxSleep
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.logger.Info("scheduler stopped")
			return nil
		case <-t.C:
		}
	}
}
