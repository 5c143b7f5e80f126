package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateChecker — распределенный лимитер (ratelimit.Limiter).
type RateChecker interface {
	Check(ctx context.Context, subject, resource, tier string) error
}

// OpsConfig — бюджеты одного внешнего вызова.
type OpsConfig struct {
	OperationTimeout time.Duration
	Attempts         uint
	BaseDelay        time.Duration
	MaxDelay         time.Duration

	RPS   float64
	Burst int

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBMaxFailures uint32
}

// Ops — обертка надежности над каждым внешним вызовом:
// локальный лимитер → распределенный лимитер → Circuit Breaker → retry с backoff → таймаут операции.
type Ops struct {
	cfg     OpsConfig
	limiter *rate.Limiter
	dist    RateChecker
	metrics *Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewOps. dist может быть nil (без распределенного лимита).
func NewOps(cfg OpsConfig, dist RateChecker, metrics *Metrics, logger *zap.Logger) *Ops {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if cfg.RPS <= 0 {
		cfg.RPS = float64(rate.Inf)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Ops{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		dist:     dist,
		metrics:  metrics,
		logger:   logger.With(zap.String("mod", "ops")),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OperationTimeout — верхняя граница одного вызова.
func (o *Ops) OperationTimeout() time.Duration {
	return o.cfg.OperationTimeout
}

// Call выполняет fn от имени агента. Каждая попытка ограничена OperationTimeout,
// таймаут не ретраится и возвращается как domain.ErrTimeout.
func (o *Ops) Call(ctx context.Context, agentID, op string, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter (локальный)
	if err := o.limiter.Wait(ctx); err != nil {
		return o.ctxErr(ctx, op, err)
	}

	// 2. Circuit Breaker
	_, err := o.breaker(op).Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(o.cfg.Attempts),
			retry.Delay(o.cfg.BaseDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				// Ожидание лимита, которое не успевает до дедлайна задачи, бессмысленно
				var rlErr *domain.RateLimitError
				if errors.As(err, &rlErr) {
					dl, ok := ctx.Deadline()
					return !ok || time.Until(dl) > rlErr.RetryAfter
				}
				return domain.IsRetryable(err)
			}),
			retry.OnRetry(func(n uint, err error) {
				o.metrics.OperationRetries.WithLabelValues(op).Inc()
				o.logger.Debug("retrying operation", zap.String("op", op), zap.Uint("attempt", n+1), zap.Error(err))
			}),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Лимит вернул точное время ожидания
				// RetryAfter не режется MaxDelay: раньше лимитер все равно откажет
				var rlErr *domain.RateLimitError
				if errors.As(err, &rlErr) {
					return rlErr.RetryAfter
				}
				// В остальных случаях (сетевой лаг, 503) — стандартный экспоненциальный бэкофф
				d := retry.BackOffDelay(n, err, config)
				if o.cfg.MaxDelay > 0 && d > o.cfg.MaxDelay {
					d = o.cfg.MaxDelay
				}
				return d
			}),
		)

		return nil, r.Do(func() error {
			// 3. Распределенный лимит на агента и операцию
			if o.dist != nil {
				if err := o.dist.Check(ctx, agentID, op, ratelimit.TierAgent); err != nil {
					return err
				}
			}
			return o.attempt(ctx, op, fn)
		})
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &domain.TransientError{Op: op, Cause: err}
	case ctx.Err() != nil && !errors.Is(err, domain.ErrTimeout):
		return o.ctxErr(ctx, op, err)
	}
	return err
}

// attempt — одна попытка под таймаутом операции. Вызов идет в отдельной горутине:
// коллаборатор, игнорирующий контекст, все равно будет брошен по дедлайну.
func (o *Ops) attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	tCtx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s: panic: %v", op, r)
			}
		}()
		done <- fn(tCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(tCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return o.opTimeout(op)
		}
		return err
	case <-tCtx.Done():
		if ctx.Err() != nil {
			return o.ctxErr(ctx, op, ctx.Err())
		}
		return o.opTimeout(op)
	}
}

func (o *Ops) opTimeout(op string) error {
	return fmt.Errorf("%w: %s exceeded operation timeout %v", domain.ErrTimeout, op, o.cfg.OperationTimeout)
}

// ctxErr переводит истечение контекста задачи в таймаут, отмену оставляет как есть.
func (o *Ops) ctxErr(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: job deadline exceeded", domain.ErrTimeout, op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (o *Ops) breaker(op string) *gobreaker.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cb, ok := o.breakers[op]; ok {
		return cb
	}
	maxFailures := o.cfg.CBMaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        op,
		MaxRequests: o.cfg.CBMaxRequests,
		Interval:    o.cfg.CBInterval,
		Timeout:     o.cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return maxFailures > 0 && counts.ConsecutiveFailures >= maxFailures
		},
		// Невалидный ответ модели — не отказ коллаборатора
		IsSuccessful: func(err error) bool {
			var vErr *domain.ValidationError
			return err == nil || errors.As(err, &vErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			o.logger.Warn("circuit breaker state changed",
				zap.String("op", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	o.breakers[op] = cb
	return cb
}
