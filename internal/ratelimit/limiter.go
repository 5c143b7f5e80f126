package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/infra"
)

// Tier names used across the pipeline.
const (
	TierAdmin   = "admin"
	TierTrigger = "trigger"
	TierAgent   = "agent"
)

// incrScript — один атомарный инкремент счетчика окна с истечением.
// Возвращает {count, pttl}.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

// Tier — лимит на окно.
type Tier struct {
	Limit  int64
	Window time.Duration
}

// Limiter — оконный ограничитель на Redis, общий для всех процессов.
type Limiter struct {
	rdb      *redis.Client
	tiers    map[string]Tier
	now      func() time.Time
	rejected *prometheus.CounterVec
}

// New строит лимитер. reg может быть nil (метрики не регистрируются).
func New(rdb *redis.Client, tiers map[string]Tier, reg prometheus.Registerer) *Limiter {
	l := &Limiter{
		rdb:   rdb,
		tiers: make(map[string]Tier, len(tiers)),
		now:   time.Now,
	}
	for name, t := range tiers {
		l.tiers[name] = t
	}
	l.rejected = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_ratelimit_rejections_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"tier"})
	return l
}

// FromConfig переводит секцию ratelimit в тарифы лимитера.
func FromConfig(cfg infra.RateLimitConfig) map[string]Tier {
	out := make(map[string]Tier, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		out[name] = Tier{Limit: t.Limit, Window: t.Window}
	}
	return out
}

// WithClock подменяет часы, по которым считается индекс окна.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check — nil, если запрос допущен; *domain.RateLimitError, если лимит окна исчерпан.
// Отказ не меняет ничего, кроме собственного счетчика.
func (l *Limiter) Check(ctx context.Context, subject, resource, tier string) error {
	t, ok := l.tiers[tier]
	if !ok {
		return fmt.Errorf("ratelimit: unknown tier %q", tier)
	}

	windowMs := t.Window.Milliseconds()
	nowMs := l.now().UnixMilli()
	window := nowMs / windowMs
	key := infra.RateLimitKey(tier, subject, resource, window)

	// TTL с запасом на одно окно: ключ не должен жить дольше, чем может понадобиться
	res, err := incrScript.Run(ctx, l.rdb, []string{key}, windowMs*2).Int64Slice()
	if err != nil {
		return fmt.Errorf("ratelimit: check %s: %w", key, err)
	}
	count := res[0]
	if count <= t.Limit {
		return nil
	}

	l.rejected.WithLabelValues(tier).Inc()
	// Ждать до начала следующего окна
	retryAfter := time.Duration((window+1)*windowMs-nowMs) * time.Millisecond
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return &domain.RateLimitError{Tier: tier, RetryAfter: retryAfter}
}
