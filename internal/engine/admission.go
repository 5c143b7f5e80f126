package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/intel-pipeline/internal/infra"
)

// admitScript — проверка и захват допуска одной атомарной операцией.
// KEYS: ключ идемпотентности, hash состояния агента, running-лок агента.
// ARGV: job_id, ttl лока (ms), ttl ключа идемпотентности (ms).
var admitScript = redis.NewScript(`
local prev = redis.call('GET', KEYS[1])
if prev then
	return {'duplicate', prev}
end
if redis.call('HGET', KEYS[2], 'status') == 'paused' then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
	return {'skipped', ARGV[1]}
end
local holder = redis.call('GET', KEYS[3])
if holder then
	redis.call('SET', KEYS[1], holder, 'PX', ARGV[3])
	return {'already_running', holder}
end
redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[2])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return {'admitted', ARGV[1]}
`)

// releaseScript снимает лок только если он все еще принадлежит этому запуску.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Decision — результат скрипта допуска.
type Decision struct {
	Outcome Outcome
	// Для admitted/skipped — новый job_id; для already_running/duplicate — чей запуск мешает.
	JobID string
}

// Admitter — единая точка допуска, общая для всех процессов.
type Admitter interface {
	Admit(ctx context.Context, agentID, idemKey, jobID string) (Decision, error)
	Release(ctx context.Context, agentID, jobID string) error
}

// RedisAdmitter — допуск на Redis: ключ идемпотентности + running-лок на агента.
type RedisAdmitter struct {
	rdb     *redis.Client
	lockTTL time.Duration
	idemTTL time.Duration
}

// NewRedisAdmitter: lockTTL должен покрывать job_timeout, чтобы лок не истек под живым запуском.
func NewRedisAdmitter(rdb *redis.Client, lockTTL, idemTTL time.Duration) *RedisAdmitter {
	return &RedisAdmitter{rdb: rdb, lockTTL: lockTTL, idemTTL: idemTTL}
}

func (a *RedisAdmitter) Admit(ctx context.Context, agentID, idemKey, jobID string) (Decision, error) {
	res, err := admitScript.Run(ctx, a.rdb,
		[]string{infra.IdempotencyKey(idemKey), infra.AgentStateKey(agentID), infra.RunningLockKey(agentID)},
		jobID, a.lockTTL.Milliseconds(), a.idemTTL.Milliseconds(),
	).StringSlice()
	if err != nil {
		return Decision{}, fmt.Errorf("admission: %s: %w", agentID, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("admission: %s: unexpected reply %v", agentID, res)
	}
	return Decision{Outcome: Outcome(res[0]), JobID: res[1]}, nil
}

func (a *RedisAdmitter) Release(ctx context.Context, agentID, jobID string) error {
	if err := releaseScript.Run(ctx, a.rdb, []string{infra.RunningLockKey(agentID)}, jobID).Err(); err != nil {
		return fmt.Errorf("admission: release %s: %w", agentID, err)
	}
	return nil
}
