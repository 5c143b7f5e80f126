package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных пайплайна в Redis
	RedisNamespace = "intel"
)

// Ключи (состояние и допуск)
const (
	RedisKeyAgentStatePrefix = RedisNamespace + ":agents:state:"
	RedisKeyRunningPrefix    = RedisNamespace + ":agents:running:"
	RedisKeyIdempotency      = RedisNamespace + ":jobs:idem:"
	RedisKeyRateLimit        = RedisNamespace + ":ratelimit:"
	RedisKeyPendingItems     = RedisNamespace + ":pipeline:pending"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAgentState — трансляция смены статуса агента, формат "agent_id:status".
	RedisChanAgentState = RedisNamespace + ":agents:state-signal"
)

// AgentStateKey — hash со статусом агента.
func AgentStateKey(agentID string) string {
	return RedisKeyAgentStatePrefix + agentID
}

// RunningLockKey — признак "у агента есть running-запуск", значение = job_id.
func RunningLockKey(agentID string) string {
	return RedisKeyRunningPrefix + agentID
}

// IdempotencyKey — ключ идемпотентности запуска.
func IdempotencyKey(key string) string {
	return RedisKeyIdempotency + key
}

// RateLimitKey — счетчик окна для (tier, subject, resource, window).
func RateLimitKey(tier, subject, resource string, window int64) string {
	return fmt.Sprintf("%s%s:%s:%s:%d", RedisKeyRateLimit, tier, subject, resource, window)
}
