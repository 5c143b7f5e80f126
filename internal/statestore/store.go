package statestore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/infra"
)

// setScript — запись статуса, инкремент версии и публикация сигнала одной атомарной операцией.
// ARGV[4] = ожидаемая версия или -1 (без проверки, last write wins).
var setScript = redis.NewScript(`
local v = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
local expected = tonumber(ARGV[4])
if expected >= 0 and v ~= expected then
	return -1
end
v = v + 1
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_by', ARGV[2], 'updated_at', ARGV[3], 'version', v)
redis.call('PUBLISH', ARGV[5], ARGV[6])
return v
`)

// bootstrapScript создает hash только если его еще нет.
var bootstrapScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_by', ARGV[2], 'updated_at', ARGV[3], 'version', 0)
return 1
`)

// Store — Agent State Store на Redis. Единственный источник правды для допуска.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

// WithClock подменяет часы (тесты).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get читает текущее состояние агента.
func (s *Store) Get(ctx context.Context, agentID string) (domain.AgentState, error) {
	vals, err := s.rdb.HGetAll(ctx, infra.AgentStateKey(agentID)).Result()
	if err != nil {
		return domain.AgentState{}, fmt.Errorf("statestore: get %s: %w", agentID, err)
	}
	if len(vals) == 0 {
		return domain.AgentState{}, fmt.Errorf("statestore: agent %s: %w", agentID, domain.ErrNotFound)
	}
	return decode(agentID, vals)
}

// GetAll читает состояния пачкой (один round trip). Отсутствующие агенты пропускаются.
func (s *Store) GetAll(ctx context.Context, agentIDs []string) (map[string]domain.AgentState, error) {
	cmds := make([]*redis.MapStringStringCmd, len(agentIDs))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range agentIDs {
			cmds[i] = p.HGetAll(ctx, infra.AgentStateKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("statestore: get all: %w", err)
	}

	out := make(map[string]domain.AgentState, len(agentIDs))
	for i, id := range agentIDs {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			continue
		}
		st, err := decode(id, vals)
		if err != nil {
			return nil, err
		}
		out[id] = st
	}
	return out, nil
}

// Set безусловно записывает статус (последняя запись выигрывает, версия растет).
func (s *Store) Set(ctx context.Context, agentID string, status domain.AgentStatus, actor string) (domain.AgentState, error) {
	return s.write(ctx, agentID, -1, status, actor)
}

// CompareAndSet записывает статус, только если версия не изменилась с момента чтения.
func (s *Store) CompareAndSet(ctx context.Context, agentID string, expectedVersion int64, status domain.AgentStatus, actor string) (domain.AgentState, error) {
	if expectedVersion < 0 {
		return domain.AgentState{}, fmt.Errorf("statestore: negative expected version %d", expectedVersion)
	}
	return s.write(ctx, agentID, expectedVersion, status, actor)
}

func (s *Store) write(ctx context.Context, agentID string, expected int64, status domain.AgentStatus, actor string) (domain.AgentState, error) {
	if !status.Valid() {
		return domain.AgentState{}, fmt.Errorf("statestore: unknown status %q", status)
	}
	now := s.now().UTC()
	v, err := setScript.Run(ctx, s.rdb,
		[]string{infra.AgentStateKey(agentID)},
		string(status), actor, now.UnixMilli(), expected,
		infra.RedisChanAgentState, agentID+":"+string(status),
	).Int64()
	if err != nil {
		return domain.AgentState{}, fmt.Errorf("statestore: set %s: %w", agentID, err)
	}
	if v < 0 {
		return domain.AgentState{}, fmt.Errorf("statestore: set %s: %w", agentID, domain.ErrVersionConflict)
	}
	return domain.AgentState{
		AgentID:   agentID,
		Status:    status,
		UpdatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
		UpdatedBy: actor,
		Version:   v,
	}, nil
}

// Bootstrap создает состояние running/system для каждого агента, у которого его еще нет.
// Существующие состояния не трогаются: пауза переживает рестарт процессов.
func (s *Store) Bootstrap(ctx context.Context, agentIDs []string) (int, error) {
	now := s.now().UTC().UnixMilli()
	cmds := make([]*redis.Cmd, len(agentIDs))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range agentIDs {
			// Eval, а не EvalSha: в pipeline нельзя откатиться на NOSCRIPT
			cmds[i] = bootstrapScript.Eval(ctx, p, []string{infra.AgentStateKey(id)},
				string(domain.StatusRunning), domain.ActorSystem, now)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("statestore: bootstrap: %w", err)
	}
	created := 0
	for _, c := range cmds {
		if n, _ := c.Int64(); n == 1 {
			created++
		}
	}
	return created, nil
}

func decode(agentID string, vals map[string]string) (domain.AgentState, error) {
	st := domain.AgentState{
		AgentID:   agentID,
		Status:    domain.AgentStatus(vals["status"]),
		UpdatedBy: vals["updated_by"],
	}
	if !st.Status.Valid() {
		return st, fmt.Errorf("statestore: agent %s has corrupt status %q", agentID, vals["status"])
	}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		st.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	st.Version, _ = strconv.ParseInt(vals["version"], 10, 64)
	return st, nil
}
