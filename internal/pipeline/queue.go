package pipeline

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/infra"
)

// PendingQueue — очередь сырых элементов между сборщиками и анализатором (Redis list, FIFO).
// Элементы хранятся в msgpack.
type PendingQueue struct {
	rdb      *redis.Client
	key      string
	capacity int64
}

// NewPendingQueue. capacity <= 0 — без ограничения; при переполнении отбрасываются самые старые.
func NewPendingQueue(rdb *redis.Client, capacity int64) *PendingQueue {
	return &PendingQueue{rdb: rdb, key: infra.RedisKeyPendingItems, capacity: capacity}
}

// Push добавляет элементы в хвост.
func (q *PendingQueue) Push(ctx context.Context, items []domain.RawItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	vals, err := encode(items)
	if err != nil {
		return 0, err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, q.key, vals...)
		if q.capacity > 0 {
			p.LTrim(ctx, q.key, -q.capacity, -1)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: push: %w", err)
	}
	return len(items), nil
}

// PopBatch забирает до n элементов с головы одной транзакцией.
func (q *PendingQueue) PopBatch(ctx context.Context, n int) ([]domain.RawItem, error) {
	if n <= 0 {
		return nil, nil
	}
	var rng *redis.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rng = p.LRange(ctx, q.key, 0, int64(n-1))
		p.LTrim(ctx, q.key, int64(n), -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: pop: %w", err)
	}

	raw := rng.Val()
	items := make([]domain.RawItem, 0, len(raw))
	for _, s := range raw {
		var it domain.RawItem
		if err := msgpack.Unmarshal([]byte(s), &it); err != nil {
			// Битый элемент пропускаем: вернуть его в очередь значит зациклиться на нем
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// Requeue возвращает необработанные элементы в голову в исходном порядке.
func (q *PendingQueue) Requeue(ctx context.Context, items []domain.RawItem) error {
	if len(items) == 0 {
		return nil
	}
	vals, err := encode(items)
	if err != nil {
		return err
	}
	// LPUSH кладет аргументы по одному, поэтому разворачиваем
	for i, j := 0, len(vals)-1; i < j; i, j = i+1, j-1 {
		vals[i], vals[j] = vals[j], vals[i]
	}
	if err := q.rdb.LPush(ctx, q.key, vals...).Err(); err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	return nil
}

// Len — pending_items для снимка метрик.
func (q *PendingQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}

func encode(items []domain.RawItem) ([]interface{}, error) {
	vals := make([]interface{}, 0, len(items))
	for _, it := range items {
		b, err := msgpack.Marshal(&it)
		if err != nil {
			return nil, fmt.Errorf("queue: encode %s: %w", it.ID, err)
		}
		vals = append(vals, string(b))
	}
	return vals, nil
}
