package statestore

import (
	"context"
	"strings"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/infra"
	"go.uber.org/zap"
)

// Listen — "живучая" подписка на сигналы смены статуса.
// onReconnect вызывается после каждой успешной подписки (сигналы за время разрыва потеряны).
func (s *Store) Listen(
	ctx context.Context,
	logger *zap.Logger,
	onReconnect func(ctx context.Context) error,
	onChange func(agentID string, status domain.AgentStatus),
) {
	const retryDelay = 5 * time.Second

	for {
		pubsub := s.rdb.Subscribe(ctx, infra.RedisChanAgentState)

		// 1. Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", infra.RedisChanAgentState), zap.Error(err))
			if !sleepCtx(ctx, retryDelay) {
				return
			}
			continue
		}

		// 2. Синхронизация при каждом коннекте
		if onReconnect != nil {
			if err := onReconnect(ctx); err != nil {
				logger.Error("sync failed on reconnect", zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				// 3. Разбор формата "agent_id:status"
				id, status, found := strings.Cut(msg.Payload, ":")
				st := domain.AgentStatus(status)
				if !found || id == "" || !st.Valid() {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onChange(id, st)
			}
		}

		_ = pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
