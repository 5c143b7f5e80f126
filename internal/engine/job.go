package engine

import (
	"context"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/domain"
)

// Trigger — запрос на один цикл агента (по расписанию или вручную).
type Trigger struct {
	AgentID string
	Source  domain.TriggerSource
	// Ключ идемпотентности "agent_id:bucket". Пустой у ручных запусков.
	IdempotencyKey string
	Actor          string
}

// Outcome — решение допуска.
type Outcome string

const (
	OutcomeAdmitted       Outcome = "admitted"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeAlreadyRunning Outcome = "already_running"
	OutcomeDuplicate      Outcome = "duplicate"
)

// Admission — ответ Submit. JobID пуст, если запись не создавалась.
type Admission struct {
	JobID   string
	Outcome Outcome
}

// Job — то, что получает юнит работы.
type Job struct {
	ID      string
	Agent   domain.AgentDescriptor
	Trigger Trigger
}

// Unit — агент-специфичная работа (сборщик или анализатор).
// Частичный результат возвращается и при ошибке: он попадает в финализацию.
type Unit interface {
	Run(ctx context.Context, job Job) (domain.JobResult, error)
}

// UnitFunc адаптирует функцию к Unit.
type UnitFunc func(ctx context.Context, job Job) (domain.JobResult, error)

func (f UnitFunc) Run(ctx context.Context, job Job) (domain.JobResult, error) {
	return f(ctx, job)
}

// ExecutionLog — то, что пулу нужно от Execution Log Repository.
type ExecutionLog interface {
	Create(ctx context.Context, rec domain.ExecutionRecord) error
	MarkRunning(ctx context.Context, id string, at time.Time) error
	Finalize(ctx context.Context, id string, f domain.Finalization) error
	// AbandonStale закрывает незавершенные записи агента: running → failed, queued → skipped.
	AbandonStale(ctx context.Context, agentID string, at time.Time, reason string) (int, error)
}
