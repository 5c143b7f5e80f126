package domain

import (
	"time"
)

// ExecStatus — статусы конечного автомата ExecutionRecord.
type ExecStatus string

const (
	ExecQueued    ExecStatus = "queued"
	ExecRunning   ExecStatus = "running"
	ExecSucceeded ExecStatus = "succeeded"
	ExecFailed    ExecStatus = "failed"
	ExecSkipped   ExecStatus = "skipped"
)

// TriggerSource — откуда пришел запуск.
type TriggerSource string

const (
	TriggerScheduled TriggerSource = "scheduled"
	TriggerManual    TriggerSource = "manual"
)

// Terminal сообщает, что статус финальный и больше не меняется.
func (s ExecStatus) Terminal() bool {
	return s == ExecSucceeded || s == ExecFailed || s == ExecSkipped
}

// CanTransitionTo проверяет правила конечного автомата:
// queued→running→{succeeded|failed} или queued→skipped.
func (s ExecStatus) CanTransitionTo(next ExecStatus) error {
	if s.Terminal() {
		return ErrAlreadyFinalized
	}
	switch s {
	case ExecQueued:
		if next == ExecRunning || next == ExecSkipped {
			return nil
		}
	case ExecRunning:
		if next == ExecSucceeded || next == ExecFailed {
			return nil
		}
	}
	return ErrInvalidTransition
}

// ExecutionRecord — запись о попытке выполнения задачи. Append-only.
type ExecutionRecord struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agent_id"`
	Status         ExecStatus    `json:"status"`
	Trigger        TriggerSource `json:"trigger"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`

	ItemsProcessed int     `json:"items_processed"`
	ItemsFailed    int     `json:"items_failed"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	CostUSD        float64 `json:"cost_usd"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// JobResult — итог работы юнита, который пул переносит в финализацию записи.
type JobResult struct {
	ItemsProcessed int
	ItemsFailed    int
	CostUSD        float64
	Metadata       map[string]interface{}
}

// Finalization — единственный переход записи в терминальный статус.
type Finalization struct {
	Status       ExecStatus
	CompletedAt  time.Time
	Result       JobResult
	ErrorMessage string
}

// Apply переносит финализацию в запись (используется in-memory репозиторием и тестами).
func (f Finalization) Apply(rec *ExecutionRecord) {
	completed := f.CompletedAt
	dur := completed.Sub(rec.StartedAt).Milliseconds()
	if dur < 0 {
		dur = 0
	}
	rec.Status = f.Status
	rec.CompletedAt = &completed
	rec.DurationMs = &dur
	rec.ItemsProcessed = f.Result.ItemsProcessed
	rec.ItemsFailed = f.Result.ItemsFailed
	if f.Result.CostUSD > 0 {
		rec.CostUSD = f.Result.CostUSD
	}
	if f.Result.Metadata != nil {
		rec.Metadata = f.Result.Metadata
	}
	if f.ErrorMessage != "" {
		msg := f.ErrorMessage
		rec.ErrorMessage = &msg
	}
}

// ItemStatus — исход обработки одного элемента внутри запуска.
type ItemStatus string

const (
	ItemOK     ItemStatus = "ok"
	ItemFailed ItemStatus = "failed"
)

// RawItem — сырой сигнал, собранный коллектором и ожидающий анализа.
type RawItem struct {
	ID        string    `json:"id" msgpack:"id"`
	Source    string    `json:"source" msgpack:"source"`
	Content   string    `json:"content" msgpack:"content"`
	FetchedAt time.Time `json:"fetched_at" msgpack:"fetched_at"`
}

// ItemOutcome — структурированный результат (или отказ) по одному элементу.
type ItemOutcome struct {
	ExecutionID string                 `json:"execution_id"`
	AgentID     string                 `json:"agent_id"`
	ItemID      string                 `json:"item_id"`
	Source      string                 `json:"source"`
	Status      ItemStatus             `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	CostUSD     float64                `json:"cost_usd"`
	At          time.Time              `json:"at"`
}
