package domain

import "time"

// AdminAction — действие администратора над агентом.
type AdminAction string

const (
	ActionPause   AdminAction = "pause"
	ActionResume  AdminAction = "resume"
	ActionTrigger AdminAction = "trigger"
)

// ActionOutcome фиксирует, чем закончилась команда (для подотчетности).
type ActionOutcome string

const (
	OutcomeOK             ActionOutcome = "ok"
	OutcomeSkipped        ActionOutcome = "skipped"
	OutcomeAlreadyRunning ActionOutcome = "already_running"
)

// AdminActionAudit — неизменяемая запись аудита, пишется синхронно с мутацией.
type AdminActionAudit struct {
	ID             string        `json:"id"`
	AdminID        string        `json:"admin_id"`
	Action         AdminAction   `json:"action"`
	TargetAgent    string        `json:"target_agent"`
	Timestamp      time.Time     `json:"timestamp"`
	ResultingJobID *string       `json:"resulting_job_id,omitempty"`
	Outcome        ActionOutcome `json:"outcome"`
}
