package domain

import "time"

// AgentCategory делит агентов на сборщиков сырых сигналов и анализаторов.
type AgentCategory string

const (
	CategoryCollector AgentCategory = "collector"
	CategoryAnalyzer  AgentCategory = "analyzer"
)

// AgentStatus — состояние допуска агента к новым запускам.
type AgentStatus string

const (
	StatusRunning AgentStatus = "running" // Планировщик и ручные триггеры допускаются
	StatusPaused  AgentStatus = "paused"  // Новые запуски пропускаются (skipped)
)

// ActorSystem — автор записи состояния, созданной при bootstrap.
const ActorSystem = "system"

// Valid проверяет, что статус входит в закрытое множество.
func (s AgentStatus) Valid() bool {
	return s == StatusRunning || s == StatusPaused
}

// AgentDescriptor — неизменяемое описание агента из закрытого реестра.
type AgentDescriptor struct {
	ID              string        `json:"id"`
	DisplayName     string        `json:"display_name"`
	Category        AgentCategory `json:"category"`
	NominalInterval time.Duration `json:"nominal_interval"`

	// Источники, которые сборщик передает в Content Fetcher (например, "reddit:r/stocks")
	Sources []string `json:"sources,omitempty"`
}

// AgentState — текущий статус агента. Единственный источник правды для допуска.
type AgentState struct {
	AgentID   string      `json:"agent_id"`
	Status    AgentStatus `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
	UpdatedBy string      `json:"updated_by"` // ID админа или "system"
	Version   int64       `json:"version"`    // Токен для compare-and-swap
}

// AgentView — то, что видит админка в GET /agents: описание + состояние.
type AgentView struct {
	AgentDescriptor
	State AgentState `json:"state"`
}
