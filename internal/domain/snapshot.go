package domain

import "time"

// MetricSnapshot — точечный агрегированный срез для админки. Не персистится.
type MetricSnapshot struct {
	PerAgent    []AgentMetrics    `json:"per_agent"`
	Global      GlobalMetrics     `json:"global"`
	Recent      []ExecutionRecord `json:"recent"` // Ограниченное окно последних запусков
	GeneratedAt time.Time         `json:"generated_at"`
}

type AgentMetrics struct {
	AgentID     string           `json:"agent_id"`
	DisplayName string           `json:"display_name"`
	Category    AgentCategory    `json:"category"`
	Status      AgentStatus      `json:"status"`
	LastRun     *ExecutionRecord `json:"last_run,omitempty"`
	CostToday   float64          `json:"cost_today"`
}

type GlobalMetrics struct {
	RunningCount int     `json:"running_count"`
	PausedCount  int     `json:"paused_count"`
	CostToday    float64 `json:"cost_today"`
	PendingItems int64   `json:"pending_items"`
}

// LogSummary — все, что агрегатору нужно от журнала запусков, за один запрос.
type LogSummary struct {
	Recent      []ExecutionRecord
	LastRuns    map[string]ExecutionRecord // agent_id -> последний запуск
	CostByAgent map[string]float64         // agent_id -> стоимость с момента since
}

// TotalCost суммирует стоимость по всем агентам.
func (s *LogSummary) TotalCost() float64 {
	var total float64
	for _, c := range s.CostByAgent {
		total += c
	}
	return total
}
