package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: исходы завершенных запусков
	JobsTotal *prometheus.CounterVec

	// Latency: длительность запуска от running до финализации
	JobDuration *prometheus.HistogramVec

	// Saturation: занятые слоты по категориям
	JobsRunning *prometheus.GaugeVec

	// Admission: admitted / skipped / already_running / duplicate
	Admissions *prometheus.CounterVec

	// Состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Повторы внешних вызовов
	OperationRetries *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		JobsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_total",
			Help: "Finalized jobs by agent and terminal status.",
		}, []string{"agent_id", "status"}),

		JobDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Histogram of job durations.",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"agent_id"}),

		JobsRunning: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_jobs_running",
			Help: "Jobs currently holding a worker slot.",
		}, []string{"category"}),

		Admissions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_admissions_total",
			Help: "Admission decisions by outcome.",
		}, []string{"outcome"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"operation"}),

		OperationRetries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_operation_retries_total",
			Help: "Retries of external operations.",
		}, []string{"operation"}),
	}
}
