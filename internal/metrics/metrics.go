package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the improvement core
type Metrics struct {
	// Orchestration loop
	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	CycleErrors   prometheus.Counter

	// Agent fleet
	TasksDispatched  *prometheus.CounterVec // agent_type, outcome
	AgentPerformance *prometheus.GaugeVec   // agent_id
	AgentUtilization *prometheus.GaugeVec   // agent_id
	Alerts           *prometheus.CounterVec // severity

	// Learning subsystems
	ExperimentAnalyses *prometheus.CounterVec // status
	BanditPulls        *prometheus.CounterVec // mode (explore/exploit)
	TrainingRuns       *prometheus.CounterVec // outcome
	ModelAccuracy      prometheus.Gauge
	DroppedEvents      prometheus.Counter
}

// New creates and registers all metrics on reg. A nil reg uses a private
// registry, which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Name: "improvement_orchestration_cycles_total",
			Help: "Number of orchestration cycles executed",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "improvement_orchestration_cycle_seconds",
			Help:    "Wall time of one poll-decide-execute cycle",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		CycleErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "improvement_orchestration_cycle_errors_total",
			Help: "Cycles that finished with at least one failed step",
		}),

		TasksDispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "improvement_tasks_dispatched_total",
				Help: "Tasks dispatched to agents by outcome",
			},
			[]string{"agent_type", "outcome"},
		),
		AgentPerformance: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "improvement_agent_performance",
				Help: "Bounded performance score per agent",
			},
			[]string{"agent_id"},
		),
		AgentUtilization: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "improvement_agent_utilization",
				Help: "Resource utilization per agent (0-1)",
			},
			[]string{"agent_id"},
		),
		Alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "improvement_alerts_total",
				Help: "Alerts emitted by the orchestrator",
			},
			[]string{"severity"},
		),

		ExperimentAnalyses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "improvement_experiment_analyses_total",
				Help: "Experiment analyses by resulting status",
			},
			[]string{"status"},
		),
		BanditPulls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "improvement_bandit_pulls_total",
				Help: "Bandit arm selections by decision mode",
			},
			[]string{"mode"},
		),
		TrainingRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "improvement_training_runs_total",
				Help: "Engagement model training runs by outcome",
			},
			[]string{"outcome"},
		),
		ModelAccuracy: f.NewGauge(prometheus.GaugeOpts{
			Name: "improvement_model_accuracy",
			Help: "Fraction of predictions within 20% of truth after the last training run",
		}),
		DroppedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "improvement_training_events_dropped_total",
			Help: "Training events dropped because a subscriber buffer was full",
		}),
	}
}
