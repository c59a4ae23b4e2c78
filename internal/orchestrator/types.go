package orchestrator

import (
	"time"

	"github.com/clipscommerce/improvement/internal/agent"
)

// State is the orchestrator lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// SystemMetrics aggregates the fleet and the content it produces. Reset on
// construction, refreshed every cycle.
type SystemMetrics struct {
	Cycle             int64         `json:"cycle"`
	TotalAgents       int           `json:"total_agents"`
	ActiveAgents      int           `json:"active_agents"`
	IdleAgents        int           `json:"idle_agents"`
	TrainingAgents    int           `json:"training_agents"`
	ErrorAgents       int           `json:"error_agents"`
	AvgPerformance    float64       `json:"avg_performance"`
	AvgUtilization    float64       `json:"avg_utilization"`
	SampleCount       int           `json:"sample_count"`
	AvgEngagementRate float64       `json:"avg_engagement_rate"`
	AvgViralityRate   float64       `json:"avg_virality_rate"`
	ModelAccuracy     float64       `json:"model_accuracy"`
	DataGaps          int           `json:"data_gaps"`
	CriticalGaps      int           `json:"critical_gaps"`
	LastCycle         time.Time     `json:"last_cycle"`
	CycleDuration     time.Duration `json:"cycle_duration"`

	// task counters accumulate since Start
	TasksDispatched int64 `json:"tasks_dispatched"`
	TasksFailed     int64 `json:"tasks_failed"`
}

// ObjectivePriority ranks objectives. Only high-priority misses boost
// resource allocations.
type ObjectivePriority string

const (
	PriorityHigh   ObjectivePriority = "high"
	PriorityMedium ObjectivePriority = "medium"
	PriorityLow    ObjectivePriority = "low"
)

// Objective names
const (
	ObjectiveEngagement    = "engagement_rate"
	ObjectiveVirality      = "virality_rate"
	ObjectiveModelAccuracy = "model_accuracy"
)

// Objective is a system-wide optimization target.
type Objective struct {
	Name           string            `json:"name"`
	Target         float64           `json:"target"`
	Current        float64           `json:"current"`
	Priority       ObjectivePriority `json:"priority"`
	CriticalAgents []agent.Type      `json:"critical_agents"`
	// Measured is false until the metric has data behind it. Unmeasured
	// objectives never count as missed.
	Measured bool `json:"measured"`
}

// Missed reports a measured objective below target.
func (o Objective) Missed() bool {
	return o.Measured && o.Current < o.Target
}

// shortfall is the relative distance below target, 0 when met.
func (o Objective) shortfall() float64 {
	if !o.Missed() || o.Target == 0 {
		return 0
	}
	return (o.Target - o.Current) / o.Target
}

func (o Objective) criticalFor(t agent.Type) bool {
	for _, c := range o.CriticalAgents {
		if c == t {
			return true
		}
	}
	return false
}

// DefaultObjectives are installed on Start when none are configured.
func DefaultObjectives() []Objective {
	return []Objective{
		{
			Name:           ObjectiveEngagement,
			Target:         0.05,
			Priority:       PriorityHigh,
			CriticalAgents: []agent.Type{agent.TypeContentOptimization, agent.TypeEngagementPrediction},
		},
		{
			Name:           ObjectiveVirality,
			Target:         0.01,
			Priority:       PriorityHigh,
			CriticalAgents: []agent.Type{agent.TypeContentOptimization, agent.TypeABTesting},
		},
		{
			Name:           ObjectiveModelAccuracy,
			Target:         0.85,
			Priority:       PriorityMedium,
			CriticalAgents: []agent.Type{agent.TypeEngagementPrediction, agent.TypeDataCollection},
		},
	}
}

// ResourceAllocation is the grant computed for one agent in a cycle.
type ResourceAllocation struct {
	AgentID   string     `json:"agent_id"`
	AgentType agent.Type `json:"agent_type"`
	agent.Allocation
	Reason string `json:"reason"`
}

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator-facing event raised during a cycle.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	AgentID   string    `json:"agent_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment is a task bound for one agent.
type Assignment struct {
	AgentID string     `json:"agent_id"`
	Task    agent.Task `json:"task"`
	Reason  string     `json:"reason,omitempty"`
}

// Decision is the output of the decide step, executed in the same cycle.
type Decision struct {
	Cycle       int64                `json:"cycle"`
	Assignments []Assignment         `json:"assignments"`
	Training    []Assignment         `json:"training"`
	Directive   agent.Directive      `json:"directive,omitempty"`
	Allocations []ResourceAllocation `json:"allocations"`
	Alerts      []Alert              `json:"alerts"`
	CreatedAt   time.Time            `json:"created_at"`
}
