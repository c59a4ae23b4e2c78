package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clipscommerce/improvement/internal/engagement"
)

// Type identifies an agent implementation.
type Type string

const (
	TypeDataCollection       Type = "data_collection"
	TypeContentOptimization  Type = "content_optimization"
	TypeEngagementPrediction Type = "engagement_prediction"
	TypeABTesting            Type = "ab_testing"
)

// State is the externally visible lifecycle of an agent.
type State string

const (
	StateActive   State = "active"
	StateIdle     State = "idle"
	StateError    State = "error"
	StateTraining State = "training"
)

// Status is a point-in-time view of an agent, recomputed on every poll.
type Status struct {
	AgentID             string    `json:"agent_id"`
	Type                Type      `json:"type"`
	State               State     `json:"state"`
	CurrentTask         string    `json:"current_task,omitempty"`
	Performance         float64   `json:"performance"`
	ResourceUtilization float64   `json:"resource_utilization"`
	TasksCompleted      int64     `json:"tasks_completed"`
	TasksFailed         int64     `json:"tasks_failed"`
	LastUpdate          time.Time `json:"last_update"`
}

// Task is the unit of work the orchestrator hands to an agent.
type Task struct {
	ID           string         `json:"id"`
	Type         string         `json:"type" validate:"required"`
	Niche        string         `json:"niche,omitempty"`
	Platform     string         `json:"platform,omitempty"`
	Priority     int            `json:"priority" validate:"gte=0,lte=10"`
	Requirements map[string]any `json:"requirements,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// Label is the human readable current-task string.
func (t Task) Label() string {
	switch {
	case t.Niche != "" && t.Platform != "":
		return fmt.Sprintf("%s:%s/%s", t.Type, t.Niche, t.Platform)
	case t.Platform != "":
		return fmt.Sprintf("%s:%s", t.Type, t.Platform)
	default:
		return t.Type
	}
}

// Result is what a successful task returns. Value holds the task-specific
// domain value (an experiment, a gap report, metrics) or nil.
type Result struct {
	TaskID   string        `json:"task_id"`
	Type     string        `json:"type"`
	Value    any           `json:"value,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Agent is the capability contract every background worker implements.
type Agent interface {
	ID() string
	Type() Type
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ExecuteTask(ctx context.Context, task Task) (Result, error)
	Status() Status
	Performance() float64
	ResourceUtilization() float64
	CurrentTask() (string, bool)
}

// ErrNotApplicable marks an operation an agent does not support.
var ErrNotApplicable = errors.New("agent: operation not applicable")

// GapReporter exposes the latest data-gap report.
type GapReporter interface {
	DataGaps() []DataGap
}

// Collecting reports whether an agent can fetch new content, and so whether
// remediating a gap can succeed.
type Collecting interface {
	CanCollect() bool
}

// Directive steers experiment prioritization.
type Directive string

const (
	DirectiveEngagement Directive = "engagement_focus"
	DirectiveVirality   Directive = "virality_focus"
)

// ExperimentPrioritizer reorders the experiment queue for a directive.
type ExperimentPrioritizer interface {
	PrioritizeExperiments(ctx context.Context, directive Directive) ([]string, error)
}

// ExperimentTracker lists the experiments an agent is following.
type ExperimentTracker interface {
	ActiveExperiments() []string
}

// ModelReporter exposes the engagement model's quality.
type ModelReporter interface {
	ModelMetrics() engagement.Metrics
}

// PatternReporter exposes when content patterns were last refreshed.
type PatternReporter interface {
	LastPatternRefresh() time.Time
}

// Allocation is the resource budget the orchestrator grants an agent.
type Allocation struct {
	Priority    int     `json:"priority"`
	CPUShare    float64 `json:"cpu_share"`
	MemoryShare float64 `json:"memory_share"`
}

// Allocatable agents accept resource allocations.
type Allocatable interface {
	ApplyAllocation(a Allocation)
}

// Gaps returns the agent's data gaps or ErrNotApplicable.
func Gaps(a Agent) ([]DataGap, error) {
	r, ok := a.(GapReporter)
	if !ok {
		return nil, ErrNotApplicable
	}
	return r.DataGaps(), nil
}

// Prioritize forwards directive when the agent supports it.
func Prioritize(ctx context.Context, a Agent, directive Directive) ([]string, error) {
	p, ok := a.(ExperimentPrioritizer)
	if !ok {
		return nil, ErrNotApplicable
	}
	return p.PrioritizeExperiments(ctx, directive)
}

// Allocate applies allocation when the agent supports it.
func Allocate(a Agent, allocation Allocation) error {
	al, ok := a.(Allocatable)
	if !ok {
		return ErrNotApplicable
	}
	al.ApplyAllocation(allocation)
	return nil
}
