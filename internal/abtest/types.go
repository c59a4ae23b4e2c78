package abtest

import (
	"time"

	"github.com/clipscommerce/improvement/internal/stats"
)

// Status is the experiment lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// transitions lists the allowed target states per source state.
var transitions = map[Status][]Status{
	StatusDraft:   {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCompleted, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AnalysisStatus is the verdict of an analysis call.
type AnalysisStatus string

const (
	InsufficientData        AnalysisStatus = "insufficient_data"
	NoSignificantDifference AnalysisStatus = "no_significant_difference"
	SignificantDifference   AnalysisStatus = "significant_difference"
)

// Variant is one alternative inside an experiment. Owned by its Experiment.
type Variant struct {
	ID            string         `json:"id" validate:"required"`
	Name          string         `json:"name" validate:"required"`
	Description   string         `json:"description,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
	Weight        float64        `json:"weight" validate:"gte=0,lte=100"`
}

// Experiment is a configured A/B test.
type Experiment struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Platform          string    `json:"platform"`
	Status            Status    `json:"status"`
	Variants          []Variant `json:"variants"`
	StartDate         time.Time `json:"start_date"`
	EndDate           time.Time `json:"end_date,omitempty"`
	TargetMetric      string    `json:"target_metric"`
	MinimumSampleSize int       `json:"minimum_sample_size"`
	ConfidenceLevel   float64   `json:"confidence_level"`
	CreatedBy         string    `json:"created_by"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never alias engine state.
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Variants = make([]Variant, len(e.Variants))
	for i, v := range e.Variants {
		cp.Variants[i] = v
		if v.Configuration != nil {
			cfg := make(map[string]any, len(v.Configuration))
			for k, val := range v.Configuration {
				cfg[k] = val
			}
			cp.Variants[i].Configuration = cfg
		}
	}
	return &cp
}

// Variant returns the variant with the given id.
func (e *Experiment) Variant(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Spec is the input to CreateExperiment.
type Spec struct {
	Name              string    `json:"name" validate:"required"`
	Description       string    `json:"description"`
	Platform          string    `json:"platform" validate:"required"`
	Variants          []Variant `json:"variants" validate:"dive"`
	StartDate         time.Time `json:"start_date"`
	EndDate           time.Time `json:"end_date"`
	TargetMetric      string    `json:"target_metric" validate:"required"`
	MinimumSampleSize int       `json:"minimum_sample_size" validate:"gte=0"`
	ConfidenceLevel   float64   `json:"confidence_level"`
	CreatedBy         string    `json:"created_by"`
	// Status defaults to draft. Only draft and running are accepted.
	Status Status `json:"status"`
}

// Patch carries the mutable fields for UpdateExperiment. Nil fields are kept.
type Patch struct {
	Name              *string
	Description       *string
	EndDate           *time.Time
	TargetMetric      *string
	MinimumSampleSize *int
	ConfidenceLevel   *float64
	Variants          []Variant
}

// Result summarizes one variant's samples.
type Result struct {
	VariantID          string         `json:"variant_id"`
	SampleSize         int            `json:"sample_size"`
	Mean               float64        `json:"mean"`
	StdDev             float64        `json:"std_dev"`
	ConfidenceInterval stats.Interval `json:"confidence_interval"`
	ConversionRate     *float64       `json:"conversion_rate,omitempty"`
	Significance       *float64       `json:"significance,omitempty"`
}

// Analysis is the derived verdict for an experiment. Not cached.
type Analysis struct {
	ExperimentID    string         `json:"experiment_id"`
	Status          AnalysisStatus `json:"status"`
	Results         []Result       `json:"results"`
	WinningVariant  string         `json:"winning_variant,omitempty"`
	PValue          *float64       `json:"p_value,omitempty"`
	EffectSize      *float64       `json:"effect_size,omitempty"`
	Recommendations []string       `json:"recommendations"`
	AnalyzedAt      time.Time      `json:"analyzed_at"`
}

// Filter narrows ListExperiments. Zero fields match everything.
type Filter struct {
	Status   Status
	Platform string
}

func (f Filter) match(e *Experiment) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Platform != "" && e.Platform != f.Platform {
		return false
	}
	return true
}
