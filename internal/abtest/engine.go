package abtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipscommerce/improvement/internal/domain"
	"github.com/clipscommerce/improvement/internal/logging"
	"github.com/clipscommerce/improvement/internal/metrics"
	"github.com/clipscommerce/improvement/internal/stats"
	"github.com/clipscommerce/improvement/pkg/otel"
)

const (
	DefaultConfidenceLevel   = 0.95
	DefaultMinimumSampleSize = 100

	minConfidenceLevel = 0.80
	maxConfidenceLevel = 0.99
	weightTolerance    = 0.01
)

// Config for the experiment engine
type Config struct {
	Store    Store
	Strategy stats.Strategy
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Engine owns every experiment and its samples. All mutation goes through the
// engine's mutex; callers receive copies.
type Engine struct {
	mu       sync.Mutex
	store    Store
	strategy stats.Strategy
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	validate *validator.Validate
}

// NewEngine creates an engine. Zero-valued config fields get defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Strategy == nil {
		cfg.Strategy = stats.ThresholdStrategy{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		store:    cfg.Store,
		strategy: cfg.Strategy,
		logger:   logging.OrNop(cfg.Logger).Named("abtest"),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		validate: validator.New(),
	}
}

// CreateExperiment validates spec and stores a new experiment with an empty
// sample bucket per variant.
func (e *Engine) CreateExperiment(ctx context.Context, spec Spec) (*Experiment, error) {
	if spec.ConfidenceLevel == 0 {
		spec.ConfidenceLevel = DefaultConfidenceLevel
	}
	if spec.MinimumSampleSize == 0 {
		spec.MinimumSampleSize = DefaultMinimumSampleSize
	}
	if spec.Status == "" {
		spec.Status = StatusDraft
	}

	if err := e.validate.Struct(spec); err != nil {
		return nil, validationError(err)
	}
	if spec.Status != StatusDraft && spec.Status != StatusRunning {
		return nil, domain.Validation("experiment cannot be created in status %q", spec.Status)
	}
	if err := validateVariants(spec.Variants); err != nil {
		return nil, err
	}
	if spec.ConfidenceLevel < minConfidenceLevel || spec.ConfidenceLevel > maxConfidenceLevel {
		return nil, domain.Validation("confidence level %.2f outside [%.2f, %.2f]",
			spec.ConfidenceLevel, minConfidenceLevel, maxConfidenceLevel)
	}

	now := e.now()
	exp := &Experiment{
		ID:                uuid.NewString(),
		Name:              spec.Name,
		Description:       spec.Description,
		Platform:          spec.Platform,
		Status:            spec.Status,
		StartDate:         spec.StartDate,
		EndDate:           spec.EndDate,
		TargetMetric:      spec.TargetMetric,
		MinimumSampleSize: spec.MinimumSampleSize,
		ConfidenceLevel:   spec.ConfidenceLevel,
		CreatedBy:         spec.CreatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	exp.Variants = append(exp.Variants, spec.Variants...)
	if exp.Status == StatusRunning && exp.StartDate.IsZero() {
		exp.StartDate = now
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Save(ctx, exp); err != nil {
		return nil, err
	}
	if err := e.store.InitBuckets(ctx, exp.ID, variantIDs(exp.Variants)); err != nil {
		return nil, err
	}

	e.logger.Info("experiment created",
		zap.String("experiment_id", exp.ID),
		zap.String("name", exp.Name),
		zap.String("status", string(exp.Status)),
		zap.Int("variants", len(exp.Variants)))

	return exp.Clone(), nil
}

// GetExperiment returns a copy of the experiment.
func (e *Engine) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, domain.NotFound("experiment %s", id)
	}
	return exp, nil
}

// ListExperiments returns experiments matching filter in creation order.
func (e *Engine) ListExperiments(ctx context.Context, filter Filter) ([]*Experiment, error) {
	all, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, exp := range all {
		if filter.match(exp) {
			out = append(out, exp)
		}
	}
	return out, nil
}

// UpdateExperiment applies patch to a draft or paused experiment.
func (e *Engine) UpdateExperiment(ctx context.Context, id string, patch Patch) (*Experiment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != StatusDraft && exp.Status != StatusPaused {
		return nil, domain.FailedPrecondition("experiment %s is %s, only draft or paused experiments can be updated", id, exp.Status)
	}

	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return nil, domain.Validation("name must not be empty")
		}
		exp.Name = *patch.Name
	}
	if patch.Description != nil {
		exp.Description = *patch.Description
	}
	if patch.EndDate != nil {
		exp.EndDate = *patch.EndDate
	}
	if patch.TargetMetric != nil {
		exp.TargetMetric = *patch.TargetMetric
	}
	if patch.MinimumSampleSize != nil {
		if *patch.MinimumSampleSize < 0 {
			return nil, domain.Validation("minimum sample size must not be negative")
		}
		exp.MinimumSampleSize = *patch.MinimumSampleSize
	}
	if patch.ConfidenceLevel != nil {
		c := *patch.ConfidenceLevel
		if c < minConfidenceLevel || c > maxConfidenceLevel {
			return nil, domain.Validation("confidence level %.2f outside [%.2f, %.2f]", c, minConfidenceLevel, maxConfidenceLevel)
		}
		exp.ConfidenceLevel = c
	}
	if patch.Variants != nil {
		for i := range patch.Variants {
			if err := e.validate.Struct(patch.Variants[i]); err != nil {
				return nil, validationError(err)
			}
		}
		if err := validateVariants(patch.Variants); err != nil {
			return nil, err
		}
		exp.Variants = append([]Variant(nil), patch.Variants...)
		if err := e.store.InitBuckets(ctx, exp.ID, variantIDs(exp.Variants)); err != nil {
			return nil, err
		}
	}

	exp.UpdatedAt = e.now()
	if err := e.store.Save(ctx, exp); err != nil {
		return nil, err
	}
	return exp.Clone(), nil
}

// StartExperiment moves a draft or paused experiment to running.
func (e *Engine) StartExperiment(ctx context.Context, id string) (*Experiment, error) {
	return e.transition(ctx, id, StatusRunning)
}

func (e *Engine) PauseExperiment(ctx context.Context, id string) (*Experiment, error) {
	return e.transition(ctx, id, StatusPaused)
}

func (e *Engine) CompleteExperiment(ctx context.Context, id string) (*Experiment, error) {
	return e.transition(ctx, id, StatusCompleted)
}

func (e *Engine) CancelExperiment(ctx context.Context, id string) (*Experiment, error) {
	return e.transition(ctx, id, StatusCancelled)
}

func (e *Engine) transition(ctx context.Context, id string, to Status) (*Experiment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(exp.Status, to) {
		return nil, domain.FailedPrecondition("experiment %s cannot move from %s to %s", id, exp.Status, to)
	}

	now := e.now()
	from := exp.Status
	exp.Status = to
	exp.UpdatedAt = now
	switch to {
	case StatusRunning:
		if exp.StartDate.IsZero() {
			exp.StartDate = now
		}
	case StatusCompleted, StatusCancelled:
		exp.EndDate = now
	}

	if err := e.store.Save(ctx, exp); err != nil {
		return nil, err
	}

	e.logger.Info("experiment status changed",
		zap.String("experiment_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	return exp.Clone(), nil
}

// AssignVariant deterministically maps userID to a variant. It returns false
// when the experiment is unknown or not running.
func (e *Engine) AssignVariant(ctx context.Context, experimentID, userID string) (*Variant, bool) {
	exp, err := e.store.Load(ctx, experimentID)
	if err != nil {
		e.logger.Warn("assign variant: load failed", zap.String("experiment_id", experimentID), zap.Error(err))
		return nil, false
	}
	if exp == nil || exp.Status != StatusRunning || len(exp.Variants) == 0 {
		return nil, false
	}

	v := pickVariant(exp.Variants, bucket(userID, experimentID))
	return &v, true
}

// RecordExperimentData appends one metric sample. Unknown experiments,
// unknown variants and experiments that are not running are ignored.
func (e *Engine) RecordExperimentData(ctx context.Context, experimentID, variantID string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return domain.Validation("sample value must be finite")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	exp, err := e.store.Load(ctx, experimentID)
	if err != nil {
		return err
	}
	if exp == nil || exp.Status != StatusRunning {
		return nil
	}
	if _, ok := exp.Variant(variantID); !ok {
		e.logger.Debug("sample for unknown variant dropped",
			zap.String("experiment_id", experimentID),
			zap.String("variant_id", variantID))
		return nil
	}
	return e.store.AppendSample(ctx, experimentID, variantID, value)
}

// AnalyzeExperiment computes per-variant results and a significance verdict.
func (e *Engine) AnalyzeExperiment(ctx context.Context, id string) (*Analysis, error) {
	ctx, span := otel.StartSpan(ctx, "abtest.analyze", otel.ExperimentAttributes(id, "")...)
	defer span.End()

	exp, err := e.GetExperiment(ctx, id)
	if err != nil {
		otel.RecordError(span, err, "load experiment")
		return nil, err
	}
	samples, err := e.store.Samples(ctx, id)
	if err != nil {
		otel.RecordError(span, err, "load samples")
		return nil, err
	}

	analysis := &Analysis{
		ExperimentID: id,
		Results:      make([]Result, 0, len(exp.Variants)),
		AnalyzedAt:   e.now(),
	}

	sufficient := true
	for _, v := range exp.Variants {
		xs := samples[v.ID]
		analysis.Results = append(analysis.Results, summarize(v.ID, xs, exp.ConfidenceLevel))
		if len(xs) < exp.MinimumSampleSize || len(xs) < 2 {
			sufficient = false
		}
	}

	switch {
	case !sufficient:
		analysis.Status = InsufficientData
	case len(exp.Variants) == 2:
		e.compareTwo(exp, samples, analysis)
	default:
		analysis.Status = NoSignificantDifference
	}
	analysis.Recommendations = recommend(exp, analysis)

	span.SetAttributes(otel.AttrAnalysis.String(string(analysis.Status)))
	if analysis.WinningVariant != "" {
		otel.AddEvent(span, "winner", otel.ExperimentAttributes(id, analysis.WinningVariant)...)
	}

	if e.metrics != nil {
		e.metrics.ExperimentAnalyses.WithLabelValues(string(analysis.Status)).Inc()
	}
	e.logger.Debug("experiment analyzed",
		zap.String("experiment_id", id),
		zap.String("status", string(analysis.Status)),
		zap.String("winner", analysis.WinningVariant))

	return analysis, nil
}

func (e *Engine) compareTwo(exp *Experiment, samples map[string][]float64, analysis *Analysis) {
	a, b := exp.Variants[0], exp.Variants[1]
	xa, xb := samples[a.ID], samples[b.ID]

	test, err := stats.PooledTTest(xa, xb, e.strategy)
	if err != nil {
		analysis.Status = InsufficientData
		return
	}

	p := test.PValue
	analysis.PValue = &p
	analysis.Results[1].Significance = &p

	if p >= 1-exp.ConfidenceLevel {
		analysis.Status = NoSignificantDifference
		return
	}

	analysis.Status = SignificantDifference
	d := stats.CohensD(xa, xb)
	winner := a.ID
	if stats.Mean(xb) > stats.Mean(xa) {
		winner = b.ID
		d = -d
	}
	analysis.WinningVariant = winner
	analysis.EffectSize = &d
}

func summarize(variantID string, xs []float64, level float64) Result {
	r := Result{
		VariantID:  variantID,
		SampleSize: len(xs),
		Mean:       stats.Mean(xs),
		StdDev:     stats.StdDev(xs),
	}
	if len(xs) >= 2 {
		r.ConfidenceInterval = stats.ConfidenceInterval(xs, level)
	} else {
		r.ConfidenceInterval = stats.Interval{Lower: r.Mean, Upper: r.Mean, Level: level}
	}
	if len(xs) > 0 && binary(xs) {
		rate := r.Mean
		r.ConversionRate = &rate
	}
	return r
}

// binary reports whether every sample is a 0/1 conversion outcome.
func binary(xs []float64) bool {
	for _, x := range xs {
		if x != 0 && x != 1 {
			return false
		}
	}
	return true
}

func recommend(exp *Experiment, a *Analysis) []string {
	var recs []string
	switch a.Status {
	case InsufficientData:
		for _, r := range a.Results {
			if r.SampleSize < exp.MinimumSampleSize {
				recs = append(recs, fmt.Sprintf("Collect more data for variant %s: %d of %d required samples",
					r.VariantID, r.SampleSize, exp.MinimumSampleSize))
			}
		}
		if len(recs) == 0 {
			recs = append(recs, "Collect more data before drawing conclusions")
		}
		recs = append(recs, "Keep the experiment running until every variant reaches the minimum sample size")
	case NoSignificantDifference:
		if len(exp.Variants) > 2 {
			recs = append(recs, "Run pairwise follow-up experiments against the control variant")
		}
		recs = append(recs,
			"No significant difference detected; try larger variations",
			fmt.Sprintf("Consider extending the experiment to increase power on %s", exp.TargetMetric))
	case SignificantDifference:
		recs = append(recs, fmt.Sprintf("Implement winning variant %s", a.WinningVariant))
		if a.EffectSize != nil {
			recs = append(recs, fmt.Sprintf("Effect size is %s (d=%.2f)", effectLabel(*a.EffectSize), *a.EffectSize))
		}
		recs = append(recs, "Use the winning configuration as the control for the next experiment")
	}
	return recs
}

func effectLabel(d float64) string {
	d = math.Abs(d)
	switch {
	case d >= 0.8:
		return "large"
	case d >= 0.5:
		return "medium"
	case d >= 0.2:
		return "small"
	default:
		return "negligible"
	}
}

// load must be called with e.mu held.
func (e *Engine) load(ctx context.Context, id string) (*Experiment, error) {
	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, domain.NotFound("experiment %s", id)
	}
	if exp.Status.Terminal() {
		return nil, domain.FailedPrecondition("experiment %s is %s", id, exp.Status)
	}
	return exp, nil
}

func validateVariants(variants []Variant) error {
	if len(variants) < 2 {
		return domain.Validation("experiment needs at least 2 variants, got %d", len(variants))
	}

	seen := make(map[string]struct{}, len(variants))
	total := 0.0
	for _, v := range variants {
		if _, dup := seen[v.ID]; dup {
			return domain.Validation("duplicate variant id %q", v.ID)
		}
		seen[v.ID] = struct{}{}
		total += v.Weight
	}
	if math.Abs(total-100) > weightTolerance {
		return domain.Validation("variant weights must sum to 100, got %.2f", total)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Validation("%v", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return domain.Validation("invalid experiment: %s", strings.Join(fields, "; "))
}

func variantIDs(variants []Variant) []string {
	ids := make([]string, len(variants))
	for i, v := range variants {
		ids[i] = v.ID
	}
	return ids
}
