package agent

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/clipscommerce/improvement/internal/abtest"
	"github.com/clipscommerce/improvement/internal/domain"
)

// A/B testing task types
const (
	TaskCreateExperiment       = "create_experiment"
	TaskAnalyzeExperiment      = "analyze_experiment"
	TaskStartExperiment        = "start_experiment"
	TaskCompleteExperiment     = "complete_experiment"
	TaskPrioritizeExperiments  = "prioritize_experiments"
	defaultExperimentMinSample = 100
)

// metric keywords each directive favors
var directiveKeywords = map[Directive][]string{
	DirectiveEngagement: {"engagement", "like", "comment", "watch"},
	DirectiveVirality:   {"share", "virality", "viral", "reach", "view"},
}

// ABTestingConfig configures an ABTestingAgent.
type ABTestingConfig struct {
	Options
	Engine *abtest.Engine
}

// ABTestingAgent creates and analyzes experiments on the shared engine and
// keeps a prioritized queue of the experiments it owns.
type ABTestingAgent struct {
	*runtime

	engine *abtest.Engine

	expMu     sync.RWMutex
	active    map[string]*abtest.Experiment
	queue     []string
	directive Directive
}

func NewABTestingAgent(cfg ABTestingConfig) *ABTestingAgent {
	if cfg.Engine == nil {
		cfg.Engine = abtest.NewEngine(abtest.Config{Logger: cfg.Logger})
	}
	a := &ABTestingAgent{
		runtime: newRuntime(TypeABTesting, cfg.Options),
		engine:  cfg.Engine,
		active:  make(map[string]*abtest.Experiment),
	}
	a.register(TaskCreateExperiment, 0.03, a.handleCreate)
	a.register(TaskAnalyzeExperiment, 0.02, a.handleAnalyze)
	a.register(TaskStartExperiment, 0.02, a.handleStart)
	a.register(TaskCompleteExperiment, 0.02, a.handleComplete)
	a.register(TaskPrioritizeExperiments, 0.02, a.handlePrioritize)
	return a
}

func (a *ABTestingAgent) Start(context.Context) error {
	a.setActive(true)
	return nil
}

func (a *ABTestingAgent) Stop(context.Context) error {
	a.setActive(false)
	return nil
}

// ActiveExperiments returns the ids of tracked experiments in queue order.
func (a *ABTestingAgent) ActiveExperiments() []string {
	a.expMu.RLock()
	defer a.expMu.RUnlock()
	return append([]string(nil), a.queue...)
}

// CreateExperiment validates the required fields and creates the experiment
// on the engine.
func (a *ABTestingAgent) CreateExperiment(ctx context.Context, spec abtest.Spec) (*abtest.Experiment, error) {
	var missing []string
	if strings.TrimSpace(spec.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(spec.Platform) == "" {
		missing = append(missing, "platform")
	}
	if strings.TrimSpace(spec.TargetMetric) == "" {
		missing = append(missing, "target_metric")
	}
	if len(spec.Variants) == 0 {
		missing = append(missing, "variants")
	}
	if len(missing) > 0 {
		return nil, domain.Validation("experiment is missing required fields: %s", strings.Join(missing, ", "))
	}
	if spec.CreatedBy == "" {
		spec.CreatedBy = a.id
	}

	exp, err := a.engine.CreateExperiment(ctx, spec)
	if err != nil {
		return nil, err
	}
	a.track(exp)
	return exp, nil
}

func (a *ABTestingAgent) track(exp *abtest.Experiment) {
	a.expMu.Lock()
	defer a.expMu.Unlock()

	if _, seen := a.active[exp.ID]; !seen {
		a.queue = append(a.queue, exp.ID)
	}
	a.active[exp.ID] = exp
	if a.directive != "" {
		a.reorderLocked(a.directive)
	}
}

func (a *ABTestingAgent) untrack(id string) {
	a.expMu.Lock()
	defer a.expMu.Unlock()

	delete(a.active, id)
	for i, qid := range a.queue {
		if qid == id {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			break
		}
	}
}

// PrioritizeExperiments moves experiments whose target metric matches the
// directive to the front of the queue. The order is otherwise stable.
func (a *ABTestingAgent) PrioritizeExperiments(_ context.Context, directive Directive) ([]string, error) {
	if _, ok := directiveKeywords[directive]; !ok {
		return nil, domain.Validation("unknown directive %q", directive)
	}

	a.expMu.Lock()
	defer a.expMu.Unlock()

	a.directive = directive
	a.reorderLocked(directive)

	a.logger.Info("experiments prioritized",
		zap.String("directive", string(directive)),
		zap.Int("experiments", len(a.queue)))
	return append([]string(nil), a.queue...), nil
}

func (a *ABTestingAgent) reorderLocked(directive Directive) {
	keywords := directiveKeywords[directive]
	score := func(id string) int {
		exp := a.active[id]
		if exp == nil {
			return 0
		}
		metric := strings.ToLower(exp.TargetMetric)
		for _, kw := range keywords {
			if strings.Contains(metric, kw) {
				return 1
			}
		}
		return 0
	}
	sort.SliceStable(a.queue, func(i, j int) bool {
		return score(a.queue[i]) > score(a.queue[j])
	})
}

func (a *ABTestingAgent) handleCreate(ctx context.Context, task Task) (any, error) {
	spec, err := a.specFromTask(task)
	if err != nil {
		return nil, err
	}
	exp, err := a.CreateExperiment(ctx, spec)
	if err != nil {
		return nil, err
	}
	if paramBool(task, "start") {
		exp, err = a.engine.StartExperiment(ctx, exp.ID)
		if err != nil {
			return nil, err
		}
		a.track(exp)
	}
	return exp, nil
}

// specFromTask accepts either a full abtest.Spec under "spec" or loose
// fields plus base content to generate variations from.
func (a *ABTestingAgent) specFromTask(task Task) (abtest.Spec, error) {
	if spec, ok := task.Parameters["spec"].(abtest.Spec); ok {
		if spec.Platform == "" {
			spec.Platform = task.Platform
		}
		return spec, nil
	}

	spec := abtest.Spec{Platform: task.Platform, MinimumSampleSize: defaultExperimentMinSample}
	spec.Name, _ = paramString(task, "name")
	spec.Description, _ = paramString(task, "description")
	spec.TargetMetric, _ = paramString(task, "target_metric")
	if c, ok, err := paramFloat(task, "confidence_level"); err != nil {
		return spec, err
	} else if ok {
		spec.ConfidenceLevel = c
	}
	if n, ok, err := paramInt(task, "minimum_sample_size"); err != nil {
		return spec, err
	} else if ok {
		spec.MinimumSampleSize = n
	}

	if variants, ok := task.Parameters["variants"].([]abtest.Variant); ok {
		spec.Variants = variants
	} else if content, ok := paramString(task, "content"); ok {
		kind := abtest.VariationCaption
		if k, ok := paramString(task, "variation_type"); ok {
			kind = abtest.VariationKind(k)
		}
		variants, err := abtest.GenerateContentVariations(content, kind)
		if err != nil {
			return spec, domain.Validation("%v", err)
		}
		spec.Variants = variants
	}
	return spec, nil
}

func (a *ABTestingAgent) handleAnalyze(ctx context.Context, task Task) (any, error) {
	id, err := requireString(task, "experiment_id")
	if err != nil {
		return nil, err
	}
	analysis, err := a.engine.AnalyzeExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if analysis.Status == abtest.SignificantDifference && paramBool(task, "auto_complete") {
		if _, err := a.engine.CompleteExperiment(ctx, id); err != nil {
			a.logger.Warn("auto-complete failed", zap.String("experiment_id", id), zap.Error(err))
		} else {
			a.untrack(id)
		}
	}
	return analysis, nil
}

func (a *ABTestingAgent) handleStart(ctx context.Context, task Task) (any, error) {
	id, err := requireString(task, "experiment_id")
	if err != nil {
		return nil, err
	}
	exp, err := a.engine.StartExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	a.track(exp)
	return exp, nil
}

func (a *ABTestingAgent) handleComplete(ctx context.Context, task Task) (any, error) {
	id, err := requireString(task, "experiment_id")
	if err != nil {
		return nil, err
	}
	exp, err := a.engine.CompleteExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	a.untrack(id)
	return exp, nil
}

func (a *ABTestingAgent) handlePrioritize(ctx context.Context, task Task) (any, error) {
	d, err := requireString(task, "directive")
	if err != nil {
		return nil, err
	}
	return a.PrioritizeExperiments(ctx, Directive(d))
}
