package agent

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/clipscommerce/improvement/internal/datastore"
	"github.com/clipscommerce/improvement/internal/domain"
	"github.com/clipscommerce/improvement/internal/engagement"
)

// Engagement prediction task types
const (
	TaskTrainModel        = "train_model"
	TaskPredictEngagement = "predict_engagement"
	TaskEvaluateModel     = "evaluate_model"
)

const defaultMinTrainingSamples = 10

// EngagementPredictionConfig configures an EngagementPredictionAgent.
type EngagementPredictionConfig struct {
	Options
	Trainer    *engagement.Trainer
	Store      datastore.Store
	MinSamples int
	// MaxSamples caps the rows pulled for one training run, default 10000.
	MaxSamples int
}

// EngagementPredictionAgent trains and serves the engagement model.
type EngagementPredictionAgent struct {
	*runtime

	trainer    *engagement.Trainer
	store      datastore.Store
	minSamples int
	maxSamples int
}

func NewEngagementPredictionAgent(cfg EngagementPredictionConfig) *EngagementPredictionAgent {
	if cfg.Trainer == nil {
		cfg.Trainer = engagement.NewTrainer(engagement.Config{Logger: cfg.Logger})
	}
	if cfg.Store == nil {
		cfg.Store = datastore.NewMemoryStore()
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaultMinTrainingSamples
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 10000
	}

	a := &EngagementPredictionAgent{
		runtime:    newRuntime(TypeEngagementPrediction, cfg.Options),
		trainer:    cfg.Trainer,
		store:      cfg.Store,
		minSamples: cfg.MinSamples,
		maxSamples: cfg.MaxSamples,
	}
	a.register(TaskTrainModel, 0.05, a.handleTrain)
	a.register(TaskPredictEngagement, 0.02, a.handlePredict)
	a.register(TaskEvaluateModel, 0.02, a.handleEvaluate)
	return a
}

func (a *EngagementPredictionAgent) Start(context.Context) error {
	a.setActive(true)
	return nil
}

func (a *EngagementPredictionAgent) Stop(context.Context) error {
	a.setActive(false)
	return nil
}

// ModelMetrics returns the metrics of the last training run.
func (a *EngagementPredictionAgent) ModelMetrics() engagement.Metrics {
	return a.trainer.Metrics()
}

func (a *EngagementPredictionAgent) handleTrain(ctx context.Context, task Task) (any, error) {
	rows, err := a.store.Query(ctx, datastore.Filter{
		Niche:    task.Niche,
		Platform: task.Platform,
		Limit:    a.maxSamples,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) < a.minSamples {
		return nil, domain.FailedPrecondition("need at least %d samples to train, have %d", a.minSamples, len(rows))
	}

	samples := make([]engagement.Sample, len(rows))
	for i, r := range rows {
		samples[i] = r.Sample()
	}

	a.setTraining(true)
	m, err := a.trainer.Train(ctx, samples)
	if err != nil {
		return nil, err
	}

	a.logger.Info("engagement model retrained",
		zap.Int("samples", m.SampleCount),
		zap.Float64("accuracy", m.Accuracy))
	return m, nil
}

func (a *EngagementPredictionAgent) handlePredict(_ context.Context, task Task) (any, error) {
	switch v := task.Parameters["sample"].(type) {
	case engagement.Sample:
		return a.trainer.PredictSample(v), nil
	case datastore.PostMetric:
		return a.trainer.PredictSample(v.Sample()), nil
	}

	switch v := task.Parameters["features"].(type) {
	case engagement.Features:
		return a.trainer.Predict(v), nil
	case []float64:
		if len(v) != engagement.NumFeatures {
			return nil, domain.Validation("features must have %d values, got %d", engagement.NumFeatures, len(v))
		}
		var f engagement.Features
		copy(f[:], v)
		return a.trainer.Predict(f), nil
	}

	return nil, domain.Validation("%s requires a sample or features parameter", TaskPredictEngagement)
}

func (a *EngagementPredictionAgent) handleEvaluate(context.Context, Task) (any, error) {
	m, err := a.trainer.Evaluate()
	if errors.Is(err, engagement.ErrNotTrained) {
		return nil, domain.FailedPrecondition("engagement model has not been trained")
	}
	return m, err
}
