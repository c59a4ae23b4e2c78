package engagement

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clipscommerce/improvement/internal/logging"
	"github.com/clipscommerce/improvement/internal/metrics"
)

var (
	// ErrNoSamples is returned when training is requested without data.
	ErrNoSamples = errors.New("engagement: no training samples")

	// ErrNotTrained is returned by Evaluate before any training run.
	ErrNotTrained = errors.New("engagement: model has not been trained")
)

// InitialWeights are restored by Reset.
var InitialWeights = Weights{
	Coef: Features{0.3, 0.4, 0.5, 0.1, 0.05, 0.1, 0.05},
	Bias: 0,
}

// accuracyTolerance is the relative error within which a prediction counts as
// accurate. Zero targets use zeroTolerance as an absolute bound.
const (
	accuracyTolerance = 0.2
	zeroTolerance     = 0.01
)

// Weights is the linear model: prediction = Coef·x + Bias.
type Weights struct {
	Coef Features `json:"coef"`
	Bias float64  `json:"bias"`
}

func (w Weights) apply(f Features) float64 {
	y := w.Bias
	for i := range f {
		y += w.Coef[i] * f[i]
	}
	return y
}

// Metrics describes the last training run.
type Metrics struct {
	MSE         float64   `json:"mse"`
	MAE         float64   `json:"mae"`
	R2          float64   `json:"r2"`
	Accuracy    float64   `json:"accuracy"`
	Epochs      int       `json:"epochs"`
	SampleCount int       `json:"sample_count"`
	LastTrained time.Time `json:"last_trained"`
}

// Model is a point-in-time copy of the trainer state.
type Model struct {
	Weights       Weights        `json:"weights"`
	Normalization *Normalization `json:"normalization,omitempty"`
	Metrics       Metrics        `json:"metrics"`
}

// Config configures training. Zero values are replaced with defaults:
// LearningRate=0.01, MaxEpochs=1000, Tolerance=1e-6.
type Config struct {
	LearningRate float64
	MaxEpochs    int
	Tolerance    float64
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Trainer owns the engagement model. Train is the only writer of the
// weights; predictions read under a shared lock.
type Trainer struct {
	mu sync.RWMutex

	learningRate float64
	maxEpochs    int
	tolerance    float64

	weights Weights
	norm    *Normalization
	stats   Metrics

	// training set kept for Evaluate, already normalized
	xs []Features
	ys []float64

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTrainer creates a trainer holding InitialWeights.
func NewTrainer(cfg Config) *Trainer {
	t := &Trainer{
		learningRate: cfg.LearningRate,
		maxEpochs:    cfg.MaxEpochs,
		tolerance:    cfg.Tolerance,
		weights:      InitialWeights,
		logger:       logging.OrNop(cfg.Logger).Named("engagement"),
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}
	if t.learningRate == 0 {
		t.learningRate = 0.01
	}
	if t.maxEpochs == 0 {
		t.maxEpochs = 1000
	}
	if t.tolerance == 0 {
		t.tolerance = 1e-6
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Train extracts features from samples and fits the model.
func (t *Trainer) Train(ctx context.Context, samples []Sample) (Metrics, error) {
	xs := make([]Features, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = ExtractFeatures(s)
		ys[i] = s.EngagementRate
	}
	return t.TrainFeatures(ctx, xs, ys)
}

// TrainFeatures normalizes xs, runs batch gradient descent from
// InitialWeights and stores the weights together with the normalization.
// Training stops early once the epoch-over-epoch MSE improvement drops below
// the tolerance. The context is checked every epoch; a cancelled run leaves
// the previous model in place.
func (t *Trainer) TrainFeatures(ctx context.Context, xs []Features, ys []float64) (Metrics, error) {
	if len(xs) == 0 || len(xs) != len(ys) {
		t.recordRun("rejected")
		return Metrics{}, ErrNoSamples
	}

	normalized, norm := Normalize(xs)
	targets := append([]float64(nil), ys...)

	w, epochs, err := t.descend(ctx, normalized, targets)
	if err != nil {
		t.recordRun("cancelled")
		return Metrics{}, err
	}

	t.mu.Lock()
	t.weights = w
	t.norm = &norm
	t.xs = normalized
	t.ys = targets
	m := t.evaluateLocked()
	m.Epochs = epochs
	m.SampleCount = len(xs)
	m.LastTrained = t.now()
	t.stats = m
	t.mu.Unlock()

	t.recordRun("success")
	if t.metrics != nil {
		t.metrics.ModelAccuracy.Set(m.Accuracy)
	}
	t.logger.Info("engagement model trained",
		zap.Int("samples", m.SampleCount),
		zap.Int("epochs", epochs),
		zap.Float64("mse", m.MSE),
		zap.Float64("r2", m.R2),
		zap.Float64("accuracy", m.Accuracy))

	return m, nil
}

func (t *Trainer) descend(ctx context.Context, xs []Features, ys []float64) (Weights, int, error) {
	w := InitialWeights
	n := float64(len(xs))
	prev := math.Inf(1)

	epoch := 0
	for epoch < t.maxEpochs {
		if err := ctx.Err(); err != nil {
			return Weights{}, epoch, err
		}
		epoch++

		var grad Features
		var gradBias, sse float64
		for i, x := range xs {
			residual := w.apply(x) - ys[i]
			sse += residual * residual
			for j := range x {
				grad[j] += residual * x[j]
			}
			gradBias += residual
		}

		for j := range w.Coef {
			w.Coef[j] -= t.learningRate * 2 * grad[j] / n
		}
		w.Bias -= t.learningRate * 2 * gradBias / n

		mse := sse / n
		if prev-mse < t.tolerance {
			break
		}
		prev = mse
	}
	return w, epoch, nil
}

// Evaluate recomputes MSE, MAE, R² and accuracy over the training set.
func (t *Trainer) Evaluate() (Metrics, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.xs) == 0 {
		return Metrics{}, ErrNotTrained
	}
	m := t.evaluateLocked()
	m.Epochs = t.stats.Epochs
	m.SampleCount = t.stats.SampleCount
	m.LastTrained = t.stats.LastTrained
	t.stats = m
	return m, nil
}

// evaluateLocked must be called with t.mu held.
func (t *Trainer) evaluateLocked() Metrics {
	n := float64(len(t.xs))

	var mean float64
	for _, y := range t.ys {
		mean += y
	}
	mean /= n

	var sse, sae, tss float64
	accurate := 0
	for i, x := range t.xs {
		pred := math.Max(0, t.weights.apply(x))
		y := t.ys[i]
		diff := pred - y

		sse += diff * diff
		sae += math.Abs(diff)
		tss += (y - mean) * (y - mean)

		tol := accuracyTolerance * math.Abs(y)
		if y == 0 {
			tol = zeroTolerance
		}
		if math.Abs(diff) <= tol {
			accurate++
		}
	}

	m := Metrics{
		MSE:      sse / n,
		MAE:      sae / n,
		Accuracy: float64(accurate) / n,
	}
	// constant targets have no variance to explain
	if tss > 0 {
		m.R2 = 1 - sse/tss
	}
	return m
}

// Predict scores one raw feature row. Once trained, the normalization
// captured at training time is applied first. Negative scores clamp to 0.
func (t *Trainer) Predict(f Features) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.norm != nil {
		f = t.norm.Apply(f)
	}
	return math.Max(0, t.weights.apply(f))
}

// PredictRaw applies the weights to f as given, without normalization.
// Negative scores clamp to 0.
func (t *Trainer) PredictRaw(f Features) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return math.Max(0, t.weights.apply(f))
}

// PredictSample extracts features from s and calls Predict.
func (t *Trainer) PredictSample(s Sample) float64 {
	return t.Predict(ExtractFeatures(s))
}

// Reset restores InitialWeights and drops the training state.
func (t *Trainer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.weights = InitialWeights
	t.norm = nil
	t.stats = Metrics{}
	t.xs = nil
	t.ys = nil
}

// Snapshot returns a copy of the current model.
func (t *Trainer) Snapshot() Model {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := Model{Weights: t.weights, Metrics: t.stats}
	if t.norm != nil {
		norm := *t.norm
		m.Normalization = &norm
	}
	return m
}

// Metrics returns the metrics of the last training or evaluation.
func (t *Trainer) Metrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

func (t *Trainer) recordRun(outcome string) {
	if t.metrics != nil {
		t.metrics.TrainingRuns.WithLabelValues(outcome).Inc()
	}
}
