// Package training runs user-scoped model training sessions: it gathers
// historical posts per platform, fits the engagement model and reports
// progress as a stream of lifecycle events.
package training

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/clipscommerce/improvement/internal/datastore"
	"github.com/clipscommerce/improvement/internal/domain"
	"github.com/clipscommerce/improvement/internal/engagement"
	"github.com/clipscommerce/improvement/internal/logging"
	"github.com/clipscommerce/improvement/internal/metrics"
	"github.com/clipscommerce/improvement/pkg/otel"
)

// Status of a session
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusTraining   Status = "training"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Session is the record of one StartTraining call.
type Session struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	Platforms        []string           `json:"platforms"`
	Status           Status             `json:"status"`
	Progress         float64            `json:"progress"`
	SamplesCollected map[string]int     `json:"samples_collected"`
	Metrics          engagement.Metrics `json:"metrics"`
	Error            string             `json:"error,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	CompletedAt      time.Time          `json:"completed_at,omitempty"`
}

func (s *Session) clone() Session {
	out := *s
	out.Platforms = append([]string(nil), s.Platforms...)
	out.SamplesCollected = make(map[string]int, len(s.SamplesCollected))
	for k, v := range s.SamplesCollected {
		out.SamplesCollected[k] = v
	}
	return out
}

// Options tune one session. Zero values take defaults: MinSamples=50,
// MaxSamplesPerPlatform=5000.
type Options struct {
	MinSamples            int    `json:"min_samples" yaml:"min_samples"`
	MaxSamplesPerPlatform int    `json:"max_samples_per_platform" yaml:"max_samples_per_platform"`
	Niche                 string `json:"niche,omitempty" yaml:"niche"`
	// SharedData trains on every user's posts instead of only userID's.
	SharedData bool `json:"shared_data" yaml:"shared_data"`
}

type request struct {
	UserID    string   `validate:"required"`
	Platforms []string `validate:"required,min=1,dive,required"`
	Options   Options
}

// Config configures an Orchestrator.
type Config struct {
	Trainer *engagement.Trainer
	Store   datastore.Store
	// Sinks receive every event in addition to in-process subscribers.
	Sinks  []EventSink
	Logger *zap.Logger
	// Metrics counts dropped subscriber events. Optional.
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Orchestrator runs training sessions one at a time per trainer.
type Orchestrator struct {
	trainer *engagement.Trainer
	store   datastore.Store
	sinks   []EventSink
	events  *broadcaster

	// runMu serializes sessions; the trainer holds one model
	runMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session

	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Trainer == nil {
		return nil, domain.Validation("trainer is required")
	}
	if cfg.Store == nil {
		return nil, domain.Validation("store is required")
	}
	logger := logging.OrNop(cfg.Logger).Named("training")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var dropCounter prometheus.Counter
	if cfg.Metrics != nil {
		dropCounter = cfg.Metrics.DroppedEvents
	}
	return &Orchestrator{
		trainer:  cfg.Trainer,
		store:    cfg.Store,
		sinks:    cfg.Sinks,
		events:   newBroadcaster(logger, dropCounter),
		sessions: make(map[string]*Session),
		validate: validator.New(),
		logger:   logger,
		now:      cfg.Now,
	}, nil
}

// Subscribe returns a channel receiving every subsequent event. The channel
// is closed by cancel. Events are dropped when the buffer is full.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	return o.events.subscribe(buffer)
}

// DroppedEvents returns how many events subscribers have missed.
func (o *Orchestrator) DroppedEvents() int64 {
	return o.events.Dropped()
}

// Session returns a copy of the session with id.
func (o *Orchestrator) Session(id string) (Session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	if !ok {
		return Session{}, domain.NotFound("training session %q not found", id)
	}
	return s.clone(), nil
}

// Sessions returns every session, oldest first.
func (o *Orchestrator) Sessions() []Session {
	o.mu.RLock()
	out := make([]Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.clone())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// StartTraining runs a full session synchronously and returns its final
// state. A failed session is returned alongside the error.
func (o *Orchestrator) StartTraining(ctx context.Context, userID string, platforms []string, opts Options) (Session, error) {
	req := request{UserID: userID, Platforms: platforms, Options: opts}
	if err := o.validate.Struct(req); err != nil {
		return Session{}, domain.Validation("invalid training request: %v", err)
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 50
	}
	if opts.MaxSamplesPerPlatform <= 0 {
		opts.MaxSamplesPerPlatform = 5000
	}

	o.runMu.Lock()
	defer o.runMu.Unlock()

	sess := &Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		Platforms:        append([]string(nil), platforms...),
		Status:           StatusCollecting,
		SamplesCollected: make(map[string]int, len(platforms)),
		StartedAt:        o.now(),
	}
	o.mu.Lock()
	o.sessions[sess.ID] = sess
	o.mu.Unlock()

	ctx, span := otel.StartSpan(ctx, "training.session",
		otel.AttrSessionID.String(sess.ID), otel.AttrUserID.String(userID))
	defer span.End()

	logger := o.logger.With(zap.String("session_id", sess.ID), zap.String("user_id", userID))
	logger.Info("training session started", zap.Strings("platforms", platforms))
	o.emit(ctx, sess, EventSessionStarted, "training session started", map[string]any{
		"platforms": platforms,
	})

	samples, err := o.collect(ctx, sess, opts)
	if err != nil {
		otel.RecordError(span, err, "data collection failed")
		return o.fail(ctx, sess, logger, err)
	}
	if len(samples) < opts.MinSamples {
		err := domain.FailedPrecondition("collected %d samples, need at least %d", len(samples), opts.MinSamples)
		otel.RecordError(span, err, "insufficient samples")
		return o.fail(ctx, sess, logger, err)
	}

	o.update(func() {
		sess.Status = StatusTraining
		sess.Progress = 0.6
	})
	o.emit(ctx, sess, EventDataCollectionCompleted, "data collection completed", map[string]any{
		"samples":           len(samples),
		"samples_collected": o.snapshot(sess).SamplesCollected,
	})

	m, err := o.trainer.Train(ctx, samples)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = domain.Task("model training failed", err)
		}
		otel.RecordError(span, err, "model training failed")
		return o.fail(ctx, sess, logger, err)
	}

	o.update(func() {
		sess.Metrics = m
		sess.Progress = 0.9
	})
	o.emit(ctx, sess, EventModelCompleted, "engagement model trained", map[string]any{
		"accuracy": m.Accuracy,
		"r2":       m.R2,
		"mse":      m.MSE,
		"epochs":   m.Epochs,
	})

	o.update(func() {
		sess.Status = StatusCompleted
		sess.Progress = 1
		sess.CompletedAt = o.now()
	})
	span.SetAttributes(otel.TrainingAttributes(sess.ID, userID, len(samples), m.Accuracy)...)
	o.emit(ctx, sess, EventSessionCompleted, "training session completed", nil)
	logger.Info("training session completed",
		zap.Int("samples", len(samples)),
		zap.Float64("accuracy", m.Accuracy))

	return o.snapshot(sess), nil
}

// collect queries each platform in turn and reports progress after each.
func (o *Orchestrator) collect(ctx context.Context, sess *Session, opts Options) ([]engagement.Sample, error) {
	var samples []engagement.Sample
	for i, platform := range sess.Platforms {
		filter := datastore.Filter{
			Platform: platform,
			Niche:    opts.Niche,
			Limit:    opts.MaxSamplesPerPlatform,
		}
		if !opts.SharedData {
			filter.UserID = sess.UserID
		}

		rows, err := o.store.Query(ctx, filter)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.Dependency(fmt.Sprintf("failed to query %s posts", platform), err)
		}
		for _, row := range rows {
			samples = append(samples, row.Sample())
		}

		o.update(func() {
			sess.SamplesCollected[platform] = len(rows)
			sess.Progress = 0.5 * float64(i+1) / float64(len(sess.Platforms))
		})
		o.emit(ctx, sess, EventSessionUpdated, fmt.Sprintf("collected %d %s posts", len(rows), platform), map[string]any{
			"platform": platform,
			"samples":  len(rows),
		})
	}
	return samples, nil
}

func (o *Orchestrator) fail(ctx context.Context, sess *Session, logger *zap.Logger, err error) (Session, error) {
	o.update(func() {
		sess.Status = StatusFailed
		sess.Error = err.Error()
		sess.CompletedAt = o.now()
	})
	// ctx may already be done; failure events still go out
	o.emit(context.WithoutCancel(ctx), sess, EventSessionFailed, "training session failed", map[string]any{
		"error": err.Error(),
		"kind":  string(domain.KindOf(err)),
	})
	logger.Warn("training session failed", zap.Error(err))
	return o.snapshot(sess), err
}

func (o *Orchestrator) update(fn func()) {
	o.mu.Lock()
	fn()
	o.mu.Unlock()
}

func (o *Orchestrator) snapshot(sess *Session) Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return sess.clone()
}

func (o *Orchestrator) emit(ctx context.Context, sess *Session, typ EventType, msg string, data map[string]any) {
	snap := o.snapshot(sess)
	ev := Event{
		Type:      typ,
		SessionID: snap.ID,
		UserID:    snap.UserID,
		Progress:  snap.Progress,
		Message:   msg,
		Data:      data,
		Timestamp: o.now(),
	}

	_ = o.events.Publish(ctx, ev)
	var failed []string
	for i, sink := range o.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			failed = append(failed, fmt.Sprintf("sink %d: %v", i, err))
		}
	}
	if len(failed) > 0 {
		o.logger.Warn("failed to publish training event",
			zap.String("event", string(typ)),
			zap.String("errors", strings.Join(failed, "; ")))
	}
}
