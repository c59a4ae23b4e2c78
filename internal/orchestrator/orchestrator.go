package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipscommerce/improvement/internal/agent"
	"github.com/clipscommerce/improvement/internal/datastore"
	"github.com/clipscommerce/improvement/internal/domain"
	"github.com/clipscommerce/improvement/internal/logging"
	"github.com/clipscommerce/improvement/internal/metrics"
)

// Config for the master orchestrator. Zero values are replaced with the
// defaults noted per field.
type Config struct {
	Agents []agent.Agent
	// Store feeds engagement and virality averages. Optional.
	Store datastore.Store

	CycleInterval      time.Duration // 30s
	MaxConcurrentTasks int           // 4
	AccuracyThreshold  float64       // 0.85
	RetrainAfter       time.Duration // 24h
	PatternRefresh     time.Duration // 12h
	MaxAlerts          int           // 200
	// MetricsWindow bounds the rows averaged per cycle, default 1000.
	MetricsWindow int

	// Objectives replace DefaultObjectives when set.
	Objectives []Objective

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Orchestrator is the master coordinator. A single goroutine runs the
// poll, decide and execute cycle on a ticker; ForceCycle runs the same cycle
// synchronously. Cycles never overlap.
type Orchestrator struct {
	cfg     Config
	agents  []agent.Agent
	store   datastore.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// lifecycle
	lifeMu sync.Mutex
	state  State
	stopCh chan struct{}
	wg     sync.WaitGroup
	loops  int32

	// cycleMu serializes cycles between the loop and ForceCycle.
	cycleMu sync.Mutex

	// snapshot state, written by the cycle owner
	mu            sync.RWMutex
	cycle         int64
	system        SystemMetrics
	objectives    []Objective
	allocations   map[string]ResourceAllocation
	alerts        []Alert
	lastDecision  *Decision
	startFailures map[string]error
}

// New creates a stopped orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 30 * time.Second
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 4
	}
	if cfg.AccuracyThreshold <= 0 {
		cfg.AccuracyThreshold = 0.85
	}
	if cfg.RetrainAfter <= 0 {
		cfg.RetrainAfter = 24 * time.Hour
	}
	if cfg.PatternRefresh <= 0 {
		cfg.PatternRefresh = 12 * time.Hour
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 200
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	o := &Orchestrator{
		cfg:     cfg,
		agents:  append([]agent.Agent(nil), cfg.Agents...),
		store:   cfg.Store,
		logger:  logging.OrNop(cfg.Logger).Named("orchestrator"),
		metrics: cfg.Metrics,
		now:     cfg.Now,
		state:   StateStopped,
	}
	o.reset()
	return o
}

func (o *Orchestrator) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cycle = 0
	o.system = SystemMetrics{TotalAgents: len(o.agents)}
	o.objectives = o.initialObjectives()
	o.allocations = make(map[string]ResourceAllocation)
	o.alerts = nil
	o.lastDecision = nil
	o.startFailures = make(map[string]error)
}

func (o *Orchestrator) initialObjectives() []Objective {
	src := o.cfg.Objectives
	if len(src) == 0 {
		src = DefaultObjectives()
	}
	out := make([]Objective, len(src))
	for i, obj := range src {
		obj.Current = 0
		obj.Measured = false
		obj.CriticalAgents = append([]agent.Type(nil), obj.CriticalAgents...)
		out[i] = obj
	}
	return out
}

// Start initializes objectives, starts every agent and launches the cycle
// loop. Calling Start while the orchestrator is not stopped is a no-op. An
// agent that fails to start raises a critical alert and is reported in
// error until the next Start.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.state != StateStopped {
		return nil
	}
	o.state = StateStarting
	o.reset()

	for _, a := range o.agents {
		if err := a.Start(ctx); err != nil {
			o.mu.Lock()
			o.startFailures[a.ID()] = err
			o.mu.Unlock()
			o.raise(SeverityCritical, a.ID(), fmt.Sprintf("agent failed to start: %v", err))
			continue
		}
		o.logger.Debug("agent started", zap.String("agent_id", a.ID()), zap.String("type", string(a.Type())))
	}

	o.stopCh = make(chan struct{})
	o.wg.Add(1)
	go o.loop(o.stopCh)
	o.state = StateRunning

	o.logger.Info("orchestrator started",
		zap.Int("agents", len(o.agents)),
		zap.Duration("cycle_interval", o.cfg.CycleInterval))
	return nil
}

// Stop ends the loop, waits for an in-flight cycle and stops every agent.
// It is a no-op when the orchestrator is not running.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.state != StateRunning {
		return nil
	}
	o.state = StateStopping
	close(o.stopCh)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("stop timed out waiting for the in-flight cycle", zap.Error(ctx.Err()))
	}

	for _, a := range o.agents {
		if err := a.Stop(ctx); err != nil {
			o.logger.Warn("agent stop failed", zap.String("agent_id", a.ID()), zap.Error(err))
		}
	}

	o.state = StateStopped
	o.logger.Info("orchestrator stopped")
	return nil
}

// ForceCycle runs one cycle synchronously and returns its decision.
func (o *Orchestrator) ForceCycle(ctx context.Context) (*Decision, error) {
	if o.State() != StateRunning {
		return nil, domain.FailedPrecondition("orchestrator is not running")
	}
	return o.runCycle(ctx), nil
}

func (o *Orchestrator) loop(stopCh chan struct{}) {
	defer o.wg.Done()
	atomic.AddInt32(&o.loops, 1)
	defer atomic.AddInt32(&o.loops, -1)

	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// in-flight cycles finish even when Stop is called meanwhile
			o.runCycle(context.Background())
		}
	}
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	return o.state
}

// SystemMetrics returns the metrics of the last cycle.
func (o *Orchestrator) SystemMetrics() SystemMetrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.system
}

// Objectives returns a copy of the current objectives.
func (o *Orchestrator) Objectives() []Objective {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Objective, len(o.objectives))
	copy(out, o.objectives)
	return out
}

// Allocations returns the grants applied in the last cycle by agent id.
func (o *Orchestrator) Allocations() map[string]ResourceAllocation {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]ResourceAllocation, len(o.allocations))
	for k, v := range o.allocations {
		out[k] = v
	}
	return out
}

// Alerts returns up to limit alerts, newest first. limit <= 0 returns all.
func (o *Orchestrator) Alerts(limit int) []Alert {
	o.mu.RLock()
	defer o.mu.RUnlock()

	n := len(o.alerts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, 0, n)
	for i := len(o.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, o.alerts[i])
	}
	return out
}

// LastDecision returns the decision of the last cycle, or nil.
func (o *Orchestrator) LastDecision() *Decision {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastDecision == nil {
		return nil
	}
	d := *o.lastDecision
	return &d
}

// raise appends an alert, dropping the oldest beyond MaxAlerts.
func (o *Orchestrator) raise(sev Severity, agentID, msg string) Alert {
	a := Alert{
		ID:        uuid.NewString(),
		Severity:  sev,
		AgentID:   agentID,
		Message:   msg,
		CreatedAt: o.now(),
	}

	o.mu.Lock()
	o.alerts = append(o.alerts, a)
	if over := len(o.alerts) - o.cfg.MaxAlerts; over > 0 {
		o.alerts = append([]Alert(nil), o.alerts[over:]...)
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.Alerts.WithLabelValues(string(sev)).Inc()
	}

	fields := []zap.Field{zap.String("severity", string(sev)), zap.String("message", msg)}
	if agentID != "" {
		fields = append(fields, zap.String("agent_id", agentID))
	}
	if sev == SeverityCritical {
		o.logger.Error("alert", fields...)
	} else {
		o.logger.Warn("alert", fields...)
	}
	return a
}
