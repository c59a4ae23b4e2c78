package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clipscommerce/improvement/internal/agent"
	"github.com/clipscommerce/improvement/internal/datastore"
	"github.com/clipscommerce/improvement/pkg/otel"
)

// maxAnalysesPerCycle bounds analyze_experiment tasks per A/B agent.
const maxAnalysesPerCycle = 5

// recoveryPriority caps the priority of work handed to agents in error.
const recoveryPriority = 2

// snapshot is one agent's polled state within a cycle.
type snapshot struct {
	agent  agent.Agent
	status agent.Status
	err    error
}

func (s snapshot) failing() bool {
	return s.err != nil || s.status.State == agent.StateError
}

// runCycle is poll, decide, execute. Step failures never abort the cycle.
func (o *Orchestrator) runCycle(ctx context.Context) *Decision {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	start := o.now()
	o.mu.Lock()
	o.cycle++
	cycle := o.cycle
	o.mu.Unlock()

	ctx, span := otel.StartSpan(ctx, "orchestrator.cycle", otel.AttrCycle.Int64(cycle))
	defer span.End()

	snaps := o.poll()
	gaps := o.collectGaps()
	sys := o.refreshMetrics(ctx, cycle, snaps, gaps)
	objectives := o.evaluateObjectives(sys)

	decision := o.decide(cycle, snaps, gaps, sys, objectives)
	dispatched, failed := o.execute(ctx, decision)

	elapsed := o.now().Sub(start)
	sys.TasksDispatched = dispatched
	sys.TasksFailed = failed
	sys.LastCycle = start
	sys.CycleDuration = elapsed

	o.mu.Lock()
	sys.TasksDispatched += o.system.TasksDispatched
	sys.TasksFailed += o.system.TasksFailed
	o.system = sys
	o.objectives = objectives
	o.lastDecision = decision
	o.mu.Unlock()

	span.SetAttributes(otel.CycleAttributes(cycle, len(snaps), len(decision.Alerts))...)
	if o.metrics != nil {
		o.metrics.Cycles.Inc()
		o.metrics.CycleDuration.Observe(elapsed.Seconds())
		if failed > 0 {
			o.metrics.CycleErrors.Inc()
		}
	}

	o.logger.Debug("orchestration cycle finished",
		zap.Int64("cycle", cycle),
		zap.Int("assignments", len(decision.Assignments)),
		zap.Int("training", len(decision.Training)),
		zap.Int64("failed", failed),
		zap.Duration("elapsed", elapsed))
	return decision
}

// poll reads every agent's status. A failing or panicking status call, or a
// failed start, yields state error with performance 0.
func (o *Orchestrator) poll() []snapshot {
	o.mu.RLock()
	startFailures := make(map[string]error, len(o.startFailures))
	for k, v := range o.startFailures {
		startFailures[k] = v
	}
	o.mu.RUnlock()

	snaps := make([]snapshot, len(o.agents))
	for i, a := range o.agents {
		st, err := safeStatus(a)
		if err == nil {
			err = startFailures[a.ID()]
		}
		if err != nil {
			st = agent.Status{
				AgentID:    a.ID(),
				Type:       a.Type(),
				State:      agent.StateError,
				LastUpdate: o.now(),
			}
			o.raise(SeverityCritical, a.ID(), fmt.Sprintf("agent status unavailable: %v", err))
		}
		snaps[i] = snapshot{agent: a, status: st, err: err}

		if o.metrics != nil {
			o.metrics.AgentPerformance.WithLabelValues(a.ID()).Set(st.Performance)
			o.metrics.AgentUtilization.WithLabelValues(a.ID()).Set(st.ResourceUtilization)
		}
	}
	return snaps
}

func safeStatus(a agent.Agent) (st agent.Status, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("status panicked: %v", p)
		}
	}()
	return a.Status(), nil
}

// collectGaps merges the gap reports of every GapReporter, most severe first.
func (o *Orchestrator) collectGaps() []agent.DataGap {
	var gaps []agent.DataGap
	for _, a := range o.agents {
		g, err := agent.Gaps(a)
		if errors.Is(err, agent.ErrNotApplicable) {
			continue
		}
		gaps = append(gaps, g...)
	}
	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].Shortfall > gaps[j].Shortfall })
	return gaps
}

func (o *Orchestrator) refreshMetrics(ctx context.Context, cycle int64, snaps []snapshot, gaps []agent.DataGap) SystemMetrics {
	sys := SystemMetrics{Cycle: cycle, TotalAgents: len(snaps)}

	var perf, util float64
	for _, s := range snaps {
		switch s.status.State {
		case agent.StateActive:
			sys.ActiveAgents++
		case agent.StateIdle:
			sys.IdleAgents++
		case agent.StateTraining:
			sys.TrainingAgents++
		case agent.StateError:
			sys.ErrorAgents++
		}
		perf += s.status.Performance
		util += s.status.ResourceUtilization

		if r, ok := s.agent.(agent.ModelReporter); ok && s.err == nil {
			if m := r.ModelMetrics(); m.SampleCount > 0 {
				sys.ModelAccuracy = m.Accuracy
			}
		}
	}
	if len(snaps) > 0 {
		sys.AvgPerformance = perf / float64(len(snaps))
		sys.AvgUtilization = util / float64(len(snaps))
	}

	sys.DataGaps = len(gaps)
	for _, g := range gaps {
		if g.Severity == agent.SeverityCritical {
			sys.CriticalGaps++
		}
	}

	if o.store != nil {
		rows, err := o.store.Query(ctx, datastore.Filter{Limit: o.cfg.MetricsWindow})
		if err != nil {
			o.logger.Warn("failed to read engagement metrics", zap.Error(err))
		} else {
			sys.SampleCount = len(rows)
			sys.AvgEngagementRate, sys.AvgViralityRate = averageRates(rows)
		}
	}
	return sys
}

// averageRates returns the mean engagement rate and the mean share-to-view
// ratio over rows with views.
func averageRates(rows []datastore.PostMetric) (engagementRate, viralityRate float64) {
	var n int
	for _, r := range rows {
		engagementRate += r.EngagementRate
		if r.Views > 0 {
			viralityRate += float64(r.Shares) / float64(r.Views)
			n++
		}
	}
	if len(rows) > 0 {
		engagementRate /= float64(len(rows))
	}
	if n > 0 {
		viralityRate /= float64(n)
	}
	return engagementRate, viralityRate
}

func (o *Orchestrator) evaluateObjectives(sys SystemMetrics) []Objective {
	o.mu.RLock()
	objectives := make([]Objective, len(o.objectives))
	copy(objectives, o.objectives)
	o.mu.RUnlock()

	for i := range objectives {
		obj := &objectives[i]
		switch obj.Name {
		case ObjectiveEngagement:
			obj.Measured = sys.SampleCount > 0
			obj.Current = sys.AvgEngagementRate
		case ObjectiveVirality:
			obj.Measured = sys.SampleCount > 0
			obj.Current = sys.AvgViralityRate
		case ObjectiveModelAccuracy:
			obj.Measured = sys.ModelAccuracy > 0
			obj.Current = sys.ModelAccuracy
		}
	}
	return objectives
}

// decide builds the cycle's decision from the polled state.
func (o *Orchestrator) decide(cycle int64, snaps []snapshot, gaps []agent.DataGap, sys SystemMetrics, objectives []Objective) *Decision {
	d := &Decision{Cycle: cycle, CreatedAt: o.now()}

	blocking := false
	for _, g := range gaps {
		if g.Severity == agent.SeverityCritical || g.Severity == agent.SeverityHigh {
			blocking = true
			break
		}
	}

	for _, s := range snaps {
		if s.err != nil {
			continue
		}
		if s.status.State == agent.StateError {
			d.Alerts = append(d.Alerts, o.raise(SeverityWarning, s.status.AgentID,
				fmt.Sprintf("performance %.2f below error threshold", s.status.Performance)))
			training := o.schedule(s, sys, objectives, blocking)
			d.Training = append(d.Training, training...)
			if len(training) == 0 {
				d.Assignments = append(d.Assignments, o.recovery(s, gaps)...)
			}
			continue
		}
		if s.status.State == agent.StateIdle || s.status.Performance < 0.5 {
			d.Assignments = append(d.Assignments, o.assign(s, gaps)...)
		}
		if s.status.State != agent.StateTraining {
			d.Training = append(d.Training, o.schedule(s, sys, objectives, blocking)...)
		}
	}

	for _, g := range gaps {
		if g.Severity == agent.SeverityCritical {
			d.Alerts = append(d.Alerts, o.raise(SeverityWarning, "",
				fmt.Sprintf("critical data gap for %s/%s: %d of %d samples", g.Niche, g.Platform, g.Current, g.Required)))
		}
	}

	d.Directive = directiveFor(objectives)
	d.Allocations = allocate(snaps, objectives)
	return d
}

// assign picks work for an idle or underperforming agent.
func (o *Orchestrator) assign(s snapshot, gaps []agent.DataGap) []Assignment {
	id := s.status.AgentID
	switch s.status.Type {
	case agent.TypeDataCollection:
		if len(gaps) > 0 && canCollect(s.agent) && (gaps[0].Severity == agent.SeverityCritical || gaps[0].Severity == agent.SeverityHigh) {
			g := gaps[0]
			return []Assignment{{
				AgentID: id,
				Task:    agent.Task{Type: agent.TaskRemediateGap, Niche: g.Niche, Platform: g.Platform, Priority: 8},
				Reason:  fmt.Sprintf("%s data gap", g.Severity),
			}}
		}
		return []Assignment{{AgentID: id, Task: agent.Task{Type: agent.TaskAnalyzeGaps, Priority: 3}, Reason: "idle"}}

	case agent.TypeEngagementPrediction:
		if r, ok := s.agent.(agent.ModelReporter); ok && r.ModelMetrics().SampleCount > 0 {
			return []Assignment{{AgentID: id, Task: agent.Task{Type: agent.TaskEvaluateModel, Priority: 2}, Reason: "idle"}}
		}

	case agent.TypeABTesting:
		t, ok := s.agent.(agent.ExperimentTracker)
		if !ok {
			return nil
		}
		var out []Assignment
		for _, expID := range t.ActiveExperiments() {
			if len(out) == maxAnalysesPerCycle {
				break
			}
			out = append(out, Assignment{
				AgentID: id,
				Task: agent.Task{
					Type:       agent.TaskAnalyzeExperiment,
					Priority:   5,
					Parameters: map[string]any{"experiment_id": expID, "auto_complete": true},
				},
				Reason: "analyze running experiment",
			})
		}
		return out
	}
	return nil
}

// recovery is low-priority work for an agent in the error state. Each
// success raises performance until the agent clears the error threshold.
func (o *Orchestrator) recovery(s snapshot, gaps []agent.DataGap) []Assignment {
	out := o.assign(s, gaps)
	if len(out) == 0 && s.status.Type == agent.TypeContentOptimization {
		out = []Assignment{{AgentID: s.status.AgentID, Task: agent.Task{Type: agent.TaskUpdatePatterns, Priority: 1}, Reason: "refresh patterns"}}
	}
	for i := range out {
		out[i].Task.Priority = min(out[i].Task.Priority, recoveryPriority)
		out[i].Reason = "recovery: " + out[i].Reason
	}
	return out
}

// canCollect is false only for agents that report no way to fetch content.
func canCollect(a agent.Agent) bool {
	c, ok := a.(agent.Collecting)
	return !ok || c.CanCollect()
}

// schedule returns deferred model work: engagement retraining and content
// pattern refresh.
func (o *Orchestrator) schedule(s snapshot, sys SystemMetrics, objectives []Objective, blockingGaps bool) []Assignment {
	now := o.now()
	id := s.status.AgentID

	switch s.status.Type {
	case agent.TypeEngagementPrediction:
		r, ok := s.agent.(agent.ModelReporter)
		if !ok {
			return nil
		}
		// nothing to learn from yet
		if o.store != nil && sys.SampleCount == 0 {
			return nil
		}
		m := r.ModelMetrics()
		reason := ""
		switch {
		case m.SampleCount > 0 && m.Accuracy < o.cfg.AccuracyThreshold:
			reason = fmt.Sprintf("accuracy %.2f below %.2f", m.Accuracy, o.cfg.AccuracyThreshold)
		case objectiveMissed(objectives, ObjectiveEngagement):
			reason = "average engagement below target"
		case m.LastTrained.IsZero() || now.Sub(m.LastTrained) > o.cfg.RetrainAfter:
			reason = "model is stale"
		}
		if reason == "" {
			return nil
		}
		return []Assignment{{AgentID: id, Task: agent.Task{Type: agent.TaskTrainModel, Priority: 7}, Reason: reason}}

	case agent.TypeContentOptimization:
		r, ok := s.agent.(agent.PatternReporter)
		if !ok || blockingGaps {
			return nil
		}
		if last := r.LastPatternRefresh(); last.IsZero() || now.Sub(last) > o.cfg.PatternRefresh {
			return []Assignment{{AgentID: id, Task: agent.Task{Type: agent.TaskUpdatePatterns, Priority: 4}, Reason: "patterns are stale"}}
		}
	}
	return nil
}

func objectiveMissed(objectives []Objective, name string) bool {
	for _, obj := range objectives {
		if obj.Name == name {
			return obj.Missed()
		}
	}
	return false
}

// directiveFor picks the A/B focus for the objective missing its target by
// the widest relative margin.
func directiveFor(objectives []Objective) agent.Directive {
	var (
		best      agent.Directive
		bestShort float64
	)
	for _, obj := range objectives {
		var d agent.Directive
		switch obj.Name {
		case ObjectiveEngagement:
			d = agent.DirectiveEngagement
		case ObjectiveVirality:
			d = agent.DirectiveVirality
		default:
			continue
		}
		if s := obj.shortfall(); s > bestShort {
			best, bestShort = d, s
		}
	}
	return best
}

// execute dispatches assignments with cross-agent concurrency and serial
// per-agent order, then the training schedule, then directives and
// allocations. It returns the number of dispatched and failed tasks.
func (o *Orchestrator) execute(ctx context.Context, d *Decision) (dispatched, failed int64) {
	byID := make(map[string]agent.Agent, len(o.agents))
	for _, a := range o.agents {
		byID[a.ID()] = a
	}

	run := func(batch []Assignment) {
		perAgent := make(map[string][]Assignment)
		var order []string
		for _, as := range batch {
			if _, seen := perAgent[as.AgentID]; !seen {
				order = append(order, as.AgentID)
			}
			perAgent[as.AgentID] = append(perAgent[as.AgentID], as)
		}

		var g errgroup.Group
		g.SetLimit(o.cfg.MaxConcurrentTasks)
		for _, id := range order {
			a, tasks := byID[id], perAgent[id]
			if a == nil {
				continue
			}
			sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Task.Priority > tasks[j].Task.Priority })
			g.Go(func() error {
				for _, as := range tasks {
					atomic.AddInt64(&dispatched, 1)
					if err := o.dispatch(ctx, a, as); err != nil {
						atomic.AddInt64(&failed, 1)
					}
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	run(d.Assignments)
	run(d.Training)

	if d.Directive != "" {
		for _, a := range o.agents {
			order, err := agent.Prioritize(ctx, a, d.Directive)
			switch {
			case errors.Is(err, agent.ErrNotApplicable):
			case err != nil:
				o.raise(SeverityWarning, a.ID(), fmt.Sprintf("prioritize experiments failed: %v", err))
			default:
				o.logger.Debug("experiments reprioritized",
					zap.String("agent_id", a.ID()),
					zap.String("directive", string(d.Directive)),
					zap.Int("experiments", len(order)))
			}
		}
	}

	applied := make(map[string]ResourceAllocation, len(d.Allocations))
	for _, al := range d.Allocations {
		if a := byID[al.AgentID]; a != nil {
			if err := agent.Allocate(a, al.Allocation); err != nil && !errors.Is(err, agent.ErrNotApplicable) {
				o.logger.Warn("allocation failed", zap.String("agent_id", al.AgentID), zap.Error(err))
				continue
			}
		}
		applied[al.AgentID] = al
	}
	o.mu.Lock()
	o.allocations = applied
	o.mu.Unlock()

	return dispatched, failed
}

// dispatch runs one task and turns a failure into an alert.
func (o *Orchestrator) dispatch(ctx context.Context, a agent.Agent, as Assignment) error {
	ctx, span := otel.StartSpan(ctx, "agent.task",
		otel.TaskAttributes(a.ID(), string(a.Type()), as.Task.Type, as.Task.Priority)...)
	defer span.End()

	start := time.Now()
	_, err := a.ExecuteTask(ctx, as.Task)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		otel.RecordError(span, err, as.Task.Type)
		o.raise(SeverityWarning, a.ID(), fmt.Sprintf("task %s failed: %v", as.Task.Label(), err))
	} else {
		o.logger.Debug("task dispatched",
			zap.String("agent_id", a.ID()),
			zap.String("task_type", as.Task.Type),
			zap.String("reason", as.Reason),
			zap.Duration("elapsed", time.Since(start)))
	}
	if o.metrics != nil {
		o.metrics.TasksDispatched.WithLabelValues(string(a.Type()), outcome).Inc()
	}
	return err
}
