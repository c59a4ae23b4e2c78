package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipscommerce/improvement/internal/domain"
	"github.com/clipscommerce/improvement/internal/logging"
)

const (
	InitialPerformance = 0.8
	MinPerformance     = 0.1
	MaxPerformance     = 1.0
	ErrorThreshold     = 0.3
	FailurePenalty     = 0.1
	DefaultSuccessGain = 0.02

	idleUtilization = 0.05
)

// Options shared by every agent constructor.
type Options struct {
	ID          string
	Logger      *zap.Logger
	TaskTimeout time.Duration
	Now         func() time.Time
}

type handlerFunc func(ctx context.Context, task Task) (any, error)

// taskSpec binds a task type to its handler and its success gain.
type taskSpec struct {
	gain   float64
	handle handlerFunc
}

// runtime is the shared agent machinery: lifecycle, one-task-at-a-time
// execution, bounded performance scoring and status derivation.
type runtime struct {
	id       string
	typ      Type
	logger   *zap.Logger
	now      func() time.Time
	timeout  time.Duration
	validate *validator.Validate
	tasks    map[string]taskSpec

	// slot is a one-element semaphore serializing ExecuteTask.
	slot chan struct{}

	mu          sync.RWMutex
	active      bool
	training    bool
	currentTask string
	performance float64
	utilization float64
	allocation  Allocation
	completed   int64
	failed      int64
	lastUpdate  time.Time
}

func newRuntime(typ Type, opts Options) *runtime {
	if opts.ID == "" {
		opts.ID = fmt.Sprintf("%s-%s", typ, uuid.NewString()[:8])
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &runtime{
		id:          opts.ID,
		typ:         typ,
		logger:      logging.OrNop(opts.Logger).Named(string(typ)).With(zap.String("agent_id", opts.ID)),
		now:         opts.Now,
		timeout:     opts.TaskTimeout,
		validate:    validator.New(),
		tasks:       make(map[string]taskSpec),
		slot:        make(chan struct{}, 1),
		performance: InitialPerformance,
	}
	r.lastUpdate = r.now()
	return r
}

func (r *runtime) register(taskType string, gain float64, h handlerFunc) {
	r.tasks[taskType] = taskSpec{gain: gain, handle: h}
}

func (r *runtime) ID() string { return r.id }

func (r *runtime) Type() Type { return r.typ }

func (r *runtime) setActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = active
	if active {
		r.utilization = idleUtilization
	} else {
		r.utilization = 0
	}
	r.lastUpdate = r.now()
}

func (r *runtime) isActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// setTraining flags long-running model work so Status reports training.
func (r *runtime) setTraining(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.training = on
}

// ExecuteTask runs task through its registered handler. Tasks on one agent
// never overlap; a second caller waits for the slot or its context.
func (r *runtime) ExecuteTask(ctx context.Context, task Task) (Result, error) {
	if err := r.validate.Struct(task); err != nil {
		return Result{}, domain.Validation("invalid task: %v", err)
	}
	spec, ok := r.tasks[task.Type]
	if !ok {
		return Result{}, fmt.Errorf("%s agent cannot run %q: %w", r.typ, task.Type, ErrNotApplicable)
	}
	if !r.isActive() {
		return Result{}, domain.FailedPrecondition("agent %s is not running", r.id)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	select {
	case r.slot <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { <-r.slot }()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.begin(task)
	start := r.now()
	value, err := r.invoke(ctx, spec.handle, task)
	elapsed := r.now().Sub(start)
	r.finish(spec.gain, err)

	if err != nil {
		r.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("task_type", task.Type),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return Result{}, asTaskError(task, err)
	}

	r.logger.Debug("task completed",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.Duration("elapsed", elapsed))
	return Result{TaskID: task.ID, Type: task.Type, Value: value, Duration: elapsed}, nil
}

func (r *runtime) invoke(ctx context.Context, h handlerFunc, task Task) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Type, p)
		}
	}()
	return h(ctx, task)
}

func (r *runtime) begin(task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.currentTask = task.Label()
	r.utilization = math.Min(1, 0.3+0.07*float64(task.Priority))
	r.lastUpdate = r.now()
}

func (r *runtime) finish(gain float64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.performance = math.Max(MinPerformance, r.performance-FailurePenalty)
		r.failed++
	} else {
		r.performance = math.Min(MaxPerformance, r.performance+gain)
		r.completed++
	}
	r.currentTask = ""
	r.training = false
	if r.active {
		r.utilization = idleUtilization
	} else {
		r.utilization = 0
	}
	r.lastUpdate = r.now()
}

// asTaskError keeps validation, not-found and precondition errors as they
// are so callers can surface them; anything else becomes a task error.
func asTaskError(task Task, err error) error {
	var appErr *domain.AppError
	if errors.As(err, &appErr) || errors.Is(err, ErrNotApplicable) {
		return err
	}
	return domain.Task(fmt.Sprintf("task %s failed", task.Type), err)
}

// Status derives the lifecycle state: an inactive agent is idle, a score
// below ErrorThreshold reports error, otherwise the agent is active (or
// training) while a task runs and idle between tasks.
func (r *runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := StateIdle
	switch {
	case !r.active:
	case r.performance < ErrorThreshold:
		state = StateError
	case r.currentTask == "":
	case r.training:
		state = StateTraining
	default:
		state = StateActive
	}

	return Status{
		AgentID:             r.id,
		Type:                r.typ,
		State:               state,
		CurrentTask:         r.currentTask,
		Performance:         r.performance,
		ResourceUtilization: r.utilization,
		TasksCompleted:      r.completed,
		TasksFailed:         r.failed,
		LastUpdate:          r.lastUpdate,
	}
}

func (r *runtime) Performance() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.performance
}

func (r *runtime) ResourceUtilization() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.utilization
}

func (r *runtime) CurrentTask() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentTask, r.currentTask != ""
}

// ApplyAllocation records the orchestrator's resource grant.
func (r *runtime) ApplyAllocation(a Allocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocation = a
}

func (r *runtime) Allocation() Allocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allocation
}
