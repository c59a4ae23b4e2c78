package bandit

import (
	"context"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clipscommerce/improvement/internal/domain"
	"github.com/clipscommerce/improvement/internal/logging"
	"github.com/clipscommerce/improvement/internal/metrics"
)

const DefaultEpsilon = 0.1

// Arm is a candidate choice with its running mean reward.
type Arm struct {
	ID              string         `json:"id"`
	Context         map[string]any `json:"context,omitempty"`
	EstimatedReward float64        `json:"estimated_reward"`
	Count           int64          `json:"count"`
}

func (a *Arm) clone() Arm {
	cp := *a
	if a.Context != nil {
		cp.Context = make(map[string]any, len(a.Context))
		for k, v := range a.Context {
			cp.Context[k] = v
		}
	}
	return cp
}

// Stats tracks bandit decisions
type Stats struct {
	TotalDecisions        int64
	ExplorationDecisions  int64
	ExploitationDecisions int64
	Updates               int64
	SinkErrors            int64
	LastUpdate            time.Time
}

// Config for an epsilon-greedy bandit
type Config struct {
	// Epsilon is the exploration probability. Zero uses DefaultEpsilon;
	// pass a negative value for pure exploitation.
	Epsilon float64
	Sink    RewardSink
	Rand    *rand.Rand
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// EpsilonGreedy explores a uniformly random arm with probability epsilon and
// otherwise exploits the arm with the highest estimated reward.
type EpsilonGreedy struct {
	mu      sync.Mutex
	epsilon float64
	arms    []*Arm
	index   map[string]int
	rng     *rand.Rand
	sink    RewardSink
	logger  *zap.Logger
	metrics *metrics.Metrics
	stats   Stats
}

// New creates an empty bandit.
func New(cfg Config) *EpsilonGreedy {
	switch {
	case cfg.Epsilon == 0:
		cfg.Epsilon = DefaultEpsilon
	case cfg.Epsilon < 0:
		cfg.Epsilon = 0
	case cfg.Epsilon > 1:
		cfg.Epsilon = 1
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}

	return &EpsilonGreedy{
		epsilon: cfg.Epsilon,
		index:   make(map[string]int),
		rng:     cfg.Rand,
		sink:    cfg.Sink,
		logger:  logging.OrNop(cfg.Logger).Named("bandit"),
		metrics: cfg.Metrics,
	}
}

// Epsilon returns the exploration rate.
func (b *EpsilonGreedy) Epsilon() float64 {
	return b.epsilon
}

// EnsureArm creates the arm at reward 0 and count 0 if it is unknown.
func (b *EpsilonGreedy) EnsureArm(id string, armCtx map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure(id, armCtx)
}

func (b *EpsilonGreedy) ensure(id string, armCtx map[string]any) *Arm {
	if i, ok := b.index[id]; ok {
		return b.arms[i]
	}
	arm := &Arm{ID: id}
	if armCtx != nil {
		arm.Context = make(map[string]any, len(armCtx))
		for k, v := range armCtx {
			arm.Context[k] = v
		}
	}
	b.index[id] = len(b.arms)
	b.arms = append(b.arms, arm)
	return arm
}

// SelectArm picks an arm among those whose context contains every key/value
// of want. When no arm matches, all arms are candidates. It returns false
// when the bandit has no arms.
func (b *EpsilonGreedy) SelectArm(want map[string]any) (Arm, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := make([]*Arm, 0, len(b.arms))
	for _, a := range b.arms {
		if matches(a.Context, want) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		candidates = b.arms
	}
	return b.choose(candidates)
}

// Select picks among the given arm ids, creating unknown ones lazily.
func (b *EpsilonGreedy) Select(ids []string) (Arm, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := make([]*Arm, 0, len(ids))
	for _, id := range ids {
		candidates = append(candidates, b.ensure(id, nil))
	}
	return b.choose(candidates)
}

// choose must be called with b.mu held.
func (b *EpsilonGreedy) choose(candidates []*Arm) (Arm, bool) {
	if len(candidates) == 0 {
		return Arm{}, false
	}

	var selected *Arm
	mode := "exploit"
	if b.rng.Float64() < b.epsilon {
		selected = candidates[b.rng.Intn(len(candidates))]
		mode = "explore"
		b.stats.ExplorationDecisions++
	} else {
		// strict > keeps the first-seen arm on ties
		selected = candidates[0]
		for _, a := range candidates[1:] {
			if a.EstimatedReward > selected.EstimatedReward {
				selected = a
			}
		}
		b.stats.ExploitationDecisions++
	}
	b.stats.TotalDecisions++

	if b.metrics != nil {
		b.metrics.BanditPulls.WithLabelValues(mode).Inc()
	}
	return selected.clone(), true
}

// UpdateReward folds reward into the arm's running mean and forwards the new
// state to the reward sink. Unknown arms are created. A sink failure is
// returned as a dependency error, the in-memory estimate is kept. The sink
// is called under the lock so persisted events keep update order.
func (b *EpsilonGreedy) UpdateReward(ctx context.Context, armID string, reward float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	arm := b.ensure(armID, nil)
	arm.Count++
	arm.EstimatedReward += (reward - arm.EstimatedReward) / float64(arm.Count)

	now := time.Now()
	b.stats.Updates++
	b.stats.LastUpdate = now

	event := RewardEvent{
		ArmID:     armID,
		Reward:    reward,
		Estimate:  arm.EstimatedReward,
		Count:     arm.Count,
		Timestamp: now,
	}

	if err := b.sink.RecordReward(ctx, event); err != nil {
		b.stats.SinkErrors++
		b.logger.Warn("reward sink failed", zap.String("arm_id", armID), zap.Error(err))
		return domain.Dependency("failed to persist reward", err)
	}
	return nil
}

// Restore rebuilds arm state from persisted reward events. Each event
// carries the post-update estimate, so the last event per arm wins.
func (b *EpsilonGreedy) Restore(events []RewardEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range events {
		arm := b.ensure(ev.ArmID, nil)
		arm.EstimatedReward = ev.Estimate
		arm.Count = ev.Count
	}
}

// EstimatedReward returns the arm's running mean.
func (b *EpsilonGreedy) EstimatedReward(armID string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.index[armID]
	if !ok {
		return 0, false
	}
	return b.arms[i].EstimatedReward, true
}

// Arms returns a snapshot of every arm in first-seen order.
func (b *EpsilonGreedy) Arms() []Arm {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Arm, len(b.arms))
	for i, a := range b.arms {
		out[i] = a.clone()
	}
	return out
}

func (b *EpsilonGreedy) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func matches(armCtx, want map[string]any) bool {
	for k, v := range want {
		got, ok := armCtx[k]
		if !ok || !reflect.DeepEqual(got, v) {
			return false
		}
	}
	return true
}
