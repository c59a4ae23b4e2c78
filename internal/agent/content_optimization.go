package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clipscommerce/improvement/internal/abtest"
	"github.com/clipscommerce/improvement/internal/bandit"
	"github.com/clipscommerce/improvement/internal/cache"
	"github.com/clipscommerce/improvement/internal/domain"
)

// Content optimization task types
const (
	TaskOptimizeContent = "optimize_content"
	TaskUpdatePatterns  = "update_patterns"
	TaskRecordFeedback  = "record_feedback"
)

// Optimization is the outcome of optimize_content.
type Optimization struct {
	ArmID         string           `json:"arm_id"`
	VariantID     string           `json:"variant_id"`
	Content       string           `json:"content"`
	VariationType string           `json:"variation_type"`
	Platform      string           `json:"platform"`
	Candidates    []abtest.Variant `json:"candidates"`
}

// Pattern is the best-performing variation style per platform, derived from
// bandit estimates.
type Pattern struct {
	Platform        string  `json:"platform"`
	VariationID     string  `json:"variation_id"`
	EstimatedReward float64 `json:"estimated_reward"`
	Pulls           int64   `json:"pulls"`
}

// ContentOptimizationConfig configures a ContentOptimizationAgent.
type ContentOptimizationConfig struct {
	Options
	Bandit   *bandit.EpsilonGreedy
	CacheTTL time.Duration
	// CacheSize bounds generated variation sets, default 1024.
	CacheSize int
}

// ContentOptimizationAgent picks content variations through the bandit and
// feeds engagement back as reward.
type ContentOptimizationAgent struct {
	*runtime

	bandit     *bandit.EpsilonGreedy
	variations *cache.TTLCache[string, []abtest.Variant]

	patMu       sync.RWMutex
	patterns    map[string]Pattern
	lastRefresh time.Time
}

// NewContentOptimizationAgent creates the agent.
func NewContentOptimizationAgent(cfg ContentOptimizationConfig) (*ContentOptimizationAgent, error) {
	if cfg.Bandit == nil {
		cfg.Bandit = bandit.New(bandit.Config{Logger: cfg.Logger})
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	variations, err := cache.New[string, []abtest.Variant](cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}

	a := &ContentOptimizationAgent{
		runtime:    newRuntime(TypeContentOptimization, cfg.Options),
		bandit:     cfg.Bandit,
		variations: variations,
		patterns:   make(map[string]Pattern),
	}
	a.register(TaskOptimizeContent, 0.03, a.handleOptimize)
	a.register(TaskUpdatePatterns, 0.05, a.handleUpdatePatterns)
	a.register(TaskRecordFeedback, 0.02, a.handleFeedback)
	return a, nil
}

func (a *ContentOptimizationAgent) Start(context.Context) error {
	a.setActive(true)
	a.logger.Info("content optimization agent started", zap.Float64("epsilon", a.bandit.Epsilon()))
	return nil
}

func (a *ContentOptimizationAgent) Stop(context.Context) error {
	a.setActive(false)
	a.variations.Clear()
	return nil
}

// LastPatternRefresh reports when update_patterns last ran.
func (a *ContentOptimizationAgent) LastPatternRefresh() time.Time {
	a.patMu.RLock()
	defer a.patMu.RUnlock()
	return a.lastRefresh
}

// Patterns returns the current best variation per platform.
func (a *ContentOptimizationAgent) Patterns() []Pattern {
	a.patMu.RLock()
	defer a.patMu.RUnlock()

	out := make([]Pattern, 0, len(a.patterns))
	for _, p := range a.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

// armID namespaces variation ids by platform so rewards do not leak across
// audiences.
func armID(platform, variantID string) string {
	if platform == "" {
		platform = "any"
	}
	return platform + ":" + variantID
}

func (a *ContentOptimizationAgent) handleOptimize(ctx context.Context, task Task) (any, error) {
	content, err := requireString(task, "content")
	if err != nil {
		return nil, err
	}
	kind := abtest.VariationCaption
	if k, ok := paramString(task, "variation_type"); ok {
		kind = abtest.VariationKind(k)
	}

	sum := sha256.Sum256([]byte(string(kind) + "\x00" + content))
	key := hex.EncodeToString(sum[:16])
	candidates, err := a.variations.GetOrLoad(ctx, key, func(context.Context) ([]abtest.Variant, error) {
		v, err := abtest.GenerateContentVariations(content, kind)
		if err != nil {
			return nil, domain.Validation("%v", err)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(candidates))
	for i, v := range candidates {
		ids[i] = armID(task.Platform, v.ID)
		a.bandit.EnsureArm(ids[i], map[string]any{
			"platform":       task.Platform,
			"variation_type": string(kind),
		})
	}
	arm, ok := a.bandit.Select(ids)
	if !ok {
		return nil, domain.Internal("no candidate variations", nil)
	}

	var chosen abtest.Variant
	for i, id := range ids {
		if id == arm.ID {
			chosen = candidates[i]
		}
	}
	text, _ := chosen.Configuration["content"].(string)

	return Optimization{
		ArmID:         arm.ID,
		VariantID:     chosen.ID,
		Content:       text,
		VariationType: string(kind),
		Platform:      task.Platform,
		Candidates:    append([]abtest.Variant(nil), candidates...),
	}, nil
}

func (a *ContentOptimizationAgent) handleFeedback(ctx context.Context, task Task) (any, error) {
	arm, err := requireString(task, "arm_id")
	if err != nil {
		return nil, err
	}
	reward, ok, err := paramFloat(task, "reward")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.Validation("%s requires parameter %q", TaskRecordFeedback, "reward")
	}

	if err := a.bandit.UpdateReward(ctx, arm, reward); err != nil {
		return nil, err
	}
	est, _ := a.bandit.EstimatedReward(arm)
	return est, nil
}

// handleUpdatePatterns picks the best-estimated arm per platform among arms
// that have been pulled at least once.
func (a *ContentOptimizationAgent) handleUpdatePatterns(_ context.Context, _ Task) (any, error) {
	best := make(map[string]Pattern)
	for _, arm := range a.bandit.Arms() {
		if arm.Count == 0 {
			continue
		}
		platform, variation, found := strings.Cut(arm.ID, ":")
		if !found {
			platform, variation = "any", arm.ID
		}
		cur, seen := best[platform]
		if !seen || arm.EstimatedReward > cur.EstimatedReward {
			best[platform] = Pattern{
				Platform:        platform,
				VariationID:     variation,
				EstimatedReward: arm.EstimatedReward,
				Pulls:           arm.Count,
			}
		}
	}

	a.patMu.Lock()
	a.patterns = best
	a.lastRefresh = a.now()
	a.patMu.Unlock()

	a.logger.Info("content patterns refreshed", zap.Int("platforms", len(best)))
	return a.Patterns(), nil
}
