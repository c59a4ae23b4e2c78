package agent

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clipscommerce/improvement/internal/datastore"
	"github.com/clipscommerce/improvement/internal/domain"
)

// Data collection task types
const (
	TaskCollectData    = "collect_data"
	TaskAnalyzeGaps    = "analyze_gaps"
	TaskRemediateGap   = "remediate_gap"
	TaskUpdateStrategy = "update_strategy"
)

// Severity ranks a data gap by its shortfall.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// severityFor maps the missing fraction of required samples to a tier.
func severityFor(shortfall float64) Severity {
	switch {
	case shortfall >= 0.75:
		return SeverityCritical
	case shortfall >= 0.5:
		return SeverityHigh
	case shortfall >= 0.25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// DataGap is a shortfall of training samples for a niche/platform pair.
type DataGap struct {
	Niche              string    `json:"niche"`
	Platform           string    `json:"platform"`
	Current            int       `json:"current"`
	Required           int       `json:"required"`
	Shortfall          float64   `json:"shortfall"`
	Severity           Severity  `json:"severity"`
	RecommendedActions []string  `json:"recommended_actions"`
	DetectedAt         time.Time `json:"detected_at"`
}

// QualityFilter drops low-signal posts before they are stored.
type QualityFilter struct {
	MinViews          int64   `json:"min_views"`
	MinEngagementRate float64 `json:"min_engagement_rate"`
	RequireCaption    bool    `json:"require_caption"`
}

func (q QualityFilter) accept(p datastore.PostMetric) bool {
	if p.Views < q.MinViews {
		return false
	}
	if p.EngagementRate < q.MinEngagementRate {
		return false
	}
	if q.RequireCaption && p.Caption == "" {
		return false
	}
	return true
}

// Window is an hour range [StartHour, EndHour) in UTC during which
// collection may run. EndHour < StartHour wraps midnight.
type Window struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

func (w Window) contains(t time.Time) bool {
	h := t.UTC().Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Strategy is how one niche/platform pair is collected.
type Strategy struct {
	Niche           string        `json:"niche"`
	Platform        string        `json:"platform"`
	RateLimit       float64       `json:"rate_limit"` // requests per second
	BatchSize       int           `json:"batch_size"`
	Sources         []string      `json:"sources"`
	QualityFilters  QualityFilter `json:"quality_filters"`
	ScheduleWindows []Window      `json:"schedule_windows"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (s Strategy) inWindow(t time.Time) bool {
	if len(s.ScheduleWindows) == 0 {
		return true
	}
	for _, w := range s.ScheduleWindows {
		if w.contains(t) {
			return true
		}
	}
	return false
}

// Collector discovers new posts for a niche/platform pair.
type Collector interface {
	Collect(ctx context.Context, strategy Strategy, limit int) ([]datastore.PostMetric, error)
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context, strategy Strategy, limit int) ([]datastore.PostMetric, error)

func (f CollectorFunc) Collect(ctx context.Context, s Strategy, limit int) ([]datastore.PostMetric, error) {
	return f(ctx, s, limit)
}

// CollectionResult summarizes one collection run.
type CollectionResult struct {
	Niche     string `json:"niche"`
	Platform  string `json:"platform"`
	Fetched   int    `json:"fetched"`
	Stored    int    `json:"stored"`
	Filtered  int    `json:"filtered"`
	Deferred  bool   `json:"deferred"`
	Remaining int    `json:"remaining"`
}

const (
	defaultBatchSize = 100
	maxBatchSize     = 1000
	maxRateLimit     = 50.0
)

var defaultSources = []string{"trending", "hashtag_search"}

// DataCollectionConfig configures a DataCollectionAgent.
type DataCollectionConfig struct {
	Options
	Store           datastore.Store
	Collector       Collector
	RequiredSamples int
	GapInterval     time.Duration
	RateLimit       float64
	Niches          []string
	Platforms       []string
}

// DataCollectionAgent fills the post-metrics store and reports data gaps per
// niche/platform pair.
type DataCollectionAgent struct {
	*runtime

	store     datastore.Store
	collector Collector
	required  int
	interval  time.Duration
	baseRate  float64
	niches    []string
	platforms []string

	// strategies never expire; the limiters mirror their rates.
	strategies *gocache.Cache

	limMu     sync.Mutex
	limiters  map[string]*rate.Limiter
	rateScale float64

	gapMu sync.RWMutex
	gaps  []DataGap

	loopMu  sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewDataCollectionAgent creates the agent. RequiredSamples defaults to
// 1000, GapInterval to 15 minutes and RateLimit to 2 req/s.
func NewDataCollectionAgent(cfg DataCollectionConfig) *DataCollectionAgent {
	if cfg.Store == nil {
		cfg.Store = datastore.NewMemoryStore()
	}
	if cfg.RequiredSamples <= 0 {
		cfg.RequiredSamples = 1000
	}
	if cfg.GapInterval <= 0 {
		cfg.GapInterval = 15 * time.Minute
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2
	}

	a := &DataCollectionAgent{
		runtime:    newRuntime(TypeDataCollection, cfg.Options),
		store:      cfg.Store,
		collector:  cfg.Collector,
		required:   cfg.RequiredSamples,
		interval:   cfg.GapInterval,
		baseRate:   cfg.RateLimit,
		niches:     append([]string(nil), cfg.Niches...),
		platforms:  append([]string(nil), cfg.Platforms...),
		strategies: gocache.New(gocache.NoExpiration, 0),
		limiters:   make(map[string]*rate.Limiter),
		rateScale:  1,
	}

	a.register(TaskCollectData, 0.02, a.handleCollect)
	a.register(TaskAnalyzeGaps, 0.03, a.handleAnalyzeGaps)
	a.register(TaskRemediateGap, 0.05, a.handleRemediate)
	a.register(TaskUpdateStrategy, 0.02, a.handleUpdateStrategy)
	return a
}

// Start activates the agent and launches the gap monitor.
func (a *DataCollectionAgent) Start(ctx context.Context) error {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()

	if a.running {
		return nil
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.setActive(true)

	a.wg.Add(1)
	go a.monitorGaps(a.stopCh)

	a.logger.Info("data collection agent started",
		zap.Duration("gap_interval", a.interval),
		zap.Int("required_samples", a.required))
	return nil
}

// Stop halts the gap monitor and waits for it to exit.
func (a *DataCollectionAgent) Stop(ctx context.Context) error {
	a.loopMu.Lock()
	if !a.running {
		a.loopMu.Unlock()
		return nil
	}
	a.running = false
	close(a.stopCh)
	a.loopMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	a.setActive(false)
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.logger.Info("data collection agent stopped")
	return nil
}

func (a *DataCollectionAgent) monitorGaps(stopCh chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			a.runGapMonitor(stopCh)
		}
	}
}

func (a *DataCollectionAgent) runGapMonitor(stopCh chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := a.ExecuteTask(ctx, Task{Type: TaskAnalyzeGaps, Priority: 3})
	if err != nil {
		a.logger.Warn("gap monitor analysis failed", zap.Error(err))
		return
	}
	if !a.CanCollect() {
		return
	}

	for _, gap := range res.Value.([]DataGap) {
		if gap.Severity != SeverityCritical {
			continue
		}
		_, err := a.ExecuteTask(ctx, Task{
			Type:     TaskRemediateGap,
			Niche:    gap.Niche,
			Platform: gap.Platform,
			Priority: 8,
		})
		if err != nil {
			a.logger.Warn("critical gap remediation failed",
				zap.String("niche", gap.Niche),
				zap.String("platform", gap.Platform),
				zap.Error(err))
		}
	}
}

// DataGaps returns the latest gap report, most severe first.
func (a *DataCollectionAgent) DataGaps() []DataGap {
	a.gapMu.RLock()
	defer a.gapMu.RUnlock()
	return append([]DataGap(nil), a.gaps...)
}

// AnalyzeGaps counts stored samples for every configured niche/platform pair
// and records the pairs below the required count.
func (a *DataCollectionAgent) AnalyzeGaps(ctx context.Context) ([]DataGap, error) {
	now := a.now()
	var gaps []DataGap

	for _, niche := range a.niches {
		for _, platform := range a.platforms {
			n, err := a.store.Count(ctx, datastore.Filter{Niche: niche, Platform: platform})
			if err != nil {
				return nil, domain.Dependency(fmt.Sprintf("count samples for %s/%s", niche, platform), err)
			}
			if n >= a.required {
				continue
			}
			shortfall := float64(a.required-n) / float64(a.required)
			sev := severityFor(shortfall)
			gaps = append(gaps, DataGap{
				Niche:              niche,
				Platform:           platform,
				Current:            n,
				Required:           a.required,
				Shortfall:          shortfall,
				Severity:           sev,
				RecommendedActions: recommendedActions(sev, niche, platform),
				DetectedAt:         now,
			})
		}
	}

	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].Shortfall > gaps[j].Shortfall })

	a.gapMu.Lock()
	a.gaps = gaps
	a.gapMu.Unlock()
	return append([]DataGap(nil), gaps...), nil
}

func recommendedActions(sev Severity, niche, platform string) []string {
	switch sev {
	case SeverityCritical:
		return []string{
			fmt.Sprintf("Increase collection rate for %s on %s", niche, platform),
			"Enable additional content-discovery sources",
			fmt.Sprintf("Prioritize %s/%s in every collection window", niche, platform),
		}
	case SeverityHigh:
		return []string{
			"Increase collection batch size",
			"Extend scheduling windows",
		}
	case SeverityMedium:
		return []string{"Schedule additional collection runs"}
	default:
		return []string{"Continue regular collection"}
	}
}

// Strategy returns the collection strategy for a pair, creating the default
// when none is stored.
func (a *DataCollectionAgent) Strategy(niche, platform string) Strategy {
	key := strategyKey(niche, platform)
	if v, ok := a.strategies.Get(key); ok {
		return v.(Strategy)
	}
	s := Strategy{
		Niche:          niche,
		Platform:       platform,
		RateLimit:      a.baseRate,
		BatchSize:      defaultBatchSize,
		Sources:        append([]string(nil), defaultSources...),
		QualityFilters: QualityFilter{MinViews: 100},
		UpdatedAt:      a.now(),
	}
	a.strategies.Set(key, s, gocache.NoExpiration)
	return s
}

// Strategies lists every stored strategy.
func (a *DataCollectionAgent) Strategies() []Strategy {
	items := a.strategies.Items()
	out := make([]Strategy, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(Strategy))
	}
	sort.Slice(out, func(i, j int) bool {
		return strategyKey(out[i].Niche, out[i].Platform) < strategyKey(out[j].Niche, out[j].Platform)
	})
	return out
}

func (a *DataCollectionAgent) putStrategy(s Strategy) {
	s.UpdatedAt = a.now()
	key := strategyKey(s.Niche, s.Platform)
	a.strategies.Set(key, s, gocache.NoExpiration)

	a.limMu.Lock()
	if lim, ok := a.limiters[key]; ok {
		lim.SetLimit(rate.Limit(s.RateLimit * a.rateScale))
	}
	a.limMu.Unlock()
}

func (a *DataCollectionAgent) limiter(s Strategy) *rate.Limiter {
	key := strategyKey(s.Niche, s.Platform)

	a.limMu.Lock()
	defer a.limMu.Unlock()

	want := rate.Limit(s.RateLimit * a.rateScale)
	lim, ok := a.limiters[key]
	if !ok {
		lim = rate.NewLimiter(want, 1)
		a.limiters[key] = lim
	} else if lim.Limit() != want {
		lim.SetLimit(want)
	}
	return lim
}

// limit reports the rate currently enforced for a pair, or 0 when nothing
// has been collected for it yet.
func (a *DataCollectionAgent) limit(niche, platform string) rate.Limit {
	a.limMu.Lock()
	defer a.limMu.Unlock()
	if lim, ok := a.limiters[strategyKey(niche, platform)]; ok {
		return lim.Limit()
	}
	return 0
}

// CanCollect reports whether a content collector is configured.
func (a *DataCollectionAgent) CanCollect() bool {
	return a.collector != nil
}

// ApplyAllocation scales every collection limiter with the granted CPU
// share on top of recording the allocation.
func (a *DataCollectionAgent) ApplyAllocation(al Allocation) {
	a.runtime.ApplyAllocation(al)

	scale := 1.0
	if al.CPUShare > 0 {
		scale = math.Max(0.25, math.Min(2, al.CPUShare*4))
	}

	a.limMu.Lock()
	defer a.limMu.Unlock()
	a.rateScale = scale
	for key, lim := range a.limiters {
		if v, ok := a.strategies.Get(key); ok {
			lim.SetLimit(rate.Limit(v.(Strategy).RateLimit * scale))
		}
	}
}

func (a *DataCollectionAgent) handleCollect(ctx context.Context, task Task) (any, error) {
	if task.Niche == "" || task.Platform == "" {
		return nil, domain.Validation("%s requires niche and platform", TaskCollectData)
	}
	return a.collect(ctx, a.Strategy(task.Niche, task.Platform), paramBool(task, "ignore_schedule"))
}

func (a *DataCollectionAgent) collect(ctx context.Context, s Strategy, ignoreSchedule bool) (CollectionResult, error) {
	res := CollectionResult{Niche: s.Niche, Platform: s.Platform}
	if a.collector == nil {
		return res, domain.Dependency("no content collector configured", nil)
	}
	if !ignoreSchedule && !s.inWindow(a.now()) {
		res.Deferred = true
		return res, nil
	}

	if err := a.limiter(s).Wait(ctx); err != nil {
		return res, err
	}

	rows, err := a.collector.Collect(ctx, s, s.BatchSize)
	if err != nil {
		return res, domain.Dependency(fmt.Sprintf("collect %s/%s", s.Niche, s.Platform), err)
	}
	res.Fetched = len(rows)

	now := a.now()
	kept := make([]datastore.PostMetric, 0, len(rows))
	for _, row := range rows {
		if row.EngagementRate == 0 && row.Views > 0 {
			row.EngagementRate = float64(row.Likes+row.Comments+row.Shares) / float64(row.Views)
		}
		if !s.QualityFilters.accept(row) {
			res.Filtered++
			continue
		}
		row.Niche = s.Niche
		row.Platform = s.Platform
		if row.CollectedAt.IsZero() {
			row.CollectedAt = now
		}
		kept = append(kept, row)
	}

	if err := a.store.Upsert(ctx, kept); err != nil {
		return res, domain.Dependency("store collected posts", err)
	}
	res.Stored = len(kept)

	n, err := a.store.Count(ctx, datastore.Filter{Niche: s.Niche, Platform: s.Platform})
	if err == nil && n < a.required {
		res.Remaining = a.required - n
	}

	a.logger.Info("collection run finished",
		zap.String("niche", s.Niche),
		zap.String("platform", s.Platform),
		zap.Int("fetched", res.Fetched),
		zap.Int("stored", res.Stored),
		zap.Int("filtered", res.Filtered))
	return res, nil
}

func (a *DataCollectionAgent) handleAnalyzeGaps(ctx context.Context, _ Task) (any, error) {
	return a.AnalyzeGaps(ctx)
}

// handleRemediate escalates the pair's strategy and collects immediately,
// regardless of schedule windows.
func (a *DataCollectionAgent) handleRemediate(ctx context.Context, task Task) (any, error) {
	if task.Niche == "" || task.Platform == "" {
		return nil, domain.Validation("%s requires niche and platform", TaskRemediateGap)
	}

	s := a.Strategy(task.Niche, task.Platform)
	s.RateLimit = math.Min(maxRateLimit, s.RateLimit*1.5)
	s.BatchSize = min(maxBatchSize, s.BatchSize*2)
	for _, src := range []string{"competitor_accounts", "related_hashtags"} {
		if !contains(s.Sources, src) {
			s.Sources = append(s.Sources, src)
		}
	}
	a.putStrategy(s)

	a.logger.Info("remediating data gap",
		zap.String("niche", task.Niche),
		zap.String("platform", task.Platform),
		zap.Float64("rate_limit", s.RateLimit),
		zap.Int("batch_size", s.BatchSize))

	return a.collect(ctx, s, true)
}

func (a *DataCollectionAgent) handleUpdateStrategy(_ context.Context, task Task) (any, error) {
	if task.Niche == "" || task.Platform == "" {
		return nil, domain.Validation("%s requires niche and platform", TaskUpdateStrategy)
	}

	s := a.Strategy(task.Niche, task.Platform)
	if v, ok, err := paramFloat(task, "rate_limit"); err != nil {
		return nil, err
	} else if ok {
		if v <= 0 || v > maxRateLimit {
			return nil, domain.Validation("rate_limit must be in (0, %.0f]", maxRateLimit)
		}
		s.RateLimit = v
	}
	if v, ok, err := paramInt(task, "batch_size"); err != nil {
		return nil, err
	} else if ok {
		if v <= 0 || v > maxBatchSize {
			return nil, domain.Validation("batch_size must be in (0, %d]", maxBatchSize)
		}
		s.BatchSize = v
	}
	if srcs := paramStrings(task, "sources"); srcs != nil {
		s.Sources = srcs
	}
	if v, ok, err := paramInt(task, "min_views"); err != nil {
		return nil, err
	} else if ok {
		s.QualityFilters.MinViews = int64(v)
	}
	if v, ok, err := paramFloat(task, "min_engagement_rate"); err != nil {
		return nil, err
	} else if ok {
		s.QualityFilters.MinEngagementRate = v
	}
	if w, ok := task.Parameters["schedule_windows"].([]Window); ok {
		s.ScheduleWindows = w
	}

	a.putStrategy(s)
	return a.Strategy(task.Niche, task.Platform), nil
}

func strategyKey(niche, platform string) string {
	return niche + "|" + platform
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
