package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipscommerce/improvement/internal/datastore"
	"github.com/clipscommerce/improvement/internal/domain"
)

func seedPosts(t *testing.T, store datastore.Store, niche, platform string, n int) {
	t.Helper()
	rows := make([]datastore.PostMetric, n)
	for i := range rows {
		likes := int64(40 + i%20)
		rows[i] = datastore.PostMetric{
			ID:             fmt.Sprintf("%s-%s-%d", niche, platform, i),
			Niche:          niche,
			Platform:       platform,
			Caption:        "daily workout #fitness",
			Views:          1000,
			Likes:          likes,
			Comments:       int64(i % 7),
			EngagementRate: float64(likes+int64(i%7)) / 1000,
			PostedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		}
	}
	require.NoError(t, store.Upsert(context.Background(), rows))
}

// recordingCollector returns batches of synthetic posts and remembers the
// strategies it was called with.
type recordingCollector struct {
	mu    sync.Mutex
	calls []Strategy
	limit []int
	seq   int
	views int64
}

func (c *recordingCollector) Collect(_ context.Context, s Strategy, limit int) ([]datastore.PostMetric, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, s)
	c.limit = append(c.limit, limit)

	n := 5
	out := make([]datastore.PostMetric, n)
	for i := range out {
		c.seq++
		views := c.views
		if i == 0 {
			views = 10 // below the default MinViews
		}
		out[i] = datastore.PostMetric{
			ID:      fmt.Sprintf("collected-%d", c.seq),
			Views:   views,
			Likes:   50,
			Caption: "new post",
		}
	}
	return out, nil
}

func newCollectionAgent(t *testing.T, store datastore.Store, collector Collector, now time.Time) *DataCollectionAgent {
	t.Helper()
	a := NewDataCollectionAgent(DataCollectionConfig{
		Options:         Options{ID: "collector-1", Now: func() time.Time { return now }},
		Store:           store,
		Collector:       collector,
		RequiredSamples: 100,
		GapInterval:     time.Hour,
		RateLimit:       20,
		Niches:          []string{"fitness"},
		Platforms:       []string{"tiktok", "instagram", "youtube"},
	})
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		shortfall float64
		want      Severity
	}{
		{1.0, SeverityCritical},
		{0.75, SeverityCritical},
		{0.6, SeverityHigh},
		{0.5, SeverityHigh},
		{0.3, SeverityMedium},
		{0.1, SeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, severityFor(tt.shortfall), "shortfall %.2f", tt.shortfall)
	}
}

func TestAnalyzeGaps(t *testing.T) {
	store := datastore.NewMemoryStore()
	seedPosts(t, store, "fitness", "tiktok", 120)
	seedPosts(t, store, "fitness", "instagram", 40)
	a := newCollectionAgent(t, store, nil, time.Now())

	res, err := a.ExecuteTask(context.Background(), Task{Type: TaskAnalyzeGaps})
	require.NoError(t, err)

	gaps := res.Value.([]DataGap)
	require.Len(t, gaps, 2, "tiktok is above the requirement")

	assert.Equal(t, "youtube", gaps[0].Platform, "largest shortfall first")
	assert.Equal(t, SeverityCritical, gaps[0].Severity)
	assert.Equal(t, 0, gaps[0].Current)
	assert.NotEmpty(t, gaps[0].RecommendedActions)

	assert.Equal(t, "instagram", gaps[1].Platform)
	assert.Equal(t, SeverityHigh, gaps[1].Severity)
	assert.InDelta(t, 0.6, gaps[1].Shortfall, 1e-9)

	reported, err := Gaps(a)
	require.NoError(t, err)
	assert.Equal(t, gaps, reported)
}

func TestCollect_FiltersAndStores(t *testing.T) {
	store := datastore.NewMemoryStore()
	collector := &recordingCollector{views: 500}
	a := newCollectionAgent(t, store, collector, time.Now())

	res, err := a.ExecuteTask(context.Background(), Task{
		Type: TaskCollectData, Niche: "fitness", Platform: "tiktok",
	})
	require.NoError(t, err)

	cr := res.Value.(CollectionResult)
	assert.Equal(t, 5, cr.Fetched)
	assert.Equal(t, 1, cr.Filtered)
	assert.Equal(t, 4, cr.Stored)
	assert.Equal(t, 96, cr.Remaining)

	rows, err := store.Query(context.Background(), datastore.Filter{Niche: "fitness", Platform: "tiktok"})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.InDelta(t, 0.1, rows[0].EngagementRate, 1e-9, "derived from counters")
	assert.False(t, rows[0].CollectedAt.IsZero())
}

func TestCollect_Errors(t *testing.T) {
	a := newCollectionAgent(t, datastore.NewMemoryStore(), nil, time.Now())
	ctx := context.Background()

	_, err := a.ExecuteTask(ctx, Task{Type: TaskCollectData, Niche: "fitness", Platform: "tiktok"})
	assert.ErrorIs(t, err, domain.ErrDependency, "no collector configured")

	_, err = a.ExecuteTask(ctx, Task{Type: TaskCollectData})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, a.CanCollect())
}

func TestCollect_LeavesCollectorRowsIntact(t *testing.T) {
	src := []datastore.PostMetric{
		{ID: "low", Views: 10, Likes: 1},
		{ID: "a", Views: 500, Likes: 50},
		{ID: "b", Views: 800, Likes: 90},
	}
	collector := CollectorFunc(func(context.Context, Strategy, int) ([]datastore.PostMetric, error) {
		return src, nil
	})
	store := datastore.NewMemoryStore()
	a := newCollectionAgent(t, store, collector, time.Now())
	require.True(t, a.CanCollect())

	res, err := a.ExecuteTask(context.Background(), Task{
		Type: TaskCollectData, Niche: "fitness", Platform: "tiktok",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Value.(CollectionResult).Stored)

	assert.Equal(t, "low", src[0].ID)
	assert.Equal(t, "a", src[1].ID)
	assert.Empty(t, src[1].Niche, "stored copies carry the niche, the source rows do not")
	assert.Zero(t, src[2].EngagementRate)
}

func TestCollect_ScheduleWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	collector := &recordingCollector{views: 500}
	a := newCollectionAgent(t, datastore.NewMemoryStore(), collector, now)
	ctx := context.Background()

	_, err := a.ExecuteTask(ctx, Task{
		Type: TaskUpdateStrategy, Niche: "fitness", Platform: "tiktok",
		Parameters: map[string]any{"schedule_windows": []Window{{StartHour: 10, EndHour: 12}}},
	})
	require.NoError(t, err)

	res, err := a.ExecuteTask(ctx, Task{Type: TaskCollectData, Niche: "fitness", Platform: "tiktok"})
	require.NoError(t, err)
	assert.True(t, res.Value.(CollectionResult).Deferred)
	assert.Empty(t, collector.calls)

	res, err = a.ExecuteTask(ctx, Task{Type: TaskRemediateGap, Niche: "fitness", Platform: "tiktok"})
	require.NoError(t, err)
	assert.False(t, res.Value.(CollectionResult).Deferred, "remediation ignores schedule windows")
	assert.Len(t, collector.calls, 1)
}

func TestWindow_WrapsMidnight(t *testing.T) {
	w := Window{StartHour: 22, EndHour: 2}
	assert.True(t, w.contains(time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)))
	assert.True(t, w.contains(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)))
	assert.False(t, w.contains(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)))
}

func TestRemediateGap_EscalatesStrategy(t *testing.T) {
	collector := &recordingCollector{views: 500}
	a := newCollectionAgent(t, datastore.NewMemoryStore(), collector, time.Now())

	before := a.Strategy("fitness", "tiktok")
	_, err := a.ExecuteTask(context.Background(), Task{
		Type: TaskRemediateGap, Niche: "fitness", Platform: "tiktok", Priority: 8,
	})
	require.NoError(t, err)

	after := a.Strategy("fitness", "tiktok")
	assert.InDelta(t, before.RateLimit*1.5, after.RateLimit, 1e-9)
	assert.Equal(t, before.BatchSize*2, after.BatchSize)
	assert.Contains(t, after.Sources, "competitor_accounts")
	assert.Contains(t, after.Sources, "related_hashtags")

	require.Len(t, collector.limit, 1)
	assert.Equal(t, after.BatchSize, collector.limit[0])
}

func TestStrategy_OutlivesUpdatesAndDrivesLimiter(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	collector := &recordingCollector{views: 500}
	a := NewDataCollectionAgent(DataCollectionConfig{
		Options:         Options{ID: "collector-1", Now: func() time.Time { return now }},
		Collector:       collector,
		RequiredSamples: 100,
		GapInterval:     time.Hour,
		RateLimit:       2,
		Niches:          []string{"fitness"},
		Platforms:       []string{"tiktok"},
	})
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { _ = a.Stop(ctx) })

	assert.Zero(t, a.limit("fitness", "tiktok"), "no limiter before the first run")

	_, err := a.ExecuteTask(ctx, Task{
		Type: TaskUpdateStrategy, Niche: "fitness", Platform: "tiktok",
		Parameters: map[string]any{"rate_limit": 40.0, "batch_size": 500},
	})
	require.NoError(t, err)
	_, err = a.ExecuteTask(ctx, Task{Type: TaskCollectData, Niche: "fitness", Platform: "tiktok"})
	require.NoError(t, err)
	assert.EqualValues(t, 40, a.limit("fitness", "tiktok"))

	item, ok := a.strategies.Items()[strategyKey("fitness", "tiktok")]
	require.True(t, ok)
	assert.Zero(t, item.Expiration, "strategies are stored without expiry")

	now = now.Add(72 * time.Hour)
	s := a.Strategy("fitness", "tiktok")
	assert.EqualValues(t, 40, s.RateLimit)
	assert.Equal(t, 500, s.BatchSize)
	assert.EqualValues(t, 40, a.limit("fitness", "tiktok"))

	a.ApplyAllocation(Allocation{CPUShare: 0.125})
	assert.EqualValues(t, 20, a.limit("fitness", "tiktok"), "allocation halves the rate")

	_, err = a.ExecuteTask(ctx, Task{
		Type: TaskUpdateStrategy, Niche: "fitness", Platform: "tiktok",
		Parameters: map[string]any{"rate_limit": 10.0},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 5, a.limit("fitness", "tiktok"))

	// a strategy written behind the limiter's back is resynced on the next run
	s = a.Strategy("fitness", "tiktok")
	s.RateLimit = 30
	a.strategies.Set(strategyKey("fitness", "tiktok"), s, gocache.NoExpiration)
	_, err = a.ExecuteTask(ctx, Task{Type: TaskCollectData, Niche: "fitness", Platform: "tiktok"})
	require.NoError(t, err)
	assert.EqualValues(t, 15, a.limit("fitness", "tiktok"))
}

func TestUpdateStrategy_Validation(t *testing.T) {
	a := newCollectionAgent(t, datastore.NewMemoryStore(), nil, time.Now())
	ctx := context.Background()

	_, err := a.ExecuteTask(ctx, Task{
		Type: TaskUpdateStrategy, Niche: "fitness", Platform: "tiktok",
		Parameters: map[string]any{"rate_limit": 500.0},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	res, err := a.ExecuteTask(ctx, Task{
		Type: TaskUpdateStrategy, Niche: "fitness", Platform: "tiktok",
		Parameters: map[string]any{
			"batch_size": "250",
			"sources":    []any{"trending"},
			"min_views":  50,
		},
	})
	require.NoError(t, err)

	s := res.Value.(Strategy)
	assert.Equal(t, 250, s.BatchSize)
	assert.Equal(t, []string{"trending"}, s.Sources)
	assert.EqualValues(t, 50, s.QualityFilters.MinViews)
	assert.Len(t, a.Strategies(), 1)
}

func TestGapMonitor_RunsOnInterval(t *testing.T) {
	store := datastore.NewMemoryStore()
	collector := &recordingCollector{views: 500}
	a := NewDataCollectionAgent(DataCollectionConfig{
		Store:           store,
		Collector:       collector,
		RequiredSamples: 100,
		GapInterval:     10 * time.Millisecond,
		RateLimit:       100,
		Niches:          []string{"fitness"},
		Platforms:       []string{"tiktok"},
	})
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx), "start is idempotent")

	require.Eventually(t, func() bool {
		n, _ := store.Count(ctx, datastore.Filter{Niche: "fitness"})
		return n > 0
	}, 2*time.Second, 5*time.Millisecond, "critical gaps are remediated automatically")

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx), "stop is idempotent")
	assert.Equal(t, StateIdle, a.Status().State)
}
