package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s Store) time.Time {
	t.Helper()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rows := []PostMetric{
		{ID: "1", Platform: "tiktok", Niche: "fitness", Likes: 10, Views: 100, PostedAt: base},
		{ID: "2", Platform: "tiktok", Niche: "fitness", Likes: 20, Views: 100, PostedAt: base.Add(time.Hour)},
		{ID: "3", Platform: "instagram", Niche: "fitness", Likes: 30, Views: 100, PostedAt: base.Add(2 * time.Hour)},
		{ID: "4", Platform: "tiktok", Niche: "cooking", UserID: "u1", Likes: 40, Views: 100, PostedAt: base.Add(3 * time.Hour)},
	}
	require.NoError(t, s.Upsert(context.Background(), rows))
	return base
}

func TestMemoryStore_Query(t *testing.T) {
	s := NewMemoryStore()
	base := seed(t, s)
	ctx := context.Background()

	rows, err := s.Query(ctx, Filter{Platform: "tiktok"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "4", rows[0].ID, "newest first")

	rows, err = s.Query(ctx, Filter{Platform: "tiktok", Niche: "fitness", Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0].ID)

	rows, err = s.Query(ctx, Filter{Since: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = s.Query(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMemoryStore_CountAndUpsert(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	n, err := s.Count(ctx, Filter{Niche: "fitness", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, n, "limit is ignored by count")

	require.NoError(t, s.Upsert(ctx, []PostMetric{{ID: "1", Platform: "tiktok", Niche: "fitness", Likes: 99}}))
	rows, err := s.Query(ctx, Filter{Niche: "fitness"})
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	var updated PostMetric
	for _, r := range rows {
		if r.ID == "1" {
			updated = r
		}
	}
	assert.Equal(t, int64(99), updated.Likes)
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Query(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Upsert(ctx, nil), context.Canceled)
}

func TestWhere(t *testing.T) {
	clause, args := where(Filter{})
	assert.Empty(t, clause)
	assert.Empty(t, args)

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clause, args = where(Filter{Platform: "tiktok", Niche: "fitness", Since: since})
	assert.Equal(t, " WHERE platform = $1 AND niche = $2 AND posted_at >= $3", clause)
	assert.Equal(t, []any{"tiktok", "fitness", since}, args)
}

func TestPostMetric_Sample(t *testing.T) {
	p := PostMetric{Likes: 5, Views: 50, Caption: "hi", EngagementRate: 0.1}
	s := p.Sample()
	assert.Equal(t, int64(5), s.Likes)
	assert.Equal(t, 0.1, s.EngagementRate)
}
