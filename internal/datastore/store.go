package datastore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clipscommerce/improvement/internal/engagement"
)

// PostMetric is one collected post with its engagement counters.
type PostMetric struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id,omitempty"`
	Platform       string    `json:"platform"`
	Niche          string    `json:"niche"`
	Caption        string    `json:"caption"`
	Hashtags       []string  `json:"hashtags"`
	Likes          int64     `json:"likes"`
	Comments       int64     `json:"comments"`
	Shares         int64     `json:"shares"`
	Views          int64     `json:"views"`
	EngagementRate float64   `json:"engagement_rate"`
	PostedAt       time.Time `json:"posted_at"`
	CollectedAt    time.Time `json:"collected_at"`
}

// Sample converts the row into a training sample.
func (p PostMetric) Sample() engagement.Sample {
	return engagement.Sample{
		Likes:          p.Likes,
		Comments:       p.Comments,
		Shares:         p.Shares,
		Views:          p.Views,
		Caption:        p.Caption,
		Hashtags:       p.Hashtags,
		PostedAt:       p.PostedAt,
		EngagementRate: p.EngagementRate,
	}
}

// Filter selects rows. Zero fields match everything.
type Filter struct {
	Platform string
	Niche    string
	UserID   string
	Since    time.Time
	Limit    int
}

func (f Filter) match(p PostMetric) bool {
	switch {
	case f.Platform != "" && p.Platform != f.Platform:
		return false
	case f.Niche != "" && p.Niche != f.Niche:
		return false
	case f.UserID != "" && p.UserID != f.UserID:
		return false
	case !f.Since.IsZero() && p.PostedAt.Before(f.Since):
		return false
	}
	return true
}

// Store is the historical post-metrics collaborator used by data collection
// and training.
type Store interface {
	// Query returns rows matching filter, newest first.
	Query(ctx context.Context, filter Filter) ([]PostMetric, error)

	// Count returns the number of rows matching filter, ignoring Limit.
	Count(ctx context.Context, filter Filter) (int, error)

	// Upsert inserts rows or replaces existing rows with the same ID.
	Upsert(ctx context.Context, rows []PostMetric) error

	Close() error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]PostMetric
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]PostMetric)}
}

func (m *MemoryStore) Query(ctx context.Context, filter Filter) ([]PostMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PostMetric
	for _, row := range m.rows {
		if filter.match(row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PostedAt.After(out[j].PostedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context, filter Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, row := range m.rows {
		if filter.match(row) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, rows []PostMetric) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		m.rows[row.ID] = row
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
