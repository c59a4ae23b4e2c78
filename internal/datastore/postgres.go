package datastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipscommerce/improvement/internal/domain"
)

// PostgresStore reads and writes post metrics through pgxpool.
//
// Schema:
//
//	CREATE TABLE post_metrics (
//	  id              TEXT PRIMARY KEY,
//	  user_id         TEXT,
//	  platform        TEXT NOT NULL,
//	  niche           TEXT NOT NULL,
//	  caption         TEXT NOT NULL DEFAULT '',
//	  hashtags        TEXT[] NOT NULL DEFAULT '{}',
//	  likes           BIGINT NOT NULL DEFAULT 0,
//	  comments        BIGINT NOT NULL DEFAULT 0,
//	  shares          BIGINT NOT NULL DEFAULT 0,
//	  views           BIGINT NOT NULL DEFAULT 0,
//	  engagement_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  posted_at       TIMESTAMPTZ,
//	  collected_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_post_metrics_scope ON post_metrics(platform, niche, posted_at DESC);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, domain.Dependency("failed to create postgres pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, domain.Dependency("postgres ping failed", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// where renders filter as a WHERE clause with positional args.
func where(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Platform != "" {
		add("platform = $%d", f.Platform)
	}
	if f.Niche != "" {
		add("niche = $%d", f.Niche)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if !f.Since.IsZero() {
		add("posted_at >= $%d", f.Since)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (p *PostgresStore) Query(ctx context.Context, filter Filter) ([]PostMetric, error) {
	clause, args := where(filter)
	query := `SELECT id, COALESCE(user_id, ''), platform, niche, caption, hashtags,
		likes, comments, shares, views, engagement_rate,
		COALESCE(posted_at, 'epoch'::timestamptz), collected_at
		FROM post_metrics` + clause + ` ORDER BY posted_at DESC NULLS LAST, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.Dependency("post metrics query failed", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PostMetric, error) {
		var m PostMetric
		err := row.Scan(&m.ID, &m.UserID, &m.Platform, &m.Niche, &m.Caption, &m.Hashtags,
			&m.Likes, &m.Comments, &m.Shares, &m.Views, &m.EngagementRate,
			&m.PostedAt, &m.CollectedAt)
		if m.PostedAt.Equal(time.Unix(0, 0)) {
			m.PostedAt = time.Time{}
		}
		return m, err
	})
	if err != nil {
		return nil, domain.Dependency("failed to scan post metrics", err)
	}
	return out, nil
}

func (p *PostgresStore) Count(ctx context.Context, filter Filter) (int, error) {
	clause, args := where(filter)

	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM post_metrics`+clause, args...).Scan(&n); err != nil {
		return 0, domain.Dependency("post metrics count failed", err)
	}
	return n, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, rows []PostMetric) error {
	if len(rows) == 0 {
		return nil
	}

	query := `
		INSERT INTO post_metrics (id, user_id, platform, niche, caption, hashtags,
			likes, comments, shares, views, engagement_rate, posted_at, collected_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			likes = EXCLUDED.likes,
			comments = EXCLUDED.comments,
			shares = EXCLUDED.shares,
			views = EXCLUDED.views,
			engagement_rate = EXCLUDED.engagement_rate,
			caption = EXCLUDED.caption,
			hashtags = EXCLUDED.hashtags,
			collected_at = EXCLUDED.collected_at
	`

	batch := &pgx.Batch{}
	for _, r := range rows {
		var posted any
		if !r.PostedAt.IsZero() {
			posted = r.PostedAt
		}
		collected := r.CollectedAt
		if collected.IsZero() {
			collected = time.Now()
		}
		hashtags := r.Hashtags
		if hashtags == nil {
			hashtags = []string{}
		}
		batch.Queue(query, r.ID, r.UserID, r.Platform, r.Niche, r.Caption, hashtags,
			r.Likes, r.Comments, r.Shares, r.Views, r.EngagementRate, posted, collected)
	}

	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return domain.Dependency("post metrics upsert failed", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
