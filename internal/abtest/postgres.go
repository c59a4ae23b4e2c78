package abtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipscommerce/improvement/internal/domain"
)

// PostgresStore persists experiments as JSONB documents and samples as rows.
//
// Schema:
//
//	CREATE TABLE ab_experiments (
//	  id         TEXT PRIMARY KEY,
//	  doc        JSONB NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE ab_samples (
//	  experiment_id TEXT NOT NULL REFERENCES ab_experiments(id),
//	  variant_id    TEXT NOT NULL,
//	  value         DOUBLE PRECISION NOT NULL,
//	  recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_ab_samples_exp ON ab_samples(experiment_id, variant_id);
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

func (p *PostgresStore) Save(ctx context.Context, exp *Experiment) error {
	doc, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	query := `
		INSERT INTO ab_experiments (id, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
	`
	if _, err := p.pool.Exec(ctx, query, exp.ID, doc, exp.CreatedAt, exp.UpdatedAt); err != nil {
		return domain.Dependency("failed to save experiment", err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, id string) (*Experiment, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM ab_experiments WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Dependency("failed to load experiment", err)
	}

	var exp Experiment
	if err := json.Unmarshal(doc, &exp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment %s: %w", id, err)
	}
	return &exp, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Experiment, error) {
	rows, err := p.pool.Query(ctx, `SELECT doc FROM ab_experiments ORDER BY created_at`)
	if err != nil {
		return nil, domain.Dependency("failed to list experiments", err)
	}
	defer rows.Close()

	var out []*Experiment
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, domain.Dependency("failed to scan experiment", err)
		}
		var exp Experiment
		if err := json.Unmarshal(doc, &exp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
		}
		out = append(out, &exp)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Dependency("failed to iterate experiments", err)
	}
	return out, nil
}

// InitBuckets is a no-op: buckets are implicit in the samples table.
func (p *PostgresStore) InitBuckets(ctx context.Context, expID string, variantIDs []string) error {
	return nil
}

func (p *PostgresStore) AppendSample(ctx context.Context, expID, variantID string, value float64) error {
	query := `INSERT INTO ab_samples (experiment_id, variant_id, value) VALUES ($1, $2, $3)`
	if _, err := p.pool.Exec(ctx, query, expID, variantID, value); err != nil {
		return domain.Dependency("failed to append sample", err)
	}
	return nil
}

func (p *PostgresStore) Samples(ctx context.Context, expID string) (map[string][]float64, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT variant_id, value FROM ab_samples WHERE experiment_id = $1 ORDER BY recorded_at`, expID)
	if err != nil {
		return nil, domain.Dependency("failed to query samples", err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var variantID string
		var value float64
		if err := rows.Scan(&variantID, &value); err != nil {
			return nil, domain.Dependency("failed to scan sample", err)
		}
		out[variantID] = append(out[variantID], value)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Dependency("failed to iterate samples", err)
	}
	return out, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
