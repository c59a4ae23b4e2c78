package abtest

import (
	"context"
	"sort"
	"sync"
)

// Store persists experiments and their per-variant metric samples.
type Store interface {
	// Save inserts or replaces an experiment.
	Save(ctx context.Context, exp *Experiment) error

	// Load returns the experiment or nil when unknown.
	Load(ctx context.Context, id string) (*Experiment, error)

	// List returns all experiments ordered by creation time.
	List(ctx context.Context) ([]*Experiment, error)

	// InitBuckets creates empty sample buckets for every variant.
	InitBuckets(ctx context.Context, expID string, variantIDs []string) error

	// AppendSample records one metric observation for a variant.
	AppendSample(ctx context.Context, expID, variantID string, value float64) error

	// Samples returns a copy of every variant's samples.
	Samples(ctx context.Context, expID string) (map[string][]float64, error)

	Close() error
}

// MemoryStore keeps experiments in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment
	samples     map[string]map[string][]float64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*Experiment),
		samples:     make(map[string]map[string][]float64),
	}
}

func (m *MemoryStore) Save(ctx context.Context, exp *Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.experiments[exp.ID] = exp.Clone()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exp, ok := m.experiments[id]
	if !ok {
		return nil, nil
	}
	return exp.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Experiment, 0, len(m.experiments))
	for _, exp := range m.experiments {
		out = append(out, exp.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) InitBuckets(ctx context.Context, expID string, variantIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buckets, ok := m.samples[expID]
	if !ok {
		buckets = make(map[string][]float64, len(variantIDs))
		m.samples[expID] = buckets
	}
	for _, id := range variantIDs {
		if _, exists := buckets[id]; !exists {
			buckets[id] = []float64{}
		}
	}
	return nil
}

func (m *MemoryStore) AppendSample(ctx context.Context, expID, variantID string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buckets, ok := m.samples[expID]
	if !ok {
		buckets = make(map[string][]float64)
		m.samples[expID] = buckets
	}
	buckets[variantID] = append(buckets[variantID], value)
	return nil
}

func (m *MemoryStore) Samples(ctx context.Context, expID string) (map[string][]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]float64, len(m.samples[expID]))
	for id, xs := range m.samples[expID] {
		cp := make([]float64, len(xs))
		copy(cp, xs)
		out[id] = cp
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
