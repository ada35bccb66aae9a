package writer

import (
	"context"
	"sort"
	"sync"
	"time"

	"depthflow/models"
)

// Store is the persistence surface the sink writes through. Implementations
// must be safe for concurrent use by the writer pool.
type Store interface {
	WriteSamples(ctx context.Context, samples []models.MetricSample) error
	WriteVols(ctx context.Context, vols []models.VolatilityEstimate) error
	WriteBookSnapshot(ctx context.Context, snap models.OrderBookSnapshot) error
	MetricSeries(ctx context.Context, symbol, metric string, from, to time.Time) ([]models.MetricSample, error)
}

// MemoryStore keeps everything in process memory. It backs tests and
// deployments that run without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	samples   []models.MetricSample
	vols      []models.VolatilityEstimate
	snapshots []models.OrderBookSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) WriteSamples(_ context.Context, samples []models.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, samples...)
	return nil
}

func (m *MemoryStore) WriteVols(_ context.Context, vols []models.VolatilityEstimate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vols = append(m.vols, vols...)
	return nil
}

func (m *MemoryStore) WriteBookSnapshot(_ context.Context, snap models.OrderBookSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
	return nil
}

// MetricSeries returns samples for one symbol and metric inside [from, to],
// ordered by window end.
func (m *MemoryStore) MetricSeries(_ context.Context, symbol, metric string, from, to time.Time) ([]models.MetricSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.MetricSample
	for _, s := range m.samples {
		if s.Symbol != symbol || s.Metric != metric {
			continue
		}
		if s.WindowEnd.Before(from) || s.WindowEnd.After(to) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowEnd.Before(out[j].WindowEnd) })
	return out, nil
}

// SampleCount reports how many samples have been written so far.
func (m *MemoryStore) SampleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples)
}

// SnapshotCount reports how many book snapshots have been written so far.
func (m *MemoryStore) SnapshotCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}

// VolCount reports how many volatility estimates have been written so far.
func (m *MemoryStore) VolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vols)
}
