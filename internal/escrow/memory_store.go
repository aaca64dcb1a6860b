package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Records are deep-copied in and out, and writes are version-checked like
// the Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	escrows  map[string]*Escrow
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[string]*Escrow),
		disputes: make(map[string]*Dispute),
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return fmt.Errorf("%w: escrow %s already exists", ErrConflict, e.ID)
	}
	e.Version = 1
	m.escrows[e.ID] = e.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkEscrowVersion(e); err != nil {
		return err
	}
	e.Version++
	m.escrows[e.ID] = e.clone()
	return nil
}

func (m *MemoryStore) checkEscrowVersion(e *Escrow) error {
	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Version != e.Version {
		return fmt.Errorf("%w: escrow %s is at version %d, write was based on %d", ErrConflict, e.ID, cur.Version, e.Version)
	}
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.ClientID == userID || e.TaskerID == userID {
			result = append(result, e.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SaveDispute(_ context.Context, e *Escrow, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkEscrowVersion(e); err != nil {
		return err
	}
	if d.Version == 0 {
		if _, ok := m.disputes[d.ID]; ok {
			return fmt.Errorf("%w: dispute %s already exists", ErrConflict, d.ID)
		}
	} else {
		cur, ok := m.disputes[d.ID]
		if !ok {
			return ErrDisputeNotFound
		}
		if cur.Version != d.Version {
			return fmt.Errorf("%w: dispute %s is at version %d, write was based on %d", ErrConflict, d.ID, cur.Version, d.Version)
		}
	}

	e.Version++
	d.Version++
	m.escrows[e.ID] = e.clone()
	m.disputes[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) ListDisputesByStatus(_ context.Context, statuses []DisputeStatus, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[DisputeStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var result []*Dispute
	for _, d := range m.disputes {
		if want[d.Status] {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc := newStatsAccumulator()
	for _, e := range m.escrows {
		acc.add(e.Status, e.Currency, e.Amount, 1)
	}
	return acc.finish(), nil
}

// statsAccumulator builds Stats from per-status, per-currency aggregates.
type statsAccumulator struct {
	stats  *Stats
	counts map[string]int64
}

func newStatsAccumulator() *statsAccumulator {
	return &statsAccumulator{
		stats: &Stats{
			ByStatus: make(map[Status]int),
			Volume:   make(map[string]decimal.Decimal),
			Average:  make(map[string]decimal.Decimal),
		},
		counts: make(map[string]int64),
	}
}

func (a *statsAccumulator) add(status Status, currency string, sum decimal.Decimal, count int) {
	s := a.stats
	s.Total += count
	s.ByStatus[status] += count
	switch status {
	case StatusFunded, StatusInProgress:
		s.Active += count
	case StatusReleased:
		s.Released += count
	case StatusRefunded:
		s.Refunded += count
	case StatusDisputed:
		s.Disputed += count
	case StatusCancelled:
		s.Cancelled += count
	}
	s.Volume[currency] = s.Volume[currency].Add(sum)
	a.counts[currency] += int64(count)
}

func (a *statsAccumulator) finish() *Stats {
	for currency, n := range a.counts {
		if n > 0 {
			a.stats.Average[currency] = a.stats.Volume[currency].Div(decimal.NewFromInt(n)).Round(4)
		}
	}
	return a.stats
}

var _ Store = (*MemoryStore)(nil)
