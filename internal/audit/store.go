package audit

import (
	"context"
	"sync"
)

// Filter narrows a List query. Events are returned in ascending Seq.
type Filter struct {
	EscrowID string
	AfterSeq int64
	Limit    int
}

// SealFunc builds the next event from the current chain head (nil when
// the chain is empty).
type SealFunc func(last *Event) (*Event, error)

// Store persists the chain. Append must run seal and the insert atomically
// with respect to other appenders so the chain stays linear.
type Store interface {
	Append(ctx context.Context, seal SealFunc) (*Event, error)
	List(ctx context.Context, f Filter) ([]*Event, error)
}

// MemoryStore is an in-memory Store for demo/testing.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, seal SealFunc) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *Event
	if n := len(s.events); n > 0 {
		last = s.events[n-1].clone()
	}
	e, err := seal(last)
	if err != nil {
		return nil, err
	}
	s.events = append(s.events, e.clone())
	return e, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if e.Seq <= f.AfterSeq {
			continue
		}
		if f.EscrowID != "" && e.EscrowID != f.EscrowID {
			continue
		}
		out = append(out, e.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Tamper overwrites a stored event in place. Test helper for chain verification.
func (s *MemoryStore) Tamper(seq int64, mutate func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Seq == seq {
			mutate(e)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
