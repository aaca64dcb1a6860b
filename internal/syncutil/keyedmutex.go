// Package syncutil provides per-key locks used to serialize all mutations of
// a single escrow.
package syncutil

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock for key. The returned unlock function
// must be called exactly once; extra calls are ignored.
type Locker interface {
	LockContext(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker with one channel-based mutex per key.
// Entries are reference counted and dropped when no goroutine holds or waits
// on them, so memory is bounded by the number of keys in use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// LockContext blocks until key is free or ctx is done.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				m.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, e *keyedEntry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

var _ Locker = (*KeyedMutex)(nil)
