package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/taskescrow/internal/metrics"
)

var (
	ErrQueueFull = errors.New("audit: publish queue full")
	ErrClosed    = errors.New("audit: fanout closed")
)

// Fanout delivers events to several publishers from a background worker so
// that broker latency never extends an escrow's critical section.
type Fanout struct {
	publishers []Publisher
	queue      chan *Event
	timeout    time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewFanout creates a Fanout with a buffer of size events.
func NewFanout(logger *slog.Logger, size int, pubs ...Publisher) *Fanout {
	if size <= 0 {
		size = 1024
	}
	return &Fanout{
		publishers: pubs,
		queue:      make(chan *Event, size),
		timeout:    5 * time.Second,
		logger:     logger,
	}
}

func (f *Fanout) Name() string { return "fanout" }

// Publish enqueues e without blocking.
func (f *Fanout) Publish(_ context.Context, e *Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	select {
	case f.queue <- e.clone():
		return nil
	default:
		return ErrQueueFull
	}
}

// Start runs the delivery worker until Close.
func (f *Fanout) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for e := range f.queue {
			f.deliver(e)
		}
	}()
}

func (f *Fanout) deliver(e *Event) {
	for _, p := range f.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := p.Publish(ctx, e)
		cancel()
		if err != nil {
			metrics.AuditPublishFailuresTotal.WithLabelValues(p.Name()).Inc()
			f.logger.Warn("audit sink publish failed",
				"sink", p.Name(), "seq", e.Seq, "type", e.Type, "escrow_id", e.EscrowID, "error", err)
		}
	}
}

// Close drains queued events and stops the worker.
func (f *Fanout) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	f.wg.Wait()
}
