// Package schedule runs durable, keyed one-shot jobs. The escrow engine uses
// it to fire auto-release at an escrow's deadline.
//
// Every job is persisted before it is armed with time.AfterFunc, so a
// restart re-arms it, and a cron sweep catches overdue rows that no timer in
// this process owns. A failing handler is retried with backoff; the row is
// deleted only after the handler succeeds.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/taskescrow/internal/metrics"
	"github.com/mbd888/taskescrow/internal/retry"
)

// Handler runs a job. Returning an error reschedules the job with backoff.
type Handler func(ctx context.Context, key string) error

// DefaultBackoff spaces out retries of a failing job.
var DefaultBackoff = retry.Policy{BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}

type armed struct {
	timer    *time.Timer
	gen      uint64
	attempts int
	firing   bool
}

// Scheduler arms one timer per key.
type Scheduler struct {
	store       Store
	handler     Handler
	backoff     retry.Policy
	sweepSpec   string
	fireTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	// writeMu orders store writes with the timer map so a key's row always
	// matches its armed state. Taken before mu, never while holding it.
	writeMu sync.Mutex
	mu      sync.Mutex
	timers  map[string]*armed
	gen     uint64
	stopped bool
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithBackoff(p retry.Policy) Option {
	return func(s *Scheduler) { s.backoff = p }
}

// WithSweep sets the cron spec of the overdue sweep (default "@every 1m").
func WithSweep(spec string) Option {
	return func(s *Scheduler) { s.sweepSpec = spec }
}

// WithFireTimeout bounds a single handler run.
func WithFireTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.fireTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler. The handler may also be supplied later with
// SetHandler, before Start.
func New(store Store, handler Handler, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		handler:     handler,
		backoff:     DefaultBackoff,
		sweepSpec:   "@every 1m",
		fireTimeout: time.Minute,
		logger:      slog.Default(),
		now:         time.Now,
		timers:      make(map[string]*armed),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetHandler replaces the job handler. Used when the handler's owner is
// constructed after the scheduler.
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Schedule persists key to fire at at and arms it. Rescheduling an existing
// key replaces its previous deadline.
func (s *Scheduler) Schedule(ctx context.Context, key string, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.store.Put(ctx, Entry{Key: key, FireAt: at, UpdatedAt: s.now()}); err != nil {
		return fmt.Errorf("schedule: persist %s: %w", key, err)
	}
	s.arm(key, at, 0)
	return nil
}

// Cancel disarms key and deletes it. A handler run already in progress is
// not interrupted, but it will not be rescheduled.
func (s *Scheduler) Cancel(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if a, ok := s.timers[key]; ok {
		a.timer.Stop()
		delete(s.timers, key)
		metrics.ScheduledJobsPending.Set(float64(len(s.timers)))
	}
	s.mu.Unlock()

	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("schedule: delete %s: %w", key, err)
	}
	return nil
}

// Armed reports whether key has a live timer in this process.
func (s *Scheduler) Armed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Start re-arms every persisted entry and starts the overdue sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	entries, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("schedule: recover entries: %w", err)
	}
	for _, e := range entries {
		s.arm(e.Key, e.FireAt, e.Attempts)
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	if _, err := c.AddFunc(s.sweepSpec, s.sweep); err != nil {
		return fmt.Errorf("schedule: sweep spec %q: %w", s.sweepSpec, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()

	s.logger.Info("scheduler started", "recovered", len(entries), "sweep", s.sweepSpec)
	return nil
}

// Stop stops the sweep and all timers, then waits for running handlers.
// Persisted entries are kept for the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	c := s.cron
	for key, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, key)
	}
	metrics.ScheduledJobsPending.Set(0)
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
}

func (s *Scheduler) arm(key string, at time.Time, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(key, at, attempts)
}

// caller must hold s.mu
func (s *Scheduler) armLocked(key string, at time.Time, attempts int) {
	if s.stopped {
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[key] = &armed{
		gen:      gen,
		attempts: attempts,
		timer:    time.AfterFunc(delay, func() { s.fire(key, gen) }),
	}
	metrics.ScheduledJobsPending.Set(float64(len(s.timers)))
}

func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	a, ok := s.timers[key]
	if !ok || a.gen != gen || a.firing || s.stopped {
		s.mu.Unlock()
		return
	}
	a.firing = true
	attempts := a.attempts
	handler := s.handler
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()

	err := s.safeHandle(ctx, handler, key)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	cur, ok := s.timers[key]
	current := ok && cur.gen == gen
	if !current {
		// cancelled or rescheduled while running; the row is theirs now
		s.mu.Unlock()
		return
	}

	if err == nil {
		delete(s.timers, key)
		metrics.ScheduledJobsPending.Set(float64(len(s.timers)))
		s.mu.Unlock()
		metrics.ScheduledJobsFiredTotal.WithLabelValues("ok").Inc()
		if derr := s.store.Delete(context.Background(), key); derr != nil {
			s.logger.Warn("scheduled job done but row not deleted", "key", key, "error", derr)
		}
		return
	}

	attempts++
	next := s.now().Add(s.backoff.Backoff(attempts))
	s.armLocked(key, next, attempts)
	s.mu.Unlock()

	metrics.ScheduledJobsFiredTotal.WithLabelValues("retry").Inc()
	s.logger.Error("scheduled job failed, rescheduled",
		"key", key, "attempt", attempts, "next_fire_at", next, "error", err)

	if perr := s.store.Put(context.Background(), Entry{
		Key: key, FireAt: next, Attempts: attempts, LastError: err.Error(), UpdatedAt: s.now(),
	}); perr != nil {
		s.logger.Warn("failed to persist retry", "key", key, "error", perr)
	}
}

func (s *Scheduler) safeHandle(ctx context.Context, h Handler, key string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in scheduled job: %v", r)
		}
	}()
	if h == nil {
		return fmt.Errorf("schedule: no handler for %s", key)
	}
	return h(ctx, key)
}

// sweep arms overdue entries this process does not own a timer for, e.g.
// rows written by another instance that has since died.
func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	due, err := s.store.Due(ctx, s.now(), 500)
	if err != nil {
		s.logger.Warn("schedule sweep failed", "error", err)
		return
	}
	for _, e := range due {
		if !s.Armed(e.Key) {
			s.logger.Info("sweep arming overdue job", "key", e.Key, "fire_at", e.FireAt)
			s.arm(e.Key, e.FireAt, e.Attempts)
		}
	}
}
