package gateway

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// breakerState is the state of one operation's circuit.
type breakerState int

const (
	stateClosed   breakerState = iota // calls flow through
	stateOpen                         // calls are rejected
	stateHalfOpen                     // one probe allowed
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taskescrow",
	Subsystem: "gateway",
	Name:      "breaker_transitions_total",
	Help:      "Gateway circuit breaker transitions by operation, from-state, and to-state.",
}, []string{"op", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(breakerTransitions)
}

type circuit struct {
	state       breakerState
	failures    int
	lastFailure time.Time
}

// breaker keeps one circuit per gateway operation so a failing refund API
// does not block charges. Only transient failures count against it.
type breaker struct {
	mu           sync.Mutex
	circuits     map[Operation]*circuit
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

func newBreaker(threshold int, openDuration time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &breaker{
		circuits:     make(map[Operation]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

func (b *breaker) allow(op Operation) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return true
	}
	switch c.state {
	case stateOpen:
		if b.now().Sub(c.lastFailure) >= b.openDuration {
			b.transition(c, op, stateHalfOpen)
			return true
		}
		return false
	case stateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *breaker) success(op Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return
	}
	if c.state == stateHalfOpen {
		b.transition(c, op, stateClosed)
	}
	c.failures = 0
}

func (b *breaker) failure(op Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		c = &circuit{state: stateClosed}
		b.circuits[op] = c
	}
	c.failures++
	c.lastFailure = b.now()

	if c.state == stateHalfOpen {
		b.transition(c, op, stateOpen)
		return
	}
	if c.state == stateClosed && c.failures >= b.threshold {
		b.transition(c, op, stateOpen)
	}
}

func (b *breaker) state(op Operation) breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[op]; ok {
		return c.state
	}
	return stateClosed
}

// caller must hold b.mu
func (b *breaker) transition(c *circuit, op Operation, to breakerState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	breakerTransitions.WithLabelValues(string(op), from.String(), to.String()).Inc()
}
