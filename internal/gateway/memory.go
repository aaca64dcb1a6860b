package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/idgen"
)

// Call is one distinct movement accepted by the Memory gateway.
type Call struct {
	Op             Operation
	PartyID        string
	EscrowID       string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	ExternalTxID   string
}

// Memory is an in-process gateway for development and tests. It honours
// idempotency keys like a real provider and supports failure injection.
type Memory struct {
	mu       sync.Mutex
	calls    []Call
	byKey    map[string]int // idempotency key -> index in calls
	failures map[Operation][]error
	attempts map[Operation]int
	now      func() time.Time
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		byKey:    make(map[string]int),
		failures: make(map[Operation][]error),
		attempts: make(map[Operation]int),
		now:      time.Now,
	}
}

// FailNext makes the next len(errs) calls of op fail with the given errors,
// in order, before any funds move.
func (m *Memory) FailNext(op Operation, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns every distinct movement in the order it was accepted.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor returns the movements of one operation kind.
func (m *Memory) CallsFor(op Operation) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Attempts returns how many times op was invoked, including replays and
// injected failures.
func (m *Memory) Attempts(op Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[op]
}

// Total sums the amounts moved by op.
func (m *Memory) Total(op Operation) decimal.Decimal {
	total := decimal.Zero
	for _, c := range m.CallsFor(op) {
		total = total.Add(c.Amount)
	}
	return total
}

func (m *Memory) ChargeClient(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	return m.record(ctx, Call{
		Op: OpCharge, PartyID: req.ClientID, EscrowID: req.EscrowID,
		Amount: req.Amount, Currency: req.Currency, IdempotencyKey: req.IdempotencyKey,
	}, "ch_")
}

func (m *Memory) PayTasker(ctx context.Context, req TransferRequest) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	return m.record(ctx, Call{
		Op: OpPayout, PartyID: req.PartyID, EscrowID: req.EscrowID,
		Amount: req.Amount, Currency: req.Currency, IdempotencyKey: req.IdempotencyKey,
	}, "tr_")
}

func (m *Memory) RefundClient(ctx context.Context, req TransferRequest) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	return m.record(ctx, Call{
		Op: OpRefund, PartyID: req.PartyID, EscrowID: req.EscrowID,
		Amount: req.Amount, Currency: req.Currency, IdempotencyKey: req.IdempotencyKey,
	}, "re_")
}

func (m *Memory) record(ctx context.Context, c Call, txPrefix string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts[c.Op]++

	if queued := m.failures[c.Op]; len(queued) > 0 {
		err := queued[0]
		m.failures[c.Op] = queued[1:]
		return Receipt{}, err
	}

	if i, ok := m.byKey[c.IdempotencyKey]; ok {
		prev := m.calls[i]
		if prev.Op != c.Op || !prev.Amount.Equal(c.Amount) || prev.PartyID != c.PartyID {
			return Receipt{}, fmt.Errorf("%w: %s", ErrIdempotencyMismatch, c.IdempotencyKey)
		}
		return Receipt{
			ExternalTxID: prev.ExternalTxID,
			Amount:       prev.Amount,
			Currency:     prev.Currency,
			ProcessedAt:  m.now(),
			Replayed:     true,
		}, nil
	}

	c.ExternalTxID = idgen.WithPrefix(txPrefix)
	m.byKey[c.IdempotencyKey] = len(m.calls)
	m.calls = append(m.calls, c)

	return Receipt{
		ExternalTxID: c.ExternalTxID,
		Amount:       c.Amount,
		Currency:     c.Currency,
		ProcessedAt:  m.now(),
	}, nil
}

var _ Gateway = (*Memory)(nil)
