package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/taskescrow/internal/metrics"
	"github.com/mbd888/taskescrow/internal/retry"
	"github.com/mbd888/taskescrow/internal/traces"
)

// Resilient decorates a Gateway with a per-call timeout, retries on
// transient failures, a per-operation circuit breaker and metrics.
// Retrying is safe because every request carries an idempotency key.
type Resilient struct {
	next    Gateway
	policy  retry.Policy
	timeout time.Duration
	breaker *breaker
	logger  *slog.Logger
}

// ResilientOption configures a Resilient gateway.
type ResilientOption func(*Resilient)

func WithRetryPolicy(p retry.Policy) ResilientOption {
	return func(r *Resilient) { r.policy = p }
}

// WithCallTimeout bounds each individual provider attempt.
func WithCallTimeout(d time.Duration) ResilientOption {
	return func(r *Resilient) { r.timeout = d }
}

// WithBreaker sets the consecutive-failure threshold and open duration.
func WithBreaker(threshold int, openFor time.Duration) ResilientOption {
	return func(r *Resilient) { r.breaker = newBreaker(threshold, openFor) }
}

func WithLogger(l *slog.Logger) ResilientOption {
	return func(r *Resilient) { r.logger = l }
}

// NewResilient wraps next.
func NewResilient(next Gateway, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		next:    next,
		policy:  retry.DefaultPolicy,
		timeout: 10 * time.Second,
		breaker: newBreaker(5, 30*time.Second),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Resilient) ChargeClient(ctx context.Context, req ChargeRequest) (Receipt, error) {
	return r.call(ctx, OpCharge, req.EscrowID, req.IdempotencyKey, func(ctx context.Context) (Receipt, error) {
		return r.next.ChargeClient(ctx, req)
	})
}

func (r *Resilient) PayTasker(ctx context.Context, req TransferRequest) (Receipt, error) {
	return r.call(ctx, OpPayout, req.EscrowID, req.IdempotencyKey, func(ctx context.Context) (Receipt, error) {
		return r.next.PayTasker(ctx, req)
	})
}

func (r *Resilient) RefundClient(ctx context.Context, req TransferRequest) (Receipt, error) {
	return r.call(ctx, OpRefund, req.EscrowID, req.IdempotencyKey, func(ctx context.Context) (Receipt, error) {
		return r.next.RefundClient(ctx, req)
	})
}

func (r *Resilient) call(ctx context.Context, op Operation, escrowID, key string, fn func(context.Context) (Receipt, error)) (Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "gateway."+string(op),
		traces.EscrowID(escrowID), traces.IdempotencyKey(key))
	defer span.End()

	var receipt Receipt
	attempt := 0
	err := r.policy.Do(ctx, func() error {
		attempt++
		if !r.breaker.allow(op) {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrCircuitOpen, op))
		}

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		start := time.Now()
		rc, err := fn(callCtx)
		metrics.GatewayLatency.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())

		if err == nil {
			r.breaker.success(op)
			receipt = rc
			return nil
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s attempt timed out: %v", ErrUnavailable, op, err)
		}
		if !IsTransient(err) {
			// declines say nothing about provider health
			r.breaker.success(op)
			return retry.Permanent(err)
		}
		r.breaker.failure(op)
		r.logger.Warn("gateway call failed, will retry",
			"op", op, "escrow_id", escrowID, "attempt", attempt, "error", err)
		return err
	})

	result := "ok"
	switch {
	case err == nil && receipt.Replayed:
		result = "replayed"
	case errors.Is(err, ErrCircuitOpen):
		result = "circuit_open"
	case errors.Is(err, ErrDeclined):
		result = "declined"
	case err != nil:
		result = "error"
	}
	metrics.GatewayCallsTotal.WithLabelValues(string(op), result).Inc()

	if err != nil {
		traces.RecordError(span, err)
		return Receipt{}, err
	}
	return receipt, nil
}

var _ Gateway = (*Resilient)(nil)
