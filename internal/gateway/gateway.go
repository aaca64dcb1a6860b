// Package gateway abstracts the payment provider that moves real money in
// and out of escrow: charging the client, paying the tasker and refunding
// the client. Every call carries an idempotency key so a retry after a
// timeout can never move funds twice.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrDeclined is a definitive refusal (card declined, invalid account).
	// Retrying with the same request will not help.
	ErrDeclined = errors.New("gateway: payment declined")

	// ErrUnavailable is a transient provider failure (timeout, 5xx, rate limit).
	ErrUnavailable = errors.New("gateway: provider unavailable")

	// ErrCircuitOpen is returned without calling the provider while the
	// breaker for an operation is open.
	ErrCircuitOpen = errors.New("gateway: circuit open")

	// ErrIdempotencyMismatch means a key was replayed with different parameters.
	ErrIdempotencyMismatch = errors.New("gateway: idempotency key reused with different parameters")

	ErrInvalidRequest = errors.New("gateway: invalid request")
)

// Operation names a gateway call. Used for breaker keys, metrics and logs.
type Operation string

const (
	OpCharge Operation = "charge"
	OpPayout Operation = "payout"
	OpRefund Operation = "refund"
)

// ChargeRequest debits the client for the escrowed amount plus fees.
type ChargeRequest struct {
	ClientID       string
	EscrowID       string
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	IdempotencyKey string
}

// TransferRequest pays a party out of escrowed funds: a tasker payout or a
// client refund. SourceTxID is the funding charge a refund is drawn against.
type TransferRequest struct {
	PartyID        string
	EscrowID       string
	Amount         decimal.Decimal
	Currency       string
	SourceTxID     string
	Description    string
	IdempotencyKey string
}

// Receipt is the provider's acknowledgement of a completed movement.
type Receipt struct {
	ExternalTxID string          `json:"externalTxId"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	ProcessedAt  time.Time       `json:"processedAt"`
	// Replayed is true when the provider recognised the idempotency key and
	// returned the original result without moving funds again.
	Replayed bool `json:"replayed,omitempty"`
}

// Gateway is implemented by Memory, Stripe and Resilient.
type Gateway interface {
	ChargeClient(ctx context.Context, req ChargeRequest) (Receipt, error)
	PayTasker(ctx context.Context, req TransferRequest) (Receipt, error)
	RefundClient(ctx context.Context, req TransferRequest) (Receipt, error)
}

func (r ChargeRequest) validate() error {
	switch {
	case r.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key required", ErrInvalidRequest)
	case r.ClientID == "":
		return fmt.Errorf("%w: client id required", ErrInvalidRequest)
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

func (r TransferRequest) validate() error {
	switch {
	case r.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key required", ErrInvalidRequest)
	case r.PartyID == "":
		return fmt.Errorf("%w: party id required", ErrInvalidRequest)
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
