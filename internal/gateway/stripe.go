package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/taskescrow/internal/money"
)

// AccountDirectory maps engine party ids onto provider account ids.
type AccountDirectory interface {
	// CustomerID returns the Stripe customer a client is charged as.
	CustomerID(ctx context.Context, clientID string) (string, error)
	// ConnectedAccountID returns the Stripe Connect account a tasker is paid to.
	ConnectedAccountID(ctx context.Context, taskerID string) (string, error)
}

// PassthroughAccounts treats party ids as Stripe ids.
type PassthroughAccounts struct{}

func (PassthroughAccounts) CustomerID(_ context.Context, id string) (string, error) {
	return id, nil
}

func (PassthroughAccounts) ConnectedAccountID(_ context.Context, id string) (string, error) {
	return id, nil
}

// Stripe moves funds with PaymentIntents (charge), Transfers to Connect
// accounts (tasker payouts) and Refunds against the funding intent.
type Stripe struct {
	api      *client.API
	accounts AccountDirectory
	now      func() time.Time
}

// StripeOption configures a Stripe gateway.
type StripeOption func(*Stripe)

// WithAccounts overrides the default PassthroughAccounts directory.
func WithAccounts(d AccountDirectory) StripeOption {
	return func(s *Stripe) { s.accounts = d }
}

// WithBackends points the client at custom backends (used by tests).
func WithBackends(secretKey string, b *stripe.Backends) StripeOption {
	return func(s *Stripe) { s.api = client.New(secretKey, b) }
}

// NewStripe creates a Stripe gateway using the given secret key.
func NewStripe(secretKey string, opts ...StripeOption) *Stripe {
	s := &Stripe{
		api:      client.New(secretKey, nil),
		accounts: PassthroughAccounts{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Stripe) ChargeClient(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	units, err := money.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	customer, err := s.accounts.CustomerID(ctx, req.ClientID)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: resolve customer: %v", ErrDeclined, err)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(units),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Customer:      stripe.String(customer),
		Confirm:       stripe.Bool(true),
		TransferGroup: stripe.String(req.EscrowID),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return Receipt{}, classifyStripeError(OpCharge, err)
	}
	// Only settled funds may fund an escrow. A processing intent can still
	// fail, so the charge is left for a retry under the same key.
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
	case stripe.PaymentIntentStatusProcessing:
		return Receipt{}, fmt.Errorf("%w: payment intent %s is still processing", ErrUnavailable, pi.ID)
	default:
		return Receipt{}, fmt.Errorf("%w: payment intent %s is %s", ErrDeclined, pi.ID, pi.Status)
	}

	return Receipt{
		ExternalTxID: pi.ID,
		Amount:       money.FromMinorUnits(pi.Amount, req.Currency),
		Currency:     strings.ToUpper(req.Currency),
		ProcessedAt:  s.now(),
	}, nil
}

func (s *Stripe) PayTasker(ctx context.Context, req TransferRequest) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	units, err := money.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	account, err := s.accounts.ConnectedAccountID(ctx, req.PartyID)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: resolve connected account: %v", ErrDeclined, err)
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(units),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(account),
		TransferGroup: stripe.String(req.EscrowID),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.SourceTxID != "" {
		params.SourceTransaction = stripe.String(req.SourceTxID)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return Receipt{}, classifyStripeError(OpPayout, err)
	}

	return Receipt{
		ExternalTxID: tr.ID,
		Amount:       money.FromMinorUnits(tr.Amount, req.Currency),
		Currency:     strings.ToUpper(req.Currency),
		ProcessedAt:  s.now(),
	}, nil
}

func (s *Stripe) RefundClient(ctx context.Context, req TransferRequest) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	if req.SourceTxID == "" {
		return Receipt{}, fmt.Errorf("%w: refund needs the funding payment intent", ErrInvalidRequest)
	}
	units, err := money.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.SourceTxID),
		Amount:        stripe.Int64(units),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)

	rf, err := s.api.Refunds.New(params)
	if err != nil {
		return Receipt{}, classifyStripeError(OpRefund, err)
	}
	if rf.Status == stripe.RefundStatusFailed || rf.Status == stripe.RefundStatusCanceled {
		return Receipt{}, fmt.Errorf("%w: refund %s is %s", ErrDeclined, rf.ID, rf.Status)
	}

	return Receipt{
		ExternalTxID: rf.ID,
		Amount:       money.FromMinorUnits(rf.Amount, req.Currency),
		Currency:     strings.ToUpper(req.Currency),
		ProcessedAt:  s.now(),
	}, nil
}

// classifyStripeError maps provider errors onto ErrDeclined (permanent) or
// ErrUnavailable (transient).
func classifyStripeError(op Operation, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// network errors and context expiry
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}

	switch {
	case se.Type == stripe.ErrorTypeIdempotency:
		return fmt.Errorf("%w: %s: %s", ErrIdempotencyMismatch, op, se.Msg)
	case se.HTTPStatusCode == http.StatusTooManyRequests, se.HTTPStatusCode >= 500:
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, op, se.Msg)
	default:
		return fmt.Errorf("%w: %s: %s (%s)", ErrDeclined, op, se.Msg, se.Code)
	}
}

var _ Gateway = (*Stripe)(nil)
