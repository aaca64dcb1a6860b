package escrow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/gateway"
	"github.com/mbd888/taskescrow/internal/logging"
	"github.com/mbd888/taskescrow/internal/metrics"
	"github.com/mbd888/taskescrow/internal/traces"
)

// movement is one gateway call an operation wants to make.
type movement struct {
	kind        PayoutKind
	amount      decimal.Decimal
	key         string
	milestoneID string
}

// move performs m through the gateway and appends the resulting Payout to
// e. It does not persist e. A movement whose key is already recorded is
// skipped, and a zero amount moves nothing. Caller holds the escrow lock.
func (s *Service) move(ctx context.Context, e *Escrow, m movement) (Payout, error) {
	if p, ok := e.payout(m.key); ok {
		return p, nil
	}
	if m.amount.IsZero() {
		return Payout{Kind: m.kind, IdempotencyKey: m.key, Amount: decimal.Zero}, nil
	}
	if m.amount.IsNegative() {
		return Payout{}, s.violated(ctx, e.ID, violation("escrow %s: negative %s of %s", e.ID, m.kind, m.amount))
	}
	if m.kind == PayoutTasker || m.kind == PayoutClientRefund {
		if after := e.Disbursed().Add(m.amount); after.GreaterThan(e.Amount) {
			return Payout{}, s.violated(ctx, e.ID,
				violation("escrow %s: %s of %s would disburse %s of %s", e.ID, m.kind, m.amount, after, e.Amount))
		}
	}

	ctx, span := traces.StartSpan(ctx, "escrow.move."+string(m.kind),
		traces.EscrowID(e.ID), traces.Amount(m.amount.String()), traces.Currency(e.Currency),
		traces.IdempotencyKey(m.key))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	transfer := gateway.TransferRequest{
		EscrowID:       e.ID,
		Amount:         m.amount,
		Currency:       e.Currency,
		SourceTxID:     e.FundingTxID,
		Description:    fmt.Sprintf("escrow %s %s", e.ID, m.kind),
		IdempotencyKey: m.key,
	}

	var (
		receipt gateway.Receipt
		err     error
	)
	switch m.kind {
	case PayoutCharge:
		receipt, err = s.gateway.ChargeClient(callCtx, gateway.ChargeRequest{
			ClientID:       e.ClientID,
			EscrowID:       e.ID,
			Amount:         m.amount,
			Currency:       e.Currency,
			PaymentMethod:  e.PaymentMethod,
			IdempotencyKey: m.key,
		})
	case PayoutTasker:
		transfer.PartyID = e.TaskerID
		receipt, err = s.gateway.PayTasker(callCtx, transfer)
	case PayoutClientRefund, PayoutFeeRefund:
		transfer.PartyID = e.ClientID
		receipt, err = s.gateway.RefundClient(callCtx, transfer)
	default:
		return Payout{}, violation("unknown payout kind %q", m.kind)
	}
	if err != nil {
		traces.RecordError(span, err)
		logging.WithEscrow(ctx, e.ID).Warn("gateway call failed",
			"kind", m.kind, "idempotency_key", m.key, "error", err)
		return Payout{}, fmt.Errorf("%w: %s %s: %w", ErrPaymentFailed, m.kind, m.key, err)
	}

	p := Payout{
		Kind:           m.kind,
		Amount:         m.amount,
		MilestoneID:    m.milestoneID,
		IdempotencyKey: m.key,
		ExternalTxID:   receipt.ExternalTxID,
		CreatedAt:      s.now(),
	}
	e.Payouts = append(e.Payouts, p)
	e.UpdatedAt = p.CreatedAt
	metrics.PayoutsTotal.WithLabelValues(string(m.kind)).Inc()
	return p, nil
}
