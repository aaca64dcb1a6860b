package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payout(key string, amount string) TransferRequest {
	return TransferRequest{
		PartyID:        "tasker_1",
		EscrowID:       "esc_1",
		Amount:         decimal.RequireFromString(amount),
		Currency:       "PHP",
		IdempotencyKey: key,
	}
}

func TestMemory_IdempotentReplay(t *testing.T) {
	g := NewMemory()
	ctx := context.Background()

	first, err := g.PayTasker(ctx, payout("esc_1:release", "600"))
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := g.PayTasker(ctx, payout("esc_1:release", "600"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ExternalTxID, second.ExternalTxID)

	assert.Len(t, g.CallsFor(OpPayout), 1)
	assert.Equal(t, 2, g.Attempts(OpPayout))
	assert.True(t, g.Total(OpPayout).Equal(decimal.NewFromInt(600)))
}

func TestMemory_KeyReuseWithDifferentAmount(t *testing.T) {
	g := NewMemory()
	ctx := context.Background()

	_, err := g.PayTasker(ctx, payout("k", "100"))
	require.NoError(t, err)

	_, err = g.PayTasker(ctx, payout("k", "200"))
	assert.ErrorIs(t, err, ErrIdempotencyMismatch)
	assert.Len(t, g.Calls(), 1)
}

func TestMemory_FailNext(t *testing.T) {
	g := NewMemory()
	ctx := context.Background()
	g.FailNext(OpRefund, ErrUnavailable, ErrDeclined)

	req := TransferRequest{PartyID: "client_1", EscrowID: "esc_1", Amount: decimal.NewFromInt(10), Currency: "PHP", IdempotencyKey: "r1"}

	_, err := g.RefundClient(ctx, req)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = g.RefundClient(ctx, req)
	assert.ErrorIs(t, err, ErrDeclined)
	_, err = g.RefundClient(ctx, req)
	require.NoError(t, err)

	assert.Len(t, g.CallsFor(OpRefund), 1, "failed attempts must not move funds")
}

func TestMemory_RejectsInvalidRequests(t *testing.T) {
	g := NewMemory()
	ctx := context.Background()

	_, err := g.ChargeClient(ctx, ChargeRequest{ClientID: "c", Amount: decimal.NewFromInt(1), IdempotencyKey: ""})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = g.PayTasker(ctx, payout("k", "0"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMemory_CancelledContext(t *testing.T) {
	g := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.PayTasker(ctx, payout("k", "1"))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, g.Calls())
}
