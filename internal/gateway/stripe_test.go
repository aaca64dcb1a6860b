package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
)

type stripeRequest struct {
	path           string
	idempotencyKey string
	form           map[string]string
}

// fakeStripe serves canned Stripe API responses and records requests.
type fakeStripe struct {
	mu       sync.Mutex
	requests []stripeRequest
	status   int
	body     string
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := make(map[string]string)
	for k, v := range r.PostForm {
		form[k] = v[0]
	}
	f.mu.Lock()
	f.requests = append(f.requests, stripeRequest{
		path:           r.URL.Path,
		idempotencyKey: r.Header.Get("Idempotency-Key"),
		form:           form,
	})
	status, body := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newTestStripe(t *testing.T, status int, body string) (*Stripe, *fakeStripe) {
	t.Helper()
	fake := &fakeStripe{status: status, body: body}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	s := NewStripe("sk_test_123", WithBackends("sk_test_123", &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	}))
	return s, fake
}

func TestStripe_ChargeClient(t *testing.T) {
	s, fake := newTestStripe(t, http.StatusOK,
		`{"id":"pi_123","object":"payment_intent","status":"succeeded","amount":102900,"currency":"php"}`)

	rc, err := s.ChargeClient(context.Background(), ChargeRequest{
		ClientID:       "cus_client",
		EscrowID:       "esc_1",
		Amount:         decimal.RequireFromString("1029"),
		Currency:       "PHP",
		PaymentMethod:  "pm_card_visa",
		IdempotencyKey: "esc_1:fund",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", rc.ExternalTxID)
	assert.True(t, rc.Amount.Equal(decimal.NewFromInt(1029)))

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "/v1/payment_intents", req.path)
	assert.Equal(t, "esc_1:fund", req.idempotencyKey)
	assert.Equal(t, "102900", req.form["amount"])
	assert.Equal(t, "php", req.form["currency"])
	assert.Equal(t, "esc_1", req.form["metadata[escrow_id]"])
}

func TestStripe_ChargeStillProcessingIsNotFunded(t *testing.T) {
	s, _ := newTestStripe(t, http.StatusOK,
		`{"id":"pi_456","object":"payment_intent","status":"processing","amount":102900,"currency":"php"}`)

	receipt, err := s.ChargeClient(context.Background(), ChargeRequest{
		ClientID: "cus_client", EscrowID: "esc_1", Amount: decimal.RequireFromString("1029"),
		Currency: "PHP", IdempotencyKey: "esc_1:fund",
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrDeclined)
	assert.Empty(t, receipt.ExternalTxID)
}

func TestStripe_ChargeRequiresAction(t *testing.T) {
	s, _ := newTestStripe(t, http.StatusOK,
		`{"id":"pi_789","object":"payment_intent","status":"requires_action","amount":102900,"currency":"php"}`)

	_, err := s.ChargeClient(context.Background(), ChargeRequest{
		ClientID: "cus_client", EscrowID: "esc_1", Amount: decimal.RequireFromString("1029"),
		Currency: "PHP", IdempotencyKey: "esc_1:fund",
	})
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestStripe_PayTaskerUsesTransfers(t *testing.T) {
	s, fake := newTestStripe(t, http.StatusOK,
		`{"id":"tr_9","object":"transfer","amount":60000,"currency":"php"}`)

	rc, err := s.PayTasker(context.Background(), TransferRequest{
		PartyID:        "acct_tasker",
		EscrowID:       "esc_1",
		Amount:         decimal.RequireFromString("600"),
		Currency:       "PHP",
		IdempotencyKey: "esc_1:release",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_9", rc.ExternalTxID)

	require.Len(t, fake.requests, 1)
	assert.Equal(t, "/v1/transfers", fake.requests[0].path)
	assert.Equal(t, "acct_tasker", fake.requests[0].form["destination"])
	assert.Equal(t, "esc_1", fake.requests[0].form["transfer_group"])
}

func TestStripe_RefundNeedsFundingIntent(t *testing.T) {
	s, fake := newTestStripe(t, http.StatusOK, `{}`)

	_, err := s.RefundClient(context.Background(), TransferRequest{
		PartyID: "cus_client", EscrowID: "esc_1", Amount: decimal.NewFromInt(1),
		Currency: "PHP", IdempotencyKey: "esc_1:cancel:refund",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, fake.requests)
}

func TestStripe_CardErrorIsDecline(t *testing.T) {
	s, _ := newTestStripe(t, http.StatusPaymentRequired,
		`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`)

	_, err := s.ChargeClient(context.Background(), ChargeRequest{
		ClientID: "cus_client", EscrowID: "esc_1", Amount: decimal.NewFromInt(10),
		Currency: "PHP", IdempotencyKey: "esc_1:fund",
	})
	assert.ErrorIs(t, err, ErrDeclined)
	assert.False(t, IsTransient(err))
}

func TestStripe_ServerErrorIsTransient(t *testing.T) {
	s, _ := newTestStripe(t, http.StatusServiceUnavailable,
		`{"error":{"type":"api_error","message":"try again"}}`)

	_, err := s.PayTasker(context.Background(), payout("esc_1:release", "1"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTransient(err))
}
