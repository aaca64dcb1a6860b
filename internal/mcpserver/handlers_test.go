package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskescrow/internal/apiclient"
	"github.com/mbd888/taskescrow/internal/escrow"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := apiclient.New(Config{APIURL: ts.URL, Token: "test-token"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleEscrow() *escrow.Escrow {
	autoRelease := testNow.Add(7 * 24 * time.Hour)
	return &escrow.Escrow{
		ID:       "esc_1",
		TaskID:   "task_42",
		ClientID: "client_1",
		TaskerID: "tasker_1",
		Amount:   decimal.NewFromInt(1000),
		Currency: "PHP",
		Status:   escrow.StatusInProgress,
		Fees: escrow.Fees{
			Platform:   decimal.NewFromInt(50),
			Processing: decimal.NewFromInt(29),
			Total:      decimal.NewFromInt(79),
		},
		Milestones: []escrow.Milestone{
			{ID: "mil_1", Title: "Design", Amount: decimal.NewFromInt(400), Status: escrow.MilestoneApproved},
			{ID: "mil_2", Title: "Build", Amount: decimal.NewFromInt(600), Status: escrow.MilestoneRejected, RejectionReason: "missing tests"},
		},
		Payouts: []escrow.Payout{
			{Kind: escrow.PayoutCharge, Amount: decimal.NewFromInt(1079), ExternalTxID: "ch_1"},
			{Kind: escrow.PayoutTasker, Amount: decimal.NewFromInt(400), MilestoneID: "mil_1", ExternalTxID: "po_1"},
		},
		AutoReleaseAt: &autoRelease,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
}

func sampleDispute() *escrow.Dispute {
	return &escrow.Dispute{
		ID:          "dsp_1",
		EscrowID:    "esc_1",
		InitiatedBy: "client_1",
		Reason:      escrow.ReasonQuality,
		Description: "work incomplete",
		Status:      escrow.DisputeUnderReview,
		ReviewedBy:  "arbiter_1",
		Evidence: []escrow.Evidence{
			{ID: "evd_1", Type: escrow.EvidenceImage, URL: "https://files.example.com/1.png", UploadedBy: "client_1", UploadedAt: testNow},
		},
		Deadline:  testNow.Add(14 * 24 * time.Hour),
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// get_escrow
// ============================================================

func TestHandleGetEscrow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows/esc_1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		e := sampleEscrow()
		e.Dispute = sampleDispute()
		writeJSON(w, map[string]any{"escrow": e})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Escrow esc_1")
	assert.Contains(t, text, "Status: in_progress")
	assert.Contains(t, text, "1000.00 PHP (fees 79.00)")
	assert.Contains(t, text, "Paid to tasker: 400.00")
	assert.Contains(t, text, "Remaining: 600.00")
	assert.Contains(t, text, "Auto-release: 2026-03-08T12:00:00Z")
	assert.Contains(t, text, "Milestones (2)")
	assert.Contains(t, text, "Rejected: missing tests")
	assert.Contains(t, text, "tasker_payout 400.00 (po_1)")
	assert.Contains(t, text, "Dispute dsp_1: under_review (quality)")
}

func TestHandleGetEscrow_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NewServeMux())
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow_id is required")
}

func TestHandleGetEscrow_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows/esc_missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"error": "not_found", "message": "escrow not found"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "404")
	assert.Contains(t, text, "escrow not found")
}

func TestHandleGetEscrow_UnexpectedShape(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows/esc_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "esc_1"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unexpected response")
}

// ============================================================
// list_user_escrows
// ============================================================

func TestHandleListUserEscrows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tasker_1", r.URL.Query().Get("userId"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		second := sampleEscrow()
		second.ID = "esc_2"
		second.Status = escrow.StatusReleased
		writeJSON(w, map[string]any{"escrows": []*escrow.Escrow{sampleEscrow(), second}, "count": 2})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListUserEscrows(context.Background(), makeRequest(map[string]any{
		"user_id": "tasker_1",
		"limit":   float64(5),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 escrow(s)")
	assert.Contains(t, text, "1. esc_1 [in_progress]")
	assert.Contains(t, text, "2. esc_2 [released]")
	assert.Contains(t, text, "Client: client_1 | Tasker: tasker_1")
}

func TestHandleListUserEscrows_DefaultsToCaller(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("userId"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		writeJSON(w, map[string]any{"escrows": []any{}, "count": 0})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListUserEscrows(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "No escrows found.", resultText(t, result))
}

func TestHandleListUserEscrows_Forbidden(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, map[string]any{"error": "unauthorized", "message": "actor is not allowed to perform this action"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListUserEscrows(context.Background(), makeRequest(map[string]any{"user_id": "someone"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "403")
}

// ============================================================
// get_dispute / list_active_disputes
// ============================================================

func TestHandleGetDispute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/disputes/dsp_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"dispute": sampleDispute()})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetDispute(context.Background(), makeRequest(map[string]any{"dispute_id": "dsp_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Dispute dsp_1")
	assert.Contains(t, text, "Escrow: esc_1")
	assert.Contains(t, text, "Reason: quality")
	assert.Contains(t, text, "Reviewer: arbiter_1")
	assert.Contains(t, text, "Evidence (1)")
	assert.Contains(t, text, "image from client_1")
	assert.NotContains(t, text, "Resolution:")
}

func TestHandleGetDispute_Resolved(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/disputes/dsp_1", func(w http.ResponseWriter, r *http.Request) {
		d := sampleDispute()
		d.Status = escrow.DisputeResolved
		d.Resolution = &escrow.Resolution{
			Type:           escrow.ResolutionSplit,
			AmountToClient: decimal.NewFromInt(300),
			AmountToTasker: decimal.NewFromInt(700),
			Reason:         "mostly delivered",
			ResolvedBy:     "arbiter_1",
			ResolvedAt:     testNow,
		}
		writeJSON(w, map[string]any{"dispute": d})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetDispute(context.Background(), makeRequest(map[string]any{"dispute_id": "dsp_1"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Type: split")
	assert.Contains(t, text, "To client: 300.00 | To tasker: 700.00")
	assert.Contains(t, text, "Resolved by arbiter_1 at 2026-03-01T12:00:00Z")
}

func TestHandleGetDispute_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NewServeMux())
	defer cleanup()

	result, err := h.HandleGetDispute(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "dispute_id is required")
}

func TestHandleListActiveDisputes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/disputes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		open := sampleDispute()
		open.ID = "dsp_2"
		open.Status = escrow.DisputeOpen
		open.Evidence = nil
		writeJSON(w, map[string]any{"disputes": []*escrow.Dispute{sampleDispute(), open}, "count": 2})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListActiveDisputes(context.Background(), makeRequest(map[string]any{"limit": float64(3)}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 active dispute(s)")
	assert.Contains(t, text, "1. dsp_1 [under_review] on esc_1")
	assert.Contains(t, text, "Evidence: 1")
	assert.Contains(t, text, "2. dsp_2 [open]")
}

func TestHandleListActiveDisputes_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/disputes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"disputes": []any{}, "count": 0})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListActiveDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No active disputes.", resultText(t, result))
}

func TestHandleListActiveDisputes_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/disputes", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, map[string]any{"error": "forbidden", "message": "arbiter role required"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListActiveDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "arbiter role required")
}

// ============================================================
// escrow_stats
// ============================================================

func TestHandleEscrowStats(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"stats": escrow.Stats{
			Total:    5,
			Active:   2,
			Released: 2,
			Refunded: 1,
			Volume: map[string]decimal.Decimal{
				"USD": decimal.NewFromInt(300),
				"PHP": decimal.NewFromInt(4500),
			},
			Average: map[string]decimal.Decimal{
				"USD": decimal.NewFromInt(150),
				"PHP": decimal.NewFromInt(1500),
			},
		}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleEscrowStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Total: 5")
	assert.Contains(t, text, "Released: 2 | Refunded: 1")
	assert.Contains(t, text, "PHP: 4500.00 (avg 1500.00)")
	assert.Less(t, strings.Index(text, "PHP:"), strings.Index(text, "USD:"), "currencies are sorted")
}

func TestHandleEscrowStats_RawFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"something":"else"}`))
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleEscrowStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), `"something": "else"`)
}
