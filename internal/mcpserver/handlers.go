package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/taskescrow/internal/apiclient"
	"github.com/mbd888/taskescrow/internal/escrow"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *apiclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *apiclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	var resp struct {
		Escrow *escrow.Escrow `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %s", parseFailure(err, raw))), nil
	}

	return mcp.NewToolResultText(formatEscrow(resp.Escrow)), nil
}

// HandleListUserEscrows lists escrows for a client or tasker.
func (h *Handlers) HandleListUserEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEscrows(ctx, userID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	var resp struct {
		Escrows []*escrow.Escrow `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}

	return mcp.NewToolResultText(formatEscrowList(resp.Escrows)), nil
}

// HandleGetDispute shows one dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}

	var resp struct {
		Dispute *escrow.Dispute `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Dispute == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %s", parseFailure(err, raw))), nil
	}

	return mcp.NewToolResultText(formatDispute(resp.Dispute)), nil
}

// HandleListActiveDisputes lists disputes awaiting an arbiter.
func (h *Handlers) HandleListActiveDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListActiveDisputes(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	var resp struct {
		Disputes []*escrow.Dispute `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}

	return mcp.NewToolResultText(formatDisputeList(resp.Disputes)), nil
}

// HandleEscrowStats returns aggregate statistics.
func (h *Handlers) HandleEscrowStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	var resp struct {
		Stats *escrow.Stats `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Stats == nil {
		// Unknown shape: hand back the raw document.
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	return mcp.NewToolResultText(formatStats(resp.Stats)), nil
}

// --- Formatting helpers ---

func formatEscrow(e *escrow.Escrow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", e.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", e.Status)
	fmt.Fprintf(&sb, "  Task: %s\n", e.TaskID)
	fmt.Fprintf(&sb, "  Client: %s | Tasker: %s\n", e.ClientID, e.TaskerID)
	fmt.Fprintf(&sb, "  Amount: %s %s (fees %s)\n", e.Amount.StringFixed(2), e.Currency, e.Fees.Total.StringFixed(2))
	fmt.Fprintf(&sb, "  Paid to tasker: %s | Refunded to client: %s | Remaining: %s\n",
		e.PaidTo(escrow.PayoutTasker).StringFixed(2),
		e.PaidTo(escrow.PayoutClientRefund).StringFixed(2),
		e.Remaining().StringFixed(2))
	if e.AutoReleaseAt != nil {
		fmt.Fprintf(&sb, "  Auto-release: %s\n", e.AutoReleaseAt.UTC().Format(time.RFC3339))
	}
	if e.ReleaseReason != "" {
		fmt.Fprintf(&sb, "  Release reason: %s\n", e.ReleaseReason)
	}
	if e.CancellationReason != "" {
		fmt.Fprintf(&sb, "  Cancelled: %s\n", e.CancellationReason)
	}

	if len(e.Milestones) > 0 {
		fmt.Fprintf(&sb, "\nMilestones (%d):\n", len(e.Milestones))
		for i, m := range e.Milestones {
			fmt.Fprintf(&sb, "  %d. %s [%s] %s\n", i+1, m.Title, m.Status, m.Amount.StringFixed(2))
			if m.RejectionReason != "" {
				fmt.Fprintf(&sb, "     Rejected: %s\n", m.RejectionReason)
			}
		}
	}

	if len(e.Payouts) > 0 {
		fmt.Fprintf(&sb, "\nPayouts (%d):\n", len(e.Payouts))
		for _, p := range e.Payouts {
			fmt.Fprintf(&sb, "  %s %s (%s)\n", p.Kind, p.Amount.StringFixed(2), p.ExternalTxID)
		}
	}

	if e.Dispute != nil {
		fmt.Fprintf(&sb, "\nDispute %s: %s (%s)\n", e.Dispute.ID, e.Dispute.Status, e.Dispute.Reason)
	}

	return sb.String()
}

func formatEscrowList(escrows []*escrow.Escrow) string {
	if len(escrows) == 0 {
		return "No escrows found."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(escrows))
	for i, e := range escrows {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, e.ID, e.Status)
		fmt.Fprintf(&sb, "   %s %s | Client: %s | Tasker: %s\n", e.Amount.StringFixed(2), e.Currency, e.ClientID, e.TaskerID)
	}
	return sb.String()
}

func formatDispute(d *escrow.Dispute) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s\n", d.ID)
	fmt.Fprintf(&sb, "  Escrow: %s\n", d.EscrowID)
	fmt.Fprintf(&sb, "  Status: %s\n", d.Status)
	fmt.Fprintf(&sb, "  Raised by: %s\n", d.InitiatedBy)
	fmt.Fprintf(&sb, "  Reason: %s\n", d.Reason)
	if d.Description != "" {
		fmt.Fprintf(&sb, "  Description: %s\n", d.Description)
	}
	if d.ReviewedBy != "" {
		fmt.Fprintf(&sb, "  Reviewer: %s\n", d.ReviewedBy)
	}
	fmt.Fprintf(&sb, "  Deadline: %s\n", d.Deadline.UTC().Format(time.RFC3339))

	if len(d.Evidence) > 0 {
		fmt.Fprintf(&sb, "\nEvidence (%d):\n", len(d.Evidence))
		for _, ev := range d.Evidence {
			fmt.Fprintf(&sb, "  - %s from %s: %s\n", ev.Type, ev.UploadedBy, ev.URL)
		}
	}

	if r := d.Resolution; r != nil {
		sb.WriteString("\nResolution:\n")
		fmt.Fprintf(&sb, "  Type: %s\n", r.Type)
		fmt.Fprintf(&sb, "  To client: %s | To tasker: %s\n", r.AmountToClient.StringFixed(2), r.AmountToTasker.StringFixed(2))
		fmt.Fprintf(&sb, "  Reason: %s\n", r.Reason)
		fmt.Fprintf(&sb, "  Resolved by %s at %s\n", r.ResolvedBy, r.ResolvedAt.UTC().Format(time.RFC3339))
	}

	return sb.String()
}

func formatDisputeList(disputes []*escrow.Dispute) string {
	if len(disputes) == 0 {
		return "No active disputes."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d active dispute(s):\n\n", len(disputes))
	for i, d := range disputes {
		fmt.Fprintf(&sb, "%d. %s [%s] on %s\n", i+1, d.ID, d.Status, d.EscrowID)
		fmt.Fprintf(&sb, "   Reason: %s | Raised by: %s | Evidence: %d\n", d.Reason, d.InitiatedBy, len(d.Evidence))
	}
	return sb.String()
}

func formatStats(s *escrow.Stats) string {
	var sb strings.Builder
	sb.WriteString("Escrow Statistics:\n")
	fmt.Fprintf(&sb, "  Total: %d\n", s.Total)
	fmt.Fprintf(&sb, "  Active: %d\n", s.Active)
	fmt.Fprintf(&sb, "  Released: %d | Refunded: %d\n", s.Released, s.Refunded)
	fmt.Fprintf(&sb, "  Disputed: %d | Cancelled: %d\n", s.Disputed, s.Cancelled)

	currencies := make([]string, 0, len(s.Volume))
	for c := range s.Volume {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	if len(currencies) > 0 {
		sb.WriteString("\nVolume:\n")
		for _, c := range currencies {
			fmt.Fprintf(&sb, "  %s: %s (avg %s)\n", c, s.Volume[c].StringFixed(2), s.Average[c].StringFixed(2))
		}
	}
	return sb.String()
}

func parseFailure(err error, raw json.RawMessage) string {
	if err != nil {
		return err.Error()
	}
	return "unexpected response: " + string(raw)
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
