package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/audit"
	"github.com/mbd888/taskescrow/internal/idgen"
	"github.com/mbd888/taskescrow/internal/money"
	"github.com/mbd888/taskescrow/internal/traces"
)

const (
	maxDefaultMilestones = 3
	milestoneUnit        = 100 // one generated milestone per 100 units of amount
	milestoneSpacing     = 7 * 24 * time.Hour
)

func buildMilestones(reqs []MilestoneRequest, amount decimal.Decimal, currency string, now time.Time) ([]Milestone, error) {
	out := make([]Milestone, 0, len(reqs))
	sum := decimal.Zero
	for i, r := range reqs {
		a, err := money.Parse(r.Amount, currency)
		if err != nil {
			return nil, fmt.Errorf("%w: milestone %d: %v", ErrInvalidAmount, i+1, err)
		}
		if !a.IsPositive() {
			return nil, fmt.Errorf("%w: milestone %d amount must be positive", ErrInvalidAmount, i+1)
		}
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = fmt.Sprintf("Milestone %d", i+1)
		}
		due := now.Add(time.Duration(i+1) * milestoneSpacing)
		if r.DueDate != nil {
			due = *r.DueDate
		}
		out = append(out, Milestone{
			ID:          idgen.Milestone(),
			Title:       title,
			Description: r.Description,
			Amount:      a,
			Status:      MilestonePending,
			DueDate:     due,
		})
		sum = sum.Add(a)
	}
	if !sum.Equal(amount) {
		return nil, fmt.Errorf("%w: milestones sum to %s, escrow amount is %s", ErrInvalidAmount, sum, amount)
	}
	return out, nil
}

// defaultMilestones splits amount into min(3, amount/100) equal parts due a
// week apart, or one milestone for small amounts.
func defaultMilestones(amount decimal.Decimal, currency string, now time.Time) []Milestone {
	n := int(amount.Div(decimal.NewFromInt(milestoneUnit)).IntPart())
	if n > maxDefaultMilestones {
		n = maxDefaultMilestones
	}
	if n < 1 {
		n = 1
	}
	parts := money.Split(amount, n, currency)
	out := make([]Milestone, n)
	for i, part := range parts {
		out[i] = Milestone{
			ID:          idgen.Milestone(),
			Title:       fmt.Sprintf("Milestone %d", i+1),
			Description: fmt.Sprintf("Phase %d of %d", i+1, n),
			Amount:      part,
			Status:      MilestonePending,
			DueDate:     now.Add(time.Duration(i+1) * milestoneSpacing),
		}
	}
	return out
}

// CompleteMilestone is called by the tasker to submit a milestone for
// approval. A rejected milestone may be submitted again.
func (s *Service) CompleteMilestone(ctx context.Context, escrowID, milestoneID, taskerID string, evidence []string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CompleteMilestone",
		traces.EscrowID(escrowID), traces.MilestoneID(milestoneID), traces.ActorID(taskerID))
	defer func() { traces.RecordError(span, err); span.End() }()

	unlock, err := s.lock(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, m, err := s.loadMilestone(ctx, escrowID, milestoneID)
	if err != nil {
		return nil, err
	}
	if taskerID != e.TaskerID {
		return nil, ErrUnauthorized
	}
	if err := checkOperation(e, OpCompleteMilestone); err != nil {
		return nil, err
	}
	if m.Status != MilestonePending && m.Status != MilestoneRejected {
		return nil, fmt.Errorf("%w: milestone %s is %s", ErrInvalidStateTransition, m.ID, m.Status)
	}

	now := s.now()
	m.Status = MilestoneCompleted
	m.CompletedAt = &now
	m.RejectedAt = nil
	m.RejectionReason = ""
	m.Evidence = append(m.Evidence, evidence...)
	e.UpdatedAt = now
	if err := s.save(ctx, e); err != nil {
		return nil, err
	}

	ev := newEvent(audit.MilestoneCompleted, e, e.Status, taskerID)
	ev.MilestoneID = m.ID
	ev.Amount = m.Amount
	s.record(ctx, ev)
	return e, nil
}

// ApproveMilestone is called by the client. With partial release enabled
// the milestone's amount is paid to the tasker immediately; a gateway
// failure leaves the milestone completed so the client can retry.
func (s *Service) ApproveMilestone(ctx context.Context, escrowID, milestoneID, clientID string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApproveMilestone",
		traces.EscrowID(escrowID), traces.MilestoneID(milestoneID), traces.ActorID(clientID))
	defer func() { traces.RecordError(span, err); span.End() }()

	unlock, err := s.lock(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, m, err := s.loadMilestone(ctx, escrowID, milestoneID)
	if err != nil {
		return nil, err
	}
	if clientID != e.ClientID {
		return nil, ErrUnauthorized
	}
	if err := checkOperation(e, OpApproveMilestone); err != nil {
		return nil, err
	}
	if m.Status != MilestoneCompleted {
		return nil, fmt.Errorf("%w: milestone %s is %s", ErrInvalidStateTransition, m.ID, m.Status)
	}

	// Checked under the escrow lock so concurrent approvals see each other.
	if approved := e.ApprovedMilestoneTotal().Add(m.Amount); approved.GreaterThan(e.Amount) {
		return nil, s.violated(ctx, e.ID, violation("escrow %s: approving %s brings approved milestones to %s of %s",
			e.ID, m.ID, approved, e.Amount))
	}

	if e.Terms.AllowPartialRelease {
		if _, err := s.move(ctx, e, movement{
			kind:        PayoutTasker,
			amount:      m.Amount,
			key:         idempotencyKey(e.ID, "milestone", m.ID),
			milestoneID: m.ID,
		}); err != nil {
			return nil, err
		}
	}

	now := s.now()
	m.Status = MilestoneApproved
	m.ApprovedAt = &now
	e.UpdatedAt = now
	if err := s.commit(ctx, e); err != nil {
		return nil, err
	}

	ev := newEvent(audit.MilestoneApproved, e, e.Status, clientID)
	ev.MilestoneID = m.ID
	ev.Amount = m.Amount
	if e.Terms.AllowPartialRelease {
		ev.Data["paid"] = "true"
	}
	s.record(ctx, ev)
	return e, nil
}

// RejectMilestone sends a completed milestone back to the tasker.
func (s *Service) RejectMilestone(ctx context.Context, escrowID, milestoneID, clientID, reason string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RejectMilestone",
		traces.EscrowID(escrowID), traces.MilestoneID(milestoneID), traces.ActorID(clientID))
	defer func() { traces.RecordError(span, err); span.End() }()

	unlock, err := s.lock(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, m, err := s.loadMilestone(ctx, escrowID, milestoneID)
	if err != nil {
		return nil, err
	}
	if clientID != e.ClientID {
		return nil, ErrUnauthorized
	}
	if err := checkOperation(e, OpRejectMilestone); err != nil {
		return nil, err
	}
	if m.Status != MilestoneCompleted {
		return nil, fmt.Errorf("%w: milestone %s is %s", ErrInvalidStateTransition, m.ID, m.Status)
	}

	now := s.now()
	m.Status = MilestoneRejected
	m.RejectedAt = &now
	m.RejectionReason = reason
	e.UpdatedAt = now
	if err := s.save(ctx, e); err != nil {
		return nil, err
	}

	ev := newEvent(audit.MilestoneRejected, e, e.Status, clientID)
	ev.MilestoneID = m.ID
	ev.Amount = m.Amount
	ev.Data["reason"] = reason
	s.record(ctx, ev)
	return e, nil
}

func (s *Service) loadMilestone(ctx context.Context, escrowID, milestoneID string) (*Escrow, *Milestone, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	m, ok := e.milestone(milestoneID)
	if !ok {
		return nil, nil, ErrMilestoneNotFound
	}
	return e, m, nil
}
