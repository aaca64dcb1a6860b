package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/taskescrow/internal/audit"
	"github.com/mbd888/taskescrow/internal/idgen"
	"github.com/mbd888/taskescrow/internal/logging"
	"github.com/mbd888/taskescrow/internal/metrics"
	"github.com/mbd888/taskescrow/internal/money"
	"github.com/mbd888/taskescrow/internal/traces"
)

// DisputeRequest contains the parameters for raising a dispute.
type DisputeRequest struct {
	InitiatedBy string            `json:"initiatedBy"`
	Reason      DisputeReason     `json:"reason" binding:"required"`
	Description string            `json:"description" binding:"required"`
	Evidence    []EvidenceRequest `json:"evidence,omitempty"`
}

// EvidenceRequest describes one attachment.
type EvidenceRequest struct {
	Type        EvidenceType `json:"type" binding:"required"`
	URL         string       `json:"url" binding:"required"`
	Description string       `json:"description"`
}

// ResolutionRequest is an arbiter's split of the undisbursed remainder.
type ResolutionRequest struct {
	Type           ResolutionType `json:"resolutionType" binding:"required"`
	AmountToClient string         `json:"amountToClient" binding:"required"`
	AmountToTasker string         `json:"amountToTasker" binding:"required"`
	Reason         string         `json:"reason" binding:"required"`
	Notes          string         `json:"notes"`
}

func newEvidence(r EvidenceRequest, uploadedBy string, now time.Time) (Evidence, error) {
	if !r.Type.valid() {
		return Evidence{}, invalid("unknown evidence type %q", r.Type)
	}
	if strings.TrimSpace(r.URL) == "" {
		return Evidence{}, invalid("evidence url is required")
	}
	return Evidence{
		ID:          idgen.Evidence(),
		Type:        r.Type,
		URL:         strings.TrimSpace(r.URL),
		Description: r.Description,
		UploadedBy:  uploadedBy,
		UploadedAt:  now,
	}, nil
}

// CreateDispute pauses a funded, in-progress or completed escrow and
// cancels its auto-release. Only the client or the tasker may raise one.
func (s *Service) CreateDispute(ctx context.Context, escrowID string, req DisputeRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateDispute", traces.EscrowID(escrowID), traces.ActorID(req.InitiatedBy))
	defer func() { traces.RecordError(span, err); span.End() }()

	unlock, err := s.lock(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(req.InitiatedBy) {
		return nil, ErrUnauthorized
	}
	if err := checkOperation(e, OpCreateDispute); err != nil {
		return nil, err
	}
	if !req.Reason.valid() {
		return nil, invalid("unknown dispute reason %q", req.Reason)
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, invalid("dispute description is required")
	}

	now := s.now()
	d := &Dispute{
		ID:          idgen.Dispute(),
		EscrowID:    e.ID,
		InitiatedBy: req.InitiatedBy,
		Reason:      req.Reason,
		Description: strings.TrimSpace(req.Description),
		Evidence:    []Evidence{},
		Status:      DisputeOpen,
		Deadline:    now.Add(time.Duration(e.Terms.DisputeDeadlineDays) * 24 * time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, r := range req.Evidence {
		ev, err := newEvidence(r, req.InitiatedBy, now)
		if err != nil {
			return nil, err
		}
		d.Evidence = append(d.Evidence, ev)
	}

	prev := e.Status
	if err := transition(e, StatusDisputed, now); err != nil {
		return nil, err
	}
	e.DisputeID = d.ID
	if err := s.checkShape(ctx, e); err != nil {
		return nil, err
	}
	if err := s.store.SaveDispute(ctx, e, d); err != nil {
		return nil, err
	}
	s.cancelAutoRelease(ctx, e.ID)

	s.transitioned(prev, e)
	metrics.DisputesOpenedTotal.Inc()
	logging.WithEscrow(ctx, e.ID).Info("dispute opened", "dispute_id", d.ID, "reason", d.Reason)
	ev := newEvent(audit.DisputeCreated, e, prev, req.InitiatedBy)
	ev.Data["reason"] = string(d.Reason)
	s.record(ctx, ev)
	return d, nil
}

// AddEvidence appends evidence to an active dispute.
func (s *Service) AddEvidence(ctx context.Context, disputeID, actorID string, req EvidenceRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AddEvidence", traces.DisputeID(disputeID), traces.ActorID(actorID))
	defer func() { traces.RecordError(span, err); span.End() }()

	e, d, unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !e.IsParty(actorID) {
		return nil, ErrUnauthorized
	}
	if !d.IsActive() {
		return nil, fmt.Errorf("%w: dispute %s is %s", ErrInvalidStateTransition, d.ID, d.Status)
	}

	now := s.now()
	evd, err := newEvidence(req, actorID, now)
	if err != nil {
		return nil, err
	}
	d.Evidence = append(d.Evidence, evd)
	d.UpdatedAt = now
	if err := s.store.SaveDispute(ctx, e, d); err != nil {
		return nil, err
	}

	ev := newEvent(audit.DisputeEvidenceAdded, e, e.Status, actorID)
	ev.Data["evidenceId"] = evd.ID
	ev.Data["evidenceType"] = string(evd.Type)
	s.record(ctx, ev)
	return d, nil
}

// ReviewDispute moves an open dispute under review. The reviewer must not
// be a party to the escrow.
func (s *Service) ReviewDispute(ctx context.Context, disputeID, reviewerID string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReviewDispute", traces.DisputeID(disputeID), traces.ActorID(reviewerID))
	defer func() { traces.RecordError(span, err); span.End() }()

	e, d, unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if reviewerID == "" || e.IsParty(reviewerID) {
		return nil, ErrUnauthorized
	}
	if d.Status != DisputeOpen {
		return nil, fmt.Errorf("%w: dispute %s is %s", ErrInvalidStateTransition, d.ID, d.Status)
	}

	d.Status = DisputeUnderReview
	d.ReviewedBy = reviewerID
	d.UpdatedAt = s.now()
	if err := s.store.SaveDispute(ctx, e, d); err != nil {
		return nil, err
	}

	s.record(ctx, newEvent(audit.DisputeUnderReview, e, e.Status, reviewerID))
	return d, nil
}

// ResolveDispute validates an arbiter's split and executes it. The split
// must add up to exactly the undisbursed remainder. The resolution is
// recorded before any money moves, so a retry after ErrPaymentFailed must
// carry the same split and skips payouts that already happened.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, req ResolutionRequest, resolvedBy string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.DisputeID(disputeID), traces.ActorID(resolvedBy))
	defer func() { traces.RecordError(span, err); span.End() }()

	e, d, unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if resolvedBy == "" || e.IsParty(resolvedBy) {
		return nil, ErrUnauthorized
	}
	if !d.IsActive() {
		return nil, fmt.Errorf("%w: dispute %s is %s", ErrInvalidStateTransition, d.ID, d.Status)
	}
	if err := checkOperation(e, OpResolveDispute); err != nil {
		return nil, err
	}

	res, err := s.parseResolution(e, req, resolvedBy)
	if err != nil {
		return nil, err
	}

	if d.Resolution == nil {
		remaining := e.Remaining()
		if total := res.AmountToClient.Add(res.AmountToTasker); !total.Equal(remaining) {
			return nil, fmt.Errorf("%w: amounts sum to %s, undisbursed remainder is %s",
				ErrInvalidResolution, total, remaining)
		}
		d.Resolution = res
		d.UpdatedAt = res.ResolvedAt
		if err := s.store.SaveDispute(ctx, e, d); err != nil {
			return nil, err
		}
	} else if !sameSplit(d.Resolution, res) {
		return nil, fmt.Errorf("%w: dispute %s already has a recorded %s resolution (client %s, tasker %s)",
			ErrInvalidResolution, d.ID, d.Resolution.Type, d.Resolution.AmountToClient, d.Resolution.AmountToTasker)
	}
	res = d.Resolution

	// Each payout is committed on its own so a failure between them leaves
	// the ledger showing exactly what moved.
	for _, m := range []movement{
		{kind: PayoutTasker, amount: res.AmountToTasker, key: idempotencyKey(e.ID, "resolve", "tasker")},
		{kind: PayoutClientRefund, amount: res.AmountToClient, key: idempotencyKey(e.ID, "resolve", "client")},
	} {
		if _, recorded := e.payout(m.key); recorded || m.amount.IsZero() {
			continue
		}
		if _, err := s.move(ctx, e, m); err != nil {
			return nil, err
		}
		if err := s.commit(ctx, e); err != nil {
			return nil, err
		}
	}

	prev := e.Status
	now := s.now()
	final := StatusReleased
	if res.Type == ResolutionFullRefund {
		final = StatusRefunded
	}
	if err := transition(e, final, now); err != nil {
		return nil, err
	}
	if final == StatusReleased {
		e.ReleaseReason = ReleaseByResolution
	}
	d.Status = DisputeResolved
	d.UpdatedAt = now
	if err := s.checkShape(ctx, e); err != nil {
		return nil, err
	}
	if err := s.store.SaveDispute(ctx, e, d); err != nil {
		if retryErr := s.store.SaveDispute(ctx, e, d); retryErr != nil {
			logging.WithEscrow(ctx, e.ID).Error("CRITICAL: dispute payouts made but resolution update failed",
				"dispute_id", d.ID, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after dispute payout (requires manual resolution): %w", err)
		}
	}

	s.transitioned(prev, e)
	metrics.DisputesResolvedTotal.WithLabelValues(string(res.Type)).Inc()
	if final == StatusReleased {
		metrics.EscrowReleasedTotal.WithLabelValues(string(ReleaseByResolution)).Inc()
	} else {
		metrics.EscrowRefundedTotal.Inc()
	}
	logging.WithEscrow(ctx, e.ID).Info("dispute resolved", "dispute_id", d.ID, "type", res.Type,
		"to_client", money.Format(res.AmountToClient, e.Currency),
		"to_tasker", money.Format(res.AmountToTasker, e.Currency))

	ev := newEvent(audit.DisputeResolved, e, prev, resolvedBy)
	ev.Amount = res.AmountToClient.Add(res.AmountToTasker)
	ev.Data["resolutionType"] = string(res.Type)
	ev.Data["amountToClient"] = money.Format(res.AmountToClient, e.Currency)
	ev.Data["amountToTasker"] = money.Format(res.AmountToTasker, e.Currency)
	s.record(ctx, ev)

	e.Dispute = d
	return e, nil
}

func (s *Service) parseResolution(e *Escrow, req ResolutionRequest, resolvedBy string) (*Resolution, error) {
	toClient, err := money.Parse(req.AmountToClient, e.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: amountToClient: %v", ErrInvalidResolution, err)
	}
	toTasker, err := money.Parse(req.AmountToTasker, e.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: amountToTasker: %v", ErrInvalidResolution, err)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidResolution)
	}

	clientPaid, taskerPaid := toClient.IsPositive(), toTasker.IsPositive()
	var ok bool
	switch req.Type {
	case ResolutionFullRelease:
		ok = !clientPaid
	case ResolutionFullRefund:
		ok = !taskerPaid
	case ResolutionPartialRelease, ResolutionPartialRefund, ResolutionSplit:
		ok = clientPaid && taskerPaid
	default:
		return nil, fmt.Errorf("%w: unknown resolution type %q", ErrInvalidResolution, req.Type)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s does not match client %s / tasker %s",
			ErrInvalidResolution, req.Type, toClient, toTasker)
	}

	return &Resolution{
		Type:           req.Type,
		AmountToClient: toClient,
		AmountToTasker: toTasker,
		Reason:         strings.TrimSpace(req.Reason),
		Notes:          req.Notes,
		ResolvedBy:     resolvedBy,
		ResolvedAt:     s.now(),
	}, nil
}

func sameSplit(a, b *Resolution) bool {
	return a.Type == b.Type && a.AmountToClient.Equal(b.AmountToClient) && a.AmountToTasker.Equal(b.AmountToTasker)
}

// CloseDispute archives a resolved dispute. Either party or the arbiter who
// resolved it may close it.
func (s *Service) CloseDispute(ctx context.Context, disputeID, actorID string) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CloseDispute", traces.DisputeID(disputeID), traces.ActorID(actorID))
	defer func() { traces.RecordError(span, err); span.End() }()

	e, d, unlock, err := s.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if d.Status != DisputeResolved {
		return nil, fmt.Errorf("%w: dispute %s is %s", ErrInvalidStateTransition, d.ID, d.Status)
	}
	if !e.IsParty(actorID) && (d.Resolution == nil || d.Resolution.ResolvedBy != actorID) {
		return nil, ErrUnauthorized
	}

	now := s.now()
	d.Status = DisputeClosed
	d.ClosedAt = &now
	d.UpdatedAt = now
	if err := s.store.SaveDispute(ctx, e, d); err != nil {
		return nil, err
	}

	s.record(ctx, newEvent(audit.DisputeClosed, e, e.Status, actorID))
	return d, nil
}

// GetDispute returns a dispute by ID.
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// ActiveDisputes returns open and under-review disputes, newest first.
func (s *Service) ActiveDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.ListDisputesByStatus(ctx, ActiveDisputeStatuses, limit)
}

// lockDispute finds the dispute's escrow, locks it and re-reads both.
func (s *Service) lockDispute(ctx context.Context, disputeID string) (*Escrow, *Dispute, func(), error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock, err := s.lock(ctx, d.EscrowID)
	if err != nil {
		return nil, nil, nil, err
	}
	e, err := s.store.Get(ctx, d.EscrowID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	if d, err = s.store.GetDispute(ctx, disputeID); err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return e, d, unlock, nil
}
