package escrow

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// transitions is the complete set of status edges. Terminal statuses have none.
var transitions = map[Status][]Status{
	StatusPending:    {StatusFunded, StatusCancelled},
	StatusFunded:     {StatusInProgress, StatusDisputed, StatusRefunded},
	StatusInProgress: {StatusCompleted, StatusDisputed, StatusReleased},
	StatusCompleted:  {StatusReleased, StatusDisputed},
	StatusDisputed:   {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Operation names an engine call that is gated on escrow status.
type Operation string

const (
	OpFund              Operation = "fund"
	OpStartWork         Operation = "start_work"
	OpCompleteMilestone Operation = "complete_milestone"
	OpApproveMilestone  Operation = "approve_milestone"
	OpRejectMilestone   Operation = "reject_milestone"
	OpCompleteTask      Operation = "complete_task"
	OpRelease           Operation = "release_payment"
	OpAutoRelease       Operation = "auto_release"
	OpCancel            Operation = "cancel"
	OpCreateDispute     Operation = "create_dispute"
	OpResolveDispute    Operation = "resolve_dispute"
)

// allowedFrom lists the statuses each operation may start from. Edges that
// share a target (completed→released vs in_progress→released) are told
// apart here: only auto-release may leave in_progress for released.
var allowedFrom = map[Operation][]Status{
	OpFund:              {StatusPending},
	OpStartWork:         {StatusFunded},
	OpCompleteMilestone: {StatusInProgress, StatusCompleted},
	OpApproveMilestone:  {StatusInProgress, StatusCompleted},
	OpRejectMilestone:   {StatusInProgress, StatusCompleted},
	OpCompleteTask:      {StatusInProgress},
	OpRelease:           {StatusCompleted},
	OpAutoRelease:       {StatusInProgress},
	OpCancel:            {StatusPending, StatusFunded},
	OpCreateDispute:     {StatusFunded, StatusInProgress, StatusCompleted},
	OpResolveDispute:    {StatusDisputed},
}

// checkOperation fails with ErrInvalidStateTransition unless op may run
// from the escrow's current status.
func checkOperation(e *Escrow, op Operation) error {
	if op != OpCancel && e.cancelling() {
		return fmt.Errorf("%w: cannot %s escrow %s: cancellation refund in progress, retry cancel",
			ErrInvalidStateTransition, op, e.ID)
	}
	for _, s := range allowedFrom[op] {
		if s == e.Status {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s escrow %s in status %s", ErrInvalidStateTransition, op, e.ID, e.Status)
}

// cancelling reports a funded escrow whose cancellation refunds have
// partly gone out. Only a retried Cancel may touch it.
func (e *Escrow) cancelling() bool {
	if e.Status != StatusFunded {
		return false
	}
	for _, p := range e.Payouts {
		if p.Kind == PayoutClientRefund || p.Kind == PayoutFeeRefund {
			return true
		}
	}
	return false
}

// transition moves e to status to, refusing edges outside the table.
func transition(e *Escrow, to Status, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = now
	switch to {
	case StatusFunded:
		e.FundedAt = &now
	case StatusInProgress:
		e.StartedAt = &now
	case StatusCompleted:
		e.CompletedAt = &now
	case StatusReleased:
		e.ReleasedAt = &now
	case StatusRefunded:
		e.RefundedAt = &now
	case StatusCancelled:
		e.CancelledAt = &now
	}
	return nil
}

// checkShape validates that the record carries exactly the fields its
// status implies and that no more than the escrowed amount has left it.
// It runs before every write.
func (e *Escrow) checkShape() error {
	if e.ID == "" || e.CreatedAt.IsZero() {
		return violation("escrow missing id or createdAt")
	}
	if !e.Amount.IsPositive() {
		return violation("escrow %s amount %s is not positive", e.ID, e.Amount)
	}
	for _, p := range e.Payouts {
		if p.Amount.IsNegative() {
			return violation("escrow %s has negative %s payout", e.ID, p.Kind)
		}
	}
	disbursed := e.Disbursed()
	if disbursed.GreaterThan(e.Amount) {
		return violation("escrow %s disbursed %s exceeds amount %s", e.ID, disbursed, e.Amount)
	}
	if e.ApprovedMilestoneTotal().GreaterThan(e.Amount) {
		return violation("escrow %s approved milestones exceed amount", e.ID)
	}
	if len(e.Milestones) > 0 {
		sum := decimal.Zero
		for _, m := range e.Milestones {
			sum = sum.Add(m.Amount)
		}
		if !sum.Equal(e.Amount) {
			return violation("escrow %s milestones sum to %s, amount is %s", e.ID, sum, e.Amount)
		}
	}

	terminalUnset := e.ReleasedAt == nil && e.RefundedAt == nil && e.CancelledAt == nil
	funded := e.FundedAt != nil && e.FundingTxID != ""

	var ok bool
	switch e.Status {
	case StatusPending:
		ok = e.FundedAt == nil && e.StartedAt == nil && terminalUnset && len(e.Payouts) == 0
	case StatusFunded:
		ok = funded && e.StartedAt == nil && terminalUnset
	case StatusInProgress:
		ok = funded && e.StartedAt != nil && e.CompletedAt == nil && terminalUnset
	case StatusCompleted:
		ok = funded && e.StartedAt != nil && e.CompletedAt != nil && terminalUnset
	case StatusDisputed:
		ok = funded && e.DisputeID != "" && terminalUnset
	case StatusReleased:
		ok = funded && e.ReleasedAt != nil && e.RefundedAt == nil && e.CancelledAt == nil &&
			e.ReleaseReason != "" && disbursed.Equal(e.Amount)
	case StatusRefunded:
		ok = funded && e.RefundedAt != nil && e.ReleasedAt == nil && e.CancelledAt == nil &&
			disbursed.Equal(e.Amount)
	case StatusCancelled:
		ok = e.CancelledAt != nil && e.FundedAt == nil && e.ReleasedAt == nil && e.RefundedAt == nil &&
			len(e.Payouts) == 0
	default:
		return violation("escrow %s has unknown status %q", e.ID, e.Status)
	}
	if !ok {
		return violation("escrow %s fields do not match status %s", e.ID, e.Status)
	}
	return nil
}
