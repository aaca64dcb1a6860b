// Package escrow holds a client's payment for a task in trust and releases
// it to the tasker.
//
// Flow:
//  1. Client creates the escrow → fees computed, milestones laid out (pending)
//  2. Client funds it → gateway charges amount + fees (funded)
//  3. Tasker starts work → auto-release armed (in_progress)
//  4. Milestones are completed by the tasker and approved by the client,
//     each approval optionally paying its share immediately
//  5. Tasker completes the task (completed), client releases the remainder (released)
//  6. Either party disputes → an arbiter splits the remainder (released or refunded)
//  7. Deadline passes while in_progress → remainder auto-released to the tasker
package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/audit"
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending    Status = "pending"     // Created, not yet charged
	StatusFunded     Status = "funded"      // Client charged, funds held
	StatusInProgress Status = "in_progress" // Tasker working, auto-release armed
	StatusCompleted  Status = "completed"   // Tasker finished, awaiting client release
	StatusDisputed   Status = "disputed"    // Dispute open, normal flow paused
	StatusReleased   Status = "released"    // Remainder paid to tasker
	StatusRefunded   Status = "refunded"    // Remainder returned to client
	StatusCancelled  Status = "cancelled"   // Cancelled before funding
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusFunded, StatusInProgress, StatusCompleted,
	StatusDisputed, StatusReleased, StatusRefunded, StatusCancelled,
}

// CancellationPolicy decides who may cancel a funded escrow.
type CancellationPolicy string

const (
	CancelFlexible CancellationPolicy = "flexible" // client or tasker
	CancelModerate CancellationPolicy = "moderate" // client only
	CancelStrict   CancellationPolicy = "strict"   // tasker only
)

// RefundPolicy decides which fees are returned when a funded escrow is cancelled.
type RefundPolicy string

const (
	RefundFull    RefundPolicy = "full"    // platform and processing fees
	RefundPartial RefundPolicy = "partial" // platform fee only
	RefundNone    RefundPolicy = "none"
)

// ReleaseReason records why funds went to the tasker.
type ReleaseReason string

const (
	ReleaseByClient     ReleaseReason = "client_release"
	ReleaseAutoDeadline ReleaseReason = "auto_release_deadline"
	ReleaseByResolution ReleaseReason = "dispute_resolution"
)

// Terms are fixed at creation.
type Terms struct {
	AutoReleaseDays     int                `json:"autoReleaseDays"`
	AllowPartialRelease bool               `json:"allowPartialRelease"`
	RequireMilestones   bool               `json:"requireMilestones"`
	DisputeDeadlineDays int                `json:"disputeDeadlineDays"`
	CancellationPolicy  CancellationPolicy `json:"cancellationPolicy"`
	RefundPolicy        RefundPolicy       `json:"refundPolicy"`
}

// Fees are charged on top of the escrowed amount.
type Fees struct {
	Platform   decimal.Decimal `json:"platform"`
	Processing decimal.Decimal `json:"processing"`
	Total      decimal.Decimal `json:"total"`
}

// PayoutKind classifies a gateway movement recorded on an escrow.
type PayoutKind string

const (
	PayoutCharge       PayoutKind = "charge"
	PayoutTasker       PayoutKind = "tasker_payout"
	PayoutClientRefund PayoutKind = "client_refund"
	PayoutFeeRefund    PayoutKind = "fee_refund"
)

// Payout is one completed gateway movement. Payouts are append-only and are
// the only input to fund conservation checks.
type Payout struct {
	Kind           PayoutKind      `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	MilestoneID    string          `json:"milestoneId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	ExternalTxID   string          `json:"externalTxId"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// MilestoneStatus is the state of a milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneRejected  MilestoneStatus = "rejected"
)

// Milestone is an independently approvable share of the escrowed amount.
type Milestone struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Status          MilestoneStatus `json:"status"`
	DueDate         time.Time       `json:"dueDate"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	ApprovedAt      *time.Time      `json:"approvedAt,omitempty"`
	RejectedAt      *time.Time      `json:"rejectedAt,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	Evidence        []string        `json:"evidence,omitempty"`
}

// Escrow is a task payment held in trust.
type Escrow struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"taskId"`
	ClientID      string          `json:"clientId"`
	TaskerID      string          `json:"taskerId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	Status        Status          `json:"status"`
	Fees          Fees            `json:"fees"`
	Terms         Terms           `json:"terms"`
	Milestones    []Milestone     `json:"milestones,omitempty"`
	Payouts       []Payout        `json:"payouts,omitempty"`

	FundingTxID        string        `json:"fundingTxId,omitempty"`
	AutoReleaseAt      *time.Time    `json:"autoReleaseAt,omitempty"`
	ReleaseReason      ReleaseReason `json:"releaseReason,omitempty"`
	CancellationReason string        `json:"cancellationReason,omitempty"`

	DisputeID string   `json:"disputeId,omitempty"`
	Dispute   *Dispute `json:"dispute,omitempty"` // hydrated on read, not stored

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FundedAt    *time.Time `json:"fundedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
	RefundedAt  *time.Time `json:"refundedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`

	Version int64 `json:"version"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// IsParty reports whether actorID is the client or the tasker.
func (e *Escrow) IsParty(actorID string) bool {
	return actorID != "" && (actorID == e.ClientID || actorID == e.TaskerID)
}

// PaidTo sums recorded payouts of one kind.
func (e *Escrow) PaidTo(kind PayoutKind) decimal.Decimal {
	total := decimal.Zero
	for _, p := range e.Payouts {
		if p.Kind == kind {
			total = total.Add(p.Amount)
		}
	}
	return total
}

// Disbursed is everything that has left escrow: tasker payouts plus client
// refunds. Charges and fee refunds are outside the escrowed amount.
func (e *Escrow) Disbursed() decimal.Decimal {
	return e.PaidTo(PayoutTasker).Add(e.PaidTo(PayoutClientRefund))
}

// Remaining is the undisbursed part of the escrowed amount.
func (e *Escrow) Remaining() decimal.Decimal {
	return e.Amount.Sub(e.Disbursed())
}

// ApprovedMilestoneTotal sums approved milestone amounts.
func (e *Escrow) ApprovedMilestoneTotal() decimal.Decimal {
	total := decimal.Zero
	for _, m := range e.Milestones {
		if m.Status == MilestoneApproved {
			total = total.Add(m.Amount)
		}
	}
	return total
}

func (e *Escrow) payout(key string) (Payout, bool) {
	for _, p := range e.Payouts {
		if p.IdempotencyKey == key {
			return p, true
		}
	}
	return Payout{}, false
}

func (e *Escrow) milestone(id string) (*Milestone, bool) {
	for i := range e.Milestones {
		if e.Milestones[i].ID == id {
			return &e.Milestones[i], true
		}
	}
	return nil, false
}

// clone returns a deep copy so stored records never share slices with callers.
func (e *Escrow) clone() *Escrow {
	cp := *e
	cp.Dispute = nil
	if e.Milestones != nil {
		cp.Milestones = make([]Milestone, len(e.Milestones))
		for i, m := range e.Milestones {
			if m.Evidence != nil {
				m.Evidence = append([]string(nil), m.Evidence...)
			}
			cp.Milestones[i] = m
		}
	}
	if e.Payouts != nil {
		cp.Payouts = append([]Payout(nil), e.Payouts...)
	}
	return &cp
}

// DisputeReason categorises a dispute.
type DisputeReason string

const (
	ReasonQuality       DisputeReason = "quality"
	ReasonTiming        DisputeReason = "timing"
	ReasonCommunication DisputeReason = "communication"
	ReasonScope         DisputeReason = "scope"
	ReasonPayment       DisputeReason = "payment"
	ReasonOther         DisputeReason = "other"
)

func (r DisputeReason) valid() bool {
	switch r {
	case ReasonQuality, ReasonTiming, ReasonCommunication, ReasonScope, ReasonPayment, ReasonOther:
		return true
	}
	return false
}

// DisputeStatus is linear: open → under_review → resolved → closed.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeClosed      DisputeStatus = "closed"
)

// ActiveDisputeStatuses are the statuses in which a dispute awaits resolution.
var ActiveDisputeStatuses = []DisputeStatus{DisputeOpen, DisputeUnderReview}

// EvidenceType is the media kind of a piece of dispute evidence.
type EvidenceType string

const (
	EvidenceMessage  EvidenceType = "message"
	EvidenceImage    EvidenceType = "image"
	EvidenceDocument EvidenceType = "document"
	EvidenceVideo    EvidenceType = "video"
	EvidenceAudio    EvidenceType = "audio"
)

func (t EvidenceType) valid() bool {
	switch t {
	case EvidenceMessage, EvidenceImage, EvidenceDocument, EvidenceVideo, EvidenceAudio:
		return true
	}
	return false
}

// Evidence is an append-only attachment to a dispute.
type Evidence struct {
	ID          string       `json:"id"`
	Type        EvidenceType `json:"type"`
	URL         string       `json:"url"`
	Description string       `json:"description,omitempty"`
	UploadedBy  string       `json:"uploadedBy"`
	UploadedAt  time.Time    `json:"uploadedAt"`
}

// ResolutionType labels how the remainder was divided.
type ResolutionType string

const (
	ResolutionFullRelease    ResolutionType = "full_release"
	ResolutionPartialRelease ResolutionType = "partial_release"
	ResolutionFullRefund     ResolutionType = "full_refund"
	ResolutionPartialRefund  ResolutionType = "partial_refund"
	ResolutionSplit          ResolutionType = "split"
)

// Resolution is written once per dispute and never changed.
type Resolution struct {
	Type           ResolutionType  `json:"resolutionType"`
	AmountToClient decimal.Decimal `json:"amountToClient"`
	AmountToTasker decimal.Decimal `json:"amountToTasker"`
	Reason         string          `json:"reason"`
	Notes          string          `json:"notes,omitempty"`
	ResolvedBy     string          `json:"resolvedBy"`
	ResolvedAt     time.Time       `json:"resolvedAt"`
}

// Dispute pauses an escrow until an arbiter divides the remainder.
type Dispute struct {
	ID          string        `json:"id"`
	EscrowID    string        `json:"escrowId"`
	InitiatedBy string        `json:"initiatedBy"`
	Reason      DisputeReason `json:"reason"`
	Description string        `json:"description"`
	Evidence    []Evidence    `json:"evidence"`
	Status      DisputeStatus `json:"status"`
	ReviewedBy  string        `json:"reviewedBy,omitempty"`
	Resolution  *Resolution   `json:"resolution,omitempty"`
	Deadline    time.Time     `json:"deadline"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	ClosedAt    *time.Time    `json:"closedAt,omitempty"`
	Version     int64         `json:"version"`
}

// IsActive reports whether the dispute still awaits resolution.
func (d *Dispute) IsActive() bool {
	return d.Status == DisputeOpen || d.Status == DisputeUnderReview
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	if d.Evidence != nil {
		cp.Evidence = append([]Evidence(nil), d.Evidence...)
	}
	if d.Resolution != nil {
		r := *d.Resolution
		cp.Resolution = &r
	}
	return &cp
}

// Stats summarises every escrow in the store.
type Stats struct {
	Total     int                        `json:"total"`
	Active    int                        `json:"active"` // funded + in_progress
	Released  int                        `json:"released"`
	Refunded  int                        `json:"refunded"`
	Disputed  int                        `json:"disputed"`
	Cancelled int                        `json:"cancelled"`
	ByStatus  map[Status]int             `json:"byStatus"`
	Volume    map[string]decimal.Decimal `json:"volume"`        // by currency
	Average   map[string]decimal.Decimal `json:"averageAmount"` // by currency
}

// Store persists escrows and disputes. Update and SaveDispute are
// optimistic: they fail with ErrConflict when the record's Version is stale
// and bump Version on success.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)

	// SaveDispute writes the escrow and the dispute in one transaction.
	// A dispute with Version 0 is inserted.
	SaveDispute(ctx context.Context, e *Escrow, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputesByStatus(ctx context.Context, statuses []DisputeStatus, limit int) ([]*Dispute, error)

	Stats(ctx context.Context) (*Stats, error)
}

// EventSink receives one audit event per transition. Satisfied by *audit.Log.
type EventSink interface {
	Record(ctx context.Context, e audit.Event) error
}

// ReleaseScheduler arms and cancels the per-escrow auto-release deadline.
// Satisfied by *schedule.Scheduler.
type ReleaseScheduler interface {
	Schedule(ctx context.Context, key string, at time.Time) error
	Cancel(ctx context.Context, key string) error
}
