// Package audit keeps the append-only, tamper-evident record of every escrow
// state change and fans each event out to downstream subscribers.
//
// Each event is sealed with Keccak-256 over the previous event's hash and
// its own canonical encoding, so editing or deleting any stored event
// breaks every hash after it.
package audit

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// EventType names a state change.
type EventType string

const (
	EscrowCreated        EventType = "escrow_created"
	EscrowFunded         EventType = "escrow_funded"
	WorkStarted          EventType = "work_started"
	MilestoneCompleted   EventType = "milestone_completed"
	MilestoneApproved    EventType = "milestone_approved"
	MilestoneRejected    EventType = "milestone_rejected"
	TaskCompleted        EventType = "task_completed"
	EscrowReleased       EventType = "escrow_released"
	EscrowAutoReleased   EventType = "escrow_auto_released"
	EscrowCancelled      EventType = "escrow_cancelled"
	EscrowRefunded       EventType = "escrow_refunded"
	DisputeCreated       EventType = "dispute_created"
	DisputeEvidenceAdded EventType = "dispute_evidence_added"
	DisputeUnderReview   EventType = "dispute_under_review"
	DisputeResolved      EventType = "dispute_resolved"
	DisputeClosed        EventType = "dispute_closed"
)

// GenesisHash is the PrevHash of the first event.
var GenesisHash = common.Hash{}.Hex()

// Event is one audit record.
type Event struct {
	Seq            int64             `json:"seq"`
	ID             string            `json:"id"`
	Type           EventType         `json:"type"`
	EscrowID       string            `json:"escrowId"`
	DisputeID      string            `json:"disputeId,omitempty"`
	MilestoneID    string            `json:"milestoneId,omitempty"`
	PreviousStatus string            `json:"previousStatus,omitempty"`
	NewStatus      string            `json:"newStatus,omitempty"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency,omitempty"`
	ActorID        string            `json:"actorId"`
	Timestamp      time.Time         `json:"timestamp"`
	Data           map[string]string `json:"data,omitempty"`
	PrevHash       string            `json:"prevHash"`
	Hash           string            `json:"hash"`
}

// sealed is the hashed view of an event. Field order is fixed by the
// struct and map keys are sorted by encoding/json, so the encoding is stable.
type sealed struct {
	Seq            int64             `json:"seq"`
	ID             string            `json:"id"`
	Type           EventType         `json:"type"`
	EscrowID       string            `json:"escrowId"`
	DisputeID      string            `json:"disputeId"`
	MilestoneID    string            `json:"milestoneId"`
	PreviousStatus string            `json:"previousStatus"`
	NewStatus      string            `json:"newStatus"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	ActorID        string            `json:"actorId"`
	Timestamp      string            `json:"timestamp"`
	Data           map[string]string `json:"data"`
}

// ComputeHash returns the chain hash of e given its PrevHash.
func (e *Event) ComputeHash() string {
	payload, _ := json.Marshal(sealed{
		Seq:            e.Seq,
		ID:             e.ID,
		Type:           e.Type,
		EscrowID:       e.EscrowID,
		DisputeID:      e.DisputeID,
		MilestoneID:    e.MilestoneID,
		PreviousStatus: e.PreviousStatus,
		NewStatus:      e.NewStatus,
		Amount:         e.Amount.String(),
		Currency:       e.Currency,
		ActorID:        e.ActorID,
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:           e.Data,
	})
	return crypto.Keccak256Hash(common.HexToHash(e.PrevHash).Bytes(), payload).Hex()
}

// normalize trims the event to what survives a database round trip.
func (e *Event) normalize() {
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	if len(e.Data) == 0 {
		e.Data = nil
	}
}

func (e *Event) clone() *Event {
	cp := *e
	if e.Data != nil {
		cp.Data = make(map[string]string, len(e.Data))
		for k, v := range e.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
