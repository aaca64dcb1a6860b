package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newStoredEscrow(id, client, tasker string, amount int64, created time.Time) *Escrow {
	return &Escrow{
		ID:        id,
		TaskID:    "task_" + id,
		ClientID:  client,
		TaskerID:  tasker,
		Amount:    decimal.NewFromInt(amount),
		Currency:  "PHP",
		Status:    StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	e := newStoredEscrow("esc_1", "c", "t", 100, time.Now())
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, e); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict on duplicate create, got %v", err)
	}

	a, _ := store.Get(ctx, "esc_1")
	b, _ := store.Get(ctx, "esc_1")

	a.PaymentMethod = "pm_a"
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("First update failed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("Expected version 2 after update, got %d", a.Version)
	}

	b.PaymentMethod = "pm_b"
	if err := store.Update(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict on stale write, got %v", err)
	}

	got, _ := store.Get(ctx, "esc_1")
	if got.PaymentMethod != "pm_a" {
		t.Errorf("Stale write leaked: payment method %q", got.PaymentMethod)
	}

	missing := newStoredEscrow("esc_missing", "c", "t", 100, time.Now())
	if err := store.Update(ctx, missing); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("Expected ErrEscrowNotFound, got %v", err)
	}
}

func TestMemoryStore_CopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	e := newStoredEscrow("esc_1", "c", "t", 100, time.Now())
	e.Milestones = []Milestone{{ID: "m1", Amount: decimal.NewFromInt(100), Status: MilestonePending}}
	if err := store.Create(ctx, e); err != nil {
		t.Fatal(err)
	}

	e.Milestones[0].Status = MilestoneApproved
	got, _ := store.Get(ctx, "esc_1")
	if got.Milestones[0].Status != MilestonePending {
		t.Error("Mutating the created record changed the stored copy")
	}

	got.Milestones[0].Evidence = append(got.Milestones[0].Evidence, "x")
	got.Payouts = append(got.Payouts, Payout{Kind: PayoutCharge, Amount: decimal.NewFromInt(1)})
	again, _ := store.Get(ctx, "esc_1")
	if len(again.Milestones[0].Evidence) != 0 || len(again.Payouts) != 0 {
		t.Error("Mutating a read record changed the stored copy")
	}
}

func TestMemoryStore_SaveDispute(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	e := newStoredEscrow("esc_1", "c", "t", 100, time.Now())
	if err := store.Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	d := &Dispute{ID: "dsp_1", EscrowID: e.ID, Status: DisputeOpen, CreatedAt: time.Now()}
	e.DisputeID = d.ID
	if err := store.SaveDispute(ctx, e, d); err != nil {
		t.Fatalf("SaveDispute failed: %v", err)
	}
	if e.Version != 2 || d.Version != 1 {
		t.Errorf("Expected versions 2/1, got %d/%d", e.Version, d.Version)
	}

	dup := &Dispute{ID: "dsp_1", EscrowID: e.ID, Status: DisputeOpen}
	if err := store.SaveDispute(ctx, e, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict inserting a duplicate dispute, got %v", err)
	}

	stale, _ := store.GetDispute(ctx, "dsp_1")
	d.Status = DisputeUnderReview
	if err := store.SaveDispute(ctx, e, d); err != nil {
		t.Fatal(err)
	}
	stale.Status = DisputeResolved
	if err := store.SaveDispute(ctx, e, stale); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict on stale dispute, got %v", err)
	}

	if _, err := store.GetDispute(ctx, "dsp_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	active, err := store.ListDisputesByStatus(ctx, ActiveDisputeStatuses, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Status != DisputeUnderReview {
		t.Errorf("Expected the under_review dispute, got %+v", active)
	}
}

func TestMemoryStore_ListByUserLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"esc_a", "esc_b", "esc_c"} {
		if err := store.Create(ctx, newStoredEscrow(id, "alice", "bob", 100, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Create(ctx, newStoredEscrow("esc_other", "carol", "dave", 100, base)); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListByUser(ctx, "bob", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "esc_c" || got[1].ID != "esc_b" {
		t.Errorf("Expected [esc_c esc_b], got %v", ids(got))
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	add := func(id string, amount int64, currency string, status Status) {
		e := newStoredEscrow(id, "c", "t", amount, now)
		e.Currency = currency
		e.Status = status
		if err := store.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	add("e1", 100, "PHP", StatusFunded)
	add("e2", 300, "PHP", StatusInProgress)
	add("e3", 200, "PHP", StatusReleased)
	add("e4", 50, "USD", StatusDisputed)

	s, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Total != 4 || s.Active != 2 || s.Released != 1 || s.Disputed != 1 {
		t.Errorf("Unexpected counts: %+v", s)
	}
	if !s.Volume["PHP"].Equal(decimal.NewFromInt(600)) || !s.Average["PHP"].Equal(decimal.NewFromInt(200)) {
		t.Errorf("Unexpected PHP volume/average: %s / %s", s.Volume["PHP"], s.Average["PHP"])
	}
	if !s.Volume["USD"].Equal(decimal.NewFromInt(50)) {
		t.Errorf("Unexpected USD volume: %s", s.Volume["USD"])
	}
}

func ids(es []*Escrow) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
