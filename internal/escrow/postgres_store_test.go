//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/gateway"
	"github.com/mbd888/taskescrow/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgresEscrow_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	e := newStoredEscrow("esc_pg1", "client_pg", "tasker_pg", 1000, now)
	e.Fees = Fees{Platform: decimal.NewFromInt(50), Processing: decimal.RequireFromString("29"), Total: decimal.NewFromInt(79)}
	e.Terms = DefaultConfig().DefaultTerms
	e.Milestones = []Milestone{
		{ID: "ms_1", Title: "Milestone 1", Amount: decimal.NewFromInt(400), Status: MilestonePending, DueDate: now},
		{ID: "ms_2", Title: "Milestone 2", Amount: decimal.NewFromInt(600), Status: MilestonePending, DueDate: now},
	}

	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, e); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict on duplicate id, got %v", err)
	}

	got, err := store.Get(ctx, "esc_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ClientID != "client_pg" || got.Status != StatusPending || got.Version != 1 {
		t.Errorf("Unexpected escrow: %+v", got)
	}
	if !got.Amount.Equal(decimal.NewFromInt(1000)) || !got.Fees.Total.Equal(decimal.NewFromInt(79)) {
		t.Errorf("Amounts did not round-trip: %s / %s", got.Amount, got.Fees.Total)
	}
	if len(got.Milestones) != 2 || got.Milestones[1].ID != "ms_2" {
		t.Errorf("Milestones did not round-trip: %+v", got.Milestones)
	}
	if got.Terms != e.Terms {
		t.Errorf("Terms did not round-trip: %+v", got.Terms)
	}

	if _, err := store.Get(ctx, "esc_missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("Expected ErrEscrowNotFound, got %v", err)
	}
}

func TestPostgresEscrow_OptimisticUpdate(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := store.Create(ctx, newStoredEscrow("esc_pg2", "c", "t", 100, time.Now())); err != nil {
		t.Fatal(err)
	}

	a, _ := store.Get(ctx, "esc_pg2")
	b, _ := store.Get(ctx, "esc_pg2")

	a.PaymentMethod = "pm_a"
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	b.PaymentMethod = "pm_b"
	if err := store.Update(ctx, b); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}

	got, _ := store.Get(ctx, "esc_pg2")
	if got.PaymentMethod != "pm_a" || got.Version != 2 {
		t.Errorf("Expected pm_a at version 2, got %s at %d", got.PaymentMethod, got.Version)
	}
}

func TestPostgresEscrow_FullDisputeFlow(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	gw := gateway.NewMemory()
	svc := NewService(store, gw, WithLogger(quietLogger()))

	e, err := svc.Create(ctx, CreateRequest{
		TaskID: "task_pg", ClientID: testClient, TaskerID: testTasker, Amount: "1000", Currency: "PHP",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Fund(ctx, e.ID, testClient, "pm_card_visa"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	if _, err := svc.StartWork(ctx, e.ID, testTasker); err != nil {
		t.Fatalf("StartWork failed: %v", err)
	}
	d, err := svc.CreateDispute(ctx, e.ID, DisputeRequest{
		InitiatedBy: testClient, Reason: ReasonQuality, Description: "incomplete",
		Evidence: []EvidenceRequest{{Type: EvidenceImage, URL: "https://example.com/a.jpg"}},
	})
	if err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}

	active, err := svc.ActiveDisputes(ctx, 10)
	if err != nil || len(active) != 1 || active[0].ID != d.ID {
		t.Fatalf("Expected one active dispute, got %v (%v)", active, err)
	}

	e, err = svc.ResolveDispute(ctx, d.ID, ResolutionRequest{
		Type: ResolutionSplit, AmountToClient: "300", AmountToTasker: "700", Reason: "half done",
	}, testArbiter)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}

	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusReleased || got.Dispute == nil || got.Dispute.Resolution == nil {
		t.Fatalf("Expected released escrow with resolution, got %+v", got)
	}
	if !got.Disbursed().Equal(got.Amount) {
		t.Errorf("Disbursed %s, amount %s", got.Disbursed(), got.Amount)
	}
	if len(got.Dispute.Evidence) != 1 {
		t.Errorf("Expected evidence to round-trip, got %+v", got.Dispute.Evidence)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Released != 1 || !stats.Volume["PHP"].Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	list, err := svc.ListByUser(ctx, testTasker, 10)
	if err != nil || len(list) != 1 {
		t.Errorf("Expected one escrow for tasker, got %d (%v)", len(list), err)
	}
}
