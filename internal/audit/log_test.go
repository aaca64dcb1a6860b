package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) Publish(_ context.Context, e *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) snapshot() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Event(nil), p.events...)
}

func funded(escrowID string) Event {
	return Event{
		Type:           EscrowFunded,
		EscrowID:       escrowID,
		PreviousStatus: "pending",
		NewStatus:      "funded",
		Amount:         decimal.NewFromInt(1000),
		Currency:       "PHP",
		ActorID:        "client_1",
	}
}

func TestLog_ChainsEvents(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	l := NewLog(store, WithPublisher(pub))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Record(ctx, funded("esc_1")); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	events, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].PrevHash != GenesisHash {
		t.Errorf("first event should link to genesis, got %s", events[0].PrevHash)
	}
	for i := 1; i < len(events); i++ {
		if events[i].PrevHash != events[i-1].Hash {
			t.Errorf("event %d not linked to %d", events[i].Seq, events[i-1].Seq)
		}
		if events[i].Seq != events[i-1].Seq+1 {
			t.Errorf("seq gap at %d", events[i].Seq)
		}
	}
	if got := len(pub.snapshot()); got != 3 {
		t.Errorf("expected 3 published events, got %d", got)
	}

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 3 || res.HeadHash != events[2].Hash {
		t.Errorf("unexpected verify result %+v", res)
	}
}

func TestLog_VerifyDetectsTampering(t *testing.T) {
	store := NewMemoryStore()
	l := NewLog(store)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = l.Record(ctx, funded("esc_1"))
	}

	store.Tamper(2, func(e *Event) { e.Amount = decimal.NewFromInt(1) })

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("expected tampered chain to fail verification")
	}
	if res.BrokenAt != 2 {
		t.Errorf("BrokenAt = %d, want 2", res.BrokenAt)
	}
}

func TestLog_VerifyDetectsRewrittenHash(t *testing.T) {
	store := NewMemoryStore()
	l := NewLog(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = l.Record(ctx, funded("esc_1"))
	}
	// Re-sealing an edited event still breaks the next link.
	store.Tamper(2, func(e *Event) {
		e.ActorID = "mallory"
		e.Hash = e.ComputeHash()
	})

	res, _ := l.Verify(ctx)
	if res.Valid || res.BrokenAt != 3 {
		t.Errorf("expected break at seq 3, got %+v", res)
	}
}

func TestLog_PublishFailureDoesNotFailRecord(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	l := NewLog(NewMemoryStore(), WithPublisher(pub))

	if err := l.Record(context.Background(), funded("esc_1")); err != nil {
		t.Fatalf("Record should succeed when publishing fails: %v", err)
	}
}

func TestLog_EventsFiltersByEscrow(t *testing.T) {
	l := NewLog(NewMemoryStore())
	ctx := context.Background()
	_ = l.Record(ctx, funded("esc_1"))
	_ = l.Record(ctx, funded("esc_2"))
	_ = l.Record(ctx, funded("esc_1"))

	events, err := l.Events(ctx, "esc_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for esc_1, got %d", len(events))
	}
}

func TestLog_ConcurrentRecordsStayLinear(t *testing.T) {
	store := NewMemoryStore()
	l := NewLog(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Record(ctx, funded("esc_1"))
		}()
	}
	wg.Wait()

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 50 {
		t.Errorf("unexpected verify result %+v", res)
	}
}

func TestEvent_TimestampNormalized(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.FixedZone("PHT", 8*3600))
	l := NewLog(NewMemoryStore(), WithClock(func() time.Time { return ts }))
	_ = l.Record(context.Background(), funded("esc_1"))

	events, _ := l.Events(context.Background(), "esc_1")
	got := events[0].Timestamp
	if got.Location() != time.UTC || got.Nanosecond() != 123456000 {
		t.Errorf("timestamp not normalized: %v", got)
	}
}
