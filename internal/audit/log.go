package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/taskescrow/internal/idgen"
	"github.com/mbd888/taskescrow/internal/metrics"
)

// Publisher delivers sealed events to a downstream subscriber.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, e *Event) error
}

// Log appends events to the hash chain and hands them to a publisher.
type Log struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithPublisher attaches a downstream publisher (usually a Fanout).
func WithPublisher(p Publisher) Option {
	return func(l *Log) { l.publisher = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func NewLog(store Store, opts ...Option) *Log {
	l := &Log{store: store, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record seals e onto the chain and publishes it. A publish failure is
// logged but does not fail Record: the stored chain is the source of truth.
func (l *Log) Record(ctx context.Context, e Event) error {
	stored, err := l.store.Append(ctx, func(last *Event) (*Event, error) {
		next := e.clone()
		if next.ID == "" {
			next.ID = idgen.WithPrefix(idgen.PrefixEvent)
		}
		if next.Timestamp.IsZero() {
			next.Timestamp = l.now()
		}
		next.normalize()
		next.PrevHash = GenesisHash
		next.Seq = 1
		if last != nil {
			next.PrevHash = last.Hash
			next.Seq = last.Seq + 1
		}
		next.Hash = next.ComputeHash()
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("audit: append %s for %s: %w", e.Type, e.EscrowID, err)
	}
	metrics.AuditEventsTotal.WithLabelValues(string(stored.Type)).Inc()

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, stored); err != nil {
			metrics.AuditPublishFailuresTotal.WithLabelValues(l.publisher.Name()).Inc()
			l.logger.Warn("audit publish failed", "sink", l.publisher.Name(),
				"seq", stored.Seq, "type", stored.Type, "escrow_id", stored.EscrowID, "error", err)
		}
	}
	return nil
}

// Events returns the events recorded for one escrow, oldest first.
func (l *Log) Events(ctx context.Context, escrowID string) ([]*Event, error) {
	return l.store.List(ctx, Filter{EscrowID: escrowID})
}

// VerifyResult summarises a chain check.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Checked  int64  `json:"checked"`
	HeadHash string `json:"headHash"`
	// BrokenAt is the first Seq whose link or hash does not match.
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

const verifyPage = 500

// Verify walks the whole chain and recomputes every hash.
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	res := VerifyResult{Valid: true, HeadHash: GenesisHash}
	var after int64
	expectSeq := int64(1)

	for {
		page, err := l.store.List(ctx, Filter{AfterSeq: after, Limit: verifyPage})
		if err != nil {
			return res, fmt.Errorf("audit: verify: %w", err)
		}
		for _, e := range page {
			switch {
			case e.Seq != expectSeq:
				return broken(res, e.Seq, fmt.Sprintf("expected seq %d", expectSeq)), nil
			case e.PrevHash != res.HeadHash:
				return broken(res, e.Seq, "prev_hash does not link to previous event"), nil
			case e.ComputeHash() != e.Hash:
				return broken(res, e.Seq, "hash does not match contents"), nil
			}
			res.HeadHash = e.Hash
			res.Checked++
			expectSeq++
			after = e.Seq
		}
		if len(page) < verifyPage {
			return res, nil
		}
	}
}

func broken(res VerifyResult, seq int64, reason string) VerifyResult {
	res.Valid = false
	res.BrokenAt = seq
	res.Reason = reason
	return res
}
