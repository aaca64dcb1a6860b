package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/audit"
	"github.com/mbd888/taskescrow/internal/gateway"
	"github.com/mbd888/taskescrow/internal/idgen"
	"github.com/mbd888/taskescrow/internal/logging"
	"github.com/mbd888/taskescrow/internal/metrics"
	"github.com/mbd888/taskescrow/internal/money"
	"github.com/mbd888/taskescrow/internal/syncutil"
	"github.com/mbd888/taskescrow/internal/traces"
)

// SystemActor is the actor id recorded for transitions nobody requested.
const SystemActor = "system"

// PaymentGateway moves money in and out of escrow. Satisfied by every
// gateway.Gateway implementation.
type PaymentGateway interface {
	ChargeClient(ctx context.Context, req gateway.ChargeRequest) (gateway.Receipt, error)
	PayTasker(ctx context.Context, req gateway.TransferRequest) (gateway.Receipt, error)
	RefundClient(ctx context.Context, req gateway.TransferRequest) (gateway.Receipt, error)
}

// Config is the effective engine configuration.
type Config struct {
	MinAmount       decimal.Decimal `json:"minAmount"`
	MaxAmount       decimal.Decimal `json:"maxAmount"`
	DefaultCurrency string          `json:"defaultCurrency"`
	Fees            FeeSchedule     `json:"fees"`
	DefaultTerms    Terms           `json:"defaultTerms"`
	GatewayTimeout  time.Duration   `json:"gatewayTimeout"`
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		MinAmount:       decimal.NewFromInt(10),
		MaxAmount:       decimal.NewFromInt(10000),
		DefaultCurrency: "PHP",
		Fees:            DefaultFeeSchedule(),
		DefaultTerms: Terms{
			AutoReleaseDays:     7,
			AllowPartialRelease: true,
			RequireMilestones:   false,
			DisputeDeadlineDays: 14,
			CancellationPolicy:  CancelModerate,
			RefundPolicy:        RefundPartial,
		},
		GatewayTimeout: 30 * time.Second,
	}
}

// Service implements the escrow state machine, milestone manager and
// dispute resolver on top of a Store and a PaymentGateway.
type Service struct {
	store     Store
	gateway   PaymentGateway
	locks     syncutil.Locker
	events    EventSink
	scheduler ReleaseScheduler
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLocker replaces the in-process per-escrow lock, e.g. with a RedisMutex.
func WithLocker(l syncutil.Locker) Option {
	return func(s *Service) { s.locks = l }
}

func WithEvents(sink EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// WithScheduler enables auto-release. Without it escrows are only released
// by the client or a dispute resolution.
func WithScheduler(rs ReleaseScheduler) Option {
	return func(s *Service) { s.scheduler = rs }
}

func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new escrow service.
func NewService(store Store, gw PaymentGateway, opts ...Option) *Service {
	s := &Service{
		store:   store,
		gateway: gw,
		locks:   syncutil.NewKeyedMutex(),
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.GatewayTimeout <= 0 {
		s.cfg.GatewayTimeout = DefaultConfig().GatewayTimeout
	}
	return s
}

// Defaults returns the effective engine configuration.
func (s *Service) Defaults() Config {
	return s.cfg
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	TaskID        string             `json:"taskId" binding:"required"`
	ClientID      string             `json:"clientId"`
	TaskerID      string             `json:"taskerId" binding:"required"`
	Amount        string             `json:"amount" binding:"required"`
	Currency      string             `json:"currency"`
	PaymentMethod string             `json:"paymentMethod"`
	Terms         *TermsRequest      `json:"terms,omitempty"`
	Milestones    []MilestoneRequest `json:"milestones,omitempty"`
}

// TermsRequest overrides the configured default terms. Nil fields keep
// the default.
type TermsRequest struct {
	AutoReleaseDays     *int               `json:"autoReleaseDays,omitempty"`
	AllowPartialRelease *bool              `json:"allowPartialRelease,omitempty"`
	RequireMilestones   *bool              `json:"requireMilestones,omitempty"`
	DisputeDeadlineDays *int               `json:"disputeDeadlineDays,omitempty"`
	CancellationPolicy  CancellationPolicy `json:"cancellationPolicy,omitempty"`
	RefundPolicy        RefundPolicy       `json:"refundPolicy,omitempty"`
}

// MilestoneRequest describes one milestone supplied at creation.
type MilestoneRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Amount      string     `json:"amount"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// Create validates the request, computes fees and stores a pending escrow.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.ActorID(req.ClientID))
	defer func() { traces.RecordError(span, err); span.End() }()

	req.TaskID = strings.TrimSpace(req.TaskID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.TaskerID = strings.TrimSpace(req.TaskerID)
	switch {
	case req.TaskID == "":
		return nil, invalid("taskId is required")
	case req.ClientID == "" || req.TaskerID == "":
		return nil, invalid("clientId and taskerId are required")
	case req.ClientID == req.TaskerID:
		return nil, invalid("client and tasker cannot be the same user")
	}

	code := req.Currency
	if code == "" {
		code = s.cfg.DefaultCurrency
	}
	currency, err := money.NormalizeCurrency(code)
	if err != nil {
		return nil, invalid("%v", err)
	}

	amount, err := money.Parse(req.Amount, currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if amount.LessThan(s.cfg.MinAmount) || amount.GreaterThan(s.cfg.MaxAmount) {
		return nil, fmt.Errorf("%w: %s must be between %s and %s", ErrInvalidAmount,
			amount, s.cfg.MinAmount, s.cfg.MaxAmount)
	}

	terms, err := s.resolveTerms(req.Terms)
	if err != nil {
		return nil, err
	}

	now := s.now()
	e := &Escrow{
		ID:            idgen.Escrow(),
		TaskID:        req.TaskID,
		ClientID:      req.ClientID,
		TaskerID:      req.TaskerID,
		Amount:        amount,
		Currency:      currency,
		PaymentMethod: req.PaymentMethod,
		Status:        StatusPending,
		Fees:          CalculateFees(amount, currency, s.cfg.Fees),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	switch {
	case len(req.Milestones) > 0:
		ms, err := buildMilestones(req.Milestones, amount, currency, now)
		if err != nil {
			return nil, err
		}
		e.Milestones = ms
		terms.RequireMilestones = true
	case terms.RequireMilestones:
		e.Milestones = defaultMilestones(amount, currency, now)
	}
	e.Terms = terms

	if err := s.checkShape(ctx, e); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowCreatedTotal.Inc()
	logging.WithEscrow(ctx, e.ID).Info("escrow created",
		"amount", money.Format(amount, currency), "currency", currency, "milestones", len(e.Milestones))
	s.record(ctx, newEvent(audit.EscrowCreated, e, "", e.ClientID))
	return e, nil
}

func (s *Service) resolveTerms(req *TermsRequest) (Terms, error) {
	t := s.cfg.DefaultTerms
	if req != nil {
		if req.AutoReleaseDays != nil {
			t.AutoReleaseDays = *req.AutoReleaseDays
		}
		if req.AllowPartialRelease != nil {
			t.AllowPartialRelease = *req.AllowPartialRelease
		}
		if req.RequireMilestones != nil {
			t.RequireMilestones = *req.RequireMilestones
		}
		if req.DisputeDeadlineDays != nil {
			t.DisputeDeadlineDays = *req.DisputeDeadlineDays
		}
		if req.CancellationPolicy != "" {
			t.CancellationPolicy = req.CancellationPolicy
		}
		if req.RefundPolicy != "" {
			t.RefundPolicy = req.RefundPolicy
		}
	}

	if t.AutoReleaseDays < 1 || t.AutoReleaseDays > 365 {
		return Terms{}, invalid("autoReleaseDays must be between 1 and 365")
	}
	if t.DisputeDeadlineDays < 1 || t.DisputeDeadlineDays > 365 {
		return Terms{}, invalid("disputeDeadlineDays must be between 1 and 365")
	}
	switch t.CancellationPolicy {
	case CancelFlexible, CancelModerate, CancelStrict:
	default:
		return Terms{}, invalid("unknown cancellation policy %q", t.CancellationPolicy)
	}
	switch t.RefundPolicy {
	case RefundFull, RefundPartial, RefundNone:
	default:
		return Terms{}, invalid("unknown refund policy %q", t.RefundPolicy)
	}
	return t, nil
}

// Fund charges the client amount + fees and moves the escrow to funded.
// A gateway failure leaves the escrow pending; the caller may retry.
func (s *Service) Fund(ctx context.Context, id, clientID, paymentMethod string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.EscrowID(id), traces.ActorID(clientID))
	defer func() { traces.RecordError(span, err); span.End() }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if clientID != e.ClientID {
		return nil, ErrUnauthorized
	}
	if err := checkOperation(e, OpFund); err != nil {
		return nil, err
	}
	if paymentMethod != "" {
		e.PaymentMethod = paymentMethod
	}

	charge := e.Amount.Add(e.Fees.Total)
	p, err := s.move(ctx, e, movement{kind: PayoutCharge, amount: charge, key: idempotencyKey(e.ID, "charge")})
	if err != nil {
		return nil, err
	}

	prev := e.Status
	e.FundingTxID = p.ExternalTxID
	if err := transition(e, StatusFunded, s.now()); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, e); err != nil {
		return nil, err
	}

	s.transitioned(prev, e)
	ev := newEvent(audit.EscrowFunded, e, prev, clientID)
	ev.Data["charged"] = money.Format(charge, e.Currency)
	ev.Data["externalTxId"] = p.ExternalTxID
	s.record(ctx, ev)
	return e, nil
}

// StartWork moves a funded escrow to in_progress and arms auto-release.
func (s *Service) StartWork(ctx context.Context, id, taskerID string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.StartWork", traces.EscrowID(id), traces.ActorID(taskerID))
	defer func() { traces.RecordError(span, err); span.End() }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if taskerID != e.TaskerID {
		return nil, ErrUnauthorized
	}
	if err := checkOperation(e, OpStartWork); err != nil {
		return nil, err
	}

	prev := e.Status
	now := s.now()
	if err := transition(e, StatusInProgress, now); err != nil {
		return nil, err
	}
	releaseAt := now.Add(time.Duration(e.Terms.AutoReleaseDays) * 24 * time.Hour)
	e.AutoReleaseAt = &releaseAt

	// Arm before saving: a timer for an escrow that never left funded
	// fires into a no-op, a saved escrow without a timer is never paid.
	if s.scheduler != nil {
		if err := s.scheduler.Schedule(ctx, e.ID, releaseAt); err != nil {
			return nil, fmt.Errorf("failed to schedule auto-release: %w", err)
		}
	}
	if err := s.save(ctx, e); err != nil {
		s.cancelAutoRelease(ctx, e.ID)
		return nil, err
	}

	s.transitioned(prev, e)
	ev := newEvent(audit.WorkStarted, e, prev, taskerID)
	ev.Data["autoReleaseAt"] = releaseAt.UTC().Format(time.RFC3339)
	s.record(ctx, ev)
	return e, nil
}

// CompleteTask marks the work done; the client may then release payment.
func (s *Service) CompleteTask(ctx context.Context, id, taskerID string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CompleteTask", traces.EscrowID(id), traces.ActorID(taskerID))
	defer func() { traces.RecordError(span, err); span.End() }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if taskerID != e.TaskerID {
		return nil, ErrUnauthorized
	}
	if err := checkOperation(e, OpCompleteTask); err != nil {
		return nil, err
	}

	prev := e.Status
	if err := transition(e, StatusCompleted, s.now()); err != nil {
		return nil, err
	}
	if err := s.save(ctx, e); err != nil {
		return nil, err
	}
	s.cancelAutoRelease(ctx, e.ID)

	s.transitioned(prev, e)
	s.record(ctx, newEvent(audit.TaskCompleted, e, prev, taskerID))
	return e, nil
}

// ReleasePayment pays the undisbursed remainder to the tasker. A gateway
// failure leaves the escrow completed; the caller may retry.
func (s *Service) ReleasePayment(ctx context.Context, id, clientID string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleasePayment", traces.EscrowID(id), traces.ActorID(clientID))
	defer func() { traces.RecordError(span, err); span.End() }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if clientID != e.ClientID {
		return nil, ErrUnauthorized
	}
	if err := checkOperation(e, OpRelease); err != nil {
		return nil, err
	}

	paid, err := s.releaseRemainder(ctx, e, ReleaseByClient)
	if err != nil {
		return nil, err
	}
	s.cancelAutoRelease(ctx, e.ID)

	ev := newEvent(audit.EscrowReleased, e, StatusCompleted, clientID)
	ev.Amount = paid
	s.record(ctx, ev)
	return e, nil
}

// AutoRelease is the scheduler handler for an escrow's release deadline.
// It re-reads the escrow under its lock and is a no-op unless the escrow is
// still in_progress, so racing a manual release or a dispute is harmless
// and firing twice pays once.
func (s *Service) AutoRelease(ctx context.Context, id string) (err error) {
	ctx = logging.WithLogger(ctx, s.logger)
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.EscrowID(id))
	defer func() { traces.RecordError(span, err); span.End() }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	log := logging.WithEscrow(ctx, id)
	e, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		log.Warn("auto-release fired for unknown escrow")
		return nil
	}
	if err != nil {
		return err
	}
	if checkOperation(e, OpAutoRelease) != nil {
		log.Debug("auto-release skipped", "status", e.Status)
		return nil
	}

	paid, err := s.releaseRemainder(ctx, e, ReleaseAutoDeadline)
	if err != nil {
		log.Error("auto-release failed", "error", err)
		return err
	}

	log.Info("escrow auto-released", "paid", money.Format(paid, e.Currency))
	ev := newEvent(audit.EscrowAutoReleased, e, StatusInProgress, SystemActor)
	ev.Amount = paid
	ev.Data["reason"] = string(ReleaseAutoDeadline)
	s.record(ctx, ev)
	return nil
}

// releaseRemainder pays whatever the tasker is still owed and moves e to
// released. Caller holds the escrow lock.
func (s *Service) releaseRemainder(ctx context.Context, e *Escrow, reason ReleaseReason) (decimal.Decimal, error) {
	remaining := e.Remaining()
	if _, err := s.move(ctx, e, movement{
		kind:   PayoutTasker,
		amount: remaining,
		key:    idempotencyKey(e.ID, "release"),
	}); err != nil {
		return decimal.Zero, err
	}

	prev := e.Status
	if err := transition(e, StatusReleased, s.now()); err != nil {
		return decimal.Zero, err
	}
	e.ReleaseReason = reason
	if err := s.commit(ctx, e); err != nil {
		return decimal.Zero, err
	}
	s.transitioned(prev, e)
	metrics.EscrowReleasedTotal.WithLabelValues(string(reason)).Inc()
	return remaining, nil
}

// Cancel backs out of an escrow. A pending escrow is cancelled by either
// party. A funded escrow is refunded to the client, fees included per the
// refund policy, if the cancellation policy allows the actor to do so.
func (s *Service) Cancel(ctx context.Context, id, actorID, reason string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.EscrowID(id), traces.ActorID(actorID))
	defer func() { traces.RecordError(span, err); span.End() }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actorID) {
		return nil, ErrUnauthorized
	}
	if err := checkOperation(e, OpCancel); err != nil {
		return nil, err
	}

	prev := e.Status
	e.CancellationReason = reason

	if e.Status == StatusPending {
		if err := transition(e, StatusCancelled, s.now()); err != nil {
			return nil, err
		}
		if err := s.save(ctx, e); err != nil {
			return nil, err
		}
		s.transitioned(prev, e)
		metrics.EscrowCancelledTotal.Inc()
		ev := newEvent(audit.EscrowCancelled, e, prev, actorID)
		ev.Data["reason"] = reason
		s.record(ctx, ev)
		return e, nil
	}

	if !mayCancelFunded(e, actorID) {
		return nil, fmt.Errorf("%w: %s cancellation policy does not allow this party to cancel",
			ErrUnauthorized, e.Terms.CancellationPolicy)
	}

	// A retry finds the principal already recorded under its key.
	principal := e.Remaining().Add(e.PaidTo(PayoutClientRefund))
	fees := refundableFees(e.Fees, e.Terms.RefundPolicy)

	// Each refund is committed on its own; a funded escrow carrying a
	// recorded refund accepts nothing but a retried Cancel.
	for _, m := range []movement{
		{kind: PayoutClientRefund, amount: principal, key: idempotencyKey(e.ID, "refund")},
		{kind: PayoutFeeRefund, amount: fees, key: idempotencyKey(e.ID, "refund", "fees")},
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

	if err := transition(e, StatusRefunded, s.now()); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, e); err != nil {
		return nil, err
	}

	s.transitioned(prev, e)
	metrics.EscrowRefundedTotal.Inc()
	ev := newEvent(audit.EscrowRefunded, e, prev, actorID)
	ev.Amount = principal
	ev.Data["reason"] = reason
	ev.Data["feesRefunded"] = money.Format(fees, e.Currency)
	s.record(ctx, ev)
	return e, nil
}

func mayCancelFunded(e *Escrow, actorID string) bool {
	switch e.Terms.CancellationPolicy {
	case CancelFlexible:
		return e.IsParty(actorID)
	case CancelModerate:
		return actorID == e.ClientID
	case CancelStrict:
		return actorID == e.TaskerID
	}
	return false
}

// Get returns an escrow with its dispute, if any, attached.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ListByUser returns escrows where userID is the client or the tasker,
// newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Stats summarises all escrows.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) hydrate(ctx context.Context, e *Escrow) error {
	if e.DisputeID == "" {
		return nil
	}
	d, err := s.store.GetDispute(ctx, e.DisputeID)
	if err != nil {
		return fmt.Errorf("load dispute %s for escrow %s: %w", e.DisputeID, e.ID, err)
	}
	e.Dispute = d
	return nil
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lock escrow %s: %w", id, err)
	}
	return unlock, nil
}

func (s *Service) checkShape(ctx context.Context, e *Escrow) error {
	if err := e.checkShape(); err != nil {
		return s.violated(ctx, e.ID, err)
	}
	return nil
}

// violated counts and logs an invariant violation. The operation must stop.
func (s *Service) violated(ctx context.Context, escrowID string, err error) error {
	metrics.InvariantViolationsTotal.Inc()
	logging.WithEscrow(ctx, escrowID).Error("CRITICAL: invariant violation", "error", err)
	return err
}

// save validates and writes e. Use it when no funds moved.
func (s *Service) save(ctx context.Context, e *Escrow) error {
	if err := s.checkShape(ctx, e); err != nil {
		return err
	}
	return s.store.Update(ctx, e)
}

// commit writes e after funds moved. The write is retried once because a
// lost record here means money left without the ledger knowing.
func (s *Service) commit(ctx context.Context, e *Escrow) error {
	err := s.save(ctx, e)
	if err == nil || errors.Is(err, ErrInvariantViolation) {
		return err
	}
	if retryErr := s.save(ctx, e); retryErr != nil {
		logging.WithEscrow(ctx, e.ID).Error("CRITICAL: funds moved but escrow update failed",
			"status", e.Status, "payouts", len(e.Payouts), "error", retryErr)
		return fmt.Errorf("failed to update escrow after fund movement (requires manual resolution): %w", err)
	}
	return nil
}

func (s *Service) cancelAutoRelease(ctx context.Context, id string) {
	if s.scheduler == nil {
		return
	}
	// A timer left behind fires into a status check and no-ops.
	if err := s.scheduler.Cancel(ctx, id); err != nil {
		logging.WithEscrow(ctx, id).Warn("failed to cancel auto-release", "error", err)
	}
}

func (s *Service) transitioned(prev Status, e *Escrow) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(prev), string(e.Status)).Inc()
	if e.IsTerminal() && e.FundedAt != nil {
		metrics.EscrowDuration.Observe(e.UpdatedAt.Sub(*e.FundedAt).Seconds())
	}
}

func newEvent(t audit.EventType, e *Escrow, prev Status, actorID string) audit.Event {
	return audit.Event{
		Type:           t,
		EscrowID:       e.ID,
		DisputeID:      e.DisputeID,
		PreviousStatus: string(prev),
		NewStatus:      string(e.Status),
		Amount:         e.Amount,
		Currency:       e.Currency,
		ActorID:        actorID,
		Data: map[string]string{
			"clientId": e.ClientID,
			"taskerId": e.TaskerID,
		},
	}
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if s.events == nil {
		return
	}
	ev.Timestamp = s.now()
	if err := s.events.Record(ctx, ev); err != nil {
		logging.WithEscrow(ctx, ev.EscrowID).Error("failed to record audit event", "type", ev.Type, "error", err)
	}
}

func idempotencyKey(escrowID string, parts ...string) string {
	return escrowID + ":" + strings.Join(parts, ":")
}
