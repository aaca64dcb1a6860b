package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type escrowJSON struct {
	fees, terms, milestones, payouts []byte
}

func marshalEscrow(e *Escrow) (escrowJSON, error) {
	var out escrowJSON
	var err error
	if out.fees, err = json.Marshal(e.Fees); err != nil {
		return out, err
	}
	if out.terms, err = json.Marshal(e.Terms); err != nil {
		return out, err
	}
	milestones := e.Milestones
	if milestones == nil {
		milestones = []Milestone{}
	}
	if out.milestones, err = json.Marshal(milestones); err != nil {
		return out, err
	}
	payouts := e.Payouts
	if payouts == nil {
		payouts = []Payout{}
	}
	out.payouts, err = json.Marshal(payouts)
	return out, err
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	j, err := marshalEscrow(e)
	if err != nil {
		return fmt.Errorf("encode escrow %s: %w", e.ID, err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, task_id, client_id, tasker_id, amount, currency, payment_method,
			status, fees, terms, milestones, payouts,
			funding_tx_id, auto_release_at, release_reason, cancellation_reason, dispute_id,
			created_at, updated_at, funded_at, started_at, completed_at,
			released_at, refunded_at, cancelled_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22,
			$23, $24, $25, 1
		)`,
		e.ID, e.TaskID, e.ClientID, e.TaskerID, e.Amount, e.Currency, e.PaymentMethod,
		string(e.Status), j.fees, j.terms, j.milestones, j.payouts,
		e.FundingTxID, nullTime(e.AutoReleaseAt), string(e.ReleaseReason), e.CancellationReason, e.DisputeID,
		e.CreatedAt, e.UpdatedAt, nullTime(e.FundedAt), nullTime(e.StartedAt), nullTime(e.CompletedAt),
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), nullTime(e.CancelledAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: escrow %s already exists", ErrConflict, e.ID)
		}
		return err
	}
	e.Version = 1
	return nil
}

const escrowColumns = `id, task_id, client_id, tasker_id, amount, currency, payment_method,
		       status, fees, terms, milestones, payouts,
		       funding_tx_id, auto_release_at, release_reason, cancellation_reason, dispute_id,
		       created_at, updated_at, funded_at, started_at, completed_at,
		       released_at, refunded_at, cancelled_at, version`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	if err := updateEscrow(ctx, p.db, e); err != nil {
		return err
	}
	e.Version++
	return nil
}

// updateEscrow writes e if the stored version still equals e.Version.
// The caller bumps e.Version once the surrounding transaction commits.
func updateEscrow(ctx context.Context, db execer, e *Escrow) error {
	j, err := marshalEscrow(e)
	if err != nil {
		return fmt.Errorf("encode escrow %s: %w", e.ID, err)
	}
	result, err := db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, payment_method = $2, milestones = $3, payouts = $4,
			funding_tx_id = $5, auto_release_at = $6, release_reason = $7,
			cancellation_reason = $8, dispute_id = $9, updated_at = $10,
			funded_at = $11, started_at = $12, completed_at = $13,
			released_at = $14, refunded_at = $15, cancelled_at = $16,
			version = version + 1
		WHERE id = $17 AND version = $18`,
		string(e.Status), e.PaymentMethod, j.milestones, j.payouts,
		e.FundingTxID, nullTime(e.AutoReleaseAt), string(e.ReleaseReason),
		e.CancellationReason, e.DisputeID, e.UpdatedAt,
		nullTime(e.FundedAt), nullTime(e.StartedAt), nullTime(e.CompletedAt),
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), nullTime(e.CancelledAt),
		e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return staleOrMissing(ctx, db, "escrows", e.ID, e.Version, ErrEscrowNotFound)
	}
	return nil
}

// staleOrMissing tells a version conflict apart from a missing row after an
// UPDATE touched nothing.
func staleOrMissing(ctx context.Context, db execer, table, id string, version int64, notFound error) error {
	var current int64
	err := db.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %s is at version %d, write was based on %d", ErrConflict, table, id, current, version)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE client_id = $1 OR tasker_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SaveDispute(ctx context.Context, e *Escrow, d *Dispute) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateEscrow(ctx, tx, e); err != nil {
		return err
	}

	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("encode dispute %s evidence: %w", d.ID, err)
	}
	if d.Evidence == nil {
		evidence = []byte("[]")
	}
	var resolution []byte
	if d.Resolution != nil {
		if resolution, err = json.Marshal(d.Resolution); err != nil {
			return fmt.Errorf("encode dispute %s resolution: %w", d.ID, err)
		}
	}

	if d.Version == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO disputes (
				id, escrow_id, initiated_by, reason, description, evidence,
				status, reviewed_by, resolution, deadline,
				created_at, updated_at, closed_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`,
			d.ID, d.EscrowID, d.InitiatedBy, string(d.Reason), d.Description, evidence,
			string(d.Status), d.ReviewedBy, nullJSON(resolution), d.Deadline,
			d.CreatedAt, d.UpdatedAt, nullTime(d.ClosedAt),
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("%w: escrow %s already has a dispute", ErrConflict, d.EscrowID)
			}
			return err
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE disputes SET
				evidence = $1, status = $2, reviewed_by = $3, resolution = $4,
				updated_at = $5, closed_at = $6, version = version + 1
			WHERE id = $7 AND version = $8`,
			evidence, string(d.Status), d.ReviewedBy, nullJSON(resolution),
			d.UpdatedAt, nullTime(d.ClosedAt), d.ID, d.Version,
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return staleOrMissing(ctx, tx, "disputes", d.ID, d.Version, ErrDisputeNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	e.Version++
	d.Version++
	return nil
}

const disputeColumns = `id, escrow_id, initiated_by, reason, description, evidence,
		       status, reviewed_by, resolution, deadline,
		       created_at, updated_at, closed_at, version`

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputesByStatus(ctx context.Context, statuses []DisputeStatus, limit int) ([]*Dispute, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2`, pq.Array(names), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, currency, COUNT(*), COALESCE(SUM(amount), 0)
		FROM escrows
		GROUP BY status, currency`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	acc := newStatsAccumulator()
	for rows.Next() {
		var (
			status, currency string
			count            int
			sum              decimal.Decimal
		)
		if err := rows.Scan(&status, &currency, &count, &sum); err != nil {
			return nil, err
		}
		acc.add(Status(status), currency, sum, count)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return acc.finish(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status, releaseReason                         string
		fees, terms, milestones, payouts              []byte
		autoReleaseAt, fundedAt, startedAt            sql.NullTime
		completedAt, releasedAt, refundedAt, cancelAt sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.TaskID, &e.ClientID, &e.TaskerID, &e.Amount, &e.Currency, &e.PaymentMethod,
		&status, &fees, &terms, &milestones, &payouts,
		&e.FundingTxID, &autoReleaseAt, &releaseReason, &e.CancellationReason, &e.DisputeID,
		&e.CreatedAt, &e.UpdatedAt, &fundedAt, &startedAt, &completedAt,
		&releasedAt, &refundedAt, &cancelAt, &e.Version,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.ReleaseReason = ReleaseReason(releaseReason)
	if err := json.Unmarshal(fees, &e.Fees); err != nil {
		return nil, fmt.Errorf("decode escrow %s fees: %w", e.ID, err)
	}
	if err := json.Unmarshal(terms, &e.Terms); err != nil {
		return nil, fmt.Errorf("decode escrow %s terms: %w", e.ID, err)
	}
	if err := json.Unmarshal(milestones, &e.Milestones); err != nil {
		return nil, fmt.Errorf("decode escrow %s milestones: %w", e.ID, err)
	}
	if err := json.Unmarshal(payouts, &e.Payouts); err != nil {
		return nil, fmt.Errorf("decode escrow %s payouts: %w", e.ID, err)
	}
	if len(e.Milestones) == 0 {
		e.Milestones = nil
	}
	if len(e.Payouts) == 0 {
		e.Payouts = nil
	}

	e.AutoReleaseAt = timePtr(autoReleaseAt)
	e.FundedAt = timePtr(fundedAt)
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	e.CancelledAt = timePtr(cancelAt)
	return e, nil
}

func scanDispute(row scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		reason, status       string
		evidence, resolution []byte
		closedAt             sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.EscrowID, &d.InitiatedBy, &reason, &d.Description, &evidence,
		&status, &d.ReviewedBy, &resolution, &d.Deadline,
		&d.CreatedAt, &d.UpdatedAt, &closedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}
	d.Reason = DisputeReason(reason)
	d.Status = DisputeStatus(status)
	if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
		return nil, fmt.Errorf("decode dispute %s evidence: %w", d.ID, err)
	}
	if len(resolution) > 0 {
		d.Resolution = &Resolution{}
		if err := json.Unmarshal(resolution, d.Resolution); err != nil {
			return nil, fmt.Errorf("decode dispute %s resolution: %w", d.ID, err)
		}
	}
	d.ClosedAt = timePtr(closedAt)
	return d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

var _ Store = (*PostgresStore)(nil)
