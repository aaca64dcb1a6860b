package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// chainLockKey serializes appenders across processes.
const chainLockKey = 7234501

// PostgresStore persists the chain in the audit_events table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, seal SealFunc) (*Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("audit: lock chain: %w", err)
	}

	last, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events ORDER BY seq DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		last = nil
	} else if err != nil {
		return nil, fmt.Errorf("audit: read head: %w", err)
	}

	e, err := seal(last)
	if err != nil {
		return nil, err
	}

	var data []byte
	if len(e.Data) > 0 {
		data, _ = json.Marshal(e.Data)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (seq, id, type, escrow_id, dispute_id, milestone_id,
			previous_status, new_status, amount, currency, actor_id, data, occurred_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.Seq, e.ID, string(e.Type), e.EscrowID, e.DisputeID, e.MilestoneID,
		e.PreviousStatus, e.NewStatus, e.Amount.String(), e.Currency, e.ActorID,
		nullJSON(data), e.Timestamp, e.PrevHash, e.Hash)
	if err != nil {
		return nil, fmt.Errorf("audit: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: commit: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Event, error) {
	var (
		where = []string{"seq > $1"}
		args  = []interface{}{f.AfterSeq}
	)
	if f.EscrowID != "" {
		args = append(args, f.EscrowID)
		where = append(where, fmt.Sprintf("escrow_id = $%d", len(args)))
	}
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const eventColumns = `seq, id, type, escrow_id, dispute_id, milestone_id, previous_status, new_status,
	amount, currency, actor_id, data, occurred_at, prev_hash, hash`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		e      Event
		typ    string
		amount string
		data   []byte
	)
	err := row.Scan(&e.Seq, &e.ID, &typ, &e.EscrowID, &e.DisputeID, &e.MilestoneID,
		&e.PreviousStatus, &e.NewStatus, &amount, &e.Currency, &e.ActorID, &data,
		&e.Timestamp, &e.PrevHash, &e.Hash)
	if err != nil {
		return nil, err
	}
	e.Type = EventType(typ)
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("audit: event %d amount %q: %w", e.Seq, amount, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("audit: event %d data: %w", e.Seq, err)
		}
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ Store = (*PostgresStore)(nil)
