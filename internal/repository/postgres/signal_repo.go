package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const signalColumns = `id, owner_id, approval_id, payload, state, created_at, approved_at, armed_at`

// SignalRepo implements SignalRepository using PostgreSQL.
type SignalRepo struct{ db *DB }

// NewSignalRepo constructs a signal repository.
func NewSignalRepo(db *DB) *SignalRepo { return &SignalRepo{db: db} }

// Create inserts a NEW signal.
func (r *SignalRepo) Create(ctx context.Context, s *model.Signal) error {
	const q = `
INSERT INTO signals (id, owner_id, payload, state)
VALUES ($1, $2, $3, 'NEW')
RETURNING created_at`
	if err := r.db.Pool.QueryRow(ctx, q, s.ID, s.OwnerID, []byte(s.Payload)).Scan(&s.CreatedAt); err != nil {
		if isForeignKeyViolation(err) {
			return errs.ErrNotFound
		}
		return err
	}
	s.State = model.SignalNew
	return nil
}

// Approve moves an owned NEW signal to APPROVED.
func (r *SignalRepo) Approve(ctx context.Context, ownerID, id, approvalID uuid.UUID, at time.Time) (*model.Signal, error) {
	q := `
UPDATE signals SET state='APPROVED', approval_id=$3, approved_at=$4
WHERE id=$1 AND owner_id=$2 AND state='NEW'
RETURNING ` + signalColumns
	s, err := scanSignal(r.db.Pool.QueryRow(ctx, q, id, ownerID, approvalID, at))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	var state string
	err = r.db.Pool.QueryRow(ctx, `SELECT state FROM signals WHERE id=$1 AND owner_id=$2`, id, ownerID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return nil, fmt.Errorf("signal is %s: %w", state, errs.ErrAlreadyExists)
}

// ListByOwner returns the owner's signals, newest first.
func (r *SignalRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.Signal, error) {
	q := `SELECT ` + signalColumns + ` FROM signals WHERE owner_id=$1 ORDER BY created_at DESC`
	return r.list(ctx, q, ownerID)
}

// ListDeliverable returns APPROVED, not yet armed signals in creation order.
func (r *SignalRepo) ListDeliverable(ctx context.Context, ownerID uuid.UUID, limit int) ([]model.Signal, error) {
	q := `
SELECT ` + signalColumns + `
FROM signals
WHERE owner_id=$1 AND state='APPROVED' AND armed_at IS NULL
ORDER BY created_at ASC
LIMIT $2`
	return r.list(ctx, q, ownerID, limit)
}

func (r *SignalRepo) list(ctx context.Context, q string, args ...any) ([]model.Signal, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Signal{}
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSignal(row pgx.Row) (*model.Signal, error) {
	var (
		s       model.Signal
		payload []byte
		state   string
	)
	if err := row.Scan(&s.ID, &s.OwnerID, &s.ApprovalID, &payload, &state, &s.CreatedAt, &s.ApprovedAt, &s.ArmedAt); err != nil {
		return nil, err
	}
	s.Payload = payload
	s.State = model.SignalState(state)
	return &s, nil
}
