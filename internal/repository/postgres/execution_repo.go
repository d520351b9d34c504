package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ExecutionRepo implements ExecutionRepository using PostgreSQL.
type ExecutionRepo struct {
	db  *DB
	now func() time.Time
}

// NewExecutionRepo constructs an execution repository.
func NewExecutionRepo(db *DB) *ExecutionRepo { return &ExecutionRepo{db: db, now: time.Now} }

// Record inserts the execution once per (approval_id, device_id). The unique
// constraint decides the winner of concurrent acks; the loser reads back the
// committed row and reports it as a replay.
func (r *ExecutionRepo) Record(
	ctx context.Context, ownerID uuid.UUID, e *model.Execution,
) (stored model.Execution, replayed bool, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Execution{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = cerr
		}
	}()

	const sel = `SELECT id FROM signals WHERE approval_id=$1 AND owner_id=$2 FOR UPDATE`
	const ins = `
INSERT INTO executions (id, approval_id, device_id, status, detail)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (approval_id, device_id) DO NOTHING
RETURNING created_at`
	const prior = `
SELECT id, approval_id, device_id, status, detail, created_at
FROM executions WHERE approval_id=$1 AND device_id=$2`
	const armed = `UPDATE signals SET state='EXECUTED', armed_at=$2 WHERE id=$1 AND state IN ('APPROVED', 'FAILED')`
	const failed = `UPDATE signals SET state='FAILED' WHERE id=$1 AND state='APPROVED'`
	const touch = `UPDATE devices SET last_ack=$2, last_seen=$2 WHERE id=$1`

	var signalID uuid.UUID
	if err = tx.QueryRow(ctx, sel, e.ApprovalID, ownerID).Scan(&signalID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Execution{}, false, errs.ErrNotFound
		}
		return model.Execution{}, false, err
	}

	stored = *e
	scanErr := tx.QueryRow(ctx, ins, e.ID, e.ApprovalID, e.DeviceID, string(e.Status), e.Detail).Scan(&stored.CreatedAt)
	switch {
	case scanErr == nil:
	case errors.Is(scanErr, pgx.ErrNoRows):
		var status string
		if err = tx.QueryRow(ctx, prior, e.ApprovalID, e.DeviceID).Scan(
			&stored.ID, &stored.ApprovalID, &stored.DeviceID, &status, &stored.Detail, &stored.CreatedAt,
		); err != nil {
			return model.Execution{}, false, err
		}
		stored.Status = model.ExecutionStatus(status)
		return stored, true, nil
	default:
		err = scanErr
		return model.Execution{}, false, err
	}

	now := r.now().UTC()
	if e.Status == model.ExecutionExecuted {
		_, err = tx.Exec(ctx, armed, signalID, now)
	} else {
		_, err = tx.Exec(ctx, failed, signalID)
	}
	if err != nil {
		return model.Execution{}, false, err
	}
	if _, err = tx.Exec(ctx, touch, e.DeviceID, now); err != nil {
		return model.Execution{}, false, err
	}
	return stored, false, nil
}
