package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newExecution(status model.ExecutionStatus) *model.Execution {
	return &model.Execution{
		ID:         uuid.Must(uuid.NewV4()),
		ApprovalID: uuid.Must(uuid.NewV4()),
		DeviceID:   uuid.Must(uuid.NewV4()),
		Status:     status,
		Detail:     "",
	}
}

func TestExecutionRepo_Record_FirstExecuted(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewExecutionRepo(db)
	r.now = fixedNow
	owner, signalID := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	e := newExecution(model.ExecutionExecuted)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM signals WHERE approval_id=\$1 AND owner_id=\$2 FOR UPDATE`).
		WithArgs(e.ApprovalID, owner).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(signalID))
	mock.ExpectQuery(`INSERT INTO executions .* ON CONFLICT \(approval_id, device_id\) DO NOTHING RETURNING created_at`).
		WithArgs(e.ID, e.ApprovalID, e.DeviceID, "executed", "").
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(fixedNow()))
	mock.ExpectExec(`UPDATE signals SET state='EXECUTED', armed_at=\$2 WHERE id=\$1`).
		WithArgs(signalID, fixedNow()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE devices SET last_ack=\$2, last_seen=\$2 WHERE id=\$1`).
		WithArgs(e.DeviceID, fixedNow()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, replayed, err := r.Record(context.Background(), owner, e)
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, e.ID, got.ID)
	require.Equal(t, fixedNow(), got.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepo_Record_FirstFailed(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewExecutionRepo(db)
	r.now = fixedNow
	owner, signalID := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	e := newExecution(model.ExecutionFailed)
	e.Detail = "requote"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM signals`).
		WithArgs(e.ApprovalID, owner).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(signalID))
	mock.ExpectQuery(`INSERT INTO executions`).
		WithArgs(e.ID, e.ApprovalID, e.DeviceID, "failed", "requote").
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(fixedNow()))
	mock.ExpectExec(`UPDATE signals SET state='FAILED' WHERE id=\$1 AND state='APPROVED'`).
		WithArgs(signalID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE devices SET last_ack`).
		WithArgs(e.DeviceID, fixedNow()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	_, replayed, err := r.Record(context.Background(), owner, e)
	require.NoError(t, err)
	require.False(t, replayed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepo_Record_DuplicateReturnsStored(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewExecutionRepo(db)
	owner, signalID := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	e := newExecution(model.ExecutionFailed)
	priorID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM signals`).
		WithArgs(e.ApprovalID, owner).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(signalID))
	mock.ExpectQuery(`INSERT INTO executions`).
		WithArgs(e.ID, e.ApprovalID, e.DeviceID, "failed", "").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id, approval_id, device_id, status, detail, created_at FROM executions WHERE approval_id=\$1 AND device_id=\$2`).
		WithArgs(e.ApprovalID, e.DeviceID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "approval_id", "device_id", "status", "detail", "created_at"}).
			AddRow(priorID, e.ApprovalID, e.DeviceID, "executed", "", fixedNow()))
	mock.ExpectCommit()

	got, replayed, err := r.Record(context.Background(), owner, e)
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, priorID, got.ID)
	require.Equal(t, model.ExecutionExecuted, got.Status, "stored result wins over the replayed report")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepo_Record_UnknownApproval(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewExecutionRepo(db)
	owner := uuid.Must(uuid.NewV4())
	e := newExecution(model.ExecutionExecuted)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM signals`).
		WithArgs(e.ApprovalID, owner).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := r.Record(context.Background(), owner, e)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepo_Record_InsertErrorRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewExecutionRepo(db)
	owner, signalID := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	e := newExecution(model.ExecutionExecuted)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM signals`).
		WithArgs(e.ApprovalID, owner).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(signalID))
	mock.ExpectQuery(`INSERT INTO executions`).
		WithArgs(e.ID, e.ApprovalID, e.DeviceID, "executed", "").
		WillReturnError(boom)
	mock.ExpectRollback()

	_, _, err := r.Record(context.Background(), owner, e)
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
