package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var signalCols = []string{"id", "owner_id", "approval_id", "payload", "state", "created_at", "approved_at", "armed_at"}

func TestSignalRepo_Create(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSignalRepo(db)
	s := &model.Signal{
		ID:      uuid.Must(uuid.NewV4()),
		OwnerID: uuid.Must(uuid.NewV4()),
		Payload: json.RawMessage(`{"symbol":"XAUUSD"}`),
	}

	mock.ExpectQuery(`INSERT INTO signals \(id, owner_id, payload, state\) VALUES \(\$1, \$2, \$3, 'NEW'\) RETURNING created_at`).
		WithArgs(s.ID, s.OwnerID, []byte(`{"symbol":"XAUUSD"}`)).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(fixedNow()))
	require.NoError(t, r.Create(context.Background(), s))
	require.Equal(t, model.SignalNew, s.State)
	require.Equal(t, fixedNow(), s.CreatedAt)

	mock.ExpectQuery(`INSERT INTO signals`).
		WithArgs(s.ID, s.OwnerID, []byte(`{"symbol":"XAUUSD"}`)).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	require.ErrorIs(t, r.Create(context.Background(), s), errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalRepo_Approve(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSignalRepo(db)
	ctx := context.Background()
	owner, id, approval := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`UPDATE signals SET state='APPROVED', approval_id=\$3, approved_at=\$4 WHERE id=\$1 AND owner_id=\$2 AND state='NEW'`).
		WithArgs(id, owner, approval, fixedNow()).
		WillReturnRows(pgxmock.NewRows(signalCols).
			AddRow(id, owner, &approval, []byte(`{}`), "APPROVED", fixedNow(), tsPtr(fixedNow()), (*time.Time)(nil)))
	s, err := r.Approve(ctx, owner, id, approval, fixedNow())
	require.NoError(t, err)
	require.Equal(t, model.SignalApproved, s.State)
	require.Equal(t, approval, *s.ApprovalID)
	require.Nil(t, s.ArmedAt)

	mock.ExpectQuery(`UPDATE signals SET state='APPROVED'`).
		WithArgs(id, owner, approval, fixedNow()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT state FROM signals WHERE id=\$1 AND owner_id=\$2`).
		WithArgs(id, owner).
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("EXECUTED"))
	_, err = r.Approve(ctx, owner, id, approval, fixedNow())
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	mock.ExpectQuery(`UPDATE signals SET state='APPROVED'`).
		WithArgs(id, owner, approval, fixedNow()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT state FROM signals`).
		WithArgs(id, owner).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Approve(ctx, owner, id, approval, fixedNow())
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalRepo_ListDeliverable(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSignalRepo(db)
	owner := uuid.Must(uuid.NewV4())
	a1, a2 := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	rows := pgxmock.NewRows(signalCols).
		AddRow(uuid.Must(uuid.NewV4()), owner, &a1, []byte(`{"n":1}`), "APPROVED", fixedNow(), tsPtr(fixedNow()), (*time.Time)(nil)).
		AddRow(uuid.Must(uuid.NewV4()), owner, &a2, []byte(`{"n":2}`), "APPROVED", fixedNow(), tsPtr(fixedNow()), (*time.Time)(nil))
	mock.ExpectQuery(`WHERE owner_id=\$1 AND state='APPROVED' AND armed_at IS NULL ORDER BY created_at ASC LIMIT \$2`).
		WithArgs(owner, 100).
		WillReturnRows(rows)

	got, err := r.ListDeliverable(context.Background(), owner, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, a1, *got[0].ApprovalID)
	require.JSONEq(t, `{"n":2}`, string(got[1].Payload))
}

func TestSignalRepo_ListByOwner_Empty(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSignalRepo(db)
	owner := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`FROM signals WHERE owner_id=\$1 ORDER BY created_at DESC`).
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows(signalCols))
	got, err := r.ListByOwner(context.Background(), owner)
	require.NoError(t, err)
	require.Empty(t, got)
}
