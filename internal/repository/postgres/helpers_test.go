package postgres

import (
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func fixedNow() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }

func tsPtr(t time.Time) *time.Time { return &t }
