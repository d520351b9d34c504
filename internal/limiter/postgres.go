package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
// State lives in auth_limiter so every relay instance sees the same counters.
type PG struct {
	db  querier
	cfg Config
	now func() time.Time
}

// querier is satisfied by *pgxpool.Pool and pgxmock pools.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(db querier, cfg Config) *PG {
	return &PG{db: db, cfg: cfg.withDefaults(), now: time.Now}
}

// Allow reports whether login is currently allowed and the remaining lockout.
func (l *PG) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE username=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.db.QueryRow(ctx, q, username, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if now := l.now(); blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (username, ip).
func (l *PG) Success(ctx context.Context, username string, ipHash []byte) error {
	const q = `DELETE FROM auth_limiter WHERE username=$1 AND ip_hash=$2`
	_, err := l.db.Exec(ctx, q, username, ipHash)
	return err
}

// Failure counts a failed attempt; the counter restarts when the previous
// failure fell outside the window.
func (l *PG) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_limiter (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', $3)
ON CONFLICT (username, ip_hash) DO UPDATE
SET fail_count = CASE WHEN $3 - auth_limiter.updated_at > $4::interval THEN 1 ELSE auth_limiter.fail_count + 1 END,
    updated_at = $3
RETURNING fail_count`
	now := l.now().UTC()
	var fails int
	if err := l.db.QueryRow(ctx, q, username, ipHash, now, l.cfg.Window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.cfg.MaxFails {
		return false, 0, nil
	}
	const upd = `UPDATE auth_limiter SET blocked_until=$3 WHERE username=$1 AND ip_hash=$2`
	if _, err := l.db.Exec(ctx, upd, username, ipHash, now.Add(l.cfg.BlockFor)); err != nil {
		return false, 0, err
	}
	return true, l.cfg.BlockFor, nil
}
