package postgres

import (
	"context"
	"time"
)

// NonceStore implements NonceStore on the device_nonces table.
type NonceStore struct {
	db  *DB
	now func() time.Time
}

// NewNonceStore constructs a Postgres-backed replay store.
func NewNonceStore(db *DB) *NonceStore { return &NonceStore{db: db, now: time.Now} }

// Consume inserts (device, nonce). An existing row only yields to the new one
// after it has expired, so a live pair is accepted at most once.
func (s *NonceStore) Consume(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error) {
	const q = `
INSERT INTO device_nonces (device_id, nonce, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (device_id, nonce) DO UPDATE
SET expires_at = EXCLUDED.expires_at
WHERE device_nonces.expires_at <= $4`
	now := s.now().UTC()
	tag, err := s.db.Pool.Exec(ctx, q, deviceID, nonce, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Purge deletes expired nonce rows and returns how many were removed.
func (s *NonceStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM device_nonces WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
