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

const deviceColumns = `id, owner_id, name, secret_hash, key_tag, key_expires_at, is_active, revoked, revoked_at, last_poll, last_ack, last_seen, created_at`

// DeviceRepo implements DeviceRepository using PostgreSQL.
type DeviceRepo struct{ db *DB }

// NewDeviceRepo constructs a device repository.
func NewDeviceRepo(db *DB) *DeviceRepo { return &DeviceRepo{db: db} }

// Create inserts a new device; the (owner_id, name) constraint rejects duplicates.
func (r *DeviceRepo) Create(ctx context.Context, d *model.Device) error {
	const q = `
INSERT INTO devices (id, owner_id, name, secret_hash, key_tag, key_expires_at, is_active, revoked)
VALUES ($1, $2, $3, $4, $5, $6, $7, false)
RETURNING created_at`
	err := r.db.Pool.QueryRow(ctx, q, d.ID, d.OwnerID, d.Name, d.SecretHash, d.KeyTag, d.KeyExpiresAt, d.IsActive).
		Scan(&d.CreatedAt)
	switch {
	case isUniqueViolation(err):
		return errs.ErrAlreadyExists
	case isForeignKeyViolation(err):
		return errs.ErrNotFound
	}
	return err
}

// GetByID selects a device by id.
func (r *DeviceRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE id=$1`
	d, err := scanDevice(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListByOwner returns the owner's devices, oldest first.
func (r *DeviceRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE owner_id=$1 ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Rename changes an owned device's name.
func (r *DeviceRepo) Rename(ctx context.Context, ownerID, id uuid.UUID, name string) error {
	const q = `UPDATE devices SET name=$3 WHERE id=$1 AND owner_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, id, ownerID, name)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Revoke marks an owned device revoked; the first revocation time is kept.
func (r *DeviceRepo) Revoke(ctx context.Context, ownerID, id uuid.UUID, at time.Time) error {
	const q = `
UPDATE devices
SET revoked=true, is_active=false, revoked_at=COALESCE(revoked_at, $3)
WHERE id=$1 AND owner_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, id, ownerID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetKey re-issues the key tag and expiry of an owned device that is not revoked.
func (r *DeviceRepo) SetKey(ctx context.Context, ownerID, id uuid.UUID, keyTag string, expiresAt time.Time) error {
	const q = `
UPDATE devices SET key_tag=$3, key_expires_at=$4
WHERE id=$1 AND owner_id=$2 AND NOT revoked
RETURNING id`
	var got uuid.UUID
	err := r.db.Pool.QueryRow(ctx, q, id, ownerID, keyTag, expiresAt).Scan(&got)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	// Distinguish a revoked device from a missing one.
	const chk = `SELECT revoked FROM devices WHERE id=$1 AND owner_id=$2`
	var revoked bool
	if err := r.db.Pool.QueryRow(ctx, chk, id, ownerID).Scan(&revoked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	return errs.ErrDeviceRevoked
}

// TouchPoll records poll activity.
func (r *DeviceRepo) TouchPoll(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE devices SET last_poll=$2, last_seen=$2 WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id, at)
	return err
}

func scanDevice(row pgx.Row) (*model.Device, error) {
	var d model.Device
	err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.SecretHash, &d.KeyTag, &d.KeyExpiresAt,
		&d.IsActive, &d.Revoked, &d.RevokedAt, &d.LastPoll, &d.LastAck, &d.LastSeen, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
