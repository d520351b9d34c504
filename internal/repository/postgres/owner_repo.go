package postgres

import (
	"context"
	"errors"

	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// OwnerRepo implements OwnerRepository using PostgreSQL.
type OwnerRepo struct{ db *DB }

// NewOwnerRepo constructs an owner repository.
func NewOwnerRepo(db *DB) *OwnerRepo { return &OwnerRepo{db: db} }

// Create inserts a new owner row.
func (r *OwnerRepo) Create(ctx context.Context, o *model.Owner) error {
	const q = `
INSERT INTO owners (id, username, pwd_hash, salt_auth)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, o.ID, o.Username, o.PwdHash, o.SaltAuth)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByUsername selects an owner by username.
func (r *OwnerRepo) GetByUsername(ctx context.Context, username string) (*model.Owner, error) {
	const q = `
SELECT id, username, pwd_hash, salt_auth, created_at
FROM owners WHERE username=$1`
	var o model.Owner
	err := r.db.Pool.QueryRow(ctx, q, username).Scan(&o.ID, &o.Username, &o.PwdHash, &o.SaltAuth, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// Delete removes an owner; devices, signals and executions cascade.
func (r *OwnerRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM owners WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
