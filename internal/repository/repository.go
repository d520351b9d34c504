// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/ea-relay/internal/model"
	"github.com/gofrs/uuid/v5"
)

// OwnerRepository provides access to owner accounts.
type OwnerRepository interface {
	// Create inserts a new owner.
	Create(ctx context.Context, o *model.Owner) error
	// GetByUsername loads an owner by username.
	GetByUsername(ctx context.Context, username string) (*model.Owner, error)
	// Delete removes an owner; devices and signals cascade.
	Delete(ctx context.Context, id uuid.UUID) error
}

// DeviceRepository provides CRUD access for devices.
type DeviceRepository interface {
	// Create inserts a new device; ErrAlreadyExists on (owner, name) collision.
	Create(ctx context.Context, d *model.Device) error
	// GetByID loads a device regardless of owner.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error)
	// ListByOwner returns the owner's devices ordered by creation time.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.Device, error)
	// Rename changes the name of an owned device.
	Rename(ctx context.Context, ownerID, id uuid.UUID, name string) error
	// Revoke marks an owned device revoked. Repeated calls succeed.
	Revoke(ctx context.Context, ownerID, id uuid.UUID, at time.Time) error
	// SetKey replaces the key tag and expiry of an owned, non-revoked device.
	SetKey(ctx context.Context, ownerID, id uuid.UUID, tag string, expiresAt time.Time) error
	// TouchPoll records poll activity.
	TouchPoll(ctx context.Context, id uuid.UUID, at time.Time) error
}

// SignalRepository provides the slice of the signal store the transport needs.
type SignalRepository interface {
	// Create inserts a NEW signal.
	Create(ctx context.Context, s *model.Signal) error
	// Approve moves an owned NEW signal to APPROVED and assigns its approval id.
	Approve(ctx context.Context, ownerID, id, approvalID uuid.UUID, at time.Time) (*model.Signal, error)
	// ListByOwner returns all signals of the owner, newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.Signal, error)
	// ListDeliverable returns APPROVED, not yet armed signals in creation order.
	ListDeliverable(ctx context.Context, ownerID uuid.UUID, limit int) ([]model.Signal, error)
}

// ExecutionRepository records device acknowledgements.
type ExecutionRepository interface {
	// Record stores the execution for (approval, device) exactly once. When a record
	// already exists it is returned unchanged with replayed=true and no state changes.
	// Returns ErrNotFound when the approval does not belong to ownerID.
	Record(ctx context.Context, ownerID uuid.UUID, e *model.Execution) (stored model.Execution, replayed bool, err error)
}

// NonceStore remembers consumed (device, nonce) pairs for a TTL.
type NonceStore interface {
	// Consume atomically records the pair. It reports false if the pair was
	// already consumed and has not expired.
	Consume(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error)
}
