// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects issued access tokens for an owner session.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// Owner is the account that registers devices and approves signals.
type Owner struct {
	ID        uuid.UUID // PK
	Username  string    // unique
	PwdHash   []byte    // Argon2id(password, SaltAuth)
	SaltAuth  []byte    // per-owner auth salt
	CreatedAt time.Time
}

// Device is one registered execution client. Secrets are never stored in plaintext.
type Device struct {
	ID           uuid.UUID
	OwnerID      uuid.UUID // FK -> owners.id (cascade)
	Name         string    // unique per owner
	SecretHash   []byte    // Argon2id(hmac secret, device id); also the HMAC verification key
	KeyTag       string    // rotation tag the active encryption key derives from
	KeyExpiresAt time.Time
	IsActive     bool
	Revoked      bool
	RevokedAt    *time.Time
	LastPoll     *time.Time
	LastAck      *time.Time
	LastSeen     *time.Time
	CreatedAt    time.Time
}

// IssuedDevice is returned exactly once from registration or key rotation.
type IssuedDevice struct {
	Device        Device
	HMACSecret    string // hex; empty on key rotation
	EncryptionKey string // base64
}

// SignalState is the lifecycle of a trade signal.
type SignalState string

const (
	SignalNew      SignalState = "NEW"
	SignalApproved SignalState = "APPROVED"
	SignalExecuted SignalState = "EXECUTED"
	SignalFailed   SignalState = "FAILED"
)

// Signal is a trade instruction produced upstream and approved by its owner.
type Signal struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	ApprovalID *uuid.UUID // set on approval
	Payload    json.RawMessage
	State      SignalState
	CreatedAt  time.Time
	ApprovedAt *time.Time
	ArmedAt    *time.Time
}

// ExecutionStatus is the outcome a device reports.
type ExecutionStatus string

const (
	ExecutionExecuted ExecutionStatus = "executed"
	ExecutionFailed   ExecutionStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	return s == ExecutionExecuted || s == ExecutionFailed
}

// Execution records one device's outcome for one approval. (ApprovalID, DeviceID) is unique.
type Execution struct {
	ID         uuid.UUID
	ApprovalID uuid.UUID
	DeviceID   uuid.UUID
	Status     ExecutionStatus
	Detail     string
	CreatedAt  time.Time
}

// AckReport is the execution report a device submits.
type AckReport struct {
	ApprovalID uuid.UUID
	Status     ExecutionStatus
	Detail     string
}

// Envelope is an AEAD-sealed payload bound to one device.
type Envelope struct {
	Nonce      string // base64, 12 bytes
	Ciphertext string // base64, includes GCM tag
}

// PollEntry is one sealed approved signal handed to a device.
type PollEntry struct {
	ApprovalID uuid.UUID
	Envelope
}

// SignedRequest carries the authentication material of one device request.
type SignedRequest struct {
	Method    string
	Path      string
	Body      []byte
	DeviceID  string
	Nonce     string
	Timestamp string
	Signature string
}
