// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist (or belongs to another owner).
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., device name taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation")
)

// Device authentication and envelope sentinels.
var (
	// ErrDeviceNotFound indicates an unknown device id in a signed request.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceRevoked indicates the device was revoked; revocation is permanent.
	ErrDeviceRevoked = errors.New("device revoked")

	// ErrReplay indicates a stale/future timestamp or a reused nonce.
	ErrReplay = errors.New("replay")

	// ErrTampered indicates an AEAD authentication failure: modified ciphertext,
	// substituted nonce, or an envelope sealed for another device.
	ErrTampered = errors.New("tampered or wrong device")

	// ErrNoActiveKey indicates the device key is expired or revoked; the device must re-register.
	ErrNoActiveKey = errors.New("no active key")
)

// IsAuthFailure reports whether err belongs to the request-authentication family
// that is always reported to callers as a generic 401.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrDeviceRevoked) ||
		errors.Is(err, ErrReplay)
}
