// Package crypto implements server-side hashing, device key derivation,
// request signatures and signal envelopes.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

// DeviceSecretLen is the entropy of a device HMAC secret in bytes (256 bits).
const DeviceSecretLen = 32

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword returns Argon2id hash of password using the provided salt.
func HashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword verifies password against expected Argon2id hash and salt.
func VerifyPassword(password, salt, expected []byte) bool {
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// NewDeviceSecret returns a fresh hex-encoded HMAC secret.
func NewDeviceSecret() (string, error) {
	b, err := RandBytes(DeviceSecretLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DeriveSigningKey hashes a device secret with Argon2id salted by the device id.
// The server persists only this value; the device computes it once from its
// plaintext secret and both sides use it as the HMAC key.
func DeriveSigningKey(secret, deviceID string) []byte {
	return HashPassword([]byte(secret), []byte(deviceID))
}
