package crypto

import (
	"crypto/sha256"
	"errors"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/and161185/ea-relay/internal/model"
)

const (
	// KeyLen is the AES-256 key size.
	KeyLen = 32
	// KDFIterations is the PBKDF2 work factor for device keys.
	KDFIterations = 100_000
	// MinMasterSecretLen guards against toy root secrets.
	MinMasterSecretLen = 32

	DefaultRotationPeriod = 24 * time.Hour
	DefaultKeyTTL         = 90 * 24 * time.Hour
)

// KeyManager derives per-device encryption keys from a root secret. Keys are
// never stored: the device record keeps only the rotation tag and expiry.
type KeyManager struct {
	master   []byte
	rotation time.Duration
	ttl      time.Duration
}

// NewKeyManager validates the master secret and fills in default periods.
func NewKeyManager(master []byte, rotation, ttl time.Duration) (*KeyManager, error) {
	if len(master) < MinMasterSecretLen {
		return nil, errors.New("master secret must be at least 32 bytes")
	}
	if rotation <= 0 {
		rotation = DefaultRotationPeriod
	}
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	m := make([]byte, len(master))
	copy(m, master)
	return &KeyManager{master: m, rotation: rotation, ttl: ttl}, nil
}

// DeriveKey computes PBKDF2-HMAC-SHA256(master, deviceID||tag).
func (k *KeyManager) DeriveKey(deviceID, tag string) []byte {
	salt := make([]byte, 0, len(deviceID)+len(tag))
	salt = append(salt, deviceID...)
	salt = append(salt, tag...)
	return pbkdf2.Key(k.master, salt, KDFIterations, KeyLen, sha256.New)
}

// RotationTag names the rotation bucket containing t.
func (k *KeyManager) RotationTag(t time.Time) string {
	start := t.UTC().Truncate(k.rotation)
	if k.rotation%(24*time.Hour) == 0 {
		return start.Format("20060102")
	}
	return start.Format("200601021504")
}

// IssueKey returns the tag, key and expiry for a key issued at now.
func (k *KeyManager) IssueKey(deviceID string, now time.Time) (tag string, key []byte, expiresAt time.Time) {
	tag = k.RotationTag(now)
	return tag, k.DeriveKey(deviceID, tag), now.UTC().Add(k.ttl)
}

// ActiveKey returns the device key, or false once the device is revoked or
// now has reached the key expiry.
func (k *KeyManager) ActiveKey(d *model.Device, now time.Time) ([]byte, bool) {
	if d == nil || d.Revoked || d.KeyTag == "" {
		return nil, false
	}
	if !now.Before(d.KeyExpiresAt) {
		return nil, false
	}
	return k.DeriveKey(d.ID.String(), d.KeyTag), true
}
