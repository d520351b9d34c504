package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
)

// GCMNonceLen is the standard AES-GCM nonce size.
const GCMNonceLen = 12

// EnvelopeCodec seals signal payloads for exactly one device. The device id is
// the AAD, so an envelope opened under any other device fails authentication.
type EnvelopeCodec struct {
	keys *KeyManager
	log  *zap.Logger
}

// NewEnvelopeCodec constructs a codec keyed by the key manager.
func NewEnvelopeCodec(keys *KeyManager, log *zap.Logger) *EnvelopeCodec {
	if log == nil {
		log = zap.NewNop()
	}
	return &EnvelopeCodec{keys: keys, log: log}
}

// Seal encrypts plaintext for d with a fresh random nonce.
func (c *EnvelopeCodec) Seal(d *model.Device, plaintext []byte, now time.Time) (model.Envelope, error) {
	key, ok := c.keys.ActiveKey(d, now)
	if !ok {
		c.log.Warn("envelope seal refused", zap.String("device_id", deviceID(d)), zap.String("reason", "no active key"))
		return model.Envelope{}, errs.ErrNoActiveKey
	}
	env, err := SealWithKey(key, d.ID.String(), plaintext)
	if err != nil {
		return model.Envelope{}, err
	}
	c.log.Debug("envelope sealed", zap.String("device_id", d.ID.String()))
	return env, nil
}

// Open decrypts an envelope sealed for d.
func (c *EnvelopeCodec) Open(d *model.Device, nonceB64, ciphertextB64 string, now time.Time) ([]byte, error) {
	key, ok := c.keys.ActiveKey(d, now)
	if !ok {
		c.log.Warn("envelope open refused", zap.String("device_id", deviceID(d)), zap.String("reason", "no active key"))
		return nil, errs.ErrNoActiveKey
	}
	pt, err := OpenWithKey(key, d.ID.String(), nonceB64, ciphertextB64)
	if err != nil {
		c.log.Warn("envelope authentication failed", zap.String("device_id", d.ID.String()))
		return nil, err
	}
	return pt, nil
}

// SealWithKey is the keyed primitive behind Seal. Devices use the key they were issued.
func SealWithKey(key []byte, deviceID string, plaintext []byte) (model.Envelope, error) {
	aead, err := newGCM(key)
	if err != nil {
		return model.Envelope{}, err
	}
	nonce, err := RandBytes(GCMNonceLen)
	if err != nil {
		return model.Envelope{}, err
	}
	ct := aead.Seal(nil, nonce, plaintext, []byte(deviceID))
	return model.Envelope{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// OpenWithKey reverses SealWithKey. Every decoding or authentication failure is ErrTampered.
func OpenWithKey(key []byte, deviceID, nonceB64, ciphertextB64 string) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) != GCMNonceLen {
		return nil, fmt.Errorf("nonce: %w", errs.ErrTampered)
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil || len(ct) < aead.Overhead() {
		return nil, fmt.Errorf("ciphertext: %w", errs.ErrTampered)
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(deviceID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTampered, err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key length %d, want %d", len(key), KeyLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func deviceID(d *model.Device) string {
	if d == nil {
		return ""
	}
	return d.ID.String()
}
