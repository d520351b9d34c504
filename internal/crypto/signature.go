package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/and161185/ea-relay/internal/model"
)

// Request headers carrying the signature material.
const (
	HeaderDeviceID  = "X-Device-Id"
	HeaderNonce     = "X-Nonce"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// CanonicalString builds the exact byte sequence that is signed:
// method, path, body, device id, nonce and timestamp joined by '\n'.
// The body is used as transmitted, never re-serialized.
func CanonicalString(r model.SignedRequest) []byte {
	var b bytes.Buffer
	b.Grow(len(r.Method) + len(r.Path) + len(r.Body) + len(r.DeviceID) + len(r.Nonce) + len(r.Timestamp) + 5)
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(r.Path)
	b.WriteByte('\n')
	b.Write(r.Body)
	b.WriteByte('\n')
	b.WriteString(r.DeviceID)
	b.WriteByte('\n')
	b.WriteString(r.Nonce)
	b.WriteByte('\n')
	b.WriteString(r.Timestamp)
	return b.Bytes()
}

// Sign returns the hex HMAC-SHA256 of the canonical string.
func Sign(key []byte, r model.SignedRequest) string {
	return hex.EncodeToString(mac(key, r))
}

// VerifySignature checks a hex or standard-base64 signature in constant time.
func VerifySignature(key []byte, r model.SignedRequest) bool {
	got, ok := decodeSignature(r.Signature)
	if !ok {
		return false
	}
	return hmac.Equal(got, mac(key, r))
}

func mac(key []byte, r model.SignedRequest) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(CanonicalString(r))
	return h.Sum(nil)
}

func decodeSignature(s string) ([]byte, bool) {
	if len(s) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, true
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == sha256.Size {
		return b, true
	}
	return nil, false
}
