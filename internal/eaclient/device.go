package eaclient

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/ea-relay/internal/crypto"
	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
)

// nonceLen is the random nonce size before hex encoding.
const nonceLen = 16

// DeviceConfig holds the credentials issued at device registration.
type DeviceConfig struct {
	BaseURL          string
	DeviceID         string
	HMACSecret       string // hex, as issued
	EncryptionKeyB64 string
	HTTPClient       *http.Client
}

// Device signs protocol requests on behalf of one registered device.
type Device struct {
	t          transport
	id         uuid.UUID
	signingKey []byte
	encKey     []byte

	now   func() time.Time
	nonce func() (string, error)
}

// NewDevice validates cfg and derives the signing key from the secret.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	t, err := newTransport(cfg.BaseURL, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromString(strings.TrimSpace(cfg.DeviceID))
	if err != nil {
		return nil, fmt.Errorf("device id: %w", errs.ErrValidation)
	}
	if cfg.HMACSecret == "" {
		return nil, fmt.Errorf("hmac secret: %w", errs.ErrValidation)
	}
	d := &Device{t: t, id: id, now: time.Now, nonce: randomNonce}
	if err := d.SetEncryptionKey(cfg.EncryptionKeyB64); err != nil {
		return nil, err
	}
	d.signingKey = crypto.DeriveSigningKey(cfg.HMACSecret, id.String())
	return d, nil
}

// ID returns the device id.
func (d *Device) ID() uuid.UUID { return d.id }

// SetEncryptionKey replaces the envelope key, e.g. after the owner rotated it.
func (d *Device) SetEncryptionKey(keyB64 string) error {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyB64))
	if err != nil || len(key) != crypto.KeyLen {
		return fmt.Errorf("encryption key: %w", errs.ErrValidation)
	}
	d.encKey = key
	return nil
}

// Signal is one approved signal received from a poll. Err is set when the
// envelope could not be opened; Payload is then empty and the signal should
// be acked as failed.
type Signal struct {
	ApprovalID string
	Payload    json.RawMessage
	Err        error
}

type pollEntry struct {
	ApprovalID string `json:"approval_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Poll fetches and opens the signals waiting for this device.
func (d *Device) Poll(ctx context.Context) ([]Signal, error) {
	req, err := d.signed(ctx, http.MethodGet, "/v1/poll", nil)
	if err != nil {
		return nil, err
	}
	var entries []pollEntry
	if _, err := d.t.do(req, &entries); err != nil {
		return nil, err
	}
	out := make([]Signal, 0, len(entries))
	for _, e := range entries {
		s := Signal{ApprovalID: e.ApprovalID}
		pt, err := crypto.OpenWithKey(d.encKey, d.id.String(), e.Nonce, e.Ciphertext)
		if err != nil {
			s.Err = err
		} else {
			s.Payload = pt
		}
		out = append(out, s)
	}
	return out, nil
}

// AckResult is the execution record stored by the relay.
type AckResult struct {
	ExecutionID string    `json:"execution_id"`
	ApprovalID  string    `json:"approval_id"`
	DeviceID    string    `json:"device_id"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Replayed    bool      `json:"replayed"`
}

type ackRequest struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
}

// Ack reports the outcome for an approval. Repeating an ack returns the
// first stored record with Replayed set.
func (d *Device) Ack(ctx context.Context, approvalID string, status model.ExecutionStatus, detail string) (AckResult, error) {
	if !status.Valid() {
		return AckResult{}, fmt.Errorf("status %q: %w", status, errs.ErrValidation)
	}
	body, err := json.Marshal(ackRequest{ApprovalID: approvalID, Status: string(status), Detail: detail})
	if err != nil {
		return AckResult{}, err
	}
	req, err := d.signed(ctx, http.MethodPost, "/v1/ack", body)
	if err != nil {
		return AckResult{}, err
	}
	var res AckResult
	code, err := d.t.do(req, &res)
	if err != nil {
		return AckResult{}, err
	}
	if code == http.StatusOK {
		res.Replayed = true
	}
	return res, nil
}

// signed builds a request carrying the signature headers. The body bytes
// signed are exactly the bytes sent.
func (d *Device) signed(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := d.t.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	nonce, err := d.nonce()
	if err != nil {
		return nil, err
	}
	sr := model.SignedRequest{
		Method:    method,
		Path:      req.URL.Path,
		Body:      body,
		DeviceID:  d.id.String(),
		Nonce:     nonce,
		Timestamp: d.now().UTC().Format(time.RFC3339),
	}
	req.Header.Set(crypto.HeaderDeviceID, sr.DeviceID)
	req.Header.Set(crypto.HeaderNonce, sr.Nonce)
	req.Header.Set(crypto.HeaderTimestamp, sr.Timestamp)
	req.Header.Set(crypto.HeaderSignature, crypto.Sign(d.signingKey, sr))
	return req, nil
}

func randomNonce() (string, error) {
	b, err := crypto.RandBytes(nonceLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
