package httpserver

import (
	"encoding/json"
	"time"

	"github.com/and161185/ea-relay/internal/model"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerOwnerResponse struct {
	OwnerID string `json:"owner_id"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	OwnerID     string    `json:"owner_id"`
}

type deviceNameRequest struct {
	Name string `json:"name"`
}

// issuedDeviceResponse carries secrets and is only ever built once per issue.
type issuedDeviceResponse struct {
	DeviceID         string    `json:"device_id"`
	DeviceName       string    `json:"device_name"`
	HMACSecret       string    `json:"hmac_secret,omitempty"`
	EncryptionKeyB64 string    `json:"encryption_key_b64"`
	KeyExpiresAt     time.Time `json:"key_expires_at"`
}

func toIssuedDevice(d model.IssuedDevice) issuedDeviceResponse {
	return issuedDeviceResponse{
		DeviceID:         d.Device.ID.String(),
		DeviceName:       d.Device.Name,
		HMACSecret:       d.HMACSecret,
		EncryptionKeyB64: d.EncryptionKey,
		KeyExpiresAt:     d.Device.KeyExpiresAt,
	}
}

type deviceView struct {
	DeviceID     string     `json:"device_id"`
	DeviceName   string     `json:"device_name"`
	IsActive     bool       `json:"is_active"`
	Revoked      bool       `json:"revoked"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	KeyExpiresAt time.Time  `json:"key_expires_at"`
	LastPoll     *time.Time `json:"last_poll,omitempty"`
	LastAck      *time.Time `json:"last_ack,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toDeviceViews(ds []model.Device) []deviceView {
	out := make([]deviceView, 0, len(ds))
	for _, d := range ds {
		out = append(out, deviceView{
			DeviceID:     d.ID.String(),
			DeviceName:   d.Name,
			IsActive:     d.IsActive,
			Revoked:      d.Revoked,
			RevokedAt:    d.RevokedAt,
			KeyExpiresAt: d.KeyExpiresAt,
			LastPoll:     d.LastPoll,
			LastAck:      d.LastAck,
			LastSeen:     d.LastSeen,
			CreatedAt:    d.CreatedAt,
		})
	}
	return out
}

// PollEntry is one element of the GET /v1/poll response.
type PollEntry struct {
	ApprovalID string `json:"approval_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// AckRequest is the body of POST /v1/ack.
type AckRequest struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
}

// AckResponse echoes the stored execution record.
type AckResponse struct {
	ExecutionID string    `json:"execution_id"`
	ApprovalID  string    `json:"approval_id"`
	DeviceID    string    `json:"device_id"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Replayed    bool      `json:"replayed"`
}

type createSignalRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type signalView struct {
	ID         string          `json:"id"`
	ApprovalID *string         `json:"approval_id,omitempty"`
	State      string          `json:"state"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	ApprovedAt *time.Time      `json:"approved_at,omitempty"`
	ArmedAt    *time.Time      `json:"armed_at,omitempty"`
}

func toSignalView(s model.Signal) signalView {
	v := signalView{
		ID:         s.ID.String(),
		State:      string(s.State),
		Payload:    s.Payload,
		CreatedAt:  s.CreatedAt,
		ApprovedAt: s.ApprovedAt,
		ArmedAt:    s.ArmedAt,
	}
	if s.ApprovalID != nil {
		a := s.ApprovalID.String()
		v.ApprovalID = &a
	}
	return v
}
