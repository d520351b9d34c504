package eaclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Owner calls the owner API with a bearer token.
type Owner struct {
	t     transport
	token string
}

// NewOwner returns an unauthenticated owner client. Login or SetToken
// attach the bearer token used by the remaining calls.
func NewOwner(baseURL string, hc *http.Client) (*Owner, error) {
	t, err := newTransport(baseURL, hc)
	if err != nil {
		return nil, err
	}
	return &Owner{t: t}, nil
}

// SetToken installs a previously obtained access token.
func (o *Owner) SetToken(tok string) { o.token = tok }

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session is a login result.
type Session struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	OwnerID     string    `json:"owner_id"`
}

// IssuedDevice carries the one-time device credentials.
type IssuedDevice struct {
	DeviceID         string    `json:"device_id"`
	DeviceName       string    `json:"device_name"`
	HMACSecret       string    `json:"hmac_secret,omitempty"`
	EncryptionKeyB64 string    `json:"encryption_key_b64"`
	KeyExpiresAt     time.Time `json:"key_expires_at"`
}

// DeviceInfo is the registry view of a device.
type DeviceInfo struct {
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

// SignalInfo is the owner view of a signal.
type SignalInfo struct {
	ID         string          `json:"id"`
	ApprovalID *string         `json:"approval_id,omitempty"`
	State      string          `json:"state"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	ApprovedAt *time.Time      `json:"approved_at,omitempty"`
	ArmedAt    *time.Time      `json:"armed_at,omitempty"`
}

// Register creates an owner account and returns its id.
func (o *Owner) Register(ctx context.Context, username, password string) (string, error) {
	var out struct {
		OwnerID string `json:"owner_id"`
	}
	err := o.call(ctx, http.MethodPost, "/v1/auth/register", credentials{username, password}, &out)
	return out.OwnerID, err
}

// Login authenticates and keeps the access token for later calls.
func (o *Owner) Login(ctx context.Context, username, password string) (Session, error) {
	var s Session
	if err := o.call(ctx, http.MethodPost, "/v1/auth/login", credentials{username, password}, &s); err != nil {
		return Session{}, err
	}
	o.token = s.AccessToken
	return s, nil
}

// DeleteAccount removes the owner with every device and signal.
func (o *Owner) DeleteAccount(ctx context.Context) error {
	return o.call(ctx, http.MethodDelete, "/v1/account", nil, nil)
}

// RegisterDevice issues credentials for a new device.
func (o *Owner) RegisterDevice(ctx context.Context, name string) (IssuedDevice, error) {
	var d IssuedDevice
	err := o.call(ctx, http.MethodPost, "/v1/devices", map[string]string{"name": name}, &d)
	return d, err
}

// Devices lists the owner's devices.
func (o *Owner) Devices(ctx context.Context) ([]DeviceInfo, error) {
	var ds []DeviceInfo
	err := o.call(ctx, http.MethodGet, "/v1/devices", nil, &ds)
	return ds, err
}

// RenameDevice changes a device name.
func (o *Owner) RenameDevice(ctx context.Context, id, name string) error {
	return o.call(ctx, http.MethodPatch, "/v1/devices/"+url.PathEscape(id), map[string]string{"name": name}, nil)
}

// RevokeDevice permanently disables a device.
func (o *Owner) RevokeDevice(ctx context.Context, id string) error {
	return o.call(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(id)+"/revoke", nil, nil)
}

// RotateKey issues a fresh encryption key; the HMAC secret is unchanged.
func (o *Owner) RotateKey(ctx context.Context, id string) (IssuedDevice, error) {
	var d IssuedDevice
	err := o.call(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(id)+"/rotate-key", nil, &d)
	return d, err
}

// CreateSignal stores a NEW signal with a JSON payload.
func (o *Owner) CreateSignal(ctx context.Context, payload json.RawMessage) (SignalInfo, error) {
	var s SignalInfo
	err := o.call(ctx, http.MethodPost, "/v1/signals", map[string]json.RawMessage{"payload": payload}, &s)
	return s, err
}

// ApproveSignal approves a NEW signal, making it deliverable.
func (o *Owner) ApproveSignal(ctx context.Context, id string) (SignalInfo, error) {
	var s SignalInfo
	err := o.call(ctx, http.MethodPost, "/v1/signals/"+url.PathEscape(id)+"/approve", nil, &s)
	return s, err
}

// Signals lists the owner's signals, newest first.
func (o *Owner) Signals(ctx context.Context) ([]SignalInfo, error) {
	var ss []SignalInfo
	err := o.call(ctx, http.MethodGet, "/v1/signals", nil, &ss)
	return ss, err
}

func (o *Owner) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}
	req, err := o.t.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}
	_, err = o.t.do(req, out)
	return err
}
