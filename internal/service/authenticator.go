package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/ea-relay/internal/crypto"
	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/and161185/ea-relay/internal/repository"
)

const (
	// DefaultClockTolerance is the allowed |server - device| clock difference.
	DefaultClockTolerance = 30 * time.Second
	// MaxNonceLen bounds the X-Nonce header.
	MaxNonceLen = 128
)

// DeviceAuthenticator verifies signed device requests.
type DeviceAuthenticator struct {
	devices   repository.DeviceRepository
	nonces    repository.NonceStore
	tolerance time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewDeviceAuthenticator constructs an authenticator. tolerance <= 0 selects
// DefaultClockTolerance.
func NewDeviceAuthenticator(devices repository.DeviceRepository, nonces repository.NonceStore, tolerance time.Duration, log *zap.Logger) *DeviceAuthenticator {
	if tolerance <= 0 {
		tolerance = DefaultClockTolerance
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceAuthenticator{devices: devices, nonces: nonces, tolerance: tolerance, log: log, now: time.Now}
}

// Authenticate returns the device that signed r. Checks run cheapest first:
// headers, timestamp freshness, device state, signature, and finally the
// nonce, so a forged request never burns a nonce.
func (a *DeviceAuthenticator) Authenticate(ctx context.Context, r model.SignedRequest) (*model.Device, error) {
	d, err := a.authenticate(ctx, r)
	if err != nil {
		a.log.Warn("device request rejected",
			zap.String("device_id", r.DeviceID),
			zap.String("method", r.Method),
			zap.String("path", r.Path),
			zap.Error(err),
		)
		return nil, err
	}
	return d, nil
}

func (a *DeviceAuthenticator) authenticate(ctx context.Context, r model.SignedRequest) (*model.Device, error) {
	if r.DeviceID == "" || r.Nonce == "" || r.Timestamp == "" || r.Signature == "" {
		return nil, fmt.Errorf("missing auth header: %w", errs.ErrUnauthorized)
	}
	if len(r.Nonce) > MaxNonceLen {
		return nil, fmt.Errorf("nonce too long: %w", errs.ErrUnauthorized)
	}
	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp: %w", errs.ErrUnauthorized)
	}
	if skew := a.now().Sub(ts); skew > a.tolerance || skew < -a.tolerance {
		return nil, fmt.Errorf("timestamp skew %s: %w", skew.Round(time.Second), errs.ErrReplay)
	}

	id, err := uuid.FromString(r.DeviceID)
	if err != nil {
		return nil, errs.ErrDeviceNotFound
	}
	d, err := a.devices.GetByID(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.Revoked {
		return nil, errs.ErrDeviceRevoked
	}

	if !pkgcrypto.VerifySignature(d.SecretHash, r) {
		return nil, fmt.Errorf("bad signature: %w", errs.ErrUnauthorized)
	}

	// a timestamp may be up to tolerance in the future, so it stays fresh for 2*tolerance
	fresh, err := a.nonces.Consume(ctx, d.ID.String(), r.Nonce, 2*a.tolerance)
	if err != nil {
		return nil, fmt.Errorf("nonce store: %w", err)
	}
	if !fresh {
		return nil, fmt.Errorf("nonce reused: %w", errs.ErrReplay)
	}
	return d, nil
}
