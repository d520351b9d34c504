package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/ea-relay/internal/crypto"
	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/and161185/ea-relay/internal/repository"
)

// MaxDeviceNameLen bounds device names in runes.
const MaxDeviceNameLen = 64

// DeviceService is the owner-facing device registry.
type DeviceService interface {
	// Register creates a device and returns its HMAC secret and encryption key once.
	Register(ctx context.Context, ownerID uuid.UUID, name string) (model.IssuedDevice, error)
	// List returns the owner's devices without secrets.
	List(ctx context.Context, ownerID uuid.UUID) ([]model.Device, error)
	// Rename changes a device name.
	Rename(ctx context.Context, ownerID, deviceID uuid.UUID, name string) error
	// Revoke permanently disables a device.
	Revoke(ctx context.Context, ownerID, deviceID uuid.UUID) error
	// RotateKey issues a fresh encryption key for the current rotation tag.
	RotateKey(ctx context.Context, ownerID, deviceID uuid.UUID) (model.IssuedDevice, error)
}

type DeviceServiceImpl struct {
	devices repository.DeviceRepository
	keys    *pkgcrypto.KeyManager
	log     *zap.Logger
	now     func() time.Time
}

// NewDeviceService constructs the registry.
func NewDeviceService(devices repository.DeviceRepository, keys *pkgcrypto.KeyManager, log *zap.Logger) *DeviceServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceServiceImpl{devices: devices, keys: keys, log: log, now: time.Now}
}

// Register generates the device id and secret, stores only the secret hash and
// the key tag, and hands both plaintexts back to the caller.
func (s *DeviceServiceImpl) Register(ctx context.Context, ownerID uuid.UUID, name string) (model.IssuedDevice, error) {
	if ownerID == uuid.Nil {
		return model.IssuedDevice{}, fmt.Errorf("owner id: %w", errs.ErrValidation)
	}
	name, err := normalizeDeviceName(name)
	if err != nil {
		return model.IssuedDevice{}, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.IssuedDevice{}, err
	}
	secret, err := pkgcrypto.NewDeviceSecret()
	if err != nil {
		return model.IssuedDevice{}, err
	}
	now := s.now().UTC()
	tag, key, exp := s.keys.IssueKey(id.String(), now)

	d := &model.Device{
		ID:           id,
		OwnerID:      ownerID,
		Name:         name,
		SecretHash:   pkgcrypto.DeriveSigningKey(secret, id.String()),
		KeyTag:       tag,
		KeyExpiresAt: exp,
		IsActive:     true,
	}
	if err := s.devices.Create(ctx, d); err != nil {
		return model.IssuedDevice{}, err
	}
	s.log.Info("device registered",
		zap.String("owner_id", ownerID.String()),
		zap.String("device_id", id.String()),
		zap.String("key_tag", tag),
	)
	return model.IssuedDevice{
		Device:        *d,
		HMACSecret:    secret,
		EncryptionKey: base64.StdEncoding.EncodeToString(key),
	}, nil
}

func (s *DeviceServiceImpl) List(ctx context.Context, ownerID uuid.UUID) ([]model.Device, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("owner id: %w", errs.ErrValidation)
	}
	return s.devices.ListByOwner(ctx, ownerID)
}

func (s *DeviceServiceImpl) Rename(ctx context.Context, ownerID, deviceID uuid.UUID, name string) error {
	name, err := normalizeDeviceName(name)
	if err != nil {
		return err
	}
	return s.devices.Rename(ctx, ownerID, deviceID, name)
}

// Revoke is idempotent; the first revocation time is kept.
func (s *DeviceServiceImpl) Revoke(ctx context.Context, ownerID, deviceID uuid.UUID) error {
	if err := s.devices.Revoke(ctx, ownerID, deviceID, s.now().UTC()); err != nil {
		return err
	}
	s.log.Info("device revoked", zap.String("owner_id", ownerID.String()), zap.String("device_id", deviceID.String()))
	return nil
}

func (s *DeviceServiceImpl) RotateKey(ctx context.Context, ownerID, deviceID uuid.UUID) (model.IssuedDevice, error) {
	d, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return model.IssuedDevice{}, err
	}
	if d.OwnerID != ownerID {
		return model.IssuedDevice{}, errs.ErrNotFound
	}
	if d.Revoked {
		return model.IssuedDevice{}, errs.ErrDeviceRevoked
	}
	tag, key, exp := s.keys.IssueKey(d.ID.String(), s.now().UTC())
	if err := s.devices.SetKey(ctx, ownerID, deviceID, tag, exp); err != nil {
		return model.IssuedDevice{}, err
	}
	d.KeyTag, d.KeyExpiresAt = tag, exp
	s.log.Info("device key rotated", zap.String("device_id", d.ID.String()), zap.String("key_tag", tag))
	return model.IssuedDevice{Device: *d, EncryptionKey: base64.StdEncoding.EncodeToString(key)}, nil
}

func normalizeDeviceName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty device name: %w", errs.ErrValidation)
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("device name is not utf-8: %w", errs.ErrValidation)
	}
	if utf8.RuneCountInString(name) > MaxDeviceNameLen {
		return "", fmt.Errorf("device name longer than %d: %w", MaxDeviceNameLen, errs.ErrValidation)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("control character in device name: %w", errs.ErrValidation)
		}
	}
	return name, nil
}
