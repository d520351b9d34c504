package service

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	pkgcrypto "github.com/and161185/ea-relay/internal/crypto"
	"github.com/and161185/ea-relay/internal/errs"
)

func TestDevices_Register(t *testing.T) {
	e := newEnv(t)
	issued := e.register(t, "  vps-1 ")

	require.Equal(t, "vps-1", issued.Device.Name)
	require.Len(t, issued.HMACSecret, 2*pkgcrypto.DeviceSecretLen)
	require.True(t, issued.Device.IsActive)
	require.False(t, issued.Device.Revoked)
	require.Equal(t, e.clk.Now().Add(pkgcrypto.DefaultKeyTTL), issued.Device.KeyExpiresAt)

	key, err := base64.StdEncoding.DecodeString(issued.EncryptionKey)
	require.NoError(t, err)
	require.Equal(t, e.keys.DeriveKey(issued.Device.ID.String(), e.keys.RotationTag(e.clk.Now())), key)

	stored, err := e.store.Devices().GetByID(context.Background(), issued.Device.ID)
	require.NoError(t, err)
	require.Equal(t, pkgcrypto.DeriveSigningKey(issued.HMACSecret, issued.Device.ID.String()), stored.SecretHash)
	require.NotContains(t, string(stored.SecretHash), issued.HMACSecret)

	other := e.register(t, "vps-2")
	require.NotEqual(t, issued.HMACSecret, other.HMACSecret)
	require.NotEqual(t, issued.EncryptionKey, other.EncryptionKey)
}

func TestDevices_Register_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, name := range []string{"", "   ", strings.Repeat("x", MaxDeviceNameLen+1), "bad\nname", "\xff"} {
		_, err := e.devices.Register(ctx, e.owner, name)
		require.ErrorIs(t, err, errs.ErrValidation, "name %q", name)
	}
	_, err := e.devices.Register(ctx, uuid.Nil, "vps")
	require.ErrorIs(t, err, errs.ErrValidation)

	e.register(t, "vps")
	_, err = e.devices.Register(ctx, e.owner, "vps")
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestDevices_ListRenameRevoke(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.register(t, "a")
	e.register(t, "b")
	stranger := uuid.Must(uuid.NewV4())

	list, err := e.devices.List(ctx, e.owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	none, err := e.devices.List(ctx, stranger)
	require.NoError(t, err)
	require.Empty(t, none)

	require.ErrorIs(t, e.devices.Rename(ctx, e.owner, a.Device.ID, "b"), errs.ErrAlreadyExists)
	require.ErrorIs(t, e.devices.Rename(ctx, stranger, a.Device.ID, "c"), errs.ErrNotFound)
	require.ErrorIs(t, e.devices.Rename(ctx, e.owner, a.Device.ID, ""), errs.ErrValidation)
	require.NoError(t, e.devices.Rename(ctx, e.owner, a.Device.ID, "c"))

	require.ErrorIs(t, e.devices.Revoke(ctx, stranger, a.Device.ID), errs.ErrNotFound)
	require.NoError(t, e.devices.Revoke(ctx, e.owner, a.Device.ID))
	require.NoError(t, e.devices.Revoke(ctx, e.owner, a.Device.ID), "revoke is idempotent")

	got, err := e.store.Devices().GetByID(ctx, a.Device.ID)
	require.NoError(t, err)
	require.Equal(t, "c", got.Name)
	require.True(t, got.Revoked)
	_, ok := e.keys.ActiveKey(got, e.clk.Now())
	require.False(t, ok, "revoked device has no key")
}

func TestDevices_RotateKey(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	issued := e.register(t, "vps")

	e.clk.Advance(48 * time.Hour)
	rotated, err := e.devices.RotateKey(ctx, e.owner, issued.Device.ID)
	require.NoError(t, err)
	require.Empty(t, rotated.HMACSecret, "signing secret is not re-issued")
	require.NotEqual(t, issued.EncryptionKey, rotated.EncryptionKey)
	require.NotEqual(t, issued.Device.KeyTag, rotated.Device.KeyTag)
	require.Equal(t, e.clk.Now().Add(pkgcrypto.DefaultKeyTTL), rotated.Device.KeyExpiresAt)

	stored, _ := e.store.Devices().GetByID(ctx, issued.Device.ID)
	key, ok := e.keys.ActiveKey(stored, e.clk.Now())
	require.True(t, ok)
	require.Equal(t, rotated.EncryptionKey, base64.StdEncoding.EncodeToString(key))

	_, err = e.devices.RotateKey(ctx, uuid.Must(uuid.NewV4()), issued.Device.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.devices.RotateKey(ctx, e.owner, uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, e.devices.Revoke(ctx, e.owner, issued.Device.ID))
	_, err = e.devices.RotateKey(ctx, e.owner, issued.Device.ID)
	require.ErrorIs(t, err, errs.ErrDeviceRevoked)
}

func TestDevices_RegisterAfterOwnerDeleted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.Owners().Delete(ctx, e.owner))

	_, err := e.devices.Register(ctx, e.owner, "vps")
	require.ErrorIs(t, err, errs.ErrNotFound)
	list, err := e.devices.List(ctx, e.owner)
	require.NoError(t, err)
	require.Empty(t, list)
}
