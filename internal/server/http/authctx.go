package httpserver

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/ea-relay/internal/model"
)

type ctxKey string

const (
	ownerIDKey ctxKey = "ea.ownerID"
	deviceKey  ctxKey = "ea.device"
)

// WithOwnerID stores the authenticated owner ID in context.
func WithOwnerID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ownerIDKey, id)
}

// OwnerIDFromCtx fetches the owner ID from context.
func OwnerIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ownerIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// WithDevice stores the authenticated device in context.
func WithDevice(ctx context.Context, d *model.Device) context.Context {
	return context.WithValue(ctx, deviceKey, d)
}

// DeviceFromCtx fetches the authenticated device from context.
func DeviceFromCtx(ctx context.Context) (*model.Device, bool) {
	d, ok := ctx.Value(deviceKey).(*model.Device)
	return d, ok && d != nil
}
