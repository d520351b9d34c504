package service

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/ea-relay/internal/crypto"
	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/and161185/ea-relay/internal/repository"
)

const (
	// DefaultPollBatch caps signals handed out per poll.
	DefaultPollBatch = 100
	// MaxAckDetail bounds the stored failure detail in runes.
	MaxAckDetail = 1024
)

// ProtocolService is the device-facing poll/ack protocol. Callers pass a
// device already returned by DeviceAuthenticator.
type ProtocolService interface {
	// Poll seals every deliverable signal of the device owner for the device.
	Poll(ctx context.Context, d *model.Device) ([]model.PollEntry, error)
	// Ack records the device's execution report exactly once.
	Ack(ctx context.Context, d *model.Device, rep model.AckReport) (model.Execution, bool, error)
}

type ProtocolServiceImpl struct {
	signals    repository.SignalRepository
	devices    repository.DeviceRepository
	executions repository.ExecutionRepository
	keys       *pkgcrypto.KeyManager
	codec      *pkgcrypto.EnvelopeCodec
	batch      int
	log        *zap.Logger
	now        func() time.Time
}

// NewProtocolService wires the protocol handler. batch <= 0 selects DefaultPollBatch.
func NewProtocolService(
	signals repository.SignalRepository,
	devices repository.DeviceRepository,
	executions repository.ExecutionRepository,
	keys *pkgcrypto.KeyManager,
	batch int,
	log *zap.Logger,
) *ProtocolServiceImpl {
	if batch <= 0 {
		batch = DefaultPollBatch
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ProtocolServiceImpl{
		signals:    signals,
		devices:    devices,
		executions: executions,
		keys:       keys,
		codec:      pkgcrypto.NewEnvelopeCodec(keys, log),
		batch:      batch,
		log:        log,
		now:        time.Now,
	}
}

// Poll is read-only with respect to signal state: a signal stays deliverable
// while it is APPROVED and unarmed, so every device of the owner receives it
// until the first ack moves it on.
func (s *ProtocolServiceImpl) Poll(ctx context.Context, d *model.Device) ([]model.PollEntry, error) {
	now := s.now()
	if _, ok := s.keys.ActiveKey(d, now); !ok {
		return nil, errs.ErrNoActiveKey
	}
	sigs, err := s.signals.ListDeliverable(ctx, d.OwnerID, s.batch)
	if err != nil {
		return nil, err
	}
	out := make([]model.PollEntry, 0, len(sigs))
	for i := range sigs {
		if sigs[i].ApprovalID == nil {
			continue
		}
		env, err := s.codec.Seal(d, sigs[i].Payload, now)
		if err != nil {
			return nil, err
		}
		out = append(out, model.PollEntry{ApprovalID: *sigs[i].ApprovalID, Envelope: env})
	}
	if err := s.devices.TouchPoll(ctx, d.ID, now.UTC()); err != nil {
		// activity stamps are informational; the sealed batch is still valid
		s.log.Warn("touch poll failed", zap.String("device_id", d.ID.String()), zap.Error(err))
	}
	s.log.Debug("poll served", zap.String("device_id", d.ID.String()), zap.Int("count", len(out)))
	return out, nil
}

// Ack validates the report and stores it. The second result reports whether
// an earlier record for the same (approval, device) was returned instead.
// Recording needs no key, so a report still lands after the key expires.
func (s *ProtocolServiceImpl) Ack(ctx context.Context, d *model.Device, rep model.AckReport) (model.Execution, bool, error) {
	if rep.ApprovalID == uuid.Nil {
		return model.Execution{}, false, fmt.Errorf("approval_id: %w", errs.ErrValidation)
	}
	if !rep.Status.Valid() {
		return model.Execution{}, false, fmt.Errorf("status %q: %w", rep.Status, errs.ErrValidation)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Execution{}, false, err
	}
	e := &model.Execution{
		ID:         id,
		ApprovalID: rep.ApprovalID,
		DeviceID:   d.ID,
		Status:     rep.Status,
		Detail:     truncateRunes(rep.Detail, MaxAckDetail),
	}
	stored, replayed, err := s.executions.Record(ctx, d.OwnerID, e)
	if err != nil {
		return model.Execution{}, false, err
	}
	s.log.Info("ack recorded",
		zap.String("device_id", d.ID.String()),
		zap.String("approval_id", rep.ApprovalID.String()),
		zap.String("status", string(stored.Status)),
		zap.Bool("replayed", replayed),
	)
	return stored, replayed, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
