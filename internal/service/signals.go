package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/and161185/ea-relay/internal/repository"
)

// MaxSignalPayload bounds a signal payload in bytes.
const MaxSignalPayload = 16 << 10

// SignalService accepts trade signals and their owner approvals.
type SignalService interface {
	// Create stores a NEW signal.
	Create(ctx context.Context, ownerID uuid.UUID, payload json.RawMessage) (*model.Signal, error)
	// Approve moves a NEW signal to APPROVED and assigns its approval id.
	Approve(ctx context.Context, ownerID, signalID uuid.UUID) (*model.Signal, error)
	// List returns the owner's signals, newest first.
	List(ctx context.Context, ownerID uuid.UUID) ([]model.Signal, error)
}

type SignalServiceImpl struct {
	repo repository.SignalRepository
	now  func() time.Time
}

// NewSignalService constructs SignalService.
func NewSignalService(repo repository.SignalRepository) *SignalServiceImpl {
	return &SignalServiceImpl{repo: repo, now: time.Now}
}

func (s *SignalServiceImpl) Create(ctx context.Context, ownerID uuid.UUID, payload json.RawMessage) (*model.Signal, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("owner id: %w", errs.ErrValidation)
	}
	if len(payload) == 0 || len(payload) > MaxSignalPayload || !json.Valid(payload) {
		return nil, fmt.Errorf("payload must be a JSON document up to %d bytes: %w", MaxSignalPayload, errs.ErrValidation)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	sig := &model.Signal{ID: id, OwnerID: ownerID, Payload: payload, State: model.SignalNew}
	if err := s.repo.Create(ctx, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

func (s *SignalServiceImpl) Approve(ctx context.Context, ownerID, signalID uuid.UUID) (*model.Signal, error) {
	approvalID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return s.repo.Approve(ctx, ownerID, signalID, approvalID, s.now().UTC())
}

func (s *SignalServiceImpl) List(ctx context.Context, ownerID uuid.UUID) ([]model.Signal, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}
