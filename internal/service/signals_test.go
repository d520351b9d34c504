package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
)

func TestSignals_CreateApproveList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, bad := range []string{"", "{", strings.Repeat(" ", MaxSignalPayload+1)} {
		_, err := e.signals.Create(ctx, e.owner, json.RawMessage(bad))
		require.ErrorIs(t, err, errs.ErrValidation)
	}
	_, err := e.signals.Create(ctx, uuid.Nil, json.RawMessage(`{}`))
	require.ErrorIs(t, err, errs.ErrValidation)

	sig, err := e.signals.Create(ctx, e.owner, json.RawMessage(`{"symbol":"XAUUSD"}`))
	require.NoError(t, err)
	require.Equal(t, model.SignalNew, sig.State)
	require.Nil(t, sig.ApprovalID)

	approved, err := e.signals.Approve(ctx, e.owner, sig.ID)
	require.NoError(t, err)
	require.Equal(t, model.SignalApproved, approved.State)
	require.NotNil(t, approved.ApprovalID)
	require.NotNil(t, approved.ApprovedAt)

	_, err = e.signals.Approve(ctx, e.owner, sig.ID)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
	_, err = e.signals.Approve(ctx, uuid.Must(uuid.NewV4()), sig.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	list, err := e.signals.List(ctx, e.owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, *approved.ApprovalID, *list[0].ApprovalID)
}
