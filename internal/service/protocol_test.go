package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	pkgcrypto "github.com/and161185/ea-relay/internal/crypto"
	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
)

// deviceKey decodes the key handed out at registration.
func deviceKey(t *testing.T, issued model.IssuedDevice) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(issued.EncryptionKey)
	require.NoError(t, err)
	return k
}

func TestProtocol_EndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	issued := e.register(t, "vps")

	d, err := e.auth.Authenticate(ctx, e.signed(issued, "GET", "/v1/poll", "", "p-1"))
	require.NoError(t, err)
	entries, err := e.proto.Poll(ctx, d)
	require.NoError(t, err)
	require.Empty(t, entries)

	sig := e.approve(t, `{"symbol":"EURUSD","side":"buy","lots":0.1}`)

	d, err = e.auth.Authenticate(ctx, e.signed(issued, "GET", "/v1/poll", "", "p-2"))
	require.NoError(t, err)
	entries, err = e.proto.Poll(ctx, d)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, *sig.ApprovalID, entries[0].ApprovalID)

	pt, err := pkgcrypto.OpenWithKey(deviceKey(t, issued), issued.Device.ID.String(), entries[0].Nonce, entries[0].Ciphertext)
	require.NoError(t, err)
	require.JSONEq(t, string(sig.Payload), string(pt))

	stored, _ := e.store.Devices().GetByID(ctx, d.ID)
	require.NotNil(t, stored.LastPoll)
	require.NotNil(t, stored.LastSeen)

	rep := model.AckReport{ApprovalID: *sig.ApprovalID, Status: model.ExecutionExecuted, Detail: "ticket 42"}
	first, replayed, err := e.proto.Ack(ctx, d, rep)
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := e.proto.Ack(ctx, d, model.AckReport{ApprovalID: *sig.ApprovalID, Status: model.ExecutionFailed})
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first, second, "replay returns the original record")
	require.Equal(t, 1, e.store.Executions().Count())

	entries, err = e.proto.Poll(ctx, d)
	require.NoError(t, err)
	require.Empty(t, entries, "executed signal is no longer delivered")

	require.NoError(t, e.devices.Revoke(ctx, e.owner, d.ID))
	_, err = e.auth.Authenticate(ctx, e.signed(issued, "GET", "/v1/poll", "", "p-3"))
	require.ErrorIs(t, err, errs.ErrDeviceRevoked)
}

func TestProtocol_PollSealsPerDevice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.register(t, "a")
	b := e.register(t, "b")
	e.approve(t, `{"n":1}`)

	da, _ := e.store.Devices().GetByID(ctx, a.Device.ID)
	entries, err := e.proto.Poll(ctx, da)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = pkgcrypto.OpenWithKey(deviceKey(t, b), b.Device.ID.String(), entries[0].Nonce, entries[0].Ciphertext)
	require.ErrorIs(t, err, errs.ErrTampered)
	_, err = pkgcrypto.OpenWithKey(deviceKey(t, a), b.Device.ID.String(), entries[0].Nonce, entries[0].Ciphertext)
	require.ErrorIs(t, err, errs.ErrTampered, "AAD binds the envelope to its device")
}

func TestProtocol_PollOrderAndBatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.proto.batch = 2
	issued := e.register(t, "vps")
	var want []uuid.UUID
	for i := 0; i < 3; i++ {
		want = append(want, *e.approve(t, `{}`).ApprovalID)
		e.clk.Advance(time.Second)
	}

	d, _ := e.store.Devices().GetByID(ctx, issued.Device.ID)
	entries, err := e.proto.Poll(ctx, d)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, want[0], entries[0].ApprovalID)
	require.Equal(t, want[1], entries[1].ApprovalID)
}

func TestProtocol_NoActiveKey(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	issued := e.register(t, "vps")
	e.approve(t, `{}`)
	d, _ := e.store.Devices().GetByID(ctx, issued.Device.ID)

	e.clk.Advance(pkgcrypto.DefaultKeyTTL)
	_, err := e.proto.Poll(ctx, d)
	require.ErrorIs(t, err, errs.ErrNoActiveKey, "key is unusable exactly at expiry")
}

func TestProtocol_AckAfterKeyExpiry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	issued := e.register(t, "vps")
	sig := e.approve(t, `{}`)
	d, _ := e.store.Devices().GetByID(ctx, issued.Device.ID)

	entries, err := e.proto.Poll(ctx, d)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e.clk.t = d.KeyExpiresAt
	_, replayed, err := e.proto.Ack(ctx, d, model.AckReport{ApprovalID: *sig.ApprovalID, Status: model.ExecutionExecuted})
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, 1, e.store.Executions().Count())

	all, err := e.signals.List(ctx, e.owner)
	require.NoError(t, err)
	require.Equal(t, model.SignalExecuted, all[0].State)
}

func TestProtocol_AckValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	issued := e.register(t, "vps")
	d, _ := e.store.Devices().GetByID(ctx, issued.Device.ID)
	sig := e.approve(t, `{}`)

	_, _, err := e.proto.Ack(ctx, d, model.AckReport{Status: model.ExecutionExecuted})
	require.ErrorIs(t, err, errs.ErrValidation)
	_, _, err = e.proto.Ack(ctx, d, model.AckReport{ApprovalID: *sig.ApprovalID, Status: "done"})
	require.ErrorIs(t, err, errs.ErrValidation)
	_, _, err = e.proto.Ack(ctx, d, model.AckReport{ApprovalID: uuid.Must(uuid.NewV4()), Status: model.ExecutionFailed})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestProtocol_AckFailedAndDetailTruncation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	issued := e.register(t, "vps")
	d, _ := e.store.Devices().GetByID(ctx, issued.Device.ID)
	sig := e.approve(t, `{}`)

	long := strings.Repeat("é", MaxAckDetail+10)
	got, replayed, err := e.proto.Ack(ctx, d, model.AckReport{ApprovalID: *sig.ApprovalID, Status: model.ExecutionFailed, Detail: long})
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, MaxAckDetail, utf8.RuneCountInString(got.Detail))

	all, _ := e.signals.List(ctx, e.owner)
	require.Equal(t, model.SignalFailed, all[0].State)
	entries, err := e.proto.Poll(ctx, d)
	require.NoError(t, err)
	require.Empty(t, entries, "failed signals wait for manual review")
}

type failingExecutions struct{}

func (failingExecutions) Record(context.Context, uuid.UUID, *model.Execution) (model.Execution, bool, error) {
	return model.Execution{}, false, errors.New("tx aborted")
}

func TestProtocol_AckStoreFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	issued := e.register(t, "vps")
	d, _ := e.store.Devices().GetByID(ctx, issued.Device.ID)
	sig := e.approve(t, `{}`)

	p := NewProtocolService(e.store.Signals(), e.store.Devices(), failingExecutions{}, e.keys, 0, nil)
	p.now = e.clk.Now
	_, _, err := p.Ack(ctx, d, model.AckReport{ApprovalID: *sig.ApprovalID, Status: model.ExecutionExecuted})
	require.Error(t, err)

	// the device retries against the healthy store and gets a fresh record
	_, replayed, err := e.proto.Ack(ctx, d, model.AckReport{ApprovalID: *sig.ApprovalID, Status: model.ExecutionExecuted})
	require.NoError(t, err)
	require.False(t, replayed)
}

func TestProtocol_ConcurrentAcksRecordOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	issued := e.register(t, "vps")
	d, _ := e.store.Devices().GetByID(ctx, issued.Device.ID)
	sig := e.approve(t, `{}`)

	const n = 32
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
		ids   = map[uuid.UUID]struct{}{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, replayed, err := e.proto.Ack(ctx, d, model.AckReport{ApprovalID: *sig.ApprovalID, Status: model.ExecutionExecuted})
			if err != nil {
				t.Errorf("ack: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !replayed {
				fresh++
			}
			ids[got.ID] = struct{}{}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, fresh)
	require.Len(t, ids, 1, "every caller sees the same record")
	require.Equal(t, 1, e.store.Executions().Count())
}
