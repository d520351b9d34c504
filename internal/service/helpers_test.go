package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	pkgcrypto "github.com/and161185/ea-relay/internal/crypto"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/and161185/ea-relay/internal/repository/memory"
)

const testMaster = "0123456789abcdef0123456789abcdef"

// clock is a settable time source shared by the store and services.
type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type env struct {
	clk     *clock
	store   *memory.Store
	keys    *pkgcrypto.KeyManager
	devices *DeviceServiceImpl
	auth    *DeviceAuthenticator
	proto   *ProtocolServiceImpl
	signals *SignalServiceImpl
	owner   uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := &clock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := memory.NewWithClock(clk.Now)
	keys, err := pkgcrypto.NewKeyManager([]byte(testMaster), 0, 0)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)

	e := &env{
		clk:     clk,
		store:   store,
		keys:    keys,
		devices: NewDeviceService(store.Devices(), keys, log),
		auth:    NewDeviceAuthenticator(store.Devices(), store.Nonces(), 0, log),
		proto:   NewProtocolService(store.Signals(), store.Devices(), store.Executions(), keys, 0, log),
		signals: NewSignalService(store.Signals()),
	}
	e.devices.now = clk.Now
	e.auth.now = clk.Now
	e.proto.now = clk.Now
	e.signals.now = clk.Now

	e.owner = uuid.Must(uuid.NewV4())
	require.NoError(t, store.Owners().Create(context.Background(), &model.Owner{ID: e.owner, Username: "alice"}))
	return e
}

func (e *env) register(t *testing.T, name string) model.IssuedDevice {
	t.Helper()
	issued, err := e.devices.Register(context.Background(), e.owner, name)
	require.NoError(t, err)
	return issued
}

func (e *env) approve(t *testing.T, payload string) *model.Signal {
	t.Helper()
	ctx := context.Background()
	sig, err := e.signals.Create(ctx, e.owner, json.RawMessage(payload))
	require.NoError(t, err)
	sig, err = e.signals.Approve(ctx, e.owner, sig.ID)
	require.NoError(t, err)
	return sig
}

// signed builds a request the way a device would.
func (e *env) signed(issued model.IssuedDevice, method, path, body, nonce string) model.SignedRequest {
	r := model.SignedRequest{
		Method:    method,
		Path:      path,
		Body:      []byte(body),
		DeviceID:  issued.Device.ID.String(),
		Nonce:     nonce,
		Timestamp: e.clk.Now().Format(time.RFC3339),
	}
	r.Signature = signFor(issued, r)
	return r
}

func signFor(issued model.IssuedDevice, r model.SignedRequest) string {
	return pkgcrypto.Sign(pkgcrypto.DeriveSigningKey(issued.HMACSecret, r.DeviceID), r)
}
