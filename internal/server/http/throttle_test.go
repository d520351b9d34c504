package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/ea-relay/internal/model"
)

func TestDeviceThrottle_BurstThenRefill(t *testing.T) {
	t.Parallel()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	th := newDeviceThrottle(1, 2)
	th.now = func() time.Time { return clock }

	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	require.True(t, th.allow(a))
	require.True(t, th.allow(a))
	require.False(t, th.allow(a))
	require.True(t, th.allow(b), "buckets are per device")

	clock = clock.Add(time.Second)
	require.True(t, th.allow(a))
	require.False(t, th.allow(a))
}

func TestDeviceThrottle_SweepsIdle(t *testing.T) {
	t.Parallel()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	th := newDeviceThrottle(1, 1)
	th.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		th.allow(uuid.Must(uuid.NewV4()))
	}
	require.Equal(t, 5, th.size())

	clock = clock.Add(2 * throttleIdle)
	keep := uuid.Must(uuid.NewV4())
	th.allow(keep)
	require.Equal(t, 1, th.size())
}

type staticAuth struct{ d *model.Device }

func (a staticAuth) Authenticate(context.Context, model.SignedRequest) (*model.Device, error) {
	return a.d, nil
}

func TestRequireDevice_Throttled(t *testing.T) {
	t.Parallel()
	d := &model.Device{ID: uuid.Must(uuid.NewV4())}
	s := New(nil, nil, nil, nil, staticAuth{d: d}, zaptest.NewLogger(t)).WithDeviceRate(0.001, 1)

	h := s.requireDevice(func(w http.ResponseWriter, r *http.Request) {
		got, ok := DeviceFromCtx(r.Context())
		require.True(t, ok)
		require.Equal(t, d.ID, got.ID)
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/poll", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/poll", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.JSONEq(t, `{"error":"rate limited"}`, rec.Body.String())
}

func TestWithDeviceRate_ZeroDisables(t *testing.T) {
	t.Parallel()
	s := New(nil, nil, nil, nil, nil, nil).WithDeviceRate(5, 10)
	require.NotNil(t, s.throttle)
	s.WithDeviceRate(0, 10)
	require.Nil(t, s.throttle)
}
