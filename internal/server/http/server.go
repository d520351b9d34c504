// Package httpserver exposes the relay over HTTP: the signed device protocol
// (poll, ack) and the owner API (accounts, devices, signals).
package httpserver

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/ea-relay/internal/model"
	"github.com/and161185/ea-relay/internal/service"
)

// DefaultMaxBody caps request bodies.
const DefaultMaxBody = 64 << 10

// DeviceAuthenticator resolves the device behind a signed request.
type DeviceAuthenticator interface {
	Authenticate(ctx context.Context, r model.SignedRequest) (*model.Device, error)
}

// Server wires services into HTTP handlers.
type Server struct {
	auth    service.AuthService
	devices service.DeviceService
	signals service.SignalService
	proto   service.ProtocolService
	devAuth DeviceAuthenticator
	log     *zap.Logger
	maxBody int64

	throttle *deviceThrottle
}

// New constructs the HTTP server with injected services.
func New(
	auth service.AuthService,
	devices service.DeviceService,
	signals service.SignalService,
	proto service.ProtocolService,
	devAuth DeviceAuthenticator,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		auth:    auth,
		devices: devices,
		signals: signals,
		proto:   proto,
		devAuth: devAuth,
		log:     log,
		maxBody: DefaultMaxBody,
	}
}

// WithDeviceRate caps signed requests per device at rps with the given burst.
// rps <= 0 leaves devices unthrottled.
func (s *Server) WithDeviceRate(rps float64, burst int) *Server {
	if rps > 0 {
		s.throttle = newDeviceThrottle(rps, burst)
	} else {
		s.throttle = nil
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(Logging(s.log), Recover(s.log))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	// device protocol
	r.Handle("/v1/poll", s.requireDevice(s.handlePoll)).Methods(http.MethodGet)
	r.Handle("/v1/ack", s.requireDevice(s.handleAck)).Methods(http.MethodPost)

	// owner accounts
	r.HandleFunc("/v1/auth/register", s.handleRegisterOwner).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.Handle("/v1/account", s.requireOwner(s.handleDeleteAccount)).Methods(http.MethodDelete)

	// device registry
	r.Handle("/v1/devices", s.requireOwner(s.handleRegisterDevice)).Methods(http.MethodPost)
	r.Handle("/v1/devices", s.requireOwner(s.handleListDevices)).Methods(http.MethodGet)
	r.Handle("/v1/devices/{id}", s.requireOwner(s.handleRenameDevice)).Methods(http.MethodPatch)
	r.Handle("/v1/devices/{id}/revoke", s.requireOwner(s.handleRevokeDevice)).Methods(http.MethodPost)
	r.Handle("/v1/devices/{id}/rotate-key", s.requireOwner(s.handleRotateKey)).Methods(http.MethodPost)

	// signals
	r.Handle("/v1/signals", s.requireOwner(s.handleCreateSignal)).Methods(http.MethodPost)
	r.Handle("/v1/signals", s.requireOwner(s.handleListSignals)).Methods(http.MethodGet)
	r.Handle("/v1/signals/{id}/approve", s.requireOwner(s.handleApproveSignal)).Methods(http.MethodPost)

	return r
}
