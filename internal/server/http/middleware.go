package httpserver

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/ea-relay/internal/crypto"
	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status, r.wrote = code, true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status, r.wrote = http.StatusOK, true
	}
	return r.ResponseWriter.Write(b)
}

// Logging logs request metadata. Bodies and auth headers are never logged.
func Logging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info("http",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("dur", time.Since(start)),
				zap.String("peer", r.RemoteAddr),
			)
		})
	}
}

// Recover turns handler panics into a 500.
func Recover(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					log.Error("panic",
						zap.Any("reason", p),
						zap.ByteString("stack", debug.Stack()),
						zap.String("path", r.URL.Path),
					)
					if !rec.wrote {
						writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
					}
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// requireDevice verifies the HMAC headers over the raw body and puts the
// device into the request context. The body is restored for the handler.
func (s *Server) requireDevice(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "body too large"})
				return
			}
			s.writeError(w, r, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		d, err := s.devAuth.Authenticate(r.Context(), model.SignedRequest{
			Method:    r.Method,
			Path:      r.URL.Path,
			Body:      body,
			DeviceID:  r.Header.Get(pkgcrypto.HeaderDeviceID),
			Nonce:     r.Header.Get(pkgcrypto.HeaderNonce),
			Timestamp: r.Header.Get(pkgcrypto.HeaderTimestamp),
			Signature: r.Header.Get(pkgcrypto.HeaderSignature),
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if s.throttle != nil && !s.throttle.allow(d.ID) {
			s.log.Warn("device throttled", zap.String("device_id", d.ID.String()), zap.String("path", r.URL.Path))
			s.writeError(w, r, errs.ErrRateLimited)
			return
		}
		next(w, r.WithContext(WithDevice(r.Context(), d)))
	})
}

// requireOwner checks the Bearer access token.
func (s *Server) requireOwner(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearerToken(r)
		if !ok {
			s.writeError(w, r, errs.ErrUnauthorized)
			return
		}
		id, err := s.auth.ParseToken(tok)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(WithOwnerID(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return "", false
	}
	t := strings.TrimSpace(v[7:])
	return t, t != ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
