package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/ea-relay/internal/errs"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps service errors onto HTTP. Authentication failures share one
// generic body so callers cannot tell which check failed.
func statusFor(err error) (int, string) {
	switch {
	case errs.IsAuthFailure(err):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errs.ErrTampered):
		return http.StatusForbidden, "envelope rejected"
	case errors.Is(err, errs.ErrNoActiveKey):
		return http.StatusGone, "no active key; re-register the device"
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict, "already exists"
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limited"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
