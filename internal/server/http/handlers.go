package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"

	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/model"
)

// --- Device protocol ---

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	d, _ := DeviceFromCtx(r.Context())
	entries, err := s.proto.Poll(r.Context(), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]PollEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, PollEntry{ApprovalID: e.ApprovalID.String(), Nonce: e.Nonce, Ciphertext: e.Ciphertext})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAck answers 201 for a new record and 200 when an earlier record for
// the same approval and device is returned.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	d, _ := DeviceFromCtx(r.Context())
	var req AckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	approvalID, err := uuid.FromString(req.ApprovalID)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("approval_id: %w", errs.ErrValidation))
		return
	}
	e, replayed, err := s.proto.Ack(r.Context(), d, model.AckReport{
		ApprovalID: approvalID,
		Status:     model.ExecutionStatus(req.Status),
		Detail:     req.Detail,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, AckResponse{
		ExecutionID: e.ID.String(),
		ApprovalID:  e.ApprovalID.String(),
		DeviceID:    e.DeviceID.String(),
		Status:      string(e.Status),
		Detail:      e.Detail,
		CreatedAt:   e.CreatedAt,
		Replayed:    replayed,
	})
}

// --- Owner accounts ---

func (s *Server) handleRegisterOwner(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerOwnerResponse{OwnerID: id})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, o, err := s.auth.LoginWithIP(r.Context(), req.Username, req.Password, clientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt, OwnerID: o.ID.String()})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerIDFromCtx(r.Context())
	if err := s.auth.Delete(r.Context(), ownerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Device registry ---

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerIDFromCtx(r.Context())
	var req deviceNameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	issued, err := s.devices.Register(r.Context(), ownerID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, toIssuedDevice(issued))
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerIDFromCtx(r.Context())
	ds, err := s.devices.List(r.Context(), ownerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceViews(ds))
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerIDFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req deviceNameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.devices.Rename(r.Context(), ownerID, id, req.Name); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerIDFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.devices.Revoke(r.Context(), ownerID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerIDFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	issued, err := s.devices.RotateKey(r.Context(), ownerID, id)
	if errors.Is(err, errs.ErrDeviceRevoked) {
		// the owner is authenticated; a revoked device is a state conflict here
		writeJSON(w, http.StatusConflict, errorBody{Error: "device revoked"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, toIssuedDevice(issued))
}

// --- Signals ---

func (s *Server) handleCreateSignal(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerIDFromCtx(r.Context())
	var req createSignalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sig, err := s.signals.Create(r.Context(), ownerID, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSignalView(*sig))
}

func (s *Server) handleApproveSignal(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerIDFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sig, err := s.signals.Approve(r.Context(), ownerID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSignalView(*sig))
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerIDFromCtx(r.Context())
	sigs, err := s.signals.List(r.Context(), ownerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]signalView, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, toSignalView(sig))
	}
	writeJSON(w, http.StatusOK, out)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad id: %w", errs.ErrValidation)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("bad json body: %w", errs.ErrValidation)
	}
	return nil
}
