package api

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MJE43/vision-trainer-go/internal/app"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
)

// POST /api/v1/calibrate
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req CalibrateRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", err.Error())
		return
	}
	p, err := s.svc.Calibrate(req.ReferenceWidthPx, req.PhysicalWidthMm)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CalibrateResponse{Profile: p, EngineVersion: EngineVersion})
}

// GET /api/v1/protocols
func (s *Server) handleProtocols(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, ProtocolsResponse{
		Protocols:     s.svc.Protocols(),
		EngineVersion: EngineVersion,
	})
}

// POST /api/v1/sessions
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", err.Error())
		return
	}
	if strings.TrimSpace(req.Protocol) == "" {
		s.errorHandler.HandleValidationError(w, r, "protocol", "protocol is required")
		return
	}
	snap, err := s.svc.StartSession(r.Context(), app.StartRequest{
		Protocol: req.Protocol,
		Seed:     req.Seed,
		Surface:  req.Surface,
	})
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+snap.SessionID)
	s.writeJSON(w, http.StatusCreated, snap)
}

// GET /api/v1/sessions/{id}
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// GET /api/v1/sessions/{id}/frame.png
//
// 204 when the session renders no frames or has finished.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	f, err := s.svc.Frame(chi.URLParam(r, "id"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	if f == nil || f.Pixels == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var buf bytes.Buffer
	if err := stimulus.EncodePNG(&buf, f); err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Stimulus-Kind", string(f.Kind))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// POST /api/v1/sessions/{id}/responses
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", err.Error())
		return
	}
	accepted, err := s.svc.Respond(chi.URLParam(r, "id"), req.Answer)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RespondResponse{Accepted: accepted})
}

// POST /api/v1/sessions/{id}/abort
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.Abort(chi.URLParam(r, "id"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SummaryResponse{Summary: sum, EngineVersion: EngineVersion})
}
