package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MichelMoriniaux/BigPowerBox/internal/audit"
)

// featureID parses the {id} path parameter, writing a 400 on failure.
func featureID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "feature id must be an integer")
		return 0, false
	}
	return id, true
}

// handleListFeatures returns the whole feature model.
func (s *Server) handleListFeatures(w http.ResponseWriter, _ *http.Request) {
	features, err := s.controller.Features()
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": features, "count": len(features)})
}

func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := featureID(w, r)
	if !ok {
		return
	}
	f, err := s.controller.Feature(id)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// writeFeature answers a successful write with the feature as it now is.
func (s *Server) writeFeature(w http.ResponseWriter, id int) {
	f, err := s.controller.Feature(id)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type switchRequest struct {
	State *bool `json:"state"`
}

// handleSetSwitch turns a port on or off.
func (s *Server) handleSetSwitch(w http.ResponseWriter, r *http.Request) {
	id, ok := featureID(w, r)
	if !ok {
		return
	}
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.State == nil {
		writeBadRequest(w, `body must be {"state": bool}`)
		return
	}

	err := s.controller.SetSwitch(r.Context(), id, *req.State)
	s.auditLog(r, audit.ActionSwitch, audit.Feature(id), map[string]any{"state": *req.State}, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	s.writeFeature(w, id)
}

type valueRequest struct {
	Value *float64 `json:"value"`
}

// handleSetValue sets a PWM duty cycle, mode or temperature offset.
func (s *Server) handleSetValue(w http.ResponseWriter, r *http.Request) {
	id, ok := featureID(w, r)
	if !ok {
		return
	}
	var req valueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		writeBadRequest(w, `body must be {"value": number}`)
		return
	}

	err := s.controller.SetValue(r.Context(), id, *req.Value)
	s.auditLog(r, audit.ActionSetValue, audit.Feature(id), map[string]any{"value": *req.Value}, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	s.writeFeature(w, id)
}

type nameRequest struct {
	Name string `json:"name"`
}

// handleSetName renames a feature. Port names are stored on the board.
func (s *Server) handleSetName(w http.ResponseWriter, r *http.Request) {
	id, ok := featureID(w, r)
	if !ok {
		return
	}
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	err := s.controller.SetName(r.Context(), id, req.Name)
	s.auditLog(r, audit.ActionSetName, audit.Feature(id), map[string]any{"name": req.Name}, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	s.writeFeature(w, id)
}
