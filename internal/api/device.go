package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/MichelMoriniaux/BigPowerBox/internal/audit"
	"github.com/MichelMoriniaux/BigPowerBox/internal/device"
)

// deviceView is the response body of the device endpoints.
type deviceView struct {
	State      string             `json:"state"`
	Connected  bool               `json:"connected"`
	RefCount   int                `json:"ref_count"`
	SerialPort string             `json:"serial_port"`
	Trace      bool               `json:"trace"`
	Info       *device.DeviceInfo `json:"info,omitempty"`
	StatusLine string             `json:"status_line,omitempty"`

	// SavedNames are the port names last set through powerboxd, in port
	// order. POST /device/names/restore writes them back to the board.
	SavedNames []string `json:"saved_names,omitempty"`
}

func (s *Server) deviceView(ctx context.Context) deviceView {
	v := deviceView{
		State:      s.controller.State().String(),
		Connected:  s.controller.IsConnected(),
		RefCount:   s.controller.RefCount(),
		SerialPort: s.controller.SerialPort(),
		Trace:      s.controller.Trace(),
	}
	if info, err := s.controller.Info(); err == nil {
		v.Info = &info
	}
	if line, err := s.controller.StatusLine(); err == nil {
		v.StatusLine = line
	}
	if names, err := s.controller.SavedNames(ctx); err != nil {
		s.logger.Warn("reading saved port names", "error", err)
	} else {
		v.SavedNames = names
	}
	return v
}

// handleGetDevice returns the connection state and, when connected, what
// the board reported about itself.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deviceView(r.Context()))
}

// handleConnect takes a controller reference, opening the link if this is
// the first one.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := s.controller.Connect(r.Context())
	s.auditLog(r, audit.ActionConnect, nil, map[string]any{"serial_port": s.controller.SerialPort()}, err)
	if err != nil {
		s.logger.Warn("connect via API failed", "error", err)
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deviceView(r.Context()))
}

// handleDisconnect drops a controller reference. The link closes when the
// last one goes.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	err := s.controller.Disconnect()
	s.auditLog(r, audit.ActionDisconnect, nil, nil, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deviceView(r.Context()))
}

// handleRestoreNames writes the saved port names back to the board.
func (s *Server) handleRestoreNames(w http.ResponseWriter, r *http.Request) {
	restored, err := s.controller.RestoreNames(r.Context())
	s.auditLog(r, audit.ActionRestore, nil, map[string]any{"restored": restored}, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"restored": restored})
}

type rawCommandRequest struct {
	Command string `json:"command"`
}

// handleRawCommand passes a framed command straight to the board and
// returns its stripped reply.
func (s *Server) handleRawCommand(w http.ResponseWriter, r *http.Request) {
	var req rawCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	reply, err := s.controller.CommandString(r.Context(), req.Command)
	s.auditLog(r, audit.ActionRawCommand, nil, map[string]any{"command": req.Command, "reply": reply}, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"command": req.Command, "reply": reply})
}

type traceRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetTrace(w http.ResponseWriter, r *http.Request) {
	var req traceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeBadRequest(w, `body must be {"enabled": bool}`)
		return
	}
	if err := s.controller.SetTrace(r.Context(), *req.Enabled); err != nil {
		writeInternalError(w, "failed to save trace setting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"trace": *req.Enabled})
}

// handleListSerialPorts lists the host's serial ports and the one in use.
func (s *Server) handleListSerialPorts(w http.ResponseWriter, _ *http.Request) {
	ports, err := s.controller.ListPorts()
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	if ports == nil {
		ports = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ports":   ports,
		"current": s.controller.SerialPort(),
	})
}

type serialPortRequest struct {
	Port string `json:"port"`
}

// handleSetSerialPort selects the port the next connect opens.
func (s *Server) handleSetSerialPort(w http.ResponseWriter, r *http.Request) {
	var req serialPortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	err := s.controller.SetSerialPort(r.Context(), req.Port)
	s.auditLog(r, audit.ActionSerialPort, nil, map[string]any{"port": req.Port}, err)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"serial_port": s.controller.SerialPort()})
}
