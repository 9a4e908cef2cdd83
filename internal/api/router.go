package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MichelMoriniaux/BigPowerBox/internal/auth"
)

// componentCheckTimeout bounds each component check on /health.
const componentCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Reads
		r.Get("/device", s.handleGetDevice)
		r.Get("/features", s.handleListFeatures)
		r.Get("/features/{id}", s.handleGetFeature)
		r.Get("/serial/ports", s.handleListSerialPorts)
		r.Get("/audit", s.handleListAuditLogs)
		r.Get("/ws", s.handleWebSocket)

		// Operator writes
		r.Group(func(r chi.Router) {
			r.Use(s.requireRole(auth.RoleOperator))

			r.Post("/device/connect", s.handleConnect)
			r.Post("/device/disconnect", s.handleDisconnect)
			r.Put("/features/{id}/switch", s.handleSetSwitch)
			r.Put("/features/{id}/value", s.handleSetValue)
			r.Put("/features/{id}/name", s.handleSetName)
			r.Post("/device/names/restore", s.handleRestoreNames)
		})

		// Admin writes
		r.Group(func(r chi.Router) {
			r.Use(s.requireRole(auth.RoleAdmin))

			r.Post("/device/command", s.handleRawCommand)
			r.Put("/device/trace", s.handleSetTrace)
			r.Put("/serial/port", s.handleSetSerialPort)
		})
	})

	return r
}

// handleHealth reports the server, the device link and each component.
// A failing component degrades the status but still answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	components := make(map[string]string, len(s.components))
	for name, c := range s.components {
		ctx, cancel := context.WithTimeout(r.Context(), componentCheckTimeout)
		err := c.HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"device": map[string]any{
			"state":       s.controller.State().String(),
			"connected":   s.controller.IsConnected(),
			"ref_count":   s.controller.RefCount(),
			"serial_port": s.controller.SerialPort(),
		},
		"components":        components,
		"websocket_subs":    s.hub.ClientCount(),
		"websocket_dropped": s.hub.Dropped(),
	})
}
