package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MichelMoriniaux/BigPowerBox/internal/audit"
	"github.com/MichelMoriniaux/BigPowerBox/internal/device"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/config"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Controller is the subset of *device.Controller the API drives.
type Controller interface {
	Subscribe(l device.Listener)
	Connect(ctx context.Context) error
	Disconnect() error
	CommandString(ctx context.Context, command string) (string, error)

	State() device.State
	RefCount() int
	IsConnected() bool
	Info() (device.DeviceInfo, error)
	StatusLine() (string, error)

	SerialPort() string
	ListPorts() ([]string, error)
	SetSerialPort(ctx context.Context, name string) error
	Trace() bool
	SetTrace(ctx context.Context, enabled bool) error

	Features() ([]device.Feature, error)
	Feature(id int) (device.Feature, error)
	SetSwitch(ctx context.Context, id int, on bool) error
	SetValue(ctx context.Context, id int, value float64) error
	SetName(ctx context.Context, id int, name string) error

	SavedNames(ctx context.Context) ([]string, error)
	RestoreNames(ctx context.Context) (int, error)
}

// HealthChecker is implemented by infrastructure clients reported on
// /api/v1/health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Logger     *logging.Logger
	Controller Controller

	// AuditRepo records commands. Optional.
	AuditRepo audit.Repository

	// Components are checked by the health endpoint, keyed by name.
	// Optional.
	Components map[string]HealthChecker

	Version string
}

// Server is the HTTP API server for powerboxd.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	controller Controller
	auditRepo  audit.Repository
	auditCh    chan *audit.Entry
	components map[string]HealthChecker
	version    string
	server     *http.Server
	hub        *Hub
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	// lastFeatures is the model last pushed to WebSocket clients.
	lastFeatures   map[int]device.Feature
	lastFeaturesMu sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}

	s := &Server{
		cfg:          deps.Config,
		secCfg:       deps.Security,
		logger:       deps.Logger,
		controller:   deps.Controller,
		auditRepo:    deps.AuditRepo,
		components:   deps.Components,
		version:      deps.Version,
		hub:          NewHub(deps.WS, deps.Logger),
		lastFeatures: make(map[int]device.Feature),
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.Entry, auditChanSize)
	}
	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and the audit writer, registers the
// controller listener and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.startBackground(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)

	// Stop the hub and flush pending audit entries after the listener.
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// startBackground runs the hub and the audit writer until ctx is done and
// registers the controller listener.
func (s *Server) startBackground(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()

	if s.auditCh != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.drainAuditLog(ctx)
		}()
	}

	s.controller.Subscribe(s.handleDeviceEvent)
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// handleDeviceEvent relays controller events to WebSocket clients.
func (s *Server) handleDeviceEvent(ev device.Event) {
	switch ev.Type {
	case device.EventConnected, device.EventDisconnected:
		s.lastFeaturesMu.Lock()
		clear(s.lastFeatures)
		for _, f := range ev.Features {
			s.lastFeatures[f.Index] = f
		}
		s.lastFeaturesMu.Unlock()

		s.hub.Broadcast(ChannelDeviceState, map[string]any{
			"event":    string(ev.Type),
			"state":    s.controller.State().String(),
			"info":     infoOrNil(ev),
			"features": ev.Features,
		})

	case device.EventRefreshed, device.EventChanged:
		for _, f := range s.changedFeatures(ev.Features) {
			s.hub.Broadcast(ChannelFeatureState, f)
		}
	}
}

// changedFeatures returns the features that differ from the last pushed
// model and records them.
func (s *Server) changedFeatures(features []device.Feature) []device.Feature {
	s.lastFeaturesMu.Lock()
	defer s.lastFeaturesMu.Unlock()

	var changed []device.Feature
	for _, f := range features {
		if prev, ok := s.lastFeatures[f.Index]; ok && prev == f {
			continue
		}
		s.lastFeatures[f.Index] = f
		changed = append(changed, f)
	}
	return changed
}

func infoOrNil(ev device.Event) any {
	if ev.Type != device.EventConnected {
		return nil
	}
	return ev.Info
}
