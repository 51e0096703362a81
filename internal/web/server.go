package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/handlers"

	"zigbee-people-counter/internal/automation"
	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/hub"
	"zigbee-people-counter/internal/ncp"
	"zigbee-people-counter/internal/peoplecounter"
	"zigbee-people-counter/internal/store"
)

// Devices is the device registry the API reads and edits.
type Devices interface {
	ListDevices() ([]*store.Device, error)
	GetDevice(ieee string) (*store.Device, error)
	SaveDevice(dev *store.Device) error
	RemoveDevice(ieee string) error
}

// Network reports the Zigbee network the coordinator runs.
type Network interface {
	NetworkInfo() map[string]any
}

// Counters are the people counter actions.
type Counters interface {
	SetPeopleCount(ctx context.Context, ieee string, n int) error
	Refresh(ctx context.Context, ieee string) error
	Detach(ieee string) error
}

// Capabilities is the hub side of a device: published values, settings
// and capability writes.
type Capabilities interface {
	Capabilities(ieee string) (map[string]any, error)
	Settings(ieee string) (map[string]any, error)
	SetSettings(ieee string, values map[string]any) error
	TriggerCapabilityListener(ctx context.Context, ieee, name string, value any) error
}

// Backend groups what the server serves.
type Backend struct {
	Events   *coordinator.EventBus
	Devices  Devices
	Network  Network
	Counters Counters
	Hub      Capabilities
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the CORS and WebSocket origin allow-list.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API of the people counter hub.
type Server struct {
	backend        Backend
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the API server and starts its WebSocket hub.
func NewServer(b Backend, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		backend: b,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = b.Events.OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{ieee}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{ieee}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("POST /api/devices/{ieee}/refresh", s.handleAPIRefresh)
	s.mux.HandleFunc("PUT /api/devices/{ieee}/people", s.handleAPISetPeople)
	s.mux.HandleFunc("GET /api/devices/{ieee}/settings", s.handleAPIGetSettings)
	s.mux.HandleFunc("PUT /api/devices/{ieee}/settings", s.handleAPIUpdateSettings)
	s.mux.HandleFunc("PUT /api/devices/{ieee}/capabilities/{name}", s.handleAPIWriteCapability)
	s.mux.HandleFunc("GET /api/network", s.handleAPINetworkInfo)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /api/ws", s.handleWS)
}

// Handler returns the server wrapped in panic recovery and an access log.
func (s *Server) Handler() http.Handler {
	logged := handlers.LoggingHandler(accessLog{s.logger}, s)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLog{s.logger}),
		handlers.PrintRecoveryStack(true),
	)(logged)
}

// ServeHTTP implements http.Handler, applying auth and CORS checks.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Mutating cross-origin requests need an allowed Origin.
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
			}
			if s.isOriginAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		// Browsers cannot set headers on a WebSocket upgrade, so the key
		// may also come as ?api_key=.
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors to a status code. Anything unrecognized is
// logged and reported as 500.
func (s *Server) writeErr(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrDeviceNotFound),
		errors.Is(err, hub.ErrUnknownDevice),
		errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, peoplecounter.ErrNotAttached):
		s.writeError(w, http.StatusNotFound, "device not attached")
	case errors.Is(err, peoplecounter.ErrInvalidCount),
		errors.Is(err, hub.ErrNoListener),
		errors.Is(err, coordinator.ErrUnknownAttribute):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ncp.ErrTimeout):
		s.writeError(w, http.StatusGatewayTimeout, "device did not respond")
	case errors.Is(err, peoplecounter.ErrMalformedReading):
		s.logger.Warn(op, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error(op, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody reads a JSON request body of at most 1 MB.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}

// accessLog feeds the Apache-format access log into slog.
type accessLog struct{ logger *slog.Logger }

func (a accessLog) Write(p []byte) (int, error) {
	a.logger.Debug("http", "access", strings.TrimSpace(string(p)))
	return len(p), nil
}

// recoveryLog reports handler panics.
type recoveryLog struct{ logger *slog.Logger }

func (r recoveryLog) Println(v ...any) {
	r.logger.Error("http handler panic", "err", strings.TrimSpace(fmt.Sprintln(v...)))
}
