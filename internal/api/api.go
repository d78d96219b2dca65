// Package api provides HTTP handlers and the main API server logic for TriggerPipe.
//
// It exposes RESTful endpoints for managing triggers, dispatching messages,
// and reading chat statistics. The API integrates with the trigger engine,
// store, and messaging modules.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/TriggerPipe/internal/trigger"
)

// Constants for API server configuration
const (
	// DefaultAddr is the default listen address for the API server
	DefaultAddr = ":8080"
	// DefaultRequestTimeout bounds a single API request
	DefaultRequestTimeout = 30 * time.Second
)

// Opts holds configurable options for the API server.
type Opts struct {
	// Addr is the listen address (e.g., ":8080").
	Addr string
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server hosts the TriggerPipe HTTP API.
type Server struct {
	addr    string
	service *trigger.Service
	engine  *trigger.Engine
	httpSrv *http.Server
}

// NewServer creates an API server over the trigger service and engine.
func NewServer(service *trigger.Service, engine *trigger.Engine, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		addr:    cfg.Addr,
		service: service,
		engine:  engine,
	}
}

// Handler returns the server's routing handler. Exposed separately so extra
// routes (e.g., transport webhooks) can be mounted before Run.
func (s *Server) Handler() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/triggers", s.triggersHandler)
	mux.HandleFunc("/dispatch", s.dispatchHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run(mux *http.ServeMux) error {
	if mux == nil {
		mux = s.Handler()
	}
	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  DefaultRequestTimeout,
		WriteTimeout: DefaultRequestTimeout,
	}
	slog.Info("API server starting", "addr", s.addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	slog.Info("API server shutting down")
	return s.httpSrv.Shutdown(ctx)
}
