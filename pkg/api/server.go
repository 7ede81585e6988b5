// Package api serves the manticore HTTP API.
//
// Routes:
//
//	POST   /v1/requests              submit a request for a core and HMI pair
//	GET    /v1/requests/{id}         read a stored request
//	DELETE /v1/requests/{id}         remove a request and release the user
//	GET    /v1/requests/{id}/events  lifecycle events of one user
//	GET    /v1/queue                 queue positions of waiting users
//	GET    /v1/connect/{id}          websocket for position and address updates
//	GET    /v1/logs/{id}             websocket following the user's core output
//	GET    /healthz                  collaborator health
//	GET    /metrics                  Prometheus metrics
//
// When a JWT secret is configured, every route carrying a user {id} needs a
// token issued to that user, and a submitted request without an id takes
// the token's user.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/engine"
	"github.com/manticore/manticore/pkg/stores"
	"github.com/manticore/manticore/pkg/telemetry"
)

// Connector upgrades a client connection for a user.
type Connector interface {
	ServeWS(w http.ResponseWriter, r *http.Request, id string) error
}

// LogStreamer carries a stream of chunks over a dedicated client connection.
type LogStreamer interface {
	StreamWS(w http.ResponseWriter, r *http.Request, id string, stream func(ctx context.Context, emit func([]byte) error) error) error
}

// Journal reads recorded lifecycle events.
type Journal interface {
	GetEvents(ctx context.Context, q stores.EventQuery) ([]telemetry.Event, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options configures a Server. Requests and Store are required.
type Options struct {
	Requests *engine.Requests
	Store    engine.Store
	Keys     engine.Keyspace

	// Connector serves /v1/connect. Nil disables the route.
	Connector Connector

	// Journal serves /v1/requests/{id}/events. Nil disables the route.
	Journal Journal

	// Logs and LogStreamer serve /v1/logs. Either nil disables the route.
	Logs        engine.LogSource
	LogStreamer LogStreamer

	// JWTSecret enables token checks on user routes.
	JWTSecret string

	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]HealthCheck

	Logger  *zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Server handles API requests.
type Server struct {
	requests  *engine.Requests
	store     engine.Store
	keys      engine.Keyspace
	connector Connector
	journal   Journal
	logs      engine.LogSource
	streamer  LogStreamer
	auth      *tokenAuth
	checks    map[string]HealthCheck
	validate  *validator.Validate

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewServer creates an API server.
func NewServer(opts Options) (*Server, error) {
	if opts.Requests == nil || opts.Store == nil {
		return nil, fmt.Errorf("requests and store are required")
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	keys := opts.Keys
	if keys.Root == "" {
		keys = engine.DefaultKeyspace
	}

	return &Server{
		requests:  opts.Requests,
		store:     opts.Store,
		keys:      keys,
		connector: opts.Connector,
		journal:   opts.Journal,
		logs:      opts.Logs,
		streamer:  opts.LogStreamer,
		auth:      newTokenAuth(opts.JWTSecret),
		checks:    opts.Checks,
		validate:  newValidator(),
		logger:    logger.With().Str("component", "api").Logger(),
		metrics:   opts.Metrics,
		tracer:    tracer,
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	mux.HandleFunc("GET /v1/requests/{id}", s.requireUser(s.handleGetRequest))
	mux.HandleFunc("DELETE /v1/requests/{id}", s.requireUser(s.handleRemove))
	mux.HandleFunc("GET /v1/queue", s.handleQueue)
	if s.journal != nil {
		mux.HandleFunc("GET /v1/requests/{id}/events", s.requireUser(s.handleEvents))
	}
	if s.connector != nil {
		mux.HandleFunc("GET /v1/connect/{id}", s.requireUser(s.handleConnect))
	}
	if s.logs != nil && s.streamer != nil {
		mux.HandleFunc("GET /v1/logs/{id}", s.requireUser(s.handleLogs))
	}
	return s.withTracing(s.withLogging(mux))
}

// ListenAndServe serves the API on addr until ctx is done, then shuts the
// server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", addr).Msg("api server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown failed: %w", err)
		}
		return nil
	}
}
