// Package server provides the HTTP server for the JSON collector.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/collector/app/store"
)

// defaultTokenHeader is the header checked for a token when none is configured.
const defaultTokenHeader = "X-JSON-Collector-Token"

// Server represents the HTTP server.
type Server struct {
	journal Journal
	auth    *TokenAuth
	cfg     Config
}

// Journal defines the interface for project log storage.
// Defined here (consumer side) to allow different store implementations.
type Journal interface {
	Append(project string, rec store.Record) error
	Open(project string) (io.ReadCloser, error)
}

// Config holds server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Version         string

	AuthTokensFile string // path to JSON credentials file (empty = auth disabled)
	TokenHeader    string // header checked for a token
	AuthHotReload  bool   // watch credentials file for changes and reload

	// limits
	BodySizeLimit  int64 // max request body size in bytes
	RequestsPerSec int64 // max requests per second
}

// New creates a new Server instance. A configured tokens file must exist and
// parse, or construction fails; no file means open access.
func New(j Journal, cfg Config) (*Server, error) {
	tokenHeader := cfg.TokenHeader
	if tokenHeader == "" {
		tokenHeader = defaultTokenHeader
	}

	auth, err := NewTokenAuth(cfg.AuthTokensFile, tokenHeader, cfg.AuthTokensFile != "")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	return &Server{journal: j, auth: auth, cfg: cfg}, nil
}

// Run starts the HTTP server and blocks until context is canceled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.routes(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	// start credentials file watcher if enabled
	if s.cfg.AuthTokensFile != "" && s.cfg.AuthHotReload {
		if err := s.auth.StartWatcher(ctx); err != nil {
			return fmt.Errorf("failed to start tokens file watcher: %w", err)
		}
		log.Printf("[INFO] authorized tokens hot-reload enabled")
	}

	// graceful shutdown
	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] shutdown error: %v", err)
		}
	}()

	log.Printf("[DEBUG] started server on %s", s.cfg.Address)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// routes configures and returns the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware (applies to all routes)
	router.Use(
		rest.Recoverer(log.Default()),
		rest.RealIP, // must be before Throttle to rate-limit by real client IP
		rest.Throttle(s.requestsPerSec()),
		rest.Trace,
		rest.SizeLimit(s.bodySizeLimit()),
		rest.AppInfo("collector", "umputun", s.cfg.Version),
		rest.Ping,
	)

	// health check stays open regardless of auth
	router.HandleFunc("GET /json-collector/health-check", s.handleHealthCheck)

	// project routes (token auth when enabled)
	router.Group().Route(func(protected *routegroup.Bundle) {
		protected.Use(s.auth.Middleware)
		protected.HandleFunc("POST /json-collector/{project}", s.handleIngest)
		protected.HandleFunc("GET /json-collector/{project}", s.handleFetch)
	})

	// everything else is an unknown URL
	router.HandleFunc("/", s.handleNotFound)

	return router
}

// bodySizeLimit returns the configured body size limit, or default 1MB if not set.
func (s *Server) bodySizeLimit() int64 {
	if s.cfg.BodySizeLimit > 0 {
		return s.cfg.BodySizeLimit
	}
	return 1024 * 1024 // 1MB default
}

// requestsPerSec returns the configured requests per second limit, or default 1000 if not set.
func (s *Server) requestsPerSec() int64 {
	if s.cfg.RequestsPerSec > 0 {
		return s.cfg.RequestsPerSec
	}
	return 1000 // default
}

// shutdownTimeout returns the configured shutdown timeout, or default 5s if not set.
func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 5 * time.Second
}
