// Package httpapi is the external read surface for the feed value
// provider (spec.md §6 "HTTP surface"): current-value, historical, and
// volume lookups backed by the aggregation facade, plus a health and a
// Prometheus metrics endpoint.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NiftyLeague/ftso-feed-value-provider/internal/log"
	"github.com/NiftyLeague/ftso-feed-value-provider/internal/metrics"
)

var logger = log.For("httpapi")

// requestIDKey is the context key the request-ID middleware stores its
// generated identifier under.
type requestIDKey struct{}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns conservative listener timeouts.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server wraps the router and the stdlib http.Server built on top of it.
type Server struct {
	cfg    ServerConfig
	router *mux.Router
	srv    *http.Server
}

// NewServer builds a Server wired to h's handlers, probing the configured
// port's availability before the real listener binds.
func NewServer(cfg ServerConfig, h *Handlers) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	probe, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("httpapi: port %d unavailable: %w", cfg.Port, err)
	}
	probe.Close()

	router := mux.NewRouter()
	router.Use(requestIDMiddleware, requestLoggingMiddleware, timeoutMiddleware, jsonContentTypeMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/current", h.CurrentValues).Methods(http.MethodGet)
	api.HandleFunc("/historical/{votingRoundId:[0-9]+}", h.HistoricalValues).Methods(http.MethodGet)
	api.HandleFunc("/volumes", h.Volumes).Methods(http.MethodGet)

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(notFoundHandler)

	return &Server{
		cfg:    cfg,
		router: router,
		srv: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}, nil
}

// Start runs the listener; it returns http.ErrServerClosed on a graceful
// Shutdown, which callers should treat as a normal exit.
func (s *Server) Start() error {
	logger.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// GetAddress returns the configured listen address.
func (s *Server) GetAddress() string {
	return s.srv.Addr
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Errorf("no such route: %s %s", r.Method, r.URL.Path))
}

// requestIDMiddleware stamps every request with a short correlation ID,
// stored in the request context and echoed on the response so a caller
// can correlate a response with the corresponding log line.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseWrapper captures the status code written so the logging
// middleware can report it after the handler returns.
type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWrapper{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		id, _ := r.Context().Value(requestIDKey{}).(string)
		logger.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}

// timeoutMiddleware bounds handler execution so a stalled aggregation
// fan-out can't hold a connection open indefinitely.
func timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}
