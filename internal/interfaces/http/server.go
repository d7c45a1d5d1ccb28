// Package http serves the local read-only status API: health report,
// task snapshot, recent signals, Prometheus metrics and the signal
// websocket. The server binds loopback by default and exposes nothing
// that mutates the pipeline.
package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/health"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/sched"
	"github.com/driftline/driftline/internal/signal"
)

// Config holds server configuration.
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig binds loopback with conservative timeouts.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           8090,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// HealthView produces the health report.
type HealthView interface {
	Report(ctx context.Context) health.Report
}

// TaskView is the scheduler slice the server reads.
type TaskView interface {
	Snapshot() []sched.TaskInfo
	LastTickMs() int64
}

// SignalView lists recent aggregated signals, newest first.
type SignalView interface {
	Latest(limit int) []signal.AggregatedSignal
}

// Deps are the component views the endpoints read. Metrics and WS may
// be nil; the scrape route then 404s and API requests go untimed.
type Deps struct {
	Health  HealthView
	Tasks   TaskView
	Signals SignalView
	Metrics *metrics.Registry
	WS      http.Handler
}

// Server is the read-only HTTP status server.
type Server struct {
	cfg    Config
	deps   Deps
	log    zerolog.Logger
	router *mux.Router
	server *http.Server

	mu sync.Mutex
	ln net.Listener
}

// NewServer wires the routes. Nothing is bound until Start.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Health == nil {
		return nil, fmt.Errorf("http: server needs a health view")
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		log:    logger.With().Str("component", "http").Logger(),
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	// Metrics and websocket first: kept outside the JSON/timeout
	// middleware, which would break scraping and long-lived upgrades.
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	if s.deps.WS != nil {
		s.router.Handle("/ws/signals", s.deps.WS).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timingMiddleware)
	api.Use(s.timeoutMiddleware)
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)
	api.HandleFunc("/signals/latest", s.handleSignals).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(handleNotFound)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the address and serves until Shutdown. The bound
// address is available through Address once Start has returned from
// the bind, so port 0 works for tests.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http: bind %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// Address is the bound address, empty before Start.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

type ctxKey int

const requestIDKey ctxKey = 0

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		s.log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request served")
	})
}

// timingMiddleware feeds the request duration histogram. It runs only
// on the API subrouter: websocket upgrades would record connection
// lifetimes, not request durations.
func (s *Server) timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.deps.Metrics.ObserveRequest(route, wrapper.statusCode, time.Since(start).Seconds())
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// responseWrapper captures the status code for logging. Hijack passes
// through so websocket upgrades survive the middleware chain.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http: response writer does not support hijacking")
	}
	return h.Hijack()
}
