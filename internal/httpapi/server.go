// Package httpapi implements the External Interfaces (spec §6): an
// ingest/read HTTP surface plus the broadcast subscribe endpoint,
// grounded on the teacher's internal/interfaces/http/server.go mux
// server and its middleware stack.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/biasengine/internal/metrics"
)

type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the ingest + read + subscribe HTTP surface.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	config   Config
	metrics  *metrics.Registry
}

// NewServer wires the routes and middleware chain. metrics may be nil,
// in which case /metrics is not registered and falls through to the
// JSON not-found handler.
func NewServer(config Config, handlers *Handlers, metricsReg *metrics.Registry) *Server {
	router := mux.NewRouter()
	s := &Server{router: router, handlers: handlers, config: config, metrics: metricsReg}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	api.HandleFunc("/ingest/factor", s.handlers.IngestFactor).Methods(http.MethodPost)
	api.HandleFunc("/ingest/breaker", s.handlers.IngestBreaker).Methods(http.MethodPost)
	api.HandleFunc("/ingest/signal", s.handlers.IngestSignal).Methods(http.MethodPost)
	api.HandleFunc("/composite", s.handlers.ReadComposite).Methods(http.MethodGet)
	api.HandleFunc("/signals", s.handlers.ReadSignals).Methods(http.MethodGet)
	api.HandleFunc("/outcomes/hit-rates", s.handlers.ReadHitRates).Methods(http.MethodGet)

	// Subscribe is a raw websocket upgrade, not JSON, so it sits outside
	// the jsonContentTypeMiddleware subrouter.
	s.router.HandleFunc("/subscribe", s.handlers.Subscribe).Methods(http.MethodGet)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Info().
			Str("request_id", fmt.Sprint(r.Context().Value(requestIDKey{}))).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
