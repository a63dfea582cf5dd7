// Package http is the public API surface: three JSON endpoints, a WebSocket
// rate feed, health probes and the Prometheus scrape path, all behind one
// middleware chain. Handlers are adapters; pricing, caching and audit
// decisions live in the packages they delegate to.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/stocklend/locatesvc/internal/auth"
	"github.com/stocklend/locatesvc/internal/cache"
	"github.com/stocklend/locatesvc/internal/clock"
	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/fees"
	"github.com/stocklend/locatesvc/internal/metrics"
	"github.com/stocklend/locatesvc/internal/store"
)

// BrokerStore looks up the billing terms for an authenticated client.
type BrokerStore interface {
	GetBroker(ctx context.Context, clientID string) (domain.Broker, error)
}

// RateResolver produces the adjusted borrow rate for a ticker.
type RateResolver interface {
	Resolve(ctx context.Context, ticker string) (domain.AdjustedRate, error)
}

// Authenticator resolves an opaque API key to a credential.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (domain.APIKey, error)
}

// RateLimiter admits or denies one request for a client.
type RateLimiter interface {
	Allow(ctx context.Context, clientID string, limit int) auth.Decision
}

// AuditSink accepts one record per successful calculation.
type AuditSink interface {
	Enqueue(rec domain.AuditRecord)
}

// BreakerHealth exposes an upstream circuit's state for readiness checks.
type BreakerHealth interface {
	Provider() string
	BreakerState() gobreaker.State
}

// Deps wires the server's collaborators. Stream, Clock and Metrics are
// optional; a nil Stream leaves the WebSocket route unregistered.
type Deps struct {
	Brokers    BrokerStore
	Rates      RateResolver
	Fees       *fees.Calculator
	Cache      *cache.Layered
	Namespaces cache.Namespaces
	Audit      AuditSink
	Auth       Authenticator
	Limiter    RateLimiter
	Stream     http.Handler
	DB         store.Pinger
	Breakers   []BreakerHealth
	Clock      clock.Clock
	Metrics    *metrics.Registry
	Log        zerolog.Logger
}

// Server owns the router and the listener lifecycle.
type Server struct {
	router   *mux.Router
	server   *http.Server
	deadline time.Duration

	brokers  BrokerStore
	rates    RateResolver
	fees     *fees.Calculator
	cache    *cache.Layered
	ns       cache.Namespaces
	audit    AuditSink
	auth     Authenticator
	limiter  RateLimiter
	stream   http.Handler
	db       store.Pinger
	breakers []BreakerHealth
	clock    clock.Clock
	metrics  *metrics.Registry
	log      zerolog.Logger
}

// NewServer builds the router and the underlying http.Server from config.
func NewServer(cfg config.HTTP, d Deps) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		deadline: cfg.RequestDeadline(),
		brokers:  d.Brokers,
		rates:    d.Rates,
		fees:     d.Fees,
		cache:    d.Cache,
		ns:       d.Namespaces,
		audit:    d.Audit,
		auth:     d.Auth,
		limiter:  d.Limiter,
		stream:   d.Stream,
		db:       d.DB,
		breakers: d.Breakers,
		clock:    d.Clock,
		metrics:  d.Metrics,
		log:      d.Log,
	}
	if s.clock == nil {
		s.clock = clock.System()
	}
	if s.deadline <= 0 {
		s.deadline = 250 * time.Millisecond
	}
	s.routes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  cfg.IdleTimeout(),
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	// guarded is the full admission chain for the business endpoints. The
	// stream route skips the deadline: a WebSocket is supposed to outlive
	// any per-request budget.
	guarded := func(h http.HandlerFunc) http.Handler {
		return s.deadlineMiddleware(s.authMiddleware(h))
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/calculate-locate", guarded(s.handleCalculate)).Methods(http.MethodPost, http.MethodGet)
	api.Handle("/rates/{ticker}", guarded(s.handleRates)).Methods(http.MethodGet)
	if s.stream != nil {
		api.Handle("/stream/rates", s.authMiddleware(s.stream)).Methods(http.MethodGet)
	}
	api.Handle("/health", s.deadlineMiddleware(http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	api.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)

	if s.metrics != nil {
		api.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(notFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
}

// Handler exposes the routed handler, used by tests and by the stream hub's
// upgrade path.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}
