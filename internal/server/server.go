// Package server exposes the payment orchestrator over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"rentescrow/internal/audit"
	"rentescrow/internal/auth"
	"rentescrow/internal/booking"
	"rentescrow/internal/config"
	"rentescrow/internal/escrow"
	"rentescrow/internal/idempotency"
	"rentescrow/internal/lock"
	"rentescrow/internal/payment"
)

// PaymentProcessor runs one payment attempt.
type PaymentProcessor interface {
	ProcessCompletePayment(ctx context.Context, req payment.Request) (*payment.Result, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Config    *config.Config
	Payments  PaymentProcessor
	Contracts *escrow.Client
	Bookings  booking.Source
	Store     idempotency.Store
	Locker    lock.Locker
	Audit     audit.Recorder
	Metrics   *Metrics
	Logger    *zap.Logger
	// Checks are probed by /api/v1/health, keyed by dependency name.
	Checks map[string]HealthCheck
	Now    func() time.Time
}

type Server struct {
	deps       Deps
	cfg        *config.Config
	log        *zap.Logger
	metrics    *Metrics
	router     chi.Router
	httpServer *http.Server
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Store == nil {
		deps.Store = idempotency.NewMemoryStore()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewMemoryRecorder()
	}
	cfg := deps.Config

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		log:     deps.Logger,
		metrics: deps.Metrics,
	}

	signatures := &auth.SignatureVerifier{
		Secret:  cfg.Auth.HMACSecret,
		MaxSkew: cfg.Auth.HMACClockSkew,
		OnError: s.logAuthFailure,
	}
	limiter := newRateLimiter(cfg.Service.RateLimit, cfg.Service.RateBurst, s.metrics.incRateLimited)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/api/v1/metrics", s.metrics.handler())

	r.Route("/api/v1/bookings/{bookingID}", func(br chi.Router) {
		br.Use(signatures.Middleware)
		if cfg.Auth.JWTSecret != "" {
			tokens := &auth.TokenVerifier{
				Secret:  cfg.Auth.JWTSecret,
				Issuer:  cfg.Auth.JWTIssuer,
				Leeway:  30 * time.Second,
				OnError: s.logAuthFailure,
			}
			br.Use(tokens.Middleware)
		}
		br.Get("/escrow", s.handleEscrowStatus)
		br.With(limiter.Middleware).Post("/payments", s.handlePayment)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       cfg.Service.ReadTimeout,
		WriteTimeout:      cfg.Service.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logAuthFailure(r *http.Request, err error) {
	s.log.Warn("request rejected",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	deps := make(map[string]dependencyHealth, len(s.deps.Checks))

	for name, check := range s.deps.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		start := time.Now()
		err := check(ctx)
		cancel()

		h := dependencyHealth{Connected: err == nil}
		if err != nil {
			h.Error = err.Error()
			healthy = false
		} else {
			h.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
		deps[name] = h
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status       string                      `json:"status"`
		ChainID      int64                       `json:"chain_id"`
		Dependencies map[string]dependencyHealth `json:"dependencies"`
	}{
		Status:       status,
		ChainID:      s.cfg.Chain.ChainID,
		Dependencies: deps,
	})
}
