package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rentescrow/internal/payerr"
	"rentescrow/internal/payment"
)

// Metrics is the service's private Prometheus registry. It also observes the
// payment orchestrator and the settlement retrier.
type Metrics struct {
	registry           *prometheus.Registry
	paymentsTotal      *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	settlementAttempts *prometheus.CounterVec
	replaysTotal       prometheus.Counter
	mismatchesTotal    *prometheus.CounterVec
	rateLimitedTotal   prometheus.Counter
}

func NewMetrics() *Metrics {
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowpay_payments_total",
		Help: "Completed payment attempts by outcome and error code",
	}, []string{"outcome", "code"})

	stages := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrowpay_stage_duration_seconds",
		Help:    "Duration of each payment stage",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowpay_settlement_attempts_total",
		Help: "Settlement validation calls by result",
	}, []string{"result"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowpay_idempotent_replays_total",
		Help: "Payment responses served from the idempotency store",
	})

	mismatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowpay_wallet_mismatches_total",
		Help: "Wallet mismatch decisions",
	}, []string{"accepted"})

	limited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowpay_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(payments, stages, attempts, replays, mismatches, limited)

	return &Metrics{
		registry:           r,
		paymentsTotal:      payments,
		stageDuration:      stages,
		settlementAttempts: attempts,
		replaysTotal:       replays,
		mismatchesTotal:    mismatches,
		rateLimitedTotal:   limited,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StageFinished(stage payment.Stage, elapsed time.Duration, _ error) {
	m.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func (m *Metrics) WalletMismatch(_ context.Context, ev payment.MismatchEvent) {
	accepted := "false"
	if ev.Accepted {
		accepted = "true"
	}
	m.mismatchesTotal.WithLabelValues(accepted).Inc()
}

func (m *Metrics) Completed(err error) {
	if err == nil {
		m.paymentsTotal.WithLabelValues("success", "").Inc()
		return
	}
	code := string(payerr.CodeWeb3Error)
	if pe, ok := payerr.As(err); ok {
		code = string(pe.Code)
	}
	m.paymentsTotal.WithLabelValues("failure", code).Inc()
}

// SettlementAttempt matches settlement.AttemptFunc.
func (m *Metrics) SettlementAttempt(_ int, err error) {
	switch {
	case err == nil:
		m.settlementAttempts.WithLabelValues("success").Inc()
	case payerr.IsRetryable(err):
		m.settlementAttempts.WithLabelValues("retryable").Inc()
	default:
		m.settlementAttempts.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) incReplay() {
	m.replaysTotal.Inc()
}

func (m *Metrics) incRateLimited() {
	m.rateLimitedTotal.Inc()
}

var _ payment.Observer = (*Metrics)(nil)
