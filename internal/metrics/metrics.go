// Package metrics exposes Prometheus instrumentation for the entitlement
// client and the subscription server.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	namespace = "lotto"
	subsystem = "entitlements"
)

var (
	// EntitlementTransitions counts published entitlement changes by resulting tier and source.
	EntitlementTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "transitions_total",
		Help:      "Entitlement changes published by tier and source.",
	}, []string{"tier", "source"})

	// CurrentTier is 1 for the tier currently published, 0 for the others.
	CurrentTier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "current_tier",
		Help:      "Currently published entitlement tier (1 = active).",
	}, []string{"tier"})

	// VerificationOutcomes counts verify-purchase results (verified, rejected, error).
	VerificationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "verification_outcomes_total",
		Help:      "Purchase verification outcomes.",
	}, []string{"outcome"})

	// VerificationAttempts counts individual HTTP attempts, including retries.
	VerificationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "backend_attempts_total",
		Help:      "Backend HTTP attempts by operation and result.",
	}, []string{"op", "result"})

	// BackendLatency tracks backend call latency per operation.
	BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "backend_duration_seconds",
		Help:      "Backend call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// Acknowledgements counts platform acknowledgement calls by result.
	Acknowledgements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "acknowledgements_total",
		Help:      "Platform purchase acknowledgement calls by result.",
	}, []string{"result"})

	// BillingState is 1 for the billing connection's current state.
	BillingState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "billing_connection_state",
		Help:      "Billing connection state (1 = current).",
	}, []string{"state"})

	// PurchaseEvents counts purchase events by disposition (delivered, duplicate, pending).
	PurchaseEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "purchase_events_total",
		Help:      "Purchase events observed on the billing channel by disposition.",
	}, []string{"disposition"})

	// OptimisticGrants is the number of unexpired, unsettled optimistic grants.
	OptimisticGrants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "optimistic_grants",
		Help:      "Outstanding optimistic Pro grants awaiting verification.",
	})

	// ServerSyncs counts status sync attempts by outcome (ok, stale, dropped).
	ServerSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "server_syncs_total",
		Help:      "Server status sync outcomes.",
	}, []string{"outcome"})

	// BackendRequests counts requests served by the subscription server.
	BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "Subscription server requests by route and status.",
	}, []string{"route", "status"})

	// ExpiredSubscriptions counts Pro subscriptions lapsed by the expiry sweeper.
	ExpiredSubscriptions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "expired_subscriptions_total",
		Help:      "Pro subscriptions expired by the sweeper.",
	})
)

var knownTiers = []string{"free", "trial_active", "trial_expired", "pro"}

var knownBillingStates = []string{"uninitialized", "connecting", "ready", "disconnected", "closed"}

// RecordTransition records a published entitlement.
func RecordTransition(tier, source string) {
	EntitlementTransitions.WithLabelValues(tier, source).Inc()
	for _, t := range knownTiers {
		v := 0.0
		if t == tier {
			v = 1
		}
		CurrentTier.WithLabelValues(t).Set(v)
	}
}

// RecordBillingState marks state as the current billing connection state.
func RecordBillingState(state string) {
	for _, s := range knownBillingStates {
		v := 0.0
		if s == state {
			v = 1
		}
		BillingState.WithLabelValues(s).Set(v)
	}
}

// ObserveBackend records one backend attempt.
func ObserveBackend(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	VerificationAttempts.WithLabelValues(op, result).Inc()
	BackendLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
