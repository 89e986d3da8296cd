package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlestop",
			Subsystem: "engine",
			Name:      "decisions_total",
			Help:      "Number of completed invocations by decision.",
		}, []string{"decision"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlestop",
			Subsystem: "engine",
			Name:      "failures_total",
			Help:      "Number of invocations that ended in an error, by class.",
		}, []string{"class"},
	)
	stops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "idlestop",
			Subsystem: "engine",
			Name:      "stops_total",
			Help:      "Number of accepted stop requests.",
		},
	)
	idleCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "idlestop",
			Subsystem: "engine",
			Name:      "idle_count",
			Help:      "Consecutive idle observations after the last invocation.",
		}, []string{"instance"},
	)
	probeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlestop",
			Subsystem: "probe",
			Name:      "outcomes_total",
			Help:      "Number of probes by interpreted activity.",
		}, []string{"activity"},
	)
	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "idlestop",
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Wall time from dispatch to a terminal or abandoned probe.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
	)
	storageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlestop",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Number of retried counter store operations.",
		}, []string{"op"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{decisions, failures, stops, idleCount, probeOutcomes, probeDuration, storageRetries}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// already registered with the default registry is fine
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Push sends everything g gathers to a Pushgateway under job, replacing the
// previous push for that job. Short-lived invocations use it instead of being
// scraped.
func Push(ctx context.Context, url, job string, g prometheus.Gatherer) error {
	if url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(g).PushContext(ctx)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncDecision(decision string) {
	if regOK.Load() {
		decisions.WithLabelValues(decision).Inc()
	}
}

func IncFailure(class string) {
	if regOK.Load() {
		failures.WithLabelValues(class).Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		stops.Inc()
	}
}

func SetIdleCount(instance string, n int) {
	if regOK.Load() {
		idleCount.WithLabelValues(instance).Set(float64(n))
	}
}

func ObserveProbe(activity string, seconds float64) {
	if regOK.Load() {
		probeOutcomes.WithLabelValues(activity).Inc()
		probeDuration.Observe(seconds)
	}
}

func IncStorageRetry(op string) {
	if regOK.Load() {
		storageRetries.WithLabelValues(op).Inc()
	}
}
