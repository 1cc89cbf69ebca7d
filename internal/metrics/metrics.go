// Package metrics provides Prometheus instrumentation for the notification
// dispatcher. It exposes counters for dispatch outcomes and send attempts,
// histograms for latency, and gauges for the ingress queue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DispatchOutcomes counts terminal dispatch outcomes, labeled by
	// status: "sent", "skipped_no_token", "failed_exhausted", ...
	DispatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_dispatch_outcomes_total",
		Help: "Terminal dispatch outcomes",
	}, []string{"status"})

	// SendAttempts counts push backend calls labeled by classification.
	SendAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_send_attempts_total",
		Help: "Push backend send attempts",
	}, []string{"class"}) // class = "sent", "retryable", "permanent", "token_invalid"

	// SendLatency records push backend round-trip time in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "notify_send_latency_seconds",
		Help:    "Push backend send latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// DispatchDuration records total dispatch time including retries.
	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "notify_dispatch_duration_seconds",
		Help:    "Total dispatch time including backoff",
		Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 20, 30},
	})

	// TokensInvalidated counts tokens removed after the backend rejected them.
	TokensInvalidated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_tokens_invalidated_total",
		Help: "Push tokens removed after the backend reported them unregistered",
	})

	// TypingCleared counts stale typing entries cleared by the sweeper.
	TypingCleared = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_typing_cleared_total",
		Help: "Stale typing indicators cleared",
	})

	// Sweeps counts sweep runs labeled by trigger: "event", "schedule", "cli".
	Sweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_sweeps_total",
		Help: "Typing-state sweeps executed",
	}, []string{"trigger"})

	// IngressEvents counts ingress deliveries labeled by subject and result
	// ("ack", "nak", "term").
	IngressEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_ingress_events_total",
		Help: "Events consumed from the ingress",
	}, []string{"subject", "result"})

	// IngressQueueDepth tracks events waiting for a worker.
	IngressQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_ingress_queue_depth",
		Help: "Events buffered between the ingress consumer and workers",
	})
)

func init() {
	prometheus.MustRegister(
		DispatchOutcomes,
		SendAttempts,
		SendLatency,
		DispatchDuration,
		TokensInvalidated,
		TypingCleared,
		Sweeps,
		IngressEvents,
		IngressQueueDepth,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
