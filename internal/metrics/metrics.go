// Package metrics provides Prometheus instrumentation for the relay. It
// exposes a gauge for open sessions, counters for streams, fragments and
// heartbeats, and a histogram of upstream stream durations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive tracks the number of registered SSE sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Current number of registered SSE sessions",
	})

	// SessionsTerminated counts session teardowns by reason: "done",
	// "upstream_error", "open_error", "disconnect", "shutdown", "cancelled".
	SessionsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_terminated_total",
		Help: "Total number of terminated sessions by reason",
	}, []string{"reason"})

	// StreamsTotal counts upstream streams by result: "opened", "open_error".
	StreamsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_streams_total",
		Help: "Total number of upstream streams by open result",
	}, []string{"result"})

	// FragmentsTotal counts content fragments written to clients.
	FragmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_fragments_total",
		Help: "Total number of content fragments relayed to clients",
	})

	// DecodeErrorsTotal counts malformed upstream lines that were skipped.
	DecodeErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_decode_errors_total",
		Help: "Total number of malformed upstream frames skipped",
	})

	// HeartbeatsTotal counts keep-alive writes by result: "sent", "failed".
	HeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_heartbeats_total",
		Help: "Total number of keep-alive frames by result",
	}, []string{"result"})

	// ForwardedTotal counts submits forwarded to the owning instance by
	// result: "ok", "rejected", "error".
	ForwardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_forwarded_submits_total",
		Help: "Total number of message submits forwarded to another instance",
	}, []string{"result"})

	// StreamDuration records the time from upstream open to teardown.
	StreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_stream_duration_seconds",
		Help:    "Time from upstream stream open to completion",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsTerminated,
		StreamsTotal,
		FragmentsTotal,
		DecodeErrorsTotal,
		HeartbeatsTotal,
		ForwardedTotal,
		StreamDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
