package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts requests served by the metrics/health listener
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_http_requests_total",
			Help: "Total number of HTTP requests to the admin listener",
		},
		[]string{"method", "path", "status"},
	)

	// ActiveChannels tracks live channels
	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_active_channels",
			Help: "Number of live channels",
		},
	)

	// ChannelLaunches counts launch attempts by outcome
	ChannelLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_channel_launches_total",
			Help: "Total number of channel launch attempts",
		},
		[]string{"outcome"},
	)

	// ChannelDuration tracks how long channels live
	ChannelDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conduit_channel_duration_seconds",
			Help:    "Channel lifetime in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"reason"},
	)

	// PendingRequests tracks outstanding correlated RPCs
	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_pending_requests",
			Help: "Number of RPCs awaiting a response",
		},
	)

	// RPCDuration tracks round-trip latency of correlated RPCs
	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conduit_rpc_duration_seconds",
			Help:    "RPC round-trip duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"kind", "status"},
	)

	// RPCTimeouts counts requests that exceeded their budget
	RPCTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_rpc_timeouts_total",
			Help: "Total number of RPCs that timed out",
		},
		[]string{"kind"},
	)

	// QueueErrors counts control messages whose processing failed
	QueueErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_queue_errors_total",
			Help: "Total number of control messages that failed processing",
		},
		[]string{"type"},
	)

	// EngineEvents counts engine events forwarded to the peer
	EngineEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_engine_events_total",
			Help: "Total number of engine events forwarded",
		},
		[]string{"type"},
	)

	// TransportMessages counts wire messages by direction and type
	TransportMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_transport_messages_total",
			Help: "Total number of wire messages sent or received",
		},
		[]string{"direction", "type"},
	)

	// StreamTerminations counts router stream contexts by terminal reason
	StreamTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_stream_terminations_total",
			Help: "Total number of stream contexts terminated, by reason",
		},
		[]string{"reason"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		HTTPRequestsTotal.WithLabelValues(r.Method, normalizePath(r.URL.Path), strconv.Itoa(wrapped.statusCode)).Inc()
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/mcp", "/metrics":
		return path
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordChannelLaunch records a launch attempt and bumps the live gauge on success
func RecordChannelLaunch(outcome string) {
	ChannelLaunches.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		ActiveChannels.Inc()
	}
}

// RecordChannelClose decrements the live gauge and records the lifetime
func RecordChannelClose(reason string, started time.Time) {
	ActiveChannels.Dec()
	ChannelDuration.WithLabelValues(reason).Observe(time.Since(started).Seconds())
}

// RecordRPC records a settled RPC
func RecordRPC(kind, status string, elapsed time.Duration) {
	RPCDuration.WithLabelValues(kind, status).Observe(elapsed.Seconds())
	if status == "timeout" {
		RPCTimeouts.WithLabelValues(kind).Inc()
	}
}

// RecordQueueError records a failed control message
func RecordQueueError(msgType string) {
	QueueErrors.WithLabelValues(msgType).Inc()
}

// RecordEngineEvent records a forwarded engine event
func RecordEngineEvent(eventType string) {
	EngineEvents.WithLabelValues(eventType).Inc()
}

// RecordStreamTermination records a router terminal transition
func RecordStreamTermination(reason string) {
	StreamTerminations.WithLabelValues(reason).Inc()
}

// RecordTransportMessage records one wire message
func RecordTransportMessage(direction, msgType string) {
	TransportMessages.WithLabelValues(direction, msgType).Inc()
}
