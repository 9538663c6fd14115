package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Membership protocol ----
	Members = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrgossip",
			Name:      "members",
			Help:      "Entries in the membership list, own entry included.",
		},
		[]string{"node"},
	)

	MembershipEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgossip",
			Name:      "membership_events_total",
			Help:      "Members added to or removed from a node's list.",
		},
		[]string{"node", "event"},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgossip",
			Name:      "messages_sent_total",
			Help:      "Protocol messages handed to the transport.",
		},
		[]string{"type"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgossip",
			Name:      "messages_received_total",
			Help:      "Protocol messages decoded from the inbox.",
		},
		[]string{"type"},
	)

	MessagesIgnored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgossip",
			Name:      "messages_ignored_total",
			Help:      "Well-formed messages dropped because the node could not act on them.",
		},
		[]string{"reason"},
	)

	SendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgossip",
			Name:      "send_errors_total",
			Help:      "Transport send failures.",
		},
		[]string{"type"},
	)

	DeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgossip",
			Name:      "delivery_failures_total",
			Help:      "Queued frames a transport failed to deliver.",
		},
		[]string{"transport"},
	)

	DecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zephyrgossip",
			Name:      "decode_errors_total",
			Help:      "Inbound buffers that were not valid protocol messages.",
		},
	)

	MergeRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zephyrgossip",
			Name:      "merge_rejected_entries_total",
			Help:      "Incoming entries that failed the plausibility filter.",
		},
	)

	InboxDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgossip",
			Name:      "inbox_dropped_total",
			Help:      "Inbound buffers dropped because the inbox was full.",
		},
		[]string{"node"},
	)

	// ---- HTTP surface ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgossip",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrgossip",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrgossip",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrgossip",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrgossip",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		Members, MembershipEvents, MessagesSent, MessagesReceived, MessagesIgnored,
		SendErrors, DeliveryFailures, DecodeErrors, MergeRejected, InboxDropped,
		RequestsTotal, RequestDuration, InFlight, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
