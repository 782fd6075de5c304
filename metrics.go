package watergate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "watergate"

// Metrics holds the Prometheus collectors of one client. All collectors carry
// a constant "client" label.
type Metrics struct {
	FramesReceived  prometheus.Counter
	FramesSent      prometheus.Counter
	BytesReceived   prometheus.Counter
	BytesSent       prometheus.Counter
	DecodeErrors    prometheus.Counter
	DialFailures    prometheus.Counter
	Reconnects      prometheus.Counter
	PingTimeouts    prometheus.Counter
	PingRTT         prometheus.Histogram
	PendingRequests prometheus.Gauge
	State           prometheus.Gauge
}

// NewMetrics registers the client collectors with reg. A nil reg uses a
// private registry, which keeps independent clients from colliding.
func NewMetrics(reg prometheus.Registerer, client string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	var (
		factory = promauto.With(reg)
		labels  = prometheus.Labels{"client": client}
	)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Metrics{
		FramesReceived: counter("frames_received_total", "Frames read from the upstream connection"),
		FramesSent:     counter("frames_sent_total", "Frames written to the upstream connection"),
		BytesReceived:  counter("bytes_received_total", "Bytes read from the upstream connection"),
		BytesSent:      counter("bytes_sent_total", "Bytes written to the upstream connection"),
		DecodeErrors:   counter("decode_errors_total", "Frame bodies that failed to decode"),
		DialFailures:   counter("dial_failures_total", "Failed dial attempts"),
		Reconnects:     counter("reconnects_total", "Sessions replaced by a reconnect"),
		PingTimeouts:   counter("ping_timeouts_total", "Keepalive pings without a pong before the deadline"),

		PingRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "ping_rtt_seconds",
			Help:        "Keepalive round trip time",
			ConstLabels: labels,
			Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "pending_requests",
			Help:        "Requests awaiting a response on the current session",
			ConstLabels: labels,
		}),

		State: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "state",
			Help:        "Connection state (0 disconnected .. 5 shutdown)",
			ConstLabels: labels,
		}),
	}
}
