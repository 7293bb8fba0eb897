// Package metrics provides Prometheus collectors for the connector runtime.
//
// All collectors live in the connector_ namespace and are registered once on
// the default registry, so the CLI can expose them with promhttp.
//
// # Basic Usage
//
//	metrics.PacketsTotal.WithLabelValues(metrics.DirectionOut).Add(float64(len(batch)))
//
//	timer := metrics.NewTimer("query")
//	result, err := handle(ctx, packet)
//	metrics.CommandDuration.WithLabelValues("query", metrics.Outcome(err)).
//	    Observe(timer.Stop().Seconds())
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "connector"

// Packet directions
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	// PacketsTotal counts packets crossing the socket.
	// Labels: direction (in/out)
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Total number of packets sent or received over the socket",
		},
		[]string{"direction"},
	)

	// QueueDepth tracks packets waiting for the next flush
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Packets queued for the next socket flush",
		},
	)

	// PendingCalls tracks correlated calls awaiting a reply
	PendingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Correlated calls awaiting a reply",
		},
	)

	// CallTimeouts counts pending calls resolved by the sweep
	CallTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_timeouts_total",
			Help:      "Correlated calls resolved with a timeout error",
		},
	)

	// Reconnects counts socket sessions that ended while still running
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Socket sessions that ended and were re-established",
		},
	)

	// HandshakeAttempts counts HTTP handshake outcomes.
	// Labels: result (connected/unauthorized/registered/error)
	HandshakeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_attempts_total",
			Help:      "HTTP handshake attempts by result",
		},
		[]string{"result"},
	)

	// FetchRequests counts outbound HTTP attempts.
	// Labels: status_class (2xx/3xx/4xx/5xx/error)
	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Outbound HTTP attempts by status class",
		},
		[]string{"status_class"},
	)

	// FetchRetries counts retried attempts.
	// Labels: reason (rate_limit/failure/unauthorized)
	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Outbound HTTP retries by reason",
		},
		[]string{"reason"},
	)

	// CommandDuration tracks protocol command latency in seconds.
	// Labels: command, outcome (ok/error)
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Protocol command handling latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms .. ~4.4min
		},
		[]string{"command", "outcome"},
	)

	// OAuthRefreshes counts token refreshes.
	// Labels: trigger (forced/periodic/lazy), result (ok/error/invalid)
	OAuthRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_refreshes_total",
			Help:      "OAuth token refreshes by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// DecryptionFailures counts configuration fields dropped by the codec
	DecryptionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryption_failures_total",
			Help:      "Configuration fields dropped after failed decryption",
		},
	)
)

// StatusClass buckets an HTTP status code; zero means a transport error.
func StatusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Outcome maps an error to the outcome label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer name
func (t *Timer) Name() string {
	return t.name
}

// Stop returns the elapsed duration since creation. It can be called
// repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
