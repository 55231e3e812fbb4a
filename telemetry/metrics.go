// Package telemetry provides Prometheus metrics, OpenTelemetry tracing, and
// correlation-id aware structured logging shared across the relay.
package telemetry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollsStarted    prometheus.Counter
	PollsSucceeded  prometheus.Counter
	PollsFailed     prometheus.Counter
	PollsThrottled  prometheus.Counter
	HealsAttempted  prometheus.Counter
	HealsSucceeded  prometheus.Counter
	HealsFailed     prometheus.Counter
	DupesRejected   prometheus.Counter
	EventsDelivered prometheus.Counter

	// Histograms (seconds)
	PollDuration prometheus.Observer

	// Gauges
	ActiveSessions    prometheus.Gauge
	ActiveSubscribers prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_polls_started_total", Help: "Number of upstream chat polls issued"})
		PollsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_polls_succeeded_total", Help: "Number of upstream chat polls that returned OK"})
		PollsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_polls_failed_total", Help: "Number of upstream chat polls that failed"})
		PollsThrottled = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_polls_throttled_total", Help: "Number of upstream chat polls rejected by the subrequest limiter"})
		HealsAttempted = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_heals_attempted_total", Help: "Number of auto-heal bootstrap refresh attempts"})
		HealsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_heals_succeeded_total", Help: "Number of auto-heal attempts that replaced the bootstrap"})
		HealsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_heals_failed_total", Help: "Number of auto-heal attempts that failed"})
		DupesRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_dupes_rejected_total", Help: "Number of events rejected by the dedup window"})
		EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_events_delivered_total", Help: "Number of payloads enqueued to an adapter sink"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_poll_duration_seconds", Help: "Upstream poll duration seconds", Buckets: prometheus.DefBuckets})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_sessions", Help: "Current number of live sessions"})
		ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_subscribers", Help: "Current number of connected subscribers across all sessions"})
	})
}

// correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}
