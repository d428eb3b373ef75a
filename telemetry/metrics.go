// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived   *prometheus.CounterVec // by kind: normal|superchat|membership
	SessionStarts      *prometheus.CounterVec // by mode and result
	LivenessProbes     *prometheus.CounterVec // by outcome: live|not_live|error|skipped
	PersistenceErrors  *prometheus.CounterVec // by op: open|checkpoint|finalize|notify|target
	StreamErrors       *prometheus.CounterVec // by class: retryable|fatal|unknown
	FanoutEvents       *prometheus.CounterVec // by event name
	SessionsReclaimed  prometheus.Counter

	// Histograms (seconds)
	ConnectDuration prometheus.Observer

	// Gauges
	ActiveSessions     prometheus.Gauge
	PeakActiveSessions prometheus.Gauge
	PooledSessions     prometheus.Gauge
	AutoWatchTenants   prometheus.Gauge
	SocketConnections  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatpool_messages_total", Help: "Chat messages relayed, by kind"}, []string{"kind"})
		SessionStarts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatpool_session_starts_total", Help: "Session start attempts, by mode and result"}, []string{"mode", "result"})
		LivenessProbes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatpool_liveness_probes_total", Help: "Auto-watch liveness probes, by outcome"}, []string{"outcome"})
		PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatpool_persistence_errors_total", Help: "Swallowed persistence failures, by operation"}, []string{"op"})
		StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatpool_stream_errors_total", Help: "Remote stream errors, by class"}, []string{"class"})
		FanoutEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatpool_fanout_events_total", Help: "Events emitted to subscriber groups, by event name"}, []string{"event"})
		SessionsReclaimed = promauto.NewCounter(prometheus.CounterOpts{Name: "chatpool_sessions_reclaimed_total", Help: "Idle sessions removed from the registry"})
		ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatpool_connect_duration_seconds", Help: "Time to establish an upstream chat stream", Buckets: prometheus.DefBuckets})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatpool_active_sessions", Help: "Sessions currently running"})
		PeakActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatpool_peak_active_sessions", Help: "Highest number of running sessions since process start"})
		PooledSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatpool_pooled_sessions", Help: "Sessions held in the registry, running or not"})
		AutoWatchTenants = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatpool_autowatch_tenants", Help: "Tenants registered for liveness detection"})
		SocketConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatpool_socket_connections", Help: "Open realtime subscriber connections"})
	})
}

// IncCounter bumps a labelled counter if metrics are initialized.
func IncCounter(vec *prometheus.CounterVec, labels ...string) {
	if vec != nil {
		vec.WithLabelValues(labels...).Inc()
	}
}

// AddCount adds n to c if metrics are initialized.
func AddCount(c prometheus.Counter, n int) {
	if c != nil {
		c.Add(float64(n))
	}
}

// SetGauge records v on g if metrics are initialized.
func SetGauge(g prometheus.Gauge, v int) {
	if g != nil {
		g.Set(float64(v))
	}
}

// AddGauge adjusts g by delta if metrics are initialized.
func AddGauge(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
	}
}

// ObserveSince records the time elapsed since start in observer if non-nil.
func ObserveSince(obs prometheus.Observer, start time.Time) time.Duration {
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
