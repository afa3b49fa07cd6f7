// Package metrics exposes the supervisor's Prometheus instrumentation on a
// dedicated registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the supervisor records into.
type Metrics struct {
	registry *prometheus.Registry

	// Notifications sent per project, labelled ok/failed.
	NotificationsTotal *prometheus.CounterVec
	// Retry queue items dropped after exhausting attempts.
	RetryDropsTotal prometheus.Counter
	// Current retry queue depth.
	RetryQueueDepth prometheus.Gauge
	// Lifecycle commands by action (start/pause/resume/stop) and status.
	CommandsTotal *prometheus.CounterVec
	// Ephemeral question run durations by terminal reason.
	AskDuration *prometheus.HistogramVec
	// Files observed by the watchers, labelled delivered/duplicate.
	FilesSeenTotal *prometheus.CounterVec
}

// New creates all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "notifications_total",
			Help:      "Notifications sent, by project and status.",
		}, []string{"project", "status"}),

		RetryDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "retry_drops_total",
			Help:      "Notifications dropped after exhausting retry attempts.",
		}),

		RetryQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "retry_queue_depth",
			Help:      "Items currently in the retry queue.",
		}),

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "commands_total",
			Help:      "Lifecycle commands executed, by action and status.",
		}, []string{"action", "status"}),

		AskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "ask_duration_seconds",
			Help:      "Ephemeral question run durations, by terminal reason.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"reason"}),

		FilesSeenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "files_seen_total",
			Help:      "Inbox files observed by the watchers, by project and outcome.",
		}, []string{"project", "outcome"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
