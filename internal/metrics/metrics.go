// Package metrics defines the Prometheus metrics the core emits for its
// own operations: task outcomes, dispatcher fan-out, and repo-client
// request-budget occupancy. Naming follows the pluginindexer_<subsystem>_
// <name>_<unit> convention.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the core publishes. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	TasksTotal        *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	DispatcherActive  prometheus.Gauge
	RepoSmallInFlight prometheus.Gauge
	RepoLargeInFlight prometheus.Gauge
	HashFallbackTotal prometheus.Counter
	StoreOpsTotal     *prometheus.CounterVec
}

// NewRegistry registers and returns the core's metrics against reg. Pass
// prometheus.NewRegistry() in production; tests may pass a fresh
// registry per test to avoid collisions.
func NewRegistry(reg *prometheus.Registry) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pluginindexer_tasks_total",
			Help: "Dispatched tasks by outcome (success, failure, problem).",
		}, []string{"outcome"}),

		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "pluginindexer_task_duration_seconds",
			Help: "Wall-clock duration of dispatched tasks by name.",
		}, []string{"task"}),

		DispatcherActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pluginindexer_dispatcher_active_tasks",
			Help: "Number of tasks currently tracked by the dispatcher.",
		}),

		RepoSmallInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pluginindexer_repoclient_small_requests_in_flight",
			Help: "Outstanding small-budget (metadata-class) HTTP requests.",
		}),

		RepoLargeInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pluginindexer_repoclient_large_requests_in_flight",
			Help: "Outstanding large-budget (streaming hash fallback) HTTP requests.",
		}),

		HashFallbackTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluginindexer_hash_fallback_total",
			Help: "Number of times the streaming SHA-256 fallback was used instead of the .hash.json sidecar.",
		}),

		StoreOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pluginindexer_store_operations_total",
			Help: "Store operations by name and result (ok, error).",
		}, []string{"operation", "result"}),
	}
}

// NewNoop returns a Registry wired to a throwaway Prometheus registry,
// for callers (tests, --no-generate-only runs) that don't want to wire a
// real exporter but still need non-nil metrics.
func NewNoop() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
