/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Exposes run-level operational metrics. Counters and histograms are
  fed through engine.Hooks so the engine itself stays free of any
  metrics dependency.

METRICS:
  bonus_runs_started_total{tenant}    Runs that entered running
  bonus_runs_completed_total{tenant}  Runs that reached completed
  bonus_runs_failed_total{tenant}     Runs that reached failed
  bonus_run_items                     Items per completed run
  bonus_run_duration_seconds          Wall time per completed run

SEE ALSO:
  - engine/orchestrator.go: Hooks definition
  - server.go: /metrics route
*/
package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/posightful/bonus-engine/engine"
)

var (
	runsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bonus_runs_started_total",
		Help: "Calculation runs that entered the running state.",
	}, []string{"tenant"})

	runsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bonus_runs_completed_total",
		Help: "Calculation runs that completed successfully.",
	}, []string{"tenant"})

	runsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bonus_runs_failed_total",
		Help: "Calculation runs that ended in the failed state.",
	}, []string{"tenant"})

	runItems = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bonus_run_items",
		Help:    "Calculation items produced per completed run.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bonus_run_duration_seconds",
		Help:    "Wall time per completed run.",
		Buckets: prometheus.DefBuckets,
	})
)

// MetricsHooks returns engine hooks that record run metrics.
func MetricsHooks() engine.Hooks {
	return engine.Hooks{
		RunStarted: func(tenantID engine.TenantID) {
			runsStarted.WithLabelValues(string(tenantID)).Inc()
		},
		RunCompleted: func(tenantID engine.TenantID, items int, elapsed time.Duration) {
			runsCompleted.WithLabelValues(string(tenantID)).Inc()
			runItems.Observe(float64(items))
			runDuration.Observe(elapsed.Seconds())
		},
		RunFailed: func(tenantID engine.TenantID) {
			runsFailed.WithLabelValues(string(tenantID)).Inc()
		},
	}
}
