// metrics.go — Prometheus metrics for the scheduler, breaker, pool, and
// session manager. Package-level promauto collectors registered at
// import time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pagegate/browser-gateway/internal/breaker"
	"github.com/pagegate/browser-gateway/internal/pool"
)

var (
	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Number of operations waiting for an execution slot.",
	})

	SchedulerInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "scheduler",
		Name:      "in_flight",
		Help:      "Number of operations currently executing.",
	})

	SchedulerQueueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "scheduler",
		Name:      "queue_wait_seconds",
		Help:      "Time an operation spent queued before execution.",
		Buckets:   prometheus.DefBuckets,
	})

	SchedulerExecSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "scheduler",
		Name:      "exec_seconds",
		Help:      "Time an operation spent executing.",
		Buckets:   prometheus.DefBuckets,
	})

	// BreakerState: 0=CLOSED, 1=OPEN, 2=HALF_OPEN, labeled by operation class.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per operation class (0=closed,1=open,2=half_open).",
	}, []string{"operation_class"})

	PoolWarm = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "pool",
		Name:      "warm_contexts",
		Help:      "Warm (available) contexts per fingerprint.",
	}, []string{"fingerprint"})

	PoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "pool",
		Name:      "in_use_contexts",
		Help:      "Active contexts per fingerprint.",
	}, []string{"fingerprint"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of live sessions.",
	})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "dispatcher",
		Name:      "tool_calls_total",
		Help:      "Total dispatched tool calls by tool name and outcome.",
	}, []string{"tool", "outcome"})
)

// RecordBreakerSnapshot pushes a breaker.Registry snapshot into the gauge.
func RecordBreakerSnapshot(snapshot map[string]breaker.State) {
	for class, state := range snapshot {
		BreakerState.WithLabelValues(class).Set(float64(state))
	}
}

// RecordPoolStats pushes pool.Stats into the warm/in-use gauges.
func RecordPoolStats(stats []pool.Stats) {
	for _, s := range stats {
		PoolWarm.WithLabelValues(s.Fingerprint).Set(float64(s.Warm))
		PoolInUse.WithLabelValues(s.Fingerprint).Set(float64(s.InUse))
	}
}

// RecordToolCall increments the tool-call counter for one dispatch outcome.
func RecordToolCall(tool string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}
