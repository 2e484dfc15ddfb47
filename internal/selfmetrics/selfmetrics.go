// Package selfmetrics exposes the operator's own operational Prometheus
// metrics (cycle duration, skip reasons, breaker state, cluster pressure).
// It follows the teacher's internal/metrics/metrics.go registration idiom:
// package-level GaugeVec/CounterVec/HistogramVec collectors, a sync.Once
// guard around registration, and label sanitization before every write.
package selfmetrics

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	maxLabelLength = 128
	unknownLabel   = "unknown"
)

func sanitizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return unknownLabel
	}
	if len(value) > maxLabelLength {
		return value[:maxLabelLength]
	}
	return value
}

var (
	cycleDuration      *prometheus.HistogramVec
	skipReasonsTotal   *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	clusterPressure    prometheus.Gauge
	autopilotApplies   *prometheus.CounterVec
	autopilotRollbacks *prometheus.CounterVec
	prescaleActive     *prometheus.GaugeVec

	initOnce sync.Once
	initErr  error
)

// Init registers every self-metric with registry. Safe to call more than
// once; only the first call does work.
func Init(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		cycleDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smart_autoscaler_cycle_duration_seconds",
				Help:    "Duration of one control-loop cycle.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		)
		skipReasonsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smart_autoscaler_skips_total",
				Help: "Count of skipped actions by reason.",
			},
			[]string{"component", "workload", "namespace", "reason"},
		)
		breakerState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smart_autoscaler_circuit_breaker_state",
				Help: "Circuit breaker state: 0=closed, 1=half_open, 2=open.",
			},
			[]string{"endpoint"},
		)
		clusterPressure = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smart_autoscaler_cluster_pressure",
			Help: "cluster_cpu_used / cluster_cpu_allocatable for the current cycle.",
		})
		autopilotApplies = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smart_autoscaler_autopilot_applies_total",
				Help: "Count of applied Autopilot resource-request changes.",
			},
			[]string{"workload", "namespace", "resource"},
		)
		autopilotRollbacks = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smart_autoscaler_autopilot_rollbacks_total",
				Help: "Count of automatic Autopilot rollbacks.",
			},
			[]string{"workload", "namespace", "reason"},
		)
		prescaleActive = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smart_autoscaler_prescale_active",
				Help: "1 if the workload is currently in PreScaling or CoolingDown, else 0.",
			},
			[]string{"workload", "namespace", "state"},
		)

		collectors := []prometheus.Collector{
			cycleDuration, skipReasonsTotal, breakerState, clusterPressure,
			autopilotApplies, autopilotRollbacks, prescaleActive,
		}
		for _, c := range collectors {
			if err := registry.Register(c); err != nil {
				initErr = fmt.Errorf("selfmetrics: register: %w", err)
				return
			}
		}
	})
	return initErr
}

// ObserveCycleDuration records one stage's wall-clock duration in seconds.
func ObserveCycleDuration(stage string, seconds float64) {
	if cycleDuration == nil {
		return
	}
	cycleDuration.WithLabelValues(sanitizeLabel(stage)).Observe(seconds)
}

// RecordSkip increments the skip counter for (component, workload, reason).
func RecordSkip(component, namespace, workload, reason string) {
	if skipReasonsTotal == nil {
		return
	}
	skipReasonsTotal.WithLabelValues(
		sanitizeLabel(component), sanitizeLabel(workload), sanitizeLabel(namespace), sanitizeLabel(reason),
	).Inc()
}

// BreakerStateValue maps a breaker state name to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// SetBreakerState records one endpoint's current breaker state.
func SetBreakerState(endpoint, state string) {
	if breakerState == nil {
		return
	}
	breakerState.WithLabelValues(sanitizeLabel(endpoint)).Set(BreakerStateValue(state))
}

// SetClusterPressure records the current cycle's cluster_pressure value.
func SetClusterPressure(pressure float64) {
	if clusterPressure == nil {
		return
	}
	clusterPressure.Set(pressure)
}

// RecordAutopilotApply increments the apply counter for a workload/resource.
func RecordAutopilotApply(namespace, workload, resource string) {
	if autopilotApplies == nil {
		return
	}
	autopilotApplies.WithLabelValues(sanitizeLabel(workload), sanitizeLabel(namespace), sanitizeLabel(resource)).Inc()
}

// RecordAutopilotRollback increments the rollback counter.
func RecordAutopilotRollback(namespace, workload, reason string) {
	if autopilotRollbacks == nil {
		return
	}
	autopilotRollbacks.WithLabelValues(sanitizeLabel(workload), sanitizeLabel(namespace), sanitizeLabel(reason)).Inc()
}

// SetPrescaleActive records a workload's current pre-scale state.
func SetPrescaleActive(namespace, workload, state string, active bool) {
	if prescaleActive == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	prescaleActive.WithLabelValues(sanitizeLabel(workload), sanitizeLabel(namespace), sanitizeLabel(state)).Set(v)
}
