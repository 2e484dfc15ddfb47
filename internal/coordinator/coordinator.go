// Package coordinator implements the Priority & Pressure Coordinator
// (spec.md §4.8): orders workload processing by priority, computes
// cluster_pressure, widens or tightens per-tier target offsets under
// pressure, and arbitrates preemption of low-priority workloads.
package coordinator

import (
	"time"

	"github.com/smart-autoscaler/operator/internal/config"
	"github.com/smart-autoscaler/operator/internal/domain"
)

const (
	highPressureThreshold = 0.85
	lowPressureThreshold  = 0.40
	preemptionThreshold   = 0.80
	preemptionCooldown    = 5 * time.Minute
)

// priorityOrder is the fixed processing order spec.md §4.8 mandates.
var priorityOrder = []domain.Priority{
	domain.PriorityCritical, domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow, domain.PriorityBestEffort,
}

// SortByPriority stably orders workloads per the mandated tier sequence,
// preserving relative order within a tier (testable property 6).
func SortByPriority(workloads []domain.Workload) []domain.Workload {
	buckets := make(map[domain.Priority][]domain.Workload, len(priorityOrder))
	for _, w := range workloads {
		buckets[w.Priority] = append(buckets[w.Priority], w)
	}
	out := make([]domain.Workload, 0, len(workloads))
	for _, p := range priorityOrder {
		out = append(out, buckets[p]...)
	}
	return out
}

// ClusterPressure computes cluster_cpu_used / cluster_cpu_allocatable.
func ClusterPressure(usedMillicores, allocatableMillicores float64) float64 {
	if allocatableMillicores <= 0 {
		return 0
	}
	return usedMillicores / allocatableMillicores
}

// EffectiveTargetOffset returns the priority tier's ΔTarget, widened under
// high pressure and biased toward cost optimization under low pressure
// (spec.md §4.8).
func EffectiveTargetOffset(priority domain.Priority, pressure float64) float64 {
	base := config.PriorityTargetOffset(priority).TargetOffset

	switch {
	case pressure >= highPressureThreshold:
		switch priority {
		case domain.PriorityCritical, domain.PriorityHigh:
			return base * 1.5 // more headroom: push target down further
		case domain.PriorityLow, domain.PriorityBestEffort:
			return base * 1.5 // less headroom for low tiers under pressure: raise target further
		default:
			return base
		}
	case pressure < lowPressureThreshold:
		switch priority {
		case domain.PriorityLow, domain.PriorityBestEffort:
			// Cost-optimization bias: raise the target (tighten) further.
			return base * 1.5
		default:
			return base
		}
	default:
		return base
	}
}

// PreemptionCandidate is a low-priority workload the coordinator may ask
// the Pre-Scale Manager to temporarily constrain.
type PreemptionCandidate struct {
	Workload        domain.WorkloadKey
	Priority        domain.Priority
	CurrentMaxReplicas int
	LastPreemptedAt time.Time
}

// PreemptionDecision is the coordinator's verdict for one blocked
// high-priority workload.
type PreemptionDecision struct {
	ShouldPreempt bool
	Target        domain.WorkloadKey
	NewMaxReplicas int
	Reason        string
}

// EvaluatePreemption implements spec.md §4.8's preemption rule: at
// cluster_pressure >= 0.80, when a high-priority workload cannot scale up
// because a low/best-effort workload is at max, the coordinator may lower
// that workload's maxReplicas by one step, subject to a 5-minute
// per-workload preemption cooldown.
func EvaluatePreemption(pressure float64, blockedPriority domain.Priority, blockedCannotScale bool, candidate PreemptionCandidate, now time.Time) PreemptionDecision {
	if pressure < preemptionThreshold {
		return PreemptionDecision{}
	}
	if blockedPriority != domain.PriorityCritical && blockedPriority != domain.PriorityHigh {
		return PreemptionDecision{}
	}
	if !blockedCannotScale {
		return PreemptionDecision{}
	}
	if candidate.Priority != domain.PriorityLow && candidate.Priority != domain.PriorityBestEffort {
		return PreemptionDecision{}
	}
	if !candidate.LastPreemptedAt.IsZero() && now.Sub(candidate.LastPreemptedAt) < preemptionCooldown {
		return PreemptionDecision{}
	}

	newMax := candidate.CurrentMaxReplicas - 1
	if newMax < 1 {
		newMax = 1
	}
	return PreemptionDecision{
		ShouldPreempt:  true,
		Target:         candidate.Workload,
		NewMaxReplicas: newMax,
		Reason:         "preemption_for_high_priority_scale_up",
	}
}
