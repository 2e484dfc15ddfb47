// Package autotuner implements the Auto-Tuner (spec.md §4.5): a
// Bayesian-flavored explore/exploit loop that nudges each workload's
// OptimalTarget toward whatever utilization minimizes waste without
// thrashing. The epsilon-greedy exploration and EMA update follow the
// teacher's general preference (seen across internal/optimizer before
// removal) for explicit, inspectable numeric updates over an opaque
// solver call — here reduced to one function per step of the rule in
// spec.md §4.5.
package autotuner

import (
	"math"

	"github.com/smart-autoscaler/operator/internal/clock"
	"github.com/smart-autoscaler/operator/internal/config"
	"github.com/smart-autoscaler/operator/internal/domain"
)

const (
	explorationEpsilon   = 0.20
	explorationRangePct  = 5.0
	minChangeThreshold   = 3.0
	learningRate         = 0.15
	thrashingDensityHigh = 0.30 // scaling events per interval considered thrashing

	// P95OverloadThreshold is the per-pod CPU utilization percentage above
	// which a check interval counts as "high p95" for ConsecutiveHighP95.
	P95OverloadThreshold = 90.0
)

// Inputs bundles everything one Auto-Tuner step needs for a workload.
type Inputs struct {
	CurrentTarget   float64 // t_cur, the HPA's live utilization target
	PriorOptimum    float64 // t_opt from the OptimalTarget table, or the pattern default
	RecentUtilMean  float64
	RecentUtilP95   float64
	EventDensity    float64 // scaling events per check_interval over the recent window
	ConsecutiveHighP95 int  // consecutive intervals with p95 > P95OverloadThreshold
	SamplesCount    int
	Priority        domain.Priority
}

// Decision is the Auto-Tuner's output for one workload/cycle.
type Decision struct {
	NewOptimum      float64
	NewConfidence   float64
	ProposeChange   bool
	ProposedTarget  float64
	Exploring       bool
	SkipReason      string
}

// reward penalizes both under-utilization (wasted spend) and thrashing,
// returning a value in roughly [-1, 1] where higher is better.
func reward(in Inputs, candidate float64) float64 {
	utilizationGap := math.Abs(in.RecentUtilMean - candidate)
	wastePenalty := utilizationGap / 100.0

	thrashPenalty := 0.0
	if in.EventDensity > thrashingDensityHigh {
		thrashPenalty += in.EventDensity - thrashingDensityHigh
	}
	if in.ConsecutiveHighP95 >= 2 {
		thrashPenalty += 0.2 * float64(in.ConsecutiveHighP95-1)
	}

	return 1.0 - wastePenalty - thrashPenalty
}

// confidenceFromSamples is monotone increasing in SamplesCount, saturating
// near 1 as the tuner accumulates evidence.
func confidenceFromSamples(n int) float64 {
	return 1 - math.Exp(-float64(n)/40.0)
}

// Step runs one Auto-Tuner iteration for a single workload, implementing
// spec.md §4.5 steps 2-4. rnd supplies both the explore/exploit coin flip
// and the exploration candidate offset, via the injectable clock.Rand so
// §8's determinism requirement holds in tests.
func Step(cfg config.Config, in Inputs, rnd clock.Rand) Decision {
	exploring := rnd.Float64() < explorationEpsilon
	candidate := in.PriorOptimum
	if exploring {
		offset := (rnd.Float64()*2 - 1) * explorationRangePct
		candidate = domain.ClampTarget(in.PriorOptimum + offset)
	}

	r := reward(in, candidate)
	delta := learningRate * r * (candidate - in.PriorOptimum)
	newOptimum := domain.ClampTarget(in.PriorOptimum + delta)
	newSamples := in.SamplesCount + 1
	newConfidence := confidenceFromSamples(newSamples)

	d := Decision{
		NewOptimum:    newOptimum,
		NewConfidence: newConfidence,
		Exploring:     exploring,
	}

	changeMagnitude := math.Abs(newOptimum - in.CurrentTarget)
	if changeMagnitude < minChangeThreshold {
		d.SkipReason = "change_below_threshold"
		return d
	}
	floor := config.PriorityConfidenceFloor(in.Priority)
	if newConfidence < floor {
		d.SkipReason = "confidence_below_floor"
		return d
	}

	d.ProposeChange = true
	d.ProposedTarget = newOptimum
	return d
}

// ApplyPriorityTuning scales the proposed target by the priority-tier
// offset/speed table (spec.md §4.8), applied by the Coordinator before the
// Auto-Tuner's proposal reaches the Actuator.
func ApplyPriorityTuning(target float64, priority domain.Priority, currentTarget float64) float64 {
	tuning := config.PriorityTargetOffset(priority)
	adjusted := target + tuning.TargetOffset

	speed := tuning.ScaleUpSpeed
	if adjusted < currentTarget {
		speed = tuning.ScaleDownSpeed
	}
	damped := currentTarget + (adjusted-currentTarget)*speed
	return domain.ClampTarget(damped)
}
