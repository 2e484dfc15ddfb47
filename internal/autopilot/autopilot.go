// Package autopilot implements the Autopilot state machine (spec.md §4.7):
// Disabled/Observe/Recommend/Autopilot levels, a Learning sub-state gate,
// the request-sizing recommendation rule, the six apply guardrails, and
// the post-apply auto-rollback health monitor.
package autopilot

import (
	"fmt"
	"math"
	"time"

	"github.com/smart-autoscaler/operator/internal/config"
	"github.com/smart-autoscaler/operator/internal/domain"
)

const (
	minCPURequestMilli   = 50
	minMemoryRequestMi   = 64
	minRelativeChange    = 0.20
)

// Usage bundles the p95 usage figures a recommendation is built from.
type Usage struct {
	CPUP95Milli   float64
	MemoryP95Mi   float64
}

// CurrentRequest is the workload's live container resource requests.
type CurrentRequest struct {
	CPUMilli float64
	MemoryMi float64
}

// Recommendation is the Autopilot's proposed new request pair, or
// Empty=true when no recommendation qualifies this cycle.
type Recommendation struct {
	Empty      bool
	CPUMilli   float64
	MemoryMi   float64
	Confidence float64
	Reason     string
}

// AdvanceLearning progresses a newly (or still-) learning profile,
// graduating it to Ready once learning_days has elapsed and
// auto_graduate is enabled (spec.md §4.7).
func AdvanceLearning(cfg config.Config, profile domain.AutopilotProfile, baseline Usage, now time.Time) domain.AutopilotProfile {
	next := profile
	if next.LearningStartedAt.IsZero() {
		next.LearningStartedAt = now
		next.SubState = domain.AutopilotLearning
	}
	next.SamplesCollected++

	learningElapsed := now.Sub(next.LearningStartedAt) >= time.Duration(cfg.AutopilotLearningDays)*24*time.Hour
	if next.SubState == domain.AutopilotLearning && learningElapsed {
		next.BaselineCPUP95 = baseline.CPUP95Milli
		next.BaselineMemoryP95 = baseline.MemoryP95Mi
		if cfg.AutopilotAutoGraduate {
			next.SubState = domain.AutopilotReady
		}
	}
	return next
}

// Recommend applies spec.md §4.7's recommendation rule: target request is
// p95*(1+safety) + headroom, subject to per-resource minima, emitted only
// if the relative change is large enough and confidence clears the floor.
// No recommendation is produced before the profile reaches Ready.
func Recommend(cfg config.Config, profile domain.AutopilotProfile, usage Usage, current CurrentRequest, confidence float64) Recommendation {
	if profile.SubState != domain.AutopilotReady {
		return Recommendation{Empty: true, Reason: "learning_gate"}
	}

	const safetyFraction = 0.15
	const cpuHeadroomMilli = 20
	const memHeadroomMi = 32

	targetCPU := usage.CPUP95Milli*(1+safetyFraction) + cpuHeadroomMilli
	if targetCPU < minCPURequestMilli {
		targetCPU = minCPURequestMilli
	}
	targetMem := usage.MemoryP95Mi*(1+safetyFraction) + memHeadroomMi
	floor := float64(minMemoryRequestMi)
	if cfg.AutopilotMemoryFloorMi > 0 {
		floor = float64(cfg.AutopilotMemoryFloorMi)
	}
	if targetMem < floor {
		targetMem = floor
	}

	cpuChange := relativeChange(current.CPUMilli, targetCPU)
	memChange := relativeChange(current.MemoryMi, targetMem)
	if math.Max(cpuChange, memChange) < minRelativeChange {
		return Recommendation{Empty: true, Reason: "change_too_small"}
	}
	if confidence < cfg.AutopilotMinConfidence {
		return Recommendation{Empty: true, Reason: "confidence_below_floor"}
	}

	return Recommendation{
		CPUMilli:   targetCPU,
		MemoryMi:   targetMem,
		Confidence: confidence,
		Reason:     "p95_plus_headroom",
	}
}

func relativeChange(current, target float64) float64 {
	if current <= 0 {
		if target <= 0 {
			return 0
		}
		return 1
	}
	return math.Abs(target-current) / current
}

// GuardrailContext carries everything the six apply guardrails (spec.md
// §4.7) need to evaluate.
type GuardrailContext struct {
	ObservationDays   float64
	Priority          domain.Priority
	PrescaleState     domain.PrescaleState
	CurrentRequest    CurrentRequest
	Recommended       Recommendation
}

// GuardrailVerdict is the outcome of evaluating every guardrail.
type GuardrailVerdict struct {
	Allowed      bool
	DegradeLevel config.AutopilotLevel // non-empty when guardrail 5 silently degrades to Recommend
	SkipReason   string
}

// EvaluateGuardrails runs all six guardrails in order and returns the
// first failure, or Allowed=true if every one holds.
func EvaluateGuardrails(cfg config.Config, profile domain.AutopilotProfile, ctx GuardrailContext, now time.Time) GuardrailVerdict {
	if ctx.ObservationDays < float64(cfg.AutopilotMinObservationDays) {
		return GuardrailVerdict{SkipReason: "observation_window_too_short"}
	}
	if ctx.Recommended.Confidence < cfg.AutopilotMinConfidence {
		return GuardrailVerdict{SkipReason: "confidence_below_floor"}
	}

	cpuDelta := relativeChange(ctx.CurrentRequest.CPUMilli, ctx.Recommended.CPUMilli) * 100
	memDelta := relativeChange(ctx.CurrentRequest.MemoryMi, ctx.Recommended.MemoryMi) * 100
	maxDelta := math.Max(cpuDelta, memDelta)
	if maxDelta > cfg.AutopilotMaxChangePercent {
		return GuardrailVerdict{SkipReason: "change_exceeds_max_step"}
	}

	if !profile.LastActionAt.IsZero() && now.Sub(profile.LastActionAt) < time.Duration(cfg.AutopilotCooldownHours)*time.Hour {
		return GuardrailVerdict{SkipReason: "cooldown_active"}
	}

	if (ctx.Priority == domain.PriorityCritical || ctx.Priority == domain.PriorityHigh) &&
		maxDelta > cfg.AutopilotHighPriorityChangeThreshold {
		return GuardrailVerdict{DegradeLevel: config.LevelRecommend, SkipReason: "high_priority_requires_confirmation"}
	}

	if ctx.PrescaleState == domain.PrescalePreScaling {
		return GuardrailVerdict{SkipReason: "prescale_in_progress"}
	}

	return GuardrailVerdict{Allowed: true}
}

// Apply records an action's effect on the profile: advances LastActionAt,
// stores the pending health-check deadline, and returns the snapshot the
// health monitor will later compare against. Call only after
// EvaluateGuardrails reports Allowed.
func Apply(cfg config.Config, profile domain.AutopilotProfile, snapshot domain.AutopilotHealthSnapshot, now time.Time) domain.AutopilotProfile {
	next := profile
	next.LastActionAt = now
	next.PendingHealthCheckUntil = now.Add(time.Duration(cfg.AutopilotRollbackMonitorMinutes) * time.Minute)
	snap := snapshot
	snap.TakenAt = now
	next.PendingSnapshot = &snap
	return next
}

// HealthVerdict is the outcome of comparing a post-apply health sample
// against the pending snapshot.
type HealthVerdict struct {
	ShouldRollback bool
	Reason         string
}

// CheckHealth compares current pod health against the snapshot taken at
// apply time and decides whether to roll back (spec.md §4.7's three
// auto-rollback triggers).
func CheckHealth(cfg config.Config, snapshot domain.AutopilotHealthSnapshot, current domain.AutopilotHealthSnapshot) HealthVerdict {
	restartDelta := current.PodRestartCount - snapshot.PodRestartCount
	if restartDelta > cfg.AutopilotMaxRestartIncrease {
		return HealthVerdict{ShouldRollback: true, Reason: fmt.Sprintf("restart_count_increase:%d", restartDelta)}
	}
	oomDelta := current.OOMKillCount - snapshot.OOMKillCount
	if oomDelta > cfg.AutopilotMaxOOMIncrease {
		return HealthVerdict{ShouldRollback: true, Reason: fmt.Sprintf("oom_kill_increase:%d", oomDelta)}
	}
	readinessDropPct := (snapshot.ReadyReplicasFraction - current.ReadyReplicasFraction) * 100
	if readinessDropPct > cfg.AutopilotMaxReadinessDropPercent {
		return HealthVerdict{ShouldRollback: true, Reason: fmt.Sprintf("readiness_drop:%.1f", readinessDropPct)}
	}
	return HealthVerdict{}
}

// Rollback clears the pending snapshot and increments the auto-rollback
// counter, to be called once the caller has re-applied snapshot's previous
// request values through the Actuator.
func Rollback(profile domain.AutopilotProfile) domain.AutopilotProfile {
	next := profile
	next.AutoRollbacks++
	next.PendingSnapshot = nil
	next.PendingHealthCheckUntil = time.Time{}
	return next
}
