// Package prescale implements the Pre-Scale Manager state machine
// (spec.md §4.6): Idle -> PreScaling -> CoolingDown -> Idle, driven by
// Predictor output and applied through the Kubernetes Actuator's HPA
// minReplicas and Deployment replica levers.
package prescale

import (
	"math"
	"time"

	"github.com/smart-autoscaler/operator/internal/config"
	"github.com/smart-autoscaler/operator/internal/domain"
)

// Trigger is the Predictor output the manager evaluates each cycle for one
// workload.
type Trigger struct {
	PredictedCPUPercent float64
	Confidence          float64
	Horizon             domain.Horizon
	CurrentCPUPercent   float64
	CurrentReplicas     int
	MaxReplicas         int
}

// Action is what the caller (control plane) must do this cycle as a result
// of evaluating the state machine.
type Action struct {
	Profile        domain.PrescaleProfile
	PatchMinReplicas  bool
	NewMinReplicas    int
	PatchDeployment   bool
	NewReplicaCount   int
	RestoreOriginal   bool
	EmitAnomaly       bool
	AnomalyReason     string
}

// Evaluate runs one state-machine step for a workload, given its current
// stored profile, the latest prediction trigger (nil if no prediction this
// cycle), and now. It never mutates profile in place; callers persist the
// returned Action.Profile.
func Evaluate(cfg config.Config, priority domain.Priority, profile domain.PrescaleProfile, trigger *Trigger, now time.Time) Action {
	switch profile.State {
	case domain.PrescaleIdle:
		return evaluateIdle(cfg, priority, profile, trigger, now)
	case domain.PrescalePreScaling:
		return evaluatePreScaling(cfg, profile, trigger, now)
	case domain.PrescaleCoolingDown:
		return evaluateCoolingDown(profile, now)
	default:
		return Action{Profile: profile}
	}
}

func evaluateIdle(cfg config.Config, priority domain.Priority, profile domain.PrescaleProfile, trigger *Trigger, now time.Time) Action {
	if trigger == nil {
		return Action{Profile: profile}
	}
	minConfidence := config.PriorityPrescaleMinConfidence(priority)
	if trigger.PredictedCPUPercent < cfg.PrescaleThreshold || trigger.Confidence < minConfidence {
		return Action{Profile: profile}
	}

	next := profile
	if !next.OriginalCaptured {
		next.OriginalMinReplicas = trigger.CurrentReplicas
		next.OriginalMaxReplicas = trigger.MaxReplicas
		next.OriginalCaptured = true
	}

	ratio := 1.0
	if trigger.CurrentCPUPercent > 0 {
		ratio = trigger.PredictedCPUPercent / trigger.CurrentCPUPercent
	}
	newMin := int(math.Ceil(float64(trigger.CurrentReplicas) * ratio))
	if newMin > next.OriginalMaxReplicas {
		newMin = next.OriginalMaxReplicas
	}
	if floor := next.OriginalMinReplicas + 1; newMin < floor {
		newMin = floor
	}

	next.State = domain.PrescalePreScaling
	next.CurrentMinReplicas = newMin
	next.PreScaleStartedAt = now
	next.PreScaleReason = "predicted_cpu_above_threshold"
	next.PredictedCPU = trigger.PredictedCPUPercent
	next.PredictionConfidence = trigger.Confidence
	next.PredictionWindow = trigger.Horizon
	next.RollbackAt = now.Add(time.Duration(cfg.PrescaleRollbackMinutes) * time.Minute)
	next.PreScaleCount++
	next.BelowThresholdStreak = 0

	return Action{
		Profile:         next,
		PatchMinReplicas: true,
		NewMinReplicas:   newMin,
		PatchDeployment:  true,
		NewReplicaCount:  newMin,
		EmitAnomaly:      true,
		AnomalyReason:    "prescale_event",
	}
}

func evaluatePreScaling(cfg config.Config, profile domain.PrescaleProfile, trigger *Trigger, now time.Time) Action {
	next := profile

	rollbackDue := !next.RollbackAt.IsZero() && !now.Before(next.RollbackAt)

	belowThreshold := false
	if trigger != nil {
		belowThreshold = trigger.PredictedCPUPercent < cfg.PrescaleThreshold
	}
	if belowThreshold {
		next.BelowThresholdStreak++
	} else {
		next.BelowThresholdStreak = 0
	}
	twoConsecutiveLow := next.BelowThresholdStreak >= 2

	if !rollbackDue && !twoConsecutiveLow {
		if trigger != nil {
			next.SuccessfulPredictions++
		}
		return Action{Profile: next}
	}

	next.State = domain.PrescaleCoolingDown
	next.CooldownUntil = now.Add(time.Duration(cfg.PrescaleCooldownMinutes) * time.Minute)
	next.CurrentMinReplicas = next.OriginalMinReplicas
	next.RollbackAt = time.Time{}
	if twoConsecutiveLow {
		next.FailedPredictions++
	}

	return Action{
		Profile:          next,
		PatchMinReplicas: true,
		NewMinReplicas:   next.OriginalMinReplicas,
		PatchDeployment:  true,
		NewReplicaCount:  next.OriginalMinReplicas,
		RestoreOriginal:  true,
	}
}

func evaluateCoolingDown(profile domain.PrescaleProfile, now time.Time) Action {
	next := profile
	if next.CooldownUntil.IsZero() || now.Before(next.CooldownUntil) {
		return Action{Profile: next}
	}
	next.State = domain.PrescaleIdle
	next.CooldownUntil = time.Time{}
	return Action{Profile: next}
}

// RequestRollback forces an immediate transition to CoolingDown, for the
// explicit-API-request exit path spec.md §4.6 names.
func RequestRollback(cfg config.Config, profile domain.PrescaleProfile, now time.Time) Action {
	if profile.State != domain.PrescalePreScaling {
		return Action{Profile: profile}
	}
	next := profile
	next.State = domain.PrescaleCoolingDown
	next.CooldownUntil = now.Add(time.Duration(cfg.PrescaleCooldownMinutes) * time.Minute)
	next.CurrentMinReplicas = next.OriginalMinReplicas
	next.RollbackAt = time.Time{}
	return Action{
		Profile:          next,
		PatchMinReplicas: true,
		NewMinReplicas:   next.OriginalMinReplicas,
		PatchDeployment:  true,
		NewReplicaCount:  next.OriginalMinReplicas,
		RestoreOriginal:  true,
	}
}
