// Package controlplane wires every learner and actuator into the single
// ticker-driven control loop the operator runs (spec.md §9 design note:
// "one object owns every component by value/index, invokes them in a fixed
// order, holds no back-pointers"). Where the teacher reconciles once per
// CRD event, this operator reconciles every workload once per
// CheckInterval tick — see DESIGN.md's Open Question OQ-1 for why.
package controlplane

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/smart-autoscaler/operator/internal/autopilot"
	"github.com/smart-autoscaler/operator/internal/autotuner"
	"github.com/smart-autoscaler/operator/internal/clock"
	"github.com/smart-autoscaler/operator/internal/collector"
	"github.com/smart-autoscaler/operator/internal/config"
	"github.com/smart-autoscaler/operator/internal/coordinator"
	"github.com/smart-autoscaler/operator/internal/domain"
	"github.com/smart-autoscaler/operator/internal/errkind"
	"github.com/smart-autoscaler/operator/internal/k8sactuator"
	"github.com/smart-autoscaler/operator/internal/notify"
	"github.com/smart-autoscaler/operator/internal/pattern"
	"github.com/smart-autoscaler/operator/internal/predictor"
	"github.com/smart-autoscaler/operator/internal/prescale"
	"github.com/smart-autoscaler/operator/internal/selfmetrics"
	"github.com/smart-autoscaler/operator/internal/store"
)

// maxHighP95Lookback bounds how many past CheckIntervals
// consecutiveHighP95 will walk before giving up.
const maxHighP95Lookback = 6

// ControlPlane owns every component by value or single pointer field and
// invokes them in a fixed order each cycle. It never hands a back-pointer
// to itself to any component it owns.
type ControlPlane struct {
	cfg       config.Config
	clk       clock.Clock
	rnd       clock.Rand
	store     *store.Store
	collector *collector.Collector
	actuator  *k8sactuator.Actuator
	notifier  *notify.Sender
	log       logr.Logger

	mu        sync.RWMutex
	workloads []domain.Workload

	accuracy map[domain.WorkloadKey]map[domain.ModelKind]predictor.ModelAccuracy

	lastPreemptedAt map[domain.WorkloadKey]time.Time
}

// New builds a ControlPlane from its already-constructed dependencies. It
// performs no I/O.
func New(cfg config.Config, clk clock.Clock, rnd clock.Rand, st *store.Store, coll *collector.Collector, act *k8sactuator.Actuator, notifier *notify.Sender, log logr.Logger) *ControlPlane {
	return &ControlPlane{
		cfg:             cfg,
		clk:             clk,
		rnd:             rnd,
		store:           st,
		collector:       coll,
		actuator:        act,
		notifier:        notifier,
		log:             log,
		accuracy:        map[domain.WorkloadKey]map[domain.ModelKind]predictor.ModelAccuracy{},
		lastPreemptedAt: map[domain.WorkloadKey]time.Time{},
	}
}

// SetWorkloads replaces the watched workload set, called at startup from
// configuration and after each auto-discovery sweep.
func (cp *ControlPlane) SetWorkloads(workloads []domain.Workload) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.workloads = workloads
}

func (cp *ControlPlane) snapshotWorkloads() []domain.Workload {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	out := make([]domain.Workload, len(cp.workloads))
	copy(out, cp.workloads)
	return out
}

// Run starts the ticker-driven loop and blocks until ctx is canceled. On
// return, every in-flight cycle has completed (graceful shutdown per
// spec.md §7 — there is no mid-cycle interruption point, only
// between-cycle).
func (cp *ControlPlane) Run(ctx context.Context) error {
	ticker := time.NewTicker(cp.cfg.CheckInterval)
	defer ticker.Stop()

	healthTicker := time.NewTicker(time.Minute)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			cp.log.Info("control plane stopping")
			return nil
		case <-ticker.C:
			if cp.cfg.EnableAutoDiscovery {
				cp.runDiscovery(ctx)
			}
			start := cp.clk.Now()
			if err := cp.RunCycle(ctx, start); err != nil {
				cp.log.Error(err, "cycle failed", "kind", errkind.Classify(err))
			}
			selfmetrics.ObserveCycleDuration("full_cycle", cp.clk.Now().Sub(start).Seconds())
		case <-healthTicker.C:
			cp.runHealthChecks(ctx)
		}
	}
}

func (cp *ControlPlane) runDiscovery(ctx context.Context) {
	discovered, err := cp.actuator.DiscoverAnnotatedHPAs(ctx)
	if err != nil {
		cp.log.Error(err, "auto-discovery failed")
		return
	}
	merged := MergeWorkloads(cp.cfg.Workloads, discovered)
	cp.SetWorkloads(merged)
}

// MergeWorkloads combines statically configured workload overrides with
// auto-discovered ones, letting a static entry win on key collision. main
// also calls this directly (with a nil discovered set) to seed the
// watched workload set before the first discovery sweep runs.
func MergeWorkloads(overrides []config.WorkloadOverride, discovered []domain.Workload) []domain.Workload {
	byKey := map[domain.WorkloadKey]domain.Workload{}
	for _, d := range discovered {
		byKey[d.WorkloadKey] = d
	}
	for _, o := range overrides {
		key := domain.WorkloadKey{Namespace: o.Namespace, Name: o.Name}
		w := byKey[key]
		w.WorkloadKey = key
		w.HPAName = o.HPAName
		if o.Priority != "" {
			w.Priority = domain.Priority(o.Priority)
		} else if w.Priority == "" {
			w.Priority = domain.DefaultPriority
		}
		w.StartupFilterMinutes = o.StartupFilterMinutes
		w.AutoDiscovered = false
		byKey[key] = w
	}
	out := make([]domain.Workload, 0, len(byKey))
	for _, w := range byKey {
		out = append(out, w)
	}
	return out
}

// RunCycle runs one full pass over every watched workload, in priority
// order, through pattern recognition, prediction, auto-tuning, pre-scale
// evaluation, and autopilot evaluation, applying any resulting actuator
// calls and persisting every learner's updated state.
func (cp *ControlPlane) RunCycle(ctx context.Context, now time.Time) error {
	workloads := coordinator.SortByPriority(cp.snapshotWorkloads())
	if len(workloads) == 0 {
		return nil
	}

	samples, failed, err := cp.collector.CollectAll(ctx, workloads, now)
	if err != nil {
		cp.log.Error(err, "persisting collected samples failed")
	}
	for _, w := range failed {
		selfmetrics.RecordSkip("collector", w.Namespace, w.Name, "collection_failed")
	}

	totals, err := cp.collector.ClusterTotalsFromSamples(ctx, samples, now)
	if err != nil {
		cp.log.Error(err, "cluster totals computation failed")
	}
	pressure := coordinator.ClusterPressure(totals.CPUUsedMillicores, totals.CPUAllocMillicores)
	selfmetrics.SetClusterPressure(pressure)

	cp.runPreemption(ctx, workloads, pressure, now)

	byKey := map[domain.WorkloadKey]domain.MetricSample{}
	for _, s := range samples {
		byKey[s.Workload] = s
	}

	var cycleErrs *multierror.Error
	for _, w := range workloads {
		sample, ok := byKey[w.WorkloadKey]
		if !ok {
			continue
		}
		if err := cp.processWorkload(ctx, w, sample, pressure, now); err != nil {
			cp.log.Error(err, "processing workload failed", "workload", w.String())
			cycleErrs = multierror.Append(cycleErrs, fmt.Errorf("%s: %w", w.String(), err))
		}
	}

	cp.sweepPendingPredictions(workloads, now)
	// A non-nil return here is diagnostic only: every workload failure was
	// already isolated and logged above, so the caller (Run) logs the
	// aggregate and moves on to the next tick rather than treating it as
	// fatal, per spec.md §7's "the loop never terminates" guarantee.
	return cycleErrs.ErrorOrNil()
}

func (cp *ControlPlane) processWorkload(ctx context.Context, w domain.Workload, sample domain.MetricSample, pressure float64, now time.Time) error {
	log := cp.log.WithValues("workload", w.String())

	windowSamples, err := cp.store.Range(w.WorkloadKey, now.Add(-7*24*time.Hour), now)
	if err != nil {
		return errkind.Wrap(errkind.StoreIO, fmt.Errorf("range samples: %w", err))
	}

	patternProfile := pattern.Recognize(w.WorkloadKey, windowSamples, now)
	if err := cp.store.PutPatternProfile(patternProfile); err != nil {
		log.Error(err, "persist pattern profile failed")
	}

	cpuRequest := sample.CPUMillicores
	if cpuRequest <= 0 {
		cpuRequest = 1
	}
	points := make([]predictor.Point, 0, len(windowSamples))
	for _, s := range windowSamples {
		if s.Startup {
			continue
		}
		points = append(points, predictor.Point{Timestamp: s.Timestamp, Percent: (s.CPUMillicores / cpuRequest) * 100})
	}

	acc := cp.accuracyFor(w.WorkloadKey)
	var latest *domain.Prediction
	if cp.cfg.EnablePredictive && len(points) > 0 {
		for _, h := range domain.AllHorizons {
			pred := predictor.Forecast(w.WorkloadKey, points, patternProfile.Pattern, h, now, acc, func() string { return uuid.NewString() })
			if err := cp.store.AppendPrediction(pred); err != nil {
				log.Error(err, "persist prediction failed")
			}
			if h == domain.Horizon30m {
				p := pred
				latest = &p
			}
		}
	}

	currentTargetPct := float64(0)
	hpa, err := cp.actuator.GetHPA(ctx, w.WorkloadKey.Namespace, w.HPAName)
	if err == nil && hpa != nil {
		currentTargetPct = extractTargetUtilization(hpa)
	}

	if cp.cfg.EnableAutotuning && w.HPAName != "" {
		cp.runAutotuner(ctx, w, sample, currentTargetPct, pressure, now, log)
	}

	if cp.cfg.EnablePrescale && latest != nil && w.HPAName != "" {
		cp.runPrescale(ctx, w, latest, sample, now, log)
	}

	if cp.cfg.EnableAutopilot && cp.cfg.AutopilotLevel != config.LevelDisabled {
		cp.runAutopilot(ctx, w, now, log)
	}

	return nil
}

// parseCurrentRequest converts the actuator's canonical resource.Quantity
// strings into the millicore/mebibyte units Autopilot's sizing rule works
// in. A quantity that fails to parse (no request set) yields zero, which
// Recommend and EvaluateGuardrails both treat as "any recommendation is a
// 100% relative change" — correctly triggering guardrail review rather
// than silently skipping an unsized container.
func parseCurrentRequest(r k8sactuator.ResourceRequest) autopilot.CurrentRequest {
	cpu, err := resource.ParseQuantity(r.CPU)
	cpuMilli := float64(0)
	if err == nil {
		cpuMilli = float64(cpu.MilliValue())
	}
	mem, err := resource.ParseQuantity(r.Memory)
	memMi := float64(0)
	if err == nil {
		memMi = float64(mem.Value()) / (1024 * 1024)
	}
	return autopilot.CurrentRequest{CPUMilli: cpuMilli, MemoryMi: memMi}
}

func extractTargetUtilization(hpa *autoscalingv2.HorizontalPodAutoscaler) float64 {
	for _, m := range hpa.Spec.Metrics {
		if m.Type == autoscalingv2.ResourceMetricSourceType && m.Resource != nil && m.Resource.Name == "cpu" {
			if m.Resource.Target.AverageUtilization != nil {
				return float64(*m.Resource.Target.AverageUtilization)
			}
		}
	}
	return 0
}

func (cp *ControlPlane) accuracyFor(w domain.WorkloadKey) map[domain.ModelKind]predictor.ModelAccuracy {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.accuracy[w]
}

// Workloads returns the currently watched workload set, for the read API's
// per-workload listing endpoint.
func (cp *ControlPlane) Workloads() []domain.Workload {
	return cp.snapshotWorkloads()
}

// Accuracy returns a copy of the predictor accuracy ledger for w, for the
// read API's prediction-accuracy endpoint.
func (cp *ControlPlane) Accuracy(w domain.WorkloadKey) map[domain.ModelKind]predictor.ModelAccuracy {
	acc := cp.accuracyFor(w)
	out := make(map[domain.ModelKind]predictor.ModelAccuracy, len(acc))
	for k, v := range acc {
		out[k] = v
	}
	return out
}

// Store exposes the underlying store for the read API, which needs direct
// range/list access the control loop has no reason to wrap.
func (cp *ControlPlane) Store() *store.Store {
	return cp.store
}

// Actuator exposes the underlying actuator for the read API's cluster node
// efficiency endpoint.
func (cp *ControlPlane) Actuator() *k8sactuator.Actuator {
	return cp.actuator
}

// Notifier exposes the underlying notification sender for the read API's
// provider test-send action.
func (cp *ControlPlane) Notifier() *notify.Sender {
	return cp.notifier
}

func (cp *ControlPlane) runAutotuner(ctx context.Context, w domain.Workload, sample domain.MetricSample, currentTargetPct float64, pressure float64, now time.Time, log logr.Logger) {
	hourSlot := now.Hour() + int(now.Weekday())*24
	prior, found, err := cp.store.GetOptimal(w.WorkloadKey, hourSlot)
	if err != nil {
		log.Error(err, "get optimal target failed")
		return
	}
	priorOptimum := prior.Target
	if !found {
		priorOptimum = 0
	}
	if priorOptimum == 0 {
		priorOptimum = currentTargetPct
		if priorOptimum == 0 {
			priorOptimum = 70
		}
	}

	mean, _, err := cp.store.GetMeanStd(w.WorkloadKey, time.Hour, now)
	if err != nil {
		log.Error(err, "get mean/std failed")
		return
	}
	p95, err := cp.store.GetP95(w.WorkloadKey, time.Hour, now)
	if err != nil {
		log.Error(err, "get p95 failed")
		return
	}
	events, err := cp.store.RangeEvents(w.WorkloadKey, now.Add(-time.Hour), now)
	if err != nil {
		log.Error(err, "range events failed")
		return
	}
	eventDensity := float64(len(events)) * cp.cfg.CheckInterval.Hours()

	cpuRequest := sample.CPUMillicores
	if cpuRequest <= 0 {
		cpuRequest = 1
	}

	consecutiveHighP95, err := cp.consecutiveHighP95(w.WorkloadKey, cpuRequest, now)
	if err != nil {
		log.Error(err, "consecutive high p95 lookup failed")
	}

	in := autotuner.Inputs{
		CurrentTarget:      currentTargetPct,
		PriorOptimum:       priorOptimum,
		RecentUtilMean:     (mean / cpuRequest) * 100,
		RecentUtilP95:      (p95 / cpuRequest) * 100,
		EventDensity:       eventDensity,
		ConsecutiveHighP95: consecutiveHighP95,
		SamplesCount:       prior.SamplesCount,
		Priority:           w.Priority,
	}

	decision := autotuner.Step(cp.cfg, in, cp.rnd)
	if _, err := cp.store.UpsertOptimal(w.WorkloadKey, hourSlot, decision.NewOptimum, decision.NewConfidence); err != nil {
		log.Error(err, "upsert optimal target failed")
	}
	if !decision.ProposeChange {
		selfmetrics.RecordSkip("autotuner", w.WorkloadKey.Namespace, w.WorkloadKey.Name, decision.SkipReason)
		return
	}

	offset := coordinator.EffectiveTargetOffset(w.Priority, pressure)
	target := domain.ClampTarget(decision.ProposedTarget + offset)
	target = autotuner.ApplyPriorityTuning(target, w.Priority, currentTargetPct)

	record, err := cp.actuator.PatchHPATargetUtilization(ctx, w.WorkloadKey, w.HPAName, int32(target), "autotuner_optimum", now)
	if err != nil {
		log.Error(err, "patch hpa target failed")
		return
	}
	cp.auditEvent(w, record, "autotuner_optimum", now)
}

// consecutiveHighP95 walks backward one CheckInterval at a time from now,
// counting how many of the most recent windows had a p95 CPU utilization
// above autotuner.P95OverloadThreshold, stopping at the first window that
// wasn't (or after maxHighP95Lookback windows, whichever comes first).
func (cp *ControlPlane) consecutiveHighP95(w domain.WorkloadKey, cpuRequest float64, now time.Time) (int, error) {
	interval := cp.cfg.CheckInterval
	if interval <= 0 {
		return 0, nil
	}
	count := 0
	for i := 0; i < maxHighP95Lookback; i++ {
		end := now.Add(-time.Duration(i) * interval)
		p95, err := cp.store.GetP95(w, interval, end)
		if err != nil {
			return count, err
		}
		if (p95/cpuRequest)*100 <= autotuner.P95OverloadThreshold {
			break
		}
		count++
	}
	return count, nil
}

func (cp *ControlPlane) runPrescale(ctx context.Context, w domain.Workload, pred *domain.Prediction, sample domain.MetricSample, now time.Time, log logr.Logger) {
	profile, err := cp.store.GetPrescaleProfile(w.WorkloadKey)
	if err != nil {
		log.Error(err, "get prescale profile failed")
		return
	}
	replicas, err := cp.actuator.ReplicaCount(ctx, w.WorkloadKey)
	if err != nil {
		log.Error(err, "replica count failed")
		return
	}
	hpa, err := cp.actuator.GetHPA(ctx, w.WorkloadKey.Namespace, w.HPAName)
	if err != nil || hpa == nil {
		return
	}
	maxReplicas := int(hpa.Spec.MaxReplicas)

	cpuRequest := sample.CPUMillicores
	if cpuRequest <= 0 {
		cpuRequest = 1
	}
	trigger := &prescale.Trigger{
		PredictedCPUPercent: pred.PredictedCPUPercent,
		Confidence:          pred.Confidence,
		Horizon:             pred.Horizon,
		CurrentCPUPercent:   (sample.CPUMillicores / cpuRequest) * 100,
		CurrentReplicas:     replicas,
		MaxReplicas:         maxReplicas,
	}

	action := prescale.Evaluate(cp.cfg, w.Priority, profile, trigger, now)
	if err := cp.store.PutPrescaleProfile(action.Profile); err != nil {
		log.Error(err, "persist prescale profile failed")
	}
	selfmetrics.SetPrescaleActive(w.WorkloadKey.Namespace, w.WorkloadKey.Name, string(action.Profile.State), action.Profile.State == domain.PrescalePreScaling)

	if action.PatchMinReplicas {
		record, err := cp.actuator.PatchHPAMinReplicas(ctx, w.WorkloadKey, w.HPAName, int32(action.NewMinReplicas), "prescale", now)
		if err != nil {
			log.Error(err, "patch hpa min replicas failed")
		} else {
			cp.auditEvent(w, record, "prescale", now)
		}
	}
	if action.PatchDeployment {
		record, err := cp.actuator.PatchDeploymentReplicas(ctx, w.WorkloadKey, int32(action.NewReplicaCount), "prescale", now)
		if err != nil {
			log.Error(err, "patch deployment replicas failed")
		} else {
			cp.auditEvent(w, record, "prescale", now)
		}
	}
	if action.EmitAnomaly {
		cp.emitAnomaly(w, domain.AnomalyPrescaleEvent, domain.SeverityInfo, action.AnomalyReason, now)
	}
}

func (cp *ControlPlane) runAutopilot(ctx context.Context, w domain.Workload, now time.Time, log logr.Logger) {
	profile, err := cp.store.GetAutopilotProfile(w.WorkloadKey)
	if err != nil {
		log.Error(err, "get autopilot profile failed")
		return
	}
	profile.State = cp.cfg.AutopilotLevel.ToState()

	p95CPU, _ := cp.store.GetP95(w.WorkloadKey, 24*time.Hour, now)
	baseline := autopilot.Usage{CPUP95Milli: p95CPU}
	profile = autopilot.AdvanceLearning(cp.cfg, profile, baseline, now)

	if profile.State == domain.AutopilotObserve {
		if err := cp.store.PutAutopilotProfile(profile); err != nil {
			log.Error(err, "persist autopilot profile failed")
		}
		return
	}

	health, err := cp.actuator.PodHealth(ctx, w.WorkloadKey)
	if err != nil {
		log.Error(err, "pod health failed")
		return
	}
	currentRaw, err := cp.actuator.CurrentContainerRequests(ctx, w.WorkloadKey)
	if err != nil {
		log.Error(err, "current container requests failed")
		return
	}
	current := parseCurrentRequest(currentRaw)
	confidence := float64(profile.SamplesCollected) / float64(cp.cfg.AutopilotLearningDays*96)
	if confidence > 1 {
		confidence = 1
	}
	rec := autopilot.Recommend(cp.cfg, profile, baseline, current, confidence)

	if err := cp.store.PutAutopilotProfile(profile); err != nil {
		log.Error(err, "persist autopilot profile failed")
	}
	if rec.Empty {
		selfmetrics.RecordSkip("autopilot", w.WorkloadKey.Namespace, w.WorkloadKey.Name, rec.Reason)
		return
	}

	observationDays := float64(profile.SamplesCollected) * cp.cfg.CheckInterval.Hours() / 24
	verdict := autopilot.EvaluateGuardrails(cp.cfg, profile, autopilot.GuardrailContext{
		ObservationDays: observationDays,
		Priority:        w.Priority,
		CurrentRequest:  current,
		Recommended:     rec,
	}, now)
	if !verdict.Allowed {
		selfmetrics.RecordSkip("autopilot", w.WorkloadKey.Namespace, w.WorkloadKey.Name, verdict.SkipReason)
		return
	}
	if profile.State != domain.AutopilotApply {
		cp.emitAnomaly(w, domain.AnomalyAutopilotAction, domain.SeverityInfo, "autopilot_recommendation_available", now)
		return
	}

	desired := k8sactuator.ResourceRequest{CPU: fmt.Sprintf("%dm", int64(rec.CPUMilli)), Memory: fmt.Sprintf("%dMi", int64(rec.MemoryMi))}
	record, previous, err := cp.actuator.PatchContainerRequests(ctx, w.WorkloadKey, desired, "autopilot_recommendation", now)
	if err != nil {
		log.Error(err, "patch container requests failed")
		return
	}
	cp.auditEvent(w, record, "autopilot_recommendation", now)
	selfmetrics.RecordAutopilotApply(w.WorkloadKey.Namespace, w.WorkloadKey.Name, "cpu_memory")

	snapshot := domain.AutopilotHealthSnapshot{
		PodRestartCount: health.RestartCount, OOMKillCount: health.OOMKillCount,
		ReadyReplicasFraction: health.ReadyReplicasFraction,
		PreviousCPURequest:    previous.CPU,
		PreviousMemoryRequest: previous.Memory,
		AppliedCPURequest:     desired.CPU,
		AppliedMemoryRequest:  desired.Memory,
	}
	profile = autopilot.Apply(cp.cfg, profile, snapshot, now)
	if err := cp.store.PutAutopilotProfile(profile); err != nil {
		log.Error(err, "persist autopilot profile failed")
	}
}

// runHealthChecks runs from Run's loop on each healthTicker tick (not on
// its own goroutine) and verifies pending Autopilot apply actions, rolling
// back on regression, on a cadence independent of CheckInterval.
func (cp *ControlPlane) runHealthChecks(ctx context.Context) {
	now := cp.clk.Now()
	for _, w := range cp.snapshotWorkloads() {
		profile, err := cp.store.GetAutopilotProfile(w.WorkloadKey)
		if err != nil || profile.PendingSnapshot == nil {
			continue
		}
		if now.Before(profile.PendingHealthCheckUntil) {
			continue
		}
		current, err := cp.actuator.PodHealth(ctx, w.WorkloadKey)
		if err != nil {
			cp.log.Error(err, "health check pod health failed", "workload", w.String())
			continue
		}
		verdict := autopilot.CheckHealth(cp.cfg, *profile.PendingSnapshot, domain.AutopilotHealthSnapshot{
			PodRestartCount: current.RestartCount, OOMKillCount: current.OOMKillCount,
			ReadyReplicasFraction: current.ReadyReplicasFraction,
		})
		if !cp.cfg.AutopilotEnableAutoRollback || !verdict.ShouldRollback {
			profile.PendingSnapshot = nil
			_ = cp.store.PutAutopilotProfile(profile)
			continue
		}

		previous := k8sactuator.ResourceRequest{CPU: profile.PendingSnapshot.PreviousCPURequest, Memory: profile.PendingSnapshot.PreviousMemoryRequest}
		if _, _, err := cp.actuator.PatchContainerRequests(ctx, w.WorkloadKey, previous, "autopilot_rollback:"+verdict.Reason, now); err != nil {
			cp.log.Error(err, "autopilot rollback patch failed", "workload", w.String())
			continue
		}
		profile = autopilot.Rollback(profile)
		_ = cp.store.PutAutopilotProfile(profile)
		selfmetrics.RecordAutopilotRollback(w.WorkloadKey.Namespace, w.WorkloadKey.Name, verdict.Reason)
		cp.emitAnomaly(w, domain.AnomalyAutopilotAction, domain.SeverityWarning, "autopilot_auto_rollback:"+verdict.Reason, now)
	}
}

// runPreemption implements the Coordinator's preemption arbitration
// (spec.md §4.8): if cluster_pressure is high enough and a critical/high
// workload's Pre-Scale Manager is pinned at its original max, one
// low/best_effort workload's HPA max is temporarily lowered to free
// headroom, subject to its own 5-minute preemption cooldown.
func (cp *ControlPlane) runPreemption(ctx context.Context, workloads []domain.Workload, pressure float64, now time.Time) {
	blockedHigh := false
	for _, w := range workloads {
		if w.Priority != domain.PriorityCritical && w.Priority != domain.PriorityHigh {
			continue
		}
		profile, err := cp.store.GetPrescaleProfile(w.WorkloadKey)
		if err != nil {
			continue
		}
		if profile.State == domain.PrescalePreScaling && profile.OriginalCaptured && profile.CurrentMinReplicas >= profile.OriginalMaxReplicas {
			blockedHigh = true
			break
		}
	}
	if !blockedHigh {
		return
	}

	for _, w := range workloads {
		if w.Priority != domain.PriorityLow && w.Priority != domain.PriorityBestEffort {
			continue
		}
		if w.HPAName == "" {
			continue
		}
		hpa, err := cp.actuator.GetHPA(ctx, w.Namespace, w.HPAName)
		if err != nil || hpa == nil {
			continue
		}
		candidate := coordinator.PreemptionCandidate{
			Workload:           w.WorkloadKey,
			Priority:           w.Priority,
			CurrentMaxReplicas: int(hpa.Spec.MaxReplicas),
			LastPreemptedAt:    cp.getLastPreemptedAt(w.WorkloadKey),
		}
		decision := coordinator.EvaluatePreemption(pressure, domain.PriorityHigh, true, candidate, now)
		if !decision.ShouldPreempt {
			continue
		}
		record, err := cp.actuator.PatchHPAMaxReplicas(ctx, w.WorkloadKey, w.HPAName, int32(decision.NewMaxReplicas), decision.Reason, now)
		if err != nil {
			cp.log.Error(err, "preemption patch failed", "workload", w.String())
			continue
		}
		cp.auditEvent(w, record, decision.Reason, now)
		cp.setLastPreemptedAt(w.WorkloadKey, now)
		cp.emitAnomaly(w, domain.AnomalyCostOptimization, domain.SeverityWarning, decision.Reason, now)
		return
	}
}

func (cp *ControlPlane) getLastPreemptedAt(w domain.WorkloadKey) time.Time {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.lastPreemptedAt[w]
}

func (cp *ControlPlane) setLastPreemptedAt(w domain.WorkloadKey, t time.Time) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.lastPreemptedAt[w] = t
}

// sweepPendingPredictions closes out predictions whose horizon deadline has
// passed without a validating sample, marking them Lost (spec.md §3
// invariant 6), and validates those a fresh sample can now be compared
// against.
func (cp *ControlPlane) sweepPendingPredictions(workloads []domain.Workload, now time.Time) {
	for _, w := range workloads {
		pending, err := cp.store.PendingPredictions(w.WorkloadKey)
		if err != nil {
			cp.log.Error(err, "pending predictions lookup failed", "workload", w.String())
			continue
		}
		for _, p := range pending {
			deadline := p.HorizonDeadline(cp.cfg.CheckInterval)
			if now.Before(deadline) {
				continue
			}
			samples, err := cp.store.Range(w.WorkloadKey, p.MadeAt.Add(time.Duration(p.Horizon)), deadline)
			if err != nil || len(samples) == 0 {
				lost := predictor.MarkLost(p)
				_ = cp.store.UpdatePrediction(lost)
				continue
			}
			actual := samples[len(samples)-1]
			cpuRequest := actual.CPUMillicores
			if cpuRequest <= 0 {
				cpuRequest = 1
			}
			validated := predictor.Validate(p, (actual.CPUMillicores/cpuRequest)*100)
			_ = cp.store.UpdatePrediction(validated)
			cp.recordAccuracy(w.WorkloadKey, validated)
		}
	}
}

func (cp *ControlPlane) recordAccuracy(w domain.WorkloadKey, p domain.Prediction) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	m, ok := cp.accuracy[w]
	if !ok {
		m = map[domain.ModelKind]predictor.ModelAccuracy{}
		cp.accuracy[w] = m
	}
	existing := m[p.ModelUsed]
	existing.Model = p.ModelUsed
	existing.ValidatedCount++
	n := float64(existing.ValidatedCount)
	err := 1 - p.AccuracyScore
	existing.MeanAbsPctErr = existing.MeanAbsPctErr + (err-existing.MeanAbsPctErr)/n
	m[p.ModelUsed] = existing
}

func (cp *ControlPlane) auditEvent(w domain.Workload, record k8sactuator.AuditRecord, reason string, now time.Time) {
	if record.Effect == "no-op" {
		return
	}
	cp.log.Info("actuator applied change", "workload", w.String(), "field", record.Field,
		"previous", record.PreviousValue, "desired", record.DesiredValue, "effect", record.Effect, "reason", reason)

	ev := domain.ScalingEvent{
		Workload:    w.WorkloadKey,
		Timestamp:   now,
		OldReplicas: atoiOrZero(record.PreviousValue),
		NewReplicas: atoiOrZero(record.DesiredValue),
		Reason:      fmt.Sprintf("%s: %s %s->%s", reason, record.Field, record.PreviousValue, record.DesiredValue),
	}
	if err := cp.store.AppendEvent(ev); err != nil {
		cp.log.Error(err, "append scaling event failed", "workload", w.String())
	}
}

// atoiOrZero parses a field's before/after value when it's a bare replica
// count (deployment.replicas, hpa.minReplicas/maxReplicas) and falls back to
// 0 for non-integer fields (e.g. hpa target percentages, CPU quantities),
// which still get recorded in Reason for audit purposes.
func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func (cp *ControlPlane) emitAnomaly(w domain.Workload, kind domain.AnomalyKind, sev domain.Severity, reason string, now time.Time) {
	a := domain.Anomaly{
		ID:          uuid.NewString(),
		Workload:    w.WorkloadKey,
		Timestamp:   now,
		Kind:        kind,
		Severity:    sev,
		Description: reason,
	}
	if err := cp.store.AppendAnomaly(a); err != nil {
		cp.log.Error(err, "persist anomaly failed")
		return
	}
	providers, err := cp.store.ListProviders()
	if err != nil {
		cp.log.Error(err, "list providers failed")
		return
	}
	for _, p := range providers {
		if err := cp.notifier.Send(context.Background(), p, a); err != nil {
			cp.log.Error(err, "notification send failed", "provider", p.ID)
		}
	}
}
