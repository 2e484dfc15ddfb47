// Package k8sactuator is the thin, idempotent, dry-run-capable wrapper
// around the Kubernetes API spec.md §4.9 describes. It follows the
// teacher's internal/actuator/actuator.go idiom of holding a bare
// sigs.k8s.io/controller-runtime/pkg/client.Client and patching with
// client.MergeFrom, generalized from a single Deployment-replica read into
// the full HPA/Deployment/Pod/Node read-and-patch surface this operator
// needs.
package k8sactuator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	appsv1 "k8s.io/api/apps/v1"

	"github.com/smart-autoscaler/operator/internal/domain"
	"github.com/smart-autoscaler/operator/internal/netguard"
)

// AuditRecord is one row the Actuator writes (via the caller, into the
// store) before/after every mutation, satisfying spec.md §4.9's audit
// requirement and testable property 7 (idempotent actuator).
type AuditRecord struct {
	Workload    domain.WorkloadKey
	Timestamp   time.Time
	Field       string // e.g. "hpa.minReplicas", "deployment.replicas", "resources.requests.cpu"
	PreviousValue string
	DesiredValue  string
	Effect        string // "patched", "no-op", "dry_run"
	Reason        string
}

// Actuator reads and patches HPAs, Deployments, Pods, and Nodes.
type Actuator struct {
	client.Client
	guard  *netguard.Guard
	dryRun bool
	log    logr.Logger
}

// New builds an Actuator. dryRun suppresses all writes, per spec.md §4.9's
// global DRY_RUN mode.
func New(c client.Client, guard *netguard.Guard, dryRun bool, log logr.Logger) *Actuator {
	return &Actuator{Client: c, guard: guard, dryRun: dryRun, log: log}
}

func (a *Actuator) withGuard(ctx context.Context, fn func(ctx context.Context) error) error {
	return a.guard.Do(ctx, fn)
}

// ReplicaCount returns the Deployment's status.replicas count,
// falling back to spec.Replicas and finally to 1, mirroring the teacher's
// getCurrentDeploymentReplicas fallback order.
func (a *Actuator) ReplicaCount(ctx context.Context, w domain.WorkloadKey) (int, error) {
	var deploy appsv1.Deployment
	err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.Get(ctx, types.NamespacedName{Name: w.Name, Namespace: w.Namespace}, &deploy)
	})
	if err != nil {
		return 0, fmt.Errorf("k8sactuator: get deployment %s: %w", w, err)
	}
	if deploy.Status.Replicas > 0 {
		return int(deploy.Status.Replicas), nil
	}
	if deploy.Spec.Replicas != nil {
		return int(*deploy.Spec.Replicas), nil
	}
	return 1, nil
}

// AnyPodStartedWithin reports whether any pod backing w started within
// window of now, for the Collector's startup filter.
func (a *Actuator) AnyPodStartedWithin(ctx context.Context, w domain.WorkloadKey, window time.Duration) (bool, error) {
	var pods corev1.PodList
	err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.List(ctx, &pods, client.InNamespace(w.Namespace), client.MatchingLabels{"app": w.Name})
	})
	if err != nil {
		return false, fmt.Errorf("k8sactuator: list pods %s: %w", w, err)
	}
	now := time.Now()
	for _, p := range pods.Items {
		if p.Status.StartTime == nil {
			continue
		}
		if now.Sub(p.Status.StartTime.Time) <= window {
			return true, nil
		}
	}
	return false, nil
}

// PodHealthCounters aggregates restart count, OOM-kill count, and the
// ready-replica fraction for the Autopilot health monitor (spec.md §4.7).
type PodHealthCounters struct {
	RestartCount        int
	OOMKillCount        int
	ReadyReplicasFraction float64
}

// PodHealth inspects every pod backing w.
func (a *Actuator) PodHealth(ctx context.Context, w domain.WorkloadKey) (PodHealthCounters, error) {
	var pods corev1.PodList
	err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.List(ctx, &pods, client.InNamespace(w.Namespace), client.MatchingLabels{"app": w.Name})
	})
	if err != nil {
		return PodHealthCounters{}, fmt.Errorf("k8sactuator: list pods %s: %w", w, err)
	}

	var counters PodHealthCounters
	ready := 0
	for _, p := range pods.Items {
		for _, cs := range p.Status.ContainerStatuses {
			counters.RestartCount += int(cs.RestartCount)
			if cs.LastTerminationState.Terminated != nil && cs.LastTerminationState.Terminated.Reason == "OOMKilled" {
				counters.OOMKillCount++
			}
		}
		for _, cond := range p.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				ready++
			}
		}
	}
	if len(pods.Items) > 0 {
		counters.ReadyReplicasFraction = float64(ready) / float64(len(pods.Items))
	}
	return counters, nil
}

// GetHPA reads an HPA by name.
func (a *Actuator) GetHPA(ctx context.Context, namespace, name string) (*autoscalingv2.HorizontalPodAutoscaler, error) {
	var hpa autoscalingv2.HorizontalPodAutoscaler
	err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.Get(ctx, types.NamespacedName{Name: name, Namespace: namespace}, &hpa)
	})
	if err != nil {
		return nil, fmt.Errorf("k8sactuator: get hpa %s/%s: %w", namespace, name, err)
	}
	return &hpa, nil
}

// PatchHPAMinReplicas patches spec.MinReplicas idempotently, returning the
// audit record. No-op if desired already equals current.
func (a *Actuator) PatchHPAMinReplicas(ctx context.Context, w domain.WorkloadKey, hpaName string, desired int32, reason string, now time.Time) (AuditRecord, error) {
	hpa, err := a.GetHPA(ctx, w.Namespace, hpaName)
	if err != nil {
		return AuditRecord{}, err
	}
	current := int32(1)
	if hpa.Spec.MinReplicas != nil {
		current = *hpa.Spec.MinReplicas
	}
	rec := AuditRecord{
		Workload:      w,
		Timestamp:     now,
		Field:         "hpa.minReplicas",
		PreviousValue: fmt.Sprintf("%d", current),
		DesiredValue:  fmt.Sprintf("%d", desired),
		Reason:        reason,
	}
	if current == desired {
		rec.Effect = "no-op"
		return rec, nil
	}
	if a.dryRun {
		rec.Effect = "dry_run"
		return rec, nil
	}

	original := hpa.DeepCopy()
	hpa.Spec.MinReplicas = &desired
	patch := client.MergeFrom(original)
	if err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.Patch(ctx, hpa, patch)
	}); err != nil {
		return rec, fmt.Errorf("k8sactuator: patch hpa minReplicas: %w", err)
	}
	rec.Effect = "patched"
	return rec, nil
}

// PatchHPATargetUtilization patches the first Resource metric's target
// average utilization on the HPA (the Auto-Tuner's lever).
func (a *Actuator) PatchHPATargetUtilization(ctx context.Context, w domain.WorkloadKey, hpaName string, desired int32, reason string, now time.Time) (AuditRecord, error) {
	hpa, err := a.GetHPA(ctx, w.Namespace, hpaName)
	if err != nil {
		return AuditRecord{}, err
	}

	idx := -1
	var current int32
	for i, m := range hpa.Spec.Metrics {
		if m.Type == autoscalingv2.ResourceMetricSourceType && m.Resource != nil && m.Resource.Name == corev1.ResourceCPU {
			idx = i
			if m.Resource.Target.AverageUtilization != nil {
				current = *m.Resource.Target.AverageUtilization
			}
			break
		}
	}
	rec := AuditRecord{
		Workload:      w,
		Timestamp:     now,
		Field:         "hpa.targetCPUUtilization",
		PreviousValue: fmt.Sprintf("%d", current),
		DesiredValue:  fmt.Sprintf("%d", desired),
		Reason:        reason,
	}
	if idx == -1 {
		return rec, fmt.Errorf("k8sactuator: hpa %s/%s has no CPU resource metric", w.Namespace, hpaName)
	}
	if current == desired {
		rec.Effect = "no-op"
		return rec, nil
	}
	if a.dryRun {
		rec.Effect = "dry_run"
		return rec, nil
	}

	original := hpa.DeepCopy()
	hpa.Spec.Metrics[idx].Resource.Target.AverageUtilization = &desired
	patch := client.MergeFrom(original)
	if err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.Patch(ctx, hpa, patch)
	}); err != nil {
		return rec, fmt.Errorf("k8sactuator: patch hpa target utilization: %w", err)
	}
	rec.Effect = "patched"
	return rec, nil
}

// PatchDeploymentReplicas scales a Deployment directly (used by Pre-Scale
// Manager for immediate effect, per spec.md §4.6's note that lowering only
// the HPA target does not force scale-out in practice).
func (a *Actuator) PatchDeploymentReplicas(ctx context.Context, w domain.WorkloadKey, desired int32, reason string, now time.Time) (AuditRecord, error) {
	var deploy appsv1.Deployment
	if err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.Get(ctx, types.NamespacedName{Name: w.Name, Namespace: w.Namespace}, &deploy)
	}); err != nil {
		return AuditRecord{}, fmt.Errorf("k8sactuator: get deployment %s: %w", w, err)
	}

	current := int32(1)
	if deploy.Spec.Replicas != nil {
		current = *deploy.Spec.Replicas
	}
	rec := AuditRecord{
		Workload:      w,
		Timestamp:     now,
		Field:         "deployment.replicas",
		PreviousValue: fmt.Sprintf("%d", current),
		DesiredValue:  fmt.Sprintf("%d", desired),
		Reason:        reason,
	}
	if current == desired {
		rec.Effect = "no-op"
		return rec, nil
	}
	if a.dryRun {
		rec.Effect = "dry_run"
		return rec, nil
	}

	original := deploy.DeepCopy()
	deploy.Spec.Replicas = &desired
	patch := client.MergeFrom(original)
	if err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.Patch(ctx, &deploy, patch)
	}); err != nil {
		return rec, fmt.Errorf("k8sactuator: patch deployment replicas: %w", err)
	}
	rec.Effect = "patched"
	return rec, nil
}

// ResourceRequest is a CPU/memory request pair expressed in the
// resource.Quantity canonical string form so audit rows are exact.
type ResourceRequest struct {
	CPU    string
	Memory string
}

// CurrentContainerRequests reads the first container's resources.requests
// without mutating anything, for callers (Autopilot) that need the current
// value before deciding whether a change is worth proposing.
func (a *Actuator) CurrentContainerRequests(ctx context.Context, w domain.WorkloadKey) (ResourceRequest, error) {
	var deploy appsv1.Deployment
	if err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.Get(ctx, types.NamespacedName{Name: w.Name, Namespace: w.Namespace}, &deploy)
	}); err != nil {
		return ResourceRequest{}, fmt.Errorf("k8sactuator: get deployment %s: %w", w, err)
	}
	if len(deploy.Spec.Template.Spec.Containers) == 0 {
		return ResourceRequest{}, fmt.Errorf("k8sactuator: deployment %s has no containers", w)
	}
	reqs := deploy.Spec.Template.Spec.Containers[0].Resources.Requests
	return ResourceRequest{CPU: reqs.Cpu().String(), Memory: reqs.Memory().String()}, nil
}

// PatchContainerRequests patches the first container's resources.requests
// on a Deployment's pod template (Autopilot's lever). Only requests are
// ever touched; limits are never read or written here.
func (a *Actuator) PatchContainerRequests(ctx context.Context, w domain.WorkloadKey, desired ResourceRequest, reason string, now time.Time) (AuditRecord, ResourceRequest, error) {
	var deploy appsv1.Deployment
	if err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.Get(ctx, types.NamespacedName{Name: w.Name, Namespace: w.Namespace}, &deploy)
	}); err != nil {
		return AuditRecord{}, ResourceRequest{}, fmt.Errorf("k8sactuator: get deployment %s: %w", w, err)
	}
	if len(deploy.Spec.Template.Spec.Containers) == 0 {
		return AuditRecord{}, ResourceRequest{}, fmt.Errorf("k8sactuator: deployment %s has no containers", w)
	}

	container := &deploy.Spec.Template.Spec.Containers[0]
	reqs := container.Resources.Requests
	previous := ResourceRequest{
		CPU:    reqs.Cpu().String(),
		Memory: reqs.Memory().String(),
	}
	rec := AuditRecord{
		Workload:      w,
		Timestamp:     now,
		Field:         "resources.requests",
		PreviousValue: fmt.Sprintf("cpu=%s,memory=%s", previous.CPU, previous.Memory),
		DesiredValue:  fmt.Sprintf("cpu=%s,memory=%s", desired.CPU, desired.Memory),
		Reason:        reason,
	}
	if previous.CPU == desired.CPU && previous.Memory == desired.Memory {
		rec.Effect = "no-op"
		return rec, previous, nil
	}
	if a.dryRun {
		rec.Effect = "dry_run"
		return rec, previous, nil
	}

	cpuQty, err := resource.ParseQuantity(desired.CPU)
	if err != nil {
		return rec, previous, fmt.Errorf("k8sactuator: parse cpu quantity %q: %w", desired.CPU, err)
	}
	memQty, err := resource.ParseQuantity(desired.Memory)
	if err != nil {
		return rec, previous, fmt.Errorf("k8sactuator: parse memory quantity %q: %w", desired.Memory, err)
	}

	original := deploy.DeepCopy()
	if container.Resources.Requests == nil {
		container.Resources.Requests = corev1.ResourceList{}
	}
	container.Resources.Requests[corev1.ResourceCPU] = cpuQty
	container.Resources.Requests[corev1.ResourceMemory] = memQty
	patch := client.MergeFrom(original)
	if err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.Patch(ctx, &deploy, patch)
	}); err != nil {
		return rec, previous, fmt.Errorf("k8sactuator: patch container requests: %w", err)
	}
	rec.Effect = "patched"
	return rec, previous, nil
}

// PatchHPAMaxReplicas patches spec.MaxReplicas (the Coordinator's
// preemption lever).
func (a *Actuator) PatchHPAMaxReplicas(ctx context.Context, w domain.WorkloadKey, hpaName string, desired int32, reason string, now time.Time) (AuditRecord, error) {
	hpa, err := a.GetHPA(ctx, w.Namespace, hpaName)
	if err != nil {
		return AuditRecord{}, err
	}
	current := hpa.Spec.MaxReplicas
	rec := AuditRecord{
		Workload:      w,
		Timestamp:     now,
		Field:         "hpa.maxReplicas",
		PreviousValue: fmt.Sprintf("%d", current),
		DesiredValue:  fmt.Sprintf("%d", desired),
		Reason:        reason,
	}
	if current == desired {
		rec.Effect = "no-op"
		return rec, nil
	}
	if a.dryRun {
		rec.Effect = "dry_run"
		return rec, nil
	}

	original := hpa.DeepCopy()
	hpa.Spec.MaxReplicas = desired
	patch := client.MergeFrom(original)
	if err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.Patch(ctx, hpa, patch)
	}); err != nil {
		return rec, fmt.Errorf("k8sactuator: patch hpa maxReplicas: %w", err)
	}
	rec.Effect = "patched"
	return rec, nil
}

// NodeCapacity reports one node's allocatable CPU (millicores) and memory
// (bytes), for cluster-pressure / node-efficiency computations.
type NodeCapacity struct {
	Name               string
	AllocatableCPUM    int64
	AllocatableMemoryB int64
}

// ListNodeCapacity returns allocatable capacity for every node.
func (a *Actuator) ListNodeCapacity(ctx context.Context) ([]NodeCapacity, error) {
	var nodes corev1.NodeList
	if err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.List(ctx, &nodes)
	}); err != nil {
		return nil, fmt.Errorf("k8sactuator: list nodes: %w", err)
	}
	out := make([]NodeCapacity, 0, len(nodes.Items))
	for _, n := range nodes.Items {
		cpu := n.Status.Allocatable.Cpu().MilliValue()
		mem := n.Status.Allocatable.Memory().Value()
		out = append(out, NodeCapacity{Name: n.Name, AllocatableCPUM: cpu, AllocatableMemoryB: mem})
	}
	return out, nil
}

// DiscoverAnnotatedHPAs lists every HPA across all namespaces carrying the
// smart-autoscaler.io/enabled="true" annotation, for auto-discovery
// (spec.md §6).
func (a *Actuator) DiscoverAnnotatedHPAs(ctx context.Context) ([]domain.Workload, error) {
	const (
		annoEnabled        = "smart-autoscaler.io/enabled"
		annoPriority       = "smart-autoscaler.io/priority"
		annoStartupFilter  = "smart-autoscaler.io/startup-filter"
	)
	var hpas autoscalingv2.HorizontalPodAutoscalerList
	if err := a.withGuard(ctx, func(ctx context.Context) error {
		return a.List(ctx, &hpas)
	}); err != nil {
		return nil, fmt.Errorf("k8sactuator: list hpas: %w", err)
	}

	var discovered []domain.Workload
	for _, h := range hpas.Items {
		if h.Annotations[annoEnabled] != "true" {
			continue
		}
		priority := domain.DefaultPriority
		if p := domain.Priority(h.Annotations[annoPriority]); p.Valid() {
			priority = p
		}
		startupMinutes := 0
		if sf, ok := h.Annotations[annoStartupFilter]; ok {
			fmt.Sscanf(sf, "%d", &startupMinutes)
		}
		discovered = append(discovered, domain.Workload{
			WorkloadKey:          domain.WorkloadKey{Namespace: h.Namespace, Name: h.Spec.ScaleTargetRef.Name},
			HPAName:              h.Name,
			Priority:             priority,
			StartupFilterMinutes: startupMinutes,
			AutoDiscovered:       true,
		})
	}
	return discovered, nil
}
