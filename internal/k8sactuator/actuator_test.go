package k8sactuator

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/smart-autoscaler/operator/internal/clock"
	"github.com/smart-autoscaler/operator/internal/domain"
	"github.com/smart-autoscaler/operator/internal/netguard"
)

func newTestActuator(t *testing.T, objs ...runtime.Object) *Actuator {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, appsv1.AddToScheme(scheme))
	require.NoError(t, corev1.AddToScheme(scheme))
	require.NoError(t, autoscalingv2.AddToScheme(scheme))

	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
	guard := netguard.New("test", 1000, 10, time.Minute, 5*time.Second, clock.NewFake(time.Now()))
	return New(c, guard, false, logr.Discard())
}

func int32p(v int32) *int32 { return &v }

func TestPatchHPAMinReplicasIsIdempotent(t *testing.T) {
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{Name: "wl-hpa", Namespace: "ns"},
		Spec:       autoscalingv2.HorizontalPodAutoscalerSpec{MinReplicas: int32p(2), MaxReplicas: 10},
	}
	a := newTestActuator(t, hpa)
	now := time.Now()

	rec, err := a.PatchHPAMinReplicas(context.Background(), w, "wl-hpa", 5, "prescale", now)
	require.NoError(t, err)
	assert.Equal(t, "patched", rec.Effect)
	assert.Equal(t, "2", rec.PreviousValue)
	assert.Equal(t, "5", rec.DesiredValue)

	// applying the same desired state twice produces one patched row and one no-op row.
	rec2, err := a.PatchHPAMinReplicas(context.Background(), w, "wl-hpa", 5, "prescale", now)
	require.NoError(t, err)
	assert.Equal(t, "no-op", rec2.Effect)
}

func TestPatchHPAMinReplicasDryRunNeverWrites(t *testing.T) {
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{Name: "wl-hpa", Namespace: "ns"},
		Spec:       autoscalingv2.HorizontalPodAutoscalerSpec{MinReplicas: int32p(2), MaxReplicas: 10},
	}
	a := newTestActuator(t, hpa)
	a.dryRun = true

	rec, err := a.PatchHPAMinReplicas(context.Background(), w, "wl-hpa", 8, "prescale", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "dry_run", rec.Effect)

	got, err := a.GetHPA(context.Background(), "ns", "wl-hpa")
	require.NoError(t, err)
	assert.Equal(t, int32(2), *got.Spec.MinReplicas, "dry run must not mutate the HPA")
}

func TestPatchHPAMaxReplicasPatchesAndNoOps(t *testing.T) {
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{Name: "wl-hpa", Namespace: "ns"},
		Spec:       autoscalingv2.HorizontalPodAutoscalerSpec{MinReplicas: int32p(1), MaxReplicas: 10},
	}
	a := newTestActuator(t, hpa)

	rec, err := a.PatchHPAMaxReplicas(context.Background(), w, "wl-hpa", 6, "preemption", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "patched", rec.Effect)

	rec2, err := a.PatchHPAMaxReplicas(context.Background(), w, "wl-hpa", 6, "preemption", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "no-op", rec2.Effect)
}

func TestPatchHPATargetUtilizationRequiresCPUResourceMetric(t *testing.T) {
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{Name: "wl-hpa", Namespace: "ns"},
		Spec:       autoscalingv2.HorizontalPodAutoscalerSpec{MaxReplicas: 10},
	}
	a := newTestActuator(t, hpa)
	_, err := a.PatchHPATargetUtilization(context.Background(), w, "wl-hpa", 70, "autotuner", time.Now())
	assert.Error(t, err)
}

func TestPatchHPATargetUtilizationPatchesCPUMetric(t *testing.T) {
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	util := int32(60)
	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{Name: "wl-hpa", Namespace: "ns"},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			MaxReplicas: 10,
			Metrics: []autoscalingv2.MetricSpec{{
				Type: autoscalingv2.ResourceMetricSourceType,
				Resource: &autoscalingv2.ResourceMetricSource{
					Name:   corev1.ResourceCPU,
					Target: autoscalingv2.MetricTarget{AverageUtilization: &util},
				},
			}},
		},
	}
	a := newTestActuator(t, hpa)
	rec, err := a.PatchHPATargetUtilization(context.Background(), w, "wl-hpa", 75, "autotuner", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "patched", rec.Effect)
	assert.Equal(t, "60", rec.PreviousValue)
}

func TestPatchDeploymentReplicasIdempotent(t *testing.T) {
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "wl", Namespace: "ns"},
		Spec:       appsv1.DeploymentSpec{Replicas: int32p(3)},
	}
	a := newTestActuator(t, deploy)

	rec, err := a.PatchDeploymentReplicas(context.Background(), w, 7, "prescale", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "patched", rec.Effect)

	rec2, err := a.PatchDeploymentReplicas(context.Background(), w, 7, "prescale", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "no-op", rec2.Effect)
}

func TestReplicaCountPrefersStatusOverSpec(t *testing.T) {
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "wl", Namespace: "ns"},
		Spec:       appsv1.DeploymentSpec{Replicas: int32p(3)},
		Status:     appsv1.DeploymentStatus{Replicas: 5},
	}
	a := newTestActuator(t, deploy)
	n, err := a.ReplicaCount(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestPatchContainerRequestsIdempotentAndParsesQuantities(t *testing.T) {
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "wl", Namespace: "ns"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name: "app",
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("100m"),
								corev1.ResourceMemory: resource.MustParse("128Mi"),
							},
						},
					}},
				},
			},
		},
	}
	a := newTestActuator(t, deploy)
	desired := ResourceRequest{CPU: "250m", Memory: "256Mi"}

	rec, previous, err := a.PatchContainerRequests(context.Background(), w, desired, "autopilot", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "patched", rec.Effect)
	assert.Equal(t, "100m", previous.CPU)

	rec2, _, err := a.PatchContainerRequests(context.Background(), w, desired, "autopilot", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "no-op", rec2.Effect)
}

func TestPodHealthAggregatesRestartsOOMsAndReadiness(t *testing.T) {
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	pod1 := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p1", Namespace: "ns", Labels: map[string]string{"app": "wl"}},
		Status: corev1.PodStatus{
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
			ContainerStatuses: []corev1.ContainerStatus{{
				RestartCount: 3,
				LastTerminationState: corev1.ContainerState{
					Terminated: &corev1.ContainerStateTerminated{Reason: "OOMKilled"},
				},
			}},
		},
	}
	pod2 := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p2", Namespace: "ns", Labels: map[string]string{"app": "wl"}},
		Status: corev1.PodStatus{
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionFalse}},
		},
	}
	a := newTestActuator(t, pod1, pod2)

	health, err := a.PodHealth(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, 3, health.RestartCount)
	assert.Equal(t, 1, health.OOMKillCount)
	assert.InDelta(t, 0.5, health.ReadyReplicasFraction, 0.0001)
}

func TestDiscoverAnnotatedHPAsFiltersByAnnotation(t *testing.T) {
	enabled := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Name: "enabled-hpa", Namespace: "ns",
			Annotations: map[string]string{
				"smart-autoscaler.io/enabled":  "true",
				"smart-autoscaler.io/priority": "high",
			},
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{Name: "target"}},
	}
	disabled := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{Name: "disabled-hpa", Namespace: "ns"},
	}
	a := newTestActuator(t, enabled, disabled)

	discovered, err := a.DiscoverAnnotatedHPAs(context.Background())
	require.NoError(t, err)
	require.Len(t, discovered, 1)
	assert.Equal(t, "target", discovered[0].Name)
	assert.Equal(t, domain.PriorityHigh, discovered[0].Priority)
	assert.True(t, discovered[0].AutoDiscovered)
}

func TestListNodeCapacityReadsAllocatable(t *testing.T) {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-1"},
		Status: corev1.NodeStatus{
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("4"),
				corev1.ResourceMemory: resource.MustParse("8Gi"),
			},
		},
	}
	a := newTestActuator(t, node)
	caps, err := a.ListNodeCapacity(context.Background())
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, int64(4000), caps[0].AllocatableCPUM)
}
