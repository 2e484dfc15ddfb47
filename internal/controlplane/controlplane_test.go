package controlplane

import (
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/smart-autoscaler/operator/internal/config"
	"github.com/smart-autoscaler/operator/internal/domain"
	"github.com/smart-autoscaler/operator/internal/k8sactuator"
	"github.com/smart-autoscaler/operator/internal/store"
)

func openTestStore() *store.Store {
	path := GinkgoT().TempDir() + "/test.db"
	st, err := store.Open(path, logr.Discard())
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = st.Close() })
	return st
}

var _ = Describe("MergeWorkloads", func() {
	It("lets a static override win on key collision", func() {
		discovered := []domain.Workload{
			{WorkloadKey: domain.WorkloadKey{Namespace: "ns", Name: "wl"}, Priority: domain.PriorityMedium, AutoDiscovered: true},
		}
		overrides := []config.WorkloadOverride{
			{Namespace: "ns", Name: "wl", Priority: "critical", HPAName: "wl-hpa"},
		}

		merged := MergeWorkloads(overrides, discovered)
		Expect(merged).To(HaveLen(1))
		Expect(merged[0].Priority).To(Equal(domain.PriorityCritical))
		Expect(merged[0].HPAName).To(Equal("wl-hpa"))
		Expect(merged[0].AutoDiscovered).To(BeFalse())
	})

	It("keeps the discovered entry when no override exists", func() {
		discovered := []domain.Workload{
			{WorkloadKey: domain.WorkloadKey{Namespace: "ns", Name: "wl"}, Priority: domain.PriorityLow, AutoDiscovered: true},
		}

		merged := MergeWorkloads(nil, discovered)
		Expect(merged).To(HaveLen(1))
		Expect(merged[0].AutoDiscovered).To(BeTrue())
		Expect(merged[0].Priority).To(Equal(domain.PriorityLow))
	})

	It("defaults priority when an override sets none", func() {
		overrides := []config.WorkloadOverride{
			{Namespace: "ns", Name: "wl"},
		}

		merged := MergeWorkloads(overrides, nil)
		Expect(merged).To(HaveLen(1))
		Expect(merged[0].Priority).To(Equal(domain.DefaultPriority))
	})

	It("merges a multi-workload set preserving distinct keys", func() {
		discovered := []domain.Workload{
			{WorkloadKey: domain.WorkloadKey{Namespace: "ns", Name: "a"}, Priority: domain.PriorityHigh, AutoDiscovered: true},
			{WorkloadKey: domain.WorkloadKey{Namespace: "ns", Name: "b"}, Priority: domain.PriorityLow, AutoDiscovered: true},
		}
		overrides := []config.WorkloadOverride{
			{Namespace: "ns", Name: "a", Priority: "critical"},
		}

		merged := MergeWorkloads(overrides, discovered)
		Expect(merged).To(HaveLen(2))

		byName := map[string]domain.Workload{}
		for _, w := range merged {
			byName[w.Name] = w
		}
		Expect(byName["a"].Priority).To(Equal(domain.PriorityCritical))
		Expect(byName["a"].AutoDiscovered).To(BeFalse())
		Expect(byName["b"].Priority).To(Equal(domain.PriorityLow))
		Expect(byName["b"].AutoDiscovered).To(BeTrue())
	})
})

var _ = Describe("auditEvent", func() {
	w := domain.Workload{WorkloadKey: domain.WorkloadKey{Namespace: "ns", Name: "wl"}}

	It("persists a ScalingEvent for every patched audit record", func() {
		st := openTestStore()
		cp := &ControlPlane{store: st, log: logr.Discard()}
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		cp.auditEvent(w, k8sactuator.AuditRecord{
			Field: "deployment.replicas", PreviousValue: "2", DesiredValue: "4", Effect: "patched",
		}, "autopilot_recommendation", now)

		events, err := st.RangeEvents(w.WorkloadKey, now.Add(-time.Minute), now.Add(time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].OldReplicas).To(Equal(2))
		Expect(events[0].NewReplicas).To(Equal(4))
	})

	It("does not record a no-op audit record", func() {
		st := openTestStore()
		cp := &ControlPlane{store: st, log: logr.Discard()}
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		cp.auditEvent(w, k8sactuator.AuditRecord{Effect: "no-op"}, "autopilot_recommendation", now)

		events, err := st.RangeEvents(w.WorkloadKey, now.Add(-time.Minute), now.Add(time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})
})

var _ = Describe("consecutiveHighP95", func() {
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}

	It("counts consecutive check intervals above the overload threshold", func() {
		st := openTestStore()
		cp := &ControlPlane{store: st, log: logr.Discard(), cfg: config.Config{CheckInterval: time.Hour}}
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

		// Two full hours of samples at 95% of a 1000m request (high), then
		// one hour at 10% (not high), walking backward from now.
		var batch []domain.MetricSample
		for i := 0; i < 120; i++ {
			batch = append(batch, domain.MetricSample{
				Workload: w, Timestamp: now.Add(-time.Duration(i) * time.Minute), CPUMillicores: 950,
			})
		}
		for i := 120; i < 180; i++ {
			batch = append(batch, domain.MetricSample{
				Workload: w, Timestamp: now.Add(-time.Duration(i) * time.Minute), CPUMillicores: 100,
			})
		}
		Expect(st.AppendSamples(batch)).To(Succeed())

		count, err := cp.consecutiveHighP95(w, 1000, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(2))
	})

	It("returns zero when the most recent interval is not overloaded", func() {
		st := openTestStore()
		cp := &ControlPlane{store: st, log: logr.Discard(), cfg: config.Config{CheckInterval: time.Hour}}
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

		Expect(st.AppendSamples([]domain.MetricSample{
			{Workload: w, Timestamp: now.Add(-time.Minute), CPUMillicores: 10},
		})).To(Succeed())

		count, err := cp.consecutiveHighP95(w, 1000, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(0))
	})
})
