// Package collector orchestrates the periodic pull described in spec.md
// §4.2: for every known workload it queries promclient for CPU/memory
// usage, asks the Kubernetes actuator for the current replica count and
// pod start times, and writes the resulting MetricSamples to the store.
// It also computes cluster totals: used CPU/memory is the sum of this
// cycle's per-workload samples, and allocatable capacity is the per-node
// sum promclient returns; no single cluster-wide query is issued.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"github.com/smart-autoscaler/operator/internal/domain"
	"github.com/smart-autoscaler/operator/internal/promclient"
	"github.com/smart-autoscaler/operator/internal/store"
)

// ReplicaInspector is the narrow view of the Kubernetes Actuator the
// Collector needs: current replica count and whether any pod backing the
// workload started within its startup filter window.
type ReplicaInspector interface {
	ReplicaCount(ctx context.Context, w domain.WorkloadKey) (int, error)
	AnyPodStartedWithin(ctx context.Context, w domain.WorkloadKey, window time.Duration) (bool, error)
}

// ClusterTotals is the per-cycle cluster-wide CPU/memory usage and
// allocatable figures, computed once and shared across this cycle's
// coordinator and read-API callers rather than re-queried.
type ClusterTotals struct {
	CPUUsedMillicores    float64
	CPUAllocMillicores   float64
	MemoryUsedBytes      float64
	MemoryAllocBytes     float64
}

// Collector pulls metrics for a fixed set of workloads once per cycle.
type Collector struct {
	prom      *promclient.Client
	actuator  ReplicaInspector
	store     *store.Store
	log       logr.Logger
}

// New builds a Collector.
func New(prom *promclient.Client, actuator ReplicaInspector, st *store.Store, log logr.Logger) *Collector {
	return &Collector{prom: prom, actuator: actuator, store: st, log: log}
}

// CollectOne queries and builds a single MetricSample for one workload at
// `now`, applying the startup filter (spec.md §4.2). It does not write to
// the store; CollectAll persists the batch.
func (c *Collector) CollectOne(ctx context.Context, w domain.Workload, now time.Time) (domain.MetricSample, error) {
	cpu, err := c.prom.QueryWorkloadCPU(ctx, w.Namespace, w.Name, now)
	if err != nil {
		return domain.MetricSample{}, err
	}
	mem, err := c.prom.QueryWorkloadMemory(ctx, w.Namespace, w.Name, now)
	if err != nil {
		return domain.MetricSample{}, err
	}
	replicas, err := c.actuator.ReplicaCount(ctx, w.WorkloadKey)
	if err != nil {
		return domain.MetricSample{}, err
	}

	startupWindow := time.Duration(w.StartupFilterMinutes) * time.Minute
	startup := false
	if startupWindow > 0 {
		started, err := c.actuator.AnyPodStartedWithin(ctx, w.WorkloadKey, startupWindow)
		if err != nil {
			c.log.Error(err, "collector: startup check failed, assuming not in startup", "workload", w.WorkloadKey)
		} else {
			startup = started
		}
	}

	smp := domain.MetricSample{
		Workload:      w.WorkloadKey,
		Timestamp:     now,
		CPUMillicores: cpu,
		MemoryBytes:   mem,
		ReplicaCount:  replicas,
		Startup:       startup,
	}
	return smp, nil
}

// CollectAll runs CollectOne for every workload, persists everything it
// successfully gathered in one store batch (partial failures do not block
// the rest of the batch), and returns both the collected batch and the set
// of workloads whose query failed so the caller can skip them for this
// cycle. The returned error, when non-nil, is a *multierror.Error
// aggregating every per-workload collection failure plus the batch persist
// failure if any — diagnostic only, since every failure already has its
// workload skipped rather than the cycle aborted.
func (c *Collector) CollectAll(ctx context.Context, workloads []domain.Workload, now time.Time) (batch []domain.MetricSample, failed []domain.WorkloadKey, err error) {
	batch = make([]domain.MetricSample, 0, len(workloads))
	var errs *multierror.Error
	for _, w := range workloads {
		smp, cerr := c.CollectOne(ctx, w, now)
		if cerr != nil {
			c.log.Error(cerr, "collector: failed to collect sample", "workload", w.WorkloadKey)
			failed = append(failed, w.WorkloadKey)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", w.WorkloadKey, cerr))
			continue
		}
		batch = append(batch, smp)
	}
	if perr := c.store.AppendSamples(batch); perr != nil {
		errs = multierror.Append(errs, fmt.Errorf("append samples: %w", perr))
		return batch, failed, errs.ErrorOrNil()
	}
	return batch, failed, errs.ErrorOrNil()
}

// ClusterTotalsFromSamples sums a cycle's already-fetched per-workload
// samples into CPU/memory usage, and separately asks prom for allocatable
// capacity. Usage therefore covers only the watched workloads in batch, not
// every pod on the cluster's nodes; the per-node used figures promclient
// also returns are discarded. Allocatable is derived from per-node queries
// summed by the client, never a single cluster-wide query: Prometheus label
// shapes for cluster-scoped aggregates have been seen to diverge from
// node-scoped ones and silently return zero.
func (c *Collector) ClusterTotalsFromSamples(ctx context.Context, batch []domain.MetricSample, now time.Time) (ClusterTotals, error) {
	var totals ClusterTotals
	for _, s := range batch {
		totals.CPUUsedMillicores += s.CPUMillicores
		totals.MemoryUsedBytes += s.MemoryBytes
	}
	_, allocCPU, err := c.prom.QueryClusterTotalCPU(ctx, now)
	if err != nil {
		return totals, err
	}
	_, allocMem, err := c.prom.QueryClusterTotalMemory(ctx, now)
	if err != nil {
		return totals, err
	}
	totals.CPUAllocMillicores = allocCPU
	totals.MemoryAllocBytes = allocMem
	return totals, nil
}
