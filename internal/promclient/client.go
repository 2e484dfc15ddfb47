// Package promclient wraps the Prometheus HTTP API client
// (github.com/prometheus/client_golang/api/prometheus/v1) with the
// multi-tenant header injection, per-workload CPU/memory query fallback
// chains, and cluster-total summation spec.md §4.2 describes. It follows
// the query style of the teacher's internal/collector/collector.go
// (sum(rate(...)) queries, model.ValVector unwrapping, FixValue NaN/Inf
// guarding) but targets node/pod resource metrics instead of vLLM
// application metrics.
package promclient

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/smart-autoscaler/operator/internal/config"
	"github.com/smart-autoscaler/operator/internal/netguard"
)

// Client queries a Prometheus- or Mimir-compatible metrics backend on
// behalf of the Metrics Collector.
type Client struct {
	api    promv1.API
	guard  *netguard.Guard
	tenant string
	log    logr.Logger
}

func (c *Client) logger() logr.Logger {
	if c.log.GetSink() == nil {
		return logr.Discard()
	}
	return c.log
}

// tenantRoundTripper injects the X-Scope-OrgID header Mimir's multi-tenant
// query path requires, plus whatever auth scheme config.AuthMode selects.
type tenantRoundTripper struct {
	next   http.RoundTripper
	tenant string
	auth   func(*http.Request)
}

func (t *tenantRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.tenant != "" {
		req.Header.Set("X-Scope-OrgID", t.tenant)
	}
	if t.auth != nil {
		t.auth(req)
	}
	return t.next.RoundTrip(req)
}

func authInjector(cfg config.Config) func(*http.Request) {
	switch cfg.AuthMode {
	case config.AuthBasic:
		return func(r *http.Request) { r.SetBasicAuth(cfg.AuthUsername, cfg.AuthPassword) }
	case config.AuthBearer:
		return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+cfg.AuthBearerToken) }
	case config.AuthHeader:
		return func(r *http.Request) { r.Header.Set(cfg.AuthHeaderName, cfg.AuthHeaderValue) }
	default:
		return nil
	}
}

// New builds a Client against cfg.MetricsURL, guarded by a netguard.Guard
// configured from cfg.PromRateLimit and a fixed-but-conservative breaker
// threshold.
func New(cfg config.Config, guard *netguard.Guard, log logr.Logger) (*Client, error) {
	rt := &tenantRoundTripper{
		next:   http.DefaultTransport,
		tenant: cfg.MimirTenantID,
		auth:   authInjector(cfg),
	}
	cl, err := api.NewClient(api.Config{
		Address:      cfg.MetricsURL,
		RoundTripper: rt,
	})
	if err != nil {
		return nil, fmt.Errorf("promclient: new client: %w", err)
	}
	return &Client{api: promv1.NewAPI(cl), guard: guard, tenant: cfg.MimirTenantID, log: log}, nil
}

// fixValue zeroes out NaN/Inf, mirroring the teacher's collector.FixValue.
func fixValue(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

// queryScalar runs an instant query and returns the first vector sample's
// value, or 0 if the result is empty.
func (c *Client) queryScalar(ctx context.Context, query string, at time.Time) (float64, error) {
	var value float64
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		val, warnings, err := c.api.Query(ctx, query, at)
		if err != nil {
			return err
		}
		_ = warnings
		if val.Type() != model.ValVector {
			return nil
		}
		vec := val.(model.Vector)
		if len(vec) == 0 {
			return nil
		}
		value = fixValue(float64(vec[0].Value))
		return nil
	})
	return value, err
}

// podCPUQueries returns the ordered CPU-utilization query fallback chain
// for a workload: container_cpu_usage_seconds_total rate first (cAdvisor,
// works everywhere), falling back progressively to recording-rule,
// kube-state-metrics and request-ratio variants for clusters where cAdvisor
// series are thin, relabeled, or absent.
func podCPUQueries(namespace, workload string) []string {
	return []string{
		fmt.Sprintf(`sum(rate(container_cpu_usage_seconds_total{namespace="%s",pod=~"%s-.*",container!="",container!="POD"}[2m])) * 1000`, namespace, workload),
		fmt.Sprintf(`sum(node_namespace_pod_container:container_cpu_usage_seconds_total:sum_rate{namespace="%s",pod=~"%s-.*"}) * 1000`, namespace, workload),
		fmt.Sprintf(`sum(rate(container_cpu_usage_seconds_total{namespace="%s",pod=~"%s-.*"}[5m])) * 1000`, namespace, workload),
		fmt.Sprintf(`sum(kube_pod_container_resource_requests{namespace="%s",pod=~"%s-.*",resource="cpu"}) * 1000 * 0.01`, namespace, workload),
		fmt.Sprintf(`sum(kube_pod_container_resource_limits{namespace="%s",pod=~"%s-.*",resource="cpu"}) * 1000 * 0.01`, namespace, workload),
	}
}

func podMemoryQueries(namespace, workload string) []string {
	return []string{
		fmt.Sprintf(`sum(container_memory_working_set_bytes{namespace="%s",pod=~"%s-.*",container!="",container!="POD"})`, namespace, workload),
		fmt.Sprintf(`sum(node_namespace_pod_container:container_memory_working_set_bytes:sum{namespace="%s",pod=~"%s-.*"})`, namespace, workload),
		fmt.Sprintf(`sum(container_memory_usage_bytes{namespace="%s",pod=~"%s-.*",container!="",container!="POD"})`, namespace, workload),
		fmt.Sprintf(`sum(kube_pod_container_resource_requests{namespace="%s",pod=~"%s-.*",resource="memory"}) * 0.5`, namespace, workload),
		fmt.Sprintf(`sum(kube_pod_container_resource_limits{namespace="%s",pod=~"%s-.*",resource="memory"}) * 0.5`, namespace, workload),
	}
}

// nodeCPUQueries returns the ordered CPU-usage fallback chain for a single
// node: node-exporter's raw counters first (present on every bare-metal and
// most managed clusters), then cAdvisor/recording-rule variants scoped to
// the node, and finally request-based estimates for nodes with neither.
func nodeCPUQueries(node string) []string {
	return []string{
		fmt.Sprintf(`(1 - avg(rate(node_cpu_seconds_total{mode="idle",node="%s"}[5m]))) * sum(kube_node_status_allocatable{node="%s",resource="cpu"}) * 1000`, node, node),
		fmt.Sprintf(`(1 - avg(rate(node_cpu_seconds_total{mode="idle",instance=~"%s(:\d+)?"}[5m]))) * sum(kube_node_status_allocatable{node="%s",resource="cpu"}) * 1000`, node, node),
		fmt.Sprintf(`sum(rate(container_cpu_usage_seconds_total{node="%s",container!="",container!="POD"}[2m])) * 1000`, node),
		fmt.Sprintf(`sum(node_namespace_pod_container:container_cpu_usage_seconds_total:sum_rate{node="%s"}) * 1000`, node),
		fmt.Sprintf(`sum(kube_pod_container_resource_requests{node="%s",resource="cpu"}) * 1000 * 0.01`, node),
	}
}

// nodeMemoryQueries mirrors nodeCPUQueries for memory.
func nodeMemoryQueries(node string) []string {
	return []string{
		fmt.Sprintf(`sum(node_memory_MemTotal_bytes{node="%s"}) - sum(node_memory_MemAvailable_bytes{node="%s"})`, node, node),
		fmt.Sprintf(`sum(node_memory_MemTotal_bytes{instance=~"%s(:\d+)?"}) - sum(node_memory_MemAvailable_bytes{instance=~"%s(:\d+)?"})`, node, node),
		fmt.Sprintf(`sum(container_memory_working_set_bytes{node="%s",container!="",container!="POD"})`, node),
		fmt.Sprintf(`sum(node_namespace_pod_container:container_memory_working_set_bytes:sum{node="%s"})`, node),
		fmt.Sprintf(`sum(kube_pod_container_resource_requests{node="%s",resource="memory"}) * 0.5`, node),
	}
}

func nodeAllocatableCPUQuery(node string) string {
	return fmt.Sprintf(`sum(kube_node_status_allocatable{node="%s",resource="cpu"}) * 1000`, node)
}

func nodeAllocatableMemoryQuery(node string) string {
	return fmt.Sprintf(`sum(kube_node_status_allocatable{node="%s",resource="memory"})`, node)
}

// QueryWorkloadCPU returns millicores of CPU usage for a workload, walking
// the fallback chain until a non-zero result is found.
func (c *Client) QueryWorkloadCPU(ctx context.Context, namespace, workload string, at time.Time) (float64, error) {
	v, _, err := c.queryFallbackChain(ctx, fmt.Sprintf("workload %s/%s cpu", namespace, workload), podCPUQueries(namespace, workload), at)
	return v, err
}

// QueryWorkloadMemory returns bytes of memory usage for a workload, walking
// the same kind of fallback chain.
func (c *Client) QueryWorkloadMemory(ctx context.Context, namespace, workload string, at time.Time) (float64, error) {
	v, _, err := c.queryFallbackChain(ctx, fmt.Sprintf("workload %s/%s memory", namespace, workload), podMemoryQueries(namespace, workload), at)
	return v, err
}

// queryFallbackChain walks queries in order, returning the first non-zero
// result and the 1-based index of the variant that produced it (0 if every
// variant returned zero). The winning variant is logged at V(1) so an
// operator can tell which fallback tier a cluster is actually relying on.
func (c *Client) queryFallbackChain(ctx context.Context, label string, queries []string, at time.Time) (float64, int, error) {
	var lastErr error
	for i, q := range queries {
		v, err := c.queryScalar(ctx, q, at)
		if err != nil {
			lastErr = err
			continue
		}
		if v > 0 {
			if i > 0 {
				c.logger().V(1).Info("query fallback chain used non-primary variant", "metric", label, "variant", i+1, "query", q)
			}
			return v, i + 1, nil
		}
	}
	if lastErr != nil {
		return 0, 0, fmt.Errorf("promclient: all fallback queries failed: %w", lastErr)
	}
	return 0, 0, nil
}

// clusterNodeNames discovers every node Prometheus has allocatable-capacity
// series for, so cluster totals can be computed by summing per-node queries
// instead of issuing a single cluster-wide query. A cluster-wide query using
// different label shapes than the per-node series has been observed to
// return zero even when the per-node series are healthy, so totals must
// never be queried directly.
func (c *Client) clusterNodeNames(ctx context.Context, at time.Time) ([]string, error) {
	var names []string
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		val, warnings, err := c.api.Query(ctx, `count by (node) (kube_node_status_allocatable{resource="cpu"})`, at)
		if err != nil {
			return err
		}
		_ = warnings
		vec, ok := val.(model.Vector)
		if !ok {
			return nil
		}
		for _, sample := range vec {
			if n := string(sample.Metric["node"]); n != "" {
				names = append(names, n)
			}
		}
		return nil
	})
	return names, err
}

// QueryClusterTotalCPU sums CPU usage and allocatable capacity across every
// node in the cluster, for the node-efficiency read-API endpoint and
// cluster_pressure computation.
func (c *Client) QueryClusterTotalCPU(ctx context.Context, at time.Time) (used, allocatable float64, err error) {
	nodes, err := c.clusterNodeNames(ctx, at)
	if err != nil {
		return 0, 0, fmt.Errorf("promclient: discover nodes: %w", err)
	}
	for _, node := range nodes {
		u, _, err := c.queryFallbackChain(ctx, fmt.Sprintf("node %s cpu", node), nodeCPUQueries(node), at)
		if err != nil {
			return used, allocatable, err
		}
		used += u

		a, err := c.queryScalar(ctx, nodeAllocatableCPUQuery(node), at)
		if err != nil {
			return used, allocatable, err
		}
		allocatable += a
	}
	return used, allocatable, nil
}

// QueryClusterTotalMemory mirrors QueryClusterTotalCPU for memory.
func (c *Client) QueryClusterTotalMemory(ctx context.Context, at time.Time) (used, allocatable float64, err error) {
	nodes, err := c.clusterNodeNames(ctx, at)
	if err != nil {
		return 0, 0, fmt.Errorf("promclient: discover nodes: %w", err)
	}
	for _, node := range nodes {
		u, _, err := c.queryFallbackChain(ctx, fmt.Sprintf("node %s memory", node), nodeMemoryQueries(node), at)
		if err != nil {
			return used, allocatable, err
		}
		used += u

		a, err := c.queryScalar(ctx, nodeAllocatableMemoryQuery(node), at)
		if err != nil {
			return used, allocatable, err
		}
		allocatable += a
	}
	return used, allocatable, nil
}
