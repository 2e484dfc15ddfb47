package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-autoscaler/operator/internal/clock"
	"github.com/smart-autoscaler/operator/internal/config"
	"github.com/smart-autoscaler/operator/internal/domain"
	"github.com/smart-autoscaler/operator/internal/netguard"
	"github.com/smart-autoscaler/operator/internal/promclient"
	"github.com/smart-autoscaler/operator/internal/store"
)

// fakeInspector implements ReplicaInspector with per-workload canned
// answers, so collector tests never need a real Kubernetes client.
type fakeInspector struct {
	replicas    map[domain.WorkloadKey]int
	replicaErrs map[domain.WorkloadKey]error
	startup     map[domain.WorkloadKey]bool
}

func (f *fakeInspector) ReplicaCount(ctx context.Context, w domain.WorkloadKey) (int, error) {
	if err := f.replicaErrs[w]; err != nil {
		return 0, err
	}
	return f.replicas[w], nil
}

func (f *fakeInspector) AnyPodStartedWithin(ctx context.Context, w domain.WorkloadKey, window time.Duration) (bool, error) {
	return f.startup[w], nil
}

// newFakePromServer answers a node-discovery query ("count by (node) (...)")
// with a single labeled node so per-node fallback chains have something to
// iterate, and every other instant query with a single vector sample of
// value, mirroring the Prometheus HTTP API's wire shape closely enough for
// api.NewClient/promv1.NewAPI to parse.
func newFakePromServer(t *testing.T, value float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(r.FormValue("query"), "count by (node)") {
			fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{"node":"n1"},"value":[%d,"1"]}]}}`, time.Now().Unix())
			return
		}
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[%d,"%g"]}]}}`,
			time.Now().Unix(), value)
	}))
}

func newTestCollector(t *testing.T, promValue float64, inspector *fakeInspector) (*Collector, *store.Store) {
	t.Helper()
	srv := newFakePromServer(t, promValue)
	t.Cleanup(srv.Close)

	guard := netguard.New("test", 1000, 10, time.Minute, 5*time.Second, clock.NewFake(time.Now()))
	prom, err := promclient.New(config.Config{MetricsURL: srv.URL, AuthMode: config.AuthNone}, guard, logr.Discard())
	require.NoError(t, err)

	st, err := store.Open(t.TempDir()+"/test.db", logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return New(prom, inspector, st, logr.Discard()), st
}

func TestCollectOneBuildsSampleFromPromAndActuator(t *testing.T) {
	w := domain.Workload{WorkloadKey: domain.WorkloadKey{Namespace: "ns", Name: "wl"}}
	inspector := &fakeInspector{
		replicas: map[domain.WorkloadKey]int{w.WorkloadKey: 4},
	}
	c, _ := newTestCollector(t, 123.0, inspector)

	now := time.Now()
	smp, err := c.CollectOne(context.Background(), w, now)
	require.NoError(t, err)
	assert.Equal(t, w.WorkloadKey, smp.Workload)
	assert.Equal(t, now, smp.Timestamp)
	assert.Equal(t, 123.0, smp.CPUMillicores)
	assert.Equal(t, 123.0, smp.MemoryBytes)
	assert.Equal(t, 4, smp.ReplicaCount)
	assert.False(t, smp.Startup)
}

func TestCollectOneMarksStartupWhenWithinFilterWindow(t *testing.T) {
	w := domain.Workload{WorkloadKey: domain.WorkloadKey{Namespace: "ns", Name: "wl"}, StartupFilterMinutes: 5}
	inspector := &fakeInspector{
		replicas: map[domain.WorkloadKey]int{w.WorkloadKey: 1},
		startup:  map[domain.WorkloadKey]bool{w.WorkloadKey: true},
	}
	c, _ := newTestCollector(t, 50.0, inspector)

	smp, err := c.CollectOne(context.Background(), w, time.Now())
	require.NoError(t, err)
	assert.True(t, smp.Startup)
}

func TestCollectOnePropagatesReplicaCountError(t *testing.T) {
	w := domain.Workload{WorkloadKey: domain.WorkloadKey{Namespace: "ns", Name: "wl"}}
	boom := fmt.Errorf("boom")
	inspector := &fakeInspector{replicaErrs: map[domain.WorkloadKey]error{w.WorkloadKey: boom}}
	c, _ := newTestCollector(t, 10.0, inspector)

	_, err := c.CollectOne(context.Background(), w, time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestCollectAllPersistsSuccessesAndReportsFailuresWithoutAbortingBatch(t *testing.T) {
	good := domain.Workload{WorkloadKey: domain.WorkloadKey{Namespace: "ns", Name: "good"}}
	bad := domain.Workload{WorkloadKey: domain.WorkloadKey{Namespace: "ns", Name: "bad"}}
	inspector := &fakeInspector{
		replicas:    map[domain.WorkloadKey]int{good.WorkloadKey: 2},
		replicaErrs: map[domain.WorkloadKey]error{bad.WorkloadKey: fmt.Errorf("actuator unreachable")},
	}
	c, st := newTestCollector(t, 99.0, inspector)

	now := time.Now()
	batch, failed, err := c.CollectAll(context.Background(), []domain.Workload{good, bad}, now)
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 1)

	require.Len(t, batch, 1)
	assert.Equal(t, good.WorkloadKey, batch[0].Workload)
	require.Len(t, failed, 1)
	assert.Equal(t, bad.WorkloadKey, failed[0])

	stored, rerr := st.Range(good.WorkloadKey, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, rerr)
	require.Len(t, stored, 1)
	assert.Equal(t, 99.0, stored[0].CPUMillicores)
}

func TestCollectAllEmptyWorkloadListIsNoOp(t *testing.T) {
	c, _ := newTestCollector(t, 1.0, &fakeInspector{})
	batch, failed, err := c.CollectAll(context.Background(), nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Empty(t, failed)
}

func TestClusterTotalsFromSamplesSumsUsageAndQueriesAllocatable(t *testing.T) {
	inspector := &fakeInspector{}
	c, _ := newTestCollector(t, 500.0, inspector)

	batch := []domain.MetricSample{
		{CPUMillicores: 100, MemoryBytes: 1000},
		{CPUMillicores: 200, MemoryBytes: 2000},
	}
	totals, err := c.ClusterTotalsFromSamples(context.Background(), batch, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 300.0, totals.CPUUsedMillicores)
	assert.Equal(t, 3000.0, totals.MemoryUsedBytes)
	assert.Equal(t, 500.0, totals.CPUAllocMillicores)
	assert.Equal(t, 500.0, totals.MemoryAllocBytes)
}
