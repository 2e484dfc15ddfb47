package store

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-autoscaler/operator/internal/domain"
)

func TestAppendAndRangeSamplesOrderedByTime(t *testing.T) {
	s := openTestStore(t)
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	batch := []domain.MetricSample{
		{Workload: w, Timestamp: base.Add(2 * time.Minute), CPUMillicores: 300},
		{Workload: w, Timestamp: base, CPUMillicores: 100},
		{Workload: w, Timestamp: base.Add(time.Minute), CPUMillicores: 200},
	}
	require.NoError(t, s.AppendSamples(batch))

	out, err := s.Range(w, base, base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 100.0, out[0].CPUMillicores)
	assert.Equal(t, 200.0, out[1].CPUMillicores)
	assert.Equal(t, 300.0, out[2].CPUMillicores)
}

func TestAppendSamplesIsIdempotentOnTimestampCollision(t *testing.T) {
	s := openTestStore(t)
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendSamples([]domain.MetricSample{{Workload: w, Timestamp: ts, CPUMillicores: 100}}))
	require.NoError(t, s.AppendSamples([]domain.MetricSample{{Workload: w, Timestamp: ts, CPUMillicores: 999}}))

	out, err := s.Range(w, ts.Add(-time.Minute), ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 999.0, out[0].CPUMillicores)
}

func TestAppendSamplesEmptyBatchIsNoop(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AppendSamples(nil))
}

func TestGetP95ExcludesStartupSamples(t *testing.T) {
	s := openTestStore(t)
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)

	var batch []domain.MetricSample
	for i := 0; i < 100; i++ {
		batch = append(batch, domain.MetricSample{
			Workload:      w,
			Timestamp:     now.Add(-time.Duration(100-i) * time.Second),
			CPUMillicores: float64(i),
		})
	}
	// inject a startup outlier that should be excluded from the p95 calc
	batch = append(batch, domain.MetricSample{Workload: w, Timestamp: now, CPUMillicores: 99999, Startup: true})
	require.NoError(t, s.AppendSamples(batch))

	p95, err := s.GetP95(w, time.Hour, now.Add(time.Second))
	require.NoError(t, err)
	assert.Less(t, p95, 1000.0)
}

func TestGetP95NoDataReturnsZero(t *testing.T) {
	s := openTestStore(t)
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	p95, err := s.GetP95(w, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.0, p95)
}

func TestGetMeanStdComputesMomentsOverWindow(t *testing.T) {
	s := openTestStore(t)
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)

	vals := []float64{10, 20, 30, 40, 50}
	var batch []domain.MetricSample
	for i, v := range vals {
		batch = append(batch, domain.MetricSample{
			Workload:      w,
			Timestamp:     now.Add(-time.Duration(len(vals)-i) * time.Second),
			CPUMillicores: v,
		})
	}
	require.NoError(t, s.AppendSamples(batch))

	mean, std, err := s.GetMeanStd(w, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 30.0, mean)
	assert.InDelta(t, math.Sqrt(200), std, 0.0001)
}

func TestAppendAndRangeEvents(t *testing.T) {
	s := openTestStore(t)
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendEvent(domain.ScalingEvent{Workload: w, Timestamp: now, Reason: "scale_up"}))
	out, err := s.RangeEvents(w, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "scale_up", out[0].Reason)
}

func TestPredictionRoundTripAndPendingFilter(t *testing.T) {
	s := openTestStore(t)
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	pending := domain.Prediction{ID: "p1", Workload: w, MadeAt: now, Status: domain.PredictionPending}
	validated := domain.Prediction{ID: "p2", Workload: w, MadeAt: now.Add(time.Second), Status: domain.PredictionValidated}
	require.NoError(t, s.AppendPrediction(pending))
	require.NoError(t, s.AppendPrediction(validated))

	onlyPending, err := s.PendingPredictions(w)
	require.NoError(t, err)
	require.Len(t, onlyPending, 1)
	assert.Equal(t, "p1", onlyPending[0].ID)

	pending.Status = domain.PredictionValidated
	require.NoError(t, s.UpdatePrediction(pending))
	onlyPending, err = s.PendingPredictions(w)
	require.NoError(t, err)
	assert.Empty(t, onlyPending)

	all, err := s.RangePredictions(w, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAppendAndRangeAnomalies(t *testing.T) {
	s := openTestStore(t)
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendAnomaly(domain.Anomaly{ID: "a1", Workload: w, Timestamp: now}))
	out, err := s.RangeAnomalies(w, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a1", out[0].ID)
}

func TestAllAnomaliesOrderedNewestFirstAndLimited(t *testing.T) {
	s := openTestStore(t)
	w1 := domain.WorkloadKey{Namespace: "ns", Name: "a"}
	w2 := domain.WorkloadKey{Namespace: "ns", Name: "b"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendAnomaly(domain.Anomaly{ID: "old", Workload: w1, Timestamp: now}))
	require.NoError(t, s.AppendAnomaly(domain.Anomaly{ID: "new", Workload: w2, Timestamp: now.Add(time.Hour)}))

	all, err := s.AllAnomalies(0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[1].ID)

	limited, err := s.AllAnomalies(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "new", limited[0].ID)
}

func TestUpsertOptimalAccumulatesSamplesCount(t *testing.T) {
	s := openTestStore(t)
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}

	first, err := s.UpsertOptimal(w, 5, 60.0, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, first.SamplesCount)

	second, err := s.UpsertOptimal(w, 5, 65.0, 0.6)
	require.NoError(t, err)
	assert.Equal(t, 2, second.SamplesCount)
	assert.Equal(t, 65.0, second.Target)
	assert.Equal(t, 0.6, second.Confidence)

	got, ok, err := s.GetOptimal(w, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, got.SamplesCount)

	_, ok, err = s.GetOptimal(w, 6)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatsCountsSamplesPredictionsAnomaliesAndWorkloads(t *testing.T) {
	s := openTestStore(t)
	w1 := domain.WorkloadKey{Namespace: "ns", Name: "a"}
	w2 := domain.WorkloadKey{Namespace: "ns", Name: "b"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendSamples([]domain.MetricSample{
		{Workload: w1, Timestamp: now, CPUMillicores: 1},
		{Workload: w2, Timestamp: now, CPUMillicores: 2},
	}))
	require.NoError(t, s.AppendPrediction(domain.Prediction{ID: "p1", Workload: w1, MadeAt: now}))
	require.NoError(t, s.AppendAnomaly(domain.Anomaly{ID: "a1", Workload: w1, Timestamp: now}))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalSamples)
	assert.Equal(t, 1, st.TotalPredictions)
	assert.Equal(t, 1, st.TotalAnomalies)
	assert.GreaterOrEqual(t, st.WorkloadCount, 2)
}

func TestVacuumPreservesData(t *testing.T) {
	s := openTestStore(t)
	w := domain.WorkloadKey{Namespace: "ns", Name: "wl"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendSamples([]domain.MetricSample{{Workload: w, Timestamp: now, CPUMillicores: 42}}))

	tmp := t.TempDir() + "/vacuum.db"
	require.NoError(t, s.Vacuum(tmp))

	v, err := Open(tmp, s.log)
	require.NoError(t, err)
	defer v.Close()

	out, err := v.Range(w, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 42.0, out[0].CPUMillicores)
}
