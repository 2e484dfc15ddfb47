package predictor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-autoscaler/operator/internal/domain"
)

var wl = domain.WorkloadKey{Namespace: "ns", Name: "wl"}

func fakeID() func() string {
	return func() string { return "pred-1" }
}

func constantPoints(n int, base time.Time, interval time.Duration, v float64) []Point {
	out := make([]Point, n)
	for i := range out {
		out[i] = Point{Timestamp: base.Add(time.Duration(i) * interval), Percent: v}
	}
	return out
}

func TestSelectModelFollowsPattern(t *testing.T) {
	assert.Equal(t, domain.ModelSeasonal, SelectModel(domain.PatternWeeklySeasonal))
	assert.Equal(t, domain.ModelSeasonal, SelectModel(domain.PatternPeriodic))
	assert.Equal(t, domain.ModelTrend, SelectModel(domain.PatternGrowing))
	assert.Equal(t, domain.ModelTrend, SelectModel(domain.PatternDeclining))
	assert.Equal(t, domain.ModelHoltWinters, SelectModel(domain.PatternBursty))
	assert.Equal(t, domain.ModelMean, SelectModel(domain.PatternSteady))
	assert.Equal(t, domain.ModelEnsemble, SelectModel(domain.PatternUnknown))
}

func TestForecastMeanOfConstantSeries(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := constantPoints(10, base, time.Minute, 70)
	v, reason := forecastMean(points)
	assert.InDelta(t, 70, v, 0.0001)
	assert.Contains(t, reason, "mean of last 10")
}

func TestForecastTrendExtrapolatesLinearSlope(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]Point, 10)
	for i := range points {
		points[i] = Point{Timestamp: base.Add(time.Duration(i) * time.Minute), Percent: float64(i) * 2}
	}
	v, _ := forecastTrend(points, 5*time.Minute)
	// slope is 2%/sample, cadence 1min, so 5 more steps ahead from last sample (18) -> ~28
	assert.Greater(t, v, 18.0)
}

func TestForecastSeasonalFallsBackToMeanWhenNoMatchingHour(t *testing.T) {
	base := time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC)
	points := constantPoints(5, base, time.Hour, 50)
	target := time.Date(2026, 1, 5, 23, 0, 0, 0, time.UTC) // hour 23, never in series
	v, reason := forecastSeasonal(points, target)
	assert.InDelta(t, 50, v, 0.0001)
	assert.Contains(t, reason, "fallback to mean")
}

func TestForecastSeasonalAveragesMatchingHourBucket(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	points := []Point{
		{Timestamp: base, Percent: 40},
		{Timestamp: base.Add(24 * time.Hour), Percent: 60}, // same hour next day
		{Timestamp: base.Add(6 * time.Hour), Percent: 999}, // different hour, excluded
	}
	target := base.Add(48 * time.Hour) // same hour-of-day
	v, reason := forecastSeasonal(points, target)
	assert.InDelta(t, 50, v, 0.0001)
	assert.Contains(t, reason, "hour-of-day average")
}

func TestForecastHoltWintersHandlesEmptySeries(t *testing.T) {
	v, reason := forecastHoltWinters(nil, time.Minute)
	assert.Equal(t, 0.0, v)
	assert.Contains(t, reason, "no data")
}

func TestForecastHoltWintersTracksLevel(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := constantPoints(30, base, time.Minute, 65)
	v, _ := forecastHoltWinters(points, 5*time.Minute)
	assert.InDelta(t, 65, v, 5)
}

func TestForecastARIMAFallsBackToMeanWithShortHistory(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := constantPoints(2, base, time.Minute, 42)
	v, reason := forecastARIMA(points)
	assert.InDelta(t, 42, v, 0.0001)
	assert.Contains(t, reason, "fallback to mean")
}

func TestForecastARIMAWithSufficientHistory(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]Point, 10)
	for i := range points {
		points[i] = Point{Timestamp: base.Add(time.Duration(i) * time.Minute), Percent: float64(50 + i)}
	}
	v, reason := forecastARIMA(points)
	assert.Contains(t, reason, "arima(1,1,1)")
	assert.Greater(t, v, 0.0)
}

func TestForecastProphetCombinesComponents(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := constantPoints(20, base, time.Hour, 55)
	target := base.Add(20 * time.Hour)
	v, reason := forecastProphet(points, target, time.Hour)
	assert.Contains(t, reason, "additive")
	assert.InDelta(t, 55, v, 10)
}

func TestForecastEnsembleWeightsMoreAccurateModelHigher(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := constantPoints(20, base, time.Minute, 60)
	target := base.Add(30 * time.Minute)

	noHistory := map[domain.ModelKind]ModelAccuracy{}
	vNoHistory, reason := forecastEnsemble(points, target, 30*time.Minute, noHistory)
	assert.Contains(t, reason, "ensemble")
	assert.InDelta(t, 60, vNoHistory, 15)

	goodMean := map[domain.ModelKind]ModelAccuracy{
		domain.ModelMean:        {ValidatedCount: 10, MeanAbsPctErr: 0.01},
		domain.ModelTrend:       {ValidatedCount: 10, MeanAbsPctErr: 0.9},
		domain.ModelSeasonal:    {ValidatedCount: 10, MeanAbsPctErr: 0.9},
		domain.ModelHoltWinters: {ValidatedCount: 10, MeanAbsPctErr: 0.9},
		domain.ModelARIMA:       {ValidatedCount: 10, MeanAbsPctErr: 0.9},
		domain.ModelProphet:     {ValidatedCount: 10, MeanAbsPctErr: 0.9},
	}
	vWeighted, _ := forecastEnsemble(points, target, 30*time.Minute, goodMean)
	// a constant series means every model should agree closely regardless of weighting.
	assert.InDelta(t, 60, vWeighted, 15)
}

func TestForecastClampsToLegalPercentRange(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]Point, 10)
	for i := range points {
		points[i] = Point{Timestamp: base.Add(time.Duration(i) * time.Minute), Percent: float64(i) * 1000}
	}
	pred := Forecast(wl, points, domain.PatternGrowing, domain.Horizon1h, base.Add(10*time.Minute), nil, fakeID())
	assert.LessOrEqual(t, pred.PredictedCPUPercent, 200.0)
	assert.GreaterOrEqual(t, pred.PredictedCPUPercent, 0.0)
}

func TestForecastSetsConfidenceIntervalAroundValue(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := constantPoints(50, base, time.Minute, 70)
	pred := Forecast(wl, points, domain.PatternSteady, domain.Horizon15m, base.Add(50*time.Minute), nil, fakeID())
	assert.Equal(t, domain.ModelMean, pred.ModelUsed)
	assert.LessOrEqual(t, pred.CILow, pred.PredictedCPUPercent)
	assert.GreaterOrEqual(t, pred.CIHigh, pred.PredictedCPUPercent)
	assert.Equal(t, domain.PredictionPending, pred.Status)
	assert.Equal(t, "pred-1", pred.ID)
}

func TestForecastUnknownPatternUsesEnsemble(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := constantPoints(30, base, time.Minute, 60)
	pred := Forecast(wl, points, domain.PatternUnknown, domain.Horizon30m, base.Add(30*time.Minute), nil, fakeID())
	assert.Equal(t, domain.ModelEnsemble, pred.ModelUsed)
}

func TestConfidenceForIncreasesWithSampleSufficiencyAndAccuracy(t *testing.T) {
	low := confidenceFor(domain.ModelMean, 5, nil)
	high := confidenceFor(domain.ModelMean, 500, nil)
	assert.Less(t, low, high)

	accurate := map[domain.ModelKind]ModelAccuracy{domain.ModelMean: {ValidatedCount: 10, MeanAbsPctErr: 0.01}}
	inaccurate := map[domain.ModelKind]ModelAccuracy{domain.ModelMean: {ValidatedCount: 10, MeanAbsPctErr: 0.9}}
	assert.Greater(t, confidenceFor(domain.ModelMean, 100, accurate), confidenceFor(domain.ModelMean, 100, inaccurate))
}

func TestValidateComputesAccuracyScore(t *testing.T) {
	p := domain.Prediction{PredictedCPUPercent: 80}
	validated := Validate(p, 80)
	require.Equal(t, domain.PredictionValidated, validated.Status)
	assert.Equal(t, 1.0, validated.AccuracyScore)

	farOff := Validate(domain.Prediction{PredictedCPUPercent: 0}, 200)
	assert.Equal(t, 0.0, farOff.AccuracyScore)
}

func TestMarkLostSetsStatus(t *testing.T) {
	p := MarkLost(domain.Prediction{Status: domain.PredictionPending})
	assert.Equal(t, domain.PredictionLost, p.Status)
}
