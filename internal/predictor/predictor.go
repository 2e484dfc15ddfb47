// Package predictor implements the seven-model forecasting ensemble of
// spec.md §4.4. Every model operates on a time-ordered series of CPU
// utilization percent points (the caller normalizes raw millicores against
// the workload's current CPU request before calling in, since the
// store/domain layers intentionally don't assume a fixed per-pod request).
// Linear-fit and correlation math uses gonum.org/v1/gonum/stat; the
// Holt-Winters smoother is built on github.com/llm-inferno/kalman-filter,
// a dependency present in the teacher's go.mod but unexercised anywhere in
// the retrieved source — this is its first real caller.
package predictor

import (
	"fmt"
	"math"
	"time"

	kalman "github.com/llm-inferno/kalman-filter"
	"gonum.org/v1/gonum/stat"

	"github.com/smart-autoscaler/operator/internal/domain"
)

// Point is one (timestamp, utilization percent) observation fed to a model.
type Point struct {
	Timestamp time.Time
	Percent   float64
}

// ModelAccuracy tracks a model's rolling validated MAPE for ensemble
// weighting (spec.md §4.4: "weights the above by rolling validated
// accuracy").
type ModelAccuracy struct {
	Model          domain.ModelKind
	MeanAbsPctErr  float64 // rolling MAPE, 0..1+
	ValidatedCount int
}

// SelectModel picks the model kind the pattern recommends, falling back to
// ensemble for unknown patterns (spec.md §4.4).
func SelectModel(p domain.Pattern) domain.ModelKind {
	switch p {
	case domain.PatternWeeklySeasonal, domain.PatternMonthlySeasonal, domain.PatternPeriodic:
		return domain.ModelSeasonal
	case domain.PatternGrowing, domain.PatternDeclining:
		return domain.ModelTrend
	case domain.PatternBursty, domain.PatternEventDriven:
		return domain.ModelHoltWinters
	case domain.PatternSteady:
		return domain.ModelMean
	default:
		return domain.ModelEnsemble
	}
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, nil)
}

func percentSeries(points []Point) []float64 {
	vals := make([]float64, len(points))
	for i, p := range points {
		vals[i] = p.Percent
	}
	return vals
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 200 {
		return 200
	}
	return v
}

// forecastMean predicts the plain window average.
func forecastMean(points []Point) (float64, string) {
	vals := percentSeries(points)
	return mean(vals), fmt.Sprintf("mean of last %d samples", len(vals))
}

// forecastTrend extrapolates a linear fit horizonSteps ahead, where
// horizonSteps is expressed in the same x-unit as the regression (sample
// index), scaled by the ratio of horizon to the series' observed cadence.
func forecastTrend(points []Point, horizon time.Duration) (float64, string) {
	vals := percentSeries(points)
	xs := make([]float64, len(vals))
	for i := range vals {
		xs[i] = float64(i)
	}
	intercept, slope := stat.LinearRegression(xs, vals, nil, false)

	stepsAhead := stepsForHorizon(points, horizon)
	predicted := intercept + slope*(float64(len(vals)-1)+stepsAhead)
	return predicted, fmt.Sprintf("linear trend, slope=%.3f/sample", slope)
}

func stepsForHorizon(points []Point, horizon time.Duration) float64 {
	if len(points) < 2 {
		return 1
	}
	span := points[len(points)-1].Timestamp.Sub(points[0].Timestamp)
	if span <= 0 {
		return 1
	}
	cadence := span / time.Duration(len(points)-1)
	if cadence <= 0 {
		return 1
	}
	return float64(horizon) / float64(cadence)
}

// forecastSeasonal averages the same hour-of-day bucket across the window.
func forecastSeasonal(points []Point, target time.Time) (float64, string) {
	var bucket []float64
	for _, p := range points {
		if p.Timestamp.Hour() == target.Hour() {
			bucket = append(bucket, p.Percent)
		}
	}
	if len(bucket) == 0 {
		v, reason := forecastMean(points)
		return v, "seasonal fallback to mean: " + reason
	}
	return mean(bucket), fmt.Sprintf("hour-of-day average over %d matching samples", len(bucket))
}

// forecastHoltWinters smooths the series with a 1D Kalman filter (acting as
// the level-smoothing component of a simplified Holt-Winters model) and
// extrapolates the last smoothed level plus a per-step trend taken as the
// difference between the last two smoothed levels.
func forecastHoltWinters(points []Point, horizon time.Duration) (float64, string) {
	vals := percentSeries(points)
	if len(vals) == 0 {
		return 0, "holt-winters: no data"
	}
	kf := kalman.NewKalmanFilter(0.01, 1.0, vals[0])
	var smoothed []float64
	for _, v := range vals {
		smoothed = append(smoothed, kf.Update(v))
	}
	level := smoothed[len(smoothed)-1]
	trendPerStep := 0.0
	if len(smoothed) >= 2 {
		trendPerStep = smoothed[len(smoothed)-1] - smoothed[len(smoothed)-2]
	}
	steps := stepsForHorizon(points, horizon)
	predicted := level + trendPerStep*steps
	return predicted, "kalman-smoothed level + local trend"
}

// forecastARIMA approximates ARIMA(1,1,1) with a first-differenced AR(1)
// fit: differences are regressed against their own lag-1 value and the
// forecast extrapolates the last value by phi times the last difference.
// The MA(1) term is not modelled; no residual is added back.
func forecastARIMA(points []Point) (float64, string) {
	vals := percentSeries(points)
	if len(vals) < 3 {
		v, reason := forecastMean(points)
		return v, "arima fallback to mean (insufficient history): " + reason
	}
	diffs := make([]float64, len(vals)-1)
	for i := 1; i < len(vals); i++ {
		diffs[i-1] = vals[i] - vals[i-1]
	}
	ar := make([]float64, len(diffs)-1)
	lag := make([]float64, len(diffs)-1)
	for i := 1; i < len(diffs); i++ {
		ar[i-1] = diffs[i]
		lag[i-1] = diffs[i-1]
	}
	_, phi := stat.LinearRegression(lag, ar, nil, false)
	lastDiff := diffs[len(diffs)-1]
	predictedDiff := phi * lastDiff
	predicted := vals[len(vals)-1] + predictedDiff
	return predicted, fmt.Sprintf("arima(1,1,1) approx, phi=%.3f", phi)
}

// forecastProphet decomposes the series into trend + weekly + daily
// components and sums them at the target timestamp, in the spirit of
// Prophet's additive model without pulling in a full changepoint solver.
func forecastProphet(points []Point, target time.Time, horizon time.Duration) (float64, string) {
	trendVal, _ := forecastTrend(points, horizon)
	weeklyVal, _ := forecastSeasonal(filterByWeekday(points, target.Weekday()), target)
	dailyVal, _ := forecastSeasonal(points, target)

	overall := mean(percentSeries(points))
	weeklyComponent := weeklyVal - overall
	dailyComponent := dailyVal - overall
	predicted := trendVal + weeklyComponent*0.5 + dailyComponent*0.5
	return predicted, "additive trend+weekly+daily decomposition"
}

func filterByWeekday(points []Point, wd time.Weekday) []Point {
	var out []Point
	for _, p := range points {
		if p.Timestamp.Weekday() == wd {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return points
	}
	return out
}

// forecastEnsemble weights each base model's forecast by its inverse
// rolling MAPE (more accurate models get more weight); models with no
// accuracy history yet receive equal base weight.
func forecastEnsemble(points []Point, target time.Time, horizon time.Duration, accuracy map[domain.ModelKind]ModelAccuracy) (float64, string) {
	type weighted struct {
		kind   domain.ModelKind
		value  float64
		weight float64
	}
	candidates := []weighted{}
	add := func(kind domain.ModelKind, v float64) {
		w := 1.0
		if acc, ok := accuracy[kind]; ok && acc.ValidatedCount > 0 {
			w = 1.0 / (acc.MeanAbsPctErr + 0.05)
		}
		candidates = append(candidates, weighted{kind: kind, value: v, weight: w})
	}

	meanV, _ := forecastMean(points)
	trendV, _ := forecastTrend(points, horizon)
	seasonalV, _ := forecastSeasonal(points, target)
	hwV, _ := forecastHoltWinters(points, horizon)
	arimaV, _ := forecastARIMA(points)
	prophetV, _ := forecastProphet(points, target, horizon)

	add(domain.ModelMean, meanV)
	add(domain.ModelTrend, trendV)
	add(domain.ModelSeasonal, seasonalV)
	add(domain.ModelHoltWinters, hwV)
	add(domain.ModelARIMA, arimaV)
	add(domain.ModelProphet, prophetV)

	var sumW, sumWV float64
	for _, c := range candidates {
		sumW += c.weight
		sumWV += c.weight * c.value
	}
	if sumW == 0 {
		return meanV, "ensemble: equal-weight fallback"
	}
	return sumWV / sumW, "accuracy-weighted ensemble of six base models"
}

// Forecast produces a Prediction for one workload/horizon pair, selecting
// the model per SelectModel (or the explicit override when non-empty).
func Forecast(w domain.WorkloadKey, points []Point, pattern domain.Pattern, horizon domain.Horizon, now time.Time, accuracy map[domain.ModelKind]ModelAccuracy, idGen func() string) domain.Prediction {
	kind := SelectModel(pattern)
	target := now.Add(time.Duration(horizon))

	var value float64
	var reasoning string
	switch kind {
	case domain.ModelMean:
		value, reasoning = forecastMean(points)
	case domain.ModelTrend:
		value, reasoning = forecastTrend(points, time.Duration(horizon))
	case domain.ModelSeasonal:
		value, reasoning = forecastSeasonal(points, target)
	case domain.ModelHoltWinters:
		value, reasoning = forecastHoltWinters(points, time.Duration(horizon))
	case domain.ModelARIMA:
		value, reasoning = forecastARIMA(points)
	case domain.ModelProphet:
		value, reasoning = forecastProphet(points, target, time.Duration(horizon))
	default:
		value, reasoning = forecastEnsemble(points, target, time.Duration(horizon), accuracy)
		kind = domain.ModelEnsemble
	}
	value = clampPercent(value)

	confidence := confidenceFor(kind, len(points), accuracy)
	spread := (1 - confidence) * 30 // wider band at low confidence, narrower at high
	return domain.Prediction{
		ID:                  idGen(),
		Workload:            w,
		MadeAt:              now,
		Horizon:             horizon,
		PredictedCPUPercent: value,
		Confidence:          confidence,
		CILow:               clampPercent(value - spread),
		CIHigh:              clampPercent(value + spread),
		ModelUsed:           kind,
		Reasoning:           reasoning,
		Status:              domain.PredictionPending,
	}
}

// confidenceFor combines sample sufficiency with the model's recent
// validated accuracy, scaled into [0,1] (spec.md §4.4).
func confidenceFor(kind domain.ModelKind, sampleCount int, accuracy map[domain.ModelKind]ModelAccuracy) float64 {
	sufficiency := math.Min(1.0, float64(sampleCount)/100.0)
	accuracyScore := 0.6 // prior before any validated predictions exist
	if acc, ok := accuracy[kind]; ok && acc.ValidatedCount > 0 {
		accuracyScore = math.Max(0, 1-acc.MeanAbsPctErr)
	}
	confidence := 0.4*sufficiency + 0.6*accuracyScore
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// Validate closes a pending prediction against an observed actual value,
// per spec.md §3 invariant 6. accuracyScore is 1 minus the normalized
// absolute error, clamped to [0,1].
func Validate(p domain.Prediction, actualPercent float64) domain.Prediction {
	p.ActualCPUPercent = actualPercent
	denom := math.Max(actualPercent, 1)
	absErr := math.Abs(p.PredictedCPUPercent-actualPercent) / denom
	p.AccuracyScore = math.Max(0, math.Min(1, 1-absErr))
	p.Status = domain.PredictionValidated
	return p
}

// MarkLost closes a pending prediction that was never joined with an
// actual before its deadline elapsed.
func MarkLost(p domain.Prediction) domain.Prediction {
	p.Status = domain.PredictionLost
	return p
}
