// Package pattern implements the Pattern Recognizer (spec.md §4.3):
// feature extraction over a workload's recent CPU history and a
// first-match-wins classification into one of domain.Pattern's nine
// values. Feature math (mean, variance, linear-fit slope) uses
// gonum.org/v1/gonum/stat, the statistics package already present in the
// teacher's go.mod but unexercised in the retrieved source slice.
package pattern

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/smart-autoscaler/operator/internal/domain"
)

const minSamplesForPattern = 20

// confidenceFromSampleCount implements spec.md §4.3's sample-count-based
// confidence ladder for the unknown/low-data case.
func confidenceFromSampleCount(n int) float64 {
	switch {
	case n < 20:
		return 0.30
	case n < 50:
		return 0.60
	case n < 100:
		return 0.80
	default:
		return 0.95
	}
}

// ExtractFeatures computes domain.PatternFeatures from a time-ordered,
// startup-filtered slice of CPU millicore values paired with their
// timestamps.
func ExtractFeatures(samples []domain.MetricSample) domain.PatternFeatures {
	vals := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Startup {
			continue
		}
		vals = append(vals, s.CPUMillicores)
	}
	f := domain.PatternFeatures{SampleCount: len(vals)}
	if len(vals) == 0 {
		return f
	}

	f.Mean = stat.Mean(vals, nil)
	f.StdDev = stat.StdDev(vals, nil)
	if f.Mean != 0 {
		f.CV = f.StdDev / f.Mean
	}

	xs := make([]float64, len(vals))
	for i := range vals {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, vals, nil, false)
	f.SlopePerDay = slope * samplesPerDay(samples)

	f.Autocorrelation24h = autocorrelationAtLag(vals, lagForInterval(samples, 24*time.Hour))
	f.Autocorrelation7d = autocorrelationAtLag(vals, lagForInterval(samples, 7*24*time.Hour))
	f.Kurtosis = stat.ExKurtosis(vals, nil)
	f.HasSpikeDecaySignature = detectSpikeDecay(vals, f.Mean, f.StdDev)
	return f
}

// samplesPerDay estimates the sampling cadence from consecutive timestamps
// so SlopePerDay can be reported in real units rather than per-sample.
func samplesPerDay(samples []domain.MetricSample) float64 {
	if len(samples) < 2 {
		return 1
	}
	span := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp)
	if span <= 0 {
		return 1
	}
	perSample := span / time.Duration(len(samples)-1)
	if perSample <= 0 {
		return 1
	}
	return float64(24*time.Hour) / float64(perSample)
}

func lagForInterval(samples []domain.MetricSample, interval time.Duration) int {
	perDay := samplesPerDay(samples)
	if perDay <= 0 {
		return 0
	}
	perSample := 24 * time.Hour / time.Duration(perDay)
	if perSample <= 0 {
		return 0
	}
	return int(interval / perSample)
}

// autocorrelationAtLag computes Pearson correlation between the series and
// itself shifted by lag samples; returns 0 when the series is too short.
func autocorrelationAtLag(vals []float64, lag int) float64 {
	if lag <= 0 || lag >= len(vals) {
		return 0
	}
	a := vals[:len(vals)-lag]
	b := vals[lag:]
	if len(a) < 2 {
		return 0
	}
	return stat.Correlation(a, b, nil)
}

// detectSpikeDecay looks for at least one sample exceeding mean+2*std
// followed within a few samples by a return toward the mean — the
// signature spec.md §4.3 ties to bursty/event_driven classification.
func detectSpikeDecay(vals []float64, mean, std float64) bool {
	if std == 0 {
		return false
	}
	threshold := mean + 2*std
	for i, v := range vals {
		if v < threshold {
			continue
		}
		for j := i + 1; j < len(vals) && j <= i+5; j++ {
			if vals[j] < mean+std {
				return true
			}
		}
	}
	return false
}

const (
	steadyCVThreshold   = 0.15
	slopeThreshold      = 5.0  // millicores/day, "negligible" boundary
	growthSlopeThreshold = 20.0
	autocorrThreshold   = 0.6
	kurtosisThreshold   = 3.0
)

// Classify applies spec.md §4.3's first-match-wins rules.
func Classify(f domain.PatternFeatures, now time.Time) (domain.Pattern, float64) {
	if f.SampleCount < minSamplesForPattern {
		return domain.PatternUnknown, confidenceFromSampleCount(f.SampleCount)
	}
	confidence := confidenceFromSampleCount(f.SampleCount)

	if f.CV < steadyCVThreshold && math.Abs(f.SlopePerDay) < slopeThreshold {
		return domain.PatternSteady, confidence
	}
	if f.SlopePerDay > growthSlopeThreshold {
		return domain.PatternGrowing, confidence
	}
	if f.SlopePerDay < -growthSlopeThreshold {
		return domain.PatternDeclining, confidence
	}
	if f.Autocorrelation24h > autocorrThreshold {
		return domain.PatternPeriodic, confidence
	}
	if f.Autocorrelation7d > autocorrThreshold {
		return domain.PatternWeeklySeasonal, confidence
	}
	if isMonthBoundaryPeak(now) && f.Autocorrelation7d > autocorrThreshold*0.7 {
		return domain.PatternMonthlySeasonal, confidence
	}
	if f.Kurtosis > kurtosisThreshold && f.HasSpikeDecaySignature {
		if f.CV > 0.5 {
			return domain.PatternBursty, confidence
		}
		return domain.PatternEventDriven, confidence
	}
	return domain.PatternUnknown, confidence
}

func isMonthBoundaryPeak(now time.Time) bool {
	d := now.Day()
	return d <= 2 || d >= 28
}

// Recognize extracts features and classifies them in one call, producing a
// ready-to-persist PatternProfile.
func Recognize(w domain.WorkloadKey, samples []domain.MetricSample, now time.Time) domain.PatternProfile {
	f := ExtractFeatures(samples)
	p, conf := Classify(f, now)
	return domain.PatternProfile{
		Workload:    w,
		Pattern:     p,
		Confidence:  conf,
		LastUpdated: now,
		Features:    f,
	}
}
