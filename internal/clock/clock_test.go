package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeNowStaysPinnedUntilAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())
	assert.Equal(t, start, f.Now())

	f.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), f.Now())
}

func TestFakeAfterDeliversImmediately(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	select {
	case got := <-f.After(time.Minute):
		assert.Equal(t, start.Add(time.Minute), got)
	default:
		t.Fatal("After channel did not have a value ready")
	}
}

func TestFakeRandReturnsValuesInOrderThenZero(t *testing.T) {
	r := &FakeRand{Values: []float64{0.1, 0.9}}
	assert.Equal(t, 0.1, r.Float64())
	assert.Equal(t, 0.9, r.Float64())
	assert.Equal(t, 0.0, r.Float64())
	assert.Equal(t, 0.0, r.Float64())
}

func TestRealClockAndRandSatisfyInterfaces(t *testing.T) {
	var _ Clock = Real{}
	var _ Rand = RealRand{}

	before := time.Now()
	assert.False(t, Real{}.Now().Before(before))

	v := RealRand{}.Float64()
	assert.GreaterOrEqual(t, v, 0.0)
	assert.Less(t, v, 1.0)
}
