package dashboard

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateEstimatorFirstUpdateReturnsZero(t *testing.T) {
	est := NewRateEstimator(2*time.Second, 200)

	assert.Equal(t, 0.0, est.Update(10.0))
	assert.Equal(t, 1, est.SampleCount())
}

func TestRateEstimatorSteadyRate(t *testing.T) {
	clk := clock.NewMock()
	est := newRateEstimator(2*time.Second, 200, clk)

	assert.Equal(t, 0.0, est.Update(0.0))
	clk.Add(1 * time.Second)

	assert.InDelta(t, 10.0, est.Update(10.0), 1.0)
}

func TestRateEstimatorConvergesOnSteadyStream(t *testing.T) {
	clk := clock.NewMock()
	est := newRateEstimator(2*time.Second, 200, clk)

	// 50 units per second reported every 100ms.
	var rate float64
	for i := 1; i <= 20; i++ {
		clk.Add(100 * time.Millisecond)
		rate = est.Update(float64(i) * 5.0)
	}
	assert.InDelta(t, 50.0, rate, 0.01)
}

func TestRateEstimatorCounterResetClampsToZero(t *testing.T) {
	clk := clock.NewMock()
	est := newRateEstimator(2*time.Second, 200, clk)

	est.Update(20.0)
	clk.Add(10 * time.Millisecond)

	assert.Equal(t, 0.0, est.Update(10.0))
}

func TestRateEstimatorClockTieReturnsZero(t *testing.T) {
	clk := clock.NewMock()
	est := newRateEstimator(2*time.Second, 200, clk)

	est.Update(10.0)
	// No clock advance: both samples share a timestamp.
	assert.Equal(t, 0.0, est.Update(20.0))
}

func TestRateEstimatorWarmupBurstIsFinite(t *testing.T) {
	est := NewRateEstimator(2*time.Second, 200)

	assert.Equal(t, 0.0, est.Update(10.0))

	rate := est.Update(20.0)
	assert.False(t, math.IsNaN(rate))
	assert.False(t, math.IsInf(rate, 0))
	assert.GreaterOrEqual(t, rate, 0.0)
}

func TestRateEstimatorWindowEviction(t *testing.T) {
	clk := clock.NewMock()
	est := newRateEstimator(2*time.Second, 200, clk)

	est.Update(0.0)
	clk.Add(3 * time.Second)

	// The first sample is older than the window, so only the new sample
	// remains and there is not enough history for a rate.
	assert.Equal(t, 0.0, est.Update(30.0))
	assert.Equal(t, 1, est.SampleCount())
}

func TestRateEstimatorMaxSamplesBound(t *testing.T) {
	clk := clock.NewMock()
	est := newRateEstimator(10*time.Second, 5, clk)

	for i := 0; i < 100; i++ {
		clk.Add(time.Millisecond)
		est.Update(float64(i))
		require.LessOrEqual(t, est.SampleCount(), 5)
	}
	assert.Equal(t, 5, est.SampleCount())
}

func TestRateEstimatorNoSampleOlderThanWindow(t *testing.T) {
	clk := clock.NewMock()
	est := newRateEstimator(2*time.Second, 200, clk)

	for i := 0; i < 50; i++ {
		clk.Add(100 * time.Millisecond)
		est.Update(float64(i))
	}

	// 2s window at 100ms spacing retains at most ~20 samples.
	assert.LessOrEqual(t, est.SampleCount(), 21)
}

func TestRateEstimatorSmoothedMedian(t *testing.T) {
	clk := clock.NewMock()
	est := newRateEstimator(10*time.Second, 200, clk)

	// Steady 10/s with one large outlier jump; the median ignores it.
	values := []float64{0, 10, 20, 1000, 1010}
	var rate float64
	for i, v := range values {
		if i > 0 {
			clk.Add(1 * time.Second)
		}
		rate = est.UpdateSmoothed(v)
	}
	assert.InDelta(t, 10.0, rate, 0.01)
}

func TestRateEstimatorSmoothedFallsBackToTwoPoint(t *testing.T) {
	clk := clock.NewMock()
	est := newRateEstimator(10*time.Second, 200, clk)

	est.UpdateSmoothed(0.0)
	clk.Add(1 * time.Second)

	// Two samples: not enough for pairwise rates, uses the plain slope.
	assert.InDelta(t, 10.0, est.UpdateSmoothed(10.0), 0.01)
}

func TestRateEstimatorSmoothedNegativeDeltasClamped(t *testing.T) {
	clk := clock.NewMock()
	est := newRateEstimator(10*time.Second, 200, clk)

	for i, v := range []float64{30, 20, 10, 0} {
		if i > 0 {
			clk.Add(1 * time.Second)
		}
		rate := est.UpdateSmoothed(v)
		assert.GreaterOrEqual(t, rate, 0.0)
	}
}
