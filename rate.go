package dashboard

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// sample is one observed absolute counter reading.
type sample struct {
	value float64
	at    time.Time
}

// RateEstimator converts a stream of absolute counter readings into a
// smoothed, non-negative per-second rate. It keeps a sliding window of
// recent samples bounded both by age and by count, so it stays cheap under
// very high update frequency and bursty arrival.
//
// All numeric edge cases (first sample, clock ties, decreasing values)
// resolve to 0 rather than an error: a monitoring path must not fail the
// application feeding it.
type RateEstimator struct {
	mu         sync.Mutex
	clock      clock.Clock
	samples    []sample
	window     time.Duration
	maxSamples int
}

// NewRateEstimator creates an estimator retaining samples no older than
// window, capped at maxSamples entries.
func NewRateEstimator(window time.Duration, maxSamples int) *RateEstimator {
	return newRateEstimator(window, maxSamples, clock.New())
}

func newRateEstimator(window time.Duration, maxSamples int, clk clock.Clock) *RateEstimator {
	if window <= 0 {
		window = 2 * time.Second
	}
	if maxSamples <= 0 {
		maxSamples = 200
	}
	return &RateEstimator{
		clock:      clk,
		samples:    make([]sample, 0, maxSamples),
		window:     window,
		maxSamples: maxSamples,
	}
}

// Update records a new absolute counter reading and returns the current
// per-second rate computed from the oldest and newest retained samples.
// The first call on a fresh estimator always returns 0.
func (e *RateEstimator) Update(value float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.observe(value)
	return e.twoPointRate()
}

// UpdateSmoothed records a new reading and returns the median of the
// pairwise consecutive rates across the window. The median damps outlier
// gaps in bursty traffic. With fewer than 3 samples it falls back to the
// two-point slope.
func (e *RateEstimator) UpdateSmoothed(value float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.observe(value)
	return e.smoothedRate()
}

// SampleCount returns the number of currently retained samples.
func (e *RateEstimator) SampleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

// observe appends the reading and evicts samples that fell out of the
// window or exceed the count cap. Eviction is FIFO, oldest first.
func (e *RateEstimator) observe(value float64) {
	now := e.clock.Now()
	e.samples = append(e.samples, sample{value: value, at: now})

	cutoff := now.Add(-e.window)
	drop := 0
	for drop < len(e.samples) && !e.samples[drop].at.After(cutoff) {
		drop++
	}
	if excess := len(e.samples) - drop - e.maxSamples; excess > 0 {
		drop += excess
	}
	if drop > 0 {
		n := copy(e.samples, e.samples[drop:])
		e.samples = e.samples[:n]
	}
}

// twoPointRate computes the slope between the oldest and newest retained
// samples. Using the whole window instead of the last two samples keeps
// the estimate stable when many updates arrive within the same instant.
func (e *RateEstimator) twoPointRate() float64 {
	if len(e.samples) < 2 {
		return 0
	}

	first := e.samples[0]
	last := e.samples[len(e.samples)-1]

	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}

	// Counters are non-decreasing; a negative delta means a reset or an
	// out-of-order report and is reported as rate 0.
	return math.Max(0, (last.value-first.value)/elapsed)
}

// smoothedRate returns the median of the per-pair rates in the window.
func (e *RateEstimator) smoothedRate() float64 {
	if len(e.samples) < 3 {
		return e.twoPointRate()
	}

	rates := make([]float64, 0, len(e.samples)-1)
	for i := 1; i < len(e.samples); i++ {
		dt := e.samples[i].at.Sub(e.samples[i-1].at).Seconds()
		if dt <= 0 {
			continue
		}
		rate := (e.samples[i].value - e.samples[i-1].value) / dt
		rates = append(rates, math.Max(0, rate))
	}
	if len(rates) == 0 {
		return 0
	}

	sort.Float64s(rates)
	mid := len(rates) / 2
	if len(rates)%2 == 0 {
		return (rates[mid-1] + rates[mid]) / 2
	}
	return rates[mid]
}
