package dashboard

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(mutate ...func(*Config)) (*metricStore, *clock.Mock) {
	cfg := DefaultConfig()
	cfg.ServiceName = "test"
	for _, m := range mutate {
		m(&cfg)
	}
	clk := clock.NewMock()
	return newMetricStore(cfg, clk), clk
}

func snapshotByName(s *metricStore) map[string]Metric {
	out := make(map[string]Metric)
	for _, m := range s.snapshot() {
		out[m.Name] = m
	}
	return out
}

func TestStoreCounterIsAbsolute(t *testing.T) {
	s, _ := newTestStore()

	s.SetCounter("jobs_total", 10)
	s.SetCounter("jobs_total", 7) // overwrite, not accumulate

	m := snapshotByName(s)["jobs_total"]
	assert.Equal(t, 7.0, m.Value)
	assert.Equal(t, Counter, m.Kind)
}

func TestStoreScalarKindFollowsLastWrite(t *testing.T) {
	s, _ := newTestStore()

	s.SetCounter("readings", 10)
	s.SetGauge("readings", 4)

	m := snapshotByName(s)["readings"]
	assert.Equal(t, 4.0, m.Value)
	assert.Equal(t, Gauge, m.Kind)

	s.SetCounter("readings", 11)
	assert.Equal(t, Counter, snapshotByName(s)["readings"].Kind)
}

func TestStoreLabeledSeriesAreDistinct(t *testing.T) {
	s, _ := newTestStore()

	s.SetGauge("queue_depth", 3, "queue", "high")
	s.SetGauge("queue_depth", 9, "queue", "low")

	seen := map[string]float64{}
	for _, m := range s.snapshot() {
		seen[m.Labels["queue"]] = m.Value
	}
	assert.Equal(t, 3.0, seen["high"])
	assert.Equal(t, 9.0, seen["low"])
}

func TestStoreHistogramFlattening(t *testing.T) {
	s, _ := newTestStore(func(c *Config) {
		c.BucketOverrides = []BucketOverride{{Prefix: "lat", Buckets: []float64{0.1, 1}}}
	})

	s.Observe("lat_seconds", 0.05)
	s.Observe("lat_seconds", 0.5)
	s.Observe("lat_seconds", 5)

	byBucket := map[string]float64{}
	var sum, count float64
	for _, m := range s.snapshot() {
		switch m.Name {
		case "lat_seconds_sum":
			sum = m.Value
		case "lat_seconds_count":
			count = m.Value
		case "lat_seconds_bucket":
			byBucket[m.Labels["le"]] = m.Value
		}
	}

	assert.InDelta(t, 5.55, sum, 1e-9)
	assert.Equal(t, 3.0, count)
	assert.Equal(t, 1.0, byBucket["0.1"])
	assert.Equal(t, 2.0, byBucket["1"])
	assert.Equal(t, 3.0, byBucket["+Inf"])
}

func TestStoreDefaultBucketsWhenNoOverrideMatches(t *testing.T) {
	s, _ := newTestStore(func(c *Config) {
		c.BucketOverrides = []BucketOverride{{Prefix: "lat", Buckets: []float64{0.1, 1}}}
	})

	s.Observe("other_seconds", 0.5)

	buckets := 0
	for _, m := range s.snapshot() {
		if m.Name == "other_seconds_bucket" {
			buckets++
		}
	}
	// Prometheus default buckets plus the +Inf bucket.
	assert.Equal(t, 12, buckets)
}

func TestStoreTTLEviction(t *testing.T) {
	s, clk := newTestStore(func(c *Config) { c.SeriesTTL = time.Hour })

	s.SetCounter("stale_total", 1)
	s.snapshot() // arms the cleanup timestamp

	clk.Add(2 * time.Hour)
	require.Empty(t, s.snapshot())
}

func TestStoreSeriesBudget(t *testing.T) {
	s, clk := newTestStore(func(c *Config) {
		c.SeriesTTL = 0
		c.MaxSeries = 2
	})

	s.SetCounter("a_total", 1)
	clk.Add(time.Minute)
	s.SetCounter("b_total", 1)
	clk.Add(time.Minute)
	s.SetCounter("c_total", 1)
	s.snapshot() // arms the cleanup timestamp

	clk.Add(6 * time.Minute)
	names := snapshotByName(s)
	assert.NotContains(t, names, "a_total")
	assert.Contains(t, names, "b_total")
	assert.Contains(t, names, "c_total")
}

func TestStoreFreshSeriesSurviveTTLCleanup(t *testing.T) {
	s, clk := newTestStore(func(c *Config) { c.SeriesTTL = time.Hour })

	s.SetCounter("old_total", 1)
	s.snapshot()

	clk.Add(2 * time.Hour)
	s.SetGauge("fresh_gauge", 1)

	names := snapshotByName(s)
	assert.NotContains(t, names, "old_total")
	assert.Contains(t, names, "fresh_gauge")
}

func TestFormatKey(t *testing.T) {
	assert.Equal(t, "reqs_total", formatKey("reqs_total", nil))
	assert.Equal(t, "reqs_total|source|api", formatKey("reqs_total", []string{"source", "api"}))
}

func TestSplitLabelsSortsByName(t *testing.T) {
	labelMap, names, values := splitLabels([]string{"zone", "eu", "app", "web"})

	assert.Equal(t, map[string]string{"zone": "eu", "app": "web"}, labelMap)
	assert.Equal(t, []string{"app", "zone"}, names)
	assert.Equal(t, []string{"web", "eu"}, values)
}

func TestSplitLabelsDropsTrailingKey(t *testing.T) {
	labelMap, names, _ := splitLabels([]string{"app", "web", "dangling"})

	assert.Equal(t, map[string]string{"app": "web"}, labelMap)
	assert.Equal(t, []string{"app"}, names)
}
