package dashboard

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// MetricKind represents the type of a metric
type MetricKind int

const (
	Counter MetricKind = iota
	Gauge
	Histogram
)

// Metric represents a single collected data point. Custom collectors
// return these; the remote write loop consumes them.
type Metric struct {
	Name      string
	Value     float64
	Labels    map[string]string
	Kind      MetricKind
	Timestamp time.Time
}

// Collector defines a metrics source that can provide multiple metrics
type Collector interface {
	Collect() []Metric
	Name() string
}

// metricStore holds every series recorded through a Dashboard: absolute
// counters, gauges and histograms, each keyed by name plus label pairs.
// It doubles as a prometheus.Collector for the scrape path and produces
// []Metric snapshots for the push path.
type metricStore struct {
	namespace string
	logger    *zap.Logger
	clock     clock.Clock

	mu          sync.RWMutex
	scalars     map[string]*scalarSeries
	histograms  map[string]*histogramSeries
	lastCleanup time.Time

	overrides       []BucketOverride
	seriesTTL       time.Duration
	maxSeries       int
	cleanupInterval time.Duration
}

type scalarSeries struct {
	name        string
	kind        atomic.Int32 // MetricKind; follows the last write
	labelMap    map[string]string
	labelValues []string
	desc        *prometheus.Desc
	bits        atomic.Uint64 // Float64bits of the current value
	lastUpdated atomic.Int64
}

func (e *scalarSeries) metricKind() MetricKind {
	return MetricKind(e.kind.Load())
}

type histogramSeries struct {
	name        string
	labelMap    map[string]string
	labelValues []string
	desc        *prometheus.Desc

	mu      sync.Mutex
	buckets []float64
	counts  []uint64 // len(buckets)+1, last is the +Inf bucket
	sum     float64
	count   uint64
}

func newMetricStore(cfg Config, clk clock.Clock) *metricStore {
	return &metricStore{
		namespace:       cfg.Namespace,
		logger:          cfg.Logger,
		clock:           clk,
		scalars:         make(map[string]*scalarSeries),
		histograms:      make(map[string]*histogramSeries),
		overrides:       cfg.BucketOverrides,
		seriesTTL:       cfg.SeriesTTL,
		maxSeries:       cfg.MaxSeries,
		cleanupInterval: 5 * time.Minute,
	}
}

// SetCounter records an absolute counter reading.
func (s *metricStore) SetCounter(name string, value float64, labels ...string) {
	s.setScalar(name, Counter, value, labels)
}

// SetGauge records an instantaneous gauge value.
func (s *metricStore) SetGauge(name string, value float64, labels ...string) {
	s.setScalar(name, Gauge, value, labels)
}

func (s *metricStore) setScalar(name string, kind MetricKind, value float64, labels []string) {
	key := formatKey(name, labels)

	s.mu.RLock()
	entry, exists := s.scalars[key]
	s.mu.RUnlock()

	if !exists {
		s.mu.Lock()
		if entry, exists = s.scalars[key]; !exists {
			entry = newScalarSeries(s.namespace, name, kind, labels)
			s.scalars[key] = entry
		}
		s.mu.Unlock()
	}

	// The kind follows the last write, so a name recorded as a counter
	// and later set as a gauge is exported as a gauge.
	entry.kind.Store(int32(kind))
	entry.bits.Store(math.Float64bits(value))
	entry.lastUpdated.Store(s.clock.Now().UnixNano())
}

// Observe records a value in a histogram, creating it with the default or
// prefix-overridden buckets on first use.
func (s *metricStore) Observe(name string, value float64, labels ...string) {
	key := formatKey(name, labels)

	s.mu.RLock()
	hist, exists := s.histograms[key]
	s.mu.RUnlock()

	if !exists {
		s.mu.Lock()
		if hist, exists = s.histograms[key]; !exists {
			hist = newHistogramSeries(s.namespace, name, s.bucketsFor(name), labels)
			s.histograms[key] = hist
		}
		s.mu.Unlock()
	}

	hist.observe(value)
}

// bucketsFor returns the buckets for a histogram name: the first matching
// prefix override, or the Prometheus defaults.
func (s *metricStore) bucketsFor(name string) []float64 {
	for _, o := range s.overrides {
		if strings.HasPrefix(name, o.Prefix) {
			return o.Buckets
		}
	}
	return prometheus.DefBuckets
}

// Describe implements prometheus.Collector. Sending no descriptors marks
// the store as an unchecked collector, which is required because series
// appear and disappear at runtime.
func (s *metricStore) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (s *metricStore) Collect(ch chan<- prometheus.Metric) {
	s.mu.RLock()
	for _, entry := range s.scalars {
		valueType := prometheus.CounterValue
		if entry.metricKind() == Gauge {
			valueType = prometheus.GaugeValue
		}
		value := math.Float64frombits(entry.bits.Load())
		ch <- prometheus.MustNewConstMetric(entry.desc, valueType, value, entry.labelValues...)
	}
	for _, hist := range s.histograms {
		count, sum, buckets := hist.cumulative()
		ch <- prometheus.MustNewConstHistogram(hist.desc, count, sum, buckets, hist.labelValues...)
	}
	s.mu.RUnlock()

	s.maybeCleanup()
}

// Name implements Collector.
func (s *metricStore) Name() string { return "store" }

// snapshot returns every stored series as push-ready data points.
// Histograms are flattened into _sum, _count and cumulative _bucket
// series the way remote storage expects them.
func (s *metricStore) snapshot() []Metric {
	now := s.clock.Now()

	s.mu.RLock()
	metrics := make([]Metric, 0, len(s.scalars)+3*len(s.histograms))
	for _, entry := range s.scalars {
		metrics = append(metrics, Metric{
			Name:      entry.name,
			Value:     math.Float64frombits(entry.bits.Load()),
			Labels:    entry.labelMap,
			Kind:      entry.metricKind(),
			Timestamp: now,
		})
	}
	for _, hist := range s.histograms {
		metrics = append(metrics, hist.flatten(now)...)
	}
	s.mu.RUnlock()

	s.maybeCleanup()
	return metrics
}

// maybeCleanup drops scalar series that have been idle longer than the TTL
// and, when over the series budget, the least recently updated extras.
// Histograms are few and cumulative, so only scalars are evicted.
func (s *metricStore) maybeCleanup() {
	if s.seriesTTL <= 0 && s.maxSeries <= 0 {
		return
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastCleanup) < s.cleanupInterval {
		return
	}
	s.lastCleanup = now

	if s.seriesTTL > 0 {
		cutoff := now.Add(-s.seriesTTL).UnixNano()
		for k, entry := range s.scalars {
			if entry.lastUpdated.Load() < cutoff {
				delete(s.scalars, k)
			}
		}
	}

	if s.maxSeries > 0 && len(s.scalars) > s.maxSeries {
		type aged struct {
			key  string
			last int64
		}
		pairs := make([]aged, 0, len(s.scalars))
		for k, entry := range s.scalars {
			pairs = append(pairs, aged{key: k, last: entry.lastUpdated.Load()})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].last < pairs[j].last })
		excess := len(s.scalars) - s.maxSeries
		for i := 0; i < excess; i++ {
			delete(s.scalars, pairs[i].key)
		}
		if s.logger != nil {
			s.logger.Debug("evicted stale series",
				zap.Int("evicted", excess),
				zap.Int("remaining", len(s.scalars)))
		}
	}
}

func newScalarSeries(namespace, name string, kind MetricKind, labels []string) *scalarSeries {
	labelMap, labelNames, labelValues := splitLabels(labels)
	entry := &scalarSeries{
		name:        name,
		labelMap:    labelMap,
		labelValues: labelValues,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name),
			"",
			labelNames,
			nil,
		),
	}
	entry.kind.Store(int32(kind))
	return entry
}

func newHistogramSeries(namespace, name string, buckets []float64, labels []string) *histogramSeries {
	labelMap, labelNames, labelValues := splitLabels(labels)
	return &histogramSeries{
		name:        name,
		labelMap:    labelMap,
		labelValues: labelValues,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name),
			"",
			labelNames,
			nil,
		),
		buckets: buckets,
		counts:  make([]uint64, len(buckets)+1),
	}
}

func (h *histogramSeries) observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += value
	h.count++

	i := 0
	for i < len(h.buckets) && value > h.buckets[i] {
		i++
	}
	h.counts[i]++
}

// cumulative returns the histogram in the shape MustNewConstHistogram
// expects: total count, sum, and upper bound to cumulative count.
func (h *histogramSeries) cumulative() (uint64, float64, map[float64]uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buckets := make(map[float64]uint64, len(h.buckets))
	running := uint64(0)
	for i, bound := range h.buckets {
		running += h.counts[i]
		buckets[bound] = running
	}
	return h.count, h.sum, buckets
}

// flatten expands the histogram into _sum, _count and _bucket points.
func (h *histogramSeries) flatten(now time.Time) []Metric {
	h.mu.Lock()
	defer h.mu.Unlock()

	metrics := make([]Metric, 0, len(h.buckets)+3)
	metrics = append(metrics,
		Metric{Name: h.name + "_sum", Value: h.sum, Labels: h.labelMap, Kind: Histogram, Timestamp: now},
		Metric{Name: h.name + "_count", Value: float64(h.count), Labels: h.labelMap, Kind: Histogram, Timestamp: now},
	)

	running := uint64(0)
	for i := 0; i <= len(h.buckets); i++ {
		running += h.counts[i]

		le := "+Inf"
		if i < len(h.buckets) {
			le = formatBucketLabel(h.buckets[i])
		}

		labels := make(map[string]string, len(h.labelMap)+1)
		for k, v := range h.labelMap {
			labels[k] = v
		}
		labels["le"] = le

		metrics = append(metrics, Metric{
			Name:      h.name + "_bucket",
			Value:     float64(running),
			Labels:    labels,
			Kind:      Histogram,
			Timestamp: now,
		})
	}
	return metrics
}

// Helper functions

// formatKey combines metric name and labels into a series key
func formatKey(metricName string, labels []string) string {
	if len(labels) == 0 {
		return metricName
	}
	return metricName + "|" + strings.Join(labels, "|")
}

// splitLabels converts [k1, v1, k2, v2, ...] pairs into a label map plus
// name/value slices sorted by label name. A trailing odd key is dropped.
func splitLabels(labels []string) (map[string]string, []string, []string) {
	labelMap := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		labelMap[labels[i]] = labels[i+1]
	}

	names := make([]string, 0, len(labelMap))
	for k := range labelMap {
		names = append(names, k)
	}
	sort.Strings(names)

	values := make([]string, len(names))
	for i, k := range names {
		values[i] = labelMap[k]
	}
	return labelMap, names, values
}

// formatBucketLabel formats a bucket upper bound the way Prometheus
// renders "le" label values.
func formatBucketLabel(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}
