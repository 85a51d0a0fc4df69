package dashboard

import (
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dashboard owns the complete metrics pipeline for one application:
// a label-aware metric store, a per-key rate registry, a Prometheus
// registry for the scrape endpoint, and an optional remote write pusher.
// Construct one at the composition root and share it by reference; every
// method is safe for concurrent use.
type Dashboard struct {
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	guard    initGuard
	registry *prometheus.Registry
	store    *metricStore
	rates    *RateRegistry

	mu         sync.Mutex
	collectors []Collector
	pusher     *pusher
}

// New creates a Dashboard from the given configuration. Nothing is
// registered or started until EnsureConfigured or Handler is called.
func New(cfg Config) (*Dashboard, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid dashboard config: %w", err)
	}

	clk := clock.New()
	d := &Dashboard{
		cfg:      cfg,
		logger:   cfg.Logger,
		clock:    clk,
		registry: prometheus.NewRegistry(),
		store:    newMetricStore(cfg, clk),
		rates:    newRateRegistry(cfg.RateWindow, cfg.RateMaxSamples, cfg.RateKeyTTL, cfg.RateMaxKeys, clk),
	}
	return d, nil
}

// EnsureConfigured performs the one-time setup: it registers the store
// with the Prometheus registry, wires optional runtime metrics, and starts
// the remote write loop when configured. It is safe to call from any
// number of goroutines; exactly one caller runs the setup, everyone else
// returns nil immediately without waiting for it.
//
// The configured flag flips even when setup fails, so a startup failure is
// reported once and never retried. The failure only ever concerns
// duplicate registrations or remote write wiring, both operator-level
// conditions that a retry would not fix.
func (d *Dashboard) EnsureConfigured() error {
	if !d.guard.begin() {
		return nil
	}

	if err := d.registry.Register(d.store); err != nil {
		return fmt.Errorf("registering metric store: %w", err)
	}

	if d.cfg.EnableRuntimeMetrics {
		if err := d.RegisterCollector(NewRuntimeCollector(d.logger)); err != nil {
			return fmt.Errorf("registering runtime collector: %w", err)
		}
	}

	if d.cfg.RemoteWriteURL != "" {
		p, err := newPusher(d.cfg, d.logger, d.snapshotAll)
		if err != nil {
			return fmt.Errorf("creating remote write pusher: %w", err)
		}
		// Published under d.mu: CAS losers return from EnsureConfigured
		// before the winner finishes, so Close can race this assignment.
		d.mu.Lock()
		d.pusher = p
		d.mu.Unlock()
		p.start()
	}

	if d.logger != nil {
		d.logger.Info("metrics dashboard configured",
			zap.String("service", d.cfg.ServiceName),
			zap.Bool("remote_write", d.cfg.RemoteWriteURL != ""))
	}
	return nil
}

// Handler configures the dashboard if needed and returns the route group
// to mount on the host server, typically under /metrics:
//
//	GET {mount}/prometheus    Prometheus text exposition
//	GET {mount}/dashboard     embedded dashboard page
//	GET {mount}/dashboard/*   dashboard assets
func (d *Dashboard) Handler() (chi.Router, error) {
	if err := d.EnsureConfigured(); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Get("/prometheus", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/dashboard", d.serveDashboardIndex)
	r.Get("/dashboard/*", d.serveDashboardAsset)
	return r, nil
}

// Close stops the remote write loop, if any, and waits for it to drain.
func (d *Dashboard) Close() {
	d.mu.Lock()
	p := d.pusher
	d.mu.Unlock()

	if p != nil {
		p.stop()
	}
}

// CountWithRate records an absolute counter reading and publishes the
// derived per-second rate as a gauge named "{name}_rate_per_sec" carrying
// the same labels. The first pair of labels also selects the rate tracker,
// so distinct label values keep fully independent rate histories. The
// computed rate is returned; it is 0 on the very first call for a key.
func (d *Dashboard) CountWithRate(name string, value float64, labels ...string) float64 {
	return d.countWithRate(name, value, false, labels)
}

// CountWithSmoothedRate is CountWithRate with the median-smoothed
// estimator, which damps outliers in bursty or sparse update patterns.
func (d *Dashboard) CountWithSmoothedRate(name string, value float64, labels ...string) float64 {
	return d.countWithRate(name, value, true, labels)
}

func (d *Dashboard) countWithRate(name string, value float64, smoothed bool, labels []string) float64 {
	d.store.SetCounter(name, value, labels...)

	key := trackerKeyFor(name, labels)
	var rate float64
	if smoothed {
		rate = d.rates.UpdateSmoothed(key, value)
	} else {
		rate = d.rates.Update(key, value)
	}

	d.store.SetGauge(name+"_rate_per_sec", rate, labels...)
	return rate
}

// SetCounter records an absolute counter reading without rate derivation.
func (d *Dashboard) SetCounter(name string, value float64, labels ...string) {
	d.store.SetCounter(name, value, labels...)
}

// SetGauge records an instantaneous gauge value.
func (d *Dashboard) SetGauge(name string, value float64, labels ...string) {
	d.store.SetGauge(name, value, labels...)
}

// ObserveHistogram records a value in a histogram.
func (d *Dashboard) ObserveHistogram(name string, value float64, labels ...string) {
	d.store.Observe(name, value, labels...)
}

// Rates exposes the per-key rate registry for callers that track rates
// without recording metrics.
func (d *Dashboard) Rates() *RateRegistry {
	return d.rates
}

// RegisterCollector adds a custom metrics source. Its series appear on the
// scrape endpoint and in remote write pushes.
func (d *Dashboard) RegisterCollector(c Collector) error {
	if err := d.registry.Register(&collectorBridge{namespace: d.cfg.Namespace, source: c}); err != nil {
		return fmt.Errorf("registering collector %q: %w", c.Name(), err)
	}

	d.mu.Lock()
	d.collectors = append(d.collectors, c)
	d.mu.Unlock()

	if d.logger != nil {
		d.logger.Debug("registered metrics collector", zap.String("collector", c.Name()))
	}
	return nil
}

// snapshotAll collects the store plus every registered collector.
func (d *Dashboard) snapshotAll() []Metric {
	metrics := d.store.snapshot()

	d.mu.Lock()
	collectors := append([]Collector(nil), d.collectors...)
	d.mu.Unlock()

	for _, c := range collectors {
		metrics = append(metrics, c.Collect()...)
	}
	return metrics
}

// trackerKeyFor derives the rate tracker key from the first label pair,
// falling back to the shared default key for unlabeled metrics.
func trackerKeyFor(name string, labels []string) string {
	if len(labels) >= 2 {
		return TrackerKey(name, labels[0], labels[1])
	}
	return TrackerKey(name, "", "")
}

// collectorBridge exposes a Collector's data points on the scrape path as
// unchecked const metrics. Histogram points arrive pre-flattened
// (_sum/_count/_bucket) and are exported as gauges.
type collectorBridge struct {
	namespace string
	source    Collector
}

func (b *collectorBridge) Describe(chan<- *prometheus.Desc) {}

func (b *collectorBridge) Collect(ch chan<- prometheus.Metric) {
	for _, m := range b.source.Collect() {
		names := make([]string, 0, len(m.Labels))
		for k := range m.Labels {
			names = append(names, k)
		}
		sort.Strings(names)
		values := make([]string, len(names))
		for i, k := range names {
			values[i] = m.Labels[k]
		}

		valueType := prometheus.GaugeValue
		if m.Kind == Counter {
			valueType = prometheus.CounterValue
		}

		desc := prometheus.NewDesc(
			prometheus.BuildFQName(b.namespace, "", m.Name),
			"",
			names,
			nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, valueType, m.Value, values...)
	}
}

// Package-level default instance, for applications that do not need an
// injectable Dashboard.

var (
	defaultMu   sync.Mutex
	defaultDash *Dashboard
)

// Init initializes the package-level dashboard. Later calls are no-ops
// while an instance exists.
func Init(cfg Config) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultDash != nil {
		return nil
	}

	d, err := New(cfg)
	if err != nil {
		return err
	}
	if err := d.EnsureConfigured(); err != nil {
		return err
	}
	defaultDash = d
	return nil
}

// Default returns the package-level dashboard, or nil before Init.
func Default() *Dashboard {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultDash
}

// CountWithRate records on the package-level dashboard. It is a no-op
// returning 0 before Init.
func CountWithRate(name string, value float64, labels ...string) float64 {
	if d := Default(); d != nil {
		return d.CountWithRate(name, value, labels...)
	}
	return 0
}

// CountWithSmoothedRate records on the package-level dashboard.
func CountWithSmoothedRate(name string, value float64, labels ...string) float64 {
	if d := Default(); d != nil {
		return d.CountWithSmoothedRate(name, value, labels...)
	}
	return 0
}

// SetGauge records on the package-level dashboard.
func SetGauge(name string, value float64, labels ...string) {
	if d := Default(); d != nil {
		d.SetGauge(name, value, labels...)
	}
}

// ObserveHistogram records on the package-level dashboard.
func ObserveHistogram(name string, value float64, labels ...string) {
	if d := Default(); d != nil {
		d.ObserveHistogram(name, value, labels...)
	}
}

// Shutdown stops the package-level dashboard and releases it.
func Shutdown() {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultDash != nil {
		defaultDash.Close()
		defaultDash = nil
	}
}
