// Package dashboard is a metrics-exposition add-on for chi-based web
// servers. It records counters, gauges and histograms, exposes them in
// Prometheus scrape format, serves a small embedded dashboard, and derives
// smoothed per-second rates from absolute counter readings.
//
// Design goals:
//   - Rate estimates that stay stable under bursty, high-frequency updates
//   - Bounded memory: sliding sample windows, series TTLs, key budgets
//   - One-time, race-safe configuration that never blocks callers
//   - Optional Prometheus Remote Write push with resilient DNS handling
//
// Basic usage:
//
//	dash, err := dashboard.New(dashboard.Config{
//	  ServiceName: "orders",
//	})
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer dash.Close()
//
//	metrics, err := dash.Handler()
//	if err != nil {
//	  log.Fatal(err)
//	}
//	r := chi.NewRouter()
//	r.Mount("/metrics", metrics)
//
//	// Report an absolute counter value; the derived per-second rate is
//	// published as orders_processed_rate_per_sec with the same labels.
//	dash.CountWithRate("orders_processed", float64(total), "region", "eu")
//
// The dashboard is then available at /metrics/dashboard and the scrape
// endpoint at /metrics/prometheus.
package dashboard
