package dashboard

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RuntimeCollector reports Go runtime and process gauges: heap and stack
// usage, goroutine count, GC activity, RSS and open file descriptors.
// Dashboard registers one automatically when EnableRuntimeMetrics is set.
type RuntimeCollector struct {
	logger *zap.Logger
}

// NewRuntimeCollector creates a runtime metrics collector.
func NewRuntimeCollector(logger *zap.Logger) *RuntimeCollector {
	return &RuntimeCollector{logger: logger}
}

// Name implements Collector.
func (c *RuntimeCollector) Name() string { return "runtime" }

// Collect implements Collector.
func (c *RuntimeCollector) Collect() []Metric {
	now := time.Now()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	gauge := func(name string, value float64) Metric {
		return Metric{Name: name, Value: value, Labels: map[string]string{}, Kind: Gauge, Timestamp: now}
	}
	counter := func(name string, value float64) Metric {
		return Metric{Name: name, Value: value, Labels: map[string]string{}, Kind: Counter, Timestamp: now}
	}

	metrics := []Metric{
		gauge("go_memory_alloc_bytes", float64(ms.Alloc)),
		gauge("go_memory_sys_bytes", float64(ms.Sys)),
		gauge("go_memory_heap_alloc_bytes", float64(ms.HeapAlloc)),
		gauge("go_memory_heap_inuse_bytes", float64(ms.HeapInuse)),
		gauge("go_memory_stack_inuse_bytes", float64(ms.StackInuse)),
		gauge("go_goroutines", float64(runtime.NumGoroutine())),
		counter("go_gc_runs_total", float64(ms.NumGC)),
		counter("go_gc_pause_total_ns", float64(ms.PauseTotalNs)),
	}

	if rss := processRSS(); rss > 0 {
		metrics = append(metrics, gauge("process_memory_rss_bytes", float64(rss)))
	}
	if fds := openFileDescriptors(); fds > 0 {
		metrics = append(metrics, gauge("process_open_fds", float64(fds)))
	}

	return metrics
}

// processRSS returns the resident set size in bytes, or 0 when
// /proc/self/status is unavailable.
func processRSS() uint64 {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
					return kb * 1024
				}
			}
		}
	}
	return 0
}

// openFileDescriptors counts entries in /proc/self/fd, or 0 when that is
// unavailable.
func openFileDescriptors() uint64 {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0
	}
	return uint64(len(entries))
}
