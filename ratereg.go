package dashboard

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	rateShardCount         = 16
	rateCleanupIntervalDef = 5 * time.Minute
)

// TrackerKey builds the registry key for a metric and an optional single
// label pair. Unlabeled metrics share the "{name}_default" key; labeled
// metrics get fully independent histories per label value.
func TrackerKey(metricName, labelKey, labelValue string) string {
	if labelKey == "" {
		return metricName + "_default"
	}
	return metricName + "_" + labelKey + "_" + labelValue
}

// RateRegistry maps opaque string keys to rate estimators, creating them
// lazily on first use. Keys are distributed over a fixed number of shards
// so updates to different keys rarely contend; updates to the same key are
// serialized by the estimator itself.
type RateRegistry struct {
	clock      clock.Clock
	window     time.Duration
	maxSamples int

	// keyTTL evicts trackers whose key has been idle longer than the TTL,
	// maxKeys bounds the total tracker count (approximately, per shard).
	// Zero disables the respective bound.
	keyTTL          time.Duration
	maxKeys         int
	cleanupInterval time.Duration

	shards [rateShardCount]rateShard
}

type rateShard struct {
	mu          sync.Mutex
	entries     map[string]*rateEntry
	lastCleanup time.Time
}

type rateEntry struct {
	estimator   *RateEstimator
	lastUpdated time.Time
}

// NewRateRegistry creates a registry whose estimators use the given window
// and sample cap. keyTTL and maxKeys bound idle-key growth; pass 0 to
// disable either.
func NewRateRegistry(window time.Duration, maxSamples int, keyTTL time.Duration, maxKeys int) *RateRegistry {
	return newRateRegistry(window, maxSamples, keyTTL, maxKeys, clock.New())
}

func newRateRegistry(window time.Duration, maxSamples int, keyTTL time.Duration, maxKeys int, clk clock.Clock) *RateRegistry {
	r := &RateRegistry{
		clock:           clk,
		window:          window,
		maxSamples:      maxSamples,
		keyTTL:          keyTTL,
		maxKeys:         maxKeys,
		cleanupInterval: rateCleanupIntervalDef,
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*rateEntry)
	}
	return r
}

// Update feeds a new absolute counter reading to the estimator owned by
// key, creating it on first use, and returns the two-point rate.
func (r *RateRegistry) Update(key string, value float64) float64 {
	return r.lookup(key).Update(value)
}

// UpdateSmoothed is like Update but returns the median-smoothed rate.
func (r *RateRegistry) UpdateSmoothed(key string, value float64) float64 {
	return r.lookup(key).UpdateSmoothed(value)
}

// Len returns the number of tracked keys.
func (r *RateRegistry) Len() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// lookup returns the estimator for key, creating it if absent, and bumps
// the key's idle timer. Eviction piggybacks on lookups; a completely idle
// registry is never scanned.
func (r *RateRegistry) lookup(key string) *RateEstimator {
	shard := &r.shards[shardIndex(key)]
	now := r.clock.Now()

	shard.mu.Lock()
	entry, exists := shard.entries[key]
	if !exists {
		entry = &rateEntry{
			estimator: newRateEstimator(r.window, r.maxSamples, r.clock),
		}
		shard.entries[key] = entry
	}
	entry.lastUpdated = now

	if (r.keyTTL > 0 || r.maxKeys > 0) && now.Sub(shard.lastCleanup) >= r.cleanupInterval {
		r.cleanupShard(shard, now, key)
	}
	shard.mu.Unlock()

	return entry.estimator
}

// cleanupShard drops idle entries and, if the shard is over its share of
// the key budget, the least recently updated extras. The caller must hold
// the shard lock. keep is never evicted.
func (r *RateRegistry) cleanupShard(shard *rateShard, now time.Time, keep string) {
	shard.lastCleanup = now

	if r.keyTTL > 0 {
		cutoff := now.Add(-r.keyTTL)
		for k, e := range shard.entries {
			if k != keep && e.lastUpdated.Before(cutoff) {
				delete(shard.entries, k)
			}
		}
	}

	shardBudget := r.maxKeys / rateShardCount
	if r.maxKeys > 0 && shardBudget < 1 {
		shardBudget = 1
	}
	if shardBudget > 0 && len(shard.entries) > shardBudget {
		type aged struct {
			key  string
			last time.Time
		}
		pairs := make([]aged, 0, len(shard.entries))
		for k, e := range shard.entries {
			pairs = append(pairs, aged{key: k, last: e.lastUpdated})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].last.Before(pairs[j].last) })
		excess := len(shard.entries) - shardBudget
		for i := 0; i < len(pairs) && excess > 0; i++ {
			if pairs[i].key == keep {
				continue
			}
			delete(shard.entries, pairs[i].key)
			excess--
		}
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % rateShardCount
}
