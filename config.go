package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config defines the configuration for a metrics dashboard instance.
type Config struct {
	// Service identification
	Namespace   string `mapstructure:"namespace"`
	ServiceName string `mapstructure:"service_name"`

	// Rate estimation
	RateWindow     time.Duration `mapstructure:"rate_window"`
	RateMaxSamples int           `mapstructure:"rate_max_samples"`

	// Idle rate-tracker eviction. RateKeyTTL <= 0 disables TTL eviction,
	// RateMaxKeys <= 0 disables the key count bound.
	RateKeyTTL  time.Duration `mapstructure:"rate_key_ttl"`
	RateMaxKeys int           `mapstructure:"rate_max_keys"`

	// Stored series eviction, same semantics as the rate tracker bounds.
	SeriesTTL time.Duration `mapstructure:"series_ttl"`
	MaxSeries int           `mapstructure:"max_series"`

	// Histogram bucket overrides selected by metric name prefix.
	// The first matching override wins.
	BucketOverrides []BucketOverride `mapstructure:"bucket_overrides"`

	// EnableRuntimeMetrics adds Go runtime and process gauges to the
	// exposed metrics.
	EnableRuntimeMetrics bool `mapstructure:"enable_runtime_metrics"`

	// Remote write configuration. Push is disabled when the URL is empty.
	RemoteWriteURL      string            `mapstructure:"remote_write_url"`
	RemoteWriteInterval time.Duration     `mapstructure:"remote_write_interval"`
	InstanceIP          string            `mapstructure:"instance_ip"`
	CustomLabels        map[string]string `mapstructure:"custom_labels"`

	// DNS resolver options for the remote write target (optional)
	DNSEnable          bool          `mapstructure:"dns_enable"`
	DNSCacheTTL        time.Duration `mapstructure:"dns_cache_ttl"`
	DNSRefreshInterval time.Duration `mapstructure:"dns_refresh_interval"`
	DNSTimeout         time.Duration `mapstructure:"dns_timeout"`
	DNSUDPServers      []string      `mapstructure:"dns_udp_servers"` // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	DNSTLSServers      []string      `mapstructure:"dns_tls_servers"` // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DNSDoHEndpoints    []string      `mapstructure:"dns_doh_endpoints"`

	// Optional logger
	Logger *zap.Logger `mapstructure:"-"`
}

// BucketOverride replaces the default histogram buckets for every metric
// whose name starts with Prefix.
type BucketOverride struct {
	Prefix  string    `mapstructure:"prefix"`
	Buckets []float64 `mapstructure:"buckets"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		ServiceName:         "service",
		RateWindow:          2 * time.Second,
		RateMaxSamples:      200,
		RateKeyTTL:          60 * time.Minute,
		SeriesTTL:           60 * time.Minute,
		RemoteWriteInterval: 15 * time.Second,
		CustomLabels:        make(map[string]string),
	}
}

// envKeys lists every key that can be overridden from the environment.
// Viper only consults the environment during Unmarshal for keys it already
// knows about, so each one is bound explicitly. The structured keys
// (custom_labels, bucket_overrides) come from the config file only.
var envKeys = []string{
	"namespace",
	"service_name",
	"rate_window",
	"rate_max_samples",
	"rate_key_ttl",
	"rate_max_keys",
	"series_ttl",
	"max_series",
	"enable_runtime_metrics",
	"remote_write_url",
	"remote_write_interval",
	"instance_ip",
	"dns_enable",
	"dns_cache_ttl",
	"dns_refresh_interval",
	"dns_timeout",
	"dns_udp_servers",
	"dns_tls_servers",
	"dns_doh_endpoints",
}

// LoadConfig reads a configuration file and applies environment overrides
// with the DASHBOARD_ prefix (e.g. DASHBOARD_REMOTE_WRITE_URL). List
// values use comma separation. An empty path loads defaults plus
// environment overrides only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DASHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	def := DefaultConfig()
	v.SetDefault("service_name", def.ServiceName)
	v.SetDefault("rate_window", def.RateWindow)
	v.SetDefault("rate_max_samples", def.RateMaxSamples)
	v.SetDefault("rate_key_ttl", def.RateKeyTTL)
	v.SetDefault("series_ttl", def.SeriesTTL)
	v.SetDefault("remote_write_interval", def.RemoteWriteInterval)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.CustomLabels == nil {
		cfg.CustomLabels = make(map[string]string)
	}
	return cfg, nil
}

// validate fills zero values with defaults and rejects unusable settings.
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 2 * time.Second
	}
	if c.RateMaxSamples <= 0 {
		c.RateMaxSamples = 200
	}
	if c.RemoteWriteInterval <= 0 {
		c.RemoteWriteInterval = 15 * time.Second
	}
	for _, o := range c.BucketOverrides {
		if o.Prefix == "" {
			return fmt.Errorf("bucket override with empty prefix")
		}
		if len(o.Buckets) == 0 {
			return fmt.Errorf("bucket override %q has no buckets", o.Prefix)
		}
		for i := 1; i < len(o.Buckets); i++ {
			if o.Buckets[i] <= o.Buckets[i-1] {
				return fmt.Errorf("bucket override %q is not strictly increasing", o.Prefix)
			}
		}
	}
	return nil
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
