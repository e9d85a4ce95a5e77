package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/meshcache/meshcache/discovery"
)

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Config configures a Cache. Zero values are safe; defaults are applied
// in New. Fields without yaml tags are wired programmatically.
type Config struct {
	// Region geometry. Path of "" maps an anonymous region private to
	// this process tree; a file path lets independent processes attach
	// to the same cache bytes.
	Path         string `yaml:"path"`
	MemoryBytes  int    `yaml:"memory_bytes"`
	BlockSize    int    `yaml:"block_size"`
	DictCapacity int    `yaml:"dict_capacity"`

	// NodeID identifies this node on the wire. Empty generates a UUID.
	NodeID string `yaml:"node_id"`

	// Cluster is the static peer list ("host:port"); discovery can add
	// more at runtime.
	Cluster []string `yaml:"cluster"`

	// ListenPort is the UDP port for inbound invalidations (0 =
	// ephemeral).
	ListenPort int `yaml:"listen_port"`

	// BatchInterval is the invalidation flush cadence.
	BatchInterval time.Duration `yaml:"batch_interval"`

	// Sweep task: every SweepInterval, up to SweepChecks slots are
	// examined for expired entries.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepChecks   int           `yaml:"sweep_checks"`

	// DefaultTTL applies when Set is called without a TTL; MinTTL is the
	// floor for any stored TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	MinTTL     time.Duration `yaml:"min_ttl"`

	// MetricsLogInterval > 0 logs a counters snapshot periodically.
	MetricsLogInterval time.Duration `yaml:"metrics_log_interval"`

	// Connection identifies the backing store this cache fronts. Nodes
	// derive their wire secret and discovery fingerprint from it, so
	// only caches of the same store exchange invalidations.
	Connection map[string]string `yaml:"connection"`

	// Discovery configures the optional membership protocol, started
	// explicitly with StartDiscovery. NodeID, Secret, Connections,
	// CachePort, and Sink are filled in by the facade.
	Discovery discovery.Config `yaml:"discovery"`

	// Codec serializes values. Nil means JSON.
	Codec Codec `yaml:"-"`

	// Loader fetches a serialized value on miss for GetOrLoad.
	Loader func(ctx context.Context, key string) ([]byte, error) `yaml:"-"`

	// Metrics receives observability signals; nil means NoopMetrics.
	// Counters are tracked internally either way (see Snapshot).
	Metrics Metrics `yaml:"-"`

	// Clock overrides the time source. Nil means time.Now.
	Clock Clock `yaml:"-"`

	// Logger for background tasks and network loops. Nil means
	// slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

const (
	defaultTTL           = 5 * time.Minute
	defaultMinTTL        = time.Second
	defaultSweepInterval = 500 * time.Millisecond
	defaultSweepChecks   = 256
)

func (c *Config) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaultTTL
	}
	if c.MinTTL <= 0 {
		c.MinTTL = defaultMinTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.SweepChecks <= 0 {
		c.SweepChecks = defaultSweepChecks
	}
}
