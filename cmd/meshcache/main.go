// Command meshcache runs a standalone cache node: a shared-memory region
// other processes on the host can attach to, plus the cluster transport,
// discovery engine, and a Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/meshcache/meshcache/cache"
	"github.com/meshcache/meshcache/discovery"
	"github.com/meshcache/meshcache/metrics/prom"
)

// fileConfig is the YAML surface. Intervals are spelled out in units
// (milliseconds/seconds) so config files stay unambiguous.
type fileConfig struct {
	Path                 string            `yaml:"path"`
	MemoryBytes          int               `yaml:"memory_bytes"`
	BlockSize            int               `yaml:"block_size"`
	DictCapacity         int               `yaml:"dict_capacity"`
	Cluster              []string          `yaml:"cluster"`
	ListenPort           int               `yaml:"listen_port"`
	BatchIntervalMs      int               `yaml:"batch_interval_ms"`
	SweepIntervalMs      int               `yaml:"sweep_interval_ms"`
	SweepChecks          int               `yaml:"sweep_checks"`
	DefaultTTLSeconds    int               `yaml:"default_ttl_seconds"`
	MinTTLSeconds        int               `yaml:"min_ttl_seconds"`
	MetricsLogIntervalMs int               `yaml:"metrics_log_interval_ms"`
	Connection           map[string]string `yaml:"connection"`

	Discovery struct {
		Enabled            bool     `yaml:"enabled"`
		MulticastAddr      string   `yaml:"multicast_addr"`
		TTLSeconds         int      `yaml:"ttl_seconds"`
		AnnounceIntervalMs int      `yaml:"announce_interval_ms"`
		BootstrapRetries   int      `yaml:"bootstrap_retries"`
		VersionPolicy      []string `yaml:"version_policy"`
		FallbackSeeds      []string `yaml:"fallback_seeds"`
	} `yaml:"discovery"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "meshcache.yaml", "path to config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, "meshcache:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", configPath, err)
	}

	level := slog.LevelInfo
	if fc.LogLevel != "" {
		if err := level.UnmarshalText([]byte(fc.LogLevel)); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	adapter := prom.New(reg, "meshcache", "node", nil)

	c, err := cache.New(cache.Config{
		Path:               fc.Path,
		MemoryBytes:        fc.MemoryBytes,
		BlockSize:          fc.BlockSize,
		DictCapacity:       fc.DictCapacity,
		Cluster:            fc.Cluster,
		ListenPort:         fc.ListenPort,
		BatchInterval:      time.Duration(fc.BatchIntervalMs) * time.Millisecond,
		SweepInterval:      time.Duration(fc.SweepIntervalMs) * time.Millisecond,
		SweepChecks:        fc.SweepChecks,
		DefaultTTL:         time.Duration(fc.DefaultTTLSeconds) * time.Second,
		MinTTL:             time.Duration(fc.MinTTLSeconds) * time.Second,
		MetricsLogInterval: time.Duration(fc.MetricsLogIntervalMs) * time.Millisecond,
		Connection:         fc.Connection,
		Metrics:            adapter,
		Logger:             logger,
		Discovery: discovery.Config{
			Enabled:          fc.Discovery.Enabled,
			MulticastAddr:    fc.Discovery.MulticastAddr,
			TTL:              time.Duration(fc.Discovery.TTLSeconds) * time.Second,
			AnnounceInterval: time.Duration(fc.Discovery.AnnounceIntervalMs) * time.Millisecond,
			BootstrapRetries: fc.Discovery.BootstrapRetries,
			VersionPolicy:    fc.Discovery.VersionPolicy,
			FallbackSeeds:    fc.Discovery.FallbackSeeds,
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Info("meshcache started",
		"node", c.NodeID(),
		"connection_hash", c.ConnectionHash(),
		"cache_port", c.Transport().Port())

	if fc.Discovery.Enabled {
		if err := c.StartDiscovery(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if fc.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: fc.MetricsAddr, Handler: mux}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		if srv != nil {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("meshcache stopped")
	return err
}
