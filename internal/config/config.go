// Package config loads the engine configuration from a YAML file, applies
// defaults and environment overrides, and validates the result before
// anything starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"pcp-archive-capture/pkg/types"
)

// DefaultArchiveDir is the platform archive directory fallback.
const DefaultArchiveDir = "/var/log/pcp/pmlogger"

// Config is the complete engine configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Discover DiscoverConfig `yaml:"discover"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LogConfig controls logging verbosity.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DiscoverConfig controls the discovery engine itself.
type DiscoverConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	Path           string        `yaml:"path"`
	ExcludeMetrics string        `yaml:"exclude_metrics"` // comma-separated name glob patterns
	ExcludeIndoms  string        `yaml:"exclude_indoms"`  // comma-separated domain.serial ids
	MaxInflightMon int           `yaml:"max_inflight_monitored"`
	MaxInflightReq int           `yaml:"max_inflight_requests"`
	PurgeInterval  time.Duration `yaml:"purge_interval"`
}

// MetricsConfig controls the prometheus listener.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// IsEnabled reports whether discovery runs; unset means enabled.
func (d *DiscoverConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// IsEnabled reports whether the metrics listener runs; unset means enabled.
func (m *MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Load reads the configuration file (optional), then applies defaults,
// environment overrides and validation.
func Load(configFile string) (*Config, error) {
	config := &Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

func applyDefaults(config *Config) {
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Discover.Path == "" {
		config.Discover.Path = DefaultArchiveDir
	}
	if config.Discover.MaxInflightMon == 0 {
		config.Discover.MaxInflightMon = 40
	}
	if config.Discover.MaxInflightReq == 0 {
		config.Discover.MaxInflightReq = 1000000
	}
	if config.Discover.PurgeInterval == 0 {
		config.Discover.PurgeInterval = 30 * time.Second
	}
	if config.Metrics.Listen == "" {
		config.Metrics.Listen = ":9309"
	}
}

func applyEnvironmentOverrides(config *Config) {
	if v := os.Getenv("CAPTURE_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("CAPTURE_DISCOVER_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			config.Discover.Enabled = &enabled
		}
	}
	if v := os.Getenv("CAPTURE_DISCOVER_PATH"); v != "" {
		config.Discover.Path = v
	}
	if v := os.Getenv("CAPTURE_METRICS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			config.Metrics.Enabled = &enabled
		}
	}
	if v := os.Getenv("CAPTURE_METRICS_LISTEN"); v != "" {
		config.Metrics.Listen = v
	}
}

// Validate rejects configurations that cannot possibly run.
func Validate(config *Config) error {
	if _, err := logrus.ParseLevel(config.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", config.Log.Level, err)
	}
	if config.Discover.IsEnabled() && config.Discover.Path == "" {
		return fmt.Errorf("discover.path must be set when discovery is enabled")
	}
	if config.Discover.MaxInflightMon < 0 || config.Discover.MaxInflightReq < 0 {
		return fmt.Errorf("inflight limits must be non-negative")
	}
	if _, err := config.Discover.ExcludeInDomIDs(); err != nil {
		return err
	}
	return nil
}

// ExcludeMetricPatterns returns the configured metric name glob patterns.
func (d *DiscoverConfig) ExcludeMetricPatterns() []string {
	return splitList(d.ExcludeMetrics)
}

// ExcludeInDomIDs parses the configured domain.serial instance domain ids.
func (d *DiscoverConfig) ExcludeInDomIDs() ([]types.InDom, error) {
	var indoms []types.InDom
	for _, item := range splitList(d.ExcludeIndoms) {
		parts := strings.SplitN(item, ".", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid indom id %q, want domain.serial", item)
		}
		domain, err := strconv.ParseUint(parts[0], 10, 9)
		if err != nil {
			return nil, fmt.Errorf("invalid indom domain in %q: %w", item, err)
		}
		serial, err := strconv.ParseUint(parts[1], 10, 22)
		if err != nil {
			return nil, fmt.Errorf("invalid indom serial in %q: %w", item, err)
		}
		indoms = append(indoms, types.MakeInDom(uint32(domain), uint32(serial)))
	}
	return indoms, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
