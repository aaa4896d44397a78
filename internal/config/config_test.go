package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcp-archive-capture/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Discover.IsEnabled())
	assert.Equal(t, DefaultArchiveDir, cfg.Discover.Path)
	assert.Equal(t, 40, cfg.Discover.MaxInflightMon)
	assert.Equal(t, 1000000, cfg.Discover.MaxInflightReq)
	assert.Equal(t, 30*time.Second, cfg.Discover.PurgeInterval)
	assert.True(t, cfg.Metrics.IsEnabled())
	assert.Equal(t, ":9309", cfg.Metrics.Listen)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log:
  level: debug
discover:
  enabled: false
  path: /srv/archives
  exclude_metrics: "proc.*, kernel.percpu.*"
  exclude_indoms: "60.2,79.1"
metrics:
  listen: :9999
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Discover.IsEnabled())
	assert.Equal(t, "/srv/archives", cfg.Discover.Path)
	assert.Equal(t, []string{"proc.*", "kernel.percpu.*"}, cfg.Discover.ExcludeMetricPatterns())

	indoms, err := cfg.Discover.ExcludeInDomIDs()
	require.NoError(t, err)
	assert.Equal(t, []types.InDom{types.MakeInDom(60, 2), types.MakeInDom(79, 1)}, indoms)

	assert.Equal(t, ":9999", cfg.Metrics.Listen)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CAPTURE_LOG_LEVEL", "warning")
	t.Setenv("CAPTURE_DISCOVER_ENABLED", "false")
	t.Setenv("CAPTURE_DISCOVER_PATH", "/mnt/archives")
	t.Setenv("CAPTURE_METRICS_LISTEN", ":7777")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warning", cfg.Log.Level)
	assert.False(t, cfg.Discover.IsEnabled())
	assert.Equal(t, "/mnt/archives", cfg.Discover.Path)
	assert.Equal(t, ":7777", cfg.Metrics.Listen)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Log.Level = "noisy"
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadInDom(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Discover.ExcludeIndoms = "sixty.two"
	assert.Error(t, Validate(cfg))

	cfg.Discover.ExcludeIndoms = "60"
	assert.Error(t, Validate(cfg))
}

func TestExcludeListsEmpty(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	assert.Empty(t, cfg.Discover.ExcludeMetricPatterns())
	indoms, err := cfg.Discover.ExcludeInDomIDs()
	require.NoError(t, err)
	assert.Empty(t, indoms)
}
