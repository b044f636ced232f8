package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Listen)
	assert.Equal(t, "ubuntu:22.04", cfg.DefaultImage)
	assert.Equal(t, "./noxterm.db", cfg.DBPath)
	assert.Equal(t, 3, cfg.Quotas.MaxPerTenant)
	assert.Equal(t, int64(512*1024*1024), cfg.Limits.MemoryBytes)
	assert.Equal(t, 300, cfg.Timings.GraceSecs)
	assert.False(t, cfg.Egress.Enabled)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
listen: "0.0.0.0:9090"
api_key: "sk-test"
default_image: "debian:12"
quotas:
  max_per_tenant: 5
limits:
  memory_bytes: 1073741824
egress:
  enabled: true
  socks_port: 9050
  control_port: 9051
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, "debian:12", cfg.DefaultImage)
	assert.Equal(t, 5, cfg.Quotas.MaxPerTenant)
	assert.Equal(t, int64(1073741824), cfg.Limits.MemoryBytes)
	assert.True(t, cfg.Egress.Enabled)
}

func TestLoadYAMLMissingFileIsNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/path/noxterm.yaml")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Listen)
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{{{{invalid yaml"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NOXTERM_LISTEN", "0.0.0.0:7777")
	t.Setenv("NOXTERM_API_KEY", "env-key")
	t.Setenv("NOXTERM_DEFAULT_IMAGE", "debian:12")
	t.Setenv("NOXTERM_ALLOWED_IMAGES", "img1,img2,img3")
	t.Setenv("NOXTERM_DB_PATH", "/tmp/test.db")
	t.Setenv("NOXTERM_MAX_PER_TENANT", "9")
	t.Setenv("NOXTERM_MEMORY_BYTES", "268435456")
	t.Setenv("NOXTERM_CPU_FRACTION", "0.5")
	t.Setenv("NOXTERM_GRACE_SECS", "120")
	t.Setenv("NOXTERM_EGRESS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7777", cfg.Listen)
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "debian:12", cfg.DefaultImage)
	assert.Equal(t, []string{"img1", "img2", "img3"}, cfg.AllowedImages)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, 9, cfg.Quotas.MaxPerTenant)
	assert.Equal(t, int64(268435456), cfg.Limits.MemoryBytes)
	assert.Equal(t, 0.5, cfg.Limits.CPUFraction)
	assert.Equal(t, 120, cfg.Timings.GraceSecs)
	assert.True(t, cfg.Egress.Enabled)
}

func TestEnvOverridesYAML(t *testing.T) {
	yamlContent := `
listen: "127.0.0.1:8080"
api_key: "yaml-key"
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	t.Setenv("NOXTERM_API_KEY", "env-key")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestEnvOverrideInvalidValuesAreIgnored(t *testing.T) {
	t.Setenv("NOXTERM_MAX_PER_TENANT", "not-a-number")
	t.Setenv("NOXTERM_CPU_FRACTION", "not-a-float")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Quotas.MaxPerTenant)
	assert.Equal(t, 1.0, cfg.Limits.CPUFraction)
}

func TestValidateRejectsEmptyListen(t *testing.T) {
	cfg := &Config{AllowedImages: []string{"x"}, Quotas: Quotas{MaxPerTenant: 1}, Limits: Limits{MemoryBytes: 128 * 1024 * 1024}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsLowMemory(t *testing.T) {
	cfg := &Config{Listen: "x", AllowedImages: []string{"x"}, Quotas: Quotas{MaxPerTenant: 1}, Limits: Limits{MemoryBytes: 1024}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresEgressPortsWhenEnabled(t *testing.T) {
	cfg := &Config{
		Listen:        "x",
		AllowedImages: []string{"x"},
		Quotas:        Quotas{MaxPerTenant: 1},
		Limits:        Limits{MemoryBytes: 128 * 1024 * 1024},
		Egress:        Egress{Enabled: true},
	}
	assert.Error(t, cfg.Validate())
}

func TestWarningsFlagsEmptyAPIKeyAndDisabledRateLimit(t *testing.T) {
	cfg := &Config{Quotas: Quotas{SessionCreateRate: 0}}
	warnings := cfg.Warnings()
	assert.Len(t, warnings, 2)
}
