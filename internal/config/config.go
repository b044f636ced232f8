// Package config assembles the flat, validated configuration NOXTERM is
// started with: one YAML file (optional) layered with NOXTERM_* environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Limits are the resource caps applied to every container at create time.
type Limits struct {
	MemoryBytes int64   `yaml:"memory_bytes"`
	CPUFraction float64 `yaml:"cpu_fraction"`
	PidsCap     int64   `yaml:"pids_cap"`
}

// Quotas bound how many sessions a tenant or client may hold or create.
type Quotas struct {
	MaxPerTenant      int `yaml:"max_per_tenant"`
	MaxTotal          int `yaml:"max_total"`
	SessionCreateRate int `yaml:"session_create_rate"` // requests per window
	SessionCreateWindowSecs int `yaml:"session_create_window_secs"`
}

// Timings are the lifecycle/period seconds named in spec §5 and §6.
type Timings struct {
	GraceSecs        int `yaml:"grace_secs"`
	IdleSecs         int `yaml:"idle_secs"`
	MaxLifetimeSecs  int `yaml:"max_lifetime_secs"`
	ExpirySweepSecs  int `yaml:"expiry_sweep_secs"`
	HealthProbeSecs  int `yaml:"health_probe_secs"`
	MetricsFlushSecs int `yaml:"metrics_flush_secs"`
	OrphanSweepSecs  int `yaml:"orphan_sweep_secs"`
	TouchBatchSecs   int `yaml:"touch_batch_secs"`
}

// Egress configures the anonymizing SOCKS relay facade.
type Egress struct {
	Enabled       bool   `yaml:"enabled"`
	AutoStart     bool   `yaml:"auto_start"`
	BinaryPath    string `yaml:"binary_path"`
	SocksPort     int    `yaml:"socks_port"`
	ControlPort   int    `yaml:"control_port"`
	StartTimeoutSecs int `yaml:"start_timeout_secs"`
}

type Config struct {
	Listen        string   `yaml:"listen"`
	APIKey        string   `yaml:"api_key"`
	DefaultImage  string   `yaml:"default_image"`
	AllowedImages []string `yaml:"allowed_images"`

	DBPath       string `yaml:"db_path"`
	DBMaxConns   int    `yaml:"db_max_conns"`

	Limits  Limits  `yaml:"limits"`
	Quotas  Quotas  `yaml:"quotas"`
	Timings Timings `yaml:"timings"`
	Egress  Egress  `yaml:"egress"`

	ProvisionPackages []string `yaml:"provision_packages"`
	LogFormat         string   `yaml:"log_format"` // "json" (default) or "text"
}

// Load reads yamlPath (if present) over a set of defaults, then applies
// environment overrides. A missing file is not an error.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:        "0.0.0.0:8080",
		DefaultImage:  "ubuntu:22.04",
		AllowedImages: []string{"ubuntu:22.04", "ubuntu:24.04", "debian:12"},
		DBPath:        "./noxterm.db",
		DBMaxConns:    20,
		Limits: Limits{
			MemoryBytes: 512 * 1024 * 1024,
			CPUFraction: 1.0,
			PidsCap:     256,
		},
		Quotas: Quotas{
			MaxPerTenant:            3,
			MaxTotal:                0, // loaded only; no admission check reads it, so the total is unbounded
			SessionCreateRate:       10,
			SessionCreateWindowSecs: 60,
		},
		Timings: Timings{
			GraceSecs:        300,
			IdleSecs:         600,
			MaxLifetimeSecs:  0,
			ExpirySweepSecs:  60,
			HealthProbeSecs:  30,
			MetricsFlushSecs: 15,
			OrphanSweepSecs:  300,
			TouchBatchSecs:   5,
		},
		Egress: Egress{
			Enabled:          false,
			AutoStart:        false,
			BinaryPath:       "anon-relay",
			SocksPort:        9050,
			ControlPort:      9051,
			StartTimeoutSecs: 30,
		},
		ProvisionPackages: []string{"nano", "vim", "curl", "wget", "git", "htop"},
		LogFormat:         "json",
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NOXTERM_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("NOXTERM_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("NOXTERM_DEFAULT_IMAGE"); v != "" {
		cfg.DefaultImage = v
	}
	if v := os.Getenv("NOXTERM_ALLOWED_IMAGES"); v != "" {
		cfg.AllowedImages = strings.Split(v, ",")
	}
	if v := os.Getenv("NOXTERM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NOXTERM_DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBMaxConns = n
		}
	}
	if v := os.Getenv("NOXTERM_MEMORY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Limits.MemoryBytes = n
		}
	}
	if v := os.Getenv("NOXTERM_CPU_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Limits.CPUFraction = f
		}
	}
	if v := os.Getenv("NOXTERM_PIDS_CAP"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Limits.PidsCap = n
		}
	}
	if v := os.Getenv("NOXTERM_MAX_PER_TENANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quotas.MaxPerTenant = n
		}
	}
	if v := os.Getenv("NOXTERM_MAX_TOTAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quotas.MaxTotal = n
		}
	}
	if v := os.Getenv("NOXTERM_SESSION_CREATE_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quotas.SessionCreateRate = n
		}
	}
	if v := os.Getenv("NOXTERM_GRACE_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timings.GraceSecs = n
		}
	}
	if v := os.Getenv("NOXTERM_IDLE_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timings.IdleSecs = n
		}
	}
	if v := os.Getenv("NOXTERM_MAX_LIFETIME_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timings.MaxLifetimeSecs = n
		}
	}
	if v := os.Getenv("NOXTERM_EGRESS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Egress.Enabled = b
		}
	}
	if v := os.Getenv("NOXTERM_EGRESS_AUTO_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Egress.AutoStart = b
		}
	}
	if v := os.Getenv("NOXTERM_EGRESS_BINARY_PATH"); v != "" {
		cfg.Egress.BinaryPath = v
	}
	if v := os.Getenv("NOXTERM_EGRESS_SOCKS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Egress.SocksPort = n
		}
	}
	if v := os.Getenv("NOXTERM_EGRESS_CONTROL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Egress.ControlPort = n
		}
	}
	if v := os.Getenv("NOXTERM_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

// Validate enforces the non-negotiable sanity checks from Design Notes §9
// ("Unstructured environment-driven config"). It returns an error only for
// conditions that make the server unable to start; production-mode
// weaknesses are reported via Warnings instead of failing.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.Limits.MemoryBytes < 64*1024*1024 {
		return fmt.Errorf("config: memory limit must be >= 64MiB, got %d", c.Limits.MemoryBytes)
	}
	if len(c.AllowedImages) == 0 {
		return fmt.Errorf("config: allowed_images must not be empty")
	}
	if c.Quotas.MaxPerTenant <= 0 {
		return fmt.Errorf("config: quotas.max_per_tenant must be positive")
	}
	if c.Egress.Enabled {
		if c.Egress.SocksPort == 0 || c.Egress.ControlPort == 0 {
			return fmt.Errorf("config: egress.enabled requires non-zero socks_port and control_port")
		}
	}
	return nil
}

// Warnings returns human-readable production-mode warnings for settings
// that are valid but risky, logged (not fatal) at startup.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.APIKey == "" {
		warnings = append(warnings, "api_key is empty: all endpoints are unauthenticated")
	}
	if c.Quotas.SessionCreateRate <= 0 {
		warnings = append(warnings, "quotas.session_create_rate disabled: rate limiting is off")
	}
	return warnings
}
