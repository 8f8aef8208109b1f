package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	SpoolDir  string          `toml:"spool_dir"`
	Source    string          `toml:"source"`
	Chat      ChatConfig      `toml:"chat"`
	Auth      AuthConfig      `toml:"auth"`
	Webhook   WebhookConfig   `toml:"webhook"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Circuit   CircuitConfig   `toml:"circuit"`
	Retry     RetryConfig     `toml:"retry"`
	Recovery  RecoveryConfig  `toml:"recovery"`
	Memory    MemoryConfig    `toml:"memory"`
	HeapDumps HeapDumpsConfig `toml:"heap_dumps"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Log       LogConfig       `toml:"log"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ChatConfig struct {
	BotToken      string `toml:"bot_token"`
	DefaultTarget string `toml:"default_target"`
	APIBase       string `toml:"api_base"`
}

type AuthConfig struct {
	Enabled bool   `toml:"enabled"`
	APIKey  string `toml:"api_key"`
	Header  string `toml:"header"`
}

type WebhookConfig struct {
	Addr           string `toml:"addr"`
	ReadTimeoutMS  int    `toml:"read_timeout_ms"`
	WriteTimeoutMS int    `toml:"write_timeout_ms"`
	MaxBodyBytes   int64  `toml:"max_body_bytes"`
}

type RateLimitConfig struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
	HighWater int     `toml:"high_water"`
}

type CircuitConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	FailureWindowSec int `toml:"failure_window_sec"`
	CooldownSec      int `toml:"cooldown_sec"`
	MaxCooldownSec   int `toml:"max_cooldown_sec"`
}

type RetryConfig struct {
	MaxAttempts int     `toml:"max_attempts"`
	BaseDelayMS int     `toml:"base_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
	MaxDelayMS  int     `toml:"max_delay_ms"`
}

type RecoveryConfig struct {
	MaxActive int `toml:"max_active"`
}

type MemoryConfig struct {
	IntervalSec    int     `toml:"interval_sec"`
	HeapCapMB      float64 `toml:"heap_cap_mb"`
	GrowthMBPerMin float64 `toml:"growth_mb_per_min"`
	FileCountMax   int64   `toml:"file_count_max"`
}

type HeapDumpsConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
	Max     int    `toml:"max"`
}

type BridgeConfig struct {
	Command           []string `toml:"command"`
	HealthURL         string   `toml:"health_url"`
	StartupTimeoutSec int      `toml:"startup_timeout_sec"`
	HealthIntervalSec int      `toml:"health_interval_sec"`
	MaxRestarts       int      `toml:"max_restarts"`
	RestartWindowSec  int      `toml:"restart_window_sec"`
}

type LogConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"` // text | json
	RedactKeys []string `toml:"redact_keys"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	base := filepath.Join(home, ".bridgekeeper")
	return Config{
		SpoolDir: filepath.Join(base, "spool"),
		Source:   "bridgekeeper",
		Auth:     AuthConfig{Enabled: true, Header: "X-API-Key"},
		Webhook: WebhookConfig{
			Addr:           "127.0.0.1:8447",
			ReadTimeoutMS:  5000,
			WriteTimeoutMS: 10000,
			MaxBodyBytes:   1 << 20,
		},
		RateLimit: RateLimitConfig{PerSecond: 1, Burst: 5, HighWater: 32},
		Circuit:   CircuitConfig{FailureThreshold: 5, FailureWindowSec: 60, CooldownSec: 30, MaxCooldownSec: 600},
		Retry:     RetryConfig{MaxAttempts: 3, BaseDelayMS: 1000, Multiplier: 2.0, MaxDelayMS: 30000},
		Recovery:  RecoveryConfig{MaxActive: 3},
		Memory:    MemoryConfig{IntervalSec: 30, HeapCapMB: 50, GrowthMBPerMin: 10, FileCountMax: 1000},
		HeapDumps: HeapDumpsConfig{Dir: filepath.Join(base, "heapdumps"), Max: 3},
		Bridge: BridgeConfig{
			StartupTimeoutSec: 30,
			HealthIntervalSec: 15,
			MaxRestarts:       5,
			RestartWindowSec:  300,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			RedactKeys: []string{"api_key", "bot_token", "authorization"},
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "bridgekeeper.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("BRIDGEKEEPER_SPOOL_DIR"); v != "" {
		cfg.SpoolDir = v
	}
	if v := os.Getenv("BRIDGEKEEPER_BOT_TOKEN"); v != "" {
		cfg.Chat.BotToken = v
	}
	if v := os.Getenv("BRIDGEKEEPER_CHAT_TARGET"); v != "" {
		cfg.Chat.DefaultTarget = v
	}
	if v := os.Getenv("BRIDGEKEEPER_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("BRIDGEKEEPER_WEBHOOK_ADDR"); v != "" {
		cfg.Webhook.Addr = v
	}
	if v := os.Getenv("BRIDGEKEEPER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BRIDGEKEEPER_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("BRIDGEKEEPER_HEAP_DUMPS"); v == "true" || v == "1" {
		cfg.HeapDumps.Enabled = true
	}
	if v := os.Getenv("BRIDGEKEEPER_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RateLimit.PerSecond = f
		}
	}

	return cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	if c.SpoolDir == "" {
		return fmt.Errorf("spool_dir is required")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when auth is enabled (or set BRIDGEKEEPER_API_KEY)")
	}
	if c.Webhook.Addr == "" {
		return fmt.Errorf("webhook.addr is required")
	}
	if c.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("rate_limit.per_second must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Durations derived from the integer fields.
func (c CircuitConfig) Window() time.Duration      { return time.Duration(c.FailureWindowSec) * time.Second }
func (c CircuitConfig) CooldownDur() time.Duration { return time.Duration(c.CooldownSec) * time.Second }
func (c CircuitConfig) MaxCooldownDur() time.Duration {
	return time.Duration(c.MaxCooldownSec) * time.Second
}
func (c RetryConfig) BaseDelay() time.Duration { return time.Duration(c.BaseDelayMS) * time.Millisecond }
func (c RetryConfig) MaxDelay() time.Duration  { return time.Duration(c.MaxDelayMS) * time.Millisecond }
func (c MemoryConfig) Interval() time.Duration { return time.Duration(c.IntervalSec) * time.Second }
func (c BridgeConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSec) * time.Second
}
func (c BridgeConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSec) * time.Second
}
func (c BridgeConfig) RestartWindow() time.Duration {
	return time.Duration(c.RestartWindowSec) * time.Second
}
