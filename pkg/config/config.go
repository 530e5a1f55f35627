// SPDX-License-Identifier: Apache-2.0

// Package config loads monitor configuration from defaults, an optional YAML
// file and PULSE_-prefixed environment variables, in that order of
// precedence (later wins).
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/modelpulse/pulse/pkg/health"
)

type Config struct {
	Log       LogConfig         `koanf:"log"`
	Telemetry TelemetryConfig   `koanf:"telemetry"`
	Store     StoreConfig       `koanf:"store"`
	Redis     RedisConfig       `koanf:"redis"`
	Monitor   MonitorConfig     `koanf:"monitor"`
	APIKeys   map[string]string `koanf:"api_keys"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type StoreConfig struct {
	Path                 string `koanf:"path"`
	HistoryRetentionDays int    `koanf:"history_retention_days"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type MonitorConfig struct {
	HealthCheckIntervalSeconds int     `koanf:"health_check_interval_seconds"`
	BatchSize                  int     `koanf:"batch_size"`
	MaxConcurrentChecks        int     `koanf:"max_concurrent_checks"`
	RedisCoordination          bool    `koanf:"redis_coordination"`
	FailureThreshold           int     `koanf:"failure_threshold"`
	SuccessThreshold           int     `koanf:"success_threshold"`
	HealthAlertThresholdPct    float64 `koanf:"health_alert_threshold_pct"`
	CacheTTLSeconds            int     `koanf:"cache_ttl_seconds"`

	// Seconds per tier; unset tiers fall back to the built-in tables.
	TierIntervals map[string]int `koanf:"per_tier_intervals"`
	TierTimeouts  map[string]int `koanf:"per_tier_timeouts"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.exporter", "stdout")

	k.Set("store.path", "pulse.db")
	k.Set("store.history_retention_days", 90)

	k.Set("redis.addr", "localhost:6379")
	k.Set("redis.db", 0)

	k.Set("monitor.health_check_interval_seconds", 300)
	k.Set("monitor.batch_size", 50)
	k.Set("monitor.max_concurrent_checks", 20)
	k.Set("monitor.redis_coordination", true)
	k.Set("monitor.failure_threshold", health.FailureThreshold)
	k.Set("monitor.success_threshold", health.SuccessThreshold)
	k.Set("monitor.health_alert_threshold_pct", 90.0)
	k.Set("monitor.cache_ttl_seconds", 360)

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV. Only the first underscore separates the section, so
	// PULSE_MONITOR_BATCH_SIZE -> monitor.batch_size.
	if err := k.Load(env.Provider("PULSE_", ".", func(s string) string {
		trimmed := strings.ToLower(strings.TrimPrefix(s, "PULSE_"))
		return strings.Replace(trimmed, "_", ".", 1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// CheckInterval returns the base scheduling interval.
func (m MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(m.HealthCheckIntervalSeconds) * time.Second
}

// CacheTTL returns the TTL applied to published cache documents. It must
// exceed the check interval or documents would expire between publications.
func (m MonitorConfig) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLSeconds) * time.Second
}

// TierInterval returns the configured probe interval for a tier, falling
// back to the built-in table.
func (m MonitorConfig) TierInterval(tier health.MonitoringTier) time.Duration {
	if secs, ok := m.TierIntervals[string(tier)]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return tier.Interval()
}

// TierTimeout returns the configured probe timeout for a tier, falling back
// to the built-in table.
func (m MonitorConfig) TierTimeout(tier health.MonitoringTier) time.Duration {
	if secs, ok := m.TierTimeouts[string(tier)]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return tier.Timeout()
}
