// Package config loads the orchestration core's configuration: the
// retry/breaker/health/cache/queue/self-heal field set enumerated in
// spec.md §6, with viper supplying defaults, file, and environment
// variable overrides.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RetryConfig mirrors spec.md §6's retry.* fields.
type RetryConfig struct {
	BaseDelayMs int     `mapstructure:"base_delay_ms"`
	MaxDelayMs  int     `mapstructure:"max_delay_ms"`
	MaxRetries  int     `mapstructure:"max_retries"`
	Jitter      float64 `mapstructure:"jitter"`
	Policy      string  `mapstructure:"policy"`
	DedupTTLMs  int     `mapstructure:"dedup_ttl_ms"`
}

// BreakerConfig mirrors spec.md §6's breaker.* fields.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	WindowMs         int `mapstructure:"window_ms"`
	OpenTimeoutMs    int `mapstructure:"open_timeout_ms"`
	HalfOpenTrials   int `mapstructure:"half_open_trials"`
}

// HealthConfig mirrors spec.md §6's health.* fields.
type HealthConfig struct {
	Degraded        float64 `mapstructure:"degraded"`
	Healthy         float64 `mapstructure:"healthy"`
	CheckIntervalMs int     `mapstructure:"check_interval_ms"`
}

// CacheConfig mirrors spec.md §6's cache.* fields.
type CacheConfig struct {
	Capacity       int  `mapstructure:"capacity"`
	DefaultTTLMs   int  `mapstructure:"default_ttl_ms"`
	StaleTTLMs     int  `mapstructure:"stale_ttl_ms"`
	PersistEnabled bool `mapstructure:"persist_enabled"`
}

// QueueConfig mirrors spec.md §6's queue.* fields.
type QueueConfig struct {
	Concurrency       int `mapstructure:"concurrency"`
	PollIntervalMs    int `mapstructure:"poll_interval_ms"`
	PersistIntervalMs int `mapstructure:"persist_interval_ms"`
	MaxSize           int `mapstructure:"max_size"`
}

// SelfHealConfig mirrors spec.md §6's self_heal.* fields.
type SelfHealConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	AutoRecover bool `mapstructure:"auto_recover"`
	HistoryCap  int  `mapstructure:"history_cap"`
}

// Config is the orchestration core's full configuration tree.
type Config struct {
	Retry    RetryConfig    `mapstructure:"retry"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Health   HealthConfig   `mapstructure:"health"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Queue    QueueConfig    `mapstructure:"queue"`
	SelfHeal SelfHealConfig `mapstructure:"self_heal"`
}

// Default returns spec.md §6's literal defaults.
func Default() Config {
	return Config{
		Retry: RetryConfig{
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
			MaxRetries:  5,
			Jitter:      0.3,
			Policy:      "exponential",
			DedupTTLMs:  60000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			WindowMs:         10000,
			OpenTimeoutMs:    60000,
			HalfOpenTrials:   3,
		},
		Health: HealthConfig{
			Degraded:        0.5,
			Healthy:         0.8,
			CheckIntervalMs: 30000,
		},
		Cache: CacheConfig{
			Capacity:       1000,
			DefaultTTLMs:   3600000,
			StaleTTLMs:     300000,
			PersistEnabled: true,
		},
		Queue: QueueConfig{
			Concurrency:       3,
			PollIntervalMs:    100,
			PersistIntervalMs: 5000,
			MaxSize:           10000,
		},
		SelfHeal: SelfHealConfig{
			Enabled:     true,
			AutoRecover: true,
			HistoryCap:  1000,
		},
	}
}

// Load reads configuration from configPath (if non-empty and present),
// environment variables (prefixed ORCHESTRATOR_, "." replaced with "_"),
// and finally spec.md §6's defaults for anything left unset.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("orchestrator")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("retry.base_delay_ms", d.Retry.BaseDelayMs)
	v.SetDefault("retry.max_delay_ms", d.Retry.MaxDelayMs)
	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("retry.policy", d.Retry.Policy)
	v.SetDefault("retry.dedup_ttl_ms", d.Retry.DedupTTLMs)

	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.window_ms", d.Breaker.WindowMs)
	v.SetDefault("breaker.open_timeout_ms", d.Breaker.OpenTimeoutMs)
	v.SetDefault("breaker.half_open_trials", d.Breaker.HalfOpenTrials)

	v.SetDefault("health.degraded", d.Health.Degraded)
	v.SetDefault("health.healthy", d.Health.Healthy)
	v.SetDefault("health.check_interval_ms", d.Health.CheckIntervalMs)

	v.SetDefault("cache.capacity", d.Cache.Capacity)
	v.SetDefault("cache.default_ttl_ms", d.Cache.DefaultTTLMs)
	v.SetDefault("cache.stale_ttl_ms", d.Cache.StaleTTLMs)
	v.SetDefault("cache.persist_enabled", d.Cache.PersistEnabled)

	v.SetDefault("queue.concurrency", d.Queue.Concurrency)
	v.SetDefault("queue.poll_interval_ms", d.Queue.PollIntervalMs)
	v.SetDefault("queue.persist_interval_ms", d.Queue.PersistIntervalMs)
	v.SetDefault("queue.max_size", d.Queue.MaxSize)

	v.SetDefault("self_heal.enabled", d.SelfHeal.Enabled)
	v.SetDefault("self_heal.auto_recover", d.SelfHeal.AutoRecover)
	v.SetDefault("self_heal.history_cap", d.SelfHeal.HistoryCap)
}

// Millis converts a millisecond count from the wire config format to a
// time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
