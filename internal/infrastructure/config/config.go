// Package config loads and validates the tiergate configuration.
package config

import (
	"time"

	"github.com/Aidin1998/tiergate/internal/database"
	"github.com/Aidin1998/tiergate/internal/infrastructure/circuitbreaker"
	"github.com/Aidin1998/tiergate/internal/infrastructure/health"
	"github.com/Aidin1998/tiergate/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/tiergate/internal/orderqueue"
	"github.com/Aidin1998/tiergate/pkg/logger"
)

// Config is the full process configuration. It is loaded once at startup
// and never changes afterwards.
type Config struct {
	Logging   logger.Config        `mapstructure:"logging" yaml:"logging" json:"logging"`
	Tiers     []TierConfig         `mapstructure:"tiers" yaml:"tiers" json:"tiers" validate:"required,min=1,dive"`
	RateLimit RateLimitConfig      `mapstructure:"ratelimit" yaml:"ratelimit" json:"ratelimit"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler" yaml:"scheduler" json:"scheduler"`
	Breakers  BreakersConfig       `mapstructure:"breakers" yaml:"breakers" json:"breakers"`
	Pools     PoolsConfig          `mapstructure:"pools" yaml:"pools" json:"pools"`
	Redis     database.RedisConfig `mapstructure:"redis" yaml:"redis" json:"redis"`
	Kafka     KafkaConfig          `mapstructure:"kafka" yaml:"kafka" json:"kafka"`
	Health    health.Config        `mapstructure:"health" yaml:"health" json:"health"`
	Telemetry TelemetryConfig      `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`
	Server    ServerConfig         `mapstructure:"server" yaml:"server" json:"server"`
	Results   ResultsConfig        `mapstructure:"results" yaml:"results" json:"results"`
}

// TierConfig sizes one funding tier. Tiers are listed in priority order.
type TierConfig struct {
	Name                        string  `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	Weight                      float64 `mapstructure:"weight" yaml:"weight" json:"weight" validate:"gte=0,lte=1"`
	RateLimitPerMinute          int     `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute" json:"rate_limit_per_minute" validate:"gte=1"`
	AggregateRateLimitPerMinute int     `mapstructure:"aggregate_rate_limit_per_minute" yaml:"aggregate_rate_limit_per_minute" json:"aggregate_rate_limit_per_minute" validate:"gte=0"`
	QueueCapacity               int     `mapstructure:"queue_capacity" yaml:"queue_capacity" json:"queue_capacity" validate:"gte=1"`
}

// RateLimitConfig configures the admission windows and the deferred retry queue
type RateLimitConfig struct {
	Window           time.Duration `mapstructure:"window" yaml:"window" json:"window" validate:"gt=0"`
	DeferredCapacity int           `mapstructure:"deferred_capacity" yaml:"deferred_capacity" json:"deferred_capacity" validate:"gte=0"`
	RetryInterval    time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" json:"retry_interval" validate:"gt=0"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" json:"sweep_interval" validate:"gt=0"`
}

// SchedulerConfig configures batch assembly and grouped dispatch
type SchedulerConfig struct {
	MaxBatchSize      int               `mapstructure:"max_batch_size" yaml:"max_batch_size" json:"max_batch_size" validate:"gte=1"`
	MinBatchSize      int               `mapstructure:"min_batch_size" yaml:"min_batch_size" json:"min_batch_size" validate:"gte=1"`
	TickInterval      time.Duration     `mapstructure:"tick_interval" yaml:"tick_interval" json:"tick_interval" validate:"gt=0"`
	MaxParallelGroups int               `mapstructure:"max_parallel_groups" yaml:"max_parallel_groups" json:"max_parallel_groups" validate:"gte=1"`
	KindDependencies  map[string]string `mapstructure:"kind_dependencies" yaml:"kind_dependencies" json:"kind_dependencies"`
}

// BreakersConfig holds default breaker thresholds plus per-dependency overrides
type BreakersConfig struct {
	Default   circuitbreaker.Config            `mapstructure:"default" yaml:"default" json:"default"`
	Overrides map[string]circuitbreaker.Config `mapstructure:"overrides" yaml:"overrides" json:"overrides"`
}

// PoolsConfig describes the write pool, the read pools and the probe loop
type PoolsConfig struct {
	Write         database.PoolConfig   `mapstructure:"write" yaml:"write" json:"write"`
	Reads         []database.PoolConfig `mapstructure:"reads" yaml:"reads" json:"reads" validate:"dive"`
	ProbeInterval time.Duration         `mapstructure:"probe_interval" yaml:"probe_interval" json:"probe_interval" validate:"gt=0"`
	ProbeTimeout  time.Duration         `mapstructure:"probe_timeout" yaml:"probe_timeout" json:"probe_timeout" validate:"gt=0"`
	LatencyAlpha  float64               `mapstructure:"latency_alpha" yaml:"latency_alpha" json:"latency_alpha" validate:"gt=0,lte=1"`
}

// RouterConfig extracts the router settings
func (p PoolsConfig) RouterConfig() database.RouterConfig {
	return database.RouterConfig{
		ProbeInterval: p.ProbeInterval,
		ProbeTimeout:  p.ProbeTimeout,
		LatencyAlpha:  p.LatencyAlpha,
	}
}

// KafkaConfig configures the notification publisher
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers" json:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic" json:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
}

// TelemetryConfig toggles the OpenTelemetry exporters
type TelemetryConfig struct {
	Tracing     bool   `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	Metrics     bool   `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
}

// ServerConfig configures the status API
type ServerConfig struct {
	Address         string        `mapstructure:"address" yaml:"address" json:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`
}

// ResultsConfig bounds how long unclaimed results are kept
type ResultsConfig struct {
	Retention time.Duration `mapstructure:"retention" yaml:"retention" json:"retention" validate:"gt=0"`
}

// DefaultKindDependencies maps the built-in operation kinds to breaker names
func DefaultKindDependencies() map[string]string {
	return map[string]string{
		"balance-update":    "store",
		"trade-execution":   "store",
		"market-data-write": "cache",
		"notification":      "notifier",
	}
}

// DefaultTiers returns the built-in three-tier layout
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "primary", Weight: 0.6, RateLimitPerMinute: 600, QueueCapacity: 10000},
		{Name: "secondary", Weight: 0.3, RateLimitPerMinute: 300, QueueCapacity: 5000},
		{Name: "trial", Weight: 0.1, RateLimitPerMinute: 60, QueueCapacity: 1000},
	}
}

// QueueTiers converts the tier list for the priority queue
func (c *Config) QueueTiers() []orderqueue.TierConfig {
	out := make([]orderqueue.TierConfig, len(c.Tiers))
	for i, t := range c.Tiers {
		out[i] = orderqueue.TierConfig{Weight: t.Weight, Capacity: t.QueueCapacity}
	}
	return out
}

// LimiterConfig converts the tier list and ratelimit section for the limiter
func (c *Config) LimiterConfig() ratelimit.Config {
	limits := make([]ratelimit.TierLimit, len(c.Tiers))
	for i, t := range c.Tiers {
		limits[i] = ratelimit.TierLimit{PerAccount: t.RateLimitPerMinute, Aggregate: t.AggregateRateLimitPerMinute}
	}
	return ratelimit.Config{
		Window:           c.RateLimit.Window,
		Tiers:            limits,
		DeferredCapacity: c.RateLimit.DeferredCapacity,
	}
}
