package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Aidin1998/tiergate/internal/infrastructure/circuitbreaker"
	"github.com/Aidin1998/tiergate/internal/tier"
	errs "github.com/Aidin1998/tiergate/pkg/errors"
)

const envPrefix = "TIERGATE"

// DefaultPaths are searched, in order, when no explicit path is given
var DefaultPaths = []string{
	"./config.yaml",
	"./configs/config.yaml",
	"/etc/tiergate/config.yaml",
}

// Load reads configuration from the given file (or the default locations),
// applies TIERGATE_* environment overrides and defaults, and validates the result.
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	setupViper(v)

	if err := loadConfigFiles(v, path, logger); err != nil {
		return nil, errs.Config.Explain("failed to load config files").Wrap(err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Config.Explain("failed to unmarshal config").Wrap(err)
	}

	setDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setupViper configures viper settings
func setupViper(v *viper.Viper) {
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// registered keys so AutomaticEnv can see them
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("logging.compress", true)

	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.deferred_capacity", 10000)
	v.SetDefault("ratelimit.retry_interval", "500ms")
	v.SetDefault("ratelimit.sweep_interval", "1m")

	v.SetDefault("scheduler.max_batch_size", 100)
	v.SetDefault("scheduler.min_batch_size", 10)
	v.SetDefault("scheduler.tick_interval", "250ms")
	v.SetDefault("scheduler.max_parallel_groups", 4)

	v.SetDefault("breakers.default.failure_threshold", 5)
	v.SetDefault("breakers.default.success_threshold", 2)
	v.SetDefault("breakers.default.open_timeout", "30s")
	v.SetDefault("breakers.default.max_half_open_calls", 0)

	v.SetDefault("pools.write.name", "primary")
	v.SetDefault("pools.write.driver", "sqlite")
	v.SetDefault("pools.write.dsn", "tiergate.db")
	v.SetDefault("pools.write.max_open_conns", 0)
	v.SetDefault("pools.write.max_idle_conns", 0)
	v.SetDefault("pools.write.conn_max_lifetime", "1h")
	v.SetDefault("pools.probe_interval", "10s")
	v.SetDefault("pools.probe_timeout", "2s")
	v.SetDefault("pools.latency_alpha", 0.2)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.balance_ttl", "30s")
	v.SetDefault("redis.market_data_ttl", "5m")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "tiergate.notifications")
	v.SetDefault("kafka.write_timeout", "5s")

	v.SetDefault("health.interval", "15s")
	v.SetDefault("health.probe_timeout", "2s")

	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.metrics", false)
	v.SetDefault("telemetry.service_name", "tiergate")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("results.retention", "5m")
}

// loadConfigFiles merges the explicit file, or every default file that exists
func loadConfigFiles(v *viper.Viper, path string, logger *zap.Logger) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		logger.Info("Loaded configuration file", zap.String("path", path))
		return nil
	}

	var loadedFiles []string
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			logger.Debug("Config file not found, skipping", zap.String("path", p))
			continue
		}

		v.SetConfigFile(p)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", p, err)
		}
		loadedFiles = append(loadedFiles, p)
	}

	if len(loadedFiles) == 0 {
		logger.Warn("No configuration files found, using defaults and environment variables")
	} else {
		logger.Info("Loaded configuration files", zap.Strings("files", loadedFiles))
	}
	return nil
}

// setDefaults fills values viper cannot default, such as lists and maps
func setDefaults(cfg *Config) {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Scheduler.KindDependencies == nil {
		cfg.Scheduler.KindDependencies = make(map[string]string)
	}
	for kind, dep := range DefaultKindDependencies() {
		if _, ok := cfg.Scheduler.KindDependencies[kind]; !ok {
			cfg.Scheduler.KindDependencies[kind] = dep
		}
	}
	if cfg.Breakers.Default.MaxHalfOpenCalls == 0 {
		cfg.Breakers.Default.MaxHalfOpenCalls = cfg.Breakers.Default.SuccessThreshold
	}
	for name, o := range cfg.Breakers.Overrides {
		if o.FailureThreshold == 0 {
			o.FailureThreshold = cfg.Breakers.Default.FailureThreshold
		}
		if o.SuccessThreshold == 0 {
			o.SuccessThreshold = cfg.Breakers.Default.SuccessThreshold
		}
		if o.OpenTimeout == 0 {
			o.OpenTimeout = cfg.Breakers.Default.OpenTimeout
		}
		if o.MaxHalfOpenCalls == 0 {
			o.MaxHalfOpenCalls = o.SuccessThreshold
		}
		cfg.Breakers.Overrides[name] = o
	}
	for i := range cfg.Pools.Reads {
		if cfg.Pools.Reads[i].Driver == "" {
			cfg.Pools.Reads[i].Driver = cfg.Pools.Write.Driver
		}
	}
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules. Any failure is a
// startup-fatal Config error.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return errs.Config.Explain("validation failed").Wrap(err)
	}
	if err := validateCustomRules(cfg); err != nil {
		return errs.Config.Explain("custom validation failed").Wrap(err)
	}
	return nil
}

// validateCustomRules performs additional custom validation
func validateCustomRules(cfg *Config) error {
	if len(cfg.Tiers) != len(tier.All) {
		return fmt.Errorf("expected %d tiers, got %d", len(tier.All), len(cfg.Tiers))
	}
	sum := 0.0
	for i, t := range cfg.Tiers {
		parsed, err := tier.Parse(t.Name)
		if err != nil {
			return err
		}
		if parsed != tier.Tier(i) {
			return fmt.Errorf("tier %q listed at position %d, tiers must be in priority order %v", t.Name, i, tier.All)
		}
		sum += t.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("tier weights sum to %v, want 1.0", sum)
	}

	// limits are per minute; a shorter window would admit more than that in any 60s span
	if cfg.RateLimit.Window < time.Minute {
		return fmt.Errorf("ratelimit window %s is shorter than the per-minute limits it enforces", cfg.RateLimit.Window)
	}

	if cfg.Scheduler.MinBatchSize > cfg.Scheduler.MaxBatchSize {
		return fmt.Errorf("min_batch_size %d exceeds max_batch_size %d", cfg.Scheduler.MinBatchSize, cfg.Scheduler.MaxBatchSize)
	}
	for kind, dep := range cfg.Scheduler.KindDependencies {
		if kind == "" || dep == "" {
			return fmt.Errorf("kind_dependencies entries must be non-empty")
		}
	}

	if err := validateBreaker("default", cfg.Breakers.Default); err != nil {
		return err
	}
	for name, o := range cfg.Breakers.Overrides {
		if err := validateBreaker(name, o); err != nil {
			return err
		}
	}

	names := map[string]bool{cfg.Pools.Write.Name: true}
	for _, r := range cfg.Pools.Reads {
		if names[r.Name] {
			return fmt.Errorf("duplicate pool name %q", r.Name)
		}
		names[r.Name] = true
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("Kafka is enabled but no brokers are configured")
		}
		if cfg.Kafka.Topic == "" {
			return fmt.Errorf("Kafka is enabled but no topic is configured")
		}
	}
	return nil
}

func validateBreaker(name string, c circuitbreaker.Config) error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("breaker %s: failure_threshold must be at least 1", name)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("breaker %s: success_threshold must be at least 1", name)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("breaker %s: open_timeout must be positive", name)
	}
	return nil
}

// Render returns the effective configuration as YAML
func Render(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
