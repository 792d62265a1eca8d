package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	errs "github.com/Aidin1998/tiergate/pkg/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, DefaultTiers(), cfg.Tiers)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 100, cfg.Scheduler.MaxBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, "store", cfg.Scheduler.KindDependencies["balance-update"])
	assert.Equal(t, "store", cfg.Scheduler.KindDependencies["trade-execution"])
	assert.Equal(t, 5, cfg.Breakers.Default.FailureThreshold)
	assert.Equal(t, 2, cfg.Breakers.Default.MaxHalfOpenCalls)
	assert.Equal(t, 30*time.Second, cfg.Breakers.Default.OpenTimeout)
	assert.Equal(t, "sqlite", cfg.Pools.Write.Driver)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
tiers:
  - name: primary
    weight: 0.5
    rate_limit_per_minute: 100
    queue_capacity: 50
  - name: secondary
    weight: 0.25
    rate_limit_per_minute: 50
    queue_capacity: 50
  - name: trial
    weight: 0.25
    rate_limit_per_minute: 10
    aggregate_rate_limit_per_minute: 200
    queue_capacity: 10
scheduler:
  max_batch_size: 40
  min_batch_size: 5
  kind_dependencies:
    notification: slack
breakers:
  default:
    failure_threshold: 3
    open_timeout: 1s
  overrides:
    store:
      failure_threshold: 2
pools:
  write:
    name: main
    driver: postgres
    dsn: postgres://localhost/tiergate
  reads:
    - name: replica-a
      dsn: postgres://replica/tiergate
`)
	cfg, err := Load(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.Len(t, cfg.Tiers, 3)
	assert.Equal(t, 200, cfg.Tiers[2].AggregateRateLimitPerMinute)
	assert.Equal(t, 40, cfg.Scheduler.MaxBatchSize)
	assert.Equal(t, "slack", cfg.Scheduler.KindDependencies["notification"])
	assert.Equal(t, "store", cfg.Scheduler.KindDependencies["trade-execution"])

	store := cfg.Breakers.Overrides["store"]
	assert.Equal(t, 2, store.FailureThreshold)
	assert.Equal(t, 2, store.SuccessThreshold)
	assert.Equal(t, time.Second, store.OpenTimeout)

	require.Len(t, cfg.Pools.Reads, 1)
	assert.Equal(t, "postgres", cfg.Pools.Reads[0].Driver)

	queue := cfg.QueueTiers()
	assert.Equal(t, 0.5, queue[0].Weight)
	assert.Equal(t, 10, queue[2].Capacity)

	limits := cfg.LimiterConfig()
	assert.Equal(t, time.Minute, limits.Window)
	assert.Equal(t, 100, limits.Tiers[0].PerAccount)
	assert.Equal(t, 200, limits.Tiers[2].Aggregate)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TIERGATE_SCHEDULER_MAX_BATCH_SIZE", "64")
	t.Setenv("TIERGATE_SERVER_ADDRESS", ":9090")

	cfg, err := Load("", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Scheduler.MaxBatchSize)
	assert.Equal(t, ":9090", cfg.Server.Address)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), zaptest.NewLogger(t))
	assert.ErrorIs(t, err, errs.Config)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("", zaptest.NewLogger(t))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"weights do not sum to one", func(c *Config) { c.Tiers[0].Weight = 0.7 }},
		{"tiers out of order", func(c *Config) { c.Tiers[0], c.Tiers[1] = c.Tiers[1], c.Tiers[0] }},
		{"unknown tier", func(c *Config) { c.Tiers[2].Name = "gold" }},
		{"missing tier", func(c *Config) { c.Tiers = c.Tiers[:2] }},
		{"zero queue capacity", func(c *Config) { c.Tiers[1].QueueCapacity = 0 }},
		{"window shorter than a minute", func(c *Config) { c.RateLimit.Window = 10 * time.Second }},
		{"min above max batch", func(c *Config) { c.Scheduler.MinBatchSize = c.Scheduler.MaxBatchSize + 1 }},
		{"zero failure threshold", func(c *Config) { c.Breakers.Default.FailureThreshold = 0 }},
		{"zero open timeout", func(c *Config) { c.Breakers.Default.OpenTimeout = 0 }},
		{"no write dsn", func(c *Config) { c.Pools.Write.DSN = "" }},
		{"bad driver", func(c *Config) { c.Pools.Write.Driver = "mysql" }},
		{"duplicate pool", func(c *Config) {
			c.Pools.Reads = append(c.Pools.Reads, c.Pools.Write)
		}},
		{"latency alpha above one", func(c *Config) { c.Pools.LatencyAlpha = 1.5 }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.Config)
		})
	}

	assert.NoError(t, Validate(valid()))
}

func TestRender(t *testing.T) {
	cfg, err := Load("", zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := Render(cfg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Contains(t, decoded, "tiers")
	assert.Contains(t, decoded, "breakers")
	assert.Contains(t, string(out), "name: primary")
}
