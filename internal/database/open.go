package database

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PoolConfig describes one relational pool
type PoolConfig struct {
	Name            string        `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	Driver          string        `mapstructure:"driver" yaml:"driver" json:"driver" validate:"required,oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn" json:"-" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime" validate:"gte=0"`
}

// Open connects a gorm handle for cfg with tuned pool settings
func Open(ctx context.Context, cfg PoolConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = openPostgres(ctx, cfg, gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.DSN), gormConfig)
	default:
		return nil, fmt.Errorf("pool %s: unsupported driver %q", cfg.Name, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect pool %s: %w", cfg.Name, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	maxOpen, maxIdle, lifetime := cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime
	if maxOpen == 0 {
		maxOpen = 50
	}
	if maxIdle == 0 {
		maxIdle = 10
	}
	if lifetime == 0 {
		lifetime = time.Hour
	}
	if cfg.Driver == "sqlite" {
		// in-memory sqlite is per connection
		maxOpen, maxIdle = 1, 1
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

// openPostgres builds a pgx pool and hands it to gorm through database/sql
func openPostgres(ctx context.Context, cfg PoolConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn: stdlib.OpenDBFromPool(pool),
	}), gormConfig)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

// RedisConfig holds the cache connection settings
type RedisConfig struct {
	Address    string        `mapstructure:"address" yaml:"address" json:"address"`
	Password   string        `mapstructure:"password" yaml:"password" json:"-"`
	DB         int           `mapstructure:"db" yaml:"db" json:"db" validate:"gte=0"`
	BalanceTTL time.Duration `mapstructure:"balance_ttl" yaml:"balance_ttl" json:"balance_ttl" validate:"gte=0"`
	// MarketDataTTL expires cached market data points; 0 keeps them
	MarketDataTTL time.Duration `mapstructure:"market_data_ttl" yaml:"market_data_ttl" json:"market_data_ttl" validate:"gte=0"`
}

// NewRedisClient creates a new Redis client and tests the connection
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisProbe adapts a Redis PING into a health probe
func RedisProbe(client redis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
