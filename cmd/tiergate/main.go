package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/Aidin1998/tiergate/internal/accounts"
	"github.com/Aidin1998/tiergate/internal/core"
	"github.com/Aidin1998/tiergate/internal/database"
	"github.com/Aidin1998/tiergate/internal/infrastructure/circuitbreaker"
	"github.com/Aidin1998/tiergate/internal/infrastructure/config"
	"github.com/Aidin1998/tiergate/internal/infrastructure/health"
	"github.com/Aidin1998/tiergate/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/tiergate/internal/messaging"
	"github.com/Aidin1998/tiergate/internal/orderqueue"
	"github.com/Aidin1998/tiergate/internal/scheduler"
	"github.com/Aidin1998/tiergate/internal/server"
	"github.com/Aidin1998/tiergate/internal/sinks"
	"github.com/Aidin1998/tiergate/internal/telemetry"
	"github.com/Aidin1998/tiergate/internal/tier"
	"github.com/Aidin1998/tiergate/pkg/logger"
	"github.com/Aidin1998/tiergate/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	bootLogger, err := logger.NewLogger(logger.Config{Level: "info"})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	cfg, err := config.Load(*configPath, bootLogger)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if *printConfig {
		out, err := config.Render(cfg)
		if err != nil {
			bootLogger.Fatal("Failed to render configuration", zap.Error(err))
		}
		fmt.Print(string(out))
		return
	}

	zapLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger); err != nil {
		zapLogger.Fatal("tiergate exited with error", zap.Error(err))
	}
	zapLogger.Info("tiergate stopped")
}

func run(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Tracing:     cfg.Telemetry.Tracing,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			zapLogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)
	clock := clockwork.NewRealClock()

	// Connection pools
	writeDB, err := database.Open(ctx, cfg.Pools.Write)
	if err != nil {
		return err
	}
	var reads []database.Pool
	for _, pc := range cfg.Pools.Reads {
		db, err := database.Open(ctx, pc)
		if err != nil {
			return err
		}
		reads = append(reads, database.Pool{Name: pc.Name, DB: db, Probe: database.PingProbe})
	}
	router := database.NewRouter(
		database.Pool{Name: cfg.Pools.Write.Name, DB: writeDB, Probe: database.PingProbe},
		reads, cfg.Pools.RouterConfig(), clock, zapLogger, m)
	defer router.Close()

	// Breakers, with the outcomes each dependency treats as non-fatal
	breakers := circuitbreaker.NewRegistry(cfg.Breakers.Default, cfg.Breakers.Overrides, clock, zapLogger, m)
	breakers.Register("store", breakers.ConfigFor("store"), gorm.ErrRecordNotFound)
	breakers.Register("cache", breakers.ConfigFor("cache"), redis.Nil)

	monitor := health.NewMonitor(breakers, router, cfg.Health, clock, zapLogger, m)
	monitor.OnChange(func(from, to health.Verdict) {
		zapLogger.Warn("System health changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	})

	// Funding lookups
	storeRouter := core.NewStoreRouter(router, breakers, "store")
	repo := accounts.NewRepository(storeRouter)
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate funding records: %w", err)
	}
	var balances tier.BalanceProvider = repo

	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient, err = database.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		balances = accounts.NewCachedProvider(repo, redisClient, cfg.Redis.BalanceTTL, zapLogger)
		monitor.RegisterProbe("cache", database.RedisProbe(redisClient))
	}

	// Admission
	queue, err := orderqueue.NewPriorityQueue(cfg.QueueTiers())
	if err != nil {
		return err
	}
	limiter, err := ratelimit.NewLimiter(cfg.LimiterConfig(), clock, zapLogger, m)
	if err != nil {
		return err
	}

	// Dispatch
	sched, err := scheduler.New(queue, breakers, scheduler.Config{
		MaxBatchSize:      cfg.Scheduler.MaxBatchSize,
		MinBatchSize:      cfg.Scheduler.MinBatchSize,
		TickInterval:      cfg.Scheduler.TickInterval,
		MaxParallelGroups: cfg.Scheduler.MaxParallelGroups,
		KindDependencies:  cfg.Scheduler.KindDependencies,
	}, clock, zapLogger, m)
	if err != nil {
		return err
	}

	journal := sinks.NewJournal(router, clock, zapLogger)
	if err := journal.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate operation journal: %w", err)
	}
	sched.Register(orderqueue.KindBalanceUpdate, journal)
	sched.Register(orderqueue.KindTradeExecution, journal)

	if redisClient != nil {
		sched.Register(orderqueue.KindMarketDataWrite,
			sinks.NewMarketDataCache(redisClient, cfg.Redis.MarketDataTTL, clock, zapLogger))
	}

	if cfg.Kafka.Enabled {
		notifier := messaging.NewNotifier(messaging.NewWriter(messaging.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}), clock, zapLogger)
		defer notifier.Close()
		sched.Register(orderqueue.KindNotification, notifier)
		monitor.RegisterProbe("kafka", messaging.Probe(cfg.Kafka.Brokers))
	}

	svc, err := core.NewService(core.Components{
		Classifier: tier.NewClassifier(balances),
		Queue:      queue,
		Limiter:    limiter,
		Scheduler:  sched,
		Breakers:   breakers,
		Router:     router,
		Health:     monitor,
	}, core.Config{
		RetryInterval:   cfg.RateLimit.RetryInterval,
		SweepInterval:   cfg.RateLimit.SweepInterval,
		ResultRetention: cfg.Results.Retention,
		QueueFullDelay:  cfg.Scheduler.TickInterval,
		StoreDependency: "store",
	}, clock, zapLogger, m)
	if err != nil {
		return err
	}

	api := server.NewServer(zapLogger, svc, prometheus.DefaultGatherer, cfg.Telemetry.ServiceName)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return api.ListenAndServe(gctx, cfg.Server.Address, cfg.Server.ShutdownTimeout)
	})

	zapLogger.Info("tiergate started",
		zap.String("address", cfg.Server.Address),
		zap.Int("read_pools", len(reads)),
		zap.Bool("redis", redisClient != nil),
		zap.Bool("kafka", cfg.Kafka.Enabled))

	return g.Wait()
}
