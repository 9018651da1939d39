/**
 * @description
 * This is the main entry point for the payment core. It is responsible for
 * initializing all components of the service, including configuration, the
 * database connection, Redis-backed locks and idempotency, the RabbitMQ event
 * producer and leg task queue, institution connectors, the sweeper scheduler
 * and the HTTP server. It wires everything together and runs it until a
 * shutdown signal arrives.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for locks and idempotency keys.
 * - go.uber.org/zap: Structured logging.
 * - golang.org/x/sync/errgroup: Lifecycle of the long-running components.
 * - internal/*, pkg/*: The service's own packages.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/zororai/paneta-fintech-sub002/internal/api"
	"github.com/zororai/paneta-fintech-sub002/internal/app"
	"github.com/zororai/paneta-fintech-sub002/internal/clock"
	"github.com/zororai/paneta-fintech-sub002/internal/config"
	"github.com/zororai/paneta-fintech-sub002/internal/connector"
	"github.com/zororai/paneta-fintech-sub002/internal/fxrate"
	"github.com/zororai/paneta-fintech-sub002/internal/idempotency"
	"github.com/zororai/paneta-fintech-sub002/internal/ledger"
	"github.com/zororai/paneta-fintech-sub002/internal/lock"
	"github.com/zororai/paneta-fintech-sub002/internal/metrics"
	"github.com/zororai/paneta-fintech-sub002/internal/scheduler"
	"github.com/zororai/paneta-fintech-sub002/internal/store"
	"github.com/zororai/paneta-fintech-sub002/internal/worker"
	"github.com/zororai/paneta-fintech-sub002/pkg/institutionclient"
	"github.com/zororai/paneta-fintech-sub002/pkg/rabbitmq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newLogger() *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "console") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func main() {
	// Load .env file for local development.
	envErr := godotenv.Load()

	logger := newLogger()
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	boot := logger.With(zap.String("component", "bootstrap"))
	if envErr != nil {
		boot.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		boot.Fatal("config load failed", zap.Error(err))
	}
	if cfg.InternalAPIKey == "" {
		boot.Warn("internal api key not configured; internal authentication disabled", zap.String("env", "INTERNAL_API_KEY"))
	}
	boot.Info("starting payment core", zap.String("port", cfg.ServerPort))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}

	// Storage: Postgres when configured, otherwise an in-process repository.
	var (
		repo      store.Repository
		idemStore idempotency.Store
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		dbpool, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			boot.Fatal("database connection failed", zap.Error(err))
		}
		defer dbpool.Close()
		boot.Info("database connected")
		if err := store.ApplySchema(ctx, dbpool); err != nil {
			boot.Fatal("schema migration failed", zap.Error(err))
		}
		pg := store.NewPostgresRepository(dbpool)
		repo, idemStore = pg, pg
	} else {
		boot.Warn("DATABASE_URL not set; using in-memory repository")
		repo = store.NewMemoryRepository()
		idemStore = idempotency.NewMemoryStore(time.Minute)
	}

	// Redis backs distributed locks and idempotency keys when available.
	var locker lock.Locker = lock.NewLocalLocker(5 * time.Second)
	if redisClient := openRedis(ctx, cfg.RedisURL, boot); redisClient != nil {
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient, cfg.RedisLockPrefix, lock.DefaultOptions(), logger)
		idemStore = idempotency.NewRedisStore(redisClient, "paneta:idempotency")
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	rates, err := fxrate.ParseRates(cfg.FxStaticRates)
	if err != nil {
		boot.Fatal("invalid FX_STATIC_RATES", zap.Error(err))
	}
	rateProvider := fxrate.NewCachedProvider(fxrate.NewStaticProvider(rates), cfg.RateCacheTTL())

	connectors := connector.NewRegistry()
	platform := connector.NewInternalLedger(repo)
	connectors.Register(cfg.PlatformInstitutionID, platform)
	connectors.SetFallback(platform)
	if strings.TrimSpace(cfg.InstitutionAPIBaseURL) != "" {
		client := institutionclient.NewClient(cfg.InstitutionAPIBaseURL, cfg.InstitutionAPIKey, cfg.InstitutionRateLimitPerSecond, logger)
		external := connector.NewBreakerConnector("institution_api", connector.NewHTTPConnector(client), connector.DefaultBreakerConfig(), logger)
		connectors.SetFallback(external)
		boot.Info("institution api connector enabled", zap.String("base_url", cfg.InstitutionAPIBaseURL))
	}

	// Events and leg tasks go through RabbitMQ when it is reachable.
	registry := worker.NewRegistry(logger)
	var (
		events    app.EventPublisher
		queue     worker.Queue
		taskQueue *rabbitmq.TaskQueue
		memQueue  *worker.MemoryQueue
	)
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventExchange, logger)
		if err != nil {
			boot.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
			events = rabbitmq.NewEventProducerFallback(logger)
		} else {
			defer producer.Close()
			events = producer
			boot.Info("rabbitmq producer connected", zap.String("exchange", cfg.EventExchange))
		}
		taskQueue, err = rabbitmq.NewTaskQueue(cfg.RabbitMQURL, cfg.LegTaskQueue, cfg.LegPrefetch, registry, logger)
		if err != nil {
			boot.Warn("rabbitmq task queue unavailable; running legs in-process", zap.Error(err))
		} else {
			defer taskQueue.Close()
			queue = taskQueue
		}
	} else {
		events = app.NewLogPublisher(logger)
	}
	if queue == nil {
		memQueue = worker.NewMemoryQueue(registry, clk, logger)
		queue = memQueue
	}

	service := app.NewService(app.Deps{
		Repo:       repo,
		Connectors: connectors,
		Rates:      rateProvider,
		Guard:      idempotency.NewGuard(idemStore, clk, cfg.IdempotencyTTL(), logger),
		Locker:     locker,
		Ledger:     ledger.NewService(repo, clk, logger),
		Queue:      queue,
		Events:     events,
		Metrics:    m,
		Clock:      clk,
		Logger:     logger,
	}, app.Options{
		FeePercent: cfg.CrossBorderFeePercent,
		FeeFlat:    cfg.CrossBorderFeeFlat,
		QuoteTTL:   cfg.QuoteTTL(),
		LegPolicy:  worker.Policy{MaxAttempts: cfg.LegMaxAttempts, Backoff: cfg.LegBackoff},
		StuckAfter: cfg.StuckAfter(),
		SweepBatch: cfg.SweeperBatchSize,
	})
	service.RegisterLegWorker(registry)

	sched := scheduler.NewScheduler(scheduler.NewJobs(service, cfg.SweeperBatchSize, logger), logger, cfg)
	sched.Start()

	var metricsHandler http.Handler
	if m != nil {
		metricsHandler = m.Handler()
	}
	router := api.NewRouter(api.NewHandlers(service, logger), cfg.InternalAPIKey, metricsHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("component", "http"), zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if taskQueue != nil {
			return taskQueue.Run(gctx)
		}
		return memQueue.Run(gctx, time.Second)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown started", zap.String("component", "http"))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		<-sched.Stop().Done()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
		return
	}
	logger.Info("shutdown complete", zap.String("component", "http"))
}

func openPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, redisURL string, logger *zap.Logger) *redis.Client {
	if redisURL == "" {
		logger.Warn("redis url missing; using in-process locks", zap.String("env", "REDIS_URL"))
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using in-process locks", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using in-process locks", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
