package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/metrics"
	"github.com/orchids/queuepulse/internal/notify"
	"github.com/orchids/queuepulse/internal/queue"
	"github.com/orchids/queuepulse/internal/repository/postgres"
	"github.com/orchids/queuepulse/internal/store"
	"github.com/orchids/queuepulse/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Environment, cfg.LogLevel)
	log.Info(context.Background(), "Starting telemetry worker", map[string]interface{}{
		"environment": cfg.Server.Environment,
		"concurrency": cfg.Worker.MaxConcurrentJobs,
	})

	redisClient, err := initRedis(cfg)
	if err != nil {
		log.Fatal(context.Background(), "Failed to initialize Redis", err, nil)
	}
	defer redisClient.Close()
	log.Info(context.Background(), "Redis connection established", nil)

	st := store.New(redisClient, cfg.Metrics.KeyPrefix)
	ledger := metrics.NewLedger(st, cfg.Metrics, log)
	aggregator := metrics.NewAggregator(ledger, cfg.Metrics, log)
	baselines := metrics.NewBaselineEngine(st, ledger, cfg.Baseline, log)
	trends := metrics.NewTrendEngine(st, cfg.Trend, log)
	heartbeats := metrics.NewHeartbeatEngine(st, cfg.Heartbeat, log)

	notifier := notify.NewQueueNotifier(cfg.Redis.Address(), log)
	defer notifier.Close()
	baselines.SetNotifier(notifier)

	if cfg.Database.Enabled {
		dbPool, err := initDatabase(cfg)
		if err != nil {
			log.Fatal(context.Background(), "Failed to initialize database", err, nil)
		}
		defer dbPool.Close()

		archive := postgres.NewBaselineArchive(dbPool)
		if err := archive.EnsureSchema(context.Background()); err != nil {
			log.Fatal(context.Background(), "Failed to ensure archive schema", err, nil)
		}
		baselines.SetArchive(archive)
		log.Info(context.Background(), "Baseline archive enabled", nil)
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Address(), Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	inspector := asynq.NewInspector(redisOpt)

	adapter := queue.NewLifecycleAdapter(ledger, cfg.Worker.Connection, log)
	taskHandler := queue.NewMetricsTaskHandler(
		st, ledger, aggregator, baselines, trends, heartbeats, inspector, notifier, cfg, log)

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Worker.MaxConcurrentJobs,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error(ctx, "task execution failed", map[string]interface{}{
					"task_type": task.Type(),
					"error":     err.Error(),
					"payload":   string(task.Payload()),
				})
			}),
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delays := []time.Duration{
					30 * time.Second,
					2 * time.Minute,
					10 * time.Minute,
				}
				if n < len(delays) {
					return delays[n]
				}
				return delays[len(delays)-1]
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.Use(adapter.Middleware)
	mux.HandleFunc(queue.TypeRecalculateBaselines, taskHandler.HandleRecalculateBaselines)
	mux.HandleFunc(queue.TypeSnapshotTrends, taskHandler.HandleSnapshotTrends)
	mux.HandleFunc(queue.TypeDetectStaleWorkers, taskHandler.HandleDetectStaleWorkers)
	mux.HandleFunc(queue.TypeCleanupWorkers, taskHandler.HandleCleanupWorkers)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	reporterCtx, stopReporter := context.WithCancel(context.Background())
	reporter := queue.NewHeartbeatReporter(
		heartbeats, adapter, workerID, cfg.Worker.Connection, "default", cfg.Heartbeat.Interval, log)
	go reporter.Run(reporterCtx)

	go func() {
		log.Info(context.Background(), "Worker server starting", map[string]interface{}{
			"worker_id":   workerID,
			"concurrency": cfg.Worker.MaxConcurrentJobs,
		})
		if err := srv.Run(mux); err != nil {
			log.Fatal(context.Background(), "Worker server failed", err, nil)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info(context.Background(), "Shutting down worker server...", nil)

	stopReporter()
	srv.Shutdown()

	log.Info(context.Background(), "Worker server exited gracefully", nil)
}

func initRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}

	return client, nil
}

func initDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}
