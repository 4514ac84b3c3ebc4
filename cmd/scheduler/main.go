package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/metrics"
	"github.com/orchids/queuepulse/internal/queue"
	"github.com/orchids/queuepulse/internal/store"
	"github.com/orchids/queuepulse/pkg/logger"
)

// periodicConfigProvider builds the periodic task set on every sync. The
// baseline recalculation cadence is adaptive: queues flagged by the
// deviation detector (or lacking a confident baseline) are scheduled
// faster than settled ones.
type periodicConfigProvider struct {
	cfg        *config.Config
	ledger     *metrics.Ledger
	deviations *metrics.DeviationDetector
	log        *logger.Logger
}

func (p *periodicConfigProvider) GetConfigs() ([]*asynq.PeriodicTaskConfig, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snapshotTask, err := queue.NewSnapshotTrendsTask(queue.SnapshotTrendsPayload{Connection: p.cfg.Worker.Connection})
	if err != nil {
		return nil, err
	}
	staleTask, err := queue.NewDetectStaleWorkersTask(queue.DetectStaleWorkersPayload{
		ThresholdSeconds: int64(p.cfg.Heartbeat.StaleThreshold.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	cleanupTask, err := queue.NewCleanupWorkersTask(queue.CleanupWorkersPayload{
		OlderThanSeconds: int64(p.cfg.Heartbeat.TTL.Seconds()),
	})
	if err != nil {
		return nil, err
	}

	configs := []*asynq.PeriodicTaskConfig{
		{Cronspec: fmt.Sprintf("@every %ds", p.cfg.Trend.IntervalSeconds), Task: snapshotTask},
		{Cronspec: "@every 1m", Task: staleTask},
		{Cronspec: "@every 1h", Task: cleanupTask},
	}

	queues, err := p.ledger.Queues(ctx)
	if err != nil {
		p.log.Error(ctx, "failed to list queues for baseline scheduling", map[string]interface{}{
			"error": err.Error(),
		})
		return configs, nil
	}

	for _, target := range queues {
		connection, queueName := target[0], target[1]
		interval, err := p.deviations.RecommendInterval(ctx, connection, queueName)
		if err != nil {
			p.log.Error(ctx, "failed to recommend interval", map[string]interface{}{
				"connection": connection,
				"queue":      queueName,
				"error":      err.Error(),
			})
			continue
		}

		task, err := queue.NewRecalculateBaselinesTask(queue.RecalculateBaselinesPayload{
			Connection: connection,
			Queue:      queueName,
		})
		if err != nil {
			return nil, err
		}
		configs = append(configs, &asynq.PeriodicTaskConfig{
			Cronspec: fmt.Sprintf("@every %dm", interval),
			Task:     task,
		})
	}

	return configs, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Environment, cfg.LogLevel)
	log.Info(context.Background(), "Starting telemetry scheduler", map[string]interface{}{
		"environment": cfg.Server.Environment,
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatal(context.Background(), "Failed to initialize Redis", err, nil)
	}

	st := store.New(redisClient, cfg.Metrics.KeyPrefix)
	ledger := metrics.NewLedger(st, cfg.Metrics, log)
	baselines := metrics.NewBaselineEngine(st, ledger, cfg.Baseline, log)
	deviations := metrics.NewDeviationDetector(ledger, baselines, cfg.Deviation, log)

	provider := &periodicConfigProvider{
		cfg:        cfg,
		ledger:     ledger,
		deviations: deviations,
		log:        log.WithComponent("scheduler"),
	}

	mgr, err := asynq.NewPeriodicTaskManager(asynq.PeriodicTaskManagerOpts{
		RedisConnOpt:               asynq.RedisClientOpt{Addr: cfg.Redis.Address(), Password: cfg.Redis.Password, DB: cfg.Redis.DB},
		PeriodicTaskConfigProvider: provider,
		SyncInterval:               time.Minute,
	})
	if err != nil {
		log.Fatal(context.Background(), "Failed to create periodic task manager", err, nil)
	}

	if err := mgr.Start(); err != nil {
		log.Fatal(context.Background(), "Scheduler failed to start", err, nil)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info(context.Background(), "Shutting down scheduler...", nil)
	mgr.Shutdown()
	log.Info(context.Background(), "Scheduler exited gracefully", nil)
}
