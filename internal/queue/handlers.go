package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/internal/metrics"
	"github.com/orchids/queuepulse/internal/notify"
	"github.com/orchids/queuepulse/internal/store"
	"github.com/orchids/queuepulse/pkg/logger"
)

const healthScoreEpsilon = 5.0

// MetricsTaskHandler processes the scheduled recalculation and snapshot
// tasks. It is the glue between the periodic scheduler and the engines.
type MetricsTaskHandler struct {
	store      *store.Store
	ledger     *metrics.Ledger
	aggregator *metrics.Aggregator
	baselines  *metrics.BaselineEngine
	trends     *metrics.TrendEngine
	heartbeats *metrics.HeartbeatEngine
	inspector  *asynq.Inspector
	notifier   notify.Notifier
	cfg        *config.Config
	log        *logger.Logger
}

func NewMetricsTaskHandler(
	st *store.Store,
	ledger *metrics.Ledger,
	aggregator *metrics.Aggregator,
	baselines *metrics.BaselineEngine,
	trends *metrics.TrendEngine,
	heartbeats *metrics.HeartbeatEngine,
	inspector *asynq.Inspector,
	notifier notify.Notifier,
	cfg *config.Config,
	log *logger.Logger,
) *MetricsTaskHandler {
	return &MetricsTaskHandler{
		store:      st,
		ledger:     ledger,
		aggregator: aggregator,
		baselines:  baselines,
		trends:     trends,
		heartbeats: heartbeats,
		inspector:  inspector,
		notifier:   notifier,
		cfg:        cfg,
		log:        log.WithComponent("metrics_tasks"),
	}
}

// HandleRecalculateBaselines recomputes baselines for the named queue, or
// for every discovered queue when none is named.
func (h *MetricsTaskHandler) HandleRecalculateBaselines(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseRecalculateBaselinesPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	targets := [][2]string{{payload.Connection, payload.Queue}}
	if payload.Queue == "" {
		targets, err = h.ledger.Queues(ctx)
		if err != nil {
			return fmt.Errorf("list queues: %w", err)
		}
	}

	for _, target := range targets {
		baselines, err := h.baselines.RecalculateQueue(ctx, target[0], target[1])
		if err != nil {
			return fmt.Errorf("recalculate %s:%s: %w", target[0], target[1], err)
		}
		h.log.Info(ctx, "baselines recalculated", map[string]interface{}{
			"connection": target[0],
			"queue":      target[1],
			"count":      len(baselines),
		})
	}
	return nil
}

// HandleSnapshotTrends records one point per trend series per discovered
// queue and raises threshold/swing/health notifications.
func (h *MetricsTaskHandler) HandleSnapshotTrends(ctx context.Context, task *asynq.Task) error {
	if _, err := ParseSnapshotTrendsPayload(task); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	queues, err := h.ledger.Queues(ctx)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}

	now := time.Now()
	for _, target := range queues {
		connection, queueName := target[0], target[1]
		if err := h.snapshotQueue(ctx, connection, queueName, now); err != nil {
			h.log.Error(ctx, "trend snapshot failed", map[string]interface{}{
				"connection": connection,
				"queue":      queueName,
				"error":      err.Error(),
			})
		}
	}
	return nil
}

func (h *MetricsTaskHandler) snapshotQueue(ctx context.Context, connection, queueName string, now time.Time) error {
	// Queue depth from the host framework's own accounting.
	if info, err := h.inspector.GetQueueInfo(queueName); err == nil {
		depth := float64(info.Pending + info.Active)
		if err := h.trends.RecordPoint(ctx, metrics.SeriesQueueDepth, connection, queueName, depth, now); err != nil {
			return err
		}
		if depth >= h.cfg.Trend.DepthThreshold {
			h.notifier.QueueDepthBreached(ctx, connection, queueName, depth, h.cfg.Trend.DepthThreshold)
		}
	}

	// Throughput per minute across every job class in the queue.
	classes, err := h.ledger.JobClasses(ctx, connection, queueName)
	if err != nil {
		return err
	}
	var processed int64
	for _, class := range classes {
		key := domain.JobKey{Connection: connection, Queue: queueName, JobClass: class}
		count, err := h.ledger.GetThroughput(ctx, key, h.cfg.Trend.IntervalSeconds)
		if err != nil {
			return err
		}
		processed += count
	}
	throughput := float64(processed) / (float64(h.cfg.Trend.IntervalSeconds) / 60.0)
	if err := h.trends.RecordPoint(ctx, metrics.SeriesThroughput, connection, queueName, throughput, now); err != nil {
		return err
	}

	if err := h.snapshotEfficiency(ctx, connection, queueName, now); err != nil {
		return err
	}
	return h.checkHealthScore(ctx, connection, queueName)
}

func (h *MetricsTaskHandler) snapshotEfficiency(ctx context.Context, connection, queueName string, now time.Time) error {
	workers, err := h.heartbeats.ListWorkers(ctx)
	if err != nil {
		return err
	}

	var total float64
	count := 0
	for _, w := range workers {
		if w.Connection != connection || w.Queue != queueName || !w.State.Active() {
			continue
		}
		total += w.Efficiency()
		count++
	}
	if count == 0 {
		return nil
	}
	efficiency := total / float64(count)

	// Swing detection diffs against the previous recorded point.
	points, err := h.trends.Points(ctx, metrics.SeriesWorkerEfficiency, connection, queueName)
	if err != nil {
		return err
	}
	if len(points) > 0 {
		previous := points[len(points)-1].Value
		if math.Abs(efficiency-previous) >= h.cfg.Trend.EfficiencySwing {
			h.notifier.WorkerEfficiencySwing(ctx, connection, queueName, previous, efficiency)
		}
	}

	return h.trends.RecordPoint(ctx, metrics.SeriesWorkerEfficiency, connection, queueName, efficiency, now)
}

// checkHealthScore compares the queue's current health score with the last
// observed one and notifies on movement beyond the epsilon.
func (h *MetricsTaskHandler) checkHealthScore(ctx context.Context, connection, queueName string) error {
	report, err := h.aggregator.QueueReport(ctx, connection, queueName)
	if err != nil {
		return err
	}

	key := h.store.Key("health", connection, queueName)
	prior, err := h.store.Client().Get(ctx, key).Float64()
	if err != nil && err != redis.Nil {
		return store.Wrap(err)
	}
	hadPrior := err == nil

	if err := store.Wrap(h.store.Client().Set(ctx, key, report.HealthScore, h.cfg.Metrics.CounterTTL).Err()); err != nil {
		return err
	}

	if hadPrior && math.Abs(report.HealthScore-prior) >= healthScoreEpsilon {
		h.notifier.HealthScoreChanged(ctx, connection, queueName, prior, report.HealthScore)
	}
	return nil
}

// HandleDetectStaleWorkers sweeps the staleness index.
func (h *MetricsTaskHandler) HandleDetectStaleWorkers(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseDetectStaleWorkersPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	threshold := time.Duration(payload.ThresholdSeconds) * time.Second
	if threshold <= 0 {
		threshold = h.cfg.Heartbeat.StaleThreshold
	}

	marked, err := h.heartbeats.DetectStaledWorkers(ctx, threshold)
	if err != nil {
		return fmt.Errorf("detect stale workers: %w", err)
	}
	if marked > 0 {
		h.log.Warn(ctx, "stale workers crashed", map[string]interface{}{"count": marked})
	}
	return nil
}

// HandleCleanupWorkers removes long-dead worker entries.
func (h *MetricsTaskHandler) HandleCleanupWorkers(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseCleanupWorkersPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	olderThan := time.Duration(payload.OlderThanSeconds) * time.Second
	if olderThan <= 0 {
		olderThan = h.cfg.Heartbeat.TTL
	}

	removed, err := h.heartbeats.Cleanup(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("cleanup workers: %w", err)
	}
	if removed > 0 {
		h.log.Info(ctx, "dead workers cleaned up", map[string]interface{}{"count": removed})
	}
	return nil
}
