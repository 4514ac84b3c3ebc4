package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/pkg/logger"
)

const (
	TypeBaselineRecalculated  = "notify:baseline_recalculated"
	TypeQueueDepthBreached    = "notify:queue_depth_breached"
	TypeWorkerEfficiencySwing = "notify:worker_efficiency_swing"
	TypeHealthScoreChanged    = "notify:health_score_changed"
)

type BaselinePayload struct {
	Baseline *domain.Baseline      `json:"baseline"`
	Change   domain.BaselineChange `json:"change"`
}

type QueueDepthPayload struct {
	Connection string  `json:"connection"`
	Queue      string  `json:"queue"`
	Depth      float64 `json:"depth"`
	Threshold  float64 `json:"threshold"`
}

type EfficiencySwingPayload struct {
	Connection string  `json:"connection"`
	Queue      string  `json:"queue"`
	Previous   float64 `json:"previous"`
	Current    float64 `json:"current"`
}

type HealthScorePayload struct {
	Connection string  `json:"connection"`
	Queue      string  `json:"queue"`
	Previous   float64 `json:"previous"`
	Current    float64 `json:"current"`
}

// QueueNotifier hands events to the external notification subsystem by
// enqueueing them as tasks. Enqueue failures are logged and dropped; a
// notification must never fail the operation that raised it.
type QueueNotifier struct {
	client *asynq.Client
	log    *logger.Logger
}

func NewQueueNotifier(redisAddr string, log *logger.Logger) *QueueNotifier {
	return &QueueNotifier{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		log:    log.WithComponent("notify"),
	}
}

func (n *QueueNotifier) Close() error {
	return n.client.Close()
}

func (n *QueueNotifier) BaselineRecalculated(ctx context.Context, baseline *domain.Baseline, change domain.BaselineChange) {
	n.enqueue(ctx, TypeBaselineRecalculated, BaselinePayload{Baseline: baseline, Change: change})
}

func (n *QueueNotifier) QueueDepthBreached(ctx context.Context, connection, queue string, depth, threshold float64) {
	n.enqueue(ctx, TypeQueueDepthBreached, QueueDepthPayload{
		Connection: connection, Queue: queue, Depth: depth, Threshold: threshold,
	})
}

func (n *QueueNotifier) WorkerEfficiencySwing(ctx context.Context, connection, queue string, previous, current float64) {
	n.enqueue(ctx, TypeWorkerEfficiencySwing, EfficiencySwingPayload{
		Connection: connection, Queue: queue, Previous: previous, Current: current,
	})
}

func (n *QueueNotifier) HealthScoreChanged(ctx context.Context, connection, queue string, previous, current float64) {
	n.enqueue(ctx, TypeHealthScoreChanged, HealthScorePayload{
		Connection: connection, Queue: queue, Previous: previous, Current: current,
	})
}

func (n *QueueNotifier) enqueue(ctx context.Context, taskType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.log.Error(ctx, "failed to marshal notification payload", map[string]interface{}{
			"task_type": taskType,
			"error":     err.Error(),
		})
		return
	}

	task := asynq.NewTask(taskType, data)
	opts := []asynq.Option{
		asynq.MaxRetry(2),
		asynq.Timeout(30 * time.Second),
		asynq.Queue("notifications"),
	}
	if _, err := n.client.EnqueueContext(ctx, task, opts...); err != nil {
		n.log.Error(ctx, "failed to enqueue notification", map[string]interface{}{
			"task_type": taskType,
			"error":     err.Error(),
		})
	}
}
