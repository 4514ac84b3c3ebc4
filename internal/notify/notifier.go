package notify

import (
	"context"

	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/pkg/logger"
)

// Notifier receives engine events for downstream consumers (autoscalers,
// alerting). Implementations must be best-effort: engines fire and forget.
type Notifier interface {
	BaselineRecalculated(ctx context.Context, baseline *domain.Baseline, change domain.BaselineChange)
	QueueDepthBreached(ctx context.Context, connection, queue string, depth, threshold float64)
	WorkerEfficiencySwing(ctx context.Context, connection, queue string, previous, current float64)
	HealthScoreChanged(ctx context.Context, connection, queue string, previous, current float64)
}

// LogNotifier writes every event to the structured log. Used standalone in
// development and as the fallback sink in production.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.WithComponent("notify")}
}

func (n *LogNotifier) BaselineRecalculated(ctx context.Context, baseline *domain.Baseline, change domain.BaselineChange) {
	n.log.Info(ctx, "baseline recalculated", map[string]interface{}{
		"connection":  baseline.Connection,
		"queue":       baseline.Queue,
		"job_class":   baseline.JobClass,
		"confidence":  baseline.ConfidenceScore,
		"samples":     baseline.SampleCount,
		"significant": change.Significant,
	})
}

func (n *LogNotifier) QueueDepthBreached(ctx context.Context, connection, queue string, depth, threshold float64) {
	n.log.Warn(ctx, "queue depth threshold breached", map[string]interface{}{
		"connection": connection,
		"queue":      queue,
		"depth":      depth,
		"threshold":  threshold,
	})
}

func (n *LogNotifier) WorkerEfficiencySwing(ctx context.Context, connection, queue string, previous, current float64) {
	n.log.Warn(ctx, "worker efficiency swing", map[string]interface{}{
		"connection": connection,
		"queue":      queue,
		"previous":   previous,
		"current":    current,
	})
}

func (n *LogNotifier) HealthScoreChanged(ctx context.Context, connection, queue string, previous, current float64) {
	n.log.Info(ctx, "queue health score changed", map[string]interface{}{
		"connection": connection,
		"queue":      queue,
		"previous":   previous,
		"current":    current,
	})
}
