package queue

import (
	"context"
	"os"
	"time"

	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/internal/metrics"
	"github.com/orchids/queuepulse/pkg/logger"
)

// HeartbeatReporter reports this worker process's liveness on a fixed
// interval, deriving idle/busy from the lifecycle adapter's in-flight job
// count. On shutdown the worker is transitioned to terminated.
type HeartbeatReporter struct {
	engine     *metrics.HeartbeatEngine
	adapter    *LifecycleAdapter
	workerID   string
	connection string
	queue      string
	interval   time.Duration
	log        *logger.Logger
}

func NewHeartbeatReporter(engine *metrics.HeartbeatEngine, adapter *LifecycleAdapter, workerID, connection, queue string, interval time.Duration, log *logger.Logger) *HeartbeatReporter {
	return &HeartbeatReporter{
		engine:     engine,
		adapter:    adapter,
		workerID:   workerID,
		connection: connection,
		queue:      queue,
		interval:   interval,
		log:        log.WithComponent("heartbeat_reporter"),
	}
}

// Run beats until the context is cancelled.
func (r *HeartbeatReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.engine.TransitionState(shutdownCtx, r.workerID, domain.WorkerStateTerminated, time.Now()); err != nil {
				r.log.Warn(shutdownCtx, "failed to mark worker terminated", map[string]interface{}{
					"worker_id": r.workerID,
					"error":     err.Error(),
				})
			}
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *HeartbeatReporter) beat(ctx context.Context) {
	state := domain.WorkerStateIdle
	if r.adapter.ActiveJobs() > 0 {
		state = domain.WorkerStateBusy
	}
	memoryMb, cpuPercent := r.adapter.ResourceUsage()

	err := r.engine.RecordHeartbeat(ctx, domain.HeartbeatUpdate{
		WorkerID:        r.workerID,
		Connection:      r.connection,
		Queue:           r.queue,
		State:           state,
		PID:             os.Getpid(),
		Hostname:        r.adapter.Hostname(),
		MemoryUsageMb:   memoryMb,
		CPUUsagePercent: cpuPercent,
	})
	if err != nil {
		r.log.Warn(ctx, "heartbeat failed", map[string]interface{}{
			"worker_id": r.workerID,
			"error":     err.Error(),
		})
	}
}
