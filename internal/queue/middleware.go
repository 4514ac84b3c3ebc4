package queue

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/internal/metrics"
	"github.com/orchids/queuepulse/pkg/logger"
)

// LifecycleAdapter translates the host queue framework's task lifecycle
// into ledger calls. Recording is best-effort: a telemetry failure is
// logged and swallowed so it can never change the outcome of the job
// being measured.
type LifecycleAdapter struct {
	ledger     *metrics.Ledger
	connection string
	hostname   string
	proc       *process.Process
	log        *logger.Logger
	activeJobs atomic.Int64
}

func NewLifecycleAdapter(ledger *metrics.Ledger, connection string, log *logger.Logger) *LifecycleAdapter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	// Process handle for per-job CPU/RSS deltas. A failure here only
	// disables resource sampling, not duration recording.
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}

	return &LifecycleAdapter{
		ledger:     ledger,
		connection: connection,
		hostname:   hostname,
		proc:       proc,
		log:        log.WithComponent("lifecycle"),
	}
}

// Middleware wraps an asynq handler with start/completion/failure
// recording.
func (a *LifecycleAdapter) Middleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		queueName, _ := asynq.GetQueueName(ctx)
		jobID, _ := asynq.GetTaskID(ctx)
		key := domain.JobKey{
			Connection: a.connection,
			Queue:      queueName,
			JobClass:   task.Type(),
		}

		start := time.Now()
		cpuBefore := a.cpuTimeMs()

		a.activeJobs.Add(1)
		if err := a.ledger.RecordStart(ctx, jobID, key, start); err != nil {
			a.log.Warn(ctx, "failed to record job start", map[string]interface{}{
				"job_id": jobID,
				"error":  err.Error(),
			})
		}

		err := next.ProcessTask(ctx, task)
		a.activeJobs.Add(-1)

		finished := time.Now()
		durationMs := float64(finished.Sub(start)) / float64(time.Millisecond)
		cpuTimeMs := a.cpuTimeMs() - cpuBefore
		if cpuTimeMs < 0 {
			cpuTimeMs = 0
		}
		memoryMb := a.rssMb()

		if err != nil {
			if recErr := a.ledger.RecordFailure(ctx, jobID, key, err.Error(), finished, a.hostname); recErr != nil {
				a.log.Warn(ctx, "failed to record job failure", map[string]interface{}{
					"job_id": jobID,
					"error":  recErr.Error(),
				})
			}
			return err
		}

		if recErr := a.ledger.RecordCompletion(ctx, jobID, key, durationMs, memoryMb, cpuTimeMs, finished, a.hostname); recErr != nil {
			a.log.Warn(ctx, "failed to record job completion", map[string]interface{}{
				"job_id": jobID,
				"error":  recErr.Error(),
			})
		}
		return nil
	})
}

// ActiveJobs reports how many wrapped handlers are currently executing.
func (a *LifecycleAdapter) ActiveJobs() int64 {
	return a.activeJobs.Load()
}

// Hostname is the host identity used for per-server rollups.
func (a *LifecycleAdapter) Hostname() string {
	return a.hostname
}

// ResourceUsage samples the worker process's current RSS and CPU share.
func (a *LifecycleAdapter) ResourceUsage() (memoryMb, cpuPercent float64) {
	if a.proc == nil {
		return 0, 0
	}
	if info, err := a.proc.MemoryInfo(); err == nil && info != nil {
		memoryMb = float64(info.RSS) / (1024 * 1024)
	}
	if pct, err := a.proc.CPUPercent(); err == nil {
		cpuPercent = pct
	}
	return memoryMb, cpuPercent
}

func (a *LifecycleAdapter) cpuTimeMs() float64 {
	if a.proc == nil {
		return 0
	}
	times, err := a.proc.Times()
	if err != nil {
		return 0
	}
	return (times.User + times.System) * 1000
}

func (a *LifecycleAdapter) rssMb() float64 {
	if a.proc == nil {
		return 0
	}
	info, err := a.proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}
