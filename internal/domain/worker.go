package domain

import "time"

type WorkerState string

const (
	WorkerStateIdle       WorkerState = "idle"
	WorkerStateBusy       WorkerState = "busy"
	WorkerStatePaused     WorkerState = "paused"
	WorkerStateCrashed    WorkerState = "crashed"
	WorkerStateTerminated WorkerState = "terminated"
)

// Active reports whether the state counts as alive. Crashed and terminated
// workers stay terminal until they register again with a fresh heartbeat.
func (s WorkerState) Active() bool {
	switch s {
	case WorkerStateIdle, WorkerStateBusy, WorkerStatePaused:
		return true
	}
	return false
}

func (s WorkerState) Valid() bool {
	switch s {
	case WorkerStateIdle, WorkerStateBusy, WorkerStatePaused,
		WorkerStateCrashed, WorkerStateTerminated:
		return true
	}
	return false
}

// WorkerHeartbeat mirrors the per-worker hash. Idle and busy time are
// cumulative and only ever grow; elapsed wall-clock between heartbeats is
// attributed to whichever state was active during the interval.
type WorkerHeartbeat struct {
	WorkerID          string      `json:"worker_id"`
	Connection        string      `json:"connection"`
	Queue             string      `json:"queue"`
	State             WorkerState `json:"state"`
	CurrentJobID      string      `json:"current_job_id,omitempty"`
	CurrentJobClass   string      `json:"current_job_class,omitempty"`
	IdleTimeSeconds   float64     `json:"idle_time_seconds"`
	BusyTimeSeconds   float64     `json:"busy_time_seconds"`
	JobsProcessed     int64       `json:"jobs_processed"`
	PID               int         `json:"pid"`
	Hostname          string      `json:"hostname"`
	MemoryUsageMb     float64     `json:"memory_usage_mb"`
	CPUUsagePercent   float64     `json:"cpu_usage_percent"`
	PeakMemoryUsageMb float64     `json:"peak_memory_usage_mb"`
	LastHeartbeat     time.Time   `json:"last_heartbeat"`
	LastStateChange   time.Time   `json:"last_state_change"`
}

// Efficiency is the share of accounted time spent busy.
func (w *WorkerHeartbeat) Efficiency() float64 {
	total := w.IdleTimeSeconds + w.BusyTimeSeconds
	if total <= 0 {
		return 0
	}
	return w.BusyTimeSeconds / total
}

// HeartbeatUpdate carries one heartbeat report from a worker process.
type HeartbeatUpdate struct {
	WorkerID        string
	Connection      string
	Queue           string
	State           WorkerState
	CurrentJobID    string
	CurrentJobClass string
	PID             int
	Hostname        string
	MemoryUsageMb   float64
	CPUUsagePercent float64
}

// WorkerEfficiencySummary rolls up busy/idle ratios across live workers.
type WorkerEfficiencySummary struct {
	WorkerCount       int     `json:"worker_count"`
	BusyCount         int     `json:"busy_count"`
	IdleCount         int     `json:"idle_count"`
	PausedCount       int     `json:"paused_count"`
	TotalJobsHandled  int64   `json:"total_jobs_handled"`
	AverageEfficiency float64 `json:"average_efficiency"`
}
