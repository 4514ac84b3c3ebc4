package domain

import "time"

// JobKey identifies a job class within a queue on a named connection.
type JobKey struct {
	Connection string `json:"connection"`
	Queue      string `json:"queue"`
	JobClass   string `json:"job_class"`
}

// Sample is a single recorded measurement for one job execution. The JobID
// keeps zset members unique even when two jobs report identical values.
type Sample struct {
	Value     float64   `json:"value"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
}

// JobMetrics mirrors the cumulative counter hash stored per job key.
type JobMetrics struct {
	TotalProcessed  int64     `json:"total_processed"`
	TotalFailed     int64     `json:"total_failed"`
	TotalQueued     int64     `json:"total_queued"`
	TotalDurationMs float64   `json:"total_duration_ms"`
	TotalMemoryMb   float64   `json:"total_memory_mb"`
	TotalCpuTimeMs  float64   `json:"total_cpu_time_ms"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	LastFailedAt    time.Time `json:"last_failed_at"`
	LastException   string    `json:"last_exception"`
}

// DistributionStats summarizes one sample series.
type DistributionStats struct {
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"stddev"`
}

// WindowStats reports activity inside one trailing window.
type WindowStats struct {
	WindowSeconds       int64   `json:"window_seconds"`
	JobsProcessed       int64   `json:"jobs_processed"`
	ThroughputPerMinute float64 `json:"throughput_per_minute"`
}

// JobClassReport is the full aggregated rollup for one job class.
type JobClassReport struct {
	Key                 JobKey            `json:"key"`
	TotalProcessed      int64             `json:"total_processed"`
	TotalFailed         int64             `json:"total_failed"`
	TotalQueued         int64             `json:"total_queued"`
	Duration            DistributionStats `json:"duration"`
	Memory              DistributionStats `json:"memory"`
	ThroughputPerMinute float64           `json:"throughput_per_minute"`
	ThroughputPerHour   float64           `json:"throughput_per_hour"`
	ThroughputPerDay    float64           `json:"throughput_per_day"`
	FailureRate         float64           `json:"failure_rate"`
	LastException       string            `json:"last_exception"`
	LastProcessedAt     time.Time         `json:"last_processed_at"`
	Windows             []WindowStats     `json:"windows"`
}

// QueueReport aggregates every discovered job class in one queue.
type QueueReport struct {
	Connection     string   `json:"connection"`
	Queue          string   `json:"queue"`
	JobClasses     []string `json:"job_classes"`
	TotalProcessed int64    `json:"total_processed"`
	TotalFailed    int64    `json:"total_failed"`
	FailureRate    float64  `json:"failure_rate"`
	AvgDurationMs  float64  `json:"avg_duration_ms"`
	HealthScore    float64  `json:"health_score"`
}
