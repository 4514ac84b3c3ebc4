package domain

import "time"

// Baseline is the expected steady-state cost of a job class. The queue-level
// aggregate uses an empty JobClass.
type Baseline struct {
	Connection       string    `json:"connection"`
	Queue            string    `json:"queue"`
	JobClass         string    `json:"job_class"`
	CpuPercentPerJob float64   `json:"cpu_percent_per_job"`
	MemoryMbPerJob   float64   `json:"memory_mb_per_job"`
	AvgDurationMs    float64   `json:"avg_duration_ms"`
	SampleCount      int64     `json:"sample_count"`
	ConfidenceScore  float64   `json:"confidence_score"`
	CalculatedAt     time.Time `json:"calculated_at"`
}

// BaselineChange compares a freshly computed baseline with the previously
// stored one. Deltas are relative (1.0 == +100%).
type BaselineChange struct {
	DurationDelta float64 `json:"duration_delta"`
	CpuDelta      float64 `json:"cpu_delta"`
	MemoryDelta   float64 `json:"memory_delta"`
	Significant   bool    `json:"significant"`
}

// DeviationReport scores recent behavior against a stored baseline, in
// standard deviations of the recent samples.
type DeviationReport struct {
	Connection    string  `json:"connection"`
	Queue         string  `json:"queue"`
	Score         float64 `json:"score"`
	DurationScore float64 `json:"duration_score"`
	MemoryScore   float64 `json:"memory_score"`
	CpuScore      float64 `json:"cpu_score"`
	Deviating     bool    `json:"deviating"`
	SampleCount   int     `json:"sample_count"`
}
