package domain

import "time"

// ServerMetrics is a point-in-time snapshot of host resources, sampled by
// the server metrics service and cached behind an explicit TTL.
type ServerMetrics struct {
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryTotal   uint64        `json:"memory_total"`
	MemoryUsed    uint64        `json:"memory_used"`
	MemoryPercent float64       `json:"memory_percent"`
	DiskTotal     uint64        `json:"disk_total"`
	DiskUsed      uint64        `json:"disk_used"`
	DiskPercent   float64       `json:"disk_percent"`
	Goroutines    int           `json:"goroutines"`
	Uptime        time.Duration `json:"uptime"`
	Timestamp     time.Time     `json:"timestamp"`
}
