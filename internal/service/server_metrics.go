package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/pkg/logger"
)

// ServerMetricsService samples host CPU, memory, and disk usage. Snapshots
// are cached behind an explicit injected TTL with explicit invalidation,
// not hidden package state.
type ServerMetricsService struct {
	log       *logger.Logger
	cacheTTL  time.Duration
	startTime time.Time

	mu       sync.Mutex
	cached   *domain.ServerMetrics
	cachedAt time.Time
}

func NewServerMetricsService(cacheTTL time.Duration, log *logger.Logger) *ServerMetricsService {
	return &ServerMetricsService{
		log:       log.WithComponent("server_metrics"),
		cacheTTL:  cacheTTL,
		startTime: time.Now(),
	}
}

// Snapshot returns the cached sample while it is fresh, otherwise takes a
// new one.
func (s *ServerMetricsService) Snapshot(ctx context.Context) (*domain.ServerMetrics, error) {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL {
		cached := s.cached
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	metrics, err := s.sample(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cached = metrics
	s.cachedAt = time.Now()
	s.mu.Unlock()
	return metrics, nil
}

// Invalidate discards the cached snapshot so the next call samples fresh.
func (s *ServerMetricsService) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *ServerMetricsService) sample(ctx context.Context) (*domain.ServerMetrics, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}

	memStats, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory stats: %w", err)
	}

	diskStats, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return nil, fmt.Errorf("failed to get disk stats: %w", err)
	}

	metrics := &domain.ServerMetrics{
		MemoryTotal:   memStats.Total,
		MemoryUsed:    memStats.Used,
		MemoryPercent: memStats.UsedPercent,
		DiskTotal:     diskStats.Total,
		DiskUsed:      diskStats.Used,
		DiskPercent:   diskStats.UsedPercent,
		Goroutines:    runtime.NumGoroutine(),
		Uptime:        time.Since(s.startTime),
		Timestamp:     time.Now(),
	}
	if len(cpuPercent) > 0 {
		metrics.CPUPercent = cpuPercent[0]
	}
	return metrics, nil
}
