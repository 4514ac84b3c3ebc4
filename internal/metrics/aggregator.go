package metrics

import (
	"context"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/internal/stats"
	"github.com/orchids/queuepulse/pkg/logger"
)

// Aggregator composes ledger counters and sample series into per-job-class
// and per-queue rollups. Read-only; tolerates eventually-consistent
// snapshots, so nothing here needs a transaction.
type Aggregator struct {
	ledger *Ledger
	log    *logger.Logger
	cfg    config.MetricsConfig
}

func NewAggregator(ledger *Ledger, cfg config.MetricsConfig, log *logger.Logger) *Aggregator {
	return &Aggregator{
		ledger: ledger,
		log:    log.WithComponent("aggregator"),
		cfg:    cfg,
	}
}

// JobClassReport builds the full rollup for one job class. Empty sample
// series produce zeroed statistics, never errors.
func (a *Aggregator) JobClassReport(ctx context.Context, key domain.JobKey) (*domain.JobClassReport, error) {
	counters, err := a.ledger.GetMetrics(ctx, key)
	if err != nil {
		return nil, err
	}

	durations, err := a.ledger.GetDurationSamples(ctx, key, a.cfg.SampleCap)
	if err != nil {
		return nil, err
	}
	memory, err := a.ledger.GetMemorySamples(ctx, key, a.cfg.SampleCap)
	if err != nil {
		return nil, err
	}

	report := &domain.JobClassReport{
		Key:             key,
		TotalProcessed:  counters.TotalProcessed,
		TotalFailed:     counters.TotalFailed,
		TotalQueued:     counters.TotalQueued,
		Duration:        distribution(values(durations)),
		Memory:          distribution(values(memory)),
		LastException:   counters.LastException,
		LastProcessedAt: counters.LastProcessedAt,
	}

	total := counters.TotalProcessed + counters.TotalFailed
	if total > 0 {
		report.FailureRate = float64(counters.TotalFailed) / float64(total)
	}

	perMinute, err := a.ledger.GetThroughput(ctx, key, 60)
	if err != nil {
		return nil, err
	}
	perHour, err := a.ledger.GetThroughput(ctx, key, 3600)
	if err != nil {
		return nil, err
	}
	perDay, err := a.ledger.GetThroughput(ctx, key, 86400)
	if err != nil {
		return nil, err
	}
	report.ThroughputPerMinute = float64(perMinute)
	report.ThroughputPerHour = float64(perHour)
	report.ThroughputPerDay = float64(perDay)

	for _, window := range a.cfg.StatWindows {
		processed, err := a.ledger.GetThroughput(ctx, key, window)
		if err != nil {
			return nil, err
		}
		report.Windows = append(report.Windows, domain.WindowStats{
			WindowSeconds:       window,
			JobsProcessed:       processed,
			ThroughputPerMinute: float64(processed) / (float64(window) / 60.0),
		})
	}

	return report, nil
}

// QueueReport aggregates all discovered job classes in one queue and
// derives a 0-100 health score from the failure rate.
func (a *Aggregator) QueueReport(ctx context.Context, connection, queue string) (*domain.QueueReport, error) {
	classes, err := a.ledger.JobClasses(ctx, connection, queue)
	if err != nil {
		return nil, err
	}

	report := &domain.QueueReport{
		Connection: connection,
		Queue:      queue,
		JobClasses: classes,
	}

	var totalDuration float64
	for _, class := range classes {
		key := domain.JobKey{Connection: connection, Queue: queue, JobClass: class}
		counters, err := a.ledger.GetMetrics(ctx, key)
		if err != nil {
			return nil, err
		}
		report.TotalProcessed += counters.TotalProcessed
		report.TotalFailed += counters.TotalFailed
		totalDuration += counters.TotalDurationMs
	}

	total := report.TotalProcessed + report.TotalFailed
	if total > 0 {
		report.FailureRate = float64(report.TotalFailed) / float64(total)
	}
	if report.TotalProcessed > 0 {
		report.AvgDurationMs = totalDuration / float64(report.TotalProcessed)
	}
	report.HealthScore = healthScore(report.FailureRate)

	return report, nil
}

// healthScore maps the failure rate onto 0-100. A queue failing every job
// bottoms out at zero; a clean queue scores 100.
func healthScore(failureRate float64) float64 {
	score := 100 * (1 - failureRate)
	if score < 0 {
		return 0
	}
	return score
}

func distribution(values []float64) domain.DistributionStats {
	if len(values) == 0 {
		return domain.DistributionStats{}
	}
	return domain.DistributionStats{
		Avg:    stats.Mean(values),
		Min:    stats.Min(values),
		Max:    stats.Max(values),
		P50:    stats.Percentile(values, 50),
		P95:    stats.Percentile(values, 95),
		P99:    stats.Percentile(values, 99),
		StdDev: stats.StdDev(values),
	}
}

func values(samples []domain.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}
