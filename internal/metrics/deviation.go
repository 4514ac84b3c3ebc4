package metrics

import (
	"context"
	"math"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/internal/stats"
	"github.com/orchids/queuepulse/pkg/logger"
)

// Recalculation intervals in minutes, picked by baseline confidence tier.
// A deviating queue is always recalculated on the fast interval.
const (
	intervalNoBaseline = 1
	intervalLow        = 5
	intervalMedium     = 10
	intervalHigh       = 30
	intervalVeryHigh   = 60
	intervalDeviating  = 5

	lowConfidenceBound    = 0.4
	mediumConfidenceBound = 0.6
	highConfidenceBound   = 0.8
)

// DeviationDetector compares recent samples across all job classes in a
// queue against the stored queue-level baseline and scores the divergence
// in standard deviations of the recent data.
type DeviationDetector struct {
	ledger    *Ledger
	baselines *BaselineEngine
	log       *logger.Logger
	cfg       config.DeviationConfig
}

func NewDeviationDetector(ledger *Ledger, baselines *BaselineEngine, cfg config.DeviationConfig, log *logger.Logger) *DeviationDetector {
	return &DeviationDetector{
		ledger:    ledger,
		baselines: baselines,
		log:       log.WithComponent("deviation"),
		cfg:       cfg,
	}
}

// DetectQueue returns nil when no baseline is stored or no recent samples
// exist; deviation is undefined in both cases.
func (d *DeviationDetector) DetectQueue(ctx context.Context, connection, queue string) (*domain.DeviationReport, error) {
	baseline, err := d.baselines.Get(ctx, connection, queue, "")
	if err != nil {
		return nil, err
	}
	if baseline == nil {
		return nil, nil
	}

	classes, err := d.ledger.JobClasses(ctx, connection, queue)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, nil
	}

	// Each class contributes an equal share of the global sample budget so
	// one chatty class cannot crowd out the rest.
	perClass := int64(d.cfg.RecentSampleLimit / len(classes))
	if perClass < 1 {
		perClass = 1
	}

	var durations, memory, cpu []float64
	for _, class := range classes {
		key := domain.JobKey{Connection: connection, Queue: queue, JobClass: class}

		ds, err := d.ledger.GetDurationSamples(ctx, key, perClass)
		if err != nil {
			return nil, err
		}
		ms, err := d.ledger.GetMemorySamples(ctx, key, perClass)
		if err != nil {
			return nil, err
		}
		cs, err := d.ledger.GetCpuTimeSamples(ctx, key, perClass)
		if err != nil {
			return nil, err
		}

		durations = append(durations, values(ds)...)
		memory = append(memory, values(ms)...)
		cpu = append(cpu, values(cs)...)
	}

	if len(durations) == 0 {
		return nil, nil
	}

	// The baseline stores CPU as a percent of wall-clock; recent CPU samples
	// are raw milliseconds, so the baseline is converted back before scoring.
	baselineCpuMs := baseline.CpuPercentPerJob / 100 * baseline.AvgDurationMs

	report := &domain.DeviationReport{
		Connection:    connection,
		Queue:         queue,
		DurationScore: deviationScore(durations, baseline.AvgDurationMs),
		MemoryScore:   deviationScore(memory, baseline.MemoryMbPerJob),
		CpuScore:      deviationScore(cpu, baselineCpuMs),
		SampleCount:   len(durations),
	}
	report.Score = math.Max(report.DurationScore, math.Max(report.MemoryScore, report.CpuScore))
	report.Deviating = report.Score > d.cfg.Threshold

	return report, nil
}

// RecommendInterval picks the baseline recalculation cadence in minutes:
// fast while no baseline exists or the queue is deviating, slower as
// confidence accumulates.
func (d *DeviationDetector) RecommendInterval(ctx context.Context, connection, queue string) (int, error) {
	baseline, err := d.baselines.Get(ctx, connection, queue, "")
	if err != nil {
		return 0, err
	}
	if baseline == nil {
		return intervalNoBaseline, nil
	}

	report, err := d.DetectQueue(ctx, connection, queue)
	if err != nil {
		return 0, err
	}
	if report != nil && report.Deviating {
		return intervalDeviating, nil
	}

	switch {
	case baseline.ConfidenceScore < lowConfidenceBound:
		return intervalLow, nil
	case baseline.ConfidenceScore < mediumConfidenceBound:
		return intervalMedium, nil
	case baseline.ConfidenceScore < highConfidenceBound:
		return intervalHigh, nil
	default:
		return intervalVeryHigh, nil
	}
}

// deviationScore is |mean(recent) - baseline| in units of the recent
// samples' standard deviation. Zero variance contributes zero rather than
// dividing by it.
func deviationScore(recent []float64, baselineValue float64) float64 {
	if len(recent) == 0 {
		return 0
	}
	sd := stats.StdDev(recent)
	if sd == 0 {
		return 0
	}
	return math.Abs(stats.Mean(recent)-baselineValue) / sd
}
