package metrics

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/internal/store"
	"github.com/orchids/queuepulse/pkg/logger"
)

// BaselineNotifier receives every recalculated baseline together with the
// significant-change flag. Implementations live in internal/notify.
type BaselineNotifier interface {
	BaselineRecalculated(ctx context.Context, baseline *domain.Baseline, change domain.BaselineChange)
}

// BaselineArchiver appends recalculated baselines to long-term storage.
type BaselineArchiver interface {
	Insert(ctx context.Context, baseline *domain.Baseline) error
}

// BaselineEngine computes exponentially-decayed per-job-class baselines and
// a sample-count-weighted aggregate per queue. Baselines are superseded on
// each recalculation, never merged; change detection diffs against the
// prior stored value before the overwrite.
type BaselineEngine struct {
	store    *store.Store
	ledger   *Ledger
	log      *logger.Logger
	cfg      config.BaselineConfig
	notifier BaselineNotifier
	archive  BaselineArchiver
}

func NewBaselineEngine(st *store.Store, ledger *Ledger, cfg config.BaselineConfig, log *logger.Logger) *BaselineEngine {
	return &BaselineEngine{
		store:  st,
		ledger: ledger,
		log:    log.WithComponent("baseline"),
		cfg:    cfg,
	}
}

// SetNotifier wires the outbound notification hook. Optional.
func (e *BaselineEngine) SetNotifier(n BaselineNotifier) { e.notifier = n }

// SetArchive wires the long-term archive sink. Optional.
func (e *BaselineEngine) SetArchive(a BaselineArchiver) { e.archive = a }

func (e *BaselineEngine) baselineKey(connection, queue, jobClass string) string {
	if jobClass == "" {
		return e.store.Key("baseline", connection, queue)
	}
	return e.store.Key("baseline", connection, queue, jobClass)
}

// RecalculateQueue recomputes the baseline of every discovered job class in
// the queue plus the queue-level aggregate, persisting and notifying each.
func (e *BaselineEngine) RecalculateQueue(ctx context.Context, connection, queue string) ([]*domain.Baseline, error) {
	classes, err := e.ledger.JobClasses(ctx, connection, queue)
	if err != nil {
		return nil, err
	}

	baselines := make([]*domain.Baseline, 0, len(classes)+1)
	for _, class := range classes {
		key := domain.JobKey{Connection: connection, Queue: queue, JobClass: class}
		baseline, err := e.ComputeJobClass(ctx, key)
		if err != nil {
			return nil, err
		}
		if baseline == nil {
			continue
		}
		if err := e.persist(ctx, baseline); err != nil {
			return nil, err
		}
		baselines = append(baselines, baseline)
	}

	if aggregate := aggregateBaselines(connection, queue, baselines); aggregate != nil {
		if err := e.persist(ctx, aggregate); err != nil {
			return nil, err
		}
		baselines = append(baselines, aggregate)
	}

	return baselines, nil
}

// ComputeJobClass derives the baseline of one job class from its most
// recent samples. Zero samples yield nil, not an error.
func (e *BaselineEngine) ComputeJobClass(ctx context.Context, key domain.JobKey) (*domain.Baseline, error) {
	limit := int64(e.cfg.MaxSamples)
	durations, err := e.ledger.GetDurationSamples(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	if len(durations) == 0 {
		return nil, nil
	}
	memory, err := e.ledger.GetMemorySamples(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	cpu, err := e.ledger.GetCpuTimeSamples(ctx, key, limit)
	if err != nil {
		return nil, err
	}

	avgDuration := e.decayedAverage(values(durations))
	avgMemory := e.decayedAverage(values(memory))
	avgCpuMs := e.decayedAverage(values(cpu))

	// CPU time per job expressed as a share of its wall-clock duration.
	var cpuPercent float64
	if avgDuration > 0 {
		cpuPercent = avgCpuMs / avgDuration * 100
	}

	sampleCount := int64(len(durations))
	return &domain.Baseline{
		Connection:       key.Connection,
		Queue:            key.Queue,
		JobClass:         key.JobClass,
		CpuPercentPerJob: cpuPercent,
		MemoryMbPerJob:   avgMemory,
		AvgDurationMs:    avgDuration,
		SampleCount:      sampleCount,
		ConfidenceScore:  ConfidenceScore(sampleCount, int64(e.cfg.TargetSampleSize)),
		CalculatedAt:     time.Now(),
	}, nil
}

// decayedAverage weights chronologically ordered samples by
// exp(-decay * ageDays). The newest sample carries age ~0 and therefore the
// highest weight; age grows toward the oldest end of the series,
// approximated from retrieval position scaled by the sliding window.
func (e *BaselineEngine) decayedAverage(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	var weightedSum, weightTotal float64
	for i, v := range values {
		ageDays := float64(n-1-i) / float64(n) * e.cfg.SlidingWindowDays
		weight := math.Exp(-e.cfg.DecayFactor * ageDays)
		weightedSum += v * weight
		weightTotal += weight
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

// ConfidenceScore maps a sample count onto [0,1], saturating at the target
// size. Logarithmic so early samples earn confidence fastest.
func ConfidenceScore(sampleCount, targetSampleSize int64) float64 {
	if sampleCount <= 0 {
		return 0
	}
	if targetSampleSize <= 0 || sampleCount >= targetSampleSize {
		return 1
	}
	score := math.Log(float64(sampleCount)+1) / math.Log(float64(targetSampleSize)+1)
	if score > 1 {
		score = 1
	}
	return math.Round(score*100) / 100
}

// aggregateBaselines folds per-class baselines into one queue-level
// baseline, weighted by each class's sample count.
func aggregateBaselines(connection, queue string, baselines []*domain.Baseline) *domain.Baseline {
	if len(baselines) == 0 {
		return nil
	}

	var totalSamples int64
	var duration, memory, cpu float64
	for _, b := range baselines {
		w := float64(b.SampleCount)
		duration += b.AvgDurationMs * w
		memory += b.MemoryMbPerJob * w
		cpu += b.CpuPercentPerJob * w
		totalSamples += b.SampleCount
	}
	if totalSamples == 0 {
		return nil
	}

	w := float64(totalSamples)
	confidence := float64(0)
	for _, b := range baselines {
		confidence += b.ConfidenceScore * float64(b.SampleCount)
	}

	return &domain.Baseline{
		Connection:       connection,
		Queue:            queue,
		JobClass:         "",
		CpuPercentPerJob: cpu / w,
		MemoryMbPerJob:   memory / w,
		AvgDurationMs:    duration / w,
		SampleCount:      totalSamples,
		ConfidenceScore:  math.Round(confidence/w*100) / 100,
		CalculatedAt:     time.Now(),
	}
}

// persist diffs the new baseline against the stored one, overwrites it, and
// fires the notification with the significant-change flag.
func (e *BaselineEngine) persist(ctx context.Context, baseline *domain.Baseline) error {
	prior, err := e.Get(ctx, baseline.Connection, baseline.Queue, baseline.JobClass)
	if err != nil {
		return err
	}
	change := diffBaselines(prior, baseline, e.cfg.SignificantChangePct)

	key := e.baselineKey(baseline.Connection, baseline.Queue, baseline.JobClass)
	err = e.store.Transaction(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"cpu_percent_per_job": baseline.CpuPercentPerJob,
			"memory_mb_per_job":   baseline.MemoryMbPerJob,
			"avg_duration_ms":     baseline.AvgDurationMs,
			"sample_count":        baseline.SampleCount,
			"confidence_score":    baseline.ConfidenceScore,
			"calculated_at":       baseline.CalculatedAt.UnixMilli(),
		})
		pipe.Expire(ctx, key, e.cfg.TTL)
		return nil
	})
	if err != nil {
		return err
	}

	if e.archive != nil {
		if err := e.archive.Insert(ctx, baseline); err != nil {
			e.log.Warn(ctx, "baseline archive insert failed", map[string]interface{}{
				"error": err.Error(),
				"queue": baseline.Queue,
			})
		}
	}

	if e.notifier != nil {
		e.notifier.BaselineRecalculated(ctx, baseline, change)
	}

	if change.Significant {
		e.log.Info(ctx, "significant baseline change", map[string]interface{}{
			"connection":     baseline.Connection,
			"queue":          baseline.Queue,
			"job_class":      baseline.JobClass,
			"duration_delta": change.DurationDelta,
			"cpu_delta":      change.CpuDelta,
			"memory_delta":   change.MemoryDelta,
		})
	}
	return nil
}

// Get loads a stored baseline. A missing key yields (nil, nil).
func (e *BaselineEngine) Get(ctx context.Context, connection, queue, jobClass string) (*domain.Baseline, error) {
	fields, err := e.store.Client().HGetAll(ctx, e.baselineKey(connection, queue, jobClass)).Result()
	if err != nil {
		return nil, store.Wrap(err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	baseline := &domain.Baseline{
		Connection:       connection,
		Queue:            queue,
		JobClass:         jobClass,
		CpuPercentPerJob: parseFloatField(fields["cpu_percent_per_job"]),
		MemoryMbPerJob:   parseFloatField(fields["memory_mb_per_job"]),
		AvgDurationMs:    parseFloatField(fields["avg_duration_ms"]),
		SampleCount:      int64(parseFloatField(fields["sample_count"])),
		ConfidenceScore:  parseFloatField(fields["confidence_score"]),
	}
	if ms := int64(parseFloatField(fields["calculated_at"])); ms > 0 {
		baseline.CalculatedAt = time.UnixMilli(ms)
	}
	return baseline, nil
}

// diffBaselines computes relative deltas against the prior stored value.
// With no prior baseline nothing counts as significant.
func diffBaselines(prior, next *domain.Baseline, significantPct float64) domain.BaselineChange {
	var change domain.BaselineChange
	if prior == nil {
		return change
	}

	change.DurationDelta = relativeDelta(prior.AvgDurationMs, next.AvgDurationMs)
	change.CpuDelta = relativeDelta(prior.CpuPercentPerJob, next.CpuPercentPerJob)
	change.MemoryDelta = relativeDelta(prior.MemoryMbPerJob, next.MemoryMbPerJob)

	threshold := significantPct / 100
	change.Significant = math.Abs(change.DurationDelta) > threshold ||
		math.Abs(change.CpuDelta) > threshold ||
		math.Abs(change.MemoryDelta) > threshold
	return change
}

func relativeDelta(prior, next float64) float64 {
	if prior == 0 {
		return 0
	}
	return (next - prior) / prior
}

func parseFloatField(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
