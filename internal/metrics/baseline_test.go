package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchids/queuepulse/internal/domain"
)

type captureNotifier struct {
	baselines []*domain.Baseline
	changes   []domain.BaselineChange
}

func (c *captureNotifier) BaselineRecalculated(_ context.Context, baseline *domain.Baseline, change domain.BaselineChange) {
	c.baselines = append(c.baselines, baseline)
	c.changes = append(c.changes, change)
}

func recordSamples(t *testing.T, ledger *Ledger, key domain.JobKey, durations []float64) {
	t.Helper()
	base := time.Now().Add(-time.Duration(len(durations)) * time.Second)
	for i, d := range durations {
		at := base.Add(time.Duration(i) * time.Second)
		jobID := fmt.Sprintf("%s-%d", key.JobClass, i)
		require.NoError(t, ledger.RecordCompletion(context.Background(), jobID, key, d, d/10, d/2, at, ""))
	}
}

func TestConfidenceScore(t *testing.T) {
	assert.Equal(t, 0.0, ConfidenceScore(0, 200))
	assert.Equal(t, 1.0, ConfidenceScore(200, 200))
	assert.Equal(t, 1.0, ConfidenceScore(500, 200))

	// Monotonically non-decreasing in the sample count.
	prev := 0.0
	for n := int64(1); n <= 200; n++ {
		score := ConfidenceScore(n, 200)
		assert.GreaterOrEqual(t, score, prev, "n=%d", n)
		assert.LessOrEqual(t, score, 1.0)
		prev = score
	}

	// Logarithmic shape: half the target already earns most of the score.
	assert.Greater(t, ConfidenceScore(100, 200), 0.8)
}

func TestComputeJobClassNoSamples(t *testing.T) {
	st, _ := newTestStore(t)
	ledger := NewLedger(st, testMetricsConfig(), testLogger())
	engine := NewBaselineEngine(st, ledger, testBaselineConfig(), testLogger())

	baseline, err := engine.ComputeJobClass(context.Background(), testJobKey())
	require.NoError(t, err)
	assert.Nil(t, baseline)
}

func TestComputeJobClass(t *testing.T) {
	st, _ := newTestStore(t)
	ledger := NewLedger(st, testMetricsConfig(), testLogger())
	engine := NewBaselineEngine(st, ledger, testBaselineConfig(), testLogger())
	key := testJobKey()

	durations := make([]float64, 50)
	for i := range durations {
		durations[i] = 100
	}
	recordSamples(t, ledger, key, durations)

	baseline, err := engine.ComputeJobClass(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, baseline)

	// Constant samples make the decayed average exact regardless of weights.
	assert.InDelta(t, 100.0, baseline.AvgDurationMs, 1e-9)
	assert.InDelta(t, 10.0, baseline.MemoryMbPerJob, 1e-9)
	// CPU 50ms of a 100ms job is 50 percent.
	assert.InDelta(t, 50.0, baseline.CpuPercentPerJob, 1e-9)
	assert.Equal(t, int64(50), baseline.SampleCount)
	assert.Equal(t, ConfidenceScore(50, 200), baseline.ConfidenceScore)
}

func TestDecayedAverageFavorsRecentSamples(t *testing.T) {
	st, _ := newTestStore(t)
	ledger := NewLedger(st, testMetricsConfig(), testLogger())
	engine := NewBaselineEngine(st, ledger, testBaselineConfig(), testLogger())

	// Chronological input: old samples at 100ms, recent ones at 200ms. The
	// decayed average must land above the flat mean of 150.
	values := make([]float64, 100)
	for i := range values {
		if i < 50 {
			values[i] = 100
		} else {
			values[i] = 200
		}
	}
	avg := engine.decayedAverage(values)
	assert.Greater(t, avg, 150.0)
	assert.Less(t, avg, 200.0)

	assert.Equal(t, 0.0, engine.decayedAverage(nil))
	assert.Equal(t, 42.0, engine.decayedAverage([]float64{42}))
}

func TestRecalculateQueuePersistsClassAndAggregate(t *testing.T) {
	st, _ := newTestStore(t)
	ledger := NewLedger(st, testMetricsConfig(), testLogger())
	engine := NewBaselineEngine(st, ledger, testBaselineConfig(), testLogger())
	ctx := context.Background()

	emailKey := domain.JobKey{Connection: "redis", Queue: "default", JobClass: "SendEmail"}
	resizeKey := domain.JobKey{Connection: "redis", Queue: "default", JobClass: "ResizeImage"}

	require.NoError(t, ledger.RecordStart(ctx, "seed-1", emailKey, time.Now()))
	require.NoError(t, ledger.RecordStart(ctx, "seed-2", resizeKey, time.Now()))
	recordSamples(t, ledger, emailKey, repeat(100, 30))
	recordSamples(t, ledger, resizeKey, repeat(300, 10))

	baselines, err := engine.RecalculateQueue(ctx, "redis", "default")
	require.NoError(t, err)
	require.Len(t, baselines, 3)

	email, err := engine.Get(ctx, "redis", "default", "SendEmail")
	require.NoError(t, err)
	require.NotNil(t, email)
	assert.InDelta(t, 100.0, email.AvgDurationMs, 1e-9)

	// Aggregate is weighted by sample count: (100*30 + 300*10) / 40 = 150.
	aggregate, err := engine.Get(ctx, "redis", "default", "")
	require.NoError(t, err)
	require.NotNil(t, aggregate)
	assert.InDelta(t, 150.0, aggregate.AvgDurationMs, 1e-9)
	assert.Equal(t, int64(40), aggregate.SampleCount)
}

func TestGetMissingBaseline(t *testing.T) {
	st, _ := newTestStore(t)
	ledger := NewLedger(st, testMetricsConfig(), testLogger())
	engine := NewBaselineEngine(st, ledger, testBaselineConfig(), testLogger())

	baseline, err := engine.Get(context.Background(), "redis", "default", "SendEmail")
	require.NoError(t, err)
	assert.Nil(t, baseline)
}

func TestBaselineRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ledger := NewLedger(st, testMetricsConfig(), testLogger())
	engine := NewBaselineEngine(st, ledger, testBaselineConfig(), testLogger())
	ctx := context.Background()
	key := testJobKey()

	recordSamples(t, ledger, key, repeat(120, 20))

	computed, err := engine.ComputeJobClass(ctx, key)
	require.NoError(t, err)
	require.NoError(t, engine.persist(ctx, computed))

	stored, err := engine.Get(ctx, key.Connection, key.Queue, key.JobClass)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.InDelta(t, computed.AvgDurationMs, stored.AvgDurationMs, 1e-9)
	assert.InDelta(t, computed.MemoryMbPerJob, stored.MemoryMbPerJob, 1e-9)
	assert.InDelta(t, computed.CpuPercentPerJob, stored.CpuPercentPerJob, 1e-9)
	assert.Equal(t, computed.SampleCount, stored.SampleCount)
	assert.Equal(t, computed.ConfidenceScore, stored.ConfidenceScore)
	assert.False(t, stored.CalculatedAt.IsZero())
}

func TestSignificantChangeNotification(t *testing.T) {
	st, _ := newTestStore(t)
	ledger := NewLedger(st, testMetricsConfig(), testLogger())
	engine := NewBaselineEngine(st, ledger, testBaselineConfig(), testLogger())
	notifier := &captureNotifier{}
	engine.SetNotifier(notifier)
	ctx := context.Background()
	key := testJobKey()

	recordSamples(t, ledger, key, repeat(100, 20))
	first, err := engine.ComputeJobClass(ctx, key)
	require.NoError(t, err)
	require.NoError(t, engine.persist(ctx, first))

	// No prior baseline: nothing counts as significant.
	require.Len(t, notifier.changes, 1)
	assert.False(t, notifier.changes[0].Significant)

	// Durations rise well past the 20 percent threshold.
	recordSamples(t, ledger, key, repeat(500, 100))
	second, err := engine.ComputeJobClass(ctx, key)
	require.NoError(t, err)
	require.NoError(t, engine.persist(ctx, second))

	require.Len(t, notifier.changes, 2)
	assert.True(t, notifier.changes[1].Significant)
	assert.Greater(t, notifier.changes[1].DurationDelta, 0.2)
}

func TestMinorChangeNotSignificant(t *testing.T) {
	st, _ := newTestStore(t)
	ledger := NewLedger(st, testMetricsConfig(), testLogger())
	engine := NewBaselineEngine(st, ledger, testBaselineConfig(), testLogger())
	notifier := &captureNotifier{}
	engine.SetNotifier(notifier)
	ctx := context.Background()
	key := testJobKey()

	recordSamples(t, ledger, key, repeat(100, 50))
	first, err := engine.ComputeJobClass(ctx, key)
	require.NoError(t, err)
	require.NoError(t, engine.persist(ctx, first))

	recordSamples(t, ledger, key, repeat(100, 10))
	second, err := engine.ComputeJobClass(ctx, key)
	require.NoError(t, err)
	require.NoError(t, engine.persist(ctx, second))

	require.Len(t, notifier.changes, 2)
	assert.False(t, notifier.changes[1].Significant)
}

func TestDiffBaselines(t *testing.T) {
	prior := &domain.Baseline{AvgDurationMs: 100, CpuPercentPerJob: 50, MemoryMbPerJob: 10}
	next := &domain.Baseline{AvgDurationMs: 130, CpuPercentPerJob: 50, MemoryMbPerJob: 10}

	change := diffBaselines(prior, next, 20)
	assert.True(t, change.Significant)
	assert.InDelta(t, 0.3, change.DurationDelta, 1e-9)
	assert.InDelta(t, 0.0, change.CpuDelta, 1e-9)

	change = diffBaselines(nil, next, 20)
	assert.False(t, change.Significant)

	// A zero prior value contributes no delta instead of dividing by zero.
	change = diffBaselines(&domain.Baseline{}, next, 20)
	assert.False(t, change.Significant)
	assert.Equal(t, 0.0, change.DurationDelta)
}

func repeat(value float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value
	}
	return out
}
