package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/domain"
)

func newDeviationFixture(t *testing.T) (*Ledger, *BaselineEngine, *DeviationDetector) {
	t.Helper()
	st, _ := newTestStore(t)
	ledger := NewLedger(st, testMetricsConfig(), testLogger())
	baselines := NewBaselineEngine(st, ledger, testBaselineConfig(), testLogger())
	detector := NewDeviationDetector(ledger, baselines, config.DeviationConfig{
		Threshold:         2.0,
		RecentSampleLimit: 200,
	}, testLogger())
	return ledger, baselines, detector
}

// recordVaried writes n samples around a center value with a small spread,
// starting at base, so the recent standard deviation is non-zero.
func recordVaried(t *testing.T, ledger *Ledger, key domain.JobKey, center float64, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		value := center + float64(i%5) - 2
		at := base.Add(time.Duration(i) * time.Second)
		jobID := fmt.Sprintf("%s-%.0f-%d", key.JobClass, center, i)
		require.NoError(t, ledger.RecordCompletion(context.Background(), jobID, key, value, value/10, value/2, at, ""))
	}
}

func TestDetectQueueNoBaseline(t *testing.T) {
	_, _, detector := newDeviationFixture(t)

	report, err := detector.DetectQueue(context.Background(), "redis", "default")
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestDetectQueueWithinBaseline(t *testing.T) {
	ledger, baselines, detector := newDeviationFixture(t)
	ctx := context.Background()
	key := testJobKey()

	require.NoError(t, ledger.RecordStart(ctx, "seed", key, time.Now()))
	recordVaried(t, ledger, key, 100, 50, time.Now().Add(-time.Minute))
	_, err := baselines.RecalculateQueue(ctx, "redis", "default")
	require.NoError(t, err)

	report, err := detector.DetectQueue(ctx, "redis", "default")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.False(t, report.Deviating)
	assert.Less(t, report.Score, 2.0)
	assert.Greater(t, report.SampleCount, 0)
}

func TestDetectQueueDeviating(t *testing.T) {
	ledger, baselines, detector := newDeviationFixture(t)
	ctx := context.Background()
	key := testJobKey()

	require.NoError(t, ledger.RecordStart(ctx, "seed", key, time.Now()))
	recordVaried(t, ledger, key, 100, 100, time.Now().Add(-2*time.Hour))
	_, err := baselines.RecalculateQueue(ctx, "redis", "default")
	require.NoError(t, err)

	// Durations shift far from the stored baseline while the recent spread
	// stays small, so the score in recent standard deviations explodes.
	recordVaried(t, ledger, key, 500, 200, time.Now().Add(-4*time.Minute))

	report, err := detector.DetectQueue(ctx, "redis", "default")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, report.Deviating)
	assert.Greater(t, report.Score, 2.0)
	assert.Greater(t, report.DurationScore, 2.0)
}

func TestDeviationScoreZeroVariance(t *testing.T) {
	// Identical samples have zero spread; the score is defined as zero
	// rather than dividing by it.
	assert.Equal(t, 0.0, deviationScore([]float64{100, 100, 100}, 500))
	assert.Equal(t, 0.0, deviationScore(nil, 500))
}

func TestDeviationScore(t *testing.T) {
	// Mean 100, population stddev ~1.633 against a baseline of 94.
	recent := []float64{98, 100, 102, 98, 102, 100}
	assert.InDelta(t, 3.674, deviationScore(recent, 94), 0.01)
}

func TestRecommendIntervalNoBaseline(t *testing.T) {
	_, _, detector := newDeviationFixture(t)

	interval, err := detector.RecommendInterval(context.Background(), "redis", "default")
	require.NoError(t, err)
	assert.Equal(t, intervalNoBaseline, interval)
}

func TestRecommendIntervalByConfidence(t *testing.T) {
	ledger, baselines, detector := newDeviationFixture(t)
	ctx := context.Background()
	key := testJobKey()

	require.NoError(t, ledger.RecordStart(ctx, "seed", key, time.Now()))
	recordVaried(t, ledger, key, 100, 50, time.Now().Add(-time.Minute))
	_, err := baselines.RecalculateQueue(ctx, "redis", "default")
	require.NoError(t, err)

	// 50 of 200 target samples lands confidence in the 0.6-0.8 tier.
	aggregate, err := baselines.Get(ctx, "redis", "default", "")
	require.NoError(t, err)
	require.NotNil(t, aggregate)
	require.GreaterOrEqual(t, aggregate.ConfidenceScore, 0.6)
	require.Less(t, aggregate.ConfidenceScore, 0.8)

	interval, err := detector.RecommendInterval(ctx, "redis", "default")
	require.NoError(t, err)
	assert.Equal(t, intervalHigh, interval)
}

func TestRecommendIntervalDeviating(t *testing.T) {
	ledger, baselines, detector := newDeviationFixture(t)
	ctx := context.Background()
	key := testJobKey()

	require.NoError(t, ledger.RecordStart(ctx, "seed", key, time.Now()))
	recordVaried(t, ledger, key, 100, 200, time.Now().Add(-2*time.Hour))
	_, err := baselines.RecalculateQueue(ctx, "redis", "default")
	require.NoError(t, err)

	recordVaried(t, ledger, key, 900, 200, time.Now().Add(-4*time.Minute))

	interval, err := detector.RecommendInterval(ctx, "redis", "default")
	require.NoError(t, err)
	assert.Equal(t, intervalDeviating, interval)
}
