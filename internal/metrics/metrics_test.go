package metrics

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/store"
	"github.com/orchids/queuepulse/pkg/logger"
)

func newTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.New(client, "test"), mr
}

func testLogger() *logger.Logger {
	return logger.New("test", "error")
}

func testMetricsConfig() config.MetricsConfig {
	return config.MetricsConfig{
		KeyPrefix:      "test",
		SampleCap:      10000,
		SampleTTL:      time.Hour,
		CounterTTL:     24 * time.Hour,
		StartMarkerTTL: 10 * time.Minute,
		StatWindows:    []int64{60, 300},
	}
}

func testBaselineConfig() config.BaselineConfig {
	return config.BaselineConfig{
		MaxSamples:           100,
		DecayFactor:          0.1,
		TargetSampleSize:     200,
		SlidingWindowDays:    7,
		SignificantChangePct: 20,
		TTL:                  7 * 24 * time.Hour,
	}
}

func testHeartbeatConfig() config.HeartbeatConfig {
	return config.HeartbeatConfig{
		TTL:            10 * time.Minute,
		StaleThreshold: 60 * time.Second,
		Interval:       15 * time.Second,
	}
}

func testTrendConfig() config.TrendConfig {
	return config.TrendConfig{
		Window:          24 * time.Hour,
		IntervalSeconds: 300,
		DepthThreshold:  1000,
		EfficiencySwing: 0.25,
	}
}
