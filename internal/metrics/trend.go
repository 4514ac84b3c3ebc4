package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/internal/stats"
	"github.com/orchids/queuepulse/internal/store"
	"github.com/orchids/queuepulse/pkg/logger"
)

const (
	SeriesQueueDepth       = "queue_depth_history"
	SeriesThroughput       = "throughput_history"
	SeriesWorkerEfficiency = "worker_efficiency_history"
)

const directionSlopeThreshold = 0.1

// TrendEngine records windowed (timestamp, value) series and fits an
// ordinary-least-squares line over them for direction classification and
// one-step forecasting.
type TrendEngine struct {
	store *store.Store
	log   *logger.Logger
	cfg   config.TrendConfig
}

func NewTrendEngine(st *store.Store, cfg config.TrendConfig, log *logger.Logger) *TrendEngine {
	return &TrendEngine{
		store: st,
		log:   log.WithComponent("trend"),
		cfg:   cfg,
	}
}

func (e *TrendEngine) seriesKey(series, connection, queue string) string {
	return e.store.Key(series, connection, queue)
}

// RecordPoint appends one point and trims the series to the configured
// window, both in one transaction.
func (e *TrendEngine) RecordPoint(ctx context.Context, series, connection, queue string, value float64, at time.Time) error {
	point := domain.TrendPoint{Timestamp: at.Unix(), Value: value}
	member, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("marshal trend point: %w", err)
	}

	key := e.seriesKey(series, connection, queue)
	cutoff := at.Add(-e.cfg.Window).Unix()
	return e.store.Transaction(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(point.Timestamp), Member: string(member)})
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
		pipe.Expire(ctx, key, e.cfg.Window+time.Hour)
		return nil
	})
}

// Points loads the stored series in chronological order. Malformed members
// are skipped rather than failing the read.
func (e *TrendEngine) Points(ctx context.Context, series, connection, queue string) ([]domain.TrendPoint, error) {
	members, err := e.store.Client().ZRangeByScore(ctx, e.seriesKey(series, connection, queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, store.Wrap(err)
	}

	points := make([]domain.TrendPoint, 0, len(members))
	for _, m := range members {
		var p domain.TrendPoint
		if err := json.Unmarshal([]byte(m), &p); err != nil {
			e.log.Debug(ctx, "skipping malformed trend point", map[string]interface{}{"member": m})
			continue
		}
		points = append(points, p)
	}
	return points, nil
}

// Analyze fits a regression line over the stored series. Fewer than two
// points report unavailable, not an error.
func (e *TrendEngine) Analyze(ctx context.Context, series, connection, queue string) (*domain.TrendResult, error) {
	points, err := e.Points(ctx, series, connection, queue)
	if err != nil {
		return nil, err
	}
	result := AnalyzePoints(points)
	return &result, nil
}

// Forecast extrapolates the fitted line one interval past the last point,
// clamped to be non-negative.
func (e *TrendEngine) Forecast(ctx context.Context, series, connection, queue string) (*domain.Forecast, error) {
	points, err := e.Points(ctx, series, connection, queue)
	if err != nil {
		return nil, err
	}
	forecast := ForecastPoints(points, e.cfg.IntervalSeconds)
	return &forecast, nil
}

// AnalyzePoints is the pure regression core: summary statistics plus an OLS
// fit over (timestamp - firstTimestamp, value).
func AnalyzePoints(points []domain.TrendPoint) domain.TrendResult {
	if len(points) < 2 {
		return domain.TrendResult{Available: false, PointCount: len(points)}
	}

	vals := make([]float64, len(points))
	for i, p := range points {
		vals[i] = p.Value
	}

	slope, intercept, r2 := leastSquares(points)

	direction := domain.TrendStable
	if slope > directionSlopeThreshold {
		direction = domain.TrendIncreasing
	} else if slope < -directionSlopeThreshold {
		direction = domain.TrendDecreasing
	}

	return domain.TrendResult{
		Available:      true,
		PointCount:     len(points),
		Mean:           stats.Mean(vals),
		Min:            stats.Min(vals),
		Max:            stats.Max(vals),
		StdDev:         stats.StdDev(vals),
		Slope:          slope,
		Intercept:      intercept,
		RSquared:       r2,
		Direction:      direction,
		FirstTimestamp: points[0].Timestamp,
		LastTimestamp:  points[len(points)-1].Timestamp,
	}
}

// ForecastPoints extrapolates to lastTimestamp + intervalSeconds.
func ForecastPoints(points []domain.TrendPoint, intervalSeconds int64) domain.Forecast {
	if len(points) < 2 {
		return domain.Forecast{Available: false}
	}

	slope, intercept, _ := leastSquares(points)
	first := points[0].Timestamp
	target := points[len(points)-1].Timestamp + intervalSeconds

	value := slope*float64(target-first) + intercept
	if value < 0 {
		value = 0
	}
	return domain.Forecast{
		Available: true,
		Timestamp: target,
		Value:     value,
	}
}

// leastSquares fits y = slope*x + intercept over x = t - t0, returning the
// coefficient of determination clamped to [0,1]. A vertical or flat series
// degrades gracefully: zero x-variance yields a flat line, zero y-variance
// a perfect fit.
func leastSquares(points []domain.TrendPoint) (slope, intercept, r2 float64) {
	n := float64(len(points))
	t0 := points[0].Timestamp

	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := float64(p.Timestamp - t0)
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for _, p := range points {
		x := float64(p.Timestamp - t0)
		predicted := slope*x + intercept
		ssTot += (p.Value - meanY) * (p.Value - meanY)
		ssRes += (p.Value - predicted) * (p.Value - predicted)
	}
	if ssTot == 0 {
		return slope, intercept, 1
	}

	r2 = 1 - ssRes/ssTot
	if r2 < 0 {
		r2 = 0
	} else if r2 > 1 {
		r2 = 1
	}
	return slope, intercept, r2
}

// DepthThresholdBreached reports whether the most recent depth point
// breaches the configured alerting threshold.
func (e *TrendEngine) DepthThresholdBreached(points []domain.TrendPoint) bool {
	if len(points) == 0 {
		return false
	}
	return points[len(points)-1].Value >= e.cfg.DepthThreshold
}
