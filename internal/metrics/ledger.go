package metrics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/internal/store"
	"github.com/orchids/queuepulse/pkg/logger"
)

const maxExceptionLength = 1000

const (
	seriesDurations = "durations"
	seriesMemory    = "memory"
	seriesCpu       = "cpu"
)

// throughputScript counts samples inside a trailing window. The cutoff is
// derived from the server's own clock and the count happens in the same
// atomic invocation, so concurrent writers cannot slip between the two.
var throughputScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) + tonumber(t[2]) / 1000000
local cutoff = now - tonumber(ARGV[1])
return redis.call('ZCOUNT', KEYS[1], cutoff, '+inf')
`)

// windowAvgScript averages the tagged values of samples inside a trailing
// window, same clock semantics as throughputScript. Returns a string to
// keep float precision across the reply.
var windowAvgScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) + tonumber(t[2]) / 1000000
local cutoff = now - tonumber(ARGV[1])
local members = redis.call('ZRANGEBYSCORE', KEYS[1], cutoff, '+inf')
if #members == 0 then
  return '0'
end
local sum = 0
local count = 0
for _, m in ipairs(members) do
  local v = tonumber(string.match(m, '^([^:]+)'))
  if v then
    sum = sum + v
    count = count + 1
  end
end
if count == 0 then
  return '0'
end
return tostring(sum / count)
`)

// Ledger records job lifecycle events into counter hashes, bounded sample
// series, and discovery sets. Every mutation is a single transaction;
// recording must never partially apply under concurrent workers.
type Ledger struct {
	store *store.Store
	log   *logger.Logger
	cfg   config.MetricsConfig
}

func NewLedger(st *store.Store, cfg config.MetricsConfig, log *logger.Logger) *Ledger {
	return &Ledger{
		store: st,
		log:   log.WithComponent("ledger"),
		cfg:   cfg,
	}
}

func (l *Ledger) counterKey(key domain.JobKey) string {
	return l.store.Key("jobs", key.Connection, key.Queue, key.JobClass)
}

func (l *Ledger) seriesKey(kind string, key domain.JobKey) string {
	return l.store.Key(kind, key.Connection, key.Queue, key.JobClass)
}

func (l *Ledger) startMarkerKey(jobID string) string {
	return l.store.Key("start", jobID)
}

func (l *Ledger) serverKey(hostname, connection, queue string) string {
	return l.store.Key("server", hostname, connection, queue)
}

func (l *Ledger) queueDiscoveryKey() string {
	return l.store.Key("discovery", "queues")
}

func (l *Ledger) jobDiscoveryKey() string {
	return l.store.Key("discovery", "jobs")
}

// RecordStart registers the queue and job class in the discovery sets,
// bumps the queued counter, and drops a short-lived start marker, all in
// one transaction.
func (l *Ledger) RecordStart(ctx context.Context, jobID string, key domain.JobKey, at time.Time) error {
	counterKey := l.counterKey(key)
	return l.store.Transaction(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, l.queueDiscoveryKey(), key.Connection+":"+key.Queue)
		pipe.SAdd(ctx, l.jobDiscoveryKey(), key.Connection+":"+key.Queue+":"+key.JobClass)
		pipe.HIncrBy(ctx, counterKey, "total_queued", 1)
		pipe.Set(ctx, l.startMarkerKey(jobID), strconv.FormatInt(at.UnixMilli(), 10), l.cfg.StartMarkerTTL)
		pipe.Expire(ctx, counterKey, l.cfg.CounterTTL)
		return nil
	})
}

// RecordCompletion applies all cumulative counters, appends one uniquely
// tagged sample per series, trims each series to the cap, and clears the
// start marker atomically. A non-empty hostname additionally updates the
// per-server rollup in a second transaction.
func (l *Ledger) RecordCompletion(ctx context.Context, jobID string, key domain.JobKey, durationMs, memoryMb, cpuTimeMs float64, at time.Time, hostname string) error {
	counterKey := l.counterKey(key)
	score := scoreAt(at)

	err := l.store.Transaction(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, counterKey, "total_processed", 1)
		pipe.HIncrByFloat(ctx, counterKey, "total_duration_ms", durationMs)
		pipe.HIncrByFloat(ctx, counterKey, "total_memory_mb", memoryMb)
		pipe.HIncrByFloat(ctx, counterKey, "total_cpu_time_ms", cpuTimeMs)
		pipe.HSet(ctx, counterKey, "last_processed_at", at.UnixMilli())
		pipe.Expire(ctx, counterKey, l.cfg.CounterTTL)

		for kind, value := range map[string]float64{
			seriesDurations: durationMs,
			seriesMemory:    memoryMb,
			seriesCpu:       cpuTimeMs,
		} {
			seriesKey := l.seriesKey(kind, key)
			pipe.ZAdd(ctx, seriesKey, redis.Z{Score: score, Member: sampleMember(value, jobID)})
			pipe.ZRemRangeByRank(ctx, seriesKey, 0, -(l.cfg.SampleCap + 1))
			pipe.Expire(ctx, seriesKey, l.cfg.SampleTTL)
		}

		pipe.Del(ctx, l.startMarkerKey(jobID))
		return nil
	})
	if err != nil {
		return err
	}

	if hostname != "" {
		serverKey := l.serverKey(hostname, key.Connection, key.Queue)
		err = l.store.Transaction(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, serverKey, "total_processed", 1)
			pipe.HIncrByFloat(ctx, serverKey, "total_duration_ms", durationMs)
			pipe.HSet(ctx, serverKey, "last_processed_at", at.UnixMilli())
			pipe.Expire(ctx, serverKey, l.cfg.CounterTTL)
			return nil
		})
	}
	return err
}

// RecordFailure bumps the failure counter and stores the truncated
// exception text, clearing the start marker in the same transaction.
func (l *Ledger) RecordFailure(ctx context.Context, jobID string, key domain.JobKey, exceptionText string, at time.Time, hostname string) error {
	if len(exceptionText) > maxExceptionLength {
		exceptionText = exceptionText[:maxExceptionLength]
	}

	counterKey := l.counterKey(key)
	err := l.store.Transaction(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, counterKey, "total_failed", 1)
		pipe.HSet(ctx, counterKey, "last_failed_at", at.UnixMilli())
		pipe.HSet(ctx, counterKey, "last_exception", exceptionText)
		pipe.Expire(ctx, counterKey, l.cfg.CounterTTL)
		pipe.Del(ctx, l.startMarkerKey(jobID))
		return nil
	})
	if err != nil {
		return err
	}

	if hostname != "" {
		serverKey := l.serverKey(hostname, key.Connection, key.Queue)
		err = l.store.Transaction(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, serverKey, "total_failed", 1)
			pipe.Expire(ctx, serverKey, l.cfg.CounterTTL)
			return nil
		})
	}
	return err
}

// GetMetrics loads the counter hash. Missing keys yield zero-valued
// metrics; malformed fields parse to zero rather than failing the read.
func (l *Ledger) GetMetrics(ctx context.Context, key domain.JobKey) (*domain.JobMetrics, error) {
	fields, err := l.store.Client().HGetAll(ctx, l.counterKey(key)).Result()
	if err != nil {
		return nil, store.Wrap(err)
	}

	m := &domain.JobMetrics{
		TotalProcessed:  l.parseInt(fields["total_processed"]),
		TotalFailed:     l.parseInt(fields["total_failed"]),
		TotalQueued:     l.parseInt(fields["total_queued"]),
		TotalDurationMs: l.parseFloat(fields["total_duration_ms"]),
		TotalMemoryMb:   l.parseFloat(fields["total_memory_mb"]),
		TotalCpuTimeMs:  l.parseFloat(fields["total_cpu_time_ms"]),
		LastException:   fields["last_exception"],
	}
	if ms := l.parseInt(fields["last_processed_at"]); ms > 0 {
		m.LastProcessedAt = time.UnixMilli(ms)
	}
	if ms := l.parseInt(fields["last_failed_at"]); ms > 0 {
		m.LastFailedAt = time.UnixMilli(ms)
	}
	return m, nil
}

func (l *Ledger) GetDurationSamples(ctx context.Context, key domain.JobKey, limit int64) ([]domain.Sample, error) {
	return l.getSamples(ctx, seriesDurations, key, limit)
}

func (l *Ledger) GetMemorySamples(ctx context.Context, key domain.JobKey, limit int64) ([]domain.Sample, error) {
	return l.getSamples(ctx, seriesMemory, key, limit)
}

func (l *Ledger) GetCpuTimeSamples(ctx context.Context, key domain.JobKey, limit int64) ([]domain.Sample, error) {
	return l.getSamples(ctx, seriesCpu, key, limit)
}

// getSamples returns the most recent limit samples in chronological order.
func (l *Ledger) getSamples(ctx context.Context, kind string, key domain.JobKey, limit int64) ([]domain.Sample, error) {
	if limit <= 0 {
		limit = l.cfg.SampleCap
	}
	entries, err := l.store.Client().ZRevRangeWithScores(ctx, l.seriesKey(kind, key), 0, limit-1).Result()
	if err != nil {
		return nil, store.Wrap(err)
	}

	samples := make([]domain.Sample, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		member, ok := entries[i].Member.(string)
		if !ok {
			continue
		}
		value, jobID := parseSampleMember(member)
		samples = append(samples, domain.Sample{
			Value:     value,
			JobID:     jobID,
			Timestamp: timeFromScore(entries[i].Score),
		})
	}
	return samples, nil
}

// GetThroughput counts completions in the trailing window using the
// store's clock inside one atomic script.
func (l *Ledger) GetThroughput(ctx context.Context, key domain.JobKey, windowSeconds int64) (int64, error) {
	res, err := l.store.Eval(ctx, throughputScript, []string{l.seriesKey(seriesDurations, key)}, windowSeconds)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	count, ok := res.(int64)
	if !ok {
		return 0, nil
	}
	return count, nil
}

// GetAverageDurationInWindow averages sample values in the trailing window,
// same atomic clock-and-scan semantics as GetThroughput.
func (l *Ledger) GetAverageDurationInWindow(ctx context.Context, key domain.JobKey, windowSeconds int64) (float64, error) {
	res, err := l.store.Eval(ctx, windowAvgScript, []string{l.seriesKey(seriesDurations, key)}, windowSeconds)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	str, ok := res.(string)
	if !ok {
		return 0, nil
	}
	return l.parseFloat(str), nil
}

// Queues lists every discovered (connection, queue) pair.
func (l *Ledger) Queues(ctx context.Context) ([][2]string, error) {
	members, err := l.store.Client().SMembers(ctx, l.queueDiscoveryKey()).Result()
	if err != nil {
		return nil, store.Wrap(err)
	}
	queues := make([][2]string, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m, ":", 2)
		if len(parts) != 2 {
			continue
		}
		queues = append(queues, [2]string{parts[0], parts[1]})
	}
	return queues, nil
}

// JobClasses lists discovered job classes for one queue. Cost is bounded
// by the number of distinct registered jobs, not the keyspace size.
func (l *Ledger) JobClasses(ctx context.Context, connection, queue string) ([]string, error) {
	members, err := l.store.Client().SMembers(ctx, l.jobDiscoveryKey()).Result()
	if err != nil {
		return nil, store.Wrap(err)
	}
	prefix := connection + ":" + queue + ":"
	classes := make([]string, 0)
	for _, m := range members {
		if strings.HasPrefix(m, prefix) {
			classes = append(classes, strings.TrimPrefix(m, prefix))
		}
	}
	return classes, nil
}

func (l *Ledger) parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		l.log.Debug(context.Background(), "malformed numeric field, substituting zero", map[string]interface{}{"value": s})
		return 0
	}
	return v
}

func (l *Ledger) parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return int64(l.parseFloat(s))
	}
	return v
}

func sampleMember(value float64, jobID string) string {
	return fmt.Sprintf("%s:%s", strconv.FormatFloat(value, 'f', -1, 64), jobID)
}

func parseSampleMember(member string) (float64, string) {
	parts := strings.SplitN(member, ":", 2)
	value, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		value = 0
	}
	if len(parts) == 2 {
		return value, parts[1]
	}
	return value, ""
}

func scoreAt(at time.Time) float64 {
	return float64(at.UnixMilli()) / 1000.0
}

func timeFromScore(score float64) time.Time {
	return time.UnixMilli(int64(score * 1000))
}
