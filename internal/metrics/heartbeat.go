package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/domain"
	"github.com/orchids/queuepulse/internal/store"
	"github.com/orchids/queuepulse/pkg/logger"
)

// heartbeatScript is the whole read-modify-write of one heartbeat. Elapsed
// time since the previous beat is attributed to the PRIOR state, jobs
// processed is bumped exactly on busy->idle with no job id, and the
// staleness index is refreshed — one atomic unit, so concurrent heartbeats
// can never interleave a partial update.
//
// KEYS[1] worker hash, KEYS[2] staleness index.
// ARGV: workerID, connection, queue, state, jobID, jobClass, pid, hostname,
// memoryMb, cpuPercent, now (unix seconds, fractional), ttlSeconds.
var heartbeatScript = redis.NewScript(`
local prev = redis.call('HMGET', KEYS[1], 'state', 'last_heartbeat', 'peak_memory_usage_mb')
local prevState = prev[1]
local prevBeat = tonumber(prev[2])
local peak = tonumber(prev[3]) or 0
local now = tonumber(ARGV[11])
local newState = ARGV[4]

if prevBeat and now > prevBeat then
  local elapsed = now - prevBeat
  if prevState == 'idle' then
    redis.call('HINCRBYFLOAT', KEYS[1], 'idle_time_seconds', elapsed)
  elseif prevState == 'busy' then
    redis.call('HINCRBYFLOAT', KEYS[1], 'busy_time_seconds', elapsed)
  end
end

if prevState == 'busy' and newState == 'idle' and ARGV[5] == '' then
  redis.call('HINCRBY', KEYS[1], 'jobs_processed', 1)
end

if prevState ~= newState then
  redis.call('HSET', KEYS[1], 'last_state_change', ARGV[11])
end

local mem = tonumber(ARGV[9]) or 0
if mem > peak then
  peak = mem
end

redis.call('HSET', KEYS[1],
  'worker_id', ARGV[1],
  'connection', ARGV[2],
  'queue', ARGV[3],
  'state', newState,
  'current_job_id', ARGV[5],
  'current_job_class', ARGV[6],
  'pid', ARGV[7],
  'hostname', ARGV[8],
  'memory_usage_mb', ARGV[9],
  'cpu_usage_percent', ARGV[10],
  'peak_memory_usage_mb', peak,
  'last_heartbeat', ARGV[11])
redis.call('EXPIRE', KEYS[1], ARGV[12])
redis.call('ZADD', KEYS[2], ARGV[11], ARGV[1])
return 1
`)

// transitionScript overwrites the state without any time accounting.
// Unknown workers are a no-op (returns 0).
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local prevState = redis.call('HGET', KEYS[1], 'state')
redis.call('HSET', KEYS[1], 'state', ARGV[1])
if prevState ~= ARGV[1] then
  redis.call('HSET', KEYS[1], 'last_state_change', ARGV[2])
end
return 1
`)

// crashStaleScript marks one worker crashed iff it is still active and its
// last beat is at or before the cutoff; checking and writing in one script
// closes the race against a concurrent fresh heartbeat. Returns -1 when the
// hash has already expired so the caller can drop the index entry.
var crashStaleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'idle' or state == 'busy' or state == 'paused' then
  local beat = tonumber(redis.call('HGET', KEYS[1], 'last_heartbeat'))
  if beat and beat <= tonumber(ARGV[1]) then
    redis.call('HSET', KEYS[1], 'state', 'crashed', 'last_state_change', ARGV[2])
    return 1
  end
end
return 0
`)

// HeartbeatEngine tracks worker liveness and cumulative idle/busy time in a
// per-worker hash plus a global sorted-set index scored by last heartbeat.
type HeartbeatEngine struct {
	store *store.Store
	log   *logger.Logger
	cfg   config.HeartbeatConfig
}

func NewHeartbeatEngine(st *store.Store, cfg config.HeartbeatConfig, log *logger.Logger) *HeartbeatEngine {
	return &HeartbeatEngine{
		store: st,
		log:   log.WithComponent("heartbeat"),
		cfg:   cfg,
	}
}

func (e *HeartbeatEngine) workerKey(workerID string) string {
	return e.store.Key("worker", workerID)
}

func (e *HeartbeatEngine) indexKey() string {
	return e.store.Key("workers", "all")
}

// RecordHeartbeat applies one heartbeat at the current time.
func (e *HeartbeatEngine) RecordHeartbeat(ctx context.Context, update domain.HeartbeatUpdate) error {
	return e.RecordHeartbeatAt(ctx, update, time.Now())
}

// RecordHeartbeatAt applies one heartbeat with an explicit timestamp.
func (e *HeartbeatEngine) RecordHeartbeatAt(ctx context.Context, update domain.HeartbeatUpdate, at time.Time) error {
	if !update.State.Valid() {
		return domain.ErrInvalidState
	}

	_, err := e.store.Eval(ctx, heartbeatScript,
		[]string{e.workerKey(update.WorkerID), e.indexKey()},
		update.WorkerID,
		update.Connection,
		update.Queue,
		string(update.State),
		update.CurrentJobID,
		update.CurrentJobClass,
		update.PID,
		update.Hostname,
		update.MemoryUsageMb,
		update.CPUUsagePercent,
		unixSeconds(at),
		int64(e.cfg.TTL.Seconds()),
	)
	return err
}

// TransitionState force-sets a worker's state without time accounting, for
// externally-triggered transitions. No-op when the worker is unknown.
func (e *HeartbeatEngine) TransitionState(ctx context.Context, workerID string, state domain.WorkerState, at time.Time) error {
	if !state.Valid() {
		return domain.ErrInvalidState
	}
	_, err := e.store.Eval(ctx, transitionScript,
		[]string{e.workerKey(workerID)},
		string(state), unixSeconds(at))
	return err
}

// DetectStaledWorkers crashes every active worker whose last heartbeat is
// older than the threshold and returns how many were marked. Cost is
// bounded by the number of stale index entries, not the worker population.
func (e *HeartbeatEngine) DetectStaledWorkers(ctx context.Context, threshold time.Duration) (int, error) {
	return e.DetectStaledWorkersAt(ctx, threshold, time.Now())
}

func (e *HeartbeatEngine) DetectStaledWorkersAt(ctx context.Context, threshold time.Duration, now time.Time) (int, error) {
	cutoff := unixSeconds(now.Add(-threshold))
	stale, err := e.store.Client().ZRangeByScore(ctx, e.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(cutoff, 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, store.Wrap(err)
	}

	marked := 0
	for _, workerID := range stale {
		res, err := e.store.Eval(ctx, crashStaleScript,
			[]string{e.workerKey(workerID)},
			cutoff, unixSeconds(now))
		if err != nil {
			return marked, err
		}
		switch v, _ := res.(int64); v {
		case 1:
			marked++
			e.log.Warn(ctx, "worker marked crashed after missed heartbeats", map[string]interface{}{
				"worker_id": workerID,
			})
		case -1:
			// Hash already expired; drop the dangling index entry.
			if err := store.Wrap(e.store.Client().ZRem(ctx, e.indexKey(), workerID).Err()); err != nil {
				return marked, err
			}
		}
	}
	return marked, nil
}

// Deregister removes a worker outright.
func (e *HeartbeatEngine) Deregister(ctx context.Context, workerID string) error {
	return e.store.Transaction(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, e.workerKey(workerID))
		pipe.ZRem(ctx, e.indexKey(), workerID)
		return nil
	})
}

// Cleanup deletes workers whose last heartbeat predates the threshold,
// hash and index membership both.
func (e *HeartbeatEngine) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := unixSeconds(time.Now().Add(-olderThan))
	cutoffArg := strconv.FormatFloat(cutoff, 'f', -1, 64)

	stale, err := e.store.Client().ZRangeByScore(ctx, e.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoffArg,
	}).Result()
	if err != nil {
		return 0, store.Wrap(err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = e.store.Transaction(ctx, func(pipe redis.Pipeliner) error {
		for _, workerID := range stale {
			pipe.Del(ctx, e.workerKey(workerID))
		}
		pipe.ZRemRangeByScore(ctx, e.indexKey(), "-inf", cutoffArg)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Get loads one worker's heartbeat. Unknown workers yield ErrWorkerNotFound.
func (e *HeartbeatEngine) Get(ctx context.Context, workerID string) (*domain.WorkerHeartbeat, error) {
	fields, err := e.store.Client().HGetAll(ctx, e.workerKey(workerID)).Result()
	if err != nil {
		return nil, store.Wrap(err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrWorkerNotFound
	}
	return heartbeatFromFields(fields), nil
}

// ListWorkers returns every indexed worker that still has a live hash,
// most recently seen first.
func (e *HeartbeatEngine) ListWorkers(ctx context.Context) ([]*domain.WorkerHeartbeat, error) {
	ids, err := e.store.Client().ZRevRange(ctx, e.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, store.Wrap(err)
	}

	workers := make([]*domain.WorkerHeartbeat, 0, len(ids))
	for _, id := range ids {
		fields, err := e.store.Client().HGetAll(ctx, e.workerKey(id)).Result()
		if err != nil {
			return nil, store.Wrap(err)
		}
		if len(fields) == 0 {
			continue
		}
		workers = append(workers, heartbeatFromFields(fields))
	}
	return workers, nil
}

// EfficiencySummary rolls busy/idle ratios up across active workers.
func (e *HeartbeatEngine) EfficiencySummary(ctx context.Context) (*domain.WorkerEfficiencySummary, error) {
	workers, err := e.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	summary := &domain.WorkerEfficiencySummary{}
	var efficiencyTotal float64
	active := 0
	for _, w := range workers {
		if !w.State.Active() {
			continue
		}
		active++
		summary.TotalJobsHandled += w.JobsProcessed
		efficiencyTotal += w.Efficiency()
		switch w.State {
		case domain.WorkerStateBusy:
			summary.BusyCount++
		case domain.WorkerStateIdle:
			summary.IdleCount++
		case domain.WorkerStatePaused:
			summary.PausedCount++
		}
	}
	summary.WorkerCount = active
	if active > 0 {
		summary.AverageEfficiency = efficiencyTotal / float64(active)
	}
	return summary, nil
}

func heartbeatFromFields(fields map[string]string) *domain.WorkerHeartbeat {
	hb := &domain.WorkerHeartbeat{
		WorkerID:          fields["worker_id"],
		Connection:        fields["connection"],
		Queue:             fields["queue"],
		State:             domain.WorkerState(fields["state"]),
		CurrentJobID:      fields["current_job_id"],
		CurrentJobClass:   fields["current_job_class"],
		IdleTimeSeconds:   parseFloatField(fields["idle_time_seconds"]),
		BusyTimeSeconds:   parseFloatField(fields["busy_time_seconds"]),
		JobsProcessed:     int64(parseFloatField(fields["jobs_processed"])),
		Hostname:          fields["hostname"],
		MemoryUsageMb:     parseFloatField(fields["memory_usage_mb"]),
		CPUUsagePercent:   parseFloatField(fields["cpu_usage_percent"]),
		PeakMemoryUsageMb: parseFloatField(fields["peak_memory_usage_mb"]),
	}
	hb.PID = int(parseFloatField(fields["pid"]))
	if v := parseFloatField(fields["last_heartbeat"]); v > 0 {
		hb.LastHeartbeat = timeFromScore(v)
	}
	if v := parseFloatField(fields["last_state_change"]); v > 0 {
		hb.LastStateChange = timeFromScore(v)
	}
	return hb
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}
