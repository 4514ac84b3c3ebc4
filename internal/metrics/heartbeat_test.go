package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchids/queuepulse/internal/domain"
)

func idleUpdate(workerID string) domain.HeartbeatUpdate {
	return domain.HeartbeatUpdate{
		WorkerID:   workerID,
		Connection: "redis",
		Queue:      "default",
		State:      domain.WorkerStateIdle,
		PID:        1234,
		Hostname:   "host-a",
	}
}

func busyUpdate(workerID, jobID string) domain.HeartbeatUpdate {
	u := idleUpdate(workerID)
	u.State = domain.WorkerStateBusy
	u.CurrentJobID = jobID
	u.CurrentJobClass = "SendEmail"
	return u
}

func TestHeartbeatRegistersWorker(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()

	require.NoError(t, engine.RecordHeartbeat(ctx, idleUpdate("w1")))

	hb, err := engine.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", hb.WorkerID)
	assert.Equal(t, domain.WorkerStateIdle, hb.State)
	assert.Equal(t, "redis", hb.Connection)
	assert.Equal(t, "default", hb.Queue)
	assert.Equal(t, 1234, hb.PID)
	assert.False(t, hb.LastHeartbeat.IsZero())
	assert.False(t, hb.LastStateChange.IsZero())
}

func TestHeartbeatRejectsInvalidState(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())

	u := idleUpdate("w1")
	u.State = domain.WorkerState("sleeping")
	err := engine.RecordHeartbeat(context.Background(), u)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestHeartbeatAttributesElapsedToPriorState(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()

	t0 := time.Now()
	t1 := t0.Add(10 * time.Second)
	t2 := t1.Add(5 * time.Second)

	// IDLE at t0, IDLE at t1, BUSY at t2: all fifteen seconds were spent
	// idle, none busy. The busy interval has not elapsed yet.
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w1"), t0))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w1"), t1))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w1", "job-1"), t2))

	hb, err := engine.Get(ctx, "w1")
	require.NoError(t, err)
	assert.InDelta(t, 15.0, hb.IdleTimeSeconds, 1e-6)
	assert.InDelta(t, 0.0, hb.BusyTimeSeconds, 1e-6)
	assert.Equal(t, domain.WorkerStateBusy, hb.State)
	assert.Equal(t, "job-1", hb.CurrentJobID)
}

func TestHeartbeatBusyTimeAccumulates(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()

	t0 := time.Now()
	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w1", "job-1"), t0))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w1", "job-1"), t0.Add(20*time.Second)))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w1"), t0.Add(30*time.Second)))

	hb, err := engine.Get(ctx, "w1")
	require.NoError(t, err)
	assert.InDelta(t, 30.0, hb.BusyTimeSeconds, 1e-6)
	assert.InDelta(t, 0.0, hb.IdleTimeSeconds, 1e-6)
	assert.InDelta(t, 1.0, hb.Efficiency(), 1e-6)
}

func TestHeartbeatJobsProcessedIncrement(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()
	t0 := time.Now()

	// busy(job) -> idle(no job) bumps jobs_processed exactly once.
	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w1", "job-1"), t0))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w1"), t0.Add(time.Second)))

	hb, err := engine.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hb.JobsProcessed)

	// busy -> busy (job handoff) does not count a completion.
	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w1", "job-2"), t0.Add(2*time.Second)))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w1", "job-3"), t0.Add(3*time.Second)))

	hb, err = engine.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hb.JobsProcessed)

	// Finishing the second stretch counts one more.
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w1"), t0.Add(4*time.Second)))
	hb, err = engine.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), hb.JobsProcessed)
}

func TestHeartbeatPeakMemoryRetained(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()
	t0 := time.Now()

	u := idleUpdate("w1")
	u.MemoryUsageMb = 100
	require.NoError(t, engine.RecordHeartbeatAt(ctx, u, t0))

	u.MemoryUsageMb = 250
	require.NoError(t, engine.RecordHeartbeatAt(ctx, u, t0.Add(time.Second)))

	u.MemoryUsageMb = 80
	require.NoError(t, engine.RecordHeartbeatAt(ctx, u, t0.Add(2*time.Second)))

	hb, err := engine.Get(ctx, "w1")
	require.NoError(t, err)
	assert.InDelta(t, 80.0, hb.MemoryUsageMb, 1e-6)
	assert.InDelta(t, 250.0, hb.PeakMemoryUsageMb, 1e-6)
}

func TestHeartbeatStateChangeTimestamp(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()

	t0 := time.Now().Truncate(time.Second)
	t1 := t0.Add(10 * time.Second)
	t2 := t1.Add(10 * time.Second)

	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w1"), t0))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w1"), t1))

	hb, err := engine.Get(ctx, "w1")
	require.NoError(t, err)
	// Same state: the change marker stays at the first transition.
	assert.Equal(t, t0.UnixMilli(), hb.LastStateChange.UnixMilli())

	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w1", "job-1"), t2))
	hb, err = engine.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, t2.UnixMilli(), hb.LastStateChange.UnixMilli())
}

func TestTransitionState(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w1"), now))
	require.NoError(t, engine.TransitionState(ctx, "w1", domain.WorkerStateTerminated, now.Add(time.Second)))

	hb, err := engine.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerStateTerminated, hb.State)

	// Unknown workers are a silent no-op.
	require.NoError(t, engine.TransitionState(ctx, "ghost", domain.WorkerStateCrashed, now))
	_, err = engine.Get(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestDetectStaledWorkers(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()
	now := time.Now()

	// w1 last beat 61s ago while busy, w2 is fresh, w3 already terminated.
	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w1", "job-1"), now.Add(-61*time.Second)))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w2"), now.Add(-5*time.Second)))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w3"), now.Add(-90*time.Second)))
	require.NoError(t, engine.TransitionState(ctx, "w3", domain.WorkerStateTerminated, now.Add(-89*time.Second)))

	marked, err := engine.DetectStaledWorkersAt(ctx, 60*time.Second, now)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	hb, err := engine.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerStateCrashed, hb.State)

	hb, err = engine.Get(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerStateIdle, hb.State)

	hb, err = engine.Get(ctx, "w3")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerStateTerminated, hb.State)
}

func TestDetectStaledWorkersIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w1", "job-1"), now.Add(-2*time.Minute)))

	marked, err := engine.DetectStaledWorkersAt(ctx, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	// A crashed worker is no longer active and is not counted again.
	marked, err = engine.DetectStaledWorkersAt(ctx, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
}

func TestDeregister(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()

	require.NoError(t, engine.RecordHeartbeat(ctx, idleUpdate("w1")))
	require.NoError(t, engine.Deregister(ctx, "w1"))

	_, err := engine.Get(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)

	workers, err := engine.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestCleanup(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("old"), now.Add(-2*time.Hour)))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("fresh"), now))

	removed, err := engine.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = engine.Get(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)

	workers, err := engine.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "fresh", workers[0].WorkerID)
}

func TestListWorkersMostRecentFirst(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w1"), now.Add(-30*time.Second)))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w2"), now.Add(-10*time.Second)))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w3"), now.Add(-20*time.Second)))

	workers, err := engine.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 3)
	assert.Equal(t, "w2", workers[0].WorkerID)
	assert.Equal(t, "w3", workers[1].WorkerID)
	assert.Equal(t, "w1", workers[2].WorkerID)
}

func TestEfficiencySummary(t *testing.T) {
	st, _ := newTestStore(t)
	engine := NewHeartbeatEngine(st, testHeartbeatConfig(), testLogger())
	ctx := context.Background()
	t0 := time.Now().Add(-time.Minute)

	// w1 spends 10s busy then goes idle, counting one job.
	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w1", "job-1"), t0))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w1"), t0.Add(10*time.Second)))

	// w2 stays busy throughout.
	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w2", "job-2"), t0))
	require.NoError(t, engine.RecordHeartbeatAt(ctx, busyUpdate("w2", "job-2"), t0.Add(10*time.Second)))

	// w3 crashed; terminal workers are excluded from the rollup.
	require.NoError(t, engine.RecordHeartbeatAt(ctx, idleUpdate("w3"), t0))
	require.NoError(t, engine.TransitionState(ctx, "w3", domain.WorkerStateCrashed, t0.Add(time.Second)))

	summary, err := engine.EfficiencySummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.WorkerCount)
	assert.Equal(t, 1, summary.BusyCount)
	assert.Equal(t, 1, summary.IdleCount)
	assert.Equal(t, int64(1), summary.TotalJobsHandled)
	assert.InDelta(t, 1.0, summary.AverageEfficiency, 1e-6)
}
