package workerloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durablerun/durable/internal/clock"
	"github.com/durablerun/durable/internal/config"
	"github.com/durablerun/durable/internal/entropy"
	"github.com/durablerun/durable/internal/eventsource"
	"github.com/durablerun/durable/internal/logging"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/runtime"
	"github.com/durablerun/durable/internal/spawner"
	"github.com/durablerun/durable/internal/store/storetest"
	"github.com/durablerun/durable/internal/tracing"
	"github.com/durablerun/durable/internal/wasmcache"
)

// testShared builds a Shared over a Fake store with a real clock and
// aggressive, test-scale intervals so the sub-loops make visible progress
// within a few tens of milliseconds instead of the production defaults.
func testShared(t *testing.T, f *storetest.Fake) *runtime.Shared {
	t.Helper()
	workerID, err := f.RegisterWorker(context.Background())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond
	cfg.StuckNotifyInterval = 5 * time.Millisecond
	cfg.MaxTasks = 4

	return &runtime.Shared{
		Config:   cfg,
		Store:    f,
		Clock:    clock.Real(),
		Entropy:  entropy.Real(),
		Events:   eventsource.New(nil, logging.Noop()),
		WasmLRU:  wasmcache.NewLRU(16),
		Log:      logging.Noop(),
		Tracer:   tracing.Noop(),
		WorkerID: workerID,
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestHeartbeatAdvancesWorkerRow(t *testing.T) {
	f := storetest.New()
	shared := testShared(t, f)
	sp, err := spawner.New(shared)
	require.NoError(t, err)
	loop := New(shared, sp)

	w, ok := f.Worker(shared.WorkerID)
	require.True(t, ok)
	initial := w.HeartbeatAt

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.runHeartbeat(ctx)

	eventually(t, time.Second, func() bool {
		w, ok := f.Worker(shared.WorkerID)
		return ok && w.HeartbeatAt.After(initial)
	})
}

func TestHeartbeatReturnsHeartbeatLostWhenWorkerRowGone(t *testing.T) {
	f := storetest.New()
	shared := testShared(t, f)
	sp, err := spawner.New(shared)
	require.NoError(t, err)
	loop := New(shared, sp)

	require.NoError(t, f.DeregisterWorker(context.Background(), shared.WorkerID))

	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { errCh <- loop.runHeartbeat(ctx) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("runHeartbeat did not return after worker row vanished")
	}
}

func TestLeaderElectionSingleWorkerBecomesLeader(t *testing.T) {
	f := storetest.New()
	shared := testShared(t, f)
	sp, err := spawner.New(shared)
	require.NoError(t, err)
	loop := New(shared, sp)

	require.False(t, loop.isLeader.Load())
	loop.refreshLeader(context.Background())
	require.True(t, loop.isLeader.Load())
}

func TestLeaderElectionLowestWorkerIDWins(t *testing.T) {
	f := storetest.New()
	shared := testShared(t, f)
	sp, err := spawner.New(shared)
	require.NoError(t, err)
	loop := New(shared, sp)

	// A second, lower-numbered... actually worker ids are assigned
	// monotonically, so registering another worker after shared.WorkerID
	// always yields a higher id; this worker must not win leadership.
	otherID, err := f.RegisterWorker(context.Background())
	require.NoError(t, err)
	require.Greater(t, otherID, shared.WorkerID)

	loop.refreshLeader(context.Background())
	require.True(t, loop.isLeader.Load(), "lowest-id worker (the original) must be leader")
}

// A worker that has stopped heartbeating must not be eligible for
// leadership even though its row hasn't been swept yet: a lower id with a
// stale heartbeat must lose to a higher id that's still alive.
func TestLeaderElectionExcludesWorkerWithStaleHeartbeat(t *testing.T) {
	f := storetest.New()
	shared := testShared(t, f)
	sp, err := spawner.New(shared)
	require.NoError(t, err)
	loop := New(shared, sp)

	otherID, err := f.RegisterWorker(context.Background())
	require.NoError(t, err)
	require.Greater(t, otherID, shared.WorkerID)

	w, ok := f.Worker(shared.WorkerID)
	require.True(t, ok)
	w.HeartbeatAt = time.Now().Add(-2 * shared.Config.LivenessThreshold)
	f.SetWorker(w)

	loop.refreshLeader(context.Background())
	require.False(t, loop.isLeader.Load(), "worker with a stale heartbeat must not become leader")
}

func TestLeaderWakeOnlyActsWhileLeader(t *testing.T) {
	f := storetest.New()
	shared := testShared(t, f)
	sp, err := spawner.New(shared)
	require.NoError(t, err)
	loop := New(shared, sp)

	past := time.Now().Add(-time.Minute)
	taskID := f.InsertTask("sleeper", nil, []byte(`{}`))
	tsk, ok := f.Task(taskID)
	require.True(t, ok)
	tsk.State = model.TaskSuspended
	tsk.WakeupAt = &past
	f.SetTask(tsk)

	// Not leader yet: runLeaderWake must not touch the task.
	ctx, cancel := context.WithCancel(context.Background())
	go loop.runLeaderWake(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	tsk, ok = f.Task(taskID)
	require.True(t, ok)
	require.Equal(t, model.TaskSuspended, tsk.State, "non-leader must not wake due tasks")

	loop.isLeader.Store(true)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go loop.runLeaderWake(ctx2)

	// runLeaderWake sleeps a full leaderPollInterval (1s) before its first
	// check, so this needs more headroom than the 5ms-scale sub-loops above.
	eventually(t, 3*time.Second, func() bool {
		tsk, ok := f.Task(taskID)
		return ok && tsk.State == model.TaskActive
	})
}

func TestCleanupRemovesOldTerminalTasksWhenLeader(t *testing.T) {
	f := storetest.New()
	shared := testShared(t, f)
	sp, err := spawner.New(shared)
	require.NoError(t, err)
	loop := New(shared, sp)
	loop.isLeader.Store(true)

	taskID := f.InsertTask("done", nil, []byte(`{}`))
	tsk, ok := f.Task(taskID)
	require.True(t, ok)
	old := time.Now().Add(-48 * time.Hour)
	tsk.State = model.TaskComplete
	tsk.CompletedAt = &old
	f.SetTask(tsk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.runCleanup(ctx)

	eventually(t, time.Second, func() bool {
		_, ok := f.Task(taskID)
		return !ok
	})
}

func TestStuckNotifyWakesSuspendedTaskWithPendingNotification(t *testing.T) {
	f := storetest.New()
	shared := testShared(t, f)
	sp, err := spawner.New(shared)
	require.NoError(t, err)
	loop := New(shared, sp)
	loop.isLeader.Store(true)

	taskID := f.InsertTask("waiter", nil, []byte(`{}`))
	tsk, ok := f.Task(taskID)
	require.True(t, ok)
	tsk.State = model.TaskSuspended
	f.SetTask(tsk)
	require.NoError(t, f.EnqueueNotification(context.Background(), taskID, "evt", []byte(`{}`)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.runStuckNotify(ctx)

	eventually(t, time.Second, func() bool {
		tsk, ok := f.Task(taskID)
		return ok && tsk.State == model.TaskActive
	})
}

func TestHandleEventTaskReadyTriggersClaim(t *testing.T) {
	f := storetest.New()
	shared := testShared(t, f)
	sp, err := spawner.New(shared)
	require.NoError(t, err)
	loop := New(shared, sp)

	before := f.ClaimAttempts()
	loop.handleEvent(context.Background(), eventsource.Event{Kind: eventsource.KindTaskReady, TaskID: 1})
	require.Greater(t, f.ClaimAttempts(), before, "a TaskReady event for this worker must trigger a claim attempt")
}

func TestHandleEventWorkerChangedRefreshesLeader(t *testing.T) {
	f := storetest.New()
	shared := testShared(t, f)
	sp, err := spawner.New(shared)
	require.NoError(t, err)
	loop := New(shared, sp)

	require.False(t, loop.isLeader.Load())
	loop.handleEvent(context.Background(), eventsource.Event{Kind: eventsource.KindWorkerChanged, WorkerID: shared.WorkerID})
	require.True(t, loop.isLeader.Load())
}

func TestHandleEventIgnoresTaskReadyForOtherWorker(t *testing.T) {
	f := storetest.New()
	shared := testShared(t, f)
	sp, err := spawner.New(shared)
	require.NoError(t, err)
	loop := New(shared, sp)

	before := f.ClaimAttempts()
	other := shared.WorkerID + 1
	loop.handleEvent(context.Background(), eventsource.Event{Kind: eventsource.KindTaskReady, TaskID: 99, RunningOn: &other})

	require.Equal(t, before, f.ClaimAttempts(), "a TaskReady event for another worker must not trigger a claim attempt")
}
