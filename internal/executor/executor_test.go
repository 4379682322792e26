package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durablerun/durable/internal/clock"
	"github.com/durablerun/durable/internal/entropy"
	"github.com/durablerun/durable/internal/logging"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/store"
	"github.com/durablerun/durable/internal/store/storetest"
	"github.com/durablerun/durable/internal/tracing"
)

func testDeps(s store.Store) Deps {
	return Deps{
		Store:   s,
		Clock:   clock.Real(),
		Entropy: entropy.Real(),
		Tracer:  tracing.Noop(),
		Log:     logging.Noop(),
	}
}

func claimOne(t *testing.T, ctx context.Context, f *storetest.Fake, workerID int64) model.ClaimedTask {
	t.Helper()
	claimed, err := f.ClaimReadyTasks(ctx, workerID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestTransactionExecutesThenReplays(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("hello", nil, []byte(`{}`))
	task := claimOne(t, ctx, f, workerID)
	require.Equal(t, taskID, task.ID)

	calls := 0
	ex, err := New(ctx, testDeps(f), workerID, task)
	require.NoError(t, err)
	require.False(t, ex.Replaying())

	value, err := ex.Transaction(ctx, "now", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		calls++
		return []byte(`"2026-01-01T00:00:00Z"`), nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `"2026-01-01T00:00:00Z"`, string(value))
	require.Equal(t, 1, calls)

	// A fresh executor over the same task must replay the recorded
	// value without re-invoking body.
	ex2, err := New(ctx, testDeps(f), workerID, task)
	require.NoError(t, err)
	require.True(t, ex2.Replaying())

	value2, err := ex2.Transaction(ctx, "now", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		calls++
		return []byte(`"should not run"`), nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `"2026-01-01T00:00:00Z"`, string(value2))
	require.Equal(t, 1, calls, "replay must not re-execute the body")
	require.False(t, ex2.Replaying())
}

func TestTransactionDeterminismViolation(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	f.InsertTask("hello", nil, []byte(`{}`))
	task := claimOne(t, ctx, f, workerID)

	ex, err := New(ctx, testDeps(f), workerID, task)
	require.NoError(t, err)
	_, err = ex.Transaction(ctx, "first", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		return []byte(`1`), nil
	})
	require.NoError(t, err)

	ex2, err := New(ctx, testDeps(f), workerID, task)
	require.NoError(t, err)
	_, err = ex2.Transaction(ctx, "not-first", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		return []byte(`1`), nil
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "determinism_violation")
}

func TestSuspendAndResumeReplaysThroughSuspendPoint(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	f.InsertTask("sleeper", nil, []byte(`{}`))
	task := claimOne(t, ctx, f, workerID)

	ex, err := New(ctx, testDeps(f), workerID, task)
	require.NoError(t, err)
	_, err = ex.Transaction(ctx, "http-get", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		return []byte(`"body"`), nil
	})
	require.NoError(t, err)

	require.NoError(t, ex.Suspend(ctx, "sleep_until", nil))

	tsk, ok := f.Task(task.ID)
	require.True(t, ok)
	require.Equal(t, model.TaskSuspended, tsk.State)

	// Simulate the wake sweep and a new worker claiming the task: a fresh
	// executor must replay both the http event and the suspend event.
	tsk.State = model.TaskActive
	f.SetTask(tsk)
	workerB, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	claimed := claimOne(t, ctx, f, workerB)

	ex2, err := New(ctx, testDeps(f), workerB, claimed)
	require.NoError(t, err)
	require.Equal(t, 2, ex2.EventCount())

	value, err := ex2.Transaction(ctx, "http-get", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		t.Fatal("must not re-execute http-get on replay")
		return nil, nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `"body"`, string(value))

	require.NoError(t, ex2.Suspend(ctx, "sleep_until", nil))
}

// A replayed Suspend call must not re-run the live suspend path: the task
// is already active again (woken, reclaimed by a new worker) by the time
// replay reaches that call site, and re-suspending it here would wedge
// the task forever since nothing would ever wake it a second time.
func TestSuspendReplayDoesNotResuspendAnAlreadyActiveTask(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerA, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	f.InsertTask("sleeper", nil, []byte(`{}`))
	task := claimOne(t, ctx, f, workerA)

	ex, err := New(ctx, testDeps(f), workerA, task)
	require.NoError(t, err)
	require.NoError(t, ex.Suspend(ctx, "sleep_until", nil))

	tsk, ok := f.Task(task.ID)
	require.True(t, ok)
	require.Equal(t, model.TaskSuspended, tsk.State)

	// Simulate the wake sweep (state back to active, running_on still
	// nil) and a new worker claiming it.
	tsk.State = model.TaskActive
	f.SetTask(tsk)
	workerB, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	claimed := claimOne(t, ctx, f, workerB)

	ex2, err := New(ctx, testDeps(f), workerB, claimed)
	require.NoError(t, err)
	require.True(t, ex2.Replaying())

	require.NoError(t, ex2.Suspend(ctx, "sleep_until", nil))

	tsk2, ok := f.Task(task.ID)
	require.True(t, ok)
	require.Equal(t, model.TaskActive, tsk2.State, "replaying Suspend must not re-suspend an already-active task")
	require.NotNil(t, tsk2.RunningOn, "replaying Suspend must not clear running_on")
}

func TestFailWithDiagnosticRecordsEventAndMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	f.InsertTask("t", nil, []byte(`{}`))
	task := claimOne(t, ctx, f, workerID)

	ex, err := New(ctx, testDeps(f), workerID, task)
	require.NoError(t, err)

	require.NoError(t, ex.FailWithDiagnostic(ctx, "determinism_violation", errors.New("label mismatch")))

	tsk, ok := f.Task(task.ID)
	require.True(t, ok)
	require.Equal(t, model.TaskFailed, tsk.State)
	require.Nil(t, tsk.RunningOn)

	events, err := f.LoadEvents(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "diagnostic", events[0].Label)
	require.Contains(t, string(events[0].Value), "label mismatch")
}

func TestAppendEventDetectsTheftDuringExecution(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerA, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	f.InsertTask("t", nil, []byte(`{}`))
	task := claimOne(t, ctx, f, workerA)

	ex, err := New(ctx, testDeps(f), workerA, task)
	require.NoError(t, err)

	// Simulate workerA's row dying and the task being reclaimed.
	_, err = f.SweepDeadWorkers(ctx, -1)
	require.NoError(t, err)
	workerB, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	_, err = f.ClaimReadyTasks(ctx, workerB, 10)
	require.NoError(t, err)

	_, err = ex.Transaction(ctx, "now", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		return []byte(`1`), nil
	})
	require.Error(t, err)
	require.True(t, ex.Stolen())
	require.NoError(t, ex.Release(ctx), "a stolen executor's Release must be a no-op, not an error")
}

func TestCompleteAppendsNoEventAndClearsTask(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	f.InsertTask("hello", nil, []byte(`{}`))
	task := claimOne(t, ctx, f, workerID)

	ex, err := New(ctx, testDeps(f), workerID, task)
	require.NoError(t, err)
	_, err = ex.Transaction(ctx, "log", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		return []byte(`"hello"`), nil
	})
	require.NoError(t, err)

	require.NoError(t, ex.Complete(ctx, model.TaskComplete))

	tsk, ok := f.Task(task.ID)
	require.True(t, ok)
	require.Equal(t, model.TaskComplete, tsk.State)
	require.Nil(t, tsk.RunningOn)
	require.Nil(t, tsk.WasmID)

	events, err := f.LoadEvents(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1, "Complete must not append an event of its own")
	require.Equal(t, "log", events[0].Label)
}
