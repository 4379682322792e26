package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/store"
)

func TestClaimReadyTasksExcludesRunning(t *testing.T) {
	ctx := context.Background()
	f := New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)

	taskID := f.InsertTask("hello", nil, []byte(`{}`))

	claimed, err := f.ClaimReadyTasks(ctx, workerID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, taskID, claimed[0].ID)

	claimed, err = f.ClaimReadyTasks(ctx, workerID, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestAppendEventDetectsSteal(t *testing.T) {
	ctx := context.Background()
	f := New()
	workerA, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	workerB, err := f.RegisterWorker(ctx)
	require.NoError(t, err)

	taskID := f.InsertTask("hello", nil, []byte(`{}`))
	_, err = f.ClaimReadyTasks(ctx, workerA, 10)
	require.NoError(t, err)

	_, err = f.AppendEvent(ctx, workerB, taskID, "now", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		return []byte(`"x"`), nil
	})
	require.Error(t, err)

	e, err := f.AppendEvent(ctx, workerA, taskID, "now", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		return []byte(`"x"`), nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), e.Index)

	events, err := f.LoadEvents(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "now", events[0].Label)
}

func TestSuspendAndWake(t *testing.T) {
	ctx := context.Background()
	f := New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("sleeper", nil, []byte(`{}`))
	_, err = f.ClaimReadyTasks(ctx, workerID, 10)
	require.NoError(t, err)

	wake := time.Now().Add(-time.Second)
	require.NoError(t, f.Suspend(ctx, workerID, taskID, &wake))

	task, ok := f.Task(taskID)
	require.True(t, ok)
	require.Equal(t, model.TaskSuspended, task.State)

	n, err := f.WakeDueTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, ok = f.Task(taskID)
	require.True(t, ok)
	require.Equal(t, model.TaskActive, task.State)
}

func TestCompleteClearsOwnership(t *testing.T) {
	ctx := context.Background()
	f := New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("done", nil, []byte(`{}`))
	_, err = f.ClaimReadyTasks(ctx, workerID, 10)
	require.NoError(t, err)

	require.NoError(t, f.Complete(ctx, workerID, taskID, model.TaskComplete))

	task, ok := f.Task(taskID)
	require.True(t, ok)
	require.Equal(t, model.TaskComplete, task.State)
	require.Nil(t, task.RunningOn)
	require.Nil(t, task.WasmID)
}

func TestNotificationFIFO(t *testing.T) {
	ctx := context.Background()
	f := New()
	taskID := f.InsertTask("t", nil, []byte(`{}`))

	require.NoError(t, f.EnqueueNotification(ctx, taskID, "go", []byte(`{"n":1}`)))
	require.NoError(t, f.EnqueueNotification(ctx, taskID, "go", []byte(`{"n":2}`)))

	n1, err := f.FetchNextNotification(ctx, taskID)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(n1.Data))

	n2, err := f.FetchNextNotification(ctx, taskID)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":2}`, string(n2.Data))

	_, err = f.FetchNextNotification(ctx, taskID)
	require.Error(t, err)
}

func TestSweepDeadWorkersReleasesTasks(t *testing.T) {
	ctx := context.Background()
	f := New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("t", nil, []byte(`{}`))
	_, err = f.ClaimReadyTasks(ctx, workerID, 10)
	require.NoError(t, err)

	n, err := f.SweepDeadWorkers(ctx, -time.Second) // negative threshold puts the cutoff in the future: everyone is "dead"
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, ok := f.Task(taskID)
	require.True(t, ok)
	require.Nil(t, task.RunningOn)
	require.Equal(t, model.TaskActive, task.State)
}
