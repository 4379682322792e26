package plugins

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durablerun/durable/internal/clock"
	"github.com/durablerun/durable/internal/entropy"
	"github.com/durablerun/durable/internal/executor"
	"github.com/durablerun/durable/internal/logging"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/store"
	"github.com/durablerun/durable/internal/store/storetest"
	"github.com/durablerun/durable/internal/tracing"
)

func testDeps(s store.Store) executor.Deps {
	return executor.Deps{
		Store:   s,
		Clock:   clock.Real(),
		Entropy: entropy.Real(),
		Tracer:  tracing.Noop(),
		Log:     logging.Noop(),
	}
}

func newExecutor(t *testing.T, f *storetest.Fake, workerID, taskID int64) *executor.Executor {
	t.Helper()
	claimed, err := f.ClaimReadyTasks(context.Background(), workerID, 10)
	require.NoError(t, err)
	var task model.ClaimedTask
	found := false
	for _, c := range claimed {
		if c.ID == taskID {
			task = c
			found = true
		}
	}
	require.True(t, found, "task %d must have been claimable", taskID)
	ex, err := executor.New(context.Background(), testDeps(f), workerID, task)
	require.NoError(t, err)
	return ex
}

func TestClockPluginRecordsAndReplays(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("clock-task", nil, []byte(`{}`))

	ex := newExecutor(t, f, workerID, taskID)
	resp, err := Clock{}.Call(ctx, ex, mustJSON(t, clockRequest{Op: "wall_clock_now"}))
	require.NoError(t, err)
	var out clockResponse
	require.NoError(t, json.Unmarshal(resp, &out))
	require.NotZero(t, out.UnixNano)

	// A fresh executor over the same task replays the recorded value
	// instead of reading the clock again.
	require.NoError(t, f.Release(ctx, workerID, taskID))
	ex2 := newExecutor(t, f, workerID, taskID)
	require.True(t, ex2.Replaying())
	resp2, err := Clock{}.Call(ctx, ex2, mustJSON(t, clockRequest{Op: "wall_clock_now"}))
	require.NoError(t, err)
	require.JSONEq(t, string(resp), string(resp2))
}

func TestRandomPluginReturnsRequestedLength(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("random-task", nil, []byte(`{}`))
	ex := newExecutor(t, f, workerID, taskID)

	resp, err := Random{}.Call(ctx, ex, mustJSON(t, randomRequest{N: 16}))
	require.NoError(t, err)
	var out randomResponse
	require.NoError(t, json.Unmarshal(resp, &out))
	raw, err := base64.StdEncoding.DecodeString(out.BytesBase64)
	require.NoError(t, err)
	require.Len(t, raw, 16)
}

func TestRandomPluginReplayReturnsSameBytes(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("random-task", nil, []byte(`{}`))

	ex := newExecutor(t, f, workerID, taskID)
	first, err := Random{}.Call(ctx, ex, mustJSON(t, randomRequest{N: 8}))
	require.NoError(t, err)

	require.NoError(t, f.Release(ctx, workerID, taskID))
	ex2 := newExecutor(t, f, workerID, taskID)
	second, err := Random{}.Call(ctx, ex2, mustJSON(t, randomRequest{N: 8}))
	require.NoError(t, err)
	require.JSONEq(t, string(first), string(second), "a replayed getrandom must not draw fresh entropy")
}

func TestHTTPPluginRecordsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hi"))
	}))
	defer srv.Close()

	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("http-task", nil, []byte(`{}`))
	ex := newExecutor(t, f, workerID, taskID)

	resp, err := HTTP{}.Call(ctx, ex, mustJSON(t, httpRequest{Method: "GET", URL: srv.URL}))
	require.NoError(t, err)
	var out httpResponse
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Equal(t, http.StatusTeapot, out.Status)
	body, err := base64.StdEncoding.DecodeString(out.BodyBase64)
	require.NoError(t, err)
	require.Equal(t, "hi", string(body))
}

func TestHTTPPluginTransportErrorIsRecordedNotReturned(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("http-task", nil, []byte(`{}`))
	ex := newExecutor(t, f, workerID, taskID)

	resp, err := HTTP{}.Call(ctx, ex, mustJSON(t, httpRequest{Method: "GET", URL: "http://127.0.0.1:0/unreachable"}))
	require.NoError(t, err, "a transport failure is a recorded value, not a Go error")
	var out httpResponse
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Equal(t, "transport_error", out.ErrorKind)
}

func TestSQLPluginPropagatesQueryError(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("sql-task", nil, []byte(`{}`))
	ex := newExecutor(t, f, workerID, taskID)

	_, err = SQL{}.Call(ctx, ex, mustJSON(t, sqlRequest{Query: "select 1"}))
	require.Error(t, err, "storetest's fake DBTX cannot execute SQL and must surface that as an error")
}

func TestCorePluginReturnsClaimedTaskFields(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("core-task", nil, []byte(`{"x":1}`))
	ex := newExecutor(t, f, workerID, taskID)

	resp, err := Core{}.Call(ctx, ex, mustJSON(t, coreRequest{Op: "task_name"}))
	require.NoError(t, err)
	var out coreResponse
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Equal(t, "core-task", out.TaskName)
	require.Zero(t, out.TaskID, "task_name request must not also populate task_id")
}

func TestCorePluginDefaultOpReturnsEverything(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("core-task", nil, []byte(`{"x":1}`))
	ex := newExecutor(t, f, workerID, taskID)

	resp, err := Core{}.Call(ctx, ex, nil)
	require.NoError(t, err)
	var out coreResponse
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Equal(t, taskID, out.TaskID)
	require.Equal(t, "core-task", out.TaskName)
	require.JSONEq(t, `{"x":1}`, string(out.TaskData))
}

func TestNotifyPluginReturnsQueuedNotificationWithoutSuspending(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("notify-task", nil, []byte(`{}`))
	require.NoError(t, f.EnqueueNotification(ctx, taskID, "approved", []byte(`{"n":1}`)))

	ex := newExecutor(t, f, workerID, taskID)
	resp, err := Notify{}.Call(ctx, ex, nil)
	require.NoError(t, err)
	var out notifyResult
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Equal(t, "approved", out.Event)

	tsk, ok := f.Task(taskID)
	require.True(t, ok)
	require.Equal(t, model.TaskActive, tsk.State, "a notify call that found work must not suspend the task")
}

func TestNotifyPluginSuspendsIdleOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("notify-task", nil, []byte(`{}`))

	ex := newExecutor(t, f, workerID, taskID)
	_, err = Notify{}.Call(ctx, ex, nil)
	require.ErrorIs(t, err, ErrSuspend)

	tsk, ok := f.Task(taskID)
	require.True(t, ok)
	require.Equal(t, model.TaskSuspended, tsk.State)

	events, err := f.LoadEvents(ctx, taskID)
	require.NoError(t, err)
	require.Empty(t, events, "an idle suspend must not record any event")
}

func TestNotifyPluginReplaysLiveAfterIdleSuspendInsteadOfReplayingStale(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("notify-task", nil, []byte(`{}`))

	ex := newExecutor(t, f, workerID, taskID)
	_, err = Notify{}.Call(ctx, ex, nil)
	require.ErrorIs(t, err, ErrSuspend)

	// The wakeup happens, a notification arrives, and the task is
	// reclaimed by a fresh executor. Because the idle suspend recorded
	// no event, the next attempt must re-enter notify live rather than
	// replay anything.
	require.NoError(t, f.EnqueueNotification(ctx, taskID, "later", []byte(`{}`)))
	tsk, ok := f.Task(taskID)
	require.True(t, ok)
	tsk.State = model.TaskActive
	tsk.RunningOn = nil
	f.SetTask(tsk)

	ex2 := newExecutor(t, f, workerID, taskID)
	require.False(t, ex2.Replaying())
	resp, err := Notify{}.Call(ctx, ex2, nil)
	require.NoError(t, err)
	var out notifyResult
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Equal(t, "later", out.Event)
}

func TestSleepPluginWithinMarginYieldsInsteadOfSuspending(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("sleep-task", nil, []byte(`{}`))
	ex := newExecutor(t, f, workerID, taskID)

	wakeupAt := ex.Clock().Now().Add(5 * time.Millisecond)
	sleep := Sleep{Margin: time.Second}
	_, err = sleep.Call(ctx, ex, mustJSON(t, sleepRequest{WakeupAtUnixMilli: wakeupAt.UnixMilli()}))
	require.NoError(t, err)

	tsk, ok := f.Task(taskID)
	require.True(t, ok)
	require.Equal(t, model.TaskActive, tsk.State, "a deadline within margin must yield, not suspend")

	events, err := f.LoadEvents(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "sleep_until", events[0].Label)
}

func TestSleepPluginBeyondMarginSuspends(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("sleep-task", nil, []byte(`{}`))
	ex := newExecutor(t, f, workerID, taskID)

	wakeupAt := ex.Clock().Now().Add(time.Hour)
	sleep := Sleep{Margin: time.Second}
	_, err = sleep.Call(ctx, ex, mustJSON(t, sleepRequest{WakeupAtUnixMilli: wakeupAt.UnixMilli()}))
	require.ErrorIs(t, err, ErrSuspend)

	tsk, ok := f.Task(taskID)
	require.True(t, ok)
	require.Equal(t, model.TaskSuspended, tsk.State)
	require.NotNil(t, tsk.WakeupAt)
}

func TestSleepPluginReplayDoesNotSuspendRegardlessOfOriginalBranch(t *testing.T) {
	ctx := context.Background()
	f := storetest.New()
	workerID, err := f.RegisterWorker(ctx)
	require.NoError(t, err)
	taskID := f.InsertTask("sleep-task", nil, []byte(`{}`))
	ex := newExecutor(t, f, workerID, taskID)

	wakeupAt := ex.Clock().Now().Add(5 * time.Millisecond)
	sleep := Sleep{Margin: time.Second}
	_, err = sleep.Call(ctx, ex, mustJSON(t, sleepRequest{WakeupAtUnixMilli: wakeupAt.UnixMilli()}))
	require.NoError(t, err, "the yield branch must complete synchronously")

	// A fresh executor over the same task replays the sleep_until call
	// site through Executor.Suspend, regardless of it having yielded
	// (not truly suspended) the first time around.
	require.NoError(t, f.Release(ctx, workerID, taskID))
	ex2 := newExecutor(t, f, workerID, taskID)
	require.True(t, ex2.Replaying())
	_, err = sleep.Call(ctx, ex2, mustJSON(t, sleepRequest{WakeupAtUnixMilli: wakeupAt.UnixMilli()}))
	require.NoError(t, err)

	tsk, ok := f.Task(taskID)
	require.True(t, ok)
	require.Equal(t, model.TaskActive, tsk.State, "replaying a yielded sleep must not suspend the task")
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
