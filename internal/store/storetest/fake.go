// Package storetest provides an in-memory Store for unit tests that don't
// want a live Postgres instance, mirroring store.Postgres's semantics
// closely enough to exercise the executor and worker-loop logic against.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/durablerun/durable/internal/durablerr"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/store"
)

// Fake implements store.Store over plain maps guarded by a mutex. Not
// optimized, not concurrent-safe for high contention — adequate for
// deterministic single-process tests.
type Fake struct {
	mu sync.Mutex

	nextWorkerID  int64
	nextTaskID    int64
	nextWasmID    int64
	nextNotifID   int64
	claimAttempts int

	workers       map[int64]model.Worker
	wasm          map[int64]model.Wasm
	wasmByHash    map[string]int64
	tasks         map[int64]*model.Task
	events        map[int64][]model.Event
	notifications map[int64][]*fakeNotification
	logs          map[int64][]model.LogLine
}

type fakeNotification struct {
	model.Notification
	id       int64
	consumed bool
}

// New returns an empty Fake store.
func New() *Fake {
	return &Fake{
		workers:       make(map[int64]model.Worker),
		wasm:          make(map[int64]model.Wasm),
		wasmByHash:    make(map[string]int64),
		tasks:         make(map[int64]*model.Task),
		events:        make(map[int64][]model.Event),
		notifications: make(map[int64][]*fakeNotification),
		logs:          make(map[int64][]model.LogLine),
	}
}

// InsertTask seeds a ready task directly, bypassing the normal submission
// path; used by tests to set up fixtures. Returns the assigned id.
func (f *Fake) InsertTask(name string, wasmID *int64, data []byte) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTaskID++
	id := f.nextTaskID
	f.tasks[id] = &model.Task{
		ID:        id,
		Name:      name,
		State:     model.TaskActive,
		CreatedAt: time.Now(),
		WasmID:    wasmID,
		Data:      data,
	}
	return id
}

// Task returns a copy of a task row for test assertions.
func (f *Fake) Task(id int64) (model.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return *t, true
}

// SetTask overwrites a task row directly, for tests that need to seed a
// state ClaimReadyTasks wouldn't produce on its own (already suspended,
// already terminal, with a past wakeup time, and so on).
func (f *Fake) SetTask(t model.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := t
	f.tasks[t.ID] = &row
}

// Worker returns a copy of a worker row for test assertions.
func (f *Fake) Worker(id int64) (model.Worker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	return w, ok
}

// SetWorker overwrites a worker row directly, for tests that need to seed
// a heartbeat the normal path wouldn't produce (e.g. a stale one, to
// verify FindLeader excludes it).
func (f *Fake) SetWorker(w model.Worker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[w.ID] = w
}

// ClaimAttempts reports how many times ClaimReadyTasks has been called, for
// tests asserting a dispatch path actually tried to claim work (independent
// of whether any task was eligible or the subsequent guest run succeeded).
func (f *Fake) ClaimAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimAttempts
}

func (f *Fake) RegisterWorker(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextWorkerID++
	id := f.nextWorkerID
	now := time.Now()
	f.workers[id] = model.Worker{ID: id, StartedAt: now, HeartbeatAt: now}
	return id, nil
}

func (f *Fake) Heartbeat(ctx context.Context, workerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	if !ok {
		return durablerr.New(durablerr.KindNotFound, "store.Heartbeat", nil)
	}
	w.HeartbeatAt = time.Now()
	f.workers[workerID] = w
	return nil
}

func (f *Fake) SweepDeadWorkers(ctx context.Context, threshold time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	n := 0
	for id, w := range f.workers {
		if w.HeartbeatAt.Before(cutoff) {
			delete(f.workers, id)
			for _, t := range f.tasks {
				if t.RunningOn != nil && *t.RunningOn == id {
					t.RunningOn = nil
				}
			}
			n++
		}
	}
	return n, nil
}

func (f *Fake) FindLeader(ctx context.Context, threshold time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var ids []int64
	for id, w := range f.workers {
		if w.HeartbeatAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, durablerr.New(durablerr.KindNotFound, "store.FindLeader", nil)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0], nil
}

func (f *Fake) DeregisterWorker(ctx context.Context, workerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workers, workerID)
	return nil
}

func (f *Fake) ClaimReadyTasks(ctx context.Context, workerID int64, limit int) ([]model.ClaimedTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimAttempts++
	var ids []int64
	for id, t := range f.tasks {
		if t.State == model.TaskActive && t.RunningOn == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var claimed []model.ClaimedTask
	for _, id := range ids {
		if len(claimed) >= limit {
			break
		}
		t := f.tasks[id]
		t.RunningOn = &workerID
		claimed = append(claimed, model.ClaimedTask{ID: t.ID, Name: t.Name, WasmID: t.WasmID, Data: t.Data, CreatedAt: t.CreatedAt})
	}
	return claimed, nil
}

func (f *Fake) LoadEvents(ctx context.Context, taskID int64) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Event, len(f.events[taskID]))
	copy(out, f.events[taskID])
	return out, nil
}

func (f *Fake) AppendEvent(ctx context.Context, workerID, taskID int64, label string, kind model.TransactionKind, body func(ctx context.Context, tx store.DBTX) ([]byte, error)) (model.Event, error) {
	f.mu.Lock()
	t, ok := f.tasks[taskID]
	if !ok || t.RunningOn == nil || *t.RunningOn != workerID {
		f.mu.Unlock()
		return model.Event{}, durablerr.New(durablerr.KindTaskStolen, "store.AppendEvent", nil)
	}
	f.mu.Unlock()

	var value []byte
	if body != nil {
		v, err := body(ctx, fakeDBTX{})
		if err != nil {
			return model.Event{}, err
		}
		value = v
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	index := int64(len(f.events[taskID]))
	e := model.Event{TaskID: taskID, Index: index, Label: label, Value: append([]byte(nil), value...)}
	f.events[taskID] = append(f.events[taskID], e)
	return e, nil
}

func (f *Fake) Suspend(ctx context.Context, workerID, taskID int64, wakeupAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.RunningOn == nil || *t.RunningOn != workerID {
		return durablerr.New(durablerr.KindTaskStolen, "store.Suspend", nil)
	}
	t.State = model.TaskSuspended
	t.RunningOn = nil
	t.WakeupAt = wakeupAt
	return nil
}

func (f *Fake) WakeDueTasks(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	n := 0
	for _, t := range f.tasks {
		if t.State == model.TaskSuspended && t.WakeupAt != nil && !t.WakeupAt.After(now) {
			t.State = model.TaskActive
			t.WakeupAt = nil
			n++
		}
	}
	return n, nil
}

func (f *Fake) WakeStuckNotified(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, t := range f.tasks {
		if t.State != model.TaskSuspended {
			continue
		}
		for _, note := range f.notifications[id] {
			if !note.consumed {
				t.State = model.TaskActive
				t.WakeupAt = nil
				n++
				break
			}
		}
	}
	return n, nil
}

func (f *Fake) Complete(ctx context.Context, workerID, taskID int64, state model.TaskState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.RunningOn == nil || *t.RunningOn != workerID {
		return durablerr.New(durablerr.KindTaskStolen, "store.Complete", nil)
	}
	now := time.Now()
	t.State = state
	t.RunningOn = nil
	t.WasmID = nil
	t.CompletedAt = &now
	return nil
}

func (f *Fake) Release(ctx context.Context, workerID, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil
	}
	if t.RunningOn != nil && *t.RunningOn == workerID {
		t.RunningOn = nil
	}
	return nil
}

func (f *Fake) EnqueueNotification(ctx context.Context, taskID int64, event string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return durablerr.New(durablerr.KindNotFound, "store.EnqueueNotification", nil)
	}
	if t.State == model.TaskComplete || t.State == model.TaskFailed {
		return durablerr.New(durablerr.KindTaskDead, "store.EnqueueNotification", nil)
	}

	f.nextNotifID++
	f.notifications[taskID] = append(f.notifications[taskID], &fakeNotification{
		Notification: model.Notification{TaskID: taskID, CreatedAt: time.Now(), Event: event, Data: append([]byte(nil), data...)},
		id:           f.nextNotifID,
	})

	if t.State == model.TaskSuspended {
		t.State = model.TaskActive
		t.WakeupAt = nil
	}
	return nil
}

func (f *Fake) FetchNextNotification(ctx context.Context, taskID int64) (model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notifications[taskID] {
		if !n.consumed {
			n.consumed = true
			return n.Notification, nil
		}
	}
	return model.Notification{}, durablerr.New(durablerr.KindNotFound, "store.FetchNextNotification", nil)
}

func (f *Fake) GetOrRegisterWasm(ctx context.Context, hash string, bytes []byte, name *string) (model.Wasm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.wasmByHash[hash]; ok {
		w := f.wasm[id]
		w.LastUsed = time.Now()
		f.wasm[id] = w
		return w, nil
	}
	f.nextWasmID++
	id := f.nextWasmID
	w := model.Wasm{ID: id, Hash: hash, Bytes: bytes, Name: name, LastUsed: time.Now()}
	f.wasm[id] = w
	f.wasmByHash[hash] = id
	return w, nil
}

func (f *Fake) LoadWasm(ctx context.Context, id int64) (model.Wasm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wasm[id]
	if !ok {
		return model.Wasm{}, durablerr.New(durablerr.KindNotFound, "store.LoadWasm", nil)
	}
	return w, nil
}

func (f *Fake) AppendLog(ctx context.Context, taskID int64, message string) (model.LogLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := int64(len(f.logs[taskID]))
	l := model.LogLine{TaskID: taskID, Index: index, Message: message}
	f.logs[taskID] = append(f.logs[taskID], l)
	return l, nil
}

// Logs returns a task's log lines, for test assertions.
func (f *Fake) Logs(taskID int64) []model.LogLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.LogLine, len(f.logs[taskID]))
	copy(out, f.logs[taskID])
	return out
}

func (f *Fake) CleanupTerminalTasks(ctx context.Context, retention time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	n := 0
	for id, t := range f.tasks {
		if (t.State == model.TaskComplete || t.State == model.TaskFailed) && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(f.tasks, id)
			delete(f.events, id)
			delete(f.logs, id)
			delete(f.notifications, id)
			n++
		}
	}
	return n, nil
}

func (f *Fake) CleanupUnusedWasm(ctx context.Context, retention time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	inUse := make(map[int64]bool)
	for _, t := range f.tasks {
		if t.WasmID != nil {
			inUse[*t.WasmID] = true
		}
	}
	n := 0
	for id, w := range f.wasm {
		if !inUse[id] && w.LastUsed.Before(cutoff) {
			delete(f.wasm, id)
			delete(f.wasmByHash, w.Hash)
			n++
		}
	}
	return n, nil
}

func (f *Fake) Close() {}

type fakeDBTX struct{}

func (fakeDBTX) Query(ctx context.Context, sql string, args ...interface{}) (store.Rows, error) {
	return nil, fmt.Errorf("storetest: fake database-kind transactions cannot run SQL; stub your own DBTX in the test")
}

func (fakeDBTX) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	return 0, fmt.Errorf("storetest: fake database-kind transactions cannot run SQL; stub your own DBTX in the test")
}
