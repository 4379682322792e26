// Package model holds the persistent row types of the worker runtime's
// schema (spec §3): Worker, Wasm, Task, Event, Notification, Log. These are
// plain structs, not ORM models — internal/store reads/writes them with
// hand-written SQL so the exact column/table/channel contract in spec §6
// is preserved byte-for-byte.
package model

import (
	"encoding/json"
	"time"
)

// TaskState is the task_state enum. Values must match spec §6 exactly —
// they are part of the wire contract with external clients.
type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskSuspended TaskState = "suspended"
	TaskComplete  TaskState = "complete"
	TaskFailed    TaskState = "failed"
)

// TransactionKind distinguishes a plain recorded host call from one that
// also reserves a shared-pool connection for guest SQL (spec §4.5).
type TransactionKind string

const (
	TransactionRegular  TransactionKind = "regular"
	TransactionDatabase TransactionKind = "database"
)

// Worker is the identity of a running process (spec §3 "Worker").
type Worker struct {
	ID          int64
	StartedAt   time.Time
	HeartbeatAt time.Time
}

// Wasm is a content-addressed WASM binary (spec §3 "Wasm").
type Wasm struct {
	ID       int64
	Hash     string // sha-256, hex-encoded, unique
	Bytes    []byte
	Name     *string
	LastUsed time.Time
}

// Task is a workflow instance (spec §3 "Task").
type Task struct {
	ID          int64
	Name        string
	State       TaskState
	RunningOn   *int64
	CreatedAt   time.Time
	CompletedAt *time.Time
	WakeupAt    *time.Time
	WasmID      *int64
	Data        json.RawMessage
}

// Event is one row of a task's append-only replay log (spec §3 "Event").
type Event struct {
	TaskID int64
	Index  int64
	Label  string
	Value  json.RawMessage
}

// Notification is an inbound signal for a task (spec §3 "Notification").
type Notification struct {
	TaskID    int64
	CreatedAt time.Time
	Event     string
	Data      json.RawMessage
}

// LogLine is one row of a task's free-form log (spec §3 "Log").
type LogLine struct {
	TaskID  int64
	Index   int64
	Message string
}

// ClaimedTask is what ClaimReadyTasks returns per row: enough to
// instantiate an executor without a second round trip.
type ClaimedTask struct {
	ID        int64
	Name      string
	WasmID    *int64
	Data      json.RawMessage
	CreatedAt time.Time
}
