// Package store is the Task Store (spec §4.1): the single source of truth
// for worker, wasm, task, event, notification, and log rows, and the
// publisher of the six NOTIFY channels the Event Source consumes.
package store

import (
	"context"
	"time"

	"github.com/durablerun/durable/internal/model"
)

// Store is the interface every control loop, spawner, and executor depends
// on. Postgres is the production implementation; storetest.Fake backs unit
// tests that don't want a live database.
type Store interface {
	// RegisterWorker inserts a new worker row and returns its id.
	RegisterWorker(ctx context.Context) (int64, error)
	// Heartbeat writes heartbeat_at = now() for the given worker. Returns
	// durablerr.KindNotFound if the row is gone (the worker believes
	// itself dead).
	Heartbeat(ctx context.Context, workerID int64) error
	// SweepDeadWorkers deletes workers whose heartbeat_at is older than
	// threshold and releases any tasks they held (running_on = NULL,
	// state left active so they're reclaimed by Claim ready tasks).
	SweepDeadWorkers(ctx context.Context, threshold time.Duration) (int, error)
	// FindLeader returns the id of the smallest-id worker whose heartbeat
	// is fresher than threshold; a worker that has stopped heartbeating is
	// not a leadership candidate even if its row hasn't been swept yet.
	FindLeader(ctx context.Context, threshold time.Duration) (int64, error)
	// DeregisterWorker deletes a worker's own row on graceful shutdown
	// (spec §4.3 "delete the worker's own row"). Idempotent: deleting an
	// already-gone row is not an error.
	DeregisterWorker(ctx context.Context, workerID int64) error

	// ClaimReadyTasks claims up to limit ready tasks for workerID under
	// FOR NO KEY UPDATE SKIP LOCKED and returns enough data to instantiate
	// executors without a second round trip.
	ClaimReadyTasks(ctx context.Context, workerID int64, limit int) ([]model.ClaimedTask, error)

	// LoadEvents returns every event for a task, ordered by index.
	LoadEvents(ctx context.Context, taskID int64) ([]model.Event, error)
	// AppendEvent runs body under ownership guard (running_on = workerID),
	// then inserts its returned value as the next event. If kind is
	// database, body's tx shares the same transaction as the event
	// insert — both commit atomically or neither does; for kind regular,
	// tx is non-nil but unused by convention. Returns
	// durablerr.KindTaskStolen if the ownership guard matched zero rows.
	AppendEvent(ctx context.Context, workerID, taskID int64, label string, kind model.TransactionKind, body func(ctx context.Context, tx DBTX) ([]byte, error)) (model.Event, error)

	// Suspend transitions a task to suspended with an optional wakeup
	// deadline, guarded by running_on = workerID.
	Suspend(ctx context.Context, workerID, taskID int64, wakeupAt *time.Time) error
	// WakeDueTasks transitions suspended tasks whose wakeup_at has
	// elapsed back to active/ready, returning how many were woken.
	WakeDueTasks(ctx context.Context) (int, error)
	// WakeStuckNotified re-issues the wake transition for suspended tasks
	// that have a pending notification but never transitioned (spec
	// §4.3 stuck-notify).
	WakeStuckNotified(ctx context.Context) (int, error)

	// Complete marks a task terminal (complete or failed), guarded by
	// running_on = workerID, clearing wasm_id and running_on.
	Complete(ctx context.Context, workerID, taskID int64, state model.TaskState) error
	// Release clears running_on for a task without changing state,
	// leaving it active/ready for reclaim (internal errors, shutdown).
	Release(ctx context.Context, workerID, taskID int64) error

	// EnqueueNotification inserts a notification row for a task, and, if
	// the task is currently suspended, transitions it back to active so
	// the notification's waiting call can be delivered without waiting
	// for a stuck-notify sweep (spec §4.1). Returns durablerr.KindNotFound
	// if the task doesn't exist, or durablerr.KindTaskDead if it is
	// already terminal (complete/failed) — a notification has no
	// recipient to deliver to in either case.
	EnqueueNotification(ctx context.Context, taskID int64, event string, data []byte) error
	// FetchNextNotification dequeues the oldest pending notification for
	// a task, or returns durablerr.KindNotFound if none is queued.
	FetchNextNotification(ctx context.Context, taskID int64) (model.Notification, error)

	// GetOrRegisterWasm looks up a Wasm row by hash, inserting one if
	// absent, and updates last_used.
	GetOrRegisterWasm(ctx context.Context, hash string, bytes []byte, name *string) (model.Wasm, error)
	// LoadWasm fetches a Wasm row's bytes by id.
	LoadWasm(ctx context.Context, id int64) (model.Wasm, error)

	// AppendLog inserts the next log line for a task.
	AppendLog(ctx context.Context, taskID int64, message string) (model.LogLine, error)

	// CleanupTerminalTasks deletes terminal tasks older than retention.
	CleanupTerminalTasks(ctx context.Context, retention time.Duration) (int, error)
	// CleanupUnusedWasm deletes wasm rows whose last_used predates
	// retention and that no task currently references.
	CleanupUnusedWasm(ctx context.Context, retention time.Duration) (int, error)

	// Close releases the store's pooled resources.
	Close()
}

// DBTX is the narrow query surface exposed to database-kind transaction
// bodies (the sql host plugin), so guest SQL shares the executor's
// connection and commits atomically with the event row.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (int64, error)
}

// Rows is the minimal row-streaming surface the sql host plugin needs.
// Values returns one row as a slice of driver-decoded Go values (pgx's
// own column-agnostic accessor), which is what lets the plugin marshal
// an arbitrary guest query's results without knowing its shape ahead of
// time.
type Rows interface {
	Next() bool
	Values() ([]interface{}, error)
	Err() error
	Close()
}
