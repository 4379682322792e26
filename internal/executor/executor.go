// Package executor implements the Task Executor — the transaction
// protocol at the heart of the runtime (spec §4.5). Each Executor owns
// one task's replay cursor and drives a single WASM instance through it;
// host-call plugins (internal/wasmhost/plugins) never touch the store
// directly, only through Transaction/Suspend/Complete below.
package executor

import (
	"context"
	"strconv"
	"time"

	"github.com/durablerun/durable/internal/clock"
	"github.com/durablerun/durable/internal/durablerr"
	"github.com/durablerun/durable/internal/entropy"
	"github.com/durablerun/durable/internal/logging"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/store"
	"github.com/durablerun/durable/internal/tracing"
)

// Outcome describes how a Run call ended, so the spawner knows whether to
// drop the executor, requeue it, or treat the task as terminal.
type Outcome int

const (
	// OutcomeCompleted: the guest returned successfully; the spawner then
	// marks the task complete and the executor can be discarded.
	OutcomeCompleted Outcome = iota
	// OutcomeSuspended: the task suspended; the executor tore itself
	// down and the task will be re-driven by a fresh executor later.
	OutcomeSuspended
	// OutcomeReleased: the run ended with an error (a trap, a guest
	// error, a determinism violation, a steal, or a store error). The
	// spawner fails the task for the first three error kinds and
	// otherwise leaves it for another worker (or this one, later).
	OutcomeReleased
)

// Deps bundles an Executor's shared collaborators, mirroring the
// runtime.Shared arena: an Executor never reaches around this for time,
// randomness, or storage.
type Deps struct {
	Store   store.Store
	Clock   clock.Clock
	Entropy entropy.Source
	Tracer  tracing.Tracer
	Log     *logging.Logger
}

// Executor drives one Task's WASM instance through the transaction
// protocol. Not safe for concurrent use — each Executor is owned
// exclusively by the goroutine/thread running its guest.
type Executor struct {
	deps Deps

	workerID int64
	task     model.ClaimedTask

	events []model.Event
	cursor int

	stolen  bool
	stopped bool
}

// New loads a task's event log and returns an Executor positioned at
// cursor 0, ready to drive a fresh or resumed guest instance (spec §4.5
// step 1).
func New(ctx context.Context, deps Deps, workerID int64, task model.ClaimedTask) (*Executor, error) {
	events, err := deps.Store.LoadEvents(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return &Executor{
		deps:     deps,
		workerID: workerID,
		task:     task,
		events:   events,
	}, nil
}

// TaskID, TaskName, TaskData are the core task API's deterministic reads
// (spec §4.6 "Core task API"): cached at instantiation, never logged.
func (e *Executor) TaskID() int64             { return e.task.ID }
func (e *Executor) TaskName() string          { return e.task.Name }
func (e *Executor) TaskData() []byte          { return e.task.Data }
func (e *Executor) TaskCreatedAt() time.Time  { return e.task.CreatedAt }

// Clock and Entropy expose the injected seams (spec §9) to host-call
// plugins' transaction bodies; plugins must read time and randomness
// only through these, never through time.Now/crypto/rand/math/rand
// directly, or replay would diverge from a deterministic-simulation run.
func (e *Executor) Clock() clock.Clock     { return e.deps.Clock }
func (e *Executor) Entropy() entropy.Source { return e.deps.Entropy }

// Body computes the value to record for a transaction that is actually
// executed (the cursor is past the end of the log). tx is non-nil only
// meaningfully for kind = database; regular-kind bodies should ignore it.
type Body func(ctx context.Context, tx store.DBTX) ([]byte, error)

// Transaction implements spec §4.5's transaction(label, kind) { body }
// protocol: replay an existing event at the cursor, or execute body and
// record a new one. Returns durablerr.KindDeterminismViolation if the
// cursor's recorded label disagrees with label, and
// durablerr.KindTaskStolen if the executor's ownership guard fails during
// an execute-path append.
func (e *Executor) Transaction(ctx context.Context, label string, kind model.TransactionKind, body Body) ([]byte, error) {
	if e.stopped {
		return nil, durablerr.New(durablerr.KindTaskStolen, "executor.Transaction", nil)
	}

	ctx, span := e.deps.Tracer.Start(ctx, "transaction")
	defer span.End()

	if e.cursor < len(e.events) {
		recorded := e.events[e.cursor]
		if recorded.Label != label {
			e.stopped = true
			return nil, durablerr.New(durablerr.KindDeterminismViolation, "executor.Transaction",
				labelMismatch(e.cursor, recorded.Label, label))
		}
		e.cursor++
		return recorded.Value, nil
	}

	event, err := e.deps.Store.AppendEvent(ctx, e.workerID, e.task.ID, label, kind, body)
	if err != nil {
		if durablerr.IsTaskStolen(err) {
			e.stolen = true
			e.stopped = true
		}
		return nil, err
	}
	e.events = append(e.events, event)
	e.cursor++
	return event.Value, nil
}

// Suspend implements sleep_until and explicit suspend (spec §4.5;
// notification_blocking goes through SuspendIdle instead): appends a "suspend" event carrying the wakeup deadline (if any), calls
// Suspend on the store, and marks the executor stopped — its in-memory
// state is deliberately not reusable past this point.
func (e *Executor) Suspend(ctx context.Context, label string, wakeupAt *time.Time) error {
	if e.stopped {
		return durablerr.New(durablerr.KindTaskStolen, "executor.Suspend", nil)
	}
	if e.cursor < len(e.events) {
		recorded := e.events[e.cursor]
		if recorded.Label != label {
			e.stopped = true
			return durablerr.New(durablerr.KindDeterminismViolation, "executor.Suspend",
				labelMismatch(e.cursor, recorded.Label, label))
		}
		e.cursor++
		// Already suspended and woken on a prior attempt; replay must not
		// re-suspend here or the task would never progress past this call
		// site (the store-side Suspend already ran, and was already
		// undone by whatever woke this attempt).
		return nil
	}

	value := suspendValue(wakeupAt)
	event, err := e.deps.Store.AppendEvent(ctx, e.workerID, e.task.ID, label, model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		return value, nil
	})
	if err != nil {
		if durablerr.IsTaskStolen(err) {
			e.stolen = true
		}
		e.stopped = true
		return err
	}
	e.events = append(e.events, event)
	e.cursor++

	if err := e.deps.Store.Suspend(ctx, e.workerID, e.task.ID, wakeupAt); err != nil {
		e.stopped = true
		return err
	}
	e.stopped = true
	return nil
}

// Complete implements spec §4.5's completion path: transitions the task
// row to its terminal state. state must be model.TaskComplete or
// model.TaskFailed. Completion itself is not recorded as an event-log
// row — only the host calls the workflow made along the way are; the
// task row's state and completed_at are the terminal record (hello-world
// completing after a single log() call has exactly one Event, not two).
func (e *Executor) Complete(ctx context.Context, state model.TaskState) error {
	if e.stopped {
		return durablerr.New(durablerr.KindTaskStolen, "executor.Complete", nil)
	}
	if err := e.deps.Store.Complete(ctx, e.workerID, e.task.ID, state); err != nil {
		e.stopped = true
		return err
	}
	e.stopped = true
	return nil
}

// FailWithDiagnostic records a diagnostic event describing a terminal
// host-side failure (guest trap, guest-reported error, or a determinism
// violation caught mid-transaction) and marks the task failed (spec §7:
// "diagnostic in event log"; §4.5: "error details captured in a final
// event"). Unlike Complete, it runs even when a prior Transaction/Suspend
// call already set stopped — that flag exists to stop the guest from
// issuing further host calls once something has gone wrong, not to block
// the one diagnostic-plus-terminal write the spawner makes after Run
// reports the failure.
func (e *Executor) FailWithDiagnostic(ctx context.Context, reason string, cause error) error {
	if e.stolen {
		// Ownership was already lost to another worker; nothing here is
		// ours to record or complete.
		return nil
	}
	value := diagnosticValue(reason, cause)
	if _, err := e.deps.Store.AppendEvent(ctx, e.workerID, e.task.ID, "diagnostic", model.TransactionRegular, func(context.Context, store.DBTX) ([]byte, error) {
		return value, nil
	}); err != nil {
		if durablerr.IsTaskStolen(err) {
			e.stopped = true
			return nil
		}
		return err
	}
	if err := e.deps.Store.Complete(ctx, e.workerID, e.task.ID, model.TaskFailed); err != nil {
		if durablerr.IsTaskStolen(err) {
			e.stopped = true
			return nil
		}
		return err
	}
	e.stopped = true
	return nil
}

// Release implements the internal-error path (spec §4.5, §7
// StoreUnavailable): leaves the task active with running_on cleared, so
// another worker can retry it, without recording anything further.
func (e *Executor) Release(ctx context.Context) error {
	if e.stopped {
		return nil
	}
	e.stopped = true
	if e.stolen {
		// Ownership was already lost; nothing to release.
		return nil
	}
	return e.deps.Store.Release(ctx, e.workerID, e.task.ID)
}

// Stolen reports whether this executor lost ownership mid-run (spec §7
// TaskStolen): the caller must not attempt Release in that case.
func (e *Executor) Stolen() bool { return e.stolen }

// FetchNotification dequeues the task's oldest pending notification. It
// talks to the store directly rather than going through Transaction, so
// callers (the notify plugin) must only invoke it on the live path —
// after checking Replaying() is false — or replay would re-dequeue a row
// that a prior attempt already consumed.
func (e *Executor) FetchNotification(ctx context.Context) (model.Notification, error) {
	return e.deps.Store.FetchNextNotification(ctx, e.task.ID)
}

// SuspendIdle transitions the task to suspended without recording an
// event, for a blocking host call that found nothing to do yet
// (notification_blocking with an empty queue). Because nothing is
// appended to the log, the next attempt re-enters the same call live
// instead of replaying a stale answer.
func (e *Executor) SuspendIdle(ctx context.Context, wakeupAt *time.Time) error {
	if e.stopped {
		return durablerr.New(durablerr.KindTaskStolen, "executor.SuspendIdle", nil)
	}
	if err := e.deps.Store.Suspend(ctx, e.workerID, e.task.ID, wakeupAt); err != nil {
		e.stopped = true
		return err
	}
	e.stopped = true
	return nil
}

func labelMismatch(index int, recorded, got string) error {
	return &determinismErr{index: index, recorded: recorded, got: got}
}

type determinismErr struct {
	index            int
	recorded, got string
}

func (d *determinismErr) Error() string {
	return "event " + strconv.Itoa(d.index) + ": recorded label " + d.recorded + " but replay produced " + d.got
}
