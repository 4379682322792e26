// Package durablerr defines the typed error kinds the worker runtime
// distinguishes (spec §7): determinism violations, transient store outages,
// guest faults, lost ownership, and the rest of the taxonomy that drives
// retry/terminal/fatal decisions in the executor and worker loops.
package durablerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindDeterminismViolation: replay label mismatch or unexpected event
	// index. Terminal for the task.
	KindDeterminismViolation Kind = "determinism_violation"
	// KindStoreUnavailable: transient connection/query error against the
	// shared store. Retried forever in control loops; released in executors.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindWasmTrap: the guest instance trapped. Terminal for the task.
	KindWasmTrap Kind = "wasm_trap"
	// KindGuestError: the workflow returned/raised an application error.
	// Terminal for the task.
	KindGuestError Kind = "guest_error"
	// KindTaskStolen: Append event's running_on guard matched zero rows.
	KindTaskStolen Kind = "task_stolen"
	// KindNotFound: a referenced row (task, worker, wasm) does not exist.
	KindNotFound Kind = "not_found"
	// KindTaskDead: an operation targeted a task that is already terminal.
	KindTaskDead Kind = "task_dead"
	// KindLagged: the event source's notification connection dropped
	// messages; never fatal, triggers a conservative rescan.
	KindLagged Kind = "lagged"
	// KindHeartbeatLost: a worker's own row was missing on heartbeat.
	// Fatal to the worker process.
	KindHeartbeatLost Kind = "heartbeat_lost"
)

// Error is the typed error wrapper used throughout the runtime. Prefer
// constructing it with the New* helpers below over ad-hoc fmt.Errorf so
// callers can branch on Kind via errors.As.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "store.ClaimReadyTasks"
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is lets errors.Is(err, durablerr.New(kind, "", nil)) work by comparing
// kinds: it matches any *Error target of the same Kind. Callers more
// commonly use KindOf below, but this keeps errors.Is usable.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to "" if err is not (or
// does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the control loops should keep retrying rather
// than treat this as fatal/terminal.
func Retryable(err error) bool {
	return KindOf(err) == KindStoreUnavailable || KindOf(err) == KindLagged
}

func IsDeterminismViolation(err error) bool { return KindOf(err) == KindDeterminismViolation }
func IsTaskStolen(err error) bool           { return KindOf(err) == KindTaskStolen }
func IsStoreUnavailable(err error) bool     { return KindOf(err) == KindStoreUnavailable }
func IsHeartbeatLost(err error) bool        { return KindOf(err) == KindHeartbeatLost }
