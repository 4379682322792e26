// Package plugins implements the host-call plugins spec §4.6 names:
// clock, random, http, sql, notify, core. Every plugin reaches the
// store, clock, and entropy only through the executor.Executor it is
// given, never directly — that is what keeps a replayed run's guest
// visible behavior identical to its first execution.
package plugins

import "errors"

// ErrSuspend is the sentinel a suspending host call (sleep_until,
// notification_blocking) returns to signal that the guest's WASM stack
// must be aborted rather than resumed — wasmhost.Run translates this
// into Module.CloseWithExitCode, matching spec §4.5's "the executor is
// torn down; its in-memory state is not preserved".
var ErrSuspend = errors.New("plugins: suspend")
