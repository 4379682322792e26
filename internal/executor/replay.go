package executor

import "encoding/json"

// Replaying reports whether the next Transaction/Suspend call will be
// satisfied from the recorded log rather than executed live. The notify
// and sleep plugins branch on it: while replaying, notify does not fetch
// a notification and sleep does not check the clock; both go straight to
// the call that returns the recorded event.
func (e *Executor) Replaying() bool {
	return e.cursor < len(e.events)
}

// EventCount returns how many events have been loaded for this task,
// i.e. how far replay must proceed before live execution resumes.
func (e *Executor) EventCount() int {
	return len(e.events)
}

// DecodeSuspendValue decodes a recorded suspend event's body back into its
// wakeup deadline, if any. Nothing in the worker calls it; the wake sweep
// reads wakeup_at from the task row instead.
func DecodeSuspendValue(value []byte) (suspendPayload, error) {
	var p suspendPayload
	if len(value) == 0 {
		return p, nil
	}
	err := json.Unmarshal(value, &p)
	return p, err
}
