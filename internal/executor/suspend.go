package executor

import (
	"encoding/json"
	"time"
)

type suspendPayload struct {
	WakeupAt *time.Time `json:"wakeup_at,omitempty"`
}

// suspendValue encodes a suspend event's body: the wakeup deadline, if
// any (sleep_until carries one; explicit suspend does not).
func suspendValue(wakeupAt *time.Time) []byte {
	b, err := json.Marshal(suspendPayload{WakeupAt: wakeupAt})
	if err != nil {
		// suspendPayload is a fixed, always-marshalable shape.
		return []byte(`{}`)
	}
	return b
}
