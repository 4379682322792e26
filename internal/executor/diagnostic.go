package executor

import "encoding/json"

type diagnosticPayload struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// diagnosticValue encodes the terminal-failure event FailWithDiagnostic
// appends: reason identifies what kind of failure this was (wasm_trap,
// guest_error, determinism_violation), cause is the underlying error,
// when there is one.
func diagnosticValue(reason string, cause error) []byte {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	b, err := json.Marshal(diagnosticPayload{Reason: reason, Error: msg})
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
