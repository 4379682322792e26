package plugins

import (
	"context"
	"encoding/json"

	"github.com/durablerun/durable/internal/executor"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/store"
)

type clockRequest struct {
	Op string `json:"op"` // "wall_clock_now" | "monotonic_now"
}

type clockResponse struct {
	UnixNano int64 `json:"unix_nano"`
}

// Clock implements wall_clock_now/monotonic_now (spec §4.6): both are
// transactions labeled "now", returning a recorded timestamp on replay.
// Wall-clock monotonicity across restarts is explicitly not guaranteed,
// matching the spec's documented caveat.
type Clock struct{}

func (Clock) Call(ctx context.Context, ex *executor.Executor, request []byte) ([]byte, error) {
	var req clockRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, err
	}

	value, err := ex.Transaction(ctx, "now", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		var ns int64
		switch req.Op {
		case "monotonic_now":
			ns = int64(ex.Clock().Monotonic())
		default:
			ns = ex.Clock().Now().UnixNano()
		}
		return json.Marshal(clockResponse{UnixNano: ns})
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}
