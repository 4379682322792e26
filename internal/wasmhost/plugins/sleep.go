package plugins

import (
	"context"
	"encoding/json"
	"time"

	"github.com/durablerun/durable/internal/executor"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/store"
)

type sleepRequest struct {
	WakeupAtUnixMilli int64 `json:"wakeup_at_unix_milli"`
}

// Sleep implements sleep_until(t) (spec §4.5/§4.6). Every call, live or
// replayed, is identified by the single label "sleep_until" regardless
// of which of the two live branches below produced the recorded event:
// Executor.Transaction and Executor.Suspend both match replay purely on
// label, so a call site that yielded on its first attempt and a call
// site that truly suspended replay identically through
// Executor.Suspend's replay branch.
type Sleep struct {
	// Margin is spec §6's "shorter sleeps just yield": a deadline within
	// Margin of now blocks synchronously inside a transaction instead of
	// suspending and reclaiming the task later.
	Margin time.Duration
}

func (s Sleep) Call(ctx context.Context, ex *executor.Executor, request []byte) ([]byte, error) {
	var req sleepRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, err
	}
	wakeupAt := time.UnixMilli(req.WakeupAtUnixMilli)

	if ex.Replaying() {
		return nil, ex.Suspend(ctx, "sleep_until", &wakeupAt)
	}

	if remaining := wakeupAt.Sub(ex.Clock().Now()); remaining <= s.Margin {
		return ex.Transaction(ctx, "sleep_until", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
			if remaining > 0 {
				if err := ex.Clock().Sleep(ctx, remaining); err != nil {
					return nil, err
				}
			}
			return json.Marshal(struct{}{})
		})
	}

	if err := ex.Suspend(ctx, "sleep_until", &wakeupAt); err != nil {
		return nil, err
	}
	return nil, ErrSuspend
}
