package plugins

import (
	"context"
	"encoding/json"
	"time"

	"github.com/durablerun/durable/internal/durablerr"
	"github.com/durablerun/durable/internal/executor"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/store"
)

type notifyRequest struct {
	// WakeupAtUnixMilli, if set, bounds how long the guest is willing to
	// wait before it wants control back regardless of whether a
	// notification ever arrives. Zero means wait indefinitely.
	WakeupAtUnixMilli int64 `json:"wakeup_at_unix_milli,omitempty"`
}

type notifyResult struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Notify implements notification_blocking() (spec §4.6): dequeue the
// oldest pending notification for the task and record it as the
// transaction's value; if none is queued, suspend until one arrives (or
// until the caller-supplied deadline elapses).
type Notify struct{}

func (Notify) Call(ctx context.Context, ex *executor.Executor, request []byte) ([]byte, error) {
	if ex.Replaying() {
		return ex.Transaction(ctx, "notification_blocking", model.TransactionRegular, func(context.Context, store.DBTX) ([]byte, error) {
			panic("notify: body invoked while replaying")
		})
	}

	n, err := ex.FetchNotification(ctx)
	if err == nil {
		return ex.Transaction(ctx, "notification_blocking", model.TransactionRegular, func(context.Context, store.DBTX) ([]byte, error) {
			return json.Marshal(notifyResult{Event: n.Event, Data: n.Data})
		})
	}
	if durablerr.KindOf(err) != durablerr.KindNotFound {
		return nil, err
	}

	var req notifyRequest
	if len(request) > 0 {
		if uerr := json.Unmarshal(request, &req); uerr != nil {
			return nil, uerr
		}
	}
	var wakeupAt *time.Time
	if req.WakeupAtUnixMilli != 0 {
		t := time.UnixMilli(req.WakeupAtUnixMilli)
		wakeupAt = &t
	}
	if serr := ex.SuspendIdle(ctx, wakeupAt); serr != nil {
		return nil, serr
	}
	return nil, ErrSuspend
}
