package workerloop

import (
	"context"

	"github.com/durablerun/durable/internal/eventsource"
)

// runDispatch implements spec.md §4.3 sub-loop 6: consumes the Event
// Source and fans out. This runtime never parks a resident executor
// waiting on a notification (every suspend tears its instance down
// completely, see wasmhost.Instance.Run), so "delivered to interested
// task executors via in-process channels" collapses to: a TaskReady this
// worker could claim triggers a spawn batch, and a WorkerChanged
// refreshes the cached leader flag other sub-loops read. Everything else
// is informational.
func (l *Loop) runDispatch(ctx context.Context) error {
	events := l.shared.Events.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			l.handleEvent(ctx, ev)
		}
	}
}

func (l *Loop) handleEvent(ctx context.Context, ev eventsource.Event) {
	switch ev.Kind {
	case eventsource.KindTaskReady:
		if ev.RunningOn != nil && *ev.RunningOn != l.shared.WorkerID {
			return
		}
		if l.spawner.IsRunning(ev.TaskID) {
			return
		}
		l.spawnAvailable()
	case eventsource.KindWorkerChanged:
		l.refreshLeader(ctx)
	case eventsource.KindLagged:
		// Individual notifications were dropped; conservatively assume
		// work may be waiting and rescan.
		l.spawnAvailable()
	case eventsource.KindTaskSuspended, eventsource.KindTaskCompleted,
		eventsource.KindNotificationArrived, eventsource.KindLogAppended:
		// Observed for completeness; no action owned by this loop — the
		// leader-wake and stuck-notify sub-loops handle reacting to
		// notifications and wakeups on their own schedules.
	}
}

func (l *Loop) spawnAvailable() {
	slots := l.spawner.AvailableSlots()
	if slots <= 0 {
		return
	}
	if _, err := l.spawner.ClaimAndSpawn(l.workCtx, slots); err != nil {
		l.log.Warn("claim ready tasks failed", "error", err)
	}
}
