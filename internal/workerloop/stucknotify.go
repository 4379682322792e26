package workerloop

import (
	"context"

	"github.com/durablerun/durable/internal/durablerr"
)

// runStuckNotify implements spec.md §4.3 sub-loop 5: leader-only, catches
// suspended tasks with a pending notification whose wakeup transition
// never happened (e.g. the worker that owned the transition died
// mid-write), and re-issues it.
func (l *Loop) runStuckNotify(ctx context.Context) error {
	for {
		if err := l.shared.Clock.Sleep(ctx, l.shared.Config.StuckNotifyInterval); err != nil {
			return nil
		}
		if !l.isLeader.Load() {
			continue
		}
		n, err := l.shared.Store.WakeStuckNotified(ctx)
		if err != nil {
			if durablerr.IsStoreUnavailable(err) {
				l.log.Warn("wake stuck notified failed, retrying", "error", err)
				continue
			}
			return err
		}
		if n > 0 {
			l.log.Info("woke stuck-notified tasks", "count", n)
		}
	}
}
