package workerloop

import (
	"context"

	"github.com/durablerun/durable/internal/durablerr"
)

// runLivenessSweep periodically deletes dead workers and releases any
// tasks they held. Leader-only "in principle" per spec.md §4.3, but
// running it on every worker is safe since the delete is idempotent and
// releasing an already-released task is a no-op.
func (l *Loop) runLivenessSweep(ctx context.Context) error {
	for {
		if err := l.shared.Clock.Sleep(ctx, l.shared.Config.SweepInterval); err != nil {
			return nil
		}
		n, err := l.shared.Store.SweepDeadWorkers(ctx, l.shared.Config.LivenessThreshold)
		if err != nil {
			if durablerr.IsStoreUnavailable(err) {
				l.log.Warn("liveness sweep failed, retrying", "error", err)
				continue
			}
			return err
		}
		if n > 0 {
			l.log.Info("swept dead workers", "count", n)
		}
	}
}
