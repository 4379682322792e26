package workerloop

import (
	"context"

	"github.com/durablerun/durable/internal/durablerr"
)

// runCleanup implements spec.md §4.3 sub-loop 4: leader-only, deletes
// terminal tasks older than the retention window and unused wasm rows.
func (l *Loop) runCleanup(ctx context.Context) error {
	for {
		if err := l.shared.Clock.Sleep(ctx, l.shared.Config.CleanupInterval); err != nil {
			return nil
		}
		if !l.isLeader.Load() {
			continue
		}

		tasks, err := l.shared.Store.CleanupTerminalTasks(ctx, l.shared.Config.TaskRetention)
		if err != nil {
			if durablerr.IsStoreUnavailable(err) {
				l.log.Warn("cleanup terminal tasks failed, retrying", "error", err)
			} else {
				return err
			}
		} else if tasks > 0 {
			l.log.Info("cleaned up terminal tasks", "count", tasks)
		}

		wasm, err := l.shared.Store.CleanupUnusedWasm(ctx, l.shared.Config.WasmRetention)
		if err != nil {
			if durablerr.IsStoreUnavailable(err) {
				l.log.Warn("cleanup unused wasm failed, retrying", "error", err)
				continue
			}
			return err
		}
		if wasm > 0 {
			l.log.Info("cleaned up unused wasm", "count", wasm)
		}
	}
}
