package workerloop

import (
	"context"
	"time"

	"github.com/durablerun/durable/internal/durablerr"
)

// leaderPollInterval is the same fixed 1-second tick the teacher's
// runLoop polls its job queue on; leadership can change at any time a
// worker dies, so this loop just re-checks rather than waiting on an
// event.
const leaderPollInterval = 1 * time.Second

// runLeaderElection keeps l.isLeader current by re-checking FindLeader on
// a fixed tick and whenever the event source reports a WorkerChanged.
func (l *Loop) runLeaderElection(ctx context.Context) error {
	ticker := l.shared.Clock.NewTimer(leaderPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			l.refreshLeader(ctx)
			ticker.Reset(leaderPollInterval)
		}
	}
}

func (l *Loop) refreshLeader(ctx context.Context) {
	leaderID, err := l.shared.Store.FindLeader(ctx, l.shared.Config.LivenessThreshold)
	if err != nil {
		if !durablerr.IsStoreUnavailable(err) {
			l.log.Warn("find leader failed", "error", err)
		}
		return
	}
	now := leaderID == l.shared.WorkerID
	if was := l.isLeader.Swap(now); was != now {
		l.log.Info("leadership changed", "is_leader", now)
	}
}

// runLeaderWake implements spec.md §4.3 sub-loop 3: while leading,
// repeatedly wake due tasks. Non-leaders just poll the flag and idle.
func (l *Loop) runLeaderWake(ctx context.Context) error {
	for {
		if err := l.shared.Clock.Sleep(ctx, leaderPollInterval); err != nil {
			return nil
		}
		if !l.isLeader.Load() {
			continue
		}
		n, err := l.shared.Store.WakeDueTasks(ctx)
		if err != nil {
			if durablerr.IsStoreUnavailable(err) {
				l.log.Warn("wake due tasks failed, retrying", "error", err)
				continue
			}
			return err
		}
		if n > 0 {
			l.log.Info("woke due tasks", "count", n)
		}
	}
}
