// Package workerloop runs the six cooperative sub-loops spec.md §4.3
// describes (heartbeat, liveness sweep, leader, cleanup, stuck-notify,
// event dispatch) as one supervised group, grounded on the teacher's
// worker.go (one goroutine per concern, ticker-driven, shutdown via
// context cancellation).
package workerloop

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/durablerun/durable/internal/logging"
	"github.com/durablerun/durable/internal/runtime"
	"github.com/durablerun/durable/internal/spawner"
)

// drainPollInterval is how often drainInFlight rechecks the spawner's
// running-task count while waiting out Config.SuspendTimeout.
const drainPollInterval = 25 * time.Millisecond

// Loop wires the shared runtime state to the six sub-loops and a
// Spawner, and runs them all under one errgroup: if any sub-loop returns
// a non-nil error, every other sub-loop is canceled via the shared
// context, matching the teacher's "worker pool dies together" shape but
// made explicit instead of implicit (the teacher's own loops never
// returned errors — ours can, via the heartbeat loop's fatal path).
type Loop struct {
	shared  *runtime.Shared
	spawner *spawner.Spawner
	log     *logging.Logger

	isLeader atomic.Bool

	// workCtx governs task-driving goroutines (ClaimAndSpawn and the
	// guest runs it starts) separately from the errgroup's own ctx, so
	// that shutdown can stop new claims immediately while letting
	// in-flight tasks run out their grace period (spec §6 "Shutdown":
	// suspend margin / timeout govern how long an in-flight task attempt
	// is allowed to keep going). cancelWork forces any guests still
	// running past that grace period closed (wazero's
	// WithCloseOnContextDone).
	workCtx    context.Context
	cancelWork context.CancelFunc
}

// New builds a Loop. The caller owns shared's lifetime (its teardown
// func must be deferred by the caller, not by Loop).
func New(shared *runtime.Shared, sp *spawner.Spawner) *Loop {
	workCtx, cancelWork := context.WithCancel(context.Background())
	return &Loop{
		shared:     shared,
		spawner:    sp,
		log:        shared.Log.With("component", "workerloop"),
		workCtx:    workCtx,
		cancelWork: cancelWork,
	}
}

// Run starts all six sub-loops and blocks until ctx is canceled or one
// of them returns a fatal error, in which case it cancels the rest and
// returns that error. On the way out it stops accepting new claims and
// deletes the worker's own row (spec.md §4.3 "Shutdown").
func (l *Loop) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return l.runHeartbeat(gctx) })
	g.Go(func() error { return l.runLivenessSweep(gctx) })
	g.Go(func() error { return l.runLeaderElection(gctx) })
	g.Go(func() error { return l.runLeaderWake(gctx) })
	g.Go(func() error { return l.runCleanup(gctx) })
	g.Go(func() error { return l.runStuckNotify(gctx) })
	g.Go(func() error { return l.runDispatch(gctx) })

	err := g.Wait()

	l.drainInFlight()

	shutdownCtx := context.Background()
	if serr := l.spawner.Close(shutdownCtx); serr != nil {
		l.log.Warn("wasm runtime close failed during shutdown", "error", serr)
	}
	if derr := l.shared.Store.DeregisterWorker(shutdownCtx, l.shared.WorkerID); derr != nil {
		l.log.Warn("deregister worker failed", "error", derr)
	}
	return err
}

// drainInFlight gives in-flight task attempts up to Config.SuspendTimeout
// to finish naturally (runDispatch already stopped claiming new work the
// moment gctx was canceled) before forcing workCtx closed, which tears
// down any wazero guest still running via WithCloseOnContextDone.
func (l *Loop) drainInFlight() {
	defer l.cancelWork()
	if l.spawner.RunningCount() == 0 {
		return
	}

	deadline := l.shared.Clock.NewTimer(l.shared.Config.SuspendTimeout)
	defer deadline.Stop()
	poll := l.shared.Clock.NewTimer(drainPollInterval)
	defer poll.Stop()

	for {
		if l.spawner.RunningCount() == 0 {
			return
		}
		select {
		case <-deadline.C():
			l.log.Warn("suspend timeout elapsed with tasks still in flight, forcing shutdown",
				"running", l.spawner.RunningCount())
			return
		case <-poll.C():
			poll.Reset(drainPollInterval)
		}
	}
}
