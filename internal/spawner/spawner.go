// Package spawner implements the Task Spawner (spec §4.4): it claims a
// bounded batch of ready tasks, instantiates an executor and guest
// instance per task, and drives each to completion, suspension, or
// release, all under a fixed concurrency ceiling.
package spawner

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/durablerun/durable/internal/durablerr"
	"github.com/durablerun/durable/internal/executor"
	"github.com/durablerun/durable/internal/logging"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/runtime"
	"github.com/durablerun/durable/internal/wasmhost"
)

// Spawner owns the wazero runtime and host-plugin set shared by every
// executor it instantiates, and bounds how many guests run at once.
type Spawner struct {
	shared  *runtime.Shared
	wasm    *wasmhost.Runtime
	plugins wasmhost.Plugins
	log     *logging.Logger

	sem chan struct{} // bounds concurrent guest instances to Config.MaxTasks

	mu      sync.Mutex
	running map[int64]struct{} // task ids currently being driven by this worker
}

// New builds a Spawner bound to shared's MaxTasks ceiling. It instantiates
// the shared "durable" host module up front, so a bad plugin wiring fails
// at startup rather than on the first claimed task.
func New(shared *runtime.Shared) (*Spawner, error) {
	max := shared.Config.MaxTasks
	if max < 1 {
		max = 1
	}
	plugins := wasmhost.DefaultPlugins(shared.Config.SuspendMargin)
	wasm, err := wasmhost.NewRuntime(context.Background(), shared.WasmLRU, shared.Log, plugins)
	if err != nil {
		return nil, fmt.Errorf("spawner: build wasm runtime: %w", err)
	}
	return &Spawner{
		shared:  shared,
		wasm:    wasm,
		plugins: plugins,
		log:     shared.Log.With("component", "spawner"),
		sem:     make(chan struct{}, max),
		running: make(map[int64]struct{}),
	}, nil
}

// Close tears down the wazero runtime. Call once, after every in-flight
// Spawn has returned.
func (s *Spawner) Close(ctx context.Context) error {
	return s.wasm.Close(ctx)
}

// AvailableSlots reports how many more tasks this spawner can claim right
// now, for the dispatch loop's batch-size decision.
func (s *Spawner) AvailableSlots() int {
	return cap(s.sem) - len(s.sem)
}

// RunningCount reports how many tasks this worker is currently driving.
func (s *Spawner) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// IsRunning reports whether this spawner already owns taskID, so the
// dispatch loop doesn't double-spawn a task it's already driving when a
// redundant TaskReady notification arrives.
func (s *Spawner) IsRunning(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// ClaimAndSpawn claims up to limit ready tasks and spawns one goroutine
// per claimed task to drive it. It returns immediately; spawned
// goroutines run until the task suspends, completes, or is released.
func (s *Spawner) ClaimAndSpawn(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	claimed, err := s.shared.Store.ClaimReadyTasks(ctx, s.shared.WorkerID, limit)
	if err != nil {
		return 0, err
	}
	for _, task := range claimed {
		s.spawn(ctx, task)
	}
	return len(claimed), nil
}

func (s *Spawner) spawn(ctx context.Context, task model.ClaimedTask) {
	s.mu.Lock()
	s.running[task.ID] = struct{}{}
	s.mu.Unlock()

	s.sem <- struct{}{}
	go func() {
		defer func() {
			<-s.sem
			s.mu.Lock()
			delete(s.running, task.ID)
			s.mu.Unlock()
		}()
		s.drive(ctx, task)
	}()
}

// drive loads the task's event log, runs the guest, and records the
// outcome. Modeled on the teacher's per-job goroutine body in
// internal/jobs/worker/worker.go's runLoop closure (heartbeat scope,
// panic recovery, terminal-vs-release branch), generalized from
// "dispatch to a registered handler" to "instantiate an executor and run
// a wazero guest through it".
func (s *Spawner) drive(ctx context.Context, task model.ClaimedTask) {
	// attempt correlates every log line and span for this one claim of
	// the task across the executor, wasmhost, and plugin layers; a task
	// that suspends and is reclaimed later gets a new attempt id, so
	// logs from two different attempts at the same task are never
	// confused for each other.
	attempt := uuid.NewString()
	log := s.log.With("task_id", task.ID, "task_name", task.Name, "attempt", attempt)

	ex, err := executor.New(ctx, executor.Deps{
		Store:   s.shared.Store,
		Clock:   s.shared.Clock,
		Entropy: s.shared.Entropy,
		Tracer:  s.shared.Tracer,
		Log:     log,
	}, s.shared.WorkerID, task)
	if err != nil {
		log.Warn("load event log failed, releasing", "error", err)
		s.release(ctx, task.ID, log)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("guest instantiation panicked", "panic", r)
			s.failOrRelease(ctx, ex, log)
		}
	}()

	if task.WasmID == nil {
		log.Error("claimed task has no wasm bound, releasing")
		s.release(ctx, task.ID, log)
		return
	}
	wasmRow, err := s.shared.Store.LoadWasm(ctx, *task.WasmID)
	if err != nil {
		log.Warn("load wasm failed, releasing", "error", err)
		s.release(ctx, task.ID, log)
		return
	}

	instance := wasmhost.NewInstance(s.wasm, s.plugins)
	outcome, runErr := instance.Run(ctx, wasmRow.ID, wasmRow.Bytes, ex)

	switch outcome {
	case executor.OutcomeSuspended:
		// Suspend was already recorded by the notify/sleep plugin before
		// the guest instance unwound; nothing further to do here.
		return
	case executor.OutcomeCompleted:
		if cerr := ex.Complete(ctx, model.TaskComplete); cerr != nil {
			log.Warn("complete failed", "error", cerr)
		}
		return
	default: // executor.OutcomeReleased
		// A trap, a guest-reported error, or a determinism violation caught
		// mid-transaction is terminal (spec §4.5: "on workflow trap or
		// error, same but with failed"; §7: a determinism violation can
		// never be retried into a different outcome). Everything else
		// (store outage, lost ownership) is an internal condition that
		// leaves the task active for another attempt.
		kind := durablerr.KindOf(runErr)
		switch kind {
		case durablerr.KindWasmTrap, durablerr.KindGuestError, durablerr.KindDeterminismViolation:
			if cerr := ex.FailWithDiagnostic(ctx, string(kind), runErr); cerr != nil {
				log.Warn("fail with diagnostic failed", "error", cerr)
			}
		case durablerr.KindTaskStolen:
			// Ownership already lost; nothing to release.
		default:
			if runErr != nil {
				log.Warn("guest run failed, releasing", "error", runErr)
			}
			s.release(ctx, task.ID, log)
		}
	}
}

func (s *Spawner) failOrRelease(ctx context.Context, ex *executor.Executor, log *logging.Logger) {
	if ex.Stolen() {
		return
	}
	if err := ex.Release(ctx); err != nil {
		log.Warn("release after panic failed", "error", err)
	}
}

func (s *Spawner) release(ctx context.Context, taskID int64, log *logging.Logger) {
	if err := s.shared.Store.Release(ctx, s.shared.WorkerID, taskID); err != nil && durablerr.KindOf(err) != durablerr.KindTaskStolen {
		log.Warn("release failed", "error", err)
	}
}
