// Package runtime assembles the worker's shared, pooled collaborators —
// the "arena" spec.md §9 calls for: the worker owns a set of executor
// handles by integer id, and executors reference worker-global state
// through this handle rather than holding direct references to each
// other, which is what keeps the ownership graph acyclic.
package runtime

import (
	"context"
	"fmt"

	"github.com/durablerun/durable/internal/clock"
	"github.com/durablerun/durable/internal/config"
	"github.com/durablerun/durable/internal/entropy"
	"github.com/durablerun/durable/internal/eventsource"
	"github.com/durablerun/durable/internal/logging"
	"github.com/durablerun/durable/internal/store"
	"github.com/durablerun/durable/internal/tracing"
	"github.com/durablerun/durable/internal/wasmcache"
)

// Shared holds every collaborator a worker's sub-loops, spawner, and
// executors need, and nothing else — no back-references to the Worker
// or to any individual executor live here.
type Shared struct {
	Config  config.Config
	Store   store.Store
	Clock   clock.Clock
	Entropy entropy.Source
	Events  *eventsource.Source
	WasmLRU *wasmcache.LRU
	Log     *logging.Logger
	Tracer  tracing.Tracer

	WorkerID int64
}

// Builder assembles a Shared, mirroring the teacher's constructor-injection
// shape (NewWorker takes its pool, repo, registry, notifier already built)
// generalized into one step that also registers the worker row and opens
// the event source, since this runtime has no separate "app wiring" layer.
type Builder struct {
	cfg config.Config
	log *logging.Logger
}

func NewBuilder(cfg config.Config, log *logging.Logger) *Builder {
	return &Builder{cfg: cfg, log: log}
}

// Build connects to the store, registers a worker row, opens tracing, and
// returns the assembled Shared along with a teardown func the caller must
// defer.
func (b *Builder) Build(ctx context.Context) (*Shared, func(), error) {
	pg, err := store.NewPostgres(ctx, b.cfg.DatabaseURL, b.cfg.Migrate, b.log)
	if err != nil {
		return nil, nil, fmt.Errorf("runtime: build store: %w", err)
	}

	workerID, err := pg.RegisterWorker(ctx)
	if err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("runtime: register worker: %w", err)
	}

	tracer, tracerShutdown, err := tracing.New(ctx, fmt.Sprintf("durable-worker-%d", workerID))
	if err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("runtime: build tracer: %w", err)
	}

	shared := &Shared{
		Config:   b.cfg,
		Store:    pg,
		Clock:    clock.Real(),
		Entropy:  entropy.Real(),
		Events:   eventsource.New(pg, b.log),
		WasmLRU:  wasmcache.NewLRU(256),
		Log:      b.log.With("worker_id", workerID),
		Tracer:   tracer,
		WorkerID: workerID,
	}

	teardown := func() {
		tracerShutdown(context.Background())
		pg.Close()
	}
	return shared, teardown, nil
}
