// Command durable-worker is the process entrypoint: load configuration,
// assemble the shared runtime state, and run the six worker sub-loops
// until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/durablerun/durable/internal/config"
	"github.com/durablerun/durable/internal/logging"
	"github.com/durablerun/durable/internal/runtime"
	"github.com/durablerun/durable/internal/shutdown"
	"github.com/durablerun/durable/internal/spawner"
	"github.com/durablerun/durable/internal/workerloop"
)

func main() {
	cfg, err := config.Load(os.Getenv("DURABLE_CONFIG_FILE"))
	if err != nil {
		fmt.Printf("config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	shared, teardown, err := runtime.NewBuilder(cfg, log).Build(ctx)
	if err != nil {
		log.Fatal("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer teardown()

	log.Info("durable worker starting", "worker_id", shared.WorkerID, "max_tasks", cfg.MaxTasks)

	sp, err := spawner.New(shared)
	if err != nil {
		log.Fatal("failed to build spawner", "error", err)
		os.Exit(1)
	}
	loop := workerloop.New(shared, sp)

	if err := loop.Run(ctx); err != nil {
		log.Error("worker loop exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("durable worker stopped", "worker_id", shared.WorkerID)
}
