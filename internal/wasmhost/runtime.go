// Package wasmhost compiles and instantiates WASM guests with wazero
// (spec §4.6's host-import surface) and drives each instance's entry
// point to completion/suspension through an executor.Executor. Host
// functions are synchronous Go closures that call straight into the
// executor's transaction protocol — Go's goroutines already give us the
// "block this thread until the response arrives" behavior spec §9's
// design notes describe needing an async-runtime/single-slot-channel
// shim for in the original source language; a plain blocking call
// suffices here.
package wasmhost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/durablerun/durable/internal/logging"
	"github.com/durablerun/durable/internal/wasmcache"
)

// MinHostVersion is the lowest host-import semver this build speaks;
// guests declaring a higher minimum are refused (spec §4.6 "Version
// gating"), enforced by checkMinHostVersion in instance.go.
const MinHostVersion = "1.0.0"

// Runtime owns the process-wide wazero runtime, the one "durable" host
// module every guest instance imports, and the compiled-module LRU cache
// (spec §5 "Shared resources"). One Runtime is shared by every Executor
// in a worker.
type Runtime struct {
	wz      wazero.Runtime
	cache   *wasmcache.LRU
	log     *logging.Logger
	hostMod api.Module
}

// NewRuntime constructs a wazero runtime (closing modules when their
// context is done; no component-model or module-linking features are
// configured), backed by cache — the same
// wasmcache.LRU the rest of the worker's Shared state holds, so a wasm
// binary compiled for one executor stays warm for the next. It also
// instantiates the "durable" host module plugins exposes exactly once:
// guest binaries hardcode that import module's name, so wazero — which
// refuses two simultaneously-instantiated modules sharing a name — can
// only ever host one of them per Runtime, shared across every concurrent
// task attempt (see callState in host.go for how a given call finds its
// own executor).
func NewRuntime(ctx context.Context, cache *wasmcache.LRU, log *logging.Logger, plugins Plugins) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	wz := wazero.NewRuntimeWithConfig(ctx, cfg)

	hostMod, err := bindHostModule(ctx, wz, plugins)
	if err != nil {
		wz.Close(ctx)
		return nil, fmt.Errorf("wasmhost: instantiate host module: %w", err)
	}

	return &Runtime{
		wz:      wz,
		cache:   cache,
		log:     log.With("component", "wasmhost.Runtime"),
		hostMod: hostMod,
	}, nil
}

func (r *Runtime) Close(ctx context.Context) error {
	return r.wz.Close(ctx)
}

// Compile returns a cached wazero.CompiledModule for wasmID if its
// content hash matches, or compiles and caches bytes otherwise.
func (r *Runtime) Compile(ctx context.Context, wasmID int64, bytes []byte) (wazero.CompiledModule, error) {
	hash := contentHash(bytes)
	if cached, ok := r.cache.Get(wasmID); ok && cached.Hash == hash {
		if mod, ok := cached.Module.(wazero.CompiledModule); ok {
			return mod, nil
		}
	}

	compiled, err := r.wz.CompileModule(ctx, bytes)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: compile wasm %d: %w", wasmID, err)
	}
	r.cache.Put(wasmID, wasmcache.Compiled{Hash: hash, Module: compiled})
	return compiled, nil
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
