package wasmhost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/durablerun/durable/internal/durablerr"
	"github.com/durablerun/durable/internal/executor"
	"github.com/durablerun/durable/internal/wasmhost/plugins"
)

// Caller is the narrow surface every host-import function needs: a byte
// buffer in, a byte buffer (or error) out. Each plugin implements this
// once per host-import it serves; host.go never knows plugin internals.
type Caller interface {
	Call(ctx context.Context, ex *executor.Executor, request []byte) ([]byte, error)
}

// Plugins bundles one Caller per host-import namespace (spec §4.6).
type Plugins struct {
	Clock  Caller
	Random Caller
	HTTP   Caller
	SQL    Caller
	Notify Caller
	Sleep  Caller
	Core   Caller
}

// DefaultPlugins wires the production plugin implementations. suspendMargin
// is the Sleep plugin's yield-vs-suspend threshold (Config.SuspendMargin).
func DefaultPlugins(suspendMargin time.Duration) Plugins {
	return Plugins{
		Clock:  plugins.Clock{},
		Random: plugins.Random{},
		HTTP:   plugins.HTTP{},
		SQL:    plugins.SQL{},
		Notify: plugins.Notify{},
		Sleep:  plugins.Sleep{Margin: suspendMargin},
		Core:   plugins.Core{},
	}
}

// callState carries the one executor a single guest call is driving, and
// (if a host call hits a fatal error) the error to surface once the
// guest has been torn down. The "durable" host module is instantiated
// once per Runtime and shared by every concurrently-running task attempt
// (wazero disallows two simultaneously-instantiated modules with the
// same name, and every guest hardcodes that import name), so there is no
// per-task Go closure to stash an *executor.Executor in; instead Run
// threads a *callState through context.Context on its entry.Call, and
// wazero carries that same context into every host function the guest
// invokes synchronously during that call.
type callState struct {
	ex    *executor.Executor
	fatal error
}

type callStateKey struct{}

func withCallState(ctx context.Context, state *callState) context.Context {
	return context.WithValue(ctx, callStateKey{}, state)
}

func callStateFromContext(ctx context.Context) (*callState, bool) {
	state, ok := ctx.Value(callStateKey{}).(*callState)
	return state, ok
}

// isFatal reports whether err must abort the guest outright instead of
// being handed back as a recoverable call failure. A determinism
// violation or a mid-transaction ownership steal means the guest's view
// of the world is already wrong; letting it keep running until it
// happens to return (spec §7) would let it act on stale state before the
// spawner can mark the task failed.
func isFatal(err error) bool {
	switch durablerr.KindOf(err) {
	case durablerr.KindDeterminismViolation, durablerr.KindTaskStolen:
		return true
	default:
		return false
	}
}

// bindHostModule builds and instantiates the "durable" host module wazero
// guests import from. Every export uses the same ABI: (ptr uint32, len
// uint32) -> a packed (ptr<<32 | len) uint64 pointing at a
// guest-allocated response buffer. The guest must export "alloc"; this
// mirrors the request/response buffer convention used pack-wide by WASM
// plugin systems (Extism, wasmCloud) rather than a wasi-style
// multi-value ABI, because every durable host call is naturally
// "serialize one value in, get one value (or typed error) back".
func bindHostModule(ctx context.Context, rt wazero.Runtime, p Plugins) (api.Module, error) {
	builder := rt.NewHostModuleBuilder("durable")

	bind := func(name string, caller Caller) {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				state, ok := callStateFromContext(ctx)
				if !ok {
					stack[0] = packError("durable host: no executor bound to this call")
					return
				}
				reqPtr := uint32(stack[0])
				reqLen := uint32(stack[1])
				req, ok := mod.Memory().Read(reqPtr, reqLen)
				if !ok {
					stack[0] = packError("durable host: bad request pointer")
					return
				}
				resp, err := caller.Call(ctx, state.ex, req)
				if errors.Is(err, plugins.ErrSuspend) {
					mod.CloseWithExitCode(ctx, exitCodeSuspended)
					return
				}
				if isFatal(err) {
					state.fatal = err
					mod.CloseWithExitCode(ctx, exitCodeFatal)
					return
				}
				if err != nil {
					stack[0] = packError(err.Error())
					return
				}
				packed, perr := writeResponse(ctx, mod, resp)
				if perr != nil {
					stack[0] = packError(perr.Error())
					return
				}
				stack[0] = packed
			}),
				[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
				[]api.ValueType{api.ValueTypeI64},
			).
			Export(name)
	}

	bind("clock_call", p.Clock)
	bind("random_call", p.Random)
	bind("http_call", p.HTTP)
	bind("sql_call", p.SQL)
	bind("notify_call", p.Notify)
	bind("sleep_call", p.Sleep)
	bind("core_call", p.Core)

	return builder.Instantiate(ctx)
}

// writeResponse allocates space in the guest's linear memory (via its
// exported "alloc" function) and copies resp into it, returning a packed
// (ptr<<32 | len) result.
func writeResponse(ctx context.Context, mod api.Module, resp []byte) (uint64, error) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, fmt.Errorf("guest does not export alloc")
	}
	results, err := alloc.Call(ctx, uint64(len(resp)))
	if err != nil {
		return 0, fmt.Errorf("guest alloc failed: %w", err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, resp) {
		return 0, fmt.Errorf("guest memory write out of bounds")
	}
	return pack(ptr, uint32(len(resp))), nil
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// packError encodes an error as a response at a sentinel pointer (0)
// whose length field is the message's length: ptr==0 means "call
// failed". The message text itself is not written to guest memory, and
// no host call exposes it (spec §4.6 doesn't mandate a specific error
// channel per call; this keeps every binding's signature uniform).
func packError(msg string) uint64 {
	return pack(0, uint32(len(msg)))
}
