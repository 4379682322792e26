package wasmhost

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/durablerun/durable/internal/durablerr"
	"github.com/durablerun/durable/internal/executor"
)

// exitCodeSuspended is the sentinel a suspending host call uses to abort
// guest execution via Module.CloseWithExitCode: the guest's WASM stack is
// never resumed in place (spec §4.5 "its in-memory state is not
// preserved"), it is simply discarded, exactly like a process exit.
const exitCodeSuspended uint32 = 0xD0

// exitCodeFatal aborts a guest the same way exitCodeSuspended does, but
// for a host-side error the guest must never be allowed to observe or
// act on (spec §7 determinism violation, ownership stolen mid-transaction).
// The exit code alone carries no detail; Run reads the actual error back
// out of the callState it set up before the call, once entry.Call
// unwinds with this code.
const exitCodeFatal uint32 = 0xD1

// Instance is one compiled guest bound to one Executor's transaction
// protocol. Not reusable: a suspended or completed Instance is discarded,
// matching the executor it wraps.
type Instance struct {
	runtime *Runtime
	plugins Plugins
}

func NewInstance(runtime *Runtime, plugins Plugins) *Instance {
	return &Instance{runtime: runtime, plugins: plugins}
}

// entryPoint is the guest-exported function every workflow module must
// provide; it takes no arguments and returns an i32 status (0 = success,
// nonzero = guest-reported failure), matching spec §4.5 step 3 ("the
// workflow runs until it either exits (complete/failed) ...").
const entryPoint = "run"

// minVersionExport is the guest's optional declaration of the lowest
// host-import version it requires (spec §4.6 "Version gating"): an
// exported function taking no arguments and returning a packed
// (ptr<<32|len) pointer at a version string already sitting in the
// guest's own linear memory (reusing the host-call response ABI's
// pointer-packing convention, no "alloc" round trip needed since the
// guest owns the buffer). A guest that doesn't export it has no floor
// and is always accepted.
const minVersionExport = "durable_min_host_version"

// Run compiles (if needed), instantiates, and drives one guest through
// to completion, suspension, or a fatal error. The caller owns recording
// the resulting Outcome via ex's Complete/Suspend/Release — Run itself
// only reports which of those already happened (Suspend is called from
// inside the notify/sleep plugins, before the guest call unwinds).
func (i *Instance) Run(ctx context.Context, wasmID int64, bytes []byte, ex *executor.Executor) (executor.Outcome, error) {
	compiled, err := i.runtime.Compile(ctx, wasmID, bytes)
	if err != nil {
		return executor.OutcomeReleased, durablerr.New(durablerr.KindStoreUnavailable, "wasmhost.Run", err)
	}

	modCfg := wazero.NewModuleConfig().WithName(fmt.Sprintf("task-%d", ex.TaskID()))
	mod, err := i.runtime.wz.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return executor.OutcomeReleased, classifyInstantiateErr(err)
	}
	defer mod.Close(ctx)

	if verErr := checkMinHostVersion(ctx, mod); verErr != nil {
		return executor.OutcomeReleased, verErr
	}

	entry := mod.ExportedFunction(entryPoint)
	if entry == nil {
		return executor.OutcomeReleased, durablerr.New(durablerr.KindGuestError, "wasmhost.Run", fmt.Errorf("guest does not export %q", entryPoint))
	}

	state := &callState{ex: ex}
	results, err := entry.Call(withCallState(ctx, state))
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case exitCodeSuspended:
				return executor.OutcomeSuspended, nil
			case exitCodeFatal:
				if state.fatal != nil {
					return executor.OutcomeReleased, state.fatal
				}
			}
		}
		if ex.Stolen() {
			return executor.OutcomeReleased, durablerr.New(durablerr.KindTaskStolen, "wasmhost.Run", err)
		}
		return executor.OutcomeReleased, durablerr.New(durablerr.KindWasmTrap, "wasmhost.Run", err)
	}

	if len(results) > 0 && results[0] != 0 {
		return executor.OutcomeReleased, durablerr.New(durablerr.KindGuestError, "wasmhost.Run", fmt.Errorf("guest returned status %d", results[0]))
	}
	return executor.OutcomeCompleted, nil
}

func classifyInstantiateErr(err error) error {
	return durablerr.New(durablerr.KindWasmTrap, "wasmhost.Instantiate", err)
}

// checkMinHostVersion refuses to run a guest that declares a host-import
// minimum this runtime doesn't meet (spec §4.6).
func checkMinHostVersion(ctx context.Context, mod api.Module) error {
	fn := mod.ExportedFunction(minVersionExport)
	if fn == nil {
		return nil
	}
	results, err := fn.Call(ctx)
	if err != nil {
		return durablerr.New(durablerr.KindGuestError, "wasmhost.checkMinHostVersion", fmt.Errorf("call %s: %w", minVersionExport, err))
	}
	if len(results) == 0 {
		return durablerr.New(durablerr.KindGuestError, "wasmhost.checkMinHostVersion", fmt.Errorf("%s returned no value", minVersionExport))
	}
	ptr := uint32(results[0] >> 32)
	length := uint32(results[0])
	raw, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return durablerr.New(durablerr.KindGuestError, "wasmhost.checkMinHostVersion", fmt.Errorf("%s returned an out-of-bounds pointer", minVersionExport))
	}
	required := string(raw)
	atLeast, err := versionAtLeast(MinHostVersion, required)
	if err != nil {
		return durablerr.New(durablerr.KindGuestError, "wasmhost.checkMinHostVersion", err)
	}
	if !atLeast {
		return durablerr.New(durablerr.KindGuestError, "wasmhost.checkMinHostVersion",
			fmt.Errorf("guest requires host version >= %s, runtime provides %s", required, MinHostVersion))
	}
	return nil
}
