package hostabi

import (
	"context"

	"github.com/wasmgrind/wasmgrind/api"
	"github.com/wasmgrind/wasmgrind/trace"
)

// ReadHook builds wasabi's read_hook: (addr, width, fidx, iidx) -> (),
// recording a Read event. Only the tracing-extended form exists; wasabi
// hooks are only ever injected into instrumented binaries, so Deps.Log must
// be non-nil whenever ReadHook is registered.
func ReadHook(d Deps) api.HostFunction {
	return accessHookClosure(d, "read_hook", trace.OpRead)
}

// WriteHook builds wasabi's write_hook: (addr, width, fidx, iidx) -> (),
// recording a Write event.
func WriteHook(d Deps) api.HostFunction {
	return accessHookClosure(d, "write_hook", trace.OpWrite)
}

func accessHookClosure(d Deps, name string, tag trace.OpTag) api.HostFunction {
	return api.HostFunction{
		Name:        name,
		ParamTypes:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
		ResultTypes: nil,
		Func: func(ctx context.Context, mod api.Module, params []uint64) []uint64 {
			tid, err := currentThreadID(ctx)
			if err != nil {
				return nil
			}
			op := trace.NativeOp{Tag: tag, Addr: uint32(params[0]), Width: uint32(params[1])}
			loc := trace.Location{FuncIdx: uint32(params[2]), InstrIdx: uint32(params[3])}
			_ = d.Log.Append(tid, op, loc)
			return nil
		},
	}
}
