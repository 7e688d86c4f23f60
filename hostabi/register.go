package hostabi

import "github.com/wasmgrind/wasmgrind/api"

const (
	moduleThreadlink = "wasm_threadlink"
	moduleWasabi     = "wasabi"
)

// Register defines every wasm_threadlink closure (and, when tracing, every
// wasabi closure) on linker, choosing the tracing-extended or plain ABI
// variant uniformly per d.tracing().
func Register(linker api.Linker, d Deps) error {
	tracingExtended := d.tracing()

	fns := []api.HostFunction{
		ThreadCreate(d, tracingExtended),
		ThreadJoin(d, tracingExtended),
		Panic(d),
		StartLock(d, tracingExtended),
		FinishLock(d, tracingExtended),
		StartUnlock(d, tracingExtended),
		FinishUnlock(d, tracingExtended),
	}
	for _, fn := range fns {
		if err := linker.DefineFunction(moduleThreadlink, fn); err != nil {
			return err
		}
	}

	if tracingExtended {
		wasabiFns := []api.HostFunction{ReadHook(d), WriteHook(d)}
		for _, fn := range wasabiFns {
			if err := linker.DefineFunction(moduleWasabi, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
