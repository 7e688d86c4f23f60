package hostabi

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/wasmgrind/wasmgrind/api"
	"github.com/wasmgrind/wasmgrind/errno"
	"github.com/wasmgrind/wasmgrind/tmgmt"
	"github.com/wasmgrind/wasmgrind/trace"
)

// SpawnThreadFunc is supplied by the runtime façade (§4.5): it creates a
// fresh store, instantiates the compiled module against the shared linker
// (running the injected start function, which performs this thread's TLS
// and stack setup), and invokes the module's exported thread_start with
// startRoutine. ctx carries this new thread's CurrentThread
// (WithCurrentThread) for the whole call.
type SpawnThreadFunc func(ctx context.Context, startRoutine uint32) error

// Deps bundles the dependencies every wasm_threadlink/wasabi closure needs.
// Log may be nil: a nil Log means the non-tracing ABI variants are wired
// (thread_create/thread_join/lock closures silently skip event recording;
// wasabi.read_hook/write_hook are simply not registered at all, since they
// only exist in the tracing-extended ABI).
type Deps struct {
	Manager *tmgmt.Manager
	Log     *trace.Log
	Spawn   SpawnThreadFunc
}

func (d Deps) tracing() bool { return d.Log != nil }

func currentThreadID(ctx context.Context) (uint32, error) {
	ct, ok := currentThreadFrom(ctx)
	if !ok {
		return 0, errors.New("hostabi: no CurrentThread bound to context")
	}
	return ct.ThreadID()
}

// ThreadCreate builds the thread_create host function. tracingExtended
// selects the 4-argument (fidx, iidx) form; both forms share the same
// algorithm (spec §4.4) except for the optional Fork event.
func ThreadCreate(d Deps, tracingExtended bool) api.HostFunction {
	paramTypes := []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	if tracingExtended {
		paramTypes = append(paramTypes, api.ValueTypeI32, api.ValueTypeI32)
	}
	return api.HostFunction{
		Name:        "thread_create",
		ParamTypes:  paramTypes,
		ResultTypes: []api.ValueType{api.ValueTypeI32},
		Func: func(ctx context.Context, mod api.Module, params []uint64) []uint64 {
			tidPtr := uint32(params[0])
			startRoutine := uint32(params[1])

			tid := d.Manager.RegisterThread()

			if d.tracing() && tracingExtended {
				callerTid, err := currentThreadID(ctx)
				if err == nil {
					loc := trace.Location{FuncIdx: uint32(params[2]), InstrIdx: uint32(params[3])}
					_ = d.Log.Append(callerTid, trace.NativeOp{Tag: trace.OpFork, TargetThread: tid}, loc)
				}
			}

			// An errgroup.Group runs the spawn on its own goroutine and
			// recovers a guest panic(errno) into an ordinary error, giving
			// the bookkeeping sequence (spawn, recover, install the join
			// handle's result) one place that propagates failure instead
			// of a bare "go func(){}()" that would swallow it.
			handle := tmgmt.NewJoinHandle()
			var g errgroup.Group
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						if p, ok := r.(*errno.Panic); ok {
							err = p
						} else {
							err = fmt.Errorf("hostabi: spawned thread panicked: %v", r)
						}
					}
				}()
				childCT := d.Manager.NewCurrentThread()
				_ = childCT.SetThreadID(tid)
				childCtx := WithCurrentThread(ctx, childCT)
				return d.Spawn(childCtx, startRoutine)
			})
			go func() { handle.Finish(g.Wait()) }()
			if err := d.Manager.SetJoinHandle(tid, handle); err != nil {
				return []uint64{encodeErrno(errno.ThreadNotFound)}
			}

			mem := mod.Memory()
			if mem == nil || !mem.WriteUint32Le(ctx, tidPtr, tid) {
				return []uint64{encodeErrno(errno.MemoryOutOfBounds)}
			}
			return []uint64{encodeErrno(errno.NoError)}
		},
	}
}

// ThreadJoin builds the thread_join host function.
func ThreadJoin(d Deps, tracingExtended bool) api.HostFunction {
	paramTypes := []api.ValueType{api.ValueTypeI32}
	if tracingExtended {
		paramTypes = append(paramTypes, api.ValueTypeI32, api.ValueTypeI32)
	}
	return api.HostFunction{
		Name:        "thread_join",
		ParamTypes:  paramTypes,
		ResultTypes: []api.ValueType{api.ValueTypeI32},
		Func: func(ctx context.Context, mod api.Module, params []uint64) []uint64 {
			tid := uint32(params[0])

			ch, ok := d.Manager.RetrieveThread(tid)
			if !ok {
				return []uint64{encodeErrno(errno.ThreadNotFound)}
			}
			joinHandle, err := ch.TakeWhenReady()
			if err != nil {
				return []uint64{encodeErrno(errno.TmgmtLockPoisoned)}
			}
			if joinHandle == nil {
				return []uint64{encodeErrno(errno.LibNoResultAfterJoin)}
			}
			if err := joinHandle.Join(); err != nil {
				return []uint64{encodeErrno(errno.ThreadRuntimeFailure)}
			}

			if d.tracing() && tracingExtended {
				if callerTid, err := currentThreadID(ctx); err == nil {
					loc := trace.Location{FuncIdx: uint32(params[1]), InstrIdx: uint32(params[2])}
					_ = d.Log.Append(callerTid, trace.NativeOp{Tag: trace.OpJoin, TargetThread: tid}, loc)
				}
			}
			return []uint64{encodeErrno(errno.NoError)}
		},
	}
}

// Panic builds the panic host function: guest-initiated abnormal
// termination carrying a human-readable errno. It never returns (ResultTypes
// is empty); the closure signals termination by panicking with an
// *errno.Panic. On a thread started by thread_create, the spawn goroutine
// recovers that value and records it as the thread's JoinHandle error.
func Panic(d Deps) api.HostFunction {
	return api.HostFunction{
		Name:        "panic",
		ParamTypes:  []api.ValueType{api.ValueTypeI32},
		ResultTypes: nil,
		Func: func(ctx context.Context, mod api.Module, params []uint64) []uint64 {
			code := errno.Errno(int32(uint32(params[0])))
			panic(&errno.Panic{Code: code})
		},
	}
}

func lockEventClosure(d Deps, name string, tag trace.OpTag, tracingExtended bool) api.HostFunction {
	paramTypes := []api.ValueType{api.ValueTypeI32}
	if tracingExtended {
		paramTypes = append(paramTypes, api.ValueTypeI32, api.ValueTypeI32)
	}
	return api.HostFunction{
		Name:        name,
		ParamTypes:  paramTypes,
		ResultTypes: nil,
		Func: func(ctx context.Context, mod api.Module, params []uint64) []uint64 {
			if d.tracing() && tracingExtended {
				if tid, err := currentThreadID(ctx); err == nil {
					loc := trace.Location{FuncIdx: uint32(params[1]), InstrIdx: uint32(params[2])}
					_ = d.Log.Append(tid, trace.NativeOp{Tag: tag, Lock: uint32(params[0])}, loc)
				}
			}
			return nil
		},
	}
}

// StartLock builds start_lock, recording a Request event: the native lock
// mapping request→acquire→release (not the web frontend's collapsed
// all-Request mapping, which spec's Design Notes name as a known bug not to
// reproduce in the host-side encoder).
func StartLock(d Deps, tracingExtended bool) api.HostFunction {
	return lockEventClosure(d, "start_lock", trace.OpRequest, tracingExtended)
}

// FinishLock builds finish_lock, recording an Acquire event.
func FinishLock(d Deps, tracingExtended bool) api.HostFunction {
	return lockEventClosure(d, "finish_lock", trace.OpAcquire, tracingExtended)
}

// StartUnlock builds start_unlock, recording a Release event.
func StartUnlock(d Deps, tracingExtended bool) api.HostFunction {
	return lockEventClosure(d, "start_unlock", trace.OpRelease, tracingExtended)
}

// FinishUnlock builds finish_unlock. Per spec §4.4 this also records a
// Release event: start_unlock/finish_unlock bracket the unlock operation the
// same way start_lock/finish_lock bracket locking, and both ends resolve to
// the same tag since there is no fourth "unlock acquired" tag in the
// operation table.
func FinishUnlock(d Deps, tracingExtended bool) api.HostFunction {
	return lockEventClosure(d, "finish_unlock", trace.OpRelease, tracingExtended)
}

func encodeErrno(e errno.Errno) uint64 { return api.EncodeI32(int32(e)) }
