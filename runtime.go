// Package wasmgrind is the runtime façade (spec §4.5): it compiles a
// threaded Wasm module once, creates the shared linear memory the
// threading transform requires, wires the wasm_threadlink/wasabi host
// closures, and spawns one host thread per guest thread of execution.
package wasmgrind

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wasmgrind/wasmgrind/api"
	"github.com/wasmgrind/wasmgrind/hostabi"
	"github.com/wasmgrind/wasmgrind/internal/wasmobj"
	"github.com/wasmgrind/wasmgrind/threading"
	"github.com/wasmgrind/wasmgrind/tmgmt"
	"github.com/wasmgrind/wasmgrind/trace"
)

// Logger is the minimal leveled-logging interface the façade accepts for
// non-fatal diagnostics (a failure to close a spawned thread's instance is
// the one event it reports): a subset
// of logrus.Logger's method set, so *logrus.Logger satisfies it directly
// without an adapter, and a nil Logger disables the path entirely.
type Logger interface {
	Printf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Builder assembles a Runtime with a fluent, immutable-copy API mirroring
// the teacher's RuntimeConfig builder: each With* method returns an updated
// copy rather than mutating in place.
type Builder struct {
	engine    api.Engine
	logger    Logger
	customFns []customImport
	tracing   bool
}

type customImport struct {
	moduleName string
	fn         api.HostFunction
}

// NewBuilder starts a Builder bound to engine.
func NewBuilder(engine api.Engine) Builder {
	return Builder{engine: engine}
}

// WithLogger attaches a diagnostic logger. A nil logger (the default)
// disables diagnostic logging entirely.
func (b Builder) WithLogger(l Logger) Builder {
	b.logger = l
	return b
}

// WithTracing enables the tracing-extended ABI variant and trace log
// (§4.1, §4.4); Build then returns a Runtime whose GenerateBinaryTrace is
// usable.
func (b Builder) WithTracing() Builder {
	b.tracing = true
	return b
}

// RegisterCustomImport adds a host function the guest module may import
// under moduleName, alongside the built-in wasm_threadlink/wasabi set.
func (b Builder) RegisterCustomImport(moduleName string, fn api.HostFunction) Builder {
	b.customFns = append(append([]customImport{}, b.customFns...), customImport{moduleName, fn})
	return b
}

// Runtime is a compiled, threading-transformed module ready to run. One
// Runtime may back many concurrent invocations; compilation and the
// threading transform happen exactly once, in Build.
type Runtime struct {
	id      uuid.UUID
	engine  api.Engine
	logger  Logger
	compiled api.CompiledModule
	memory  api.Memory
	manager *tmgmt.Manager
	log     *trace.Log // nil unless tracing

	transform *threading.Result
	linker    api.Linker
}

// ID returns the random identity minted for this Runtime when Build ran,
// useful for correlating a trace dump with the Runtime that produced it.
// Building the same binary again yields a different ID.
func (r *Runtime) ID() uuid.UUID { return r.id }

// MemoryLimits reports the module's declared (min,max) memory pages after
// the threading transform's static-data bump, letting embedders size
// shared memory without duplicating module introspection.
func (r *Runtime) MemoryLimits() (min, max uint32, ok bool) {
	return r.compiled.Memory()
}

// Tracing reports whether this Runtime records a trace log.
func (r *Runtime) Tracing() bool { return r.log != nil }

// GenerateBinaryTrace streams every logged event through the converter and
// RapidBin encoder, returning the bytes and the finalized Metadata (§4.1
// emit_binary). It fails if this Runtime was not built WithTracing.
func (r *Runtime) GenerateBinaryTrace() ([]byte, *trace.Metadata, error) {
	if r.log == nil {
		return nil, nil, fmt.Errorf("wasmgrind: runtime was not built with tracing enabled")
	}
	events, metadata, err := r.log.EmitGeneric()
	if err != nil {
		return nil, nil, fmt.Errorf("wasmgrind: emitting trace: %w", err)
	}
	encoded, err := encodeRapidBin(events)
	if err != nil {
		return nil, nil, err
	}
	return encoded, metadata, nil
}

// Build validates and threading-transforms binary, compiles it once against
// the configured engine, allocates the shared memory the transform sized,
// and wires the host ABI closures and any custom imports onto a Linker.
func (b Builder) Build(ctx context.Context, binary []byte) (*Runtime, error) {
	if b.engine == nil {
		return nil, fmt.Errorf("wasmgrind: Builder requires an Engine")
	}

	mod, err := wasmobj.Decode(binary)
	if err != nil {
		return nil, fmt.Errorf("wasmgrind: decoding module: %w", err)
	}
	result, err := threading.Transform(mod)
	if err != nil {
		return nil, fmt.Errorf("wasmgrind: threading transform: %w", err)
	}
	encoded := mod.Encode()

	compiled, err := b.engine.CompileModule(ctx, encoded)
	if err != nil {
		return nil, fmt.Errorf("wasmgrind: compiling module: %w", err)
	}

	minPages, maxPages, ok := compiled.Memory()
	if !ok {
		return nil, fmt.Errorf("wasmgrind: transformed module declares no memory")
	}
	mem, err := b.engine.NewMemory(ctx, minPages, maxPages)
	if err != nil {
		return nil, fmt.Errorf("wasmgrind: allocating shared memory: %w", err)
	}

	manager := tmgmt.NewManager()
	var log *trace.Log
	if b.tracing {
		log = trace.NewLog()
	}

	r := &Runtime{
		id:        uuid.New(),
		engine:    b.engine,
		logger:    b.logger,
		compiled:  compiled,
		memory:    mem,
		manager:   manager,
		log:       log,
		transform: result,
	}

	linker := b.engine.NewLinker(ctx)
	if err := linker.DefineMemory("env", "memory", mem); err != nil {
		return nil, fmt.Errorf("wasmgrind: defining shared memory import: %w", err)
	}
	deps := hostabi.Deps{Manager: manager, Log: log, Spawn: r.spawnThreadStart}
	if err := hostabi.Register(linker, deps); err != nil {
		return nil, fmt.Errorf("wasmgrind: registering host ABI: %w", err)
	}
	for _, ci := range b.customFns {
		if err := linker.DefineFunction(ci.moduleName, ci.fn); err != nil {
			return nil, fmt.Errorf("wasmgrind: registering custom import %s.%s: %w", ci.moduleName, ci.fn.Name, err)
		}
	}
	r.linker = linker

	return r, nil
}

// spawnThreadStart implements hostabi.SpawnThreadFunc: instantiate the
// compiled module against the shared linker (running the injected start
// function, which performs this thread's TLS and stack setup), then invoke
// its exported thread_start with startRoutine.
func (r *Runtime) spawnThreadStart(ctx context.Context, startRoutine uint32) error {
	instance, err := r.linker.Instantiate(ctx, r.compiled)
	if err != nil {
		return fmt.Errorf("wasmgrind: instantiating thread module: %w", err)
	}
	defer func() {
		if err := instance.Close(ctx); err != nil && r.logger != nil {
			r.logger.Warnf("wasmgrind: closing thread instance: %v", err)
		}
	}()

	fn := instance.ExportedFunction("thread_start")
	if fn == nil {
		return fmt.Errorf("wasmgrind: module does not export thread_start")
	}
	_, err = fn.Call(ctx, uint64(startRoutine))
	return err
}

// InvokeFunction instantiates the module and calls its export name with
// params on the calling goroutine, returning the typed results once the
// call finishes. It does not spawn a separate host thread and returns no
// join handle: the call blocks until the export returns.
func (r *Runtime) InvokeFunction(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	ct := r.manager.NewCurrentThread()
	if _, err := ct.ThreadID(); err != nil {
		// The one-time bootstrap id went to an earlier invocation: take a
		// fresh id, dropping the join rendezvous RegisterThread installs.
		tid := r.manager.RegisterThread()
		r.manager.RetrieveThread(tid)
		if err := ct.SetThreadID(tid); err != nil {
			return nil, fmt.Errorf("wasmgrind: binding invoking thread's identity: %w", err)
		}
	}
	ctx = hostabi.WithCurrentThread(ctx, ct)

	instance, err := r.linker.Instantiate(ctx, r.compiled)
	if err != nil {
		return nil, fmt.Errorf("wasmgrind: instantiating module: %w", err)
	}
	defer instance.Close(ctx)

	fn := instance.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("wasmgrind: no exported function %q", name)
	}
	return fn.Call(ctx, params...)
}

// Close releases the compiled module and shared memory.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if c, ok := r.memory.(api.Closer); ok {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.compiled.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("wasmgrind: closing runtime: %v", errs)
}
