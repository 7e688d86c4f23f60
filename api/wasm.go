// Package api declares the contract between wasmgrind's core (trace capture,
// threading transform, thread manager) and the concrete WebAssembly engine
// that compiles, links and executes modules. The engine itself is out of
// scope for this module: production code wires a real implementation (e.g.
// a wazero-backed adapter); tests wire a fake satisfying the same
// interfaces.
package api

import (
	"context"
	"fmt"
	"math"
)

// ValueType describes a numeric type used in the WebAssembly core
// specification's value types.
//
// Conversion between Wasm and Go types:
//
//   - ValueTypeI32 - uint64(uint32,int32)
//   - ValueTypeI64 - uint64(int64)
//   - ValueTypeF32 - EncodeF32 / DecodeF32 from float32
//   - ValueTypeF64 - EncodeF64 / DecodeF64 from float64
type ValueType = byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c
)

// ValueTypeName returns the WebAssembly text format name of t, or "unknown".
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return "unknown"
}

// EncodeI32 encodes input as a ValueTypeI32.
func EncodeI32(input int32) uint64 { return uint64(uint32(input)) }

// EncodeI64 encodes input as a ValueTypeI64.
func EncodeI64(input int64) uint64 { return uint64(input) }

// EncodeF32 encodes input as a ValueTypeF32. See DecodeF32.
func EncodeF32(input float32) uint64 { return uint64(math.Float32bits(input)) }

// DecodeF32 decodes input as a ValueTypeF32. See EncodeF32.
func DecodeF32(input uint64) float32 { return math.Float32frombits(uint32(input)) }

// EncodeF64 encodes input as a ValueTypeF64. See DecodeF64.
func EncodeF64(input float64) uint64 { return math.Float64bits(input) }

// DecodeF64 decodes input as a ValueTypeF64. See EncodeF64.
func DecodeF64(input uint64) float64 { return math.Float64frombits(input) }

// Closer closes a resource. When the context is nil, it defaults to
// context.Background.
type Closer interface {
	Close(context.Context) error
}

// Global is a WebAssembly global exported from an instantiated module.
type Global interface {
	fmt.Stringer

	// Type describes the numeric type of the global.
	Type() ValueType

	// Get returns the last known value of this global.
	Get(context.Context) uint64
}

// MutableGlobal is a Global whose value can be updated at runtime.
type MutableGlobal interface {
	Global

	// Set updates the value of this global.
	Set(ctx context.Context, v uint64)
}

// Memory grants access to a module's linear memory, little-endian encoded.
// A single Memory may be shared by many Module instances: the threading
// transform and host ABI closures depend on this sharing.
type Memory interface {
	// Size returns the size in bytes available.
	Size(context.Context) uint32

	// Grow increases memory by deltaPages (65536 bytes per page), returning
	// the previous size in pages, or false if the delta would exceed the
	// declared maximum.
	Grow(ctx context.Context, deltaPages uint32) (previousPages uint32, ok bool)

	// ReadByte reads a single byte at offset, or false if out of range.
	ReadByte(ctx context.Context, offset uint32) (byte, bool)

	// ReadUint32Le reads a little-endian uint32 at offset, or false if out
	// of range.
	ReadUint32Le(ctx context.Context, offset uint32) (uint32, bool)

	// Read returns a byteCount-length view of the underlying buffer at
	// offset, or false if out of range. Writes through: mutating the
	// returned slice mutates guest memory directly.
	Read(ctx context.Context, offset, byteCount uint32) ([]byte, bool)

	// WriteByte writes a single byte at offset, or false if out of range.
	WriteByte(ctx context.Context, offset uint32, v byte) bool

	// WriteUint32Le writes v little-endian at offset, or false if out of
	// range.
	WriteUint32Le(ctx context.Context, offset, v uint32) bool

	// Write writes v to the underlying buffer at offset, or false if out
	// of range.
	Write(ctx context.Context, offset uint32, v []byte) bool

	// CompareAndSwapUint32 atomically compares the uint32 at offset against
	// old and, if equal, stores new; returns whether the swap happened, and
	// ok=false if offset is out of range. Used by the threading transform's
	// scratch-stack spinlock and by atomics-backed host closures.
	CompareAndSwapUint32(ctx context.Context, offset, old, new uint32) (swapped bool, ok bool)

	// AddUint32 atomically adds delta to the uint32 at offset (sequentially
	// consistent fetch-and-add) and returns the prior value.
	AddUint32(ctx context.Context, offset uint32, delta uint32) (prior uint32, ok bool)
}

// FunctionDefinition describes a function exported or imported by a module,
// independent of any particular instantiation.
type FunctionDefinition interface {
	ModuleName() string
	Name() string
	ParamTypes() []ValueType
	ResultTypes() []ValueType
}

// Function is a WebAssembly function exported from an instantiated Module.
type Function interface {
	Definition() FunctionDefinition

	// Call invokes the function with parameters encoded per ParamTypes,
	// returning results encoded per ResultTypes.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Module is an instantiated WebAssembly module: one per guest Wasm thread in
// wasmgrind's threading model, each with its own globals but (for threaded
// modules) a Memory shared across instances.
type Module interface {
	fmt.Stringer
	Closer

	// Name is the name this module was instantiated with.
	Name() string

	// Memory returns the module's sole exported memory, or nil.
	Memory() Memory

	// ExportedFunction returns a function exported from this module, or nil.
	ExportedFunction(name string) Function

	// ExportedGlobal returns a global exported from this module, or nil.
	ExportedGlobal(name string) Global
}

// HostFunction is a Go-implemented function made available to guest modules
// under a (moduleName, name) pair. The signature is conveyed out-of-band by
// the caller (see Linker.DefineFunction); fn must be a Go func value whose
// parameter and result types round-trip through ValueType-encoded uint64s,
// matching the convention used throughout this package.
type HostFunction struct {
	Name        string
	ParamTypes  []ValueType
	ResultTypes []ValueType
	Func        func(ctx context.Context, mod Module, params []uint64) []uint64
}

// CompiledModule is a parsed, validated, not-yet-instantiated module. One
// CompiledModule is shared by every Wasm thread's instance in wasmgrind's
// model: compilation happens exactly once per Runtime (§4.5).
type CompiledModule interface {
	Closer

	// Memory reports the module's sole declared memory's page limits, or
	// ok=false if the module declares no memory.
	Memory() (min, max uint32, ok bool)
}

// Linker composes host-defined imports with a CompiledModule to produce
// instances. Mutation (DefineFunction/DefineMemory) is builder-phase only;
// Instantiate is safe to call concurrently from many host threads once
// building is finished (§5: "read-mostly, readers take a read lock during
// instantiation").
type Linker interface {
	// DefineFunction registers fn under (moduleName, fn.Name) so guest code
	// importing it resolves to this closure.
	DefineFunction(moduleName string, fn HostFunction) error

	// DefineMemory registers mem as the memory imported under
	// (moduleName, name), used to give every instantiated Module a view of
	// one shared linear memory.
	DefineMemory(moduleName, name string, mem Memory) error

	// Instantiate links compiled against every definition registered so
	// far and returns a running Module. Running the module's start
	// function, if any, happens here.
	Instantiate(ctx context.Context, compiled CompiledModule) (Module, error)
}

// Engine is the abstract WebAssembly execution engine wasmgrind's core
// builds upon: it is solely a compile/link/execute contract. wasmgrind never
// implements a real Engine; production callers adapt one (e.g. wazero) and
// tests supply a fake.
type Engine interface {
	// CompileModule parses and validates binary, returning a reusable
	// CompiledModule.
	CompileModule(ctx context.Context, binary []byte) (CompiledModule, error)

	// NewMemory allocates a Memory with the given page limits, suitable for
	// sharing across every instance of a threaded module.
	NewMemory(ctx context.Context, minPages, maxPages uint32) (Memory, error)

	// NewLinker creates an empty Linker bound to this engine.
	NewLinker(ctx context.Context) Linker
}
