// Package wasmobj is a minimal WebAssembly module object model: enough to
// parse, mutate and re-encode the small surface the threading transform
// (spec §4.3) needs — memories, globals, exports, function signatures and
// code bodies — while carrying every other section through as opaque
// bytes. It is not a general-purpose Wasm toolkit; validating and executing
// the resulting module is the job of the abstract api.Engine.
package wasmobj

import "fmt"

// ValType mirrors api.ValueType's encoding (0x7f i32, 0x7e i64, 0x7d f32,
// 0x7c f64) without importing the api package, keeping this object model
// engine-agnostic.
type ValType = byte

const (
	ValI32 ValType = 0x7f
	ValI64 ValType = 0x7e
	ValF32 ValType = 0x7d
	ValF64 ValType = 0x7c
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether ft describes the same signature as other.
func (ft FuncType) Equal(other FuncType) bool {
	if len(ft.Params) != len(other.Params) || len(ft.Results) != len(other.Results) {
		return false
	}
	for i := range ft.Params {
		if ft.Params[i] != other.Params[i] {
			return false
		}
	}
	for i := range ft.Results {
		if ft.Results[i] != other.Results[i] {
			return false
		}
	}
	return true
}

// ExternKind classifies an import or export.
type ExternKind byte

const (
	ExternKindFunc ExternKind = 0x00
	ExternKindTable ExternKind = 0x01
	ExternKindMemory ExternKind = 0x02
	ExternKindGlobal ExternKind = 0x03
)

// MemoryType is a memory's page limits and shared flag.
type MemoryType struct {
	Min    uint32
	Max    uint32
	HasMax bool
	Shared bool
}

// GlobalType is a global's value type and mutability.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Import is an entry of the import section. Only the fields relevant to the
// import's Kind are meaningful.
type Import struct {
	Module, Name string
	Kind         ExternKind
	FuncTypeIdx  uint32
	Memory       MemoryType
	Global       GlobalType
	// Table imports are preserved only via RawTableType for re-encoding;
	// the threading transform never inspects tables.
	RawTableType []byte
}

// Global is a module-defined (non-imported) global.
type Global struct {
	Type GlobalType
	// InitExpr holds the encoded constant-expression bytes, including the
	// trailing 0x0B end opcode. Use InitI32 for the overwhelmingly common
	// case of a single i32.const initializer.
	InitExpr []byte
}

// InitI32 returns the initializer value if g's init expression is a lone
// i32.const, and ok=false otherwise (e.g. global.get of an imported
// global).
func (g Global) InitI32() (v int32, ok bool) {
	if len(g.InitExpr) == 0 || g.InitExpr[0] != opI32Const {
		return 0, false
	}
	val, _, err := decodeI32ConstInit(g.InitExpr)
	if err != nil {
		return 0, false
	}
	return val, true
}

// Export is an entry of the export section. Index is in the combined
// (imports-first) index space of its Kind.
type Export struct {
	Name  string
	Kind  ExternKind
	Index uint32
}

// Code is a single function body: its locals declaration and instruction
// stream (opaque bytes, including the trailing 0x0B end opcode).
type Code struct {
	Locals []LocalEntry
	Body   []byte
}

// LocalEntry is a run-length-encoded group of same-typed locals.
type LocalEntry struct {
	Count uint32
	Type  ValType
}

// RawSection is a section this object model does not interpret, preserved
// verbatim for re-encoding (spec's threading transform never touches
// tables, element segments, data segments or custom sections).
type RawSection struct {
	ID   byte
	Data []byte
}

// Module is the parsed, mutable object model of a Wasm binary.
type Module struct {
	Types   []FuncType
	Imports []Import

	// FuncTypeIndices holds one type index per locally defined function,
	// parallel to Code.
	FuncTypeIndices []uint32
	Code            []Code

	Memories []MemoryType
	Globals  []Global
	Exports  []Export
	Start    *uint32

	// preRaw/postRaw bucket every other section (table, element, data,
	// datacount, custom) by whether it was seen before the Type section in
	// the source binary or not, so Encode can re-emit a leading custom
	// section (a common producer-metadata convention) ahead of Type instead
	// of relocating it into the fixed post-Type tail grouping.
	preRaw  []RawSection // seen before Type, in original order
	postRaw []RawSection // seen at or after Type, grouped by section id on Encode
}

func (m *Module) importCount(kind ExternKind) int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Kind == kind {
			n++
		}
	}
	return n
}

// NumFuncs returns the total function count across imported and local
// functions.
func (m *Module) NumFuncs() uint32 {
	return uint32(m.importCount(ExternKindFunc) + len(m.Code))
}

// NumGlobals returns the total global count across imported and local
// globals.
func (m *Module) NumGlobals() uint32 {
	return uint32(m.importCount(ExternKindGlobal) + len(m.Globals))
}

// FindExport returns the export named name, or ok=false.
func (m *Module) FindExport(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// RemoveExport deletes the export named name, reporting whether it existed.
func (m *Module) RemoveExport(name string) bool {
	for i, e := range m.Exports {
		if e.Name == name {
			m.Exports = append(m.Exports[:i], m.Exports[i+1:]...)
			return true
		}
	}
	return false
}

// AddFuncType interns ft, returning its type index (reusing an identical
// existing entry when present).
func (m *Module) AddFuncType(ft FuncType) uint32 {
	for i, existing := range m.Types {
		if existing.Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// AddGlobal appends a new locally defined global and returns its index in
// the combined global index space.
func (m *Module) AddGlobal(g Global) uint32 {
	m.Globals = append(m.Globals, g)
	return uint32(m.importCount(ExternKindGlobal) + len(m.Globals) - 1)
}

// AddFunction appends a new locally defined function (type + body) and
// returns its index in the combined function index space.
func (m *Module) AddFunction(typeIdx uint32, code Code) uint32 {
	m.FuncTypeIndices = append(m.FuncTypeIndices, typeIdx)
	m.Code = append(m.Code, code)
	return uint32(m.importCount(ExternKindFunc) + len(m.Code) - 1)
}

// GlobalTypeAt resolves the GlobalType of the global at absolute index idx,
// across imports then locals.
func (m *Module) GlobalTypeAt(idx uint32) (GlobalType, error) {
	i := int(idx)
	for _, imp := range m.Imports {
		if imp.Kind != ExternKindGlobal {
			continue
		}
		if i == 0 {
			return imp.Global, nil
		}
		i--
	}
	if i < len(m.Globals) {
		return m.Globals[i].Type, nil
	}
	return GlobalType{}, fmt.Errorf("wasmobj: no global at index %d", idx)
}

// SoleMemory returns the module's one memory, combining the import and
// locally-defined cases (the threading transform requires exactly one).
func (m *Module) SoleMemory() (mt MemoryType, imported bool, ok bool) {
	var found []MemoryType
	var foundImported []bool
	for _, imp := range m.Imports {
		if imp.Kind == ExternKindMemory {
			found = append(found, imp.Memory)
			foundImported = append(foundImported, true)
		}
	}
	for _, mem := range m.Memories {
		found = append(found, mem)
		foundImported = append(foundImported, false)
	}
	if len(found) != 1 {
		return MemoryType{}, false, false
	}
	return found[0], foundImported[0], true
}
