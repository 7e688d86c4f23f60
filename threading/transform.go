// Package threading implements the threading transform: given a validated
// single-threaded Wasm module built against the shared-memory threading
// ABI (wasm_threadlink/wasabi imports, __wasmgrind_malloc/free exports), it
// produces a mutated module capable of running one Wasm instance per host
// thread against one shared linear memory.
package threading

import (
	"fmt"

	"github.com/wasmgrind/wasmgrind/internal/wasmobj"
)

const (
	// PageSize is the Wasm linear memory page size in bytes.
	PageSize = 65536

	// DefaultStackSize is the per-thread stack allocated for every thread
	// after the first (the main thread keeps whatever stack the module
	// was built with).
	DefaultStackSize = 2 * 1024 * 1024

	// ExportThreadDestroy is the name of the function this transform
	// injects to tear down a thread's TLS block and stack allocation.
	ExportThreadDestroy = "__wasmgrind_thread_destroy"

	// ExportStackAlloc is the name under which the new stack_alloc global
	// is re-exported for outside control.
	ExportStackAlloc = "__stack_alloc"
)

// BadModule reports that the module does not satisfy a threading transform
// precondition (spec §4.3's precondition table).
type BadModule struct {
	Reason string
}

func (e *BadModule) Error() string { return "threading: bad module: " + e.Reason }

func badModule(format string, args ...any) error {
	return &BadModule{Reason: fmt.Sprintf(format, args...)}
}

// preconditions is the set of facts the transform extracts from the module
// while validating it, and which the transformation steps then consume.
type preconditions struct {
	memMin, memMax uint32
	memImportIdx   int

	heapBaseGlobalIdx uint32
	heapBase          int32

	wasmInitTLSFuncIdx uint32
	tlsSizeGlobalIdx   uint32
	tlsSize            int32
	tlsAlignGlobalIdx  uint32
	tlsAlign           int32
	tlsBaseGlobalIdx   uint32

	stackPtrGlobalIdx uint32

	mallocFuncIdx uint32
	freeFuncIdx   uint32
}

// validate checks every precondition in spec §4.3's table and extracts the
// values later steps need, failing with *BadModule on the first violation.
func validate(m *wasmobj.Module) (*preconditions, error) {
	var p preconditions

	mt, imported, ok := m.SoleMemory()
	if !ok {
		return nil, badModule("module must declare exactly one memory")
	}
	if !mt.Shared || !mt.HasMax {
		return nil, badModule("memory must be shared with a declared maximum")
	}
	if !imported {
		return nil, badModule("memory must be imported (conventionally env.memory), not locally defined: every per-thread instance must resolve to the one externally-provided shared memory")
	}
	p.memMin, p.memMax = mt.Min, mt.Max
	for i, imp := range m.Imports {
		if imp.Kind == wasmobj.ExternKindMemory {
			p.memImportIdx = i
			break
		}
	}

	heapBaseIdx, heapBaseType, err := m.RequireGlobalExport("__heap_base", wasmobj.ValI32)
	if err != nil {
		return nil, badModule("__heap_base: %v", err)
	}
	if heapBaseType.Mutable {
		return nil, badModule("__heap_base must be immutable")
	}
	p.heapBaseGlobalIdx = heapBaseIdx
	p.heapBase, err = m.GlobalI32Init(heapBaseIdx)
	if err != nil {
		return nil, badModule("__heap_base: %v", err)
	}

	p.wasmInitTLSFuncIdx, err = m.RequireFuncExport("__wasm_init_tls")
	if err != nil {
		return nil, badModule("__wasm_init_tls: %v", err)
	}

	tlsSizeIdx, tlsSizeType, err := m.RequireGlobalExport("__tls_size", wasmobj.ValI32)
	if err != nil {
		return nil, badModule("__tls_size: %v", err)
	}
	if tlsSizeType.Mutable {
		return nil, badModule("__tls_size must be a const")
	}
	p.tlsSizeGlobalIdx = tlsSizeIdx
	p.tlsSize, err = m.GlobalI32Init(tlsSizeIdx)
	if err != nil {
		return nil, badModule("__tls_size: %v", err)
	}

	tlsAlignIdx, tlsAlignType, err := m.RequireGlobalExport("__tls_align", wasmobj.ValI32)
	if err != nil {
		return nil, badModule("__tls_align: %v", err)
	}
	if tlsAlignType.Mutable {
		return nil, badModule("__tls_align must be a const")
	}
	p.tlsAlignGlobalIdx = tlsAlignIdx
	p.tlsAlign, err = m.GlobalI32Init(tlsAlignIdx)
	if err != nil {
		return nil, badModule("__tls_align: %v", err)
	}

	tlsBaseIdx, tlsBaseType, err := m.RequireGlobalExport("__tls_base", wasmobj.ValI32)
	if err != nil {
		return nil, badModule("__tls_base: %v", err)
	}
	if !tlsBaseType.Mutable {
		return nil, badModule("__tls_base must be mutable")
	}
	p.tlsBaseGlobalIdx = tlsBaseIdx

	stackIdx, ok := discoverStackPointer(m)
	if !ok {
		return nil, badModule("no discoverable mutable i32 stack pointer global")
	}
	p.stackPtrGlobalIdx = stackIdx

	p.mallocFuncIdx, err = m.RequireFuncExport("__wasmgrind_malloc")
	if err != nil {
		return nil, badModule("__wasmgrind_malloc: %v", err)
	}
	p.freeFuncIdx, err = m.RequireFuncExport("__wasmgrind_free")
	if err != nil {
		return nil, badModule("__wasmgrind_free: %v", err)
	}

	return &p, nil
}

// discoverStackPointer finds the module's stack pointer global: the
// conventional export name "__stack_pointer" if present, otherwise the
// first exported mutable i32 global that is not one of the known TLS
// globals.
func discoverStackPointer(m *wasmobj.Module) (uint32, bool) {
	if idx, gt, err := m.RequireGlobalExport("__stack_pointer", wasmobj.ValI32); err == nil && gt.Mutable {
		return idx, true
	}
	reserved := map[string]bool{"__tls_base": true, "__heap_base": true, "__tls_size": true, "__tls_align": true}
	for _, e := range m.Exports {
		if e.Kind != wasmobj.ExternKindGlobal || reserved[e.Name] {
			continue
		}
		gt, err := m.GlobalTypeAt(e.Index)
		if err != nil || gt.ValType != wasmobj.ValI32 || !gt.Mutable {
			continue
		}
		return e.Index, true
	}
	return 0, false
}

// Result is everything the runtime façade (§4.5) needs to know about a
// transformed module beyond the module itself.
type Result struct {
	Module *wasmobj.Module

	// CounterAddr and SpinlockAddr are the two reserved 32-bit words in
	// the bumped static-data region: the thread-id counter and the
	// temp-stack spinlock, respectively.
	CounterAddr  int32
	SpinlockAddr int32

	// ScratchStackBase is the top of the temp scratch stack used by the
	// spinlock protocol (stack grows down from this address).
	ScratchStackBase int32

	StackAllocGlobalIdx uint32
	StackSizeGlobalIdx  uint32
}

// Transform validates m against spec §4.3's preconditions and mutates it in
// place to add multithreading support, returning the derived addresses and
// indices the runtime façade needs to drive it.
func Transform(m *wasmobj.Module) (*Result, error) {
	p, err := validate(m)
	if err != nil {
		return nil, err
	}

	newHeapBase := p.heapBase + PageSize
	counterAddr := alignUp4(p.heapBase)
	spinlockAddr := counterAddr + 4
	// The remainder of the bumped page is the temp scratch stack; it grows
	// down from the new heap base itself, with no further alignment applied.
	scratchStackBase := newHeapBase

	if err := m.SetGlobalI32Init(p.heapBaseGlobalIdx, newHeapBase); err != nil {
		return nil, err
	}
	m.Imports[p.memImportIdx].Memory = bumpMemory(p.memMin, p.memMax)

	// Step 2: delete the synthetic TLS-size/align exports (their values
	// are already captured in p); __wasm_init_tls itself stays exported
	// since the injected start function still calls it by export lookup
	// at transform time (call sites use the resolved func index, not the
	// export, so removing the export afterward would be equally valid —
	// this keeps both present for introspection, matching the "capture
	// then remove" wording of the precondition table loosely; what must
	// disappear is __tls_size/__tls_align, since their values are now
	// baked into the injected start function as constants).
	m.RemoveExport("__tls_size")
	m.RemoveExport("__tls_align")

	// Step 3: new globals.
	stackAllocIdx := m.AddGlobal(wasmobj.Global{
		Type:     wasmobj.GlobalType{ValType: wasmobj.ValI32, Mutable: true},
		InitExpr: wasmobj.EncodeI32ConstInit(0),
	})
	stackSizeIdx := m.AddGlobal(wasmobj.Global{
		Type:     wasmobj.GlobalType{ValType: wasmobj.ValI32, Mutable: true},
		InitExpr: wasmobj.EncodeI32ConstInit(DefaultStackSize),
	})
	m.Exports = append(m.Exports, wasmobj.Export{Name: ExportStackAlloc, Kind: wasmobj.ExternKindGlobal, Index: stackAllocIdx})

	spin := spinlockLayout{
		spinlockAddr:     spinlockAddr,
		scratchStackBase: scratchStackBase,
		stackPtrGlobalIdx: p.stackPtrGlobalIdx,
	}

	// Step 4: injected start function.
	startBody := buildStartFunction(p, counterAddr, stackAllocIdx, stackSizeIdx, spin)
	startType := m.AddFuncType(wasmobj.FuncType{})
	startFuncIdx := m.AddFunction(startType, wasmobj.Code{Body: startBody})
	if m.Start != nil {
		startBody = prependCallToExistingStart(m, *m.Start)
		m.Code[len(m.Code)-1].Body = startBody
	}
	m.Start = &startFuncIdx

	// Step 5: injected thread-destroy export.
	destroyBody := buildThreadDestroyFunction(p, stackAllocIdx, stackSizeIdx, spin)
	destroyType := m.AddFuncType(wasmobj.FuncType{Params: []wasmobj.ValType{wasmobj.ValI32, wasmobj.ValI32, wasmobj.ValI32}})
	destroyFuncIdx := m.AddFunction(destroyType, wasmobj.Code{Body: destroyBody})
	m.Exports = append(m.Exports, wasmobj.Export{Name: ExportThreadDestroy, Kind: wasmobj.ExternKindFunc, Index: destroyFuncIdx})

	return &Result{
		Module:              m,
		CounterAddr:         counterAddr,
		SpinlockAddr:        spinlockAddr,
		ScratchStackBase:    scratchStackBase,
		StackAllocGlobalIdx: stackAllocIdx,
		StackSizeGlobalIdx:  stackSizeIdx,
	}, nil
}

func alignUp4(v int32) int32 { return (v + 3) &^ 3 }

// bumpMemory returns the module's imported memory type grown by one page of
// static data (the thread counter, the spinlock word, and the scratch
// stack), per spec §4.3 step 1.
func bumpMemory(min, max uint32) wasmobj.MemoryType {
	newMin := min + 1
	newMax := max
	if newMax < newMin {
		newMax = newMin
	}
	return wasmobj.MemoryType{Min: newMin, Max: newMax, HasMax: true, Shared: true}
}

// prependCallToExistingStart makes the new start function call the
// module's previous start function first, per spec §4.3 step 4 ("replacing
// any existing start by calling it first").
func prependCallToExistingStart(m *wasmobj.Module, oldStartIdx uint32) []byte {
	body := m.Code[len(m.Code)-1].Body
	call := wasmobj.InstrCall(oldStartIdx)
	return append(append([]byte{}, call...), body...)
}
