package threading

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmgrind/wasmgrind/internal/wasmobj"
)

// buildValidModule constructs the minimal module satisfying every
// precondition in spec §4.3's table, for transform tests.
func buildValidModule(t *testing.T) *wasmobj.Module {
	t.Helper()
	m := &wasmobj.Module{}
	m.Imports = append(m.Imports, wasmobj.Import{
		Module: "env", Name: "memory", Kind: wasmobj.ExternKindMemory,
		Memory: wasmobj.MemoryType{Min: 16, Max: 256, HasMax: true, Shared: true},
	})

	heapBase := m.AddGlobal(wasmobj.Global{Type: wasmobj.GlobalType{ValType: wasmobj.ValI32, Mutable: false}, InitExpr: wasmobj.EncodeI32ConstInit(65536)})
	tlsSize := m.AddGlobal(wasmobj.Global{Type: wasmobj.GlobalType{ValType: wasmobj.ValI32, Mutable: false}, InitExpr: wasmobj.EncodeI32ConstInit(256)})
	tlsAlign := m.AddGlobal(wasmobj.Global{Type: wasmobj.GlobalType{ValType: wasmobj.ValI32, Mutable: false}, InitExpr: wasmobj.EncodeI32ConstInit(8)})
	tlsBase := m.AddGlobal(wasmobj.Global{Type: wasmobj.GlobalType{ValType: wasmobj.ValI32, Mutable: true}, InitExpr: wasmobj.EncodeI32ConstInit(0)})
	stackPtr := m.AddGlobal(wasmobj.Global{Type: wasmobj.GlobalType{ValType: wasmobj.ValI32, Mutable: true}, InitExpr: wasmobj.EncodeI32ConstInit(65536)})

	voidToVoid := m.AddFuncType(wasmobj.FuncType{})
	i32ToVoid := m.AddFuncType(wasmobj.FuncType{Params: []wasmobj.ValType{wasmobj.ValI32}})
	mallocType := m.AddFuncType(wasmobj.FuncType{Params: []wasmobj.ValType{wasmobj.ValI32, wasmobj.ValI32}, Results: []wasmobj.ValType{wasmobj.ValI32}})
	freeType := m.AddFuncType(wasmobj.FuncType{Params: []wasmobj.ValType{wasmobj.ValI32, wasmobj.ValI32, wasmobj.ValI32}})

	initTLS := m.AddFunction(i32ToVoid, wasmobj.Code{Body: []byte{wasmobj.End}})
	mallocFn := m.AddFunction(mallocType, wasmobj.Code{Body: append(wasmobj.InstrI32Const(0), wasmobj.End)})
	freeFn := m.AddFunction(freeType, wasmobj.Code{Body: []byte{wasmobj.End}})
	_ = voidToVoid

	m.Exports = append(m.Exports,
		wasmobj.Export{Name: "__heap_base", Kind: wasmobj.ExternKindGlobal, Index: heapBase},
		wasmobj.Export{Name: "__tls_size", Kind: wasmobj.ExternKindGlobal, Index: tlsSize},
		wasmobj.Export{Name: "__tls_align", Kind: wasmobj.ExternKindGlobal, Index: tlsAlign},
		wasmobj.Export{Name: "__tls_base", Kind: wasmobj.ExternKindGlobal, Index: tlsBase},
		wasmobj.Export{Name: "__stack_pointer", Kind: wasmobj.ExternKindGlobal, Index: stackPtr},
		wasmobj.Export{Name: "__wasm_init_tls", Kind: wasmobj.ExternKindFunc, Index: initTLS},
		wasmobj.Export{Name: "__wasmgrind_malloc", Kind: wasmobj.ExternKindFunc, Index: mallocFn},
		wasmobj.Export{Name: "__wasmgrind_free", Kind: wasmobj.ExternKindFunc, Index: freeFn},
	)
	return m
}

func TestTransform_ValidModuleSucceeds(t *testing.T) {
	m := buildValidModule(t)
	res, err := Transform(m)
	require.NoError(t, err)

	require.NotNil(t, m.Start)
	mem, imported, ok := m.SoleMemory()
	require.True(t, ok)
	require.True(t, imported, "memory must remain imported after the transform")
	require.EqualValues(t, 17, mem.Min) // bumped by one page

	base, err := m.GlobalI32Init(0) // __heap_base is global index 0
	require.NoError(t, err)
	require.EqualValues(t, 65536+PageSize, base)

	_, ok = m.FindExport("__tls_size")
	require.False(t, ok, "__tls_size export must be removed")
	_, ok = m.FindExport("__tls_align")
	require.False(t, ok, "__tls_align export must be removed")

	_, ok = m.FindExport(ExportStackAlloc)
	require.True(t, ok)
	_, ok = m.FindExport(ExportThreadDestroy)
	require.True(t, ok)

	require.EqualValues(t, res.CounterAddr+4, res.SpinlockAddr)
	require.True(t, res.CounterAddr%4 == 0)
}

// TestWithSpinlock_ReleasesLockAtomically asserts the spinlock release
// sequence stores 0 to the lock word with an atomic store, not a plain
// i32.store, matching the "store atomically, then atomic-notify" protocol.
func TestWithSpinlock_ReleasesLockAtomically(t *testing.T) {
	spin := spinlockLayout{spinlockAddr: 4096, scratchStackBase: 8192, stackPtrGlobalIdx: 0}
	body := withSpinlock(spin, []byte{})

	release := append(wasmobj.InstrI32Const(spin.spinlockAddr), wasmobj.InstrI32Const(0)...)
	release = append(release, wasmobj.InstrI32AtomicStore()...)
	require.True(t, bytes.Contains(body, release), "release sequence must use an atomic store")

	plainRelease := append(wasmobj.InstrI32Const(spin.spinlockAddr), wasmobj.InstrI32Const(0)...)
	plainRelease = append(plainRelease, wasmobj.InstrI32Store()...)
	require.False(t, bytes.Contains(body, plainRelease), "release sequence must not fall back to a plain store")
}

func TestTransform_RejectsUnsharedMemory(t *testing.T) {
	m := buildValidModule(t)
	m.Imports[0].Memory.Shared = false
	_, err := Transform(m)
	require.Error(t, err)
	var bm *BadModule
	require.ErrorAs(t, err, &bm)
}

// TestTransform_RejectsLocalMemory asserts a module with a locally-defined
// (not imported) memory is rejected, rather than silently accepted and
// resized in place — every per-thread instance must resolve to the one
// runtime-provided shared memory the façade registers as env.memory (spec
// §4.5), which only happens if the guest module imports it.
func TestTransform_RejectsLocalMemory(t *testing.T) {
	m := buildValidModule(t)
	mt := m.Imports[0].Memory
	m.Imports = nil
	m.Memories = append(m.Memories, mt)

	_, err := Transform(m)
	require.Error(t, err)
	var bm *BadModule
	require.ErrorAs(t, err, &bm)
}

func TestTransform_RejectsMissingHeapBase(t *testing.T) {
	m := buildValidModule(t)
	m.RemoveExport("__heap_base")
	_, err := Transform(m)
	require.Error(t, err)
}

func TestTransform_RejectsMutableHeapBase(t *testing.T) {
	m := buildValidModule(t)
	m.Globals[0].Type.Mutable = true
	_, err := Transform(m)
	require.Error(t, err)
}

func TestTransform_RejectsNoStackPointer(t *testing.T) {
	m := buildValidModule(t)
	m.RemoveExport("__stack_pointer")
	_, err := Transform(m)
	require.Error(t, err)
}

func TestTransform_RejectsMissingMallocFree(t *testing.T) {
	m := buildValidModule(t)
	m.RemoveExport("__wasmgrind_malloc")
	_, err := Transform(m)
	require.Error(t, err)
}

func TestTransform_PreservesExistingStartByCallingItFirst(t *testing.T) {
	m := buildValidModule(t)
	oldStartType := m.AddFuncType(wasmobj.FuncType{})
	oldStartIdx := m.AddFunction(oldStartType, wasmobj.Code{Body: []byte{wasmobj.End}})
	m.Start = &oldStartIdx

	_, err := Transform(m)
	require.NoError(t, err)
	require.NotEqual(t, oldStartIdx, *m.Start)

	newBody := m.Code[len(m.Code)-2].Body // injected start is second-to-last (destroy fn added after)
	require.Equal(t, wasmobj.InstrCall(oldStartIdx), newBody[:len(wasmobj.InstrCall(oldStartIdx))])
}
