package wasmobj

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmgrind/wasmgrind/internal/leb128"
)

// buildMinimalModule constructs a tiny valid module by hand: one imported
// memory, one exported mutable i32 global, one exported no-arg no-result
// function whose body just returns, and a custom section to exercise
// passthrough preservation.
func buildMinimalModule() *Module {
	m := &Module{}
	m.Imports = append(m.Imports, Import{
		Module: "env", Name: "memory", Kind: ExternKindMemory,
		Memory: MemoryType{Min: 2, Max: 10, HasMax: true, Shared: true},
	})
	m.Globals = append(m.Globals, Global{
		Type:     GlobalType{ValType: ValI32, Mutable: true},
		InitExpr: EncodeI32ConstInit(1024),
	})
	ft := m.AddFuncType(FuncType{})
	fnIdx := m.AddFunction(ft, Code{Body: []byte{End}})
	m.Exports = append(m.Exports,
		Export{Name: "__heap_base", Kind: ExternKindGlobal, Index: 0},
		Export{Name: "run", Kind: ExternKindFunc, Index: fnIdx},
	)
	m.postRaw = append(m.postRaw, RawSection{ID: secCustom, Data: []byte{0x04, 'n', 'a', 'm', 'e', 0xAA}})
	return m
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := buildMinimalModule()
	encoded := m.Encode()

	require.Equal(t, magic, encoded[:4])
	require.Equal(t, version, encoded[4:8])

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	require.Len(t, decoded.Imports, 1)
	require.Equal(t, "env", decoded.Imports[0].Module)
	require.Equal(t, MemoryType{Min: 2, Max: 10, HasMax: true, Shared: true}, decoded.Imports[0].Memory)

	require.Len(t, decoded.Globals, 1)
	v, ok := decoded.Globals[0].InitI32()
	require.True(t, ok)
	require.EqualValues(t, 1024, v)

	mem, imported, ok := decoded.SoleMemory()
	require.True(t, ok)
	require.True(t, imported)
	require.True(t, mem.Shared)

	runIdx, err := decoded.RequireFuncExport("run")
	require.NoError(t, err)
	require.EqualValues(t, 0, runIdx) // no imported funcs, so local func 0 is absolute func 0

	_, _, err = decoded.RequireGlobalExport("__heap_base", ValI32)
	require.NoError(t, err)

	require.Len(t, decoded.postRaw, 1)
	require.Equal(t, byte(secCustom), decoded.postRaw[0].ID)

	reencoded := decoded.Encode()
	redecoded, err := Decode(reencoded)
	require.NoError(t, err)
	require.Equal(t, decoded.Globals, redecoded.Globals)
	require.Equal(t, decoded.Exports, redecoded.Exports)
}

func TestRequireFuncExport_MissingAndWrongKind(t *testing.T) {
	m := buildMinimalModule()
	_, err := m.RequireFuncExport("nope")
	require.ErrorIs(t, err, ErrMissingExport)

	_, err = m.RequireFuncExport("__heap_base")
	require.ErrorIs(t, err, ErrWrongKind)
}

func TestAddFuncType_Interning(t *testing.T) {
	m := &Module{}
	a := m.AddFuncType(FuncType{Params: []ValType{ValI32}})
	b := m.AddFuncType(FuncType{Params: []ValType{ValI32}})
	c := m.AddFuncType(FuncType{Params: []ValType{ValI64}})
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, m.Types, 2)
}

func TestGlobalI32Init_SetAndGet(t *testing.T) {
	m := buildMinimalModule()
	require.NoError(t, m.SetGlobalI32Init(0, 2048))
	v, err := m.GlobalI32Init(0)
	require.NoError(t, err)
	require.EqualValues(t, 2048, v)
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte{0, 1, 2, 3, 4, 5, 6, 7})
	require.Error(t, err)
}

// TestDecode_PreservesLeadingCustomSectionPosition builds raw bytes by hand
// (bypassing Encode, whose own preRaw bucketing this test exists to check)
// with a custom section ahead of Type, and asserts Decode buckets it into
// preRaw rather than postRaw, and that Encode re-emits it ahead of Type.
func TestDecode_PreservesLeadingCustomSectionPosition(t *testing.T) {
	var raw []byte
	raw = append(raw, magic...)
	raw = append(raw, version...)

	customBody := []byte{0x04, 'n', 'a', 'm', 'e', 0xBB}
	raw = append(raw, secCustom, byte(len(customBody)))
	raw = append(raw, customBody...)

	typeSection := encodeTypeSection([]FuncType{{}})
	raw = append(raw, secType, byte(len(typeSection)))
	raw = append(raw, typeSection...)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, decoded.preRaw, 1)
	require.Equal(t, byte(secCustom), decoded.preRaw[0].ID)
	require.Equal(t, customBody, decoded.preRaw[0].Data)
	require.Empty(t, decoded.postRaw)

	reencoded := decoded.Encode()
	ids := sectionIDsInOrder(t, reencoded)
	customAt := indexOf(ids, secCustom)
	typeAt := indexOf(ids, secType)
	require.GreaterOrEqual(t, customAt, 0)
	require.GreaterOrEqual(t, typeAt, 0)
	require.Less(t, customAt, typeAt, "leading custom section must stay ahead of Type on re-encode")
}

// sectionIDsInOrder walks the top-level sections of an encoded module,
// returning their ids in encoded order (distinct from scanning raw bytes
// for a byte value, which would false-match section ids appearing inside
// LEB128 lengths or section bodies).
func sectionIDsInOrder(t *testing.T, encoded []byte) []byte {
	t.Helper()
	require.True(t, len(encoded) >= 8)
	r := encoded[8:]
	var ids []byte
	for len(r) > 0 {
		id := r[0]
		r = r[1:]
		size, n, err := leb128.LoadUint32(r)
		require.NoError(t, err)
		r = r[n:]
		ids = append(ids, id)
		r = r[size:]
	}
	return ids
}

func indexOf(ids []byte, id byte) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
