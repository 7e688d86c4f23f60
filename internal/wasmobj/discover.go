package wasmobj

import (
	"errors"
	"fmt"
)

// Discovery errors. The threading transform wraps these into its own
// BadModule failures one layer up; this package stays free of that domain
// so it can be reused outside threading too.
var (
	ErrMissingExport = errors.New("wasmobj: required export missing")
	ErrWrongKind     = errors.New("wasmobj: export has the wrong kind")
	ErrWrongType     = errors.New("wasmobj: global has an unexpected value type")
)

// RequireFuncExport resolves name to an absolute function index, requiring
// it be exported as a function.
func (m *Module) RequireFuncExport(name string) (uint32, error) {
	e, ok := m.FindExport(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMissingExport, name)
	}
	if e.Kind != ExternKindFunc {
		return 0, fmt.Errorf("%w: %q", ErrWrongKind, name)
	}
	return e.Index, nil
}

// RequireGlobalExport resolves name to an absolute global index and its
// type, requiring it be exported as a global of the given value type.
func (m *Module) RequireGlobalExport(name string, want ValType) (uint32, GlobalType, error) {
	e, ok := m.FindExport(name)
	if !ok {
		return 0, GlobalType{}, fmt.Errorf("%w: %q", ErrMissingExport, name)
	}
	if e.Kind != ExternKindGlobal {
		return 0, GlobalType{}, fmt.Errorf("%w: %q", ErrWrongKind, name)
	}
	gt, err := m.GlobalTypeAt(e.Index)
	if err != nil {
		return 0, GlobalType{}, err
	}
	if gt.ValType != want {
		return 0, GlobalType{}, fmt.Errorf("%w: %q is not %#x", ErrWrongType, name, want)
	}
	return e.Index, gt, nil
}

// GlobalI32Init returns the i32.const initializer of the locally-defined
// global at absolute index idx, failing if idx names an imported global or
// a non-constant initializer.
func (m *Module) GlobalI32Init(idx uint32) (int32, error) {
	localIdx := int(idx) - m.importCount(ExternKindGlobal)
	if localIdx < 0 || localIdx >= len(m.Globals) {
		return 0, fmt.Errorf("wasmobj: global %d is not locally defined", idx)
	}
	v, ok := m.Globals[localIdx].InitI32()
	if !ok {
		return 0, fmt.Errorf("wasmobj: global %d has no i32.const initializer", idx)
	}
	return v, nil
}

// SetGlobalI32Init overwrites the i32.const initializer of the
// locally-defined global at absolute index idx.
func (m *Module) SetGlobalI32Init(idx uint32, v int32) error {
	localIdx := int(idx) - m.importCount(ExternKindGlobal)
	if localIdx < 0 || localIdx >= len(m.Globals) {
		return fmt.Errorf("wasmobj: global %d is not locally defined", idx)
	}
	m.Globals[localIdx].InitExpr = EncodeI32ConstInit(v)
	return nil
}
