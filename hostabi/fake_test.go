package hostabi

import (
	"context"

	"github.com/wasmgrind/wasmgrind/api"
)

// fakeMemory is a minimal in-process api.Memory backing byte slice, enough
// to exercise thread_create's bounds-checked tid write and the read/write
// hooks' parameter plumbing. It does not implement real atomics semantics
// beyond single-goroutine-at-a-time test usage.
type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size uint32) *fakeMemory { return &fakeMemory{buf: make([]byte, size)} }

func (m *fakeMemory) Size(context.Context) uint32 { return uint32(len(m.buf)) }

func (m *fakeMemory) Grow(ctx context.Context, deltaPages uint32) (uint32, bool) {
	prev := uint32(len(m.buf)) / 65536
	m.buf = append(m.buf, make([]byte, deltaPages*65536)...)
	return prev, true
}

func (m *fakeMemory) ReadByte(ctx context.Context, offset uint32) (byte, bool) {
	if offset >= uint32(len(m.buf)) {
		return 0, false
	}
	return m.buf[offset], true
}

func (m *fakeMemory) ReadUint32Le(ctx context.Context, offset uint32) (uint32, bool) {
	if offset+4 > uint32(len(m.buf)) {
		return 0, false
	}
	b := m.buf[offset : offset+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}

func (m *fakeMemory) Read(ctx context.Context, offset, byteCount uint32) ([]byte, bool) {
	if offset+byteCount > uint32(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset : offset+byteCount], true
}

func (m *fakeMemory) WriteByte(ctx context.Context, offset uint32, v byte) bool {
	if offset >= uint32(len(m.buf)) {
		return false
	}
	m.buf[offset] = v
	return true
}

func (m *fakeMemory) WriteUint32Le(ctx context.Context, offset, v uint32) bool {
	if offset+4 > uint32(len(m.buf)) {
		return false
	}
	b := m.buf[offset : offset+4]
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return true
}

func (m *fakeMemory) Write(ctx context.Context, offset uint32, v []byte) bool {
	if offset+uint32(len(v)) > uint32(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

func (m *fakeMemory) CompareAndSwapUint32(ctx context.Context, offset, old, new uint32) (bool, bool) {
	cur, ok := m.ReadUint32Le(ctx, offset)
	if !ok {
		return false, false
	}
	if cur != old {
		return false, true
	}
	return true, m.WriteUint32Le(ctx, offset, new)
}

func (m *fakeMemory) AddUint32(ctx context.Context, offset uint32, delta uint32) (uint32, bool) {
	cur, ok := m.ReadUint32Le(ctx, offset)
	if !ok {
		return 0, false
	}
	m.WriteUint32Le(ctx, offset, cur+delta)
	return cur, true
}

// fakeModule is a minimal api.Module exposing only a Memory, enough for
// thread_create's write-back step.
type fakeModule struct {
	mem api.Memory
}

func (m *fakeModule) String() string                        { return "fake" }
func (m *fakeModule) Close(context.Context) error            { return nil }
func (m *fakeModule) Name() string                           { return "fake" }
func (m *fakeModule) Memory() api.Memory                     { return m.mem }
func (m *fakeModule) ExportedFunction(name string) api.Function { return nil }
func (m *fakeModule) ExportedGlobal(name string) api.Global  { return nil }
