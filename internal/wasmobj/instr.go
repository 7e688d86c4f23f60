package wasmobj

import (
	"errors"

	"github.com/wasmgrind/wasmgrind/internal/leb128"
)

// Opcodes the threading transform itself needs to emit or recognize. This is
// intentionally not an exhaustive instruction set; wasmobj only speaks the
// handful of instructions that appear in global initializers and in the
// injected start/destroy function bodies.
const (
	opEnd          = 0x0b
	opGlobalGet    = 0x23
	opGlobalSet    = 0x24
	opI32Const     = 0x41
	opCall         = 0x10
	opLocalGet     = 0x20
	opI32Load      = 0x28
	opI32Store     = 0x36
	opI32Add       = 0x6a
)

// decodeI32ConstInit decodes a constant expression of the exact shape
// "i32.const <n> end", returning n.
func decodeI32ConstInit(expr []byte) (int32, uint64, error) {
	if len(expr) < 3 || expr[0] != opI32Const {
		return 0, 0, errNotI32Const
	}
	v, n, err := leb128.LoadInt32(expr[1:])
	if err != nil {
		return 0, 0, err
	}
	return v, n + 1, nil
}

var errNotI32Const = errors.New("wasmobj: init expression is not a lone i32.const")

// EncodeI32ConstInit builds a constant expression "i32.const <n> end".
func EncodeI32ConstInit(n int32) []byte {
	out := append([]byte{opI32Const}, leb128.EncodeInt32(n)...)
	return append(out, opEnd)
}

// instrGlobalGet emits "global.get <idx>".
func instrGlobalGet(idx uint32) []byte {
	return append([]byte{opGlobalGet}, leb128.EncodeUint32(idx)...)
}

// instrGlobalSet emits "global.set <idx>".
func instrGlobalSet(idx uint32) []byte {
	return append([]byte{opGlobalSet}, leb128.EncodeUint32(idx)...)
}

// instrI32Const emits "i32.const <n>".
func instrI32Const(n int32) []byte {
	return append([]byte{opI32Const}, leb128.EncodeInt32(n)...)
}

// instrCall emits "call <funcIdx>".
func instrCall(funcIdx uint32) []byte {
	return append([]byte{opCall}, leb128.EncodeUint32(funcIdx)...)
}

// instrLocalGet emits "local.get <idx>".
func instrLocalGet(idx uint32) []byte {
	return append([]byte{opLocalGet}, leb128.EncodeUint32(idx)...)
}

// InstrGlobalGet, InstrGlobalSet, InstrI32Const, InstrCall and InstrLocalGet
// are the exported forms used by the threading transform to assemble
// injected function bodies.
func InstrGlobalGet(idx uint32) []byte { return instrGlobalGet(idx) }
func InstrGlobalSet(idx uint32) []byte { return instrGlobalSet(idx) }
func InstrI32Const(n int32) []byte     { return instrI32Const(n) }
func InstrCall(funcIdx uint32) []byte  { return instrCall(funcIdx) }
func InstrLocalGet(idx uint32) []byte  { return instrLocalGet(idx) }

// End is the single "end" opcode byte, exported for assembling bodies.
const End = byte(opEnd)

// Atomic opcodes (threads proposal, 0xFE prefix) the threading transform
// needs to assemble its injected start/destroy function bodies: the
// sequentially-consistent thread-counter increment and the temp-stack
// spinlock's compare-and-swap / wait / notify.
const (
	atomicPrefix        = 0xfe
	opI32AtomicRMWAdd    = 0x1e
	opI32AtomicRMWCmpxchg = 0x4e
	opMemoryAtomicNotify = 0x00
	opMemoryAtomicWait32 = 0x01
	opI32AtomicStore     = 0x17
)

// memarg encodes the (align, offset) immediate pair shared by load/store and
// atomic instructions. align is the log2 of the natural alignment in bytes
// (2 for 4-byte-aligned i32 operations, as every atomic in this transform
// requires per spec §4.3).
func memarg(align, offset uint32) []byte {
	out := append([]byte{}, leb128.EncodeUint32(align)...)
	return append(out, leb128.EncodeUint32(offset)...)
}

// InstrI32AtomicRMWAdd emits "i32.atomic.rmw.add" (4-byte aligned, offset 0):
// pops (addr, val), pushes the prior value, and adds val at addr atomically.
func InstrI32AtomicRMWAdd() []byte {
	return append([]byte{atomicPrefix, opI32AtomicRMWAdd}, memarg(2, 0)...)
}

// InstrI32AtomicRMWCmpxchg emits "i32.atomic.rmw.cmpxchg" (4-byte aligned,
// offset 0): pops (addr, expected, replacement), pushes the prior value.
func InstrI32AtomicRMWCmpxchg() []byte {
	return append([]byte{atomicPrefix, opI32AtomicRMWCmpxchg}, memarg(2, 0)...)
}

// InstrMemoryAtomicNotify emits "memory.atomic.notify" (4-byte aligned,
// offset 0): pops (addr, count), pushes the number of waiters woken.
func InstrMemoryAtomicNotify() []byte {
	return append([]byte{atomicPrefix, opMemoryAtomicNotify}, memarg(2, 0)...)
}

// InstrMemoryAtomicWait32 emits "memory.atomic.wait32" (4-byte aligned,
// offset 0): pops (addr, expected, timeout-ns), pushes the wait outcome.
func InstrMemoryAtomicWait32() []byte {
	return append([]byte{atomicPrefix, opMemoryAtomicWait32}, memarg(2, 0)...)
}

// InstrI32AtomicStore emits "i32.atomic.store" (4-byte aligned, offset 0):
// pops (addr, val), stores val at addr atomically.
func InstrI32AtomicStore() []byte {
	return append([]byte{atomicPrefix, opI32AtomicStore}, memarg(2, 0)...)
}

// InstrI32Load emits "i32.load" (4-byte aligned, offset 0).
func InstrI32Load() []byte { return append([]byte{opI32Load}, memarg(2, 0)...) }

// InstrI32Store emits "i32.store" (4-byte aligned, offset 0).
func InstrI32Store() []byte { return append([]byte{opI32Store}, memarg(2, 0)...) }

// InstrI32Add emits "i32.add".
func InstrI32Add() []byte { return []byte{opI32Add} }

// InstrI64Const emits "i64.const <n>".
func InstrI64Const(n int64) []byte {
	return append([]byte{0x42}, leb128.EncodeInt64(n)...)
}

// InstrDrop emits "drop".
func InstrDrop() []byte { return []byte{0x1a} }
