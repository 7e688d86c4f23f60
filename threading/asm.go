package threading

import (
	"github.com/wasmgrind/wasmgrind/internal/wasmobj"
)

// spinlockLayout bundles the addresses and global the temp-stack spinlock
// protocol (spec §4.3, "Temp-stack spinlock protocol") needs.
type spinlockLayout struct {
	spinlockAddr      int32
	scratchStackBase  int32
	stackPtrGlobalIdx uint32
}

// withSpinlock brackets body (already-assembled instructions, net stack
// effect zero) with the temp-stack spinlock protocol: swap the stack
// pointer to the scratch stack, busy-CAS the lock, run body, clear the
// lock, notify one waiter, and leave the stack pointer as body left it
// (callers that need to restore the caller's own stack pointer do so
// themselves afterward).
func withSpinlock(spin spinlockLayout, body []byte) []byte {
	var out []byte

	// stack_pointer := scratch_base
	out = append(out, wasmobj.InstrI32Const(spin.scratchStackBase)...)
	out = append(out, wasmobj.InstrGlobalSet(spin.stackPtrGlobalIdx)...)

	// retry: addr=lock; expected=0; replacement=1; cmpxchg; if prior!=0 goto wait
	retryLabel := []byte{0x03, 0x40} // loop (block type: empty)
	out = append(out, retryLabel...)
	{
		out = append(out, wasmobj.InstrI32Const(spin.spinlockAddr)...)
		out = append(out, wasmobj.InstrI32Const(0)...)
		out = append(out, wasmobj.InstrI32Const(1)...)
		out = append(out, wasmobj.InstrI32AtomicRMWCmpxchg()...)
		// prior value left on stack; if nonzero, the lock was held: wait then retry.
		out = append(out, []byte{0x45}...) // i32.eqz: 1 if prior==0 (lock acquired)
		out = append(out, []byte{0x45}...) // i32.eqz again: 1 if prior!=0 (need to wait)
		out = append(out, []byte{0x04, 0x40}...)
		{
			out = append(out, wasmobj.InstrI32Const(spin.spinlockAddr)...)
			out = append(out, wasmobj.InstrI32Const(1)...)
			out = append(out, wasmobj.InstrI64Const(-1)...)
			out = append(out, wasmobj.InstrMemoryAtomicWait32()...)
			out = append(out, wasmobj.InstrDrop()...)
			out = append(out, []byte{0x0c, 0x01}...) // br 1 (continue outer loop)
		}
		out = append(out, wasmobj.End) // end if
	}
	out = append(out, wasmobj.End) // end loop

	out = append(out, body...)

	// lock := 0, atomically; notify one.
	out = append(out, wasmobj.InstrI32Const(spin.spinlockAddr)...)
	out = append(out, wasmobj.InstrI32Const(0)...)
	out = append(out, wasmobj.InstrI32AtomicStore()...)
	out = append(out, wasmobj.InstrI32Const(spin.spinlockAddr)...)
	out = append(out, wasmobj.InstrI32Const(1)...)
	out = append(out, wasmobj.InstrMemoryAtomicNotify()...)
	out = append(out, wasmobj.InstrDrop()...)

	return out
}

// buildStartFunction assembles the injected module start function's body
// (spec §4.3 step 4): atomically increment the thread counter; if this is
// not the first thread, allocate its stack under the spinlock; then
// allocate and initialize this thread's TLS block.
func buildStartFunction(p *preconditions, counterAddr int32, stackAllocIdx, stackSizeIdx uint32, spin spinlockLayout) []byte {
	var out []byte

	// prior := atomic.add(counter, 1); if prior != 0 this is not the
	// first thread, so it needs its own stack allocated.
	out = append(out, wasmobj.InstrI32Const(counterAddr)...)
	out = append(out, wasmobj.InstrI32Const(1)...)
	out = append(out, wasmobj.InstrI32AtomicRMWAdd()...)
	out = append(out, []byte{0x45}...) // i32.eqz: 1 if prior==0 (first thread)
	out = append(out, []byte{0x45}...) // i32.eqz: 1 if prior!=0 (needs a stack)
	out = append(out, []byte{0x04, 0x40}...)
	{
		alloc := allocateOwnStack(p, stackAllocIdx, stackSizeIdx)
		out = append(out, withSpinlock(spin, alloc)...)
	}
	out = append(out, wasmobj.End)

	// TLS: stack_alloc-style malloc for this thread's TLS block, then init.
	out = append(out, wasmobj.InstrI32Const(p.tlsSize)...)
	out = append(out, wasmobj.InstrI32Const(p.tlsAlign)...)
	out = append(out, wasmobj.InstrCall(p.mallocFuncIdx)...)
	out = append(out, wasmobj.InstrGlobalSet(p.tlsBaseGlobalIdx)...)
	out = append(out, wasmobj.InstrGlobalGet(p.tlsBaseGlobalIdx)...)
	out = append(out, wasmobj.InstrCall(p.wasmInitTLSFuncIdx)...)

	out = append(out, wasmobj.End)
	return out
}

// allocateOwnStack assembles "stack_alloc := malloc(stack_size, 16);
// stack_pointer := stack_alloc + stack_size", the body run under the
// spinlock by every thread but the first.
func allocateOwnStack(p *preconditions, stackAllocIdx, stackSizeIdx uint32) []byte {
	var out []byte
	out = append(out, wasmobj.InstrGlobalGet(stackSizeIdx)...)
	out = append(out, wasmobj.InstrI32Const(16)...)
	out = append(out, wasmobj.InstrCall(p.mallocFuncIdx)...)
	out = append(out, wasmobj.InstrGlobalSet(stackAllocIdx)...)

	out = append(out, wasmobj.InstrGlobalGet(stackAllocIdx)...)
	out = append(out, wasmobj.InstrGlobalGet(stackSizeIdx)...)
	out = append(out, wasmobj.InstrI32Add()...)
	out = append(out, wasmobj.InstrGlobalSet(p.stackPtrGlobalIdx)...)
	return out
}

// buildThreadDestroyFunction assembles __wasmgrind_thread_destroy's body
// (spec §4.3 step 5): free the TLS block and the stack allocation,
// defaulting zero parameters to "self" and, when operating on self, also
// poisoning __tls_base and stack_alloc so later use is caught.
//
// Params (locals 0,1,2): tls_base, stack_alloc, stack_size.
func buildThreadDestroyFunction(p *preconditions, stackAllocIdx, stackSizeIdx uint32, spin spinlockLayout) []byte {
	const (
		localTLSBase    = 0
		localStackAlloc = 1
		localStackSize  = 2
	)
	var out []byte

	// tls_base := (local 0 != 0) ? local 0 : __tls_base
	out = append(out, resolveSelfParam(localTLSBase, p.tlsBaseGlobalIdx)...)
	out = append(out, wasmobj.InstrI32Const(p.tlsSize)...)
	out = append(out, wasmobj.InstrI32Const(p.tlsAlign)...)
	out = append(out, wasmobj.InstrCall(p.freeFuncIdx)...)

	// stack_alloc := (local 1 != 0) ? local 1 : stack_alloc global
	freeStack := resolveSelfParam(localStackAlloc, stackAllocIdx)
	freeStack = append(freeStack, resolveSelfParam(localStackSize, stackSizeIdx)...)
	freeStack = append(freeStack, wasmobj.InstrI32Const(16)...)
	freeStack = append(freeStack, wasmobj.InstrCall(p.freeFuncIdx)...)
	out = append(out, withSpinlock(spin, freeStack)...)

	// if operating on self (both params were zero), poison the globals.
	out = append(out, wasmobj.InstrLocalGet(localTLSBase)...)
	out = append(out, []byte{0x45}...) // eqz
	out = append(out, wasmobj.InstrLocalGet(localStackAlloc)...)
	out = append(out, []byte{0x45}...) // eqz
	out = append(out, []byte{0x71}...) // i32.and
	out = append(out, []byte{0x04, 0x40}...)
	{
		out = append(out, wasmobj.InstrI32Const(int32(-2147483648))...) // i32::MIN
		out = append(out, wasmobj.InstrGlobalSet(p.tlsBaseGlobalIdx)...)
		out = append(out, wasmobj.InstrI32Const(0)...)
		out = append(out, wasmobj.InstrGlobalSet(stackAllocIdx)...)
	}
	out = append(out, wasmobj.End)

	out = append(out, wasmobj.End)
	return out
}

// resolveSelfParam assembles "local.get idx; if local==0 then push
// global.get fallbackGlobal, else push local.get idx again", leaving the
// resolved i32 value on the stack for the following call argument.
func resolveSelfParam(localIdx int, fallbackGlobal uint32) []byte {
	var out []byte
	out = append(out, wasmobj.InstrLocalGet(uint32(localIdx))...)
	out = append(out, []byte{0x45}...) // eqz
	out = append(out, []byte{0x04, 0x7f}...) // if (result i32)
	{
		out = append(out, wasmobj.InstrGlobalGet(fallbackGlobal)...)
	}
	out = append(out, []byte{0x05}...) // else
	{
		out = append(out, wasmobj.InstrLocalGet(uint32(localIdx))...)
	}
	out = append(out, wasmobj.End) // end if
	return out
}
