// Package errno defines the stable numeric error codes shared between the
// wasmgrind host runtime and guest Wasm modules across the wasm_threadlink
// ABI. Guest code cannot unwind, so codes 7 and 8 are reserved for
// library-internal-bug signaling: a faulty port is detectable through the
// same panic(errno) channel a guest uses.
package errno

// Errno is a stable host/guest error code. It is deliberately not a Go
// error: it crosses the ABI boundary as a raw i32 and is interpreted
// identically by host and guest.
type Errno int32

const (
	// NoError indicates the call returned without error. Never used with
	// the ABI's panic closure: a panic that carries NoError is itself a bug.
	NoError Errno = 0

	// ThreadNotFound: thread_join targeted a tid with no registered
	// host thread.
	ThreadNotFound Errno = 1

	// ThreadJoinFailure: joining the host thread backing a Wasm thread
	// failed.
	ThreadJoinFailure Errno = 2

	// ThreadRuntimeFailure: the spawned host thread's instantiation or
	// closure invocation failed.
	ThreadRuntimeFailure Errno = 3

	// MemoryOutOfBounds: a host closure attempted to access shared Wasm
	// memory outside its valid range.
	MemoryOutOfBounds Errno = 4

	// TIDPointerConversionFailed: the tid_ptr argument to thread_create
	// could not be converted to a host pointer-sized offset.
	TIDPointerConversionFailed Errno = 5

	// TmgmtLockPoisoned: the mutex guarding the thread manager was
	// poisoned by a panicking holder.
	TmgmtLockPoisoned Errno = 6

	// LibNoResultAfterJoin: a thread join succeeded but produced no result.
	// Library bug.
	LibNoResultAfterJoin Errno = 7

	// LibMultipleRefsAfterJoin: a thread join succeeded but multiple
	// references to its result existed. Library bug.
	LibMultipleRefsAfterJoin Errno = 8
)

// String describes errno for logs and panic messages.
func (e Errno) String() string {
	switch e {
	case NoError:
		return "no error"
	case ThreadNotFound:
		return "runtime error: thread not found"
	case ThreadJoinFailure:
		return "runtime error: thread join failed"
	case ThreadRuntimeFailure:
		return "runtime error: thread failed in runtime context"
	case MemoryOutOfBounds:
		return "runtime error: shared memory access out of bounds"
	case TIDPointerConversionFailed:
		return "runtime error: could not convert tid pointer to host offset"
	case TmgmtLockPoisoned:
		return "runtime error: thread manager lock was poisoned"
	case LibNoResultAfterJoin:
		return "library error: no result available after thread join"
	case LibMultipleRefsAfterJoin:
		return "library error: multiple references to result after thread join"
	default:
		return "unknown error"
	}
}

// Error adapts Errno to the standard error interface so it can be wrapped
// and compared with errors.Is/errors.As in host-side code paths that never
// cross the guest ABI boundary.
func (e Errno) Error() string { return e.String() }

// Panic is the payload of a guest-signaled panic(errno) call, re-raised by
// the host ABI closure as a thread termination carrying the numeric code.
type Panic struct {
	Code Errno
}

func (p *Panic) Error() string { return "guest panic: " + p.Code.String() }
