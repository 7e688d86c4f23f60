// Package hostabi implements the host side of the wasm_threadlink and
// wasabi import modules (spec §4.4): the closures a threaded, optionally
// instrumented Wasm module imports to create/join threads, record lock
// events, and (when instrumented) record memory accesses.
package hostabi

import (
	"context"

	"github.com/wasmgrind/wasmgrind/tmgmt"
)

type currentThreadKey struct{}

// WithCurrentThread attaches ct to ctx. The runtime façade's InvokeFunction
// and the thread_create closure call this once per thread of execution,
// before running that thread's Wasm instance, so every host closure invoked
// on that thread's call stack can recover its own thread identity.
func WithCurrentThread(ctx context.Context, ct *tmgmt.CurrentThread) context.Context {
	return context.WithValue(ctx, currentThreadKey{}, ct)
}

// currentThreadFrom recovers the CurrentThread attached by WithCurrentThread.
func currentThreadFrom(ctx context.Context) (*tmgmt.CurrentThread, bool) {
	ct, ok := ctx.Value(currentThreadKey{}).(*tmgmt.CurrentThread)
	return ct, ok
}
