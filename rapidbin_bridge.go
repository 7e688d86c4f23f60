package wasmgrind

import (
	"github.com/wasmgrind/wasmgrind/trace"
	"github.com/wasmgrind/wasmgrind/trace/rapidbin"
)

// encodeRapidBin is a thin bridge so Runtime.GenerateBinaryTrace doesn't
// need callers to import trace/rapidbin directly.
func encodeRapidBin(events []trace.GenericEvent) ([]byte, error) {
	return rapidbin.Encode(events)
}
