// Package stdformat implements a secondary, best-effort human-readable
// trace encoding supplementing the canonical RapidBin wire format (spec §6
// names RapidBin as canonical; this format exists purely for debugging a
// trace without a RapidBin decoder on hand, and carries no round-trip
// guarantee).
package stdformat

import (
	"fmt"
	"io"

	"github.com/wasmgrind/wasmgrind/trace"
)

// Encode writes one line per event to w in the form "T{tid}|{op}({decor})|{loc}".
func Encode(w io.Writer, events []trace.GenericEvent) error {
	for _, ev := range events {
		if _, err := fmt.Fprintf(w, "T%d|%s(%d)|%d\n", ev.ThreadID, ev.Op.Tag, ev.Op.Decor, ev.Location); err != nil {
			return err
		}
	}
	return nil
}
