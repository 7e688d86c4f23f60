package trace

import (
	"errors"
	"fmt"
	"sync"
)

// ErrLogPoisoned is returned by Log operations after a panicking holder left
// the log's internal mutex in an unrecoverable state.
var ErrLogPoisoned = errors.New("trace: log lock poisoned")

// Log is a mutex-protected append-only sequence of NativeEvents (spec §4.1).
// The lock is coarse-grained by design: event frequency is bounded by the
// guest's own memory traffic, and mutex contention is dominated by the
// guest's synchronization cost, not by the log itself. The trace mutex must
// never be held across a guest call.
type Log struct {
	mu       sync.Mutex
	events   []NativeEvent
	poisoned bool
}

// NewLog returns an empty trace log.
func NewLog() *Log {
	return &Log{}
}

// Append records a single event. Fails only if the log's lock was
// poisoned by an earlier panicking holder.
func (l *Log) Append(tid uint32, op NativeOp, loc Location) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned {
		return ErrLogPoisoned
	}
	defer func() {
		if r := recover(); r != nil {
			l.poisoned = true
			err = ErrLogPoisoned
		}
	}()
	l.events = append(l.events, NativeEvent{ThreadID: tid, Op: op, Loc: loc})
	return nil
}

// Len returns the number of events currently recorded.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// EmitGeneric streams every recorded event through a fresh Converter,
// returning the resulting GenericEvents in append order and the finalized
// Metadata. The log itself is not cleared and may be emitted repeatedly;
// repeated emission produces fresh, independent Converter state each time.
func (l *Log) EmitGeneric() ([]GenericEvent, *Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned {
		return nil, nil, ErrLogPoisoned
	}

	conv := NewConverter()
	out := make([]GenericEvent, 0, len(l.events))
	for i, ev := range l.events {
		ge, err := conv.Convert(ev)
		if err != nil {
			return nil, nil, fmt.Errorf("trace: converting event %d: %w", i, err)
		}
		out = append(out, ge)
	}
	return out, conv.Metadata(), nil
}
