// Package rapidbin implements wasmgrind's compact binary trace serialization
// (spec §4.2, §6): a fixed 18-byte header followed by 8-byte big-endian
// packed records, one per GenericEvent.
//
// Packed record layout, MSB to LSB:
//
//	[reserved:1 (must be 0)][location:15][decor:34][op:4][thread:10]
//
// i.e. thread occupies bits 0-9, op bits 10-13, decor bits 14-47, location
// bits 48-62, and bit 63 is reserved. This is the contract with every
// RapidBin consumer; it must be reproduced bit-for-bit.
package rapidbin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wasmgrind/wasmgrind/trace"
)

const (
	threadBitOffset = 0
	opBitOffset     = 10
	decorBitOffset  = 14
	locBitOffset    = 48

	threadNumBits = 10
	opNumBits     = 4
	decorNumBits  = 34
	locNumBits    = 15

	threadMask = (uint64(1) << threadNumBits) - 1
	opMask     = (uint64(1) << opNumBits) - 1
	decorMask  = (uint64(1) << decorNumBits) - 1
	locMask    = (uint64(1) << locNumBits) - 1

	headerLen = 2 + 4 + 4 + 8 // i16 + i32 + i32 + i64
)

// ErrOutOfRange is returned when an event field exceeds the bound its
// packed slot (or the header's validating type) allows.
var ErrOutOfRange = fmt.Errorf("rapidbin: field out of range")

// ErrInvalidTag is returned when a packed record's op field does not match
// one of the seven defined op tags.
var ErrInvalidTag = fmt.Errorf("rapidbin: invalid op tag")

// ErrCountMismatch is returned when the running distinct-id or event counts
// diverge from the header's declared counts, either by exceeding them mid
// stream or falling short of them at EOF.
var ErrCountMismatch = fmt.Errorf("rapidbin: count mismatch against header")

// Header is the fixed 18-byte RapidBin header: the number of distinct
// threads, locks and variables, and the total event count.
type Header struct {
	NThreads   int16
	NLocks     int32
	NVariables int32
	NEvents    int64
}

func packRecord(ev trace.GenericEvent) (uint64, error) {
	if ev.ThreadID > 0x7fff {
		return 0, fmt.Errorf("%w: thread id %d exceeds int16", ErrOutOfRange, ev.ThreadID)
	}
	if ev.Location > 0x7fff {
		return 0, fmt.Errorf("%w: location %d exceeds int16", ErrOutOfRange, ev.Location)
	}
	if !ev.Op.Tag.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTag, ev.Op.Tag)
	}
	if ev.Op.Decor > decorMask {
		return 0, fmt.Errorf("%w: decor %d exceeds 34 bits", ErrOutOfRange, ev.Op.Decor)
	}

	tid := ev.ThreadID & threadMask
	oid := uint64(ev.Op.Tag) & opMask
	decor := ev.Op.Decor & decorMask
	loc := ev.Location & locMask

	return (tid << threadBitOffset) | (oid << opBitOffset) | (decor << decorBitOffset) | (loc << locBitOffset), nil
}

func unpackRecord(rec uint64) (tid uint64, tag trace.OpTag, decor uint64, loc uint64, err error) {
	if rec&(uint64(1)<<63) != 0 {
		return 0, 0, 0, 0, fmt.Errorf("%w: reserved bit set", ErrOutOfRange)
	}
	tid = (rec >> threadBitOffset) & threadMask
	tag = trace.OpTag((rec >> opBitOffset) & opMask)
	decor = (rec >> decorBitOffset) & decorMask
	loc = (rec >> locBitOffset) & locMask
	if !tag.Valid() {
		return 0, 0, 0, 0, fmt.Errorf("%w: %d", ErrInvalidTag, tag)
	}
	return tid, tag, decor, loc, nil
}

// Encode serializes events to the RapidBin binary format: header first (a
// placeholder, rewritten once all records and the final counts are known),
// then one 8-byte packed record per event, in order.
func Encode(events []trace.GenericEvent) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, headerLen))

	threads := make(map[uint64]bool)
	locks := make(map[uint64]bool)
	variables := make(map[uint64]bool)

	for i, ev := range events {
		rec, err := packRecord(ev)
		if err != nil {
			return nil, fmt.Errorf("rapidbin: encoding event %d: %w", i, err)
		}

		threads[ev.ThreadID] = true
		switch ev.Op.Tag {
		case trace.OpAcquire, trace.OpRelease, trace.OpRequest:
			locks[ev.Op.Decor] = true
		case trace.OpRead, trace.OpWrite:
			variables[ev.Op.Decor] = true
		case trace.OpFork, trace.OpJoin:
			threads[ev.Op.Decor] = true
		}

		var recBytes [8]byte
		binary.BigEndian.PutUint64(recBytes[:], rec)
		buf.Write(recBytes[:])
	}

	if len(threads) > 0x7fff {
		return nil, fmt.Errorf("%w: %d distinct threads exceeds int16", ErrOutOfRange, len(threads))
	}

	out := buf.Bytes()
	binary.BigEndian.PutUint16(out[0:2], uint16(len(threads)))
	binary.BigEndian.PutUint32(out[2:6], uint32(len(locks)))
	binary.BigEndian.PutUint32(out[6:10], uint32(len(variables)))
	binary.BigEndian.PutUint64(out[10:18], uint64(len(events)))
	return out, nil
}

// Iterator is a lazy, single-pass decoder over a RapidBin byte stream. It
// enforces the header/payload reconciliation protocol described in spec
// §4.2 as it goes: every event is checked against the declared header
// counts immediately, and a final count check happens when Next reaches a
// clean end of stream (its first false return after the last record).
type Iterator struct {
	r      io.Reader
	header Header

	seenThreads   map[uint64]bool
	seenLocks     map[uint64]bool
	seenVariables map[uint64]bool
	seenEvents    int64

	done bool
	err  error
}

// NewIterator reads the header and masks each field's sign bit to 0,
// returning an Iterator positioned at the first record. The header's counts
// are checked against the payload only as records are read.
func NewIterator(r io.Reader) (*Iterator, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("rapidbin: reading header: %w", err)
	}

	nThreads := binary.BigEndian.Uint16(hdr[0:2]) &^ (1 << 15)
	nLocks := binary.BigEndian.Uint32(hdr[2:6]) &^ (1 << 31)
	nVariables := binary.BigEndian.Uint32(hdr[6:10]) &^ (1 << 31)
	nEvents := binary.BigEndian.Uint64(hdr[10:18]) &^ (uint64(1) << 63)

	return &Iterator{
		r: r,
		header: Header{
			NThreads:   int16(nThreads),
			NLocks:     int32(nLocks),
			NVariables: int32(nVariables),
			NEvents:    int64(nEvents),
		},
		seenThreads:   make(map[uint64]bool),
		seenLocks:     make(map[uint64]bool),
		seenVariables: make(map[uint64]bool),
	}, nil
}

// Header returns the declared (masked) header.
func (it *Iterator) Header() Header { return it.header }

// Next returns the next decoded event, or ok=false at a validated clean EOF.
// A premature EOF, any mid-stream count overflow, or a short final count is
// reported through Err.
func (it *Iterator) Next() (ev trace.GenericEvent, ok bool) {
	if it.done {
		return trace.GenericEvent{}, false
	}

	var recBytes [8]byte
	n, err := io.ReadFull(it.r, recBytes[:])
	if err != nil {
		it.done = true
		if err == io.EOF && n == 0 {
			it.err = it.checkFinalCounts()
			return trace.GenericEvent{}, false
		}
		it.err = fmt.Errorf("rapidbin: premature EOF reading record %d: %w", it.seenEvents, err)
		return trace.GenericEvent{}, false
	}

	rec := binary.BigEndian.Uint64(recBytes[:])
	tid, tag, decor, loc, err := unpackRecord(rec)
	if err != nil {
		it.done = true
		it.err = err
		return trace.GenericEvent{}, false
	}

	it.seenThreads[tid] = true
	switch tag {
	case trace.OpAcquire, trace.OpRelease, trace.OpRequest:
		it.seenLocks[decor] = true
	case trace.OpRead, trace.OpWrite:
		it.seenVariables[decor] = true
	case trace.OpFork, trace.OpJoin:
		it.seenThreads[decor] = true
	}
	it.seenEvents++

	if int64(len(it.seenThreads)) > int64(it.header.NThreads) ||
		int64(len(it.seenLocks)) > int64(it.header.NLocks) ||
		int64(len(it.seenVariables)) > int64(it.header.NVariables) ||
		it.seenEvents > it.header.NEvents {
		it.done = true
		it.err = fmt.Errorf("%w: observed count exceeds header after event %d", ErrCountMismatch, it.seenEvents)
		return trace.GenericEvent{}, false
	}

	return trace.GenericEvent{ThreadID: tid, Op: trace.Operation{Tag: tag, Decor: decor}, Location: loc}, true
}

func (it *Iterator) checkFinalCounts() error {
	if it.seenEvents != it.header.NEvents ||
		int64(len(it.seenThreads)) != int64(it.header.NThreads) ||
		int64(len(it.seenLocks)) != int64(it.header.NLocks) ||
		int64(len(it.seenVariables)) != int64(it.header.NVariables) {
		return fmt.Errorf("%w: at EOF, events=%d threads=%d locks=%d variables=%d vs declared %+v",
			ErrCountMismatch, it.seenEvents, len(it.seenThreads), len(it.seenLocks), len(it.seenVariables), it.header)
	}
	return nil
}

// Err returns the error, if any, that stopped iteration.
func (it *Iterator) Err() error { return it.err }

// DecodeAll drains an Iterator, returning every event or the first error
// encountered.
func DecodeAll(r io.Reader) ([]trace.GenericEvent, Header, error) {
	it, err := NewIterator(r)
	if err != nil {
		return nil, Header{}, err
	}
	var events []trace.GenericEvent
	for {
		ev, ok := it.Next()
		if !ok {
			break
		}
		events = append(events, ev)
	}
	if it.Err() != nil {
		return nil, it.Header(), it.Err()
	}
	return events, it.Header(), nil
}
