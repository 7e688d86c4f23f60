package rapidbin

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmgrind/wasmgrind/trace"
)

// scenarioA is the fork/read/write/join fixture: same nine events used by
// the original fixture this format was ported from.
func scenarioA() []trace.GenericEvent {
	return []trace.GenericEvent{
		{ThreadID: 0, Op: trace.Operation{Tag: trace.OpFork, Decor: 1}, Location: 42},
		{ThreadID: 0, Op: trace.Operation{Tag: trace.OpFork, Decor: 2}, Location: 42},
		{ThreadID: 2, Op: trace.Operation{Tag: trace.OpFork, Decor: 3}, Location: 123},
		{ThreadID: 0, Op: trace.Operation{Tag: trace.OpRequest, Decor: 0}, Location: 362},
		{ThreadID: 0, Op: trace.Operation{Tag: trace.OpAcquire, Decor: 0}, Location: 362},
		{ThreadID: 0, Op: trace.Operation{Tag: trace.OpRead, Decor: 200}, Location: 436},
		{ThreadID: 0, Op: trace.Operation{Tag: trace.OpWrite, Decor: 200}, Location: 923},
		{ThreadID: 0, Op: trace.Operation{Tag: trace.OpRelease, Decor: 0}, Location: 362},
		{ThreadID: 0, Op: trace.Operation{Tag: trace.OpJoin, Decor: 1}, Location: 7382},
	}
}

func scenarioAExpectedRecords() []uint64 {
	return []uint64{
		0b0_000000000101010_0000000000000000000000000000000001_0100_0000000000,
		0b0_000000000101010_0000000000000000000000000000000010_0100_0000000000,
		0b0_000000001111011_0000000000000000000000000000000011_0100_0000000010,
		0b0_000000101101010_0000000000000000000000000000000000_1000_0000000000,
		0b0_000000101101010_0000000000000000000000000000000000_0000_0000000000,
		0b0_000000110110100_0000000000000000000000000011001000_0010_0000000000,
		0b0_000001110011011_0000000000000000000000000011001000_0011_0000000000,
		0b0_000000101101010_0000000000000000000000000000000000_0001_0000000000,
		0b0_001110011010110_0000000000000000000000000000000001_0101_0000000000,
	}
}

func TestEncodeScenarioA_ExactBytes(t *testing.T) {
	encoded, err := Encode(scenarioA())
	require.NoError(t, err)

	var want bytes.Buffer
	require.NoError(t, binary.Write(&want, binary.BigEndian, int16(4)))
	require.NoError(t, binary.Write(&want, binary.BigEndian, int32(1)))
	require.NoError(t, binary.Write(&want, binary.BigEndian, int32(1)))
	require.NoError(t, binary.Write(&want, binary.BigEndian, int64(9)))
	for _, rec := range scenarioAExpectedRecords() {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], rec)
		want.Write(b[:])
	}

	require.Equal(t, want.Bytes(), encoded)
}

func TestEncodeDecodeRoundTrip_ScenarioA(t *testing.T) {
	events := scenarioA()
	encoded, err := Encode(events)
	require.NoError(t, err)

	decoded, header, err := DecodeAll(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, Header{NThreads: 4, NLocks: 1, NVariables: 1, NEvents: 9}, header)
	require.Equal(t, events, decoded)
}

func TestDecode_TruncatedPayload(t *testing.T) {
	events := scenarioA()
	encoded, err := Encode(events)
	require.NoError(t, err)

	// Header claims 9 events; truncate to header + 1 full record + 3 stray
	// bytes of a second, incomplete record.
	truncated := encoded[:headerLen+8+3]

	it, err := NewIterator(bytes.NewReader(truncated))
	require.NoError(t, err)

	_, ok := it.Next()
	require.True(t, ok)

	_, ok = it.Next()
	require.False(t, ok)
	require.Error(t, it.Err())
}

func TestDecode_CountOverflow_Locks(t *testing.T) {
	// Header claims 0 locks, but the payload contains one Acquire.
	events := []trace.GenericEvent{
		{ThreadID: 0, Op: trace.Operation{Tag: trace.OpAcquire, Decor: 5}, Location: 1},
	}
	encoded, err := Encode(events)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(encoded[2:6], 0) // lie: declare 0 locks

	it, err := NewIterator(bytes.NewReader(encoded))
	require.NoError(t, err)
	_, ok := it.Next()
	require.False(t, ok)
	require.ErrorIs(t, it.Err(), ErrCountMismatch)
}

func TestDecode_UnknownOpTag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, int16(1)))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, int32(0)))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, int32(0)))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, int64(1)))

	// op = 6, an unassigned tag.
	rec := (uint64(0) << threadBitOffset) | (uint64(6) << opBitOffset)
	var recBytes [8]byte
	binary.BigEndian.PutUint64(recBytes[:], rec)
	buf.Write(recBytes[:])

	it, err := NewIterator(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	_, ok := it.Next()
	require.False(t, ok)
	require.ErrorIs(t, it.Err(), ErrInvalidTag)
}

func TestEncode_FieldRangeRejection(t *testing.T) {
	t.Run("thread exceeds int16", func(t *testing.T) {
		_, err := Encode([]trace.GenericEvent{
			{ThreadID: 0x8000, Op: trace.Operation{Tag: trace.OpRead, Decor: 1}, Location: 0},
		})
		require.ErrorIs(t, err, ErrOutOfRange)
	})
	t.Run("location exceeds int16", func(t *testing.T) {
		_, err := Encode([]trace.GenericEvent{
			{ThreadID: 0, Op: trace.Operation{Tag: trace.OpRead, Decor: 1}, Location: 0x8000},
		})
		require.ErrorIs(t, err, ErrOutOfRange)
	})
	t.Run("decor exceeds 34 bits", func(t *testing.T) {
		_, err := Encode([]trace.GenericEvent{
			{ThreadID: 0, Op: trace.Operation{Tag: trace.OpRead, Decor: 1 << 34}, Location: 0},
		})
		require.ErrorIs(t, err, ErrOutOfRange)
	})
}

func TestEncode_OpTagTotality(t *testing.T) {
	valid := []trace.OpTag{trace.OpAcquire, trace.OpRelease, trace.OpRead, trace.OpWrite, trace.OpFork, trace.OpJoin, trace.OpRequest}
	for _, tag := range valid {
		require.True(t, tag.Valid())
	}
	for _, tag := range []trace.OpTag{6, 7, 9, 10, 15} {
		require.False(t, tag.Valid())
	}
}
