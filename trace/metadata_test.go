package trace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildScenarioAMetadata(t *testing.T) *Metadata {
	t.Helper()
	conv := NewConverter()
	for _, ev := range scenarioAEvents() {
		_, err := conv.Convert(ev)
		require.NoError(t, err)
	}
	return conv.Metadata()
}

func TestMetadata_JSONRoundTrip(t *testing.T) {
	md := buildScenarioAMetadata(t)

	data, err := md.ToJSON()
	require.NoError(t, err)

	got, err := MetadataFromJSON(data)
	require.NoError(t, err)
	require.Equal(t, md, got)
}

func TestMetadata_JSONRoundTrip_WithSharedVariables(t *testing.T) {
	conv := NewConverter()
	_, err := conv.Convert(NativeEvent{ThreadID: 1, Op: NativeOp{Tag: OpRead, Addr: 100, Width: 8}})
	require.NoError(t, err)
	_, err = conv.Convert(NativeEvent{ThreadID: 2, Op: NativeOp{Tag: OpWrite, Addr: 100, Width: 8}})
	require.NoError(t, err)

	md := conv.Metadata()
	data, err := md.ToJSON()
	require.NoError(t, err)

	got, err := MetadataFromJSON(data)
	require.NoError(t, err)
	require.Equal(t, md, got)
	require.NotEmpty(t, got.SharedVariables)
}

func TestMetadata_IntoConverterRoundTrip(t *testing.T) {
	conv := NewConverter()
	var generic []GenericEvent
	for _, ev := range scenarioAEvents() {
		ge, err := conv.Convert(ev)
		require.NoError(t, err)
		generic = append(generic, ge)
	}
	md := conv.Metadata()

	nc := md.IntoConverter()
	for i, ge := range generic {
		native, err := nc.ToNative(ge)
		require.NoError(t, err)
		require.Equal(t, scenarioAEvents()[i], native)
	}
}

func TestMetadata_IntoConverter_MissingIDFails(t *testing.T) {
	md := &Metadata{}
	nc := md.IntoConverter()
	_, err := nc.ToNative(GenericEvent{ThreadID: 0, Op: Operation{Tag: OpRead, Decor: 0}, Location: 0})
	require.Error(t, err)
}

func TestMetadata_FillRecordsSortsByTraceID(t *testing.T) {
	md := &Metadata{}
	md.FillThreadRecords([]ThreadRecord{
		{WasmID: 9, TraceID: 2},
		{WasmID: 1, TraceID: 0},
		{WasmID: 5, TraceID: 1},
	})
	require.Equal(t, []ThreadRecord{
		{WasmID: 1, TraceID: 0},
		{WasmID: 5, TraceID: 1},
		{WasmID: 9, TraceID: 2},
	}, md.ThreadRecords)
}

func TestMetadata_FillSharedVariablesFiltersSingleThread(t *testing.T) {
	md := &Metadata{}
	md.FillSharedVariables(map[uint64][]uint64{
		0: {1},       // single thread: filtered out
		1: {2, 1},    // two threads: kept, sorted
		2: {3, 3, 3}, // duplicate thread entries collapse to one: filtered
	})
	require.Equal(t, map[uint64][]uint64{1: {1, 2}}, md.SharedVariables)
}
