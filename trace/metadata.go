package trace

import (
	"encoding/json"
	"fmt"
	"sort"
)

func sortUint64s(s []uint64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

// ThreadRecord pairs a native thread id with its dense generic trace id.
type ThreadRecord struct {
	WasmID  uint32 `json:"wasm_id"`
	TraceID uint64 `json:"trace_id"`
}

// MemoryRecord pairs a native memory-access variable with its dense generic
// trace id.
type MemoryRecord struct {
	WasmID  MemoryIdentifier `json:"wasm_id"`
	TraceID uint64           `json:"trace_id"`
}

// LockRecord pairs a native lock id with its dense generic trace id.
type LockRecord struct {
	WasmID  uint32 `json:"wasm_id"`
	TraceID uint64 `json:"trace_id"`
}

// LocationRecord pairs a native (function, instruction) location with its
// dense generic trace id.
type LocationRecord struct {
	WasmID  Location `json:"wasm_id"`
	TraceID uint64   `json:"trace_id"`
}

// Metadata is the reverse form of the converter's four identifier maps (dense
// generic id → native key) plus the shared-variables relation: everything
// needed to interpret a RapidBin-encoded trace, or to recover NativeEvents
// from GenericEvents. It serializes to a self-describing textual (JSON)
// format and back with exact round-trip equality.
type Metadata struct {
	ThreadRecords   []ThreadRecord         `json:"thread_records"`
	MemoryRecords   []MemoryRecord         `json:"memory_records"`
	LockRecords     []LockRecord           `json:"lock_records"`
	LocationRecords []LocationRecord       `json:"location_records"`
	SharedVariables map[uint64][]uint64    `json:"shared_variables"`
}

// FillThreadRecords sorts the thread records by TraceID in place.
func (m *Metadata) FillThreadRecords(records []ThreadRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].TraceID < records[j].TraceID })
	m.ThreadRecords = records
}

// FillMemoryRecords sorts the memory records by TraceID in place.
func (m *Metadata) FillMemoryRecords(records []MemoryRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].TraceID < records[j].TraceID })
	m.MemoryRecords = records
}

// FillLockRecords sorts the lock records by TraceID in place.
func (m *Metadata) FillLockRecords(records []LockRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].TraceID < records[j].TraceID })
	m.LockRecords = records
}

// FillLocationRecords sorts the location records by TraceID in place.
func (m *Metadata) FillLocationRecords(records []LocationRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].TraceID < records[j].TraceID })
	m.LocationRecords = records
}

// FillSharedVariables keeps only entries whose thread set has at least two
// distinct members, deduplicating and sorting each thread-id slice for
// determinism.
func (m *Metadata) FillSharedVariables(relation map[uint64][]uint64) {
	out := make(map[uint64][]uint64, len(relation))
	for varID, threads := range relation {
		dedup := make(map[uint64]bool, len(threads))
		for _, tid := range threads {
			dedup[tid] = true
		}
		if len(dedup) < 2 {
			continue
		}
		cp := make([]uint64, 0, len(dedup))
		for tid := range dedup {
			cp = append(cp, tid)
		}
		sortUint64s(cp)
		out[varID] = cp
	}
	m.SharedVariables = out
}

// ToJSON serializes m to its self-describing textual form.
func (m *Metadata) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MetadataFromJSON deserializes Metadata previously produced by ToJSON.
func MetadataFromJSON(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("trace: decoding metadata: %w", err)
	}
	return &m, nil
}

// NativeConverter maps dense generic trace ids back to native keys, built
// from a Metadata snapshot. It is the inverse of Converter.
type NativeConverter struct {
	threads   map[uint64]uint32
	locks     map[uint64]uint32
	variables map[uint64]MemoryIdentifier
	locations map[uint64]Location
}

// IntoConverter builds the reverse-lookup tables from m.
func (m *Metadata) IntoConverter() *NativeConverter {
	nc := &NativeConverter{
		threads:   make(map[uint64]uint32, len(m.ThreadRecords)),
		locks:     make(map[uint64]uint32, len(m.LockRecords)),
		variables: make(map[uint64]MemoryIdentifier, len(m.MemoryRecords)),
		locations: make(map[uint64]Location, len(m.LocationRecords)),
	}
	for _, r := range m.ThreadRecords {
		nc.threads[r.TraceID] = r.WasmID
	}
	for _, r := range m.LockRecords {
		nc.locks[r.TraceID] = r.WasmID
	}
	for _, r := range m.MemoryRecords {
		nc.variables[r.TraceID] = r.WasmID
	}
	for _, r := range m.LocationRecords {
		nc.locations[r.TraceID] = r.WasmID
	}
	return nc
}

// ToNative converts a GenericEvent back into a NativeEvent using the
// reverse-lookup tables, failing if any referenced id is not present in the
// underlying Metadata.
func (nc *NativeConverter) ToNative(ev GenericEvent) (NativeEvent, error) {
	threadID, ok := nc.threads[ev.ThreadID]
	if !ok {
		return NativeEvent{}, fmt.Errorf("trace: thread-id %d not present in metadata", ev.ThreadID)
	}
	loc, ok := nc.locations[ev.Location]
	if !ok {
		return NativeEvent{}, fmt.Errorf("trace: location-id %d not present in metadata", ev.Location)
	}

	op := NativeOp{Tag: ev.Op.Tag}
	switch ev.Op.Tag {
	case OpAcquire, OpRelease, OpRequest:
		lock, ok := nc.locks[ev.Op.Decor]
		if !ok {
			return NativeEvent{}, fmt.Errorf("trace: lock-id %d not present in metadata", ev.Op.Decor)
		}
		op.Lock = lock
	case OpRead, OpWrite:
		v, ok := nc.variables[ev.Op.Decor]
		if !ok {
			return NativeEvent{}, fmt.Errorf("trace: variable-id %d not present in metadata", ev.Op.Decor)
		}
		op.Addr, op.Width = v.Addr, v.Width
	case OpFork, OpJoin:
		target, ok := nc.threads[ev.Op.Decor]
		if !ok {
			return NativeEvent{}, fmt.Errorf("trace: thread-id %d not present in metadata", ev.Op.Decor)
		}
		op.TargetThread = target
	default:
		return NativeEvent{}, fmt.Errorf("trace: unknown op tag %d", ev.Op.Tag)
	}

	return NativeEvent{ThreadID: threadID, Op: op, Loc: loc}, nil
}
