package trace

import "fmt"

// MemoryIdentifier is the native key of a memory-access variable: a byte
// address and access width. Two accesses with the same (Addr, Width) are
// the same variable in the generic domain.
type MemoryIdentifier struct {
	Addr  uint32
	Width uint32
}

// monotoneMap assigns a dense uint64 id to each distinct key in first-seen
// order. Once a key is assigned, its id never changes.
type monotoneMap[K comparable] struct {
	ids   map[K]uint64
	order []K
}

func newMonotoneMap[K comparable]() *monotoneMap[K] {
	return &monotoneMap[K]{ids: make(map[K]uint64)}
}

func (m *monotoneMap[K]) idFor(key K) uint64 {
	if id, ok := m.ids[key]; ok {
		return id
	}
	id := uint64(len(m.order))
	m.ids[key] = id
	m.order = append(m.order, key)
	return id
}

// Converter turns NativeEvents into GenericEvents, lazily allocating dense
// generic ids for threads, locks, memory variables and locations in
// first-seen order, and tracking which threads accessed which variables.
type Converter struct {
	threads   *monotoneMap[uint32]
	locks     *monotoneMap[uint32]
	variables *monotoneMap[MemoryIdentifier]
	locations *monotoneMap[Location]

	sharedVariables map[uint64]map[uint64]bool // variable id -> set of thread ids
}

// NewConverter returns a Converter with all four maps empty.
func NewConverter() *Converter {
	return &Converter{
		threads:         newMonotoneMap[uint32](),
		locks:           newMonotoneMap[uint32](),
		variables:       newMonotoneMap[MemoryIdentifier](),
		locations:       newMonotoneMap[Location](),
		sharedVariables: make(map[uint64]map[uint64]bool),
	}
}

// Convert resolves ev's native ids through the converter's maps, recording
// shared-variable accesses for Read/Write operations, and returns the
// resulting GenericEvent.
func (c *Converter) Convert(ev NativeEvent) (GenericEvent, error) {
	threadID := c.threads.idFor(ev.ThreadID)
	locID := c.locations.idFor(ev.Loc)

	var decor uint64
	switch ev.Op.Tag {
	case OpAcquire, OpRelease, OpRequest:
		decor = c.locks.idFor(ev.Op.Lock)
	case OpRead, OpWrite:
		varID := c.variables.idFor(MemoryIdentifier{Addr: ev.Op.Addr, Width: ev.Op.Width})
		c.recordAccess(varID, threadID)
		decor = varID
	case OpFork, OpJoin:
		decor = c.threads.idFor(ev.Op.TargetThread)
	default:
		return GenericEvent{}, fmt.Errorf("trace: unknown native op tag %d", ev.Op.Tag)
	}

	return GenericEvent{
		ThreadID: threadID,
		Op:       Operation{Tag: ev.Op.Tag, Decor: decor},
		Location: locID,
	}, nil
}

func (c *Converter) recordAccess(varID, threadID uint64) {
	set, ok := c.sharedVariables[varID]
	if !ok {
		set = make(map[uint64]bool)
		c.sharedVariables[varID] = set
	}
	set[threadID] = true
}

// Metadata finalizes the converter's current state (maps and
// shared-variables relation) into a Metadata snapshot. Safe to call
// multiple times; later calls reflect events converted since the last call.
func (c *Converter) Metadata() *Metadata {
	md := &Metadata{}

	md.ThreadRecords = make([]ThreadRecord, len(c.threads.order))
	for traceID, wasmID := range c.threads.order {
		md.ThreadRecords[traceID] = ThreadRecord{WasmID: wasmID, TraceID: uint64(traceID)}
	}

	md.LockRecords = make([]LockRecord, len(c.locks.order))
	for traceID, wasmID := range c.locks.order {
		md.LockRecords[traceID] = LockRecord{WasmID: wasmID, TraceID: uint64(traceID)}
	}

	md.MemoryRecords = make([]MemoryRecord, len(c.variables.order))
	for traceID, wasmID := range c.variables.order {
		md.MemoryRecords[traceID] = MemoryRecord{WasmID: wasmID, TraceID: uint64(traceID)}
	}

	md.LocationRecords = make([]LocationRecord, len(c.locations.order))
	for traceID, wasmID := range c.locations.order {
		md.LocationRecords[traceID] = LocationRecord{WasmID: wasmID, TraceID: uint64(traceID)}
	}

	md.SharedVariables = make(map[uint64][]uint64, len(c.sharedVariables))
	for varID, threads := range c.sharedVariables {
		if len(threads) < 2 {
			continue
		}
		ids := make([]uint64, 0, len(threads))
		for tid := range threads {
			ids = append(ids, tid)
		}
		sortUint64s(ids)
		md.SharedVariables[varID] = ids
	}

	return md
}
