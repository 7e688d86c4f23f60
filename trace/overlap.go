package trace

import "sort"

// MemoryAccess is a memory-access variable as seen by the overlap analyzer:
// its byte range and the set of distinct threads that touched it.
type MemoryAccess struct {
	ID      uint64
	Addr    uint32
	Width   uint32
	Threads []uint64 // sorted, distinct
}

func (a MemoryAccess) end() uint32 { return a.Addr + a.Width }

func (a MemoryAccess) intersects(b MemoryAccess) bool {
	return a.Addr < b.end() && b.Addr < a.end()
}

func (a MemoryAccess) contains(b MemoryAccess) bool {
	return a.Addr <= b.Addr && b.end() <= a.end()
}

func threadSetsIntersect(a, b []uint64) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return true
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return false
}

// Overlap is an unordered pair of distinct memory-access variables whose
// byte ranges intersect and whose thread-sets are non-disjoint.
type Overlap struct {
	A, B MemoryAccess
}

// mustIntersect panics if o's two accesses do not, in fact, overlap: an
// internal invariant of the sweep, not a user-facing validation.
func (o Overlap) mustIntersect() {
	if !o.A.intersects(o.B) {
		panic("trace: Overlap contained non overlapping memory accesses")
	}
}

// Description classifies the overlap as intersection, containment, or
// equal-length-overlap for human-readable reporting.
func (o Overlap) Description() string {
	o.mustIntersect()
	switch {
	case o.A.Addr == o.B.Addr && o.A.Width == o.B.Width:
		return "Equal memory accesses obviously overlap."
	case o.A.contains(o.B):
		return "first access contains second access"
	case o.B.contains(o.A):
		return "second access contains first access"
	default:
		return "first access intersects with second access"
	}
}

// intervalEventType orders End before Start at an equal coordinate, so two
// abutting intervals [a,b) and [b,c) do not overlap. This ordering is load
// bearing: reversing it would make every pair of adjacent-but-disjoint
// accesses falsely overlap.
type intervalEventType uint8

const (
	intervalEnd intervalEventType = iota
	intervalStart
)

type intervalEvent struct {
	coord  uint32
	typ    intervalEventType
	access MemoryAccess
}

// FindOverlaps runs the sweep-line algorithm (spec §4.2) over accesses,
// returning every unordered pair of distinct variables whose byte ranges
// intersect and whose thread-sets are non-disjoint. accesses should already
// be filtered to shared variables (len(Threads) >= 2); FindOverlaps does not
// filter on its own.
func FindOverlaps(accesses []MemoryAccess) []Overlap {
	events := make([]intervalEvent, 0, len(accesses)*2)
	for _, a := range accesses {
		events = append(events, intervalEvent{coord: a.Addr, typ: intervalStart, access: a})
		events = append(events, intervalEvent{coord: a.end(), typ: intervalEnd, access: a})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].coord != events[j].coord {
			return events[i].coord < events[j].coord
		}
		return events[i].typ < events[j].typ // End (0) before Start (1)
	})

	active := make(map[uint64]MemoryAccess)
	var overlaps []Overlap
	for _, ev := range events {
		switch ev.typ {
		case intervalStart:
			for id, other := range active {
				if id == ev.access.ID {
					continue
				}
				if threadSetsIntersect(other.Threads, ev.access.Threads) {
					overlaps = append(overlaps, Overlap{A: other, B: ev.access})
				}
			}
			active[ev.access.ID] = ev.access
		case intervalEnd:
			delete(active, ev.access.ID)
		}
	}
	if len(active) != 0 {
		panic("trace: sweep line finished with a non-empty active set")
	}
	return overlaps
}
