package trace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFindOverlaps_ScenarioE mirrors the overlap fixture: V1 and V2
// intersect and share thread 2; V3/V4 at the same (addr,width) collapse to a
// single variable upstream of the analyzer (converter dedup on
// MemoryIdentifier), so they never reach FindOverlaps as two entries.
func TestFindOverlaps_ScenarioE(t *testing.T) {
	v1 := MemoryAccess{ID: 1, Addr: 100, Width: 8, Threads: []uint64{1, 2}}
	v2 := MemoryAccess{ID: 2, Addr: 104, Width: 8, Threads: []uint64{2, 3}}

	overlaps := FindOverlaps([]MemoryAccess{v1, v2})
	require.Len(t, overlaps, 1)
	require.ElementsMatch(t, []uint64{v1.ID, v2.ID}, []uint64{overlaps[0].A.ID, overlaps[0].B.ID})
}

func TestFindOverlaps_AbuttingIntervalsDoNotOverlap(t *testing.T) {
	// [0,8) and [8,16): End sorts before Start at the shared coordinate 8,
	// so these must NOT be reported as overlapping.
	a := MemoryAccess{ID: 1, Addr: 0, Width: 8, Threads: []uint64{1, 2}}
	b := MemoryAccess{ID: 2, Addr: 8, Width: 8, Threads: []uint64{1, 2}}
	require.Empty(t, FindOverlaps([]MemoryAccess{a, b}))
}

func TestFindOverlaps_DisjointThreadsExcluded(t *testing.T) {
	a := MemoryAccess{ID: 1, Addr: 0, Width: 8, Threads: []uint64{1, 2}}
	b := MemoryAccess{ID: 2, Addr: 4, Width: 8, Threads: []uint64{3, 4}}
	require.Empty(t, FindOverlaps([]MemoryAccess{a, b}))
}

func TestFindOverlaps_Containment(t *testing.T) {
	outer := MemoryAccess{ID: 1, Addr: 0, Width: 16, Threads: []uint64{1, 2}}
	inner := MemoryAccess{ID: 2, Addr: 4, Width: 4, Threads: []uint64{1, 2}}
	overlaps := FindOverlaps([]MemoryAccess{outer, inner})
	require.Len(t, overlaps, 1)
	require.Contains(t, overlaps[0].Description(), "contains")
}

func TestFindOverlaps_Property7_ExactPairSet(t *testing.T) {
	// Property 7: returns exactly the set of unordered pairs {a,b} with
	// a != b, intersecting ranges, and non-disjoint thread sets.
	accesses := []MemoryAccess{
		{ID: 1, Addr: 0, Width: 10, Threads: []uint64{1}},
		{ID: 2, Addr: 5, Width: 10, Threads: []uint64{1, 2}},
		{ID: 3, Addr: 50, Width: 5, Threads: []uint64{2}},
	}
	overlaps := FindOverlaps(accesses)

	type pair struct{ a, b uint64 }
	got := make(map[pair]bool)
	for _, o := range overlaps {
		a, b := o.A.ID, o.B.ID
		if a > b {
			a, b = b, a
		}
		got[pair{a, b}] = true
	}
	require.Equal(t, map[pair]bool{{1, 2}: true}, got)
}
