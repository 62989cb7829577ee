package melange

import "testing"

func Test_LocationMap_Set_Then_Get_RoundTrips(t *testing.T) {
	lm := newLocationMap()
	addr := SlabAddress{SlabID: 2, Slot: 9, Generation: 1}

	lm.set(100, addr)

	got, ok := lm.get(100)
	if !ok || got != addr {
		t.Fatalf("get(100) = (%+v, %v), want (%+v, true)", got, ok, addr)
	}
}

func Test_LocationMap_Set_Returns_Previous_Address(t *testing.T) {
	lm := newLocationMap()
	first := SlabAddress{SlabID: 1, Slot: 1, Generation: 1}
	second := SlabAddress{SlabID: 1, Slot: 2, Generation: 1}

	lm.set(5, first)

	prev, had := lm.set(5, second)
	if !had || prev != first {
		t.Fatalf("set() returned (%+v, %v), want (%+v, true)", prev, had, first)
	}
}

func Test_LocationMap_Remove_Drops_Entry(t *testing.T) {
	lm := newLocationMap()
	lm.set(7, SlabAddress{SlabID: 0, Slot: 0, Generation: 1})

	prev, had := lm.remove(7)
	if !had || prev.SlabID != 0 {
		t.Fatalf("remove() = (%+v, %v), want hadPrev true", prev, had)
	}

	if _, ok := lm.get(7); ok {
		t.Fatalf("get() after remove found an entry")
	}
}

func Test_LocationMap_LoadAll_Then_Snapshot(t *testing.T) {
	lm := newLocationMap()

	entries := map[ObjectID]SlabAddress{
		1: {SlabID: 0, Slot: 0, Generation: 1},
		2: {SlabID: 1, Slot: 5, Generation: 2},
	}

	lm.loadAll(entries)

	snap := lm.snapshot()
	if len(snap) != len(entries) {
		t.Fatalf("snapshot has %d entries, want %d", len(snap), len(entries))
	}

	for id, addr := range entries {
		if snap[id] != addr {
			t.Fatalf("snapshot[%d] = %+v, want %+v", id, snap[id], addr)
		}
	}
}
