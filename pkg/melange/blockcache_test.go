package melange

import "testing"

func Test_BlockCache_Put_Then_Get_RoundTrips(t *testing.T) {
	bc := newBlockCache(1<<20, 0, nil)

	bc.put(1, []byte("payload"))

	got, ok := bc.get(1)
	if !ok || string(got) != "payload" {
		t.Fatalf("get(1) = (%q, %v), want (\"payload\", true)", got, ok)
	}
}

func Test_BlockCache_Get_Miss_Reports_Not_Found(t *testing.T) {
	bc := newBlockCache(1<<20, 0, nil)

	if _, ok := bc.get(42); ok {
		t.Fatalf("get(42) on empty cache = true, want false")
	}
}

func Test_BlockCache_Invalidate_Drops_Entry(t *testing.T) {
	bc := newBlockCache(1<<20, 0, nil)

	bc.put(1, []byte("x"))
	bc.invalidate(1)

	if _, ok := bc.get(1); ok {
		t.Fatalf("get(1) after invalidate = true, want false")
	}
}

func Test_BlockCache_Put_Same_Id_Replaces_Previous_Bytes(t *testing.T) {
	bc := newBlockCache(1<<20, 0, nil)

	bc.put(1, []byte("first"))
	bc.put(1, []byte("second"))

	got, ok := bc.get(1)
	if !ok || string(got) != "second" {
		t.Fatalf("get(1) = (%q, %v), want (\"second\", true)", got, ok)
	}
}

func Test_BlockCache_Repeated_Hits_Promote_To_Hot_Tier(t *testing.T) {
	bc := newBlockCache(1<<20, 0, nil)

	bc.put(1, []byte("x"))

	bc.mu.Lock()
	tier := bc.byID[1].tier
	bc.mu.Unlock()

	if tier != blockCacheTierCold {
		t.Fatalf("freshly inserted entry tier = %d, want cold (%d)", tier, blockCacheTierCold)
	}

	// Cold -> warm -> hot takes two hits.
	bc.get(1)
	bc.get(1)

	bc.mu.Lock()
	tier = bc.byID[1].tier
	bc.mu.Unlock()

	if tier != blockCacheTierHot {
		t.Fatalf("tier after two hits = %d, want hot (%d)", tier, blockCacheTierHot)
	}
}

func Test_BlockCache_Evicts_Least_Recently_Used_When_Tier_Over_Budget(t *testing.T) {
	// A tiny capacity budget forces the cold tier's small budget to be
	// exceeded after a couple of puts, evicting the oldest entry.
	bc := newBlockCache(30, 0, nil) // cold tier budget = 60% of 30 = 18 bytes

	bc.put(1, make([]byte, 10))
	bc.put(2, make([]byte, 10))

	if _, ok := bc.get(1); ok {
		t.Fatalf("get(1) found after it should have been evicted for over-budget cold tier")
	}

	if _, ok := bc.get(2); !ok {
		t.Fatalf("get(2) not found, want the most recently inserted entry to survive")
	}
}
