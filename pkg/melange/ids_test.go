package melange

import "testing"

func Test_IDAllocator_Allocate_Never_Returns_Zero_Or_Duplicate(t *testing.T) {
	a := newIDAllocator()
	seen := make(map[ObjectID]bool)

	for i := 0; i < 100; i++ {
		id := a.allocate()

		if id == 0 {
			t.Fatalf("allocate() returned zero id")
		}

		if seen[id] {
			t.Fatalf("allocate() returned duplicate id %d", id)
		}

		seen[id] = true
	}
}

func Test_IDAllocator_DeferFree_Not_Reusable_Until_Epoch_Commits(t *testing.T) {
	a := newIDAllocator()
	id := a.allocate()

	a.deferFree(id, 5)

	next := a.allocate()
	if next == id {
		t.Fatalf("allocate() reused a deferred-free id before its epoch committed")
	}

	a.commitEpoch(5)

	reused := a.allocate()
	if reused != id {
		t.Fatalf("allocate() after commitEpoch = %d, want reused id %d", reused, id)
	}
}

func Test_IDAllocator_Observe_Prevents_Future_Collisions(t *testing.T) {
	a := newIDAllocator()

	a.observe(50)

	if got := a.allocate(); got <= 50 {
		t.Fatalf("allocate() after observe(50) = %d, want > 50", got)
	}
}

func Test_IDAllocator_Observe_Ignores_Lower_Ids(t *testing.T) {
	a := newIDAllocator()

	a.observe(50)
	a.observe(10) // should not roll next backward

	if got := a.allocate(); got <= 50 {
		t.Fatalf("allocate() after observe(50) then observe(10) = %d, want > 50", got)
	}
}
