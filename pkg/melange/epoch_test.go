package melange

import (
	"testing"
	"time"
)

func Test_EpochTracker_SealAndAdvance_Advances_Current(t *testing.T) {
	tr := newEpochTracker()

	if got := tr.currentEpoch(); got != 1 {
		t.Fatalf("currentEpoch() = %d, want 1", got)
	}

	sealed := tr.sealAndAdvance()

	if sealed.epoch != 1 {
		t.Fatalf("sealed.epoch = %d, want 1", sealed.epoch)
	}

	if got := tr.currentEpoch(); got != 2 {
		t.Fatalf("currentEpoch() after seal = %d, want 2", got)
	}
}

func Test_EpochTracker_AwaitDrain_Blocks_Until_Guards_Released(t *testing.T) {
	tr := newEpochTracker()

	g := tr.acquireGuard()

	sealed := tr.sealAndAdvance()

	drained := make(chan struct{})

	go func() {
		tr.awaitDrain(sealed)
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatalf("awaitDrain returned before the outstanding guard was released")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatalf("awaitDrain did not return after guard release")
	}
}

func Test_EpochTracker_AwaitDrain_Returns_Immediately_With_No_Guards(t *testing.T) {
	tr := newEpochTracker()

	sealed := tr.sealAndAdvance()

	done := make(chan struct{})

	go func() {
		tr.awaitDrain(sealed)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("awaitDrain blocked with no outstanding guards")
	}
}

func Test_Guard_Release_Is_Idempotent(t *testing.T) {
	tr := newEpochTracker()
	g := tr.acquireGuard()

	g.Release()
	g.Release() // must not panic or double-decrement
}

func Test_EpochTracker_MarkCommitted_Then_IsCommitted(t *testing.T) {
	tr := newEpochTracker()

	sealed := tr.sealAndAdvance()
	tr.awaitDrain(sealed)

	if tr.isCommitted(sealed.epoch) {
		t.Fatalf("isCommitted before markCommitted = true, want false")
	}

	tr.markCommitted(sealed)

	if !tr.isCommitted(sealed.epoch) {
		t.Fatalf("isCommitted after markCommitted = false, want true")
	}
}

func Test_EpochTracker_IsCommitted_True_For_Pruned_Epoch(t *testing.T) {
	tr := newEpochTracker()

	sealed := tr.sealAndAdvance()
	tr.awaitDrain(sealed)
	tr.markCommitted(sealed)

	tr.pruneCommittedBefore(sealed.epoch + 1)

	if !tr.isCommitted(sealed.epoch) {
		t.Fatalf("isCommitted for pruned epoch = false, want true (treated as long-committed)")
	}
}

func Test_EpochTracker_AcquireGuard_After_Seal_Gets_New_Epoch(t *testing.T) {
	tr := newEpochTracker()

	sealed := tr.sealAndAdvance()

	g := tr.acquireGuard()
	defer g.Release()

	if g.Epoch() == sealed.epoch {
		t.Fatalf("guard acquired after seal got the sealed epoch %d", sealed.epoch)
	}
}
