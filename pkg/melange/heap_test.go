package melange

import (
	"testing"

	"github.com/melange-db/melange/pkg/fs"
)

func openTestHeap(t *testing.T) *heap {
	t.Helper()

	dir := t.TempDir()

	h, err := openHeap(dir, fs.NewReal())
	if err != nil {
		t.Fatalf("openHeap: %v", err)
	}

	t.Cleanup(func() { _ = h.close() })

	return h
}

func Test_Heap_WriteBatch_Then_Read_RoundTrips(t *testing.T) {
	h := openTestHeap(t)

	payload := []byte("hello leaf payload")
	page := encodePage(pageKindFullLeaf, 0, 0, payload)

	addrs, err := h.writeBatch([]heapWriteRequest{{Kind: pageKindFullLeaf, Payload: page}})
	if err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	if len(addrs) != 1 {
		t.Fatalf("writeBatch returned %d addresses, want 1", len(addrs))
	}

	hdr, got, err := h.read(addrs[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if hdr.Kind != pageKindFullLeaf {
		t.Fatalf("read hdr.Kind = %v, want pageKindFullLeaf", hdr.Kind)
	}

	if string(got) != string(payload) {
		t.Fatalf("read payload = %q, want %q", got, payload)
	}
}

func Test_Heap_WriteBatch_Picks_Smallest_Fitting_Class(t *testing.T) {
	h := openTestHeap(t)

	small := encodePage(pageKindFullLeaf, 0, 0, make([]byte, 10))
	big := encodePage(pageKindFullLeaf, 0, 0, make([]byte, 2000))

	addrs, err := h.writeBatch([]heapWriteRequest{
		{Kind: pageKindFullLeaf, Payload: small},
		{Kind: pageKindFullLeaf, Payload: big},
	})
	if err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	if addrs[0].SlabID == addrs[1].SlabID {
		t.Fatalf("small and big payloads landed in the same size class %d", addrs[0].SlabID)
	}

	wantSmall, _ := classFor(len(small))
	wantBig, _ := classFor(len(big))

	if int(addrs[0].SlabID) != wantSmall {
		t.Fatalf("small payload class = %d, want %d", addrs[0].SlabID, wantSmall)
	}

	if int(addrs[1].SlabID) != wantBig {
		t.Fatalf("big payload class = %d, want %d", addrs[1].SlabID, wantBig)
	}
}

func Test_Heap_WriteBatch_Rejects_Payload_Larger_Than_Largest_Class(t *testing.T) {
	h := openTestHeap(t)

	huge := make([]byte, heapSizeClasses[len(heapSizeClasses)-1]+1)

	_, err := h.writeBatch([]heapWriteRequest{{Kind: pageKindFullLeaf, Payload: huge}})
	if err == nil {
		t.Fatalf("writeBatch with oversized payload: want error, got nil")
	}
}

func Test_Heap_Free_Defers_Reclaim_Until_CommitEpoch(t *testing.T) {
	h := openTestHeap(t)

	page := encodePage(pageKindFullLeaf, 0, 0, []byte("payload"))

	addrs, err := h.writeBatch([]heapWriteRequest{{Kind: pageKindFullLeaf, Payload: page}})
	if err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	addr := addrs[0]
	class := int(addr.SlabID)

	before := h.fillRatio(class)

	h.free(addr, 7)

	if got := h.fillRatio(class); got != before {
		t.Fatalf("fillRatio before commitEpoch = %v, want unchanged %v", got, before)
	}

	h.commitEpoch(7)

	if got := h.fillRatio(class); got >= before {
		t.Fatalf("fillRatio after commitEpoch = %v, want lower than %v", got, before)
	}

	// The freed slot must be reused by the next write in that class rather
	// than growing the file.
	next, err := h.writeBatch([]heapWriteRequest{{Kind: pageKindFullLeaf, Payload: page}})
	if err != nil {
		t.Fatalf("writeBatch after commitEpoch: %v", err)
	}

	if next[0].Slot != addr.Slot {
		t.Fatalf("writeBatch after commitEpoch reused slot %d, want freed slot %d", next[0].Slot, addr.Slot)
	}
}

func Test_Heap_Read_Rejects_Stale_Generation(t *testing.T) {
	h := openTestHeap(t)

	page := encodePage(pageKindFullLeaf, 0, 0, []byte("x"))

	addrs, err := h.writeBatch([]heapWriteRequest{{Kind: pageKindFullLeaf, Payload: page}})
	if err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	stale := addrs[0]
	stale.Generation++

	if _, _, err := h.read(stale); err == nil {
		t.Fatalf("read with stale generation: want error, got nil")
	}
}

func Test_Heap_MaybeGC_Compacts_And_Bumps_Generation_Below_Target_Fill(t *testing.T) {
	h := openTestHeap(t)

	page := func(s string) []byte { return encodePage(pageKindFullLeaf, 0, 0, []byte(s)) }

	var addrs []SlabAddress
	for i := 0; i < 4; i++ {
		got, err := h.writeBatch([]heapWriteRequest{{Kind: pageKindFullLeaf, Payload: page("p")}})
		if err != nil {
			t.Fatalf("writeBatch: %v", err)
		}

		addrs = append(addrs, got[0])
	}

	class := int(addrs[0].SlabID)

	// Free 3 of 4 slots and commit, leaving a 25% fill ratio.
	for _, a := range addrs[:3] {
		h.free(a, 1)
	}

	h.commitEpoch(1)

	live := []SlabAddress{addrs[3]}

	relocations, err := h.maybeGC(class, 0.5, live)
	if err != nil {
		t.Fatalf("maybeGC: %v", err)
	}

	if len(relocations) != 1 {
		t.Fatalf("maybeGC returned %d relocations, want 1", len(relocations))
	}

	reloc := relocations[0]
	if reloc.Old != addrs[3] {
		t.Fatalf("relocation.Old = %+v, want %+v", reloc.Old, addrs[3])
	}

	if reloc.New.Generation != addrs[3].Generation+1 {
		t.Fatalf("relocation.New.Generation = %d, want %d", reloc.New.Generation, addrs[3].Generation+1)
	}

	if reloc.New.Slot != 0 {
		t.Fatalf("relocation.New.Slot = %d, want 0 (compacted to front)", reloc.New.Slot)
	}

	// Old address is now stale; new address reads the same payload.
	if _, _, err := h.read(reloc.Old); err == nil {
		t.Fatalf("read(old address) after gc: want error, got nil")
	}

	_, got, err := h.read(reloc.New)
	if err != nil {
		t.Fatalf("read(new address) after gc: %v", err)
	}

	if string(got) != "p" {
		t.Fatalf("read(new address) payload = %q, want %q", got, "p")
	}
}

func Test_Heap_MaybeGC_NoOp_Above_Target_Fill(t *testing.T) {
	h := openTestHeap(t)

	page := encodePage(pageKindFullLeaf, 0, 0, []byte("p"))

	addrs, err := h.writeBatch([]heapWriteRequest{{Kind: pageKindFullLeaf, Payload: page}})
	if err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	class := int(addrs[0].SlabID)

	relocations, err := h.maybeGC(class, 0.5, addrs)
	if err != nil {
		t.Fatalf("maybeGC: %v", err)
	}

	if relocations != nil {
		t.Fatalf("maybeGC at full fill ratio returned %d relocations, want none", len(relocations))
	}
}

func Test_Heap_Reopen_Recovers_SlotCount(t *testing.T) {
	dir := t.TempDir()
	fsys := fs.NewReal()

	h1, err := openHeap(dir, fsys)
	if err != nil {
		t.Fatalf("openHeap: %v", err)
	}

	page := encodePage(pageKindFullLeaf, 0, 0, []byte("payload"))

	addrs, err := h1.writeBatch([]heapWriteRequest{{Kind: pageKindFullLeaf, Payload: page}})
	if err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	addr := addrs[0]

	if err := h1.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	h2, err := openHeap(dir, fsys)
	if err != nil {
		t.Fatalf("reopen openHeap: %v", err)
	}
	defer h2.close()

	_, got, err := h2.read(addr)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}

	if string(got) != "payload" {
		t.Fatalf("read after reopen = %q, want %q", got, "payload")
	}

	// A fresh write after reopen must not collide with the recovered slot.
	more, err := h2.writeBatch([]heapWriteRequest{{Kind: pageKindFullLeaf, Payload: page}})
	if err != nil {
		t.Fatalf("writeBatch after reopen: %v", err)
	}

	if more[0].Slot == addr.Slot {
		t.Fatalf("writeBatch after reopen reused live slot %d", addr.Slot)
	}
}

func Test_Heap_Stats_Reports_FillRatio_And_GCCount(t *testing.T) {
	h := openTestHeap(t)

	reqs := make([]heapWriteRequest, 4)
	for i := range reqs {
		reqs[i] = heapWriteRequest{Kind: pageKindFullLeaf, Payload: encodePage(pageKindFullLeaf, 0, 0, []byte("x"))}
	}

	addrs, err := h.writeBatch(reqs)
	if err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	class := int(addrs[0].SlabID)

	stats := h.Stats()[class]
	if stats.SlotCount != 4 || stats.FillRatio != 1 {
		t.Fatalf("stats after 4 live writes = %+v, want SlotCount=4 FillRatio=1", stats)
	}

	if stats.GCCount != 0 {
		t.Fatalf("GCCount before any maybeGC call = %d, want 0", stats.GCCount)
	}

	// Only the first address stays live; maybeGC should compact the other
	// three away and bump the generation.
	if _, err := h.maybeGC(class, 0.95, addrs[:1]); err != nil {
		t.Fatalf("maybeGC: %v", err)
	}

	after := h.Stats()[class]
	if after.GCCount != 1 {
		t.Fatalf("GCCount after one compaction = %d, want 1", after.GCCount)
	}

	if after.SlotCount != 1 {
		t.Fatalf("SlotCount after compacting to 1 live address = %d, want 1", after.SlotCount)
	}

	if after.FreeSlots != 0 {
		t.Fatalf("FreeSlots right after compaction = %d, want 0", after.FreeSlots)
	}
}
