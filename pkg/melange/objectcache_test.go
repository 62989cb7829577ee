package melange

import (
	"errors"
	"fmt"
	"testing"

	"github.com/melange-db/melange/pkg/fs"
)

// newTestObjectCache wires up every collaborator an objectCache needs,
// bootstraps a single empty root leaf for collection 1, and returns both the
// cache and that leaf's object-id.
func newTestObjectCache(t *testing.T, opts Options) (*objectCache, ObjectID) {
	t.Helper()

	dir := t.TempDir()
	fsys := fs.NewReal()

	h, err := openHeap(dir, fsys)
	if err != nil {
		t.Fatalf("openHeap: %v", err)
	}
	t.Cleanup(func() { _ = h.close() })

	md, _, err := openMetadataStore(dir, fsys)
	if err != nil {
		t.Fatalf("openMetadataStore: %v", err)
	}
	t.Cleanup(func() { _ = md.close() })

	loc := newLocationMap()
	idx := newIndex()
	epochs := newEpochTracker()
	ids := newIDAllocator()
	bc := newBlockCache(int(opts.CacheCapacityBytes), 0, nil)

	codec, err := newCodec(opts.CompressionAlgorithm, opts.ZstdCompressionLevel)
	if err != nil {
		t.Fatalf("newCodec: %v", err)
	}

	codecByte := codecKindByte(opts.CompressionAlgorithm)

	oc := newObjectCache(opts, h, md, loc, idx, bc, epochs, ids, codec, codecByte)

	rootID := ids.allocate()
	root := newLeaf(rootID, 1, nil)

	entry := &cacheEntry{leaf: root}
	shard := oc.shardFor(rootID)
	shard.mu.Lock()
	shard.m[rootID] = entry
	shard.mu.Unlock()

	idx.insert(indexKey{collection: 1, lowKey: nil}, rootID)

	return oc, rootID
}

func testOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.CompressionAlgorithm = CompressionNone
	opts.FlushThreadCount = 2

	return opts
}

func Test_ObjectCache_Insert_Then_Get_RoundTrips(t *testing.T) {
	oc, _ := newTestObjectCache(t, testOptions(t.TempDir()))

	if _, err := oc.insert(1, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok, err := oc.get(1, []byte("k1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if !ok || string(got) != "v1" {
		t.Fatalf("get = (%q, %v), want (\"v1\", true)", got, ok)
	}
}

func Test_ObjectCache_Insert_Returns_Prior_Value(t *testing.T) {
	oc, _ := newTestObjectCache(t, testOptions(t.TempDir()))

	if _, err := oc.insert(1, []byte("k"), []byte("first")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	prior, err := oc.insert(1, []byte("k"), []byte("second"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if string(prior) != "first" {
		t.Fatalf("insert prior = %q, want %q", prior, "first")
	}
}

func Test_ObjectCache_Remove_Drops_Key(t *testing.T) {
	oc, _ := newTestObjectCache(t, testOptions(t.TempDir()))

	if _, err := oc.insert(1, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	prior, err := oc.remove(1, []byte("k"))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	if string(prior) != "v" {
		t.Fatalf("remove prior = %q, want %q", prior, "v")
	}

	_, ok, err := oc.get(1, []byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if ok {
		t.Fatalf("get after remove found a value")
	}
}

func Test_ObjectCache_Flush_Persists_Leaf_To_Heap_And_Metadata(t *testing.T) {
	oc, rootID := newTestObjectCache(t, testOptions(t.TempDir()))

	if _, err := oc.insert(1, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, err := oc.flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}

	if result.LeavesFlushed != 1 {
		t.Fatalf("flush LeavesFlushed = %d, want 1", result.LeavesFlushed)
	}

	addr, ok := oc.locations.get(rootID)
	if !ok {
		t.Fatalf("locations.get(%d) after flush: not found", rootID)
	}

	hdr, _, err := oc.heap.read(addr)
	if err != nil {
		t.Fatalf("heap.read after flush: %v", err)
	}

	if hdr.Kind != pageKindFullLeaf {
		t.Fatalf("flushed page kind = %v, want pageKindFullLeaf", hdr.Kind)
	}
}

func Test_ObjectCache_Flush_With_No_Dirty_Leaves_Is_A_NoOp(t *testing.T) {
	oc, _ := newTestObjectCache(t, testOptions(t.TempDir()))

	result, err := oc.flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}

	if result.LeavesFlushed != 0 {
		t.Fatalf("flush with nothing dirty flushed %d leaves, want 0", result.LeavesFlushed)
	}
}

func Test_ObjectCache_Get_After_Flush_Reloads_From_Heap(t *testing.T) {
	oc, rootID := newTestObjectCache(t, testOptions(t.TempDir()))

	if _, err := oc.insert(1, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := oc.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Evict the cache entry to force a reload through loadLeaf.
	shard := oc.shardFor(rootID)
	shard.mu.Lock()
	delete(shard.m, rootID)
	shard.mu.Unlock()
	oc.blockCache.invalidate(rootID)

	got, ok, err := oc.get(1, []byte("k"))
	if err != nil {
		t.Fatalf("get after eviction: %v", err)
	}

	if !ok || string(got) != "v" {
		t.Fatalf("get after reload = (%q, %v), want (\"v\", true)", got, ok)
	}
}

func Test_ObjectCache_Insert_Splits_When_Over_Fanout(t *testing.T) {
	oc, rootID := newTestObjectCache(t, testOptions(t.TempDir()))

	for i := 0; i < LeafFanout+10; i++ {
		key := []byte{byte(i >> 8), byte(i)}

		if _, err := oc.insert(1, key, []byte("v")); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	entries := oc.index.rangeLowKeys(1, nil, nil)
	if len(entries) < 2 {
		t.Fatalf("index has %d entries after overflowing fanout, want >= 2 (split should have occurred)", len(entries))
	}

	found := false
	for _, e := range entries {
		if e.objectID == rootID {
			found = true
		}
	}

	if !found {
		t.Fatalf("original root object-id %d missing from index after split", rootID)
	}
}

func Test_ObjectCache_EvictOrFlush_Flushes_Dirty_Leaf_Then_Evicts_It(t *testing.T) {
	oc, rootID := newTestObjectCache(t, testOptions(t.TempDir()))

	if _, err := oc.insert(1, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	shard := oc.shardFor(rootID)
	shard.mu.Lock()
	entry := shard.m[rootID]
	shard.mu.Unlock()

	entry.mu.RLock()
	size := int64(entry.leaf.sizeBytes())
	entry.mu.RUnlock()

	// Make the only resident leaf (dirty, so not LRU-evictable) look as if
	// it alone exceeds the budget.
	oc.budget = size - 1
	oc.usedBytes.Store(size)

	if err := oc.evictIfNeeded(); !errors.Is(err, ErrCacheFull) {
		t.Fatalf("evictIfNeeded with only a dirty leaf resident = %v, want ErrCacheFull", err)
	}

	if err := oc.evictOrFlush(); err != nil {
		t.Fatalf("evictOrFlush: %v", err)
	}

	if oc.usedBytes.Load() > oc.budget {
		t.Fatalf("usedBytes = %d after evictOrFlush, want <= budget %d", oc.usedBytes.Load(), oc.budget)
	}

	shard.mu.Lock()
	_, stillResident := shard.m[rootID]
	shard.mu.Unlock()

	if stillResident {
		t.Fatalf("root entry still resident after evictOrFlush forced a flush and evicted it")
	}
}

func Test_ObjectCache_Insert_And_Flush_Drive_Attached_Scheduler(t *testing.T) {
	oc, _ := newTestObjectCache(t, testOptions(t.TempDir()))
	oc.scheduler = newFlushScheduler(DefaultSmartFlushOptions())

	if _, err := oc.insert(1, []byte("k"), []byte("value")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if oc.scheduler.dirtyBytes.Load() == 0 {
		t.Fatalf("scheduler dirtyBytes = 0 after insert, want > 0 (recordWrite should fire on every write)")
	}

	if _, err := oc.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if oc.scheduler.dirtyBytes.Load() != 0 {
		t.Fatalf("scheduler dirtyBytes = %d after flush, want 0 (noteFlushed should fire on every flush)", oc.scheduler.dirtyBytes.Load())
	}
}

func Test_ObjectCache_RunGC_Compacts_Underfull_Class_And_Preserves_Reads(t *testing.T) {
	oc, _ := newTestObjectCache(t, testOptions(t.TempDir()))

	const n = 10

	ids := make([]ObjectID, n)
	reqs := make([]heapWriteRequest, n)

	for i := 0; i < n; i++ {
		ids[i] = oc.ids.allocate()
		payload := encodePage(pageKindFullLeaf, oc.codecByte, 0, []byte(fmt.Sprintf("obj-%d", i)))
		reqs[i] = heapWriteRequest{Kind: pageKindFullLeaf, Payload: payload}
	}

	addrs, err := oc.heap.writeBatch(reqs)
	if err != nil {
		t.Fatalf("writeBatch: %v", err)
	}

	for i, id := range ids {
		oc.locations.set(id, addrs[i])
	}

	// Only the last object stays live; the rest are dropped from the
	// location map the way a batch of merges/overwrites would leave them
	// behind, without ever calling heap.free on their old slots directly.
	survivor := ids[n-1]

	for _, id := range ids[:n-1] {
		oc.locations.remove(id)
	}

	class := int(addrs[n-1].SlabID)
	before := oc.heap.Stats()[class]

	if err := oc.runGC(0.95); err != nil {
		t.Fatalf("runGC: %v", err)
	}

	after := oc.heap.Stats()[class]

	if after.GCCount != before.GCCount+1 {
		t.Fatalf("class %d GCCount = %d, want %d (one compaction)", class, after.GCCount, before.GCCount+1)
	}

	if after.SlotCount >= before.SlotCount {
		t.Fatalf("class %d SlotCount = %d after GC, want < %d", class, after.SlotCount, before.SlotCount)
	}

	newAddr, ok := oc.locations.get(survivor)
	if !ok {
		t.Fatalf("locations.get(survivor) after GC: not found")
	}

	_, payload, err := oc.heap.read(newAddr)
	if err != nil {
		t.Fatalf("heap.read at relocated address: %v", err)
	}

	want := fmt.Sprintf("obj-%d", n-1)
	if string(payload) != want {
		t.Fatalf("payload after GC = %q, want %q", payload, want)
	}
}

func Test_ObjectCache_Sticky_Failure_Rejects_Future_Writes(t *testing.T) {
	oc, _ := newTestObjectCache(t, testOptions(t.TempDir()))

	oc.setSticky(ErrIo)

	if _, err := oc.insert(1, []byte("k"), []byte("v")); err == nil {
		t.Fatalf("insert after sticky failure: want error, got nil")
	}

	if _, _, err := oc.get(1, []byte("k")); err == nil {
		t.Fatalf("get after sticky failure: want error, got nil")
	}
}
