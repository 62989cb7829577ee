package melange

import (
	"container/list"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// objectCacheShardCount matches locationMapShardCount: both are sharded on
// the same object-id space, and keeping the shard counts equal is not
// required for correctness but keeps the two structures' lock contention
// profiles comparable.
const objectCacheShardCount = 64

// evictionMargin is how far over budget the cache is allowed to drift
// before evictBudget is invoked, avoiding evicting on every single insert
// once the budget is reached.
const evictionMargin = 1.05

// cacheEntry is one cached leaf plus its own reader/writer lock (spec.md
// §4.F: "Concurrency: per-leaf reader/writer lock").
type cacheEntry struct {
	mu   sync.RWMutex
	leaf *Leaf

	// dirtyEpoch is the epoch this leaf's current unflushed mutations
	// belong to, or 0 if clean. Guarded by mu.
	dirtyEpoch uint64

	// lruElem is this entry's node in the cache's clean-LRU list, or nil
	// while the entry is dirty (dirty leaves are never eviction
	// candidates) or while it is not yet tracked. Guarded by the cache's
	// lruMu, not mu.
	lruElem *list.Element
}

// objectCache is the central orchestrator named in spec.md §4.F: it owns
// every loaded leaf, serves reads and writes, and runs the flush protocol.
// Grounded on the teacher's sharded-map idiom (pkg/slotcache's shard-by-key
// concurrency model) and golang.org/x/sync, used the same way the
// retrieved lotusdb example uses errgroup for its parallel value-log
// flush, for this cache's parallel leaf-serialization stage and
// single-flight leaf loading.
type objectCache struct {
	opts Options

	shards [objectCacheShardCount]struct {
		mu sync.Mutex
		m  map[ObjectID]*cacheEntry
	}

	lruMu sync.Mutex
	lru   *list.List // of *cacheEntry, front = most recently used

	usedBytes atomic.Int64
	budget    int64

	loadGroup singleflight.Group

	heap       *heap
	metadata   *metadataStore
	locations  *locationMap
	index      *index
	blockCache *blockCache
	epochs     *epochTracker
	ids        *idAllocator
	codec      Codec
	codecByte  byte

	// scheduler feeds the adaptive flush-delay computation (spec.md
	// §4.I). It is nil in tests that wire an objectCache directly without
	// a running [Db]; recordWrite/noteFlushed calls are no-ops then.
	scheduler *flushScheduler

	// dirtyMu guards dirtyByEpoch, the per-epoch dirty leaf set the flush
	// protocol's step 3 collects from.
	dirtyMu     sync.Mutex
	dirtyByEpoch map[uint64]map[ObjectID]struct{}

	stickyMu sync.Mutex
	sticky   error

	closed atomic.Bool
}

func newObjectCache(opts Options, h *heap, md *metadataStore, loc *locationMap, idx *index, bc *blockCache, epochs *epochTracker, ids *idAllocator, codec Codec, codecByte byte) *objectCache {
	entryBudget := opts.CacheCapacityBytes * uint64(100-opts.EntryCachePercent) / 100
	if entryBudget == 0 {
		entryBudget = opts.CacheCapacityBytes
	}

	oc := &objectCache{
		opts:         opts,
		lru:          list.New(),
		budget:       int64(entryBudget),
		heap:         h,
		metadata:     md,
		locations:    loc,
		index:        idx,
		blockCache:   bc,
		epochs:       epochs,
		ids:          ids,
		codec:        codec,
		codecByte:    codecByte,
		dirtyByEpoch: make(map[uint64]map[ObjectID]struct{}),
	}

	for i := range oc.shards {
		oc.shards[i].m = make(map[ObjectID]*cacheEntry)
	}

	return oc
}

// recordWrite feeds one write of n bytes to the scheduler's EWMA inputs,
// if a scheduler has been attached (see [Db.openLocked]).
func (oc *objectCache) recordWrite(n int) {
	if oc.scheduler != nil {
		oc.scheduler.recordWrite(n)
	}
}

// noteFlushed resets the scheduler's dirty-bytes counter after a
// successful flush, if a scheduler has been attached.
func (oc *objectCache) noteFlushed() {
	if oc.scheduler != nil {
		oc.scheduler.noteFlushed()
	}
}

func (oc *objectCache) shardFor(id ObjectID) *struct {
	mu sync.Mutex
	m  map[ObjectID]*cacheEntry
} {
	return &oc.shards[uint64(id)%objectCacheShardCount]
}

func (oc *objectCache) checkSticky() error {
	oc.stickyMu.Lock()
	defer oc.stickyMu.Unlock()

	if oc.sticky != nil {
		return &stickyFailure{cause: oc.sticky}
	}

	return nil
}

func (oc *objectCache) setSticky(err error) {
	oc.stickyMu.Lock()
	defer oc.stickyMu.Unlock()

	if oc.sticky == nil {
		oc.sticky = err
	}
}

// get performs a Tree.Get, per spec.md §4.F: "Readers hold a read lock
// plus an epoch guard."
func (oc *objectCache) get(collection CollectionID, key []byte) ([]byte, bool, error) {
	if err := oc.checkSticky(); err != nil {
		return nil, false, err
	}

	objectID, ok := oc.index.lookup(collection, key)
	if !ok {
		return nil, false, nil
	}

	entry, err := oc.getOrLoad(objectID)
	if err != nil {
		return nil, false, err
	}

	guard := oc.epochs.acquireGuard()
	defer guard.Release()

	entry.mu.RLock()
	value, found := entry.leaf.Get(key)
	entry.mu.RUnlock()

	oc.touchLRU(entry)

	if found {
		return append([]byte(nil), value...), true, nil
	}

	return nil, false, nil
}

// insert performs a Tree.Insert, splitting the leaf if it grows past
// LeafFanout (spec.md §4.D split_if_full, invoked from the write path as
// the natural place to check it).
func (oc *objectCache) insert(collection CollectionID, key, value []byte) ([]byte, error) {
	if err := oc.checkSticky(); err != nil {
		return nil, err
	}

	objectID, ok := oc.index.lookup(collection, key)
	if !ok {
		return nil, fmt.Errorf("no leaf routes key in collection %d: %w", collection, ErrCorruption)
	}

	entry, err := oc.getOrLoad(objectID)
	if err != nil {
		return nil, err
	}

	guard := oc.epochs.acquireGuard()
	defer guard.Release()

	entry.mu.Lock()
	prior, hadPrior := entry.leaf.Insert(key, value, guard.Epoch())
	_ = hadPrior
	oc.markDirtyLocked(entry, guard.Epoch())

	var newRight *Leaf
	if right, split := entry.leaf.splitIfFull(LeafFanout, 0, guard.Epoch()); split {
		newRight = right
	}

	entry.mu.Unlock()

	if newRight != nil {
		if err := oc.installSplitRight(collection, objectID, newRight, guard.Epoch()); err != nil {
			return nil, err
		}
	}

	oc.untrackLRU(entry)
	oc.recordWrite(len(key) + len(value))

	return prior, nil
}

// installSplitRight allocates a fresh object-id for a split-off right
// sibling, installs it as a new cache entry (dirty, so it is itself
// picked up by the next flush), and adds its routing entry to the index.
func (oc *objectCache) installSplitRight(collection CollectionID, leftID ObjectID, right *Leaf, epoch uint64) error {
	rightID := oc.ids.allocate()
	right.id = rightID

	entry := &cacheEntry{leaf: right, dirtyEpoch: epoch}

	shard := oc.shardFor(rightID)
	shard.mu.Lock()
	shard.m[rightID] = entry
	shard.mu.Unlock()

	oc.markDirtyLocked(entry, epoch)

	oc.index.insert(indexKey{collection: collection, lowKey: right.lowKey}, rightID)

	return nil
}

// remove performs a Tree.Remove.
func (oc *objectCache) remove(collection CollectionID, key []byte) ([]byte, error) {
	if err := oc.checkSticky(); err != nil {
		return nil, err
	}

	objectID, ok := oc.index.lookup(collection, key)
	if !ok {
		return nil, nil
	}

	entry, err := oc.getOrLoad(objectID)
	if err != nil {
		return nil, err
	}

	guard := oc.epochs.acquireGuard()
	defer guard.Release()

	entry.mu.Lock()
	prior, hadPrior := entry.leaf.Remove(key, guard.Epoch())
	if hadPrior {
		oc.markDirtyLocked(entry, guard.Epoch())
	}
	entry.mu.Unlock()

	if hadPrior {
		oc.untrackLRU(entry)
		oc.recordWrite(len(key))
		oc.mergeIfUnderfull(collection, entry, guard.Epoch())
	}

	return prior, nil
}

// leafMergeThreshold is the under-full trigger for spec.md §4.D
// merge_with: a leaf with fewer than a quarter of LeafFanout live keys is a
// merge candidate, the conventional B-tree rebalance threshold.
const leafMergeThreshold = LeafFanout / 4

// mergeIfUnderfull folds entry's right sibling into entry when entry has
// dropped below leafMergeThreshold live keys, freeing the sibling's
// object-id (deferred until the merging epoch commits) and removing its
// index entry.
func (oc *objectCache) mergeIfUnderfull(collection CollectionID, entry *cacheEntry, epoch uint64) {
	entry.mu.RLock()
	size := entry.leaf.Len()
	lowKey := entry.leaf.lowKey
	entry.mu.RUnlock()

	if size >= leafMergeThreshold {
		return
	}

	sibling, ok := oc.index.nextEntry(collection, lowKey)
	if !ok {
		return // entry is the last leaf in its collection; nothing to merge with
	}

	rightEntry, err := oc.getOrLoad(sibling.objectID)
	if err != nil {
		return // best-effort: a load failure here just skips this merge opportunity
	}

	// Lock in a fixed order (lower object-id first) to avoid deadlocking
	// against a concurrent merge attempt on the same pair from the other
	// direction.
	first, second := entry, rightEntry
	if rightEntry.leaf.id < entry.leaf.id {
		first, second = rightEntry, entry
	}

	first.mu.Lock()
	second.mu.Lock()

	entry.leaf.mergeWith(rightEntry.leaf, epoch)
	oc.markDirtyLocked(entry, epoch)

	second.mu.Unlock()
	first.mu.Unlock()

	oc.index.remove(sibling.key)

	shard := oc.shardFor(sibling.objectID)
	shard.mu.Lock()
	delete(shard.m, sibling.objectID)
	shard.mu.Unlock()

	oc.untrackLRU(rightEntry)
	oc.blockCache.invalidate(sibling.objectID)

	if !rightEntry.leaf.baseAddr.isZero() {
		oc.heap.free(rightEntry.leaf.baseAddr, epoch)
	}

	oc.ids.deferFree(sibling.objectID, epoch)
}

// markDirtyLocked records entry's object-id under the guard's epoch so
// the next flush's step 3 can find it. Caller must hold entry.mu.
func (oc *objectCache) markDirtyLocked(entry *cacheEntry, epoch uint64) {
	entry.dirtyEpoch = epoch

	oc.dirtyMu.Lock()
	set, ok := oc.dirtyByEpoch[epoch]
	if !ok {
		set = make(map[ObjectID]struct{})
		oc.dirtyByEpoch[epoch] = set
	}
	set[entry.leaf.id] = struct{}{}
	oc.dirtyMu.Unlock()
}

// getOrLoad returns the cache entry for objectID, loading it from the
// block cache / heap on miss. Concurrent misses for the same id collapse
// into one deserialization via singleflight (spec.md §4.F Loading).
func (oc *objectCache) getOrLoad(objectID ObjectID) (*cacheEntry, error) {
	shard := oc.shardFor(objectID)

	shard.mu.Lock()
	if e, ok := shard.m[objectID]; ok {
		shard.mu.Unlock()

		return e, nil
	}
	shard.mu.Unlock()

	key := strconv.FormatUint(uint64(objectID), 10)

	v, err, _ := oc.loadGroup.Do(key, func() (any, error) {
		// Re-check after winning the single-flight race: another loader
		// may have installed it while we waited to be elected leader.
		shard.mu.Lock()
		if e, ok := shard.m[objectID]; ok {
			shard.mu.Unlock()

			return e, nil
		}
		shard.mu.Unlock()

		leaf, err := oc.loadLeaf(objectID)
		if err != nil {
			return nil, err
		}

		entry := &cacheEntry{leaf: leaf}

		shard.mu.Lock()
		shard.m[objectID] = entry
		shard.mu.Unlock()

		oc.usedBytes.Add(int64(leaf.sizeBytes()))
		oc.trackLRU(entry)

		if err := oc.evictOrFlush(); err != nil {
			return nil, err
		}

		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*cacheEntry), nil
}

// loadLeaf reads objectID's bytes via the block cache (falling back to the
// heap on miss) and deserializes it, coalescing an incremental delta chain
// against its base full page if necessary (spec.md §4.D).
func (oc *objectCache) loadLeaf(objectID ObjectID) (*Leaf, error) {
	addr, ok := oc.locations.get(objectID)
	if !ok {
		return nil, fmt.Errorf("object %d has no known location: %w", objectID, ErrCorruption)
	}

	return oc.loadLeafAt(objectID, addr, 0)
}

// loadLeafAt reads and decodes the page at addr, following at most
// maxDeltaChainLength base-page hops before giving up (spec.md §4.D's
// bounded delta chain).
func (oc *objectCache) loadLeafAt(objectID ObjectID, addr SlabAddress, depth int) (*Leaf, error) {
	if depth > maxDeltaChainLength {
		return nil, fmt.Errorf("object %d: delta chain exceeds bound: %w", objectID, ErrCorruption)
	}

	hdr, compressed, err := oc.readPage(addr)
	if err != nil {
		return nil, err
	}

	algo, err := codecFromKindByte(hdr.Codec)
	if err != nil {
		return nil, err
	}

	codec, err := newCodec(algo, oc.opts.ZstdCompressionLevel)
	if err != nil {
		return nil, err
	}

	payload, err := codec.Decompress(nil, compressed, -1)
	if err != nil {
		return nil, fmt.Errorf("decompressing object %d: %w", objectID, err)
	}

	switch hdr.Kind {
	case pageKindFullLeaf:
		leaf, err := deserializeFullPayload(objectID, payload)
		if err != nil {
			return nil, err
		}

		leaf.baseAddr = addr
		leaf.compression = oc.opts.CompressionAlgorithm
		leaf.refreshBloom(oc.opts.BloomFalsePositiveRate)

		return leaf, nil

	case pageKindIncrementalDelta:
		baseAddr, delta, err := decodeIncrementalDelta(payload)
		if err != nil {
			return nil, err
		}

		base, err := oc.loadLeafAt(objectID, baseAddr, depth+1)
		if err != nil {
			return nil, err
		}

		applyDelta(base, delta)
		base.baseAddr = addr
		base.deltaChainLen = depth + 1
		base.refreshBloom(oc.opts.BloomFalsePositiveRate)

		return base, nil

	default:
		return nil, fmt.Errorf("object %d: unexpected page kind %s as leaf root: %w", objectID, hdr.Kind, ErrCorruption)
	}
}

// readPage fetches addr's decoded page header and (still-compressed)
// payload through the block cache. The cache stores header+payload
// (trailer-less, since heap.read already validated both CRCs); a hit
// re-decodes just the small fixed-size header rather than re-reading from
// disk.
func (oc *objectCache) readPage(addr SlabAddress) (pageHeader, []byte, error) {
	cacheKey := ObjectID(uint64(addr.SlabID)<<48 | uint64(addr.Slot))

	if data, ok := oc.blockCache.get(cacheKey); ok {
		hdr, err := decodePageHeader(data[:pageHeaderSize])
		if err != nil {
			return pageHeader{}, nil, err
		}

		return hdr, data[pageHeaderSize:], nil
	}

	hdr, payload, err := oc.heap.read(addr)
	if err != nil {
		return pageHeader{}, nil, err
	}

	cached := make([]byte, 0, pageHeaderSize+len(payload))
	cached = append(cached, encodePageHeader(hdr)...)
	cached = append(cached, payload...)

	oc.blockCache.put(cacheKey, cached)

	return hdr, payload, nil
}

func (oc *objectCache) trackLRU(entry *cacheEntry) {
	oc.lruMu.Lock()
	entry.lruElem = oc.lru.PushFront(entry)
	oc.lruMu.Unlock()
}

func (oc *objectCache) touchLRU(entry *cacheEntry) {
	oc.lruMu.Lock()
	if entry.lruElem != nil {
		oc.lru.MoveToFront(entry.lruElem)
	}
	oc.lruMu.Unlock()
}

// untrackLRU removes entry from the clean-LRU list: it is now dirty and
// must never be picked for eviction (spec.md §4.F: "Dirty leaves are never
// evicted").
func (oc *objectCache) untrackLRU(entry *cacheEntry) {
	oc.lruMu.Lock()
	if entry.lruElem != nil {
		oc.lru.Remove(entry.lruElem)
		entry.lruElem = nil
	}
	oc.lruMu.Unlock()
}

// evictIfNeeded evicts least-recently-used clean leaves until the cache is
// back under budget. It returns [ErrCacheFull] if it runs out of clean
// candidates while still over budget; the caller is expected to force a
// flush and retry (spec.md §4.F Eviction: "if all candidates are dirty,
// eviction forces a flush first").
func (oc *objectCache) evictIfNeeded() error {
	if oc.budget <= 0 || oc.usedBytes.Load() <= int64(float64(oc.budget)*evictionMargin) {
		return nil
	}

	for oc.usedBytes.Load() > oc.budget {
		oc.lruMu.Lock()
		back := oc.lru.Back()
		if back == nil {
			oc.lruMu.Unlock()

			return ErrCacheFull // nothing clean left to evict
		}

		entry := back.Value.(*cacheEntry)
		oc.lru.Remove(back)
		entry.lruElem = nil
		oc.lruMu.Unlock()

		entry.mu.RLock()
		size := entry.leaf.sizeBytes()
		id := entry.leaf.id
		entry.mu.RUnlock()

		shard := oc.shardFor(id)
		shard.mu.Lock()
		delete(shard.m, id)
		shard.mu.Unlock()

		oc.blockCache.invalidate(id)
		oc.usedBytes.Add(-int64(size))
	}

	return nil
}

// evictOrFlush calls evictIfNeeded, and if every cache resident turns out
// to be dirty, forces an immediate flush (which turns flushed entries back
// into clean eviction candidates) and retries once before giving up with
// [ErrCacheFull].
func (oc *objectCache) evictOrFlush() error {
	err := oc.evictIfNeeded()
	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrCacheFull) {
		return err
	}

	if _, flushErr := oc.flush(); flushErr != nil {
		return flushErr
	}

	return oc.evictIfNeeded()
}

// flushResult summarizes one flush cycle, mostly useful for tests and
// operator diagnostics.
type flushResult struct {
	Epoch        uint64
	LeavesFlushed int
}

// flush runs the nine-step protocol in spec.md §4.F verbatim. A failure in
// steps 4-6 aborts the flush, re-merges the snapshotted dirty state back
// into the next epoch, and latches a sticky failure for future writes.
func (oc *objectCache) flush() (flushResult, error) {
	sealed := oc.epochs.sealAndAdvance()
	oc.epochs.awaitDrain(sealed)

	oc.dirtyMu.Lock()
	dirtySet := oc.dirtyByEpoch[sealed.epoch]
	delete(oc.dirtyByEpoch, sealed.epoch)
	oc.dirtyMu.Unlock()

	if len(dirtySet) == 0 {
		oc.epochs.markCommitted(sealed)

		return flushResult{Epoch: sealed.epoch}, nil
	}

	ids := make([]ObjectID, 0, len(dirtySet))
	for id := range dirtySet {
		ids = append(ids, id)
	}

	entries := make([]*cacheEntry, 0, len(ids))
	for _, id := range ids {
		shard := oc.shardFor(id)
		shard.mu.Lock()
		e := shard.m[id]
		shard.mu.Unlock()

		if e != nil {
			entries = append(entries, e)
		}
	}

	snapshots := make([]*Leaf, len(entries))

	for i, e := range entries {
		e.mu.Lock()
		snapshots[i] = e.leaf.snapshotForFlush()
		e.mu.Unlock()
	}

	type serialized struct {
		id            ObjectID
		kind          pageKind
		page          []byte
		newBaseAddr   bool // true: this snapshot becomes its own new base
		deltaChainLen int
		freedRight    ObjectID // nonzero if this flush also frees a merged-away sibling
	}

	results := make([]serialized, len(snapshots))

	g := new(errgroup.Group)
	g.SetLimit(oc.opts.FlushThreadCount)

	for i, snap := range snapshots {
		i, snap := i, snap

		g.Go(func() error {
			page, kind, newDeltaLen, err := oc.serializeSnapshot(snap)
			if err != nil {
				return err
			}

			results[i] = serialized{id: snap.id, kind: kind, page: page, deltaChainLen: newDeltaLen}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		oc.reabsorbAfterFailure(entries, snapshots, sealed.epoch+1)
		oc.setSticky(err)

		return flushResult{}, &stickyFailure{cause: err}
	}

	reqs := make([]heapWriteRequest, len(results))
	for i, r := range results {
		reqs[i] = heapWriteRequest{Kind: r.kind, Payload: r.page}
	}

	addrs, err := oc.heap.writeBatch(reqs)
	if err != nil {
		oc.reabsorbAfterFailure(entries, snapshots, sealed.epoch+1)
		oc.setSticky(err)

		return flushResult{}, &stickyFailure{cause: err}
	}

	records := make([]metaRecord, len(results))
	for i, r := range results {
		records[i] = metaRecord{Tag: metaTagSet, ObjectID: uint64(r.id), Epoch: sealed.epoch, SlabID: addrs[i].SlabID, Slot: addrs[i].Slot}
	}

	if err := oc.metadata.appendBatch(records); err != nil {
		oc.reabsorbAfterFailure(entries, snapshots, sealed.epoch+1)
		oc.setSticky(err)

		return flushResult{}, &stickyFailure{cause: err}
	}

	oldAddrs := make([]SlabAddress, len(results))

	for i, r := range results {
		old, had := oc.locations.set(r.id, addrs[i])
		if had {
			oldAddrs[i] = old
		}

		oc.blockCache.invalidate(r.id)

		entry := entries[i]

		entry.mu.Lock()
		entry.leaf.baseAddr = addrs[i]
		entry.leaf.deltaChainLen = r.deltaChainLen

		if r.kind == pageKindFullLeaf {
			entry.leaf.refreshBloom(oc.opts.BloomFalsePositiveRate)
		}

		if entry.dirtyEpoch == sealed.epoch {
			entry.dirtyEpoch = 0
			oc.trackLRU(entry)
		}

		entry.mu.Unlock()
	}

	for i, old := range oldAddrs {
		if !old.isZero() {
			oc.heap.free(old, sealed.epoch)
		}

		_ = i
	}

	oc.epochs.markCommitted(sealed)
	oc.epochs.pruneCommittedBefore(sealed.epoch)
	oc.heap.commitEpoch(sealed.epoch)
	oc.ids.commitEpoch(sealed.epoch)
	oc.noteFlushed()

	return flushResult{Epoch: sealed.epoch, LeavesFlushed: len(results)}, nil
}

// reabsorbAfterFailure merges a failed flush's snapshotted dirty state back
// into nextEpoch so no write is lost (spec.md §4.F: "the dirty markers are
// re-merged into the next epoch, leaving readers unaffected").
func (oc *objectCache) reabsorbAfterFailure(entries []*cacheEntry, snapshots []*Leaf, nextEpoch uint64) {
	for i, entry := range entries {
		snap := snapshots[i]

		entry.mu.Lock()

		for k, v := range snap.dirty {
			if _, already := entry.leaf.dirty[k]; !already {
				entry.leaf.dirty[k] = v
			}
		}

		oc.markDirtyLocked(entry, nextEpoch)
		entry.mu.Unlock()
	}
}

// serializeSnapshot applies spec.md §4.D's full-vs-incremental rule to an
// already-captured, lock-free leaf snapshot and returns its encoded page.
func (oc *objectCache) serializeSnapshot(snap *Leaf) ([]byte, pageKind, int, error) {
	fullPayload := snap.serializeFullPayload()

	if snap.shouldSerializeIncremental(len(fullPayload), oc.opts.IncrementalSerializationThreshold) {
		payload := snap.serializeIncrementalPayload()
		compressed := oc.codec.Compress(nil, payload)
		page := encodePage(pageKindIncrementalDelta, oc.codecByte, 0, compressed)

		return page, pageKindIncrementalDelta, snap.deltaChainLen + 1, nil
	}

	compressed := oc.codec.Compress(nil, fullPayload)
	page := encodePage(pageKindFullLeaf, oc.codecByte, 0, compressed)

	return page, pageKindFullLeaf, 0, nil
}

// runGC applies spec.md §4.A's maybe_gc to every heap size class in turn,
// relocating live slots below targetFillRatio and fixing up the location
// map, any resident cache entries, and the metadata log to match (spec.md
// §8 S6: "insert 10000 keys; delete 9000; force GC; heap file shrinks").
func (oc *objectCache) runGC(targetFillRatio float64) error {
	for class := range heapSizeClasses {
		if err := oc.gcClass(class, targetFillRatio); err != nil {
			return err
		}
	}

	return nil
}

// gcClass compacts one size class and durably records every relocation
// before returning, so a crash immediately after GC still recovers the
// post-compaction addresses.
func (oc *objectCache) gcClass(class int, targetFillRatio float64) error {
	snapshot := oc.locations.snapshot()

	ownerOf := make(map[SlabAddress]ObjectID)
	live := make([]SlabAddress, 0)

	for id, addr := range snapshot {
		if int(addr.SlabID) != class {
			continue
		}

		live = append(live, addr)
		ownerOf[addr] = id
	}

	relocations, err := oc.heap.maybeGC(class, targetFillRatio, live)
	if err != nil {
		return err
	}

	if len(relocations) == 0 {
		return nil
	}

	epoch := oc.epochs.currentEpoch()
	records := make([]metaRecord, 0, len(relocations))

	for _, r := range relocations {
		id, ok := ownerOf[r.Old]
		if !ok {
			continue // not ours to own (already relocated, or index is stale)
		}

		oc.locations.set(id, r.New)
		oc.blockCache.invalidate(id)

		shard := oc.shardFor(id)
		shard.mu.Lock()
		entry := shard.m[id]
		shard.mu.Unlock()

		if entry != nil {
			entry.mu.Lock()
			if entry.leaf.baseAddr == r.Old {
				entry.leaf.baseAddr = r.New
			}
			entry.mu.Unlock()
		}

		records = append(records, metaRecord{Tag: metaTagSet, ObjectID: uint64(id), Epoch: epoch, SlabID: r.New.SlabID, Slot: r.New.Slot})
	}

	return oc.metadata.appendBatch(records)
}

func (oc *objectCache) close() {
	oc.closed.Store(true)
}
