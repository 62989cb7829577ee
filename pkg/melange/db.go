package melange

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/melange-db/melange/pkg/fs"
)

// Db is an open database directory (spec.md §6: "open(config) -> Db —
// opens or recovers"). Db owns every shared subsystem and hands out thin
// [Tree] handles to collaborators, the same "Db value owns [the atomic
// fields] and hands out Arc-like shared handles" shape spec.md §9
// prescribes for the source's global-mutable-state pattern.
type Db struct {
	opts Options
	fsys fs.FS
	dir  string

	dirLock *directoryLock

	heap      *heap
	metadata  *metadataStore
	locations *locationMap
	index     *index
	block     *blockCache
	epochs    *epochTracker
	ids       *idAllocator
	cache     *objectCache
	scheduler *flushScheduler

	codec     Codec
	codecByte byte

	collectionMu     sync.Mutex
	nextCollectionID CollectionID

	closed atomic.Bool
}

// Open opens or recovers the database at opts.Path (spec.md §6).
func Open(opts Options) (*Db, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	fsys := fs.NewReal()

	if err := fsys.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", ErrIo)
	}

	dirLock, err := acquireDirectoryLock(fsys, opts.Path)
	if err != nil {
		return nil, err
	}

	db, err := openLocked(opts, fsys, dirLock)
	if err != nil {
		_ = dirLock.release()

		return nil, err
	}

	return db, nil
}

func openLocked(opts Options, fsys fs.FS, dirLock *directoryLock) (*Db, error) {
	h, err := openHeap(opts.Path, fsys)
	if err != nil {
		return nil, err
	}

	md, recovered, err := openMetadataStore(opts.Path, fsys)
	if err != nil {
		_ = h.close()

		return nil, err
	}

	codec, err := newCodec(opts.CompressionAlgorithm, opts.ZstdCompressionLevel)
	if err != nil {
		return nil, err
	}

	locations := newLocationMap()
	ids := newIDAllocator()
	idx := newIndex()

	for id, addr := range recovered.Locations {
		if sf, ok := h.files[int(addr.SlabID)]; ok {
			addr.Generation = sf.header.Generation
		}

		locations.set(id, addr)
		ids.observe(id)
	}

	db := &Db{
		opts:             opts,
		fsys:             fsys,
		dir:              opts.Path,
		dirLock:          dirLock,
		heap:             h,
		metadata:         md,
		locations:        locations,
		index:            idx,
		epochs:           newEpochTracker(),
		ids:              ids,
		codec:            codec,
		codecByte:        codecKindByte(opts.CompressionAlgorithm),
		nextCollectionID: firstUserCollectionID,
	}

	prefetchWindow := 0
	blockBudget := int(opts.CacheCapacityBytes) * opts.EntryCachePercent / 100
	db.block = newBlockCache(blockBudget, prefetchWindow, nil)

	db.cache = newObjectCache(opts, h, md, locations, idx, db.block, db.epochs, ids, codec, db.codecByte)

	if len(recovered.Locations) == 0 {
		db.bootstrapFreshDatabase()
	} else {
		if err := db.rebuildIndex(recovered.Locations); err != nil {
			return nil, err
		}

		db.adoptNextCollectionID()

		if err := db.warmup(context.Background(), recovered.Locations); err != nil {
			return nil, err
		}
	}

	db.scheduler = newFlushScheduler(opts.SmartFlush)
	db.cache.scheduler = db.scheduler

	if opts.flushTickInterval() > 0 {
		db.scheduler.run(func() {
			if _, err := db.cache.flush(); err != nil && opts.Logger != nil {
				opts.Logger("melange: background flush failed: %v", err)
			}
		})
	}

	return db, nil
}

// bootstrapFreshDatabase creates the two reserved collections' root leaves
// for a brand-new database directory (spec.md §3's reserved collection
// ids).
func (db *Db) bootstrapFreshDatabase() {
	db.bootstrapCollectionRoot(NameMappingCollectionID)
	db.bootstrapCollectionRoot(DefaultCollectionID)
}

func (db *Db) bootstrapCollectionRoot(collection CollectionID) {
	id := db.ids.allocate()
	leaf := newLeaf(id, collection, nil)

	epoch := db.epochs.currentEpoch()

	entry := &cacheEntry{leaf: leaf, dirtyEpoch: epoch}

	shard := db.cache.shardFor(id)
	shard.mu.Lock()
	shard.m[id] = entry
	shard.mu.Unlock()

	db.cache.markDirtyLocked(entry, epoch)
	db.index.insert(indexKey{collection: collection, lowKey: nil}, id)
}

// rebuildIndex replays every recovered leaf's root page just far enough to
// learn its (collection, low-key) routing, without coalescing its
// incremental delta chain (that happens lazily on first access via
// [objectCache.loadLeaf]).
func (db *Db) rebuildIndex(locations map[ObjectID]SlabAddress) error {
	for id, addr := range locations {
		collection, lowKey, isLeafRoot, err := db.readLeafRouting(addr)
		if err != nil {
			return err
		}

		if !isLeafRoot {
			continue // an out-of-line value blob, not a routed leaf
		}

		db.index.insert(indexKey{collection: collection, lowKey: lowKey}, id)
	}

	return nil
}

// readLeafRouting decodes just enough of the page at addr to learn its
// logical routing key, without deserializing the full key/value map.
func (db *Db) readLeafRouting(addr SlabAddress) (CollectionID, []byte, bool, error) {
	hdr, compressed, err := db.heap.read(addr)
	if err != nil {
		return 0, nil, false, err
	}

	if hdr.Kind == pageKindOutOfLineValue {
		return 0, nil, false, nil
	}

	algo, err := codecFromKindByte(hdr.Codec)
	if err != nil {
		return 0, nil, false, err
	}

	codec, err := newCodec(algo, db.opts.ZstdCompressionLevel)
	if err != nil {
		return 0, nil, false, err
	}

	payload, err := codec.Decompress(nil, compressed, -1)
	if err != nil {
		return 0, nil, false, fmt.Errorf("decompressing leaf root: %w", err)
	}

	switch hdr.Kind {
	case pageKindFullLeaf:
		if len(payload) < 16 {
			return 0, nil, false, fmt.Errorf("full leaf payload truncated: %w", ErrCorruption)
		}

		collection := CollectionID(binary.BigEndian.Uint64(payload[0:8]))

		lowKey, _, err := getBytes(payload[16:])
		if err != nil {
			return 0, nil, false, err
		}

		return collection, lowKey, true, nil

	case pageKindIncrementalDelta:
		_, delta, err := decodeIncrementalDelta(payload)
		if err != nil {
			return 0, nil, false, err
		}

		return delta.collection, delta.lowKey, true, nil

	default:
		return 0, nil, false, fmt.Errorf("unexpected page kind %s: %w", hdr.Kind, ErrCorruption)
	}
}

// adoptNextCollectionID scans the name-mapping collection's current root
// for the highest assigned collection-id, so a reopened database keeps
// assigning fresh ones rather than colliding with existing trees. This is
// a best-effort scan over the in-memory leaf once loaded lazily; since the
// name-mapping collection is typically small, it is loaded eagerly here.
func (db *Db) adoptNextCollectionID() {
	db.nextCollectionID = firstUserCollectionID

	entry, err := db.cache.getOrLoad(db.nameMappingRootID())
	if err != nil {
		return
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	for _, e := range entry.leaf.entries {
		if len(e.value) != 8 {
			continue
		}

		id := CollectionID(binary.BigEndian.Uint64(e.value))
		if id >= db.nextCollectionID {
			db.nextCollectionID = id + 1
		}
	}
}

func (db *Db) nameMappingRootID() ObjectID {
	id, ok := db.index.lookup(NameMappingCollectionID, nil)
	if !ok {
		panic("melange: name-mapping collection has no root leaf")
	}

	return id
}

// OpenTree resolves name to a [Tree], creating a fresh collection (and its
// root leaf) if name has never been used before (spec.md §6 Db::open_tree).
func (db *Db) OpenTree(name string) (*Tree, error) {
	if db.closed.Load() {
		return nil, ErrShutdown
	}

	nameKey := []byte(name)

	if raw, found, err := db.cache.get(NameMappingCollectionID, nameKey); err != nil {
		return nil, err
	} else if found {
		return &Tree{db: db, collection: CollectionID(binary.BigEndian.Uint64(raw))}, nil
	}

	db.collectionMu.Lock()
	defer db.collectionMu.Unlock()

	// Re-check under collectionMu: another goroutine may have created this
	// tree while we were waiting for the lock.
	if raw, found, err := db.cache.get(NameMappingCollectionID, nameKey); err != nil {
		return nil, err
	} else if found {
		return &Tree{db: db, collection: CollectionID(binary.BigEndian.Uint64(raw))}, nil
	}

	collection := db.nextCollectionID
	db.nextCollectionID++

	var encoded [8]byte
	binary.BigEndian.PutUint64(encoded[:], uint64(collection))

	if _, err := db.cache.insert(NameMappingCollectionID, nameKey, encoded[:]); err != nil {
		return nil, err
	}

	db.bootstrapCollectionRoot(collection)

	return &Tree{db: db, collection: collection}, nil
}

// Close flushes any remaining dirty state, stops the background flusher,
// and releases the directory lock. Only the first call does any work;
// subsequent calls are no-ops that return nil.
func (db *Db) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	if db.scheduler != nil {
		db.scheduler.close()
	}

	_, flushErr := db.cache.flush()

	db.cache.close()

	heapErr := db.heap.close()
	metaErr := db.metadata.close()
	lockErr := db.dirLock.release()

	for _, err := range []error{flushErr, heapErr, metaErr, lockErr} {
		if err != nil {
			return err
		}
	}

	return nil
}

// warmup primes the cache at Open according to opts.CacheWarmupStrategy
// (spec.md §6's cache_warmup_strategy option; see SPEC_FULL.md's
// "Supplemented features"). WarmupNone and WarmupRecent need no extra
// work here: the location map is already fully primed from the metadata
// log's tail by the unconditional replay above. WarmupHot additionally
// loads leaves into the object cache up to its entry budget; WarmupFull
// loads every recovered leaf regardless of budget.
func (db *Db) warmup(ctx context.Context, recovered map[ObjectID]SlabAddress) error {
	switch db.opts.CacheWarmupStrategy {
	case WarmupHot:
		return db.warmupLeaves(ctx, recovered, db.cache.budget)
	case WarmupFull:
		return db.warmupLeaves(ctx, recovered, -1)
	default:
		return nil
	}
}

func (db *Db) warmupLeaves(ctx context.Context, recovered map[ObjectID]SlabAddress, byteBudget int64) error {
	for id := range recovered {
		if err := ctx.Err(); err != nil {
			return err
		}

		if byteBudget >= 0 && db.cache.usedBytes.Load() >= byteBudget {
			return nil
		}

		if _, err := db.cache.getOrLoad(id); err != nil {
			return err
		}
	}

	return nil
}

// GC forces an out-of-band compaction pass over every heap size class
// below opts.TargetHeapFileFillRatio (spec.md §4.A maybe_gc, spec.md §8
// S6). Safe to call concurrently with reads and writes; it holds each
// slab file's own mutex only for the duration of that slab's rewrite.
func (db *Db) GC() error {
	return db.cache.runGC(db.opts.TargetHeapFileFillRatio)
}

// HeapStats returns a read-only snapshot of the heap's allocator
// statistics, one entry per size class (SPEC_FULL.md's "Supplemented
// features": Heap.Stats() from original_source/src/alloc.rs).
func (db *Db) HeapStats() []HeapClassStats {
	return db.heap.Stats()
}
