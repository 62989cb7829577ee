package melange

import "sync"

// ObjectID is a 64-bit nonzero identifier, stable for the lifetime of the
// keyspace entry (leaf or out-of-line value) it labels (spec.md §3).
type ObjectID uint64

// CollectionID identifies a keyspace ("tree"). Two ids are reserved, per
// spec.md §3: the name->id mapping collection and the default collection.
type CollectionID uint64

const (
	// NameMappingCollectionID is the reserved collection that stores the
	// name -> CollectionID bindings used by Db.OpenTree.
	NameMappingCollectionID CollectionID = 1
	// DefaultCollectionID is the reserved default keyspace.
	DefaultCollectionID CollectionID = 2
	// firstUserCollectionID is the first id handed out to a newly created
	// named tree.
	firstUserCollectionID CollectionID = 3
)

// idAllocator hands out ObjectIDs and CollectionIDs, reusing freed ids only
// after a quiescence barrier (spec.md §3's "Lifecycles": "reuse deferred
// until a full epoch boundary passes"). No id-allocator library exists
// anywhere in the retrieved pack, so this is a small stdlib free-list,
// matching the complexity of a similar id allocator already in the teacher
// repo's internal/store package before that package's ticket-specific
// pieces were trimmed (DESIGN.md).
type idAllocator struct {
	mu sync.Mutex

	next ObjectID // next never-used id

	// pendingFree holds ids freed during an epoch not yet committed; they
	// graduate into free once that epoch commits (see commitEpoch).
	pendingFree map[uint64][]ObjectID // epoch -> ids freed in that epoch
	free        []ObjectID
}

func newIDAllocator() *idAllocator {
	return &idAllocator{
		next:        1,
		pendingFree: make(map[uint64][]ObjectID),
	}
}

// allocate returns a fresh id, preferring a previously-freed-and-committed
// id over growing the id space, matching spec.md §3's "Object-id: ...
// Assigned by an allocator that reuses freed ids after a quiescence
// barrier."
func (a *idAllocator) allocate() ObjectID {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]

		return id
	}

	id := a.next
	a.next++

	return id
}

// deferFree marks id as freed as of epoch (the epoch the freeing write —
// e.g. a leaf merge — belongs to). The id becomes available for reuse only
// once that epoch commits, via commitEpoch.
func (a *idAllocator) deferFree(id ObjectID, epoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pendingFree[epoch] = append(a.pendingFree[epoch], id)
}

// commitEpoch graduates every id deferred-freed in epoch into the reusable
// free list.
func (a *idAllocator) commitEpoch(epoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids, ok := a.pendingFree[epoch]
	if !ok {
		return
	}

	delete(a.pendingFree, epoch)
	a.free = append(a.free, ids...)
}

// observe ensures subsequent allocations never collide with an id already
// known to be in use (used during metadata-log recovery, where ids may have
// been allocated in a prior process lifetime).
func (a *idAllocator) observe(id ObjectID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id >= a.next {
		a.next = id + 1
	}
}
