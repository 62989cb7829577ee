package melange

import (
	"sync"
)

// SlabAddress is a pointer into the heap: a size-classed slab file and a
// slot within it (spec.md §3).
type SlabAddress struct {
	SlabID     uint16
	Slot       uint32
	Generation uint64 // slab generation at the time this address was issued
}

func (a SlabAddress) isZero() bool {
	return a == SlabAddress{}
}

// locationMapShardCount is the number of independent shards the location
// mapper splits its keyspace across, trading a little memory for
// significantly less lock contention under concurrent flush/read traffic —
// the same sharded-map idiom the teacher uses for its cross-process file
// registry (pkg/slotcache's fileRegistry in cache.go), generalized here to
// an in-process object-id keyspace. No specialized concurrent map library
// exists anywhere in the retrieved pack, so this is a deliberately simple
// stdlib construction (DESIGN.md).
const locationMapShardCount = 64

// locationMap is the in-memory, concurrent, epoch-consistent
// object-id -> slab-address index described in spec.md §4.C. Open's
// recovery, the flusher and the GC pass (gcClass) mutate it; reads happen
// on every cache miss.
type locationMap struct {
	shards [locationMapShardCount]locationMapShard
}

type locationMapShard struct {
	mu sync.RWMutex
	m  map[ObjectID]SlabAddress
}

func newLocationMap() *locationMap {
	lm := &locationMap{}
	for i := range lm.shards {
		lm.shards[i].m = make(map[ObjectID]SlabAddress)
	}

	return lm
}

func (lm *locationMap) shardFor(id ObjectID) *locationMapShard {
	return &lm.shards[uint64(id)%locationMapShardCount]
}

func (lm *locationMap) get(id ObjectID) (SlabAddress, bool) {
	s := lm.shardFor(id)

	s.mu.RLock()
	defer s.mu.RUnlock()

	addr, ok := s.m[id]

	return addr, ok
}

// set installs a new address for id, atomically per-key, and returns the
// previous address (if any) so the caller (the flusher) can schedule it for
// deferred-free in the heap. This is the "lock-free per-key swap" from the
// flush protocol in spec.md §4.F step 7 — implemented with a narrow
// per-shard mutex rather than literal lock-free CAS, since Go has no atomic
// map-slot primitive; the critical section is O(1) and uncontended from
// readers (readers take RLock only).
func (lm *locationMap) set(id ObjectID, addr SlabAddress) (prev SlabAddress, hadPrev bool) {
	s := lm.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hadPrev = s.m[id]
	s.m[id] = addr

	return prev, hadPrev
}

// remove deletes id's entry (object-id freed on merge) and returns its last
// known address so it too can be deferred-freed.
func (lm *locationMap) remove(id ObjectID) (prev SlabAddress, hadPrev bool) {
	s := lm.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hadPrev = s.m[id]
	delete(s.m, id)

	return prev, hadPrev
}

// loadAll copies entries into the location map without taking shard locks.
// Open's recovery does not use it; it installs recovered entries with set.
func (lm *locationMap) loadAll(entries map[ObjectID]SlabAddress) {
	for id, addr := range entries {
		lm.shardFor(id).m[id] = addr
	}
}

// snapshot returns a copy of the full map, used by the GC pass (gcClass).
func (lm *locationMap) snapshot() map[ObjectID]SlabAddress {
	out := make(map[ObjectID]SlabAddress)

	for i := range lm.shards {
		s := &lm.shards[i]

		s.mu.RLock()
		for id, addr := range s.m {
			out[id] = addr
		}
		s.mu.RUnlock()
	}

	return out
}
