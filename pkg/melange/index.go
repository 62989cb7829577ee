package melange

import (
	"bytes"
	"sort"
	"sync"
)

// indexKey is the composite (collection-id || low-key) key spec.md §3
// describes: "a process-wide ordered map low-key -> leaf-handle, shared
// across all collections via composite keys".
type indexKey struct {
	collection CollectionID
	lowKey     []byte
}

// less orders first by collection, then by low-key, so every collection's
// leaves occupy a contiguous run within the single shared index.
func (k indexKey) less(other indexKey) bool {
	if k.collection != other.collection {
		return k.collection < other.collection
	}

	return bytes.Compare(k.lowKey, other.lowKey) < 0
}

// indexEntry is one routing entry: a low-key and the object-id of the leaf
// it routes to. The index holds shared references (object-ids); the object
// cache exclusively owns the leaves themselves (spec.md §3 "Ownership").
type indexEntry struct {
	key      indexKey
	objectID ObjectID
}

// index is the process-wide ordered map described in spec.md §3/§4. It is
// a sorted-slice implementation guarded by a single RWMutex: entries change
// only on split (insert) and merge (remove), both comparatively rare next
// to the read-heavy lookup path, so a plain stdlib sorted slice with binary
// search (no off-the-shelf ordered-map/skip-list/B-tree library appears
// anywhere in the retrieved pack) is the simplest correct structure
// (DESIGN.md). Splits/merges take the write lock only for the O(log n)
// insertion-point search plus an O(n) slice splice.
type index struct {
	mu      sync.RWMutex
	entries []indexEntry // kept sorted by indexKey.less
}

func newIndex() *index {
	return &index{}
}

// insert adds a new routing entry (called when a leaf is created by split,
// or when a collection's first leaf is created). Panics if an entry with an
// identical key already exists, since that would indicate a split computed
// a low-key that collides with an existing leaf — a programming error, not
// a runtime condition callers need to recover from.
func (ix *index) insert(key indexKey, objectID ObjectID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	i := ix.search(key)
	if i < len(ix.entries) && !ix.entries[i].key.less(key) && !key.less(ix.entries[i].key) {
		panic("melange: index: duplicate low-key on insert")
	}

	ix.entries = append(ix.entries, indexEntry{})
	copy(ix.entries[i+1:], ix.entries[i:])
	ix.entries[i] = indexEntry{key: key, objectID: objectID}
}

// remove deletes the routing entry for key (called on merge, once the
// freeing epoch commits).
func (ix *index) remove(key indexKey) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	i := ix.search(key)
	if i >= len(ix.entries) || ix.entries[i].key.less(key) || key.less(ix.entries[i].key) {
		return
	}

	ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
}

// lookup returns the object-id of the active leaf for key k in collection:
// "the entry whose low-key is the greatest <= K within K's collection"
// (spec.md §3).
func (ix *index) lookup(collection CollectionID, k []byte) (ObjectID, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	target := indexKey{collection: collection, lowKey: k}

	i := ix.search(target)

	// search returns the first entry >= target. We want the greatest entry
	// <= target, so step back one unless we landed exactly on target.
	if i < len(ix.entries) && !ix.entries[i].key.less(target) && !target.less(ix.entries[i].key) {
		return ix.entries[i].objectID, true
	}

	i--
	if i < 0 || ix.entries[i].key.collection != collection {
		return 0, false
	}

	return ix.entries[i].objectID, true
}

// rangeLowKeys returns, in order, the low-keys of every leaf in collection
// whose range can overlap [lo, hi). hi == nil means "no upper bound".
// Used by Tree.Range to walk leaves in order.
func (ix *index) rangeLowKeys(collection CollectionID, lo, hi []byte) []indexEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	// Find the leaf owning lo: the greatest entry in this collection whose
	// low-key is <= lo (same rule as lookup), then walk forward.
	start := ix.search(indexKey{collection: collection, lowKey: lo})
	if start >= len(ix.entries) || ix.entries[start].key.collection != collection || bytes.Compare(ix.entries[start].key.lowKey, lo) != 0 {
		start--
	}

	if start < 0 || start >= len(ix.entries) || ix.entries[start].key.collection != collection {
		start++
	}

	var out []indexEntry

	for i := start; i < len(ix.entries); i++ {
		e := ix.entries[i]
		if e.key.collection != collection {
			break
		}

		if hi != nil && bytes.Compare(e.key.lowKey, hi) >= 0 {
			break
		}

		out = append(out, e)
	}

	return out
}

// nextEntry returns the routing entry immediately after key within
// collection, used by the object cache to find a leaf's right sibling for
// merge (spec.md §4.D merge_with).
func (ix *index) nextEntry(collection CollectionID, key []byte) (indexEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	target := indexKey{collection: collection, lowKey: key}
	i := ix.search(target)

	if i < len(ix.entries) && !ix.entries[i].key.less(target) && !target.less(ix.entries[i].key) {
		i++ // landed exactly on key; the sibling is the next entry
	}

	if i >= len(ix.entries) || ix.entries[i].key.collection != collection {
		return indexEntry{}, false
	}

	return ix.entries[i], true
}

// search returns the index of the first entry >= key, via binary search
// over the sorted slice (sort.Search, stdlib).
func (ix *index) search(key indexKey) int {
	return sort.Search(len(ix.entries), func(i int) bool {
		return !ix.entries[i].key.less(key)
	})
}
