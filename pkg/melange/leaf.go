package melange

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// maxDeltaChainLength is the bound named in spec.md §4.D: "The chain length
// before mandatory full rewrite is bounded (e.g., <= 8)."
const maxDeltaChainLength = 8

// serializeMode selects between the two shapes spec.md §4.D defines.
type serializeMode int

const (
	serializeFull serializeMode = iota
	serializeIncremental
)

// leafEntry is one live key/value pair in a leaf's sorted map.
type leafEntry struct {
	key   []byte
	value []byte
}

// dirtyMark records a pending change to one key since the leaf's last
// successful flush: either a new/updated value, or a tombstone (value ==
// nil, tombstone == true) for a removed key. spec.md §3's leaf invariant
// (ii) "dirty-key set subset-of current keys union tombstones" is
// maintained by construction: every write path updates both l.entries and
// l.dirty together.
type dirtyMark struct {
	value     []byte
	tombstone bool
}

// Leaf is the unit of caching, locking, and flushing (spec.md §3/§4.D).
//
// Leaf itself holds no lock: per spec.md §4.F, the per-leaf reader/writer
// lock is owned by the object cache's cache entry wrapping this Leaf, not
// by Leaf. Callers must hold that lock (or otherwise guarantee exclusivity)
// before calling any mutating method.
type Leaf struct {
	id         ObjectID
	collection CollectionID
	lowKey     []byte // immutable after creation (spec.md §3 invariant)

	entries []leafEntry // sorted by key, live keys only

	dirty map[string]dirtyMark // keyed by string(key)

	maxUnflushedEpoch uint64

	bloom *leafBloom

	// baseAddr (including its slab Generation) identifies the page this leaf's next
	// incremental delta would chain against, and deltaChainLen counts how
	// many deltas have accumulated against it since the last full
	// rewrite (spec.md §4.D).
	baseAddr      SlabAddress
	deltaChainLen int

	compression CompressionAlgorithm
}

// newLeaf constructs an empty leaf for id, routed at lowKey within
// collection.
func newLeaf(id ObjectID, collection CollectionID, lowKey []byte) *Leaf {
	return &Leaf{
		id:         id,
		collection: collection,
		lowKey:     append([]byte(nil), lowKey...),
		dirty:      make(map[string]dirtyMark),
	}
}

// Len returns the number of live keys.
func (l *Leaf) Len() int { return len(l.entries) }

// sizeBytes estimates the leaf's resident byte size, used by the object
// cache's eviction budget (spec.md §4.F).
func (l *Leaf) sizeBytes() int {
	n := len(l.lowKey)
	for _, e := range l.entries {
		n += len(e.key) + len(e.value)
	}

	return n
}

func (l *Leaf) search(key []byte) int {
	return sort.Search(len(l.entries), func(i int) bool {
		return bytes.Compare(l.entries[i].key, key) >= 0
	})
}

// Get performs the O(log n) lookup, consulting the Bloom filter first for
// an early-negative (spec.md §4.D).
func (l *Leaf) Get(key []byte) ([]byte, bool) {
	if l.bloom != nil && !l.bloom.maybeContains(key) {
		return nil, false
	}

	i := l.search(key)
	if i < len(l.entries) && bytes.Equal(l.entries[i].key, key) {
		return l.entries[i].value, true
	}

	return nil, false
}

// Insert adds or overwrites key, marking it dirty, and returns the prior
// value if any.
func (l *Leaf) Insert(key, value []byte, epoch uint64) (prior []byte, hadPrior bool) {
	i := l.search(key)

	if i < len(l.entries) && bytes.Equal(l.entries[i].key, key) {
		prior = l.entries[i].value
		hadPrior = true
		l.entries[i].value = value
	} else {
		entry := leafEntry{key: append([]byte(nil), key...), value: value}
		l.entries = append(l.entries, leafEntry{})
		copy(l.entries[i+1:], l.entries[i:])
		l.entries[i] = entry
	}

	l.dirty[string(key)] = dirtyMark{value: value}
	l.bumpEpoch(epoch)

	// Bloom filters only support additive membership, which is exactly
	// what's needed here: a filter built against an older snapshot stays a
	// valid (if slightly stale) negative-lookup accelerator as long as
	// every key added since is folded in too. Removes need no equivalent
	// treatment — a removed key still testing "maybe present" is a
	// harmless false positive, not a false negative.
	if l.bloom != nil {
		l.bloom.filter.AddHash(bloomHash(key))
	}

	return prior, hadPrior
}

// refreshBloom rebuilds the in-memory Bloom filter from the leaf's current
// live keys. Called after a full serialize commits, so the cached filter
// stays reasonably tight rather than drifting further from the true key
// set on every subsequent full rewrite.
func (l *Leaf) refreshBloom(falsePositiveRate float64) {
	keys := make([][]byte, len(l.entries))
	for i, e := range l.entries {
		keys[i] = e.key
	}

	l.bloom = newLeafBloom(keys, falsePositiveRate)
}

// snapshotForFlush captures an immutable point-in-time view of the leaf's
// live entries and dirty set for the flusher to serialize outside the
// leaf's write lock (spec.md §4.F step 3: "snapshot its dirty state and
// reset its per-epoch dirty marker"). The returned Leaf must never be
// mutated or installed as a cache entry; it exists only to let the
// existing serialize methods run against a frozen view.
func (l *Leaf) snapshotForFlush() *Leaf {
	snap := &Leaf{
		id:                l.id,
		collection:        l.collection,
		lowKey:            l.lowKey,
		entries:           append([]leafEntry(nil), l.entries...),
		dirty:             l.dirty,
		maxUnflushedEpoch: l.maxUnflushedEpoch,
		bloom:             l.bloom,
		baseAddr:          l.baseAddr,
		deltaChainLen:     l.deltaChainLen,
		compression:       l.compression,
	}

	l.dirty = make(map[string]dirtyMark)

	return snap
}

// Remove deletes key, recording a tombstone in the dirty set so a
// subsequent incremental serialize can propagate the deletion to disk
// (spec.md §4.D).
func (l *Leaf) Remove(key []byte, epoch uint64) (prior []byte, hadPrior bool) {
	i := l.search(key)

	if i < len(l.entries) && bytes.Equal(l.entries[i].key, key) {
		prior = l.entries[i].value
		hadPrior = true
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
	}

	if hadPrior {
		l.dirty[string(key)] = dirtyMark{tombstone: true}
		l.bumpEpoch(epoch)
	}

	return prior, hadPrior
}

func (l *Leaf) bumpEpoch(epoch uint64) {
	if epoch > l.maxUnflushedEpoch {
		l.maxUnflushedEpoch = epoch
	}
}

// isDirty reports whether this leaf has any unflushed mutation.
func (l *Leaf) isDirty() bool { return len(l.dirty) > 0 }

// splitIfFull implements spec.md §4.D: "when size exceeds LEAF_FANOUT,
// produce a right sibling whose low-key is the median; keys < median remain;
// dirty sets are partitioned by key." Returns (nil, false) if the leaf does
// not need to split.
func (l *Leaf) splitIfFull(fanout int, newRightID ObjectID, epoch uint64) (*Leaf, bool) {
	if len(l.entries) <= fanout {
		return nil, false
	}

	mid := len(l.entries) / 2
	medianKey := l.entries[mid].key

	right := newLeaf(newRightID, l.collection, medianKey)
	right.entries = append(right.entries, l.entries[mid:]...)
	l.entries = l.entries[:mid:mid]

	for k, v := range l.dirty {
		if bytes.Compare([]byte(k), medianKey) >= 0 {
			right.dirty[k] = v
			delete(l.dirty, k)
		}
	}

	right.maxUnflushedEpoch = epoch
	l.bumpEpoch(epoch)

	// A split invalidates both halves' incremental delta chains: each half
	// is now a divergent page from what's on disk, and the cleanest
	// correct choice is to force both back to a full rewrite next flush
	// rather than try to reason about a delta against a base page whose
	// key range just changed.
	l.deltaChainLen = maxDeltaChainLength
	right.deltaChainLen = maxDeltaChainLength

	return right, true
}

// mergeWith folds right's entries into l (for under-full leaves, spec.md
// §4.D). The caller is responsible for freeing right's object-id
// (deferred) and removing its index entry once the freeing epoch commits.
func (l *Leaf) mergeWith(right *Leaf, epoch uint64) {
	l.entries = append(l.entries, right.entries...)
	sort.Slice(l.entries, func(i, j int) bool {
		return bytes.Compare(l.entries[i].key, l.entries[j].key) < 0
	})

	for k, v := range right.dirty {
		l.dirty[k] = v
	}

	l.bumpEpoch(epoch)
	l.deltaChainLen = maxDeltaChainLength
}

// shouldSerializeIncremental implements the choice rule in spec.md §4.D:
// incremental is preferred when the serialized full size would exceed
// incremental_serialization_threshold AND the dirty ratio is below 0.25 AND
// the delta chain is not yet full; else full.
func (l *Leaf) shouldSerializeIncremental(estimatedFullSize, incrementalThreshold int) bool {
	if l.deltaChainLen >= maxDeltaChainLength {
		return false
	}

	if l.baseAddr.isZero() {
		return false // nothing to delta against yet
	}

	if estimatedFullSize <= incrementalThreshold {
		return false
	}

	total := len(l.entries)
	if total == 0 {
		return false
	}

	dirtyRatio := float64(len(l.dirty)) / float64(total)

	return dirtyRatio < 0.25
}

// --- Serialization ---
//
// Payload formats (pre-compression), chosen in the style of
// pkg/slotcache/format.go's explicit offset-based encoding in the teacher
// repo, simplified to length-prefixed fields since leaf payloads are
// variable-length end to end rather than a fixed-size slot record.

func putBytes(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)

	return append(buf, b...)
}

func getBytes(buf []byte) (b []byte, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix: %w", ErrCorruption)
	}

	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]

	if uint64(len(buf)) < uint64(n) {
		return nil, nil, fmt.Errorf("truncated field: want %d have %d: %w", n, len(buf), ErrCorruption)
	}

	return buf[:n], buf[n:], nil
}

// serializeFullPayload emits spec.md §4.D's "full" shape: sorted key/value
// pairs plus enough metadata to rebuild the Leaf exactly (spec.md §8
// property 4, round-trip).
func (l *Leaf) serializeFullPayload() []byte {
	buf := make([]byte, 0, 64+l.sizeBytes())

	var hdr [8 + 8]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(l.collection))
	binary.BigEndian.PutUint64(hdr[8:16], l.maxUnflushedEpoch)
	buf = append(buf, hdr[:]...)

	buf = putBytes(buf, l.lowKey)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(l.entries)))
	buf = append(buf, countBuf[:]...)

	for _, e := range l.entries {
		buf = putBytes(buf, e.key)
		buf = putBytes(buf, e.value)
	}

	return buf
}

// deserializeFullPayload is the inverse of serializeFullPayload.
func deserializeFullPayload(id ObjectID, payload []byte) (*Leaf, error) {
	if len(payload) < 16 {
		return nil, fmt.Errorf("full leaf payload truncated: %w", ErrCorruption)
	}

	collection := CollectionID(binary.BigEndian.Uint64(payload[0:8]))
	maxEpoch := binary.BigEndian.Uint64(payload[8:16])
	rest := payload[16:]

	lowKey, rest, err := getBytes(rest)
	if err != nil {
		return nil, err
	}

	if len(rest) < 4 {
		return nil, fmt.Errorf("full leaf payload missing entry count: %w", ErrCorruption)
	}

	count := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	l := newLeaf(id, collection, lowKey)
	l.maxUnflushedEpoch = maxEpoch
	l.entries = make([]leafEntry, 0, count)

	for i := uint32(0); i < count; i++ {
		var key, val []byte

		key, rest, err = getBytes(rest)
		if err != nil {
			return nil, err
		}

		val, rest, err = getBytes(rest)
		if err != nil {
			return nil, err
		}

		l.entries = append(l.entries, leafEntry{key: key, value: val})
	}

	return l, nil
}

// incrementalDelta is one coalesce-able layer: the dirty entries (and
// tombstones) recorded against a particular base page.
type incrementalDelta struct {
	collection CollectionID
	lowKey     []byte
	epoch      uint64
	puts       []leafEntry
	tombstones [][]byte
}

// serializeIncrementalPayload emits spec.md §4.D's "incremental" shape:
// only dirty entries (plus tombstones), with a base-page reference. On
// load a chain of deltas is coalesced (objectCache.loadLeafAt).
func (l *Leaf) serializeIncrementalPayload() []byte {
	buf := make([]byte, 0, 64+len(l.dirty)*32)

	var hdr [2 + 4 + 8 + 8 + 8]byte
	binary.BigEndian.PutUint16(hdr[0:2], l.baseAddr.SlabID)
	binary.BigEndian.PutUint32(hdr[2:6], l.baseAddr.Slot)
	binary.BigEndian.PutUint64(hdr[6:14], l.baseAddr.Generation)
	binary.BigEndian.PutUint64(hdr[14:22], uint64(l.collection))
	binary.BigEndian.PutUint64(hdr[22:30], l.maxUnflushedEpoch)
	buf = append(buf, hdr[:]...)

	buf = putBytes(buf, l.lowKey)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(l.dirty)))
	buf = append(buf, countBuf[:]...)

	// Iterate in sorted key order so repeated serialize calls of an
	// unchanged dirty set are byte-identical, which is convenient for
	// testing but not otherwise load-bearing.
	keys := make([]string, 0, len(l.dirty))
	for k := range l.dirty {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		mark := l.dirty[k]

		buf = putBytes(buf, []byte(k))

		if mark.tombstone {
			buf = append(buf, 1)
			buf = putBytes(buf, nil)
		} else {
			buf = append(buf, 0)
			buf = putBytes(buf, mark.value)
		}
	}

	return buf
}

func decodeIncrementalDelta(payload []byte) (SlabAddress, incrementalDelta, error) {
	if len(payload) < 30 {
		return SlabAddress{}, incrementalDelta{}, fmt.Errorf("incremental payload truncated: %w", ErrCorruption)
	}

	base := SlabAddress{
		SlabID:     binary.BigEndian.Uint16(payload[0:2]),
		Slot:       binary.BigEndian.Uint32(payload[2:6]),
		Generation: binary.BigEndian.Uint64(payload[6:14]),
	}

	d := incrementalDelta{
		collection: CollectionID(binary.BigEndian.Uint64(payload[14:22])),
		epoch:      binary.BigEndian.Uint64(payload[22:30]),
	}

	rest := payload[30:]

	lowKey, rest, err := getBytes(rest)
	if err != nil {
		return SlabAddress{}, incrementalDelta{}, err
	}

	d.lowKey = lowKey

	if len(rest) < 4 {
		return SlabAddress{}, incrementalDelta{}, fmt.Errorf("incremental payload missing entry count: %w", ErrCorruption)
	}

	count := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	for i := uint32(0); i < count; i++ {
		var key, val []byte

		key, rest, err = getBytes(rest)
		if err != nil {
			return SlabAddress{}, incrementalDelta{}, err
		}

		if len(rest) < 1 {
			return SlabAddress{}, incrementalDelta{}, fmt.Errorf("incremental payload missing tombstone flag: %w", ErrCorruption)
		}

		tomb := rest[0] == 1
		rest = rest[1:]

		val, rest, err = getBytes(rest)
		if err != nil {
			return SlabAddress{}, incrementalDelta{}, err
		}

		if tomb {
			d.tombstones = append(d.tombstones, key)
		} else {
			d.puts = append(d.puts, leafEntry{key: key, value: val})
		}
	}

	return base, d, nil
}

// applyDelta applies one coalesced delta layer on top of a base Leaf,
// newest-last (spec.md §8 property 3: incremental must equal full for any
// valid chain).
func applyDelta(base *Leaf, d incrementalDelta) {
	for _, key := range d.tombstones {
		i := base.search(key)
		if i < len(base.entries) && bytes.Equal(base.entries[i].key, key) {
			base.entries = append(base.entries[:i], base.entries[i+1:]...)
		}
	}

	for _, e := range d.puts {
		i := base.search(e.key)
		if i < len(base.entries) && bytes.Equal(base.entries[i].key, e.key) {
			base.entries[i].value = e.value
		} else {
			base.entries = append(base.entries, leafEntry{})
			copy(base.entries[i+1:], base.entries[i:])
			base.entries[i] = e
		}
	}

	if d.epoch > base.maxUnflushedEpoch {
		base.maxUnflushedEpoch = d.epoch
	}
}
