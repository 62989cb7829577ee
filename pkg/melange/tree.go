package melange

import (
	"encoding/binary"
	"fmt"
)

// valueMarkerInline/valueMarkerIndirect tag whether a leaf's stored value
// bytes are the real value or a pointer to an out-of-line heap page
// (SPEC_FULL.md's supplement of spec.md §4.D on large-value handling:
// the distilled spec names LEAF_FANOUT and a size-classed heap but is
// silent on very large values; storing a multi-megabyte value inline
// would blow past the leaf's serialized-page size classes, so values
// over Options.MaxInlineValueThreshold are spilled to their own heap
// page and the leaf holds only a small fixed-size pointer).
const (
	valueMarkerInline   byte = 0
	valueMarkerIndirect byte = 1

	indirectMarkerSize = 1 + 2 + 4 + 8 // tag + SlabAddress
)

// Tree is one ordered collection within a [Db] (spec.md §6 Tree).
type Tree struct {
	db         *Db
	collection CollectionID
}

// Get returns the value associated with key, or found == false if absent.
func (t *Tree) Get(key []byte) (value []byte, found bool, err error) {
	raw, found, err := t.db.cache.get(t.collection, key)
	if err != nil || !found {
		return nil, found, err
	}

	value, err = t.db.resolveStoredValue(raw)

	return value, true, err
}

// Insert adds or overwrites key's value, returning the prior value if any.
// Values longer than Options.MaxInlineValueThreshold are written to their
// own out-of-line heap page synchronously, before the leaf mutation.
func (t *Tree) Insert(key, value []byte) (prior []byte, err error) {
	stored, err := t.db.encodeStoredValue(value)
	if err != nil {
		return nil, err
	}

	priorRaw, err := t.db.cache.insert(t.collection, key, stored)
	if err != nil {
		return nil, err
	}

	if priorRaw == nil {
		return nil, nil
	}

	prior, err = t.db.resolveStoredValue(priorRaw)
	if err != nil {
		return nil, err
	}

	t.db.freeIfIndirect(priorRaw)

	return prior, nil
}

// Remove deletes key, returning its prior value if any.
func (t *Tree) Remove(key []byte) (prior []byte, err error) {
	priorRaw, err := t.db.cache.remove(t.collection, key)
	if err != nil || priorRaw == nil {
		return nil, err
	}

	prior, err = t.db.resolveStoredValue(priorRaw)
	if err != nil {
		return nil, err
	}

	t.db.freeIfIndirect(priorRaw)

	return prior, nil
}

// Flush forces an out-of-band flush of this database's pending writes,
// returning once the protocol's nine steps have run to completion for the
// currently-open epoch (spec.md §6 Tree::flush).
func (t *Tree) Flush() error {
	_, err := t.db.cache.flush()

	return err
}

// GC forces an out-of-band heap compaction pass (spec.md §4.A maybe_gc).
// The heap is shared process-wide, so this is equivalent to [Db.GC]
// called on the tree's database.
func (t *Tree) GC() error {
	return t.db.GC()
}

// RangeIter walks entries with key in [lo, hi) in ascending order. hi ==
// nil means unbounded above.
type RangeIter struct {
	tree    *Tree
	entries []indexEntry
	pos     int

	curKeys []leafEntry
	curPos  int
	lo, hi  []byte

	err error
}

// Range returns an iterator over [lo, hi) (spec.md §6 Tree::range).
func (t *Tree) Range(lo, hi []byte) *RangeIter {
	return &RangeIter{
		tree:    t,
		entries: t.db.index.rangeLowKeys(t.collection, lo, hi),
		lo:      lo,
		hi:      hi,
	}
}

// Next advances the iterator, returning ok == false once exhausted or on
// error (check Err after a false return).
func (it *RangeIter) Next() (key, value []byte, ok bool) {
	for {
		if it.curPos < len(it.curKeys) {
			e := it.curKeys[it.curPos]
			it.curPos++

			if bytesLess(e.key, it.lo) {
				continue
			}

			if it.hi != nil && !bytesLess(e.key, it.hi) {
				it.curKeys = nil

				return nil, nil, false
			}

			value, err := it.tree.db.resolveStoredValue(e.value)
			if err != nil {
				it.err = err
				it.curKeys = nil

				return nil, nil, false
			}

			return append([]byte(nil), e.key...), value, true
		}

		if it.pos >= len(it.entries) {
			return nil, nil, false
		}

		entry := it.entries[it.pos]
		it.pos++

		ce, err := it.tree.db.cache.getOrLoad(entry.objectID)
		if err != nil {
			it.err = err

			return nil, nil, false
		}

		ce.mu.RLock()
		it.curKeys = append([]leafEntry(nil), ce.leaf.entries...)
		ce.mu.RUnlock()

		it.curPos = 0
	}
}

// Err returns the error (if any) that stopped iteration early.
func (it *RangeIter) Err() error { return it.err }

func bytesLess(a, b []byte) bool {
	if b == nil {
		return false
	}

	return compareBytes(a, b) < 0
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}

			return 1
		}
	}

	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// encodeStoredValue spills value to an out-of-line heap page when it
// exceeds Options.MaxInlineValueThreshold, returning the small indirect
// marker to store in the leaf instead; otherwise returns value tagged
// inline, unchanged.
func (db *Db) encodeStoredValue(value []byte) ([]byte, error) {
	if db.opts.MaxInlineValueThreshold <= 0 || len(value) <= db.opts.MaxInlineValueThreshold {
		out := make([]byte, 0, len(value)+1)
		out = append(out, valueMarkerInline)
		out = append(out, value...)

		return out, nil
	}

	page := encodePage(pageKindOutOfLineValue, codecKindByte(CompressionNone), 0, value)

	addrs, err := db.heap.writeBatch([]heapWriteRequest{{Kind: pageKindOutOfLineValue, Payload: page}})
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, indirectMarkerSize)
	out = append(out, valueMarkerIndirect)

	var addrBuf [2 + 4 + 8]byte
	binary.BigEndian.PutUint16(addrBuf[0:2], addrs[0].SlabID)
	binary.BigEndian.PutUint32(addrBuf[2:6], addrs[0].Slot)
	binary.BigEndian.PutUint64(addrBuf[6:14], addrs[0].Generation)

	return append(out, addrBuf[:]...), nil
}

// resolveStoredValue is the inverse of encodeStoredValue: it dereferences
// an indirect marker by reading the out-of-line page, or strips the inline
// tag byte.
func (db *Db) resolveStoredValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("stored value missing marker byte: %w", ErrCorruption)
	}

	if stored[0] == valueMarkerInline {
		return append([]byte(nil), stored[1:]...), nil
	}

	if len(stored) < indirectMarkerSize {
		return nil, fmt.Errorf("indirect value marker truncated: %w", ErrCorruption)
	}

	addr := SlabAddress{
		SlabID:     binary.BigEndian.Uint16(stored[1:3]),
		Slot:       binary.BigEndian.Uint32(stored[3:7]),
		Generation: binary.BigEndian.Uint64(stored[7:15]),
	}

	_, payload, err := db.heap.read(addr)
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), payload...), nil
}

// freeIfIndirect releases the out-of-line page behind a just-overwritten
// or just-removed indirect value marker.
func (db *Db) freeIfIndirect(stored []byte) {
	if len(stored) < indirectMarkerSize || stored[0] != valueMarkerIndirect {
		return
	}

	addr := SlabAddress{
		SlabID:     binary.BigEndian.Uint16(stored[1:3]),
		Slot:       binary.BigEndian.Uint32(stored[3:7]),
		Generation: binary.BigEndian.Uint64(stored[7:15]),
	}

	guard := db.epochs.acquireGuard()
	db.heap.free(addr, guard.Epoch())
	guard.Release()
}
