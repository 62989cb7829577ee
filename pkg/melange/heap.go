package melange

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/melange-db/melange/pkg/fs"
)

// heapSizeClasses are the fixed slot sizes named in spec.md §4.A: "slab
// files partitioned into size classes, each slab holding fixed-size
// slots." Geometric spacing (each class 4x the previous) keeps internal
// fragmentation bounded to at most 4x without an unbounded number of
// size-class files.
var heapSizeClasses = []int{
	1 << 8,  // 256 B
	1 << 10, // 1 KiB
	1 << 12, // 4 KiB
	1 << 14, // 16 KiB
	1 << 16, // 64 KiB
	1 << 18, // 256 KiB
	1 << 20, // 1 MiB
}

// heapWriteRequest is one page to place during a write_batch call.
type heapWriteRequest struct {
	Kind    pageKind
	Payload []byte // full encoded page record (header+payload+trailer), see encodePage
}

// slabFile is one size class's backing file: a fixed-size header
// (spec.md §6) followed by a flat array of slots, each holding one
// encoded page record, zero-padded to the class's slot size.
type slabFile struct {
	mu sync.Mutex

	f      fs.File
	header slabHeader

	slotSize int

	// freeSlots holds committed-free slot indices available for reuse.
	// pendingFree holds slots freed during an epoch not yet committed
	// (spec.md §4.A free: "actual reclamation deferred until the
	// freeing epoch commits").
	freeSlots   []uint32
	pendingFree map[uint64][]uint32

	nextSlot uint32 // high-water mark when freeSlots is empty

	gcCount int // number of times maybeGC has rewritten this slab file
}

func (sf *slabFile) slotOffset(slot uint32) int64 {
	return int64(slabHeaderSize) + int64(slot)*int64(sf.slotSize)
}

// heap is the content-addressed, slab-allocated object store described in
// spec.md §4.A. Grounded on the teacher's positional-I/O idiom (pkg/fs's
// [fs.File.Fd] is documented explicitly for use with syscalls such as
// flock; the same fd is used here with golang.org/x/sys/unix.Pread/Pwrite
// for torn-write-safe concurrent positional access, since pkg/fs.File
// exposes only the io.Reader/io.Writer/io.Seeker trio and a shared Seek
// cursor would race under concurrent slot access).
type heap struct {
	mu sync.Mutex // guards files (file creation), not per-file contents

	dir  string
	fsys fs.FS

	files map[int]*slabFile // size-class index -> open file
}

func openHeap(dir string, fsys fs.FS) (*heap, error) {
	if err := fsys.MkdirAll(slabDir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("creating slab directory: %w", ErrIo)
	}

	h := &heap{
		dir:   dir,
		fsys:  fsys,
		files: make(map[int]*slabFile),
	}

	for class := range heapSizeClasses {
		sf, err := h.openOrCreateSlabFile(class)
		if err != nil {
			return nil, err
		}

		h.files[class] = sf
	}

	return h, nil
}

func (h *heap) openOrCreateSlabFile(class int) (*slabFile, error) {
	path := slabPath(h.dir, class)
	slotSize := heapSizeClasses[class]

	exists, err := h.fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("statting slab file %s: %w", path, ErrIo)
	}

	f, err := h.fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening slab file %s: %w", path, ErrIo)
	}

	sf := &slabFile{
		f:           f,
		slotSize:    slotSize,
		pendingFree: make(map[uint64][]uint32),
	}

	if exists {
		hdrBuf := make([]byte, slabHeaderSize)

		if _, err := unix.Pread(int(f.Fd()), hdrBuf, 0); err != nil {
			return nil, fmt.Errorf("reading slab header %s: %w", path, ErrIo)
		}

		hdr, err := decodeSlabHeader(hdrBuf)
		if err != nil {
			return nil, fmt.Errorf("slab file %s: %w", path, err)
		}

		sf.header = hdr
		sf.nextSlot = uint32(hdr.SlotCount)
	} else {
		sf.header = slabHeader{SlotSize: uint32(slotSize), SlotCount: 0, Generation: 1}

		if _, err := unix.Pwrite(int(f.Fd()), encodeSlabHeader(sf.header), 0); err != nil {
			return nil, fmt.Errorf("writing slab header %s: %w", path, ErrIo)
		}
	}

	return sf, nil
}

// writeBatch places every request's encoded page into the smallest size
// class that fits, returning one [SlabAddress] per request in the same
// order (spec.md §4.A write_batch: "accepts N pages, returns N addresses;
// batches the fsync").
func (h *heap) writeBatch(reqs []heapWriteRequest) ([]SlabAddress, error) {
	byClass := make(map[int][]int) // class -> indices into reqs
	addrs := make([]SlabAddress, len(reqs))

	for i, r := range reqs {
		class, ok := classFor(len(r.Payload))
		if !ok {
			return nil, fmt.Errorf("page of %d bytes exceeds largest heap size class: %w", len(r.Payload), ErrIo)
		}

		byClass[class] = append(byClass[class], i)
	}

	classIdx := make([]int, 0, len(byClass))
	for c := range byClass {
		classIdx = append(classIdx, c)
	}

	sort.Ints(classIdx)

	for _, class := range classIdx {
		sf := h.files[class]

		sf.mu.Lock()

		for _, i := range byClass[class] {
			slot := h.allocateSlotLocked(sf)

			if _, err := unix.Pwrite(int(sf.f.Fd()), reqs[i].Payload, sf.slotOffset(slot)); err != nil {
				sf.mu.Unlock()

				return nil, fmt.Errorf("writing heap slot: %w", ErrIo)
			}

			addrs[i] = SlabAddress{SlabID: uint16(class), Slot: slot, Generation: sf.header.Generation}
		}

		if err := h.growHeaderLocked(sf); err != nil {
			sf.mu.Unlock()

			return nil, err
		}

		if err := sf.f.Sync(); err != nil {
			sf.mu.Unlock()

			return nil, fmt.Errorf("fsync slab file: %w", ErrIo)
		}

		sf.mu.Unlock()
	}

	return addrs, nil
}

// allocateSlotLocked returns a free slot index, preferring a committed-free
// slot over growing the file, matching idAllocator's reuse-before-grow
// policy. Caller must hold sf.mu.
func (h *heap) allocateSlotLocked(sf *slabFile) uint32 {
	if n := len(sf.freeSlots); n > 0 {
		slot := sf.freeSlots[n-1]
		sf.freeSlots = sf.freeSlots[:n-1]

		return slot
	}

	slot := sf.nextSlot
	sf.nextSlot++

	return slot
}

// growHeaderLocked persists an updated slot_count when nextSlot has grown
// past what's on disk. Caller must hold sf.mu.
func (h *heap) growHeaderLocked(sf *slabFile) error {
	if uint64(sf.nextSlot) <= sf.header.SlotCount {
		return nil
	}

	sf.header.SlotCount = uint64(sf.nextSlot)

	if _, err := unix.Pwrite(int(sf.f.Fd()), encodeSlabHeader(sf.header), 0); err != nil {
		return fmt.Errorf("updating slab header: %w", ErrIo)
	}

	return nil
}

// read fetches and validates the page at addr (spec.md §4.A read). A
// generation mismatch means addr was captured before a maybeGC compaction
// rewrote the slab file out from under it, which is corruption from the
// caller's point of view: the caller should have updated its address via
// the location map before reading again.
func (h *heap) read(addr SlabAddress) (pageHeader, []byte, error) {
	sf, ok := h.files[int(addr.SlabID)]
	if !ok {
		return pageHeader{}, nil, fmt.Errorf("unknown slab id %d: %w", addr.SlabID, ErrCorruption)
	}

	sf.mu.Lock()
	generation := sf.header.Generation
	slotSize := sf.slotSize
	sf.mu.Unlock()

	if generation != addr.Generation {
		return pageHeader{}, nil, fmt.Errorf("stale slab address (generation %d, have %d): %w", addr.Generation, generation, ErrCorruption)
	}

	buf := make([]byte, slotSize)

	if _, err := unix.Pread(int(sf.f.Fd()), buf, sf.slotOffset(addr.Slot)); err != nil {
		return pageHeader{}, nil, fmt.Errorf("reading heap slot: %w", ErrIo)
	}

	hdr, payload, err := decodePage(buf)
	if err != nil {
		return pageHeader{}, nil, err
	}

	return hdr, append([]byte(nil), payload...), nil
}

// free marks addr's slot to be reclaimed once epoch commits (spec.md
// §4.A free). The caller (the object cache's flush path) is responsible
// for calling commitEpoch once the epoch tracker reports the epoch
// committed.
func (h *heap) free(addr SlabAddress, epoch uint64) {
	sf, ok := h.files[int(addr.SlabID)]
	if !ok {
		return
	}

	sf.mu.Lock()
	sf.pendingFree[epoch] = append(sf.pendingFree[epoch], addr.Slot)
	sf.mu.Unlock()
}

// commitEpoch graduates every slot deferred-freed in epoch, across every
// size class, into its slab's reusable free list.
func (h *heap) commitEpoch(epoch uint64) {
	for _, sf := range h.files {
		sf.mu.Lock()

		if slots, ok := sf.pendingFree[epoch]; ok {
			sf.freeSlots = append(sf.freeSlots, slots...)
			delete(sf.pendingFree, epoch)
		}

		sf.mu.Unlock()
	}
}

// fillRatio reports a size class's fraction of allocated (non-free)
// slots, the input to maybeGC's decision.
func (h *heap) fillRatio(class int) float64 {
	sf := h.files[class]

	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.nextSlot == 0 {
		return 1
	}

	live := int(sf.nextSlot) - len(sf.freeSlots)

	return float64(live) / float64(sf.nextSlot)
}

// relocation describes one slot moved by maybeGC.
type relocation struct {
	Old SlabAddress
	New SlabAddress
}

// maybeGC compacts a size class's slab file when its fill ratio drops
// below targetFillRatio, rewriting live slots contiguously from the front
// and bumping the generation so stale addresses are detected by read
// (spec.md §4.A maybe_gc). live is the set of addresses the caller (the
// object cache) currently believes are live in this class; any slot not
// named here is treated as already-free. Returns the relocations the
// caller must apply to its location map and index before the old
// addresses become unreadable.
func (h *heap) maybeGC(class int, targetFillRatio float64, live []SlabAddress) ([]relocation, error) {
	sf := h.files[class]

	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.nextSlot == 0 {
		return nil, nil
	}

	liveCount := len(live)
	fill := float64(liveCount) / float64(sf.nextSlot)

	if fill >= targetFillRatio {
		return nil, nil
	}

	sort.Slice(live, func(i, j int) bool { return live[i].Slot < live[j].Slot })

	newGeneration := sf.header.Generation + 1
	relocations := make([]relocation, 0, len(live))

	for newSlot, old := range live {
		if old.Generation != sf.header.Generation {
			continue // already stale; caller's live set is out of date for this entry
		}

		buf := make([]byte, sf.slotSize)

		if _, err := unix.Pread(int(sf.f.Fd()), buf, sf.slotOffset(old.Slot)); err != nil {
			return nil, fmt.Errorf("reading heap slot during gc: %w", ErrIo)
		}

		if _, err := unix.Pwrite(int(sf.f.Fd()), buf, sf.slotOffset(uint32(newSlot))); err != nil {
			return nil, fmt.Errorf("writing heap slot during gc: %w", ErrIo)
		}

		relocations = append(relocations, relocation{
			Old: old,
			New: SlabAddress{SlabID: old.SlabID, Slot: uint32(newSlot), Generation: newGeneration},
		})
	}

	sf.header.Generation = newGeneration
	sf.header.SlotCount = uint64(len(live))
	sf.nextSlot = uint32(len(live))
	sf.freeSlots = nil
	sf.pendingFree = make(map[uint64][]uint32)
	sf.gcCount++

	if _, err := unix.Pwrite(int(sf.f.Fd()), encodeSlabHeader(sf.header), 0); err != nil {
		return nil, fmt.Errorf("writing slab header after gc: %w", ErrIo)
	}

	if err := sf.f.Sync(); err != nil {
		return nil, fmt.Errorf("fsync slab file after gc: %w", ErrIo)
	}

	return relocations, nil
}

// HeapClassStats is one size class's allocator statistics (spec.md's
// heap-state: "each slab's free-slot bitmap and fill ratio", reinstated
// from original_source/src/alloc.rs's allocation counters/bytes tracking).
type HeapClassStats struct {
	SlotSize   int
	SlotCount  uint32 // slots allocated in the slab file; maybeGC resets it to the live count
	FreeSlots  int
	FillRatio  float64
	Generation uint64
	GCCount    int // number of times maybeGC has rewritten this slab file
}

// Stats returns a read-only snapshot of every size class's allocator
// statistics. It takes no locks beyond the per-class mutex already held
// for the duration of each class's read, so a concurrent writer may be
// observed mid-update; callers only use this for operator diagnostics.
func (h *heap) Stats() []HeapClassStats {
	stats := make([]HeapClassStats, len(heapSizeClasses))

	for class := range heapSizeClasses {
		sf := h.files[class]

		sf.mu.Lock()

		fill := 1.0
		if sf.nextSlot > 0 {
			fill = float64(int(sf.nextSlot)-len(sf.freeSlots)) / float64(sf.nextSlot)
		}

		stats[class] = HeapClassStats{
			SlotSize:   sf.slotSize,
			SlotCount:  sf.nextSlot,
			FreeSlots:  len(sf.freeSlots),
			FillRatio:  fill,
			Generation: sf.header.Generation,
			GCCount:    sf.gcCount,
		}

		sf.mu.Unlock()
	}

	return stats
}

func (h *heap) close() error {
	var firstErr error

	for _, sf := range h.files {
		if err := sf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// classFor returns the smallest size class whose slot size fits n bytes.
func classFor(n int) (int, bool) {
	for i, size := range heapSizeClasses {
		if n <= size {
			return i, true
		}
	}

	return 0, false
}
