package melange

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"syscall"

	atomicfile "github.com/natefinch/atomic"

	"github.com/melange-db/melange/pkg/fs"
)

// metadataStore is the append-only object-id -> slab-address log plus its
// checkpoint file, described in spec.md §4.B. The engine never calls
// checkpoint on its own, so at run time the log only grows. Grounded on the
// teacher's pkg/mddb/wal.go: both are "append records, fsync, and on
// recovery scan forward validating a checksum, treating the first invalid
// or truncated record as the end of the durable log" — here specialized
// to the spec's fixed recovery rule (spec.md §9's resolved open question):
// "scan forward, stop at first CRC failure, treat the tail as absent."
type metadataStore struct {
	mu sync.Mutex

	fsys fs.FS
	dir  string

	log       fs.File
	logOffset int64
}

// checkpointEntry is one (object-id -> slab-address) binding captured at
// checkpoint time.
type checkpointEntry struct {
	ObjectID ObjectID
	Addr     SlabAddress
}

const (
	checkpointMagic     uint32 = 0x4D434B50 // "MCKP"
	checkpointEntrySize        = 8 + 2 + 4 + 8
)

// recoveredState is everything openMetadataStore reconstructs from the
// checkpoint plus the log tail.
type recoveredState struct {
	Locations map[ObjectID]SlabAddress
	MaxEpoch  uint64
}

// openMetadataStore opens (creating if absent) the metadata log, and
// replays the checkpoint plus log tail into a recoveredState (spec.md
// §4.B recover).
func openMetadataStore(dir string, fsys fs.FS) (*metadataStore, recoveredState, error) {
	state, err := loadCheckpoint(dir, fsys)
	if err != nil {
		return nil, recoveredState{}, err
	}

	logFile, err := fsys.OpenFile(metaLogPath(dir), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, recoveredState{}, fmt.Errorf("opening metadata log: %w", ErrIo)
	}

	if err := replayLog(logFile, &state); err != nil {
		_ = logFile.Close()

		return nil, recoveredState{}, err
	}

	info, err := logFile.Stat()
	if err != nil {
		_ = logFile.Close()

		return nil, recoveredState{}, fmt.Errorf("statting metadata log: %w", ErrIo)
	}

	m := &metadataStore{
		fsys:      fsys,
		dir:       dir,
		log:       logFile,
		logOffset: info.Size(),
	}

	return m, state, nil
}

// loadCheckpoint reads the checkpoint file if present, or returns an empty
// state if this is a fresh database.
func loadCheckpoint(dir string, fsys fs.FS) (recoveredState, error) {
	state := recoveredState{Locations: make(map[ObjectID]SlabAddress)}

	exists, err := fsys.Exists(checkpointPath(dir))
	if err != nil {
		return state, fmt.Errorf("statting checkpoint: %w", ErrIo)
	}

	if !exists {
		return state, nil
	}

	raw, err := fsys.ReadFile(checkpointPath(dir))
	if err != nil {
		return state, fmt.Errorf("reading checkpoint: %w", ErrIo)
	}

	if len(raw) < 4+8+8+4 {
		return state, fmt.Errorf("checkpoint truncated: %w", ErrCorruption)
	}

	magic := binary.BigEndian.Uint32(raw[0:4])
	if magic != checkpointMagic {
		return state, fmt.Errorf("checkpoint bad magic: %w", ErrCorruption)
	}

	epoch := binary.BigEndian.Uint64(raw[4:12])
	count := binary.BigEndian.Uint64(raw[12:20])

	want := 20 + int(count)*checkpointEntrySize + 4
	if len(raw) != want {
		return state, fmt.Errorf("checkpoint length mismatch: want %d have %d: %w", want, len(raw), ErrCorruption)
	}

	body := raw[:20+int(count)*checkpointEntrySize]

	gotCRC := crc32.Checksum(body, crc32c)
	wantCRC := binary.BigEndian.Uint32(raw[len(raw)-4:])

	if gotCRC != wantCRC {
		return state, fmt.Errorf("checkpoint crc mismatch: %w", ErrCorruption)
	}

	offset := 20

	for i := uint64(0); i < count; i++ {
		id := ObjectID(binary.BigEndian.Uint64(raw[offset : offset+8]))
		addr := SlabAddress{
			SlabID:     binary.BigEndian.Uint16(raw[offset+8 : offset+10]),
			Slot:       binary.BigEndian.Uint32(raw[offset+10 : offset+14]),
			Generation: binary.BigEndian.Uint64(raw[offset+14 : offset+22]),
		}
		state.Locations[id] = addr
		offset += checkpointEntrySize
	}

	state.MaxEpoch = epoch

	return state, nil
}

// replayLog scans the metadata log forward from the start, applying each
// valid record to state, and stops at the first invalid or truncated
// record (spec.md §9's fixed recovery rule). It does not truncate the log
// itself; that happens only after a successful checkpoint.
func replayLog(f fs.File, state *recoveredState) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking metadata log: %w", ErrIo)
	}

	buf := make([]byte, metaRecordSize)

	for {
		n, err := io.ReadFull(f, buf)
		if err != nil {
			// Partial trailing record (torn write) or clean EOF both mean
			// "nothing more to replay"; neither is corruption.
			break
		}

		if n != metaRecordSize {
			break
		}

		rec, ok := decodeMetaRecord(buf)
		if !ok {
			// CRC mismatch: a torn write from a crash mid-append. Per
			// spec.md §9, stop here and treat the remainder as absent.
			break
		}

		switch rec.Tag {
		case metaTagSet:
			// The log record's bit-exact layout (spec.md §6) carries no
			// generation field, so Generation is left zero here; the
			// caller (Open's recovery path) fills it in from each slab's
			// current header generation once the heap is opened, since a
			// slab's generation only ever changes via maybeGC compaction
			// and never diverges from what every live address in that
			// slab should carry.
			state.Locations[ObjectID(rec.ObjectID)] = SlabAddress{
				SlabID: rec.SlabID, Slot: rec.Slot, Generation: 0,
			}
		case metaTagTombstone:
			delete(state.Locations, ObjectID(rec.ObjectID))
		case metaTagCheckpointBegin, metaTagCheckpointEnd:
			// Markers only; the checkpoint file itself is the durable
			// artifact, written via atomic rename, so a begin/end pair
			// torn by a crash never leaves a half-applied checkpoint.
		}

		if rec.Epoch > state.MaxEpoch {
			state.MaxEpoch = rec.Epoch
		}
	}

	return nil
}

// appendBatch durably appends records, fsyncing once per batch (spec.md
// §4.B append_batch).
func (m *metadataStore) appendBatch(records []metaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, 0, len(records)*metaRecordSize)
	for _, r := range records {
		buf = append(buf, encodeMetaRecord(r)...)
	}

	if _, err := m.log.Seek(m.logOffset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking metadata log: %w", ErrIo)
	}

	n, err := m.log.Write(buf)
	if err != nil {
		return fmt.Errorf("appending metadata log: %w", ErrIo)
	}

	m.logOffset += int64(n)

	if err := m.log.Sync(); err != nil {
		return fmt.Errorf("fsync metadata log: %w", ErrIo)
	}

	return nil
}

// checkpoint snapshots locations into the checkpoint file (atomic rename,
// via github.com/natefinch/atomic — the same all-or-nothing replace
// discipline the teacher's fs.AtomicWrite gives ordinary documents) and,
// once that succeeds, truncates the log (spec.md §4.B checkpoint).
func (m *metadataStore) checkpoint(locations map[ObjectID]SlabAddress, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, 20, 20+len(locations)*checkpointEntrySize+4)
	binary.BigEndian.PutUint32(buf[0:4], checkpointMagic)
	binary.BigEndian.PutUint64(buf[4:12], epoch)
	binary.BigEndian.PutUint64(buf[12:20], uint64(len(locations)))

	for id, addr := range locations {
		var entry [checkpointEntrySize]byte
		binary.BigEndian.PutUint64(entry[0:8], uint64(id))
		binary.BigEndian.PutUint16(entry[8:10], addr.SlabID)
		binary.BigEndian.PutUint32(entry[10:14], addr.Slot)
		binary.BigEndian.PutUint64(entry[14:22], addr.Generation)
		buf = append(buf, entry[:]...)
	}

	crc := crc32.Checksum(buf, crc32c)

	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	buf = append(buf, crcBuf[:]...)

	if err := atomicfile.WriteFile(checkpointPath(m.dir), bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("writing checkpoint: %w", ErrIo)
	}

	if err := m.log.Sync(); err != nil {
		return fmt.Errorf("fsync before log truncate: %w", ErrIo)
	}

	if err := syscall.Ftruncate(int(m.log.Fd()), 0); err != nil {
		return fmt.Errorf("truncating metadata log: %w", ErrIo)
	}

	m.logOffset = 0

	return nil
}

func (m *metadataStore) close() error {
	return m.log.Close()
}
