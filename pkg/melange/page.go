package melange

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Page header layout, bit-exact per spec.md §6:
//
//	[u32 magic][u32 length][u8 kind][u8 codec][u16 flags][u32 crc_of_payload]
//
// big-endian, followed by the (possibly compressed) payload and a trailer
// CRC over the whole record (header + payload). Grounded on
// pkg/slotcache/format.go's encodeHeader/decodeHeader/computeHeaderCRC
// pattern in the teacher repo, adapted from a fixed 256-byte file header to
// a small per-record header since pages are many-per-file here rather than
// one-per-file.
const (
	pageMagic      uint32 = 0x4D4C4E47 // "MLNG"
	pageHeaderSize        = 4 + 4 + 1 + 1 + 2 + 4
	pageTrailerSize       = 4
)

// pageKind distinguishes the three payload shapes named in spec.md §3.
type pageKind uint8

const (
	pageKindFullLeaf pageKind = iota
	pageKindIncrementalDelta
	pageKindOutOfLineValue
)

func (k pageKind) String() string {
	switch k {
	case pageKindFullLeaf:
		return "full-leaf"
	case pageKindIncrementalDelta:
		return "incremental-delta"
	case pageKindOutOfLineValue:
		return "out-of-line-value"
	default:
		return fmt.Sprintf("pageKind(%d)", int(k))
	}
}

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// pageHeader is the decoded form of the fixed-size page header.
type pageHeader struct {
	Length uint32 // length of the (compressed) payload, excluding header/trailer
	Kind   pageKind
	Codec  byte
	Flags  uint16
	CRC    uint32 // CRC32-C of the payload
}

func encodePageHeader(h pageHeader) []byte {
	buf := make([]byte, pageHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], pageMagic)
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	buf[8] = byte(h.Kind)
	buf[9] = h.Codec
	binary.BigEndian.PutUint16(buf[10:12], h.Flags)
	binary.BigEndian.PutUint32(buf[12:16], h.CRC)

	return buf
}

func decodePageHeader(buf []byte) (pageHeader, error) {
	if len(buf) < pageHeaderSize {
		return pageHeader{}, fmt.Errorf("page header truncated: %d bytes: %w", len(buf), ErrCorruption)
	}

	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != pageMagic {
		return pageHeader{}, fmt.Errorf("page header bad magic %08x: %w", magic, ErrCorruption)
	}

	return pageHeader{
		Length: binary.BigEndian.Uint32(buf[4:8]),
		Kind:   pageKind(buf[8]),
		Codec:  buf[9],
		Flags:  binary.BigEndian.Uint16(buf[10:12]),
		CRC:    binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// encodePage builds a full header+payload+trailer record. payload is the
// already-compressed bytes.
func encodePage(kind pageKind, codec byte, flags uint16, payload []byte) []byte {
	h := pageHeader{
		Length: uint32(len(payload)),
		Kind:   kind,
		Codec:  codec,
		Flags:  flags,
		CRC:    crc32.Checksum(payload, crc32c),
	}

	buf := make([]byte, 0, pageHeaderSize+len(payload)+pageTrailerSize)
	buf = append(buf, encodePageHeader(h)...)
	buf = append(buf, payload...)

	trailer := crc32.Checksum(buf, crc32c)
	trailerBuf := make([]byte, pageTrailerSize)
	binary.BigEndian.PutUint32(trailerBuf, trailer)
	buf = append(buf, trailerBuf...)

	return buf
}

// decodePage validates both CRCs and returns the header and the raw
// (still-compressed) payload slice.
func decodePage(buf []byte) (pageHeader, []byte, error) {
	if len(buf) < pageHeaderSize+pageTrailerSize {
		return pageHeader{}, nil, fmt.Errorf("page truncated: %d bytes: %w", len(buf), ErrCorruption)
	}

	h, err := decodePageHeader(buf[:pageHeaderSize])
	if err != nil {
		return pageHeader{}, nil, err
	}

	want := int(pageHeaderSize) + int(h.Length) + pageTrailerSize
	if len(buf) < want {
		return pageHeader{}, nil, fmt.Errorf("page truncated: header says %d bytes, have %d: %w", want, len(buf), ErrCorruption)
	}

	payload := buf[pageHeaderSize : pageHeaderSize+int(h.Length)]

	gotPayloadCRC := crc32.Checksum(payload, crc32c)
	if gotPayloadCRC != h.CRC {
		return pageHeader{}, nil, fmt.Errorf("page payload crc mismatch: %w", ErrCorruption)
	}

	trailer := binary.BigEndian.Uint32(buf[pageHeaderSize+int(h.Length) : want])

	gotTrailer := crc32.Checksum(buf[:pageHeaderSize+int(h.Length)], crc32c)
	if gotTrailer != trailer {
		return pageHeader{}, nil, fmt.Errorf("page trailer crc mismatch: %w", ErrCorruption)
	}

	return h, payload, nil
}

// Slab header layout, bit-exact per spec.md §6:
//
//	[u32 magic][u32 slot_size][u64 slot_count][u64 generation]
const (
	slabMagic      uint32 = 0x534C4142 // "SLAB"
	slabHeaderSize        = 4 + 4 + 8 + 8
)

type slabHeader struct {
	SlotSize  uint32
	SlotCount uint64
	// Generation increments each time the slab is rewritten by GC
	// (maybe_gc), invalidating addresses captured before the rewrite.
	Generation uint64
}

func encodeSlabHeader(h slabHeader) []byte {
	buf := make([]byte, slabHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], slabMagic)
	binary.BigEndian.PutUint32(buf[4:8], h.SlotSize)
	binary.BigEndian.PutUint64(buf[8:16], h.SlotCount)
	binary.BigEndian.PutUint64(buf[16:24], h.Generation)

	return buf
}

func decodeSlabHeader(buf []byte) (slabHeader, error) {
	if len(buf) < slabHeaderSize {
		return slabHeader{}, fmt.Errorf("slab header truncated: %w", ErrCorruption)
	}

	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != slabMagic {
		return slabHeader{}, fmt.Errorf("slab header bad magic %08x: %w", magic, ErrCorruption)
	}

	return slabHeader{
		SlotSize:   binary.BigEndian.Uint32(buf[4:8]),
		SlotCount:  binary.BigEndian.Uint64(buf[8:16]),
		Generation: binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// Metadata log record layout, bit-exact per spec.md §6:
//
//	[u8 tag][u64 object-id][u64 epoch][u16 slab-id][u32 slot-index][u32 crc]
const (
	metaTagSet             uint8 = 1
	metaTagTombstone       uint8 = 2
	metaTagCheckpointBegin uint8 = 3
	metaTagCheckpointEnd   uint8 = 4

	metaRecordSize = 1 + 8 + 8 + 2 + 4 + 4
)

type metaRecord struct {
	Tag      uint8
	ObjectID uint64
	Epoch    uint64
	SlabID   uint16
	Slot     uint32
}

func encodeMetaRecord(r metaRecord) []byte {
	buf := make([]byte, metaRecordSize)
	buf[0] = r.Tag
	binary.BigEndian.PutUint64(buf[1:9], r.ObjectID)
	binary.BigEndian.PutUint64(buf[9:17], r.Epoch)
	binary.BigEndian.PutUint16(buf[17:19], r.SlabID)
	binary.BigEndian.PutUint32(buf[19:23], r.Slot)

	crc := crc32.Checksum(buf[:23], crc32c)
	binary.BigEndian.PutUint32(buf[23:27], crc)

	return buf
}

// decodeMetaRecord validates the record's CRC. A mismatch is the "torn
// write" signal recovery relies on (spec.md §9's fixed recovery ordering:
// scan forward, stop at the first CRC failure, treat the tail as absent).
func decodeMetaRecord(buf []byte) (metaRecord, bool) {
	if len(buf) < metaRecordSize {
		return metaRecord{}, false
	}

	crc := binary.BigEndian.Uint32(buf[23:27])

	got := crc32.Checksum(buf[:23], crc32c)
	if got != crc {
		return metaRecord{}, false
	}

	return metaRecord{
		Tag:      buf[0],
		ObjectID: binary.BigEndian.Uint64(buf[1:9]),
		Epoch:    binary.BigEndian.Uint64(buf[9:17]),
		SlabID:   binary.BigEndian.Uint16(buf[17:19]),
		Slot:     binary.BigEndian.Uint32(buf[19:23]),
	}, true
}
