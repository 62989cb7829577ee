package melange

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_EncodeDecodePage_RoundTrips(t *testing.T) {
	payload := []byte("some compressed leaf bytes")

	raw := encodePage(pageKindFullLeaf, codecKindByte(CompressionZstd), 7, payload)

	hdr, got, err := decodePage(raw)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}

	if hdr.Kind != pageKindFullLeaf {
		t.Fatalf("Kind = %v, want full-leaf", hdr.Kind)
	}

	if hdr.Flags != 7 {
		t.Fatalf("Flags = %d, want 7", hdr.Flags)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
}

func Test_DecodePage_Detects_Payload_Corruption(t *testing.T) {
	raw := encodePage(pageKindFullLeaf, 0, 0, []byte("payload"))
	raw[pageHeaderSize] ^= 0xFF // flip a payload byte

	if _, _, err := decodePage(raw); err == nil {
		t.Fatalf("expected crc mismatch error")
	}
}

func Test_DecodePage_Detects_Trailer_Corruption(t *testing.T) {
	raw := encodePage(pageKindFullLeaf, 0, 0, []byte("payload"))
	raw[len(raw)-1] ^= 0xFF // flip a trailer byte

	if _, _, err := decodePage(raw); err == nil {
		t.Fatalf("expected trailer crc mismatch error")
	}
}

func Test_DecodePage_Rejects_Truncated_Buffer(t *testing.T) {
	if _, _, err := decodePage([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected truncation error")
	}
}

func Test_DecodePageHeader_Rejects_Bad_Magic(t *testing.T) {
	buf := encodePageHeader(pageHeader{Length: 0, Kind: pageKindFullLeaf})
	buf[0] ^= 0xFF

	if _, err := decodePageHeader(buf); err == nil {
		t.Fatalf("expected bad magic error")
	}
}

func Test_EncodeDecodeSlabHeader_RoundTrips(t *testing.T) {
	h := slabHeader{SlotSize: 4096, SlotCount: 12, Generation: 3}

	got, err := decodeSlabHeader(encodeSlabHeader(h))
	if err != nil {
		t.Fatalf("decodeSlabHeader: %v", err)
	}

	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("slab header round trip mismatch (-want +got):\n%s", diff)
	}
}

func Test_DecodeSlabHeader_Rejects_Bad_Magic(t *testing.T) {
	buf := encodeSlabHeader(slabHeader{SlotSize: 1})
	buf[0] ^= 0xFF

	if _, err := decodeSlabHeader(buf); err == nil {
		t.Fatalf("expected bad magic error")
	}
}

func Test_EncodeDecodeMetaRecord_RoundTrips(t *testing.T) {
	r := metaRecord{Tag: metaTagSet, ObjectID: 42, Epoch: 7, SlabID: 3, Slot: 99}

	got, ok := decodeMetaRecord(encodeMetaRecord(r))
	if !ok {
		t.Fatalf("decodeMetaRecord: ok = false")
	}

	if diff := cmp.Diff(r, got); diff != "" {
		t.Fatalf("meta record round trip mismatch (-want +got):\n%s", diff)
	}
}

func Test_DecodeMetaRecord_Detects_Torn_Write(t *testing.T) {
	buf := encodeMetaRecord(metaRecord{Tag: metaTagSet, ObjectID: 1, Epoch: 1, SlabID: 0, Slot: 0})
	buf[5] ^= 0xFF // corrupt a field byte without touching the crc

	if _, ok := decodeMetaRecord(buf); ok {
		t.Fatalf("expected crc mismatch to be detected as torn write")
	}
}
