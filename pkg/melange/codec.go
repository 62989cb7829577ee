package melange

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses page payloads.
//
// Modeled on spec.md §9's "Global static allocator selection" re-design
// note: the compression choice is a small interface plus a sum type
// ([CompressionAlgorithm]), not a build-time compile flag.
type Codec interface {
	// Compress appends the compressed form of src to dst and returns the
	// result.
	Compress(dst, src []byte) []byte
	// Decompress appends the decompressed form of src to dst and returns
	// the result. decompressedLen is the expected output size, or -1 when
	// unknown (the page header records only the compressed length, and the
	// callers in this package pass -1). The zstd codec checks the output
	// against it when it is >= 0; the identity and lz4 codecs ignore it.
	Decompress(dst, src []byte, decompressedLen int) ([]byte, error)
}

// identityCodec performs no compression.
type identityCodec struct{}

func (identityCodec) Compress(dst, src []byte) []byte {
	return append(dst, src...)
}

func (identityCodec) Decompress(dst, src []byte, _ int) ([]byte, error) {
	return append(dst, src...), nil
}

// lz4Codec wraps github.com/pierrec/lz4/v4, the standard real Go LZ4
// implementation (not present in the retrieved example pack, but the
// conventional pairing alongside klauspost/compress's zstd codec in Go
// storage engines — see DESIGN.md).
type lz4Codec struct{}

// lz4Codec's block API (unlike zstd's self-framing format) needs the exact
// decompressed length up front to size its output buffer, and the page
// header only records the compressed length (spec.md §6). So Compress
// prefixes a tag byte: 0 for raw bytes stored as-is, or 1 followed by a
// big-endian uint32 original length for a compressed block, rather than
// relying on a caller-supplied decompressedLen.
func (lz4Codec) Compress(dst, src []byte) []byte {
	buf := make([]byte, lz4.CompressBlockBound(len(src)))

	var c lz4.Compressor

	n, err := c.CompressBlock(src, buf)
	if err != nil || n == 0 {
		// Incompressible or too small to benefit: store raw, prefixed so
		// Decompress can tell the two cases apart.
		dst = append(dst, 0)

		return append(dst, src...)
	}

	dst = append(dst, 1)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(src)))
	dst = append(dst, lenBuf[:]...)

	return append(dst, buf[:n]...)
}

func (lz4Codec) Decompress(dst, src []byte, _ int) ([]byte, error) {
	if len(src) == 0 {
		return dst, nil
	}

	tag, body := src[0], src[1:]
	if tag == 0 {
		return append(dst, body...), nil
	}

	if len(body) < 4 {
		return nil, fmt.Errorf("lz4 payload missing length prefix: %w", ErrCorruption)
	}

	originalLen := binary.BigEndian.Uint32(body[:4])
	out := make([]byte, originalLen)

	n, err := lz4.UncompressBlock(body[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w: %w", err, ErrCorruption)
	}

	return append(dst, out[:n]...), nil
}

// zstdCodec wraps github.com/klauspost/compress/zstd.
//
// Encoders/decoders are pooled because both are relatively expensive to
// construct and the heap's write_batch/read paths are called from multiple
// goroutines.
type zstdCodec struct {
	level zstd.EncoderLevel

	encoders sync.Pool
	decoders sync.Pool
}

func newZstdCodec(level int) *zstdCodec {
	c := &zstdCodec{level: zstdEncoderLevel(level)}

	c.encoders.New = func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
		if err != nil {
			// zstd.NewWriter only fails on invalid options, which cannot
			// happen here since the level is always validated.
			panic(fmt.Sprintf("melange: zstd encoder: %v", err))
		}

		return enc
	}

	c.decoders.New = func() any {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(fmt.Sprintf("melange: zstd decoder: %v", err))
		}

		return dec
	}

	return c
}

// zstdEncoderLevel maps the classic zstd 1-22 compression-level scale
// (zstd_compression_level in spec.md §6) onto klauspost/compress/zstd's
// coarser [zstd.EncoderLevel] speed/ratio tiers.
func zstdEncoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (c *zstdCodec) Compress(dst, src []byte) []byte {
	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)

	return enc.EncodeAll(src, dst)
}

func (c *zstdCodec) Decompress(dst, src []byte, decompressedLen int) ([]byte, error) {
	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)

	out, err := dec.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w: %w", err, ErrCorruption)
	}

	if decompressedLen >= 0 && len(out)-len(dst) != decompressedLen {
		return nil, fmt.Errorf("zstd decompress: length mismatch, want %d got %d: %w", decompressedLen, len(out)-len(dst), ErrCorruption)
	}

	return out, nil
}

// newCodec constructs the [Codec] for the configured algorithm.
func newCodec(algo CompressionAlgorithm, zstdLevel int) (Codec, error) {
	switch algo {
	case CompressionNone:
		return identityCodec{}, nil
	case CompressionLz4:
		return lz4Codec{}, nil
	case CompressionZstd:
		return newZstdCodec(zstdLevel), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %d: %w", int(algo), ErrInvalidOption)
	}
}

// codecKindByte maps a CompressionAlgorithm to the on-disk page header
// "codec" byte (spec.md §6 page header format).
func codecKindByte(algo CompressionAlgorithm) byte {
	switch algo {
	case CompressionNone:
		return 0
	case CompressionLz4:
		return 1
	case CompressionZstd:
		return 2
	default:
		return 0xFF
	}
}

func codecFromKindByte(b byte) (CompressionAlgorithm, error) {
	switch b {
	case 0:
		return CompressionNone, nil
	case 1:
		return CompressionLz4, nil
	case 2:
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown page codec byte %d: %w", b, ErrCorruption)
	}
}
