package melange

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tailscale/hujson"
)

// CompressionAlgorithm selects the codec used for pages written to the heap.
//
// See [Codec] for the pluggable interface; the concrete choice here is a
// small sum type, not a per-build compile flag, per spec.md §9.
type CompressionAlgorithm int

const (
	// CompressionNone stores pages uncompressed.
	CompressionNone CompressionAlgorithm = iota
	// CompressionLz4 compresses pages with LZ4 (fast, moderate ratio).
	CompressionLz4
	// CompressionZstd compresses pages with Zstandard (slower, better ratio).
	CompressionZstd
)

func (c CompressionAlgorithm) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLz4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("CompressionAlgorithm(%d)", int(c))
	}
}

// CacheWarmupStrategy controls how much of the cache is primed at Open.
type CacheWarmupStrategy int

const (
	// WarmupNone performs no warmup; leaves load lazily on first access.
	WarmupNone CacheWarmupStrategy = iota
	// WarmupRecent does no extra work at Open: the location map is
	// already primed by the metadata-log replay every Open performs, and
	// no leaf bytes are read.
	WarmupRecent
	// WarmupHot additionally loads recovered leaves into the object cache
	// until its byte budget is reached. Leaves are taken in map iteration
	// order, not by how recently they were touched.
	WarmupHot
	// WarmupFull eagerly loads every leaf in every collection.
	WarmupFull
)

// SmartFlushOptions configures the adaptive flush scheduler (spec.md §4.I).
type SmartFlushOptions struct {
	Enabled bool

	// BaseIntervalMs is the starting point for the delay computation.
	BaseIntervalMs int
	// MinIntervalMs and MaxIntervalMs clamp the computed delay.
	MinIntervalMs int
	MaxIntervalMs int

	// WriteRateThreshold is in writes/second (EWMA, ~1s window).
	WriteRateThreshold float64
	// AccumulatedBytesThreshold triggers an immediate (zero-delay) flush.
	AccumulatedBytesThreshold uint64
}

// DefaultSmartFlushOptions mirrors the defaults implied by spec.md §4.I.
func DefaultSmartFlushOptions() SmartFlushOptions {
	return SmartFlushOptions{
		Enabled:                   true,
		BaseIntervalMs:            200,
		MinIntervalMs:             50,
		MaxIntervalMs:             2000,
		WriteRateThreshold:        1000,
		AccumulatedBytesThreshold: 8 << 20,
	}
}

// Options configures [Open]. Every field enumerated in spec.md §6 is
// represented here; validation happens eagerly in [Open], matching
// pkg/slotcache/open.go's validate-then-construct style in the teacher repo.
type Options struct {
	// Path is the directory the database lives in. Required.
	Path string

	// CacheCapacityBytes bounds the object cache's resident leaf bytes.
	// Zero means "auto-size from available system memory" (see
	// defaultCacheCapacityBytes), matching the original Rust
	// implementation's platform-aware sizing (SPEC_FULL.md supplement).
	CacheCapacityBytes uint64

	// EntryCachePercent is the percentage of CacheCapacityBytes given to
	// the block cache; the object cache gets the remaining
	// (100 - EntryCachePercent) percent.
	EntryCachePercent int

	// FlushEveryMs switches the background flusher on or off: nil or 0
	// disables periodic flushing entirely (flush then only happens via
	// explicit Tree.Flush, Close, or a cache-full eviction). When it is
	// positive the flush timing comes from SmartFlush; the value itself
	// does not set the tick length.
	FlushEveryMs *int

	// ZstdCompressionLevel is passed to the zstd encoder when
	// CompressionAlgorithm is CompressionZstd.
	ZstdCompressionLevel int

	// CompressionAlgorithm selects the page codec.
	CompressionAlgorithm CompressionAlgorithm

	// TargetHeapFileFillRatio drives slab GC (spec.md §4.A maybe_gc).
	TargetHeapFileFillRatio float64

	// MaxInlineValueThreshold: values larger than this are stored
	// out-of-line and referenced by the leaf instead of inlined.
	MaxInlineValueThreshold int

	// IncrementalSerializationThreshold gates full-vs-incremental leaf
	// serialization (spec.md §4.D).
	IncrementalSerializationThreshold int

	// FlushThreadCount sizes the parallel leaf-serialization worker pool
	// used during flush (spec.md §4.F step 4).
	FlushThreadCount int

	// CacheWarmupStrategy controls Open-time cache priming.
	CacheWarmupStrategy CacheWarmupStrategy

	// BloomFalsePositiveRate sizes per-leaf Bloom filters (SPEC_FULL.md
	// supplement over spec.md's illustrative fixed 1%).
	BloomFalsePositiveRate float64

	// SmartFlush configures the adaptive scheduler.
	SmartFlush SmartFlushOptions

	// Logger receives operator-facing diagnostics from the background
	// flusher (a periodic flush that failed). GC runs only when called via
	// [Db.GC] and returns its errors instead of logging them. Nil means
	// "log nothing" (the default,
	// matching the teacher's no-logging-library-in-the-core discipline).
	Logger func(format string, args ...any)
}

// LeafFanout is the compile-time keys-per-leaf bound (LEAF_FANOUT) named in spec.md §3.
// A constant, not a config option, matching the spec's "compile-time
// constant" wording.
const LeafFanout = 128

// DefaultOptions returns the defaults enumerated in spec.md §6.
func DefaultOptions(path string) Options {
	flushEvery := 200

	return Options{
		Path:                              path,
		CacheCapacityBytes:                512 << 20,
		EntryCachePercent:                 20,
		FlushEveryMs:                      &flushEvery,
		ZstdCompressionLevel:              3,
		CompressionAlgorithm:              CompressionZstd,
		TargetHeapFileFillRatio:           0.9,
		MaxInlineValueThreshold:           4096,
		IncrementalSerializationThreshold: 8192,
		FlushThreadCount:                  2,
		CacheWarmupStrategy:               WarmupNone,
		BloomFalsePositiveRate:            0.01,
		SmartFlush:                        DefaultSmartFlushOptions(),
	}
}

// validate checks every option against the ranges named in spec.md §6,
// returning a wrapped [ErrInvalidOption] on the first violation.
func (o *Options) validate() error {
	if o.Path == "" {
		return fmt.Errorf("path is required: %w", ErrInvalidOption)
	}

	if o.EntryCachePercent < 0 || o.EntryCachePercent > 100 {
		return fmt.Errorf("entry_cache_percent %d out of range [0,100]: %w", o.EntryCachePercent, ErrInvalidOption)
	}

	if o.TargetHeapFileFillRatio < 0 || o.TargetHeapFileFillRatio > 1 {
		return fmt.Errorf("target_heap_file_fill_ratio %f out of range [0,1]: %w", o.TargetHeapFileFillRatio, ErrInvalidOption)
	}

	if o.MaxInlineValueThreshold < 0 {
		return fmt.Errorf("max_inline_value_threshold must be >= 0: %w", ErrInvalidOption)
	}

	if o.IncrementalSerializationThreshold < 0 {
		return fmt.Errorf("incremental_serialization_threshold must be >= 0: %w", ErrInvalidOption)
	}

	if o.FlushThreadCount < 1 {
		return fmt.Errorf("flush_thread_count must be >= 1, got %d: %w", o.FlushThreadCount, ErrInvalidOption)
	}

	if o.BloomFalsePositiveRate <= 0 || o.BloomFalsePositiveRate >= 1 {
		return fmt.Errorf("bloom_false_positive_rate %f out of range (0,1): %w", o.BloomFalsePositiveRate, ErrInvalidOption)
	}

	switch o.CompressionAlgorithm {
	case CompressionNone, CompressionLz4, CompressionZstd:
	default:
		return fmt.Errorf("unknown compression_algorithm %d: %w", int(o.CompressionAlgorithm), ErrInvalidOption)
	}

	if o.FlushEveryMs != nil && *o.FlushEveryMs < 0 {
		return fmt.Errorf("flush_every_ms must be >= 0: %w", ErrInvalidOption)
	}

	sf := o.SmartFlush
	if sf.Enabled {
		if sf.MinIntervalMs <= 0 || sf.MaxIntervalMs < sf.MinIntervalMs {
			return fmt.Errorf("smart flush interval bounds invalid (min=%d max=%d): %w", sf.MinIntervalMs, sf.MaxIntervalMs, ErrInvalidOption)
		}

		if sf.WriteRateThreshold <= 0 {
			return fmt.Errorf("smart flush write_rate_threshold must be > 0: %w", ErrInvalidOption)
		}
	}

	if o.CacheCapacityBytes == 0 {
		o.CacheCapacityBytes = defaultCacheCapacityBytes()
	}

	return nil
}

// defaultCacheCapacityBytes auto-sizes the cache budget from available
// system memory when Options.CacheCapacityBytes is left at zero, mirroring
// original_source/src/platform_utils.rs's platform-aware sizing
// (SPEC_FULL.md supplement). Falls back to the spec's documented default of
// 512 MiB when system memory cannot be determined.
func defaultCacheCapacityBytes() uint64 {
	const fallback = 512 << 20

	total := sysTotalMemoryBytes()
	if total == 0 {
		return fallback
	}

	// Use an eighth of system memory, floored at the documented default
	// and capped at 8 GiB so a single embedded store does not dominate a
	// shared host.
	budget := total / 8
	if budget < fallback {
		return fallback
	}

	const capBytes = 8 << 30
	if budget > capBytes {
		return capBytes
	}

	return budget
}

// sysTotalMemoryBytes reports total system memory, or 0 if it cannot be
// determined on this platform. Linux-only fast path via /proc/meminfo to
// avoid a cgo dependency; other platforms fall back to the caller's default.
func sysTotalMemoryBytes() uint64 {
	if runtime.GOOS != "linux" {
		return 0
	}

	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}

	var kb uint64

	_, err = fmt.Sscanf(string(data), "MemTotal: %d kB", &kb)
	if err != nil {
		return 0
	}

	return kb * 1024
}

// configFile is the on-disk JSONC shape loaded by [LoadConfigFile],
// mirroring the teacher's root config.go precedence chain (defaults ->
// global config -> project config -> explicit file -> CLI overrides),
// narrowed here to "file -> explicit Options overrides" since melange is a
// library, not an interactive tool with a home directory notion of its own.
type configFile struct {
	CacheCapacityBytes                *uint64  `json:"cache_capacity_bytes,omitempty"`
	EntryCachePercent                 *int     `json:"entry_cache_percent,omitempty"`
	FlushEveryMs                      *int     `json:"flush_every_ms,omitempty"`
	ZstdCompressionLevel              *int     `json:"zstd_compression_level,omitempty"`
	CompressionAlgorithm              *string  `json:"compression_algorithm,omitempty"`
	TargetHeapFileFillRatio           *float64 `json:"target_heap_file_fill_ratio,omitempty"`
	MaxInlineValueThreshold           *int     `json:"max_inline_value_threshold,omitempty"`
	IncrementalSerializationThreshold *int     `json:"incremental_serialization_threshold,omitempty"`
	FlushThreadCount                  *int     `json:"flush_thread_count,omitempty"`
}

// LoadConfigFile reads a JSONC (JSON-with-comments) config file at path —
// using [hujson] the same way the teacher's config.go loads ".tk.json" — and
// applies it on top of def. Unset fields in the file leave def's values
// untouched.
func LoadConfigFile(path string, def Options) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return Options{}, fmt.Errorf("parsing jsonc config file %s: %w", path, err)
	}

	var cf configFile
	if err := json.Unmarshal(std, &cf); err != nil {
		return Options{}, fmt.Errorf("decoding config file %s: %w", path, err)
	}

	out := def

	if cf.CacheCapacityBytes != nil {
		out.CacheCapacityBytes = *cf.CacheCapacityBytes
	}

	if cf.EntryCachePercent != nil {
		out.EntryCachePercent = *cf.EntryCachePercent
	}

	if cf.FlushEveryMs != nil {
		v := *cf.FlushEveryMs
		out.FlushEveryMs = &v
	}

	if cf.ZstdCompressionLevel != nil {
		out.ZstdCompressionLevel = *cf.ZstdCompressionLevel
	}

	if cf.CompressionAlgorithm != nil {
		switch *cf.CompressionAlgorithm {
		case "none":
			out.CompressionAlgorithm = CompressionNone
		case "lz4":
			out.CompressionAlgorithm = CompressionLz4
		case "zstd":
			out.CompressionAlgorithm = CompressionZstd
		default:
			return Options{}, fmt.Errorf("config file %s: unknown compression_algorithm %q: %w", path, *cf.CompressionAlgorithm, ErrInvalidOption)
		}
	}

	if cf.TargetHeapFileFillRatio != nil {
		out.TargetHeapFileFillRatio = *cf.TargetHeapFileFillRatio
	}

	if cf.MaxInlineValueThreshold != nil {
		out.MaxInlineValueThreshold = *cf.MaxInlineValueThreshold
	}

	if cf.IncrementalSerializationThreshold != nil {
		out.IncrementalSerializationThreshold = *cf.IncrementalSerializationThreshold
	}

	if cf.FlushThreadCount != nil {
		out.FlushThreadCount = *cf.FlushThreadCount
	}

	return out, nil
}

// metaLogPath, checkpointPath, slabPath, and lockPath name the on-disk
// layout fixed in spec.md §6.
func metaLogPath(dir string) string { return filepath.Join(dir, "meta.log") }

func checkpointPath(dir string) string { return filepath.Join(dir, "meta.checkpoint") }

func slabDir(dir string) string { return filepath.Join(dir, "slabs") }

func slabPath(dir string, sizeClass int) string {
	return filepath.Join(slabDir(dir), fmt.Sprintf("%03d", sizeClass))
}

func lockPath(dir string) string { return filepath.Join(dir, "lock") }

// flushTickInterval returns FlushEveryMs as a duration, or 0 if periodic
// flushing is disabled. Open starts the background flusher only when it is
// positive.
func (o *Options) flushTickInterval() time.Duration {
	if o.FlushEveryMs == nil {
		return 0
	}

	return time.Duration(*o.FlushEveryMs) * time.Millisecond
}
