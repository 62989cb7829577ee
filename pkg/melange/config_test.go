package melange

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_Options_Validate_Rejects_Empty_Path(t *testing.T) {
	opts := DefaultOptions("")

	if err := opts.validate(); err == nil {
		t.Fatalf("validate() with empty Path: want error, got nil")
	}
}

func Test_Options_Validate_Rejects_Out_Of_Range_EntryCachePercent(t *testing.T) {
	opts := DefaultOptions("/tmp/db")
	opts.EntryCachePercent = 150

	if err := opts.validate(); err == nil {
		t.Fatalf("validate() with EntryCachePercent=150: want error, got nil")
	}
}

func Test_Options_Validate_Rejects_Unknown_Compression_Algorithm(t *testing.T) {
	opts := DefaultOptions("/tmp/db")
	opts.CompressionAlgorithm = CompressionAlgorithm(99)

	if err := opts.validate(); err == nil {
		t.Fatalf("validate() with unknown compression algorithm: want error, got nil")
	}
}

func Test_Options_Validate_Auto_Sizes_Zero_CacheCapacity(t *testing.T) {
	opts := DefaultOptions("/tmp/db")
	opts.CacheCapacityBytes = 0

	if err := opts.validate(); err != nil {
		t.Fatalf("validate(): %v", err)
	}

	if opts.CacheCapacityBytes == 0 {
		t.Fatalf("validate() left CacheCapacityBytes at 0, want auto-sized")
	}
}

func Test_LoadConfigFile_Overrides_Defaults_And_Allows_Comments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "melange.jsonc")

	contents := `{
		// use lz4 for speed
		"compression_algorithm": "lz4",
		"flush_thread_count": 7,
	}`

	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	out, err := LoadConfigFile(path, DefaultOptions("/tmp/db"))
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	if out.CompressionAlgorithm != CompressionLz4 {
		t.Fatalf("CompressionAlgorithm = %v, want lz4", out.CompressionAlgorithm)
	}

	if out.FlushThreadCount != 7 {
		t.Fatalf("FlushThreadCount = %d, want 7", out.FlushThreadCount)
	}
}

func Test_LoadConfigFile_Leaves_Unset_Fields_At_Default(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "melange.jsonc")

	if err := os.WriteFile(path, []byte(`{"flush_thread_count": 3}`), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	def := DefaultOptions("/tmp/db")

	out, err := LoadConfigFile(path, def)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	if out.ZstdCompressionLevel != def.ZstdCompressionLevel {
		t.Fatalf("ZstdCompressionLevel = %d, want unchanged default %d", out.ZstdCompressionLevel, def.ZstdCompressionLevel)
	}
}

func Test_LoadConfigFile_Rejects_Unknown_Compression_Algorithm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "melange.jsonc")

	if err := os.WriteFile(path, []byte(`{"compression_algorithm": "brotli"}`), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	if _, err := LoadConfigFile(path, DefaultOptions("/tmp/db")); err == nil {
		t.Fatalf("LoadConfigFile with unknown algorithm: want error, got nil")
	}
}
