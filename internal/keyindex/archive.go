package keyindex

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
)

var (
	archiveEncoder, _ = zstd.NewWriter(nil)
	archiveDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Archive compresses a sealed, about-to-be-destroyed IndexFile's raw
// bytes into dir before it is unlinked, so cold index data survives
// garbage collection for later inspection or replay. The archive file
// is named by the xxh3 digest of the compressed bytes, giving a
// stable, content-addressed name independent of the source file's
// timestamp-based name.
func Archive(f *IndexFile, dir string) (string, error) {
	f.mu.RLock()
	raw, err := os.ReadFile(f.path)
	f.mu.RUnlock()
	if err != nil {
		return "", fmt.Errorf("keyindex: archive read %s: %w", f.path, err)
	}

	compressed := archiveEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	digest := xxh3.Hash(compressed)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("keyindex: archive mkdir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%016x.idx.zst", digest)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, compressed, 0644); err != nil {
		return "", fmt.Errorf("keyindex: archive write %s: %w", path, err)
	}
	return path, nil
}

// RestoreArchive decompresses an archived IndexFile blob back into its
// original fixed-layout bytes, for operators restoring cold data.
func RestoreArchive(path string) ([]byte, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyindex: restore read %s: %w", path, err)
	}
	raw, err := archiveDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("keyindex: restore decompress %s: %w", path, err)
	}
	return raw, nil
}
