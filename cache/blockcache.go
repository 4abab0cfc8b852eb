package cache

import (
	"errors"
	"io"
	"math"
)

// ByteSource is the archive resource a BlockCache sits in front of. The
// local file source and http.Source both satisfy it.
type ByteSource interface {
	io.ReaderAt
	Size() int64

	// SourceID names the bytes behind the source. Blocks are stored under
	// it, so two sources reporting the same ID must hold the same archive.
	SourceID() string
}

// RangeReader streams a byte range. Sources that implement it, such as
// http.Source, are fetched one block per range request.
type RangeReader interface {
	ReadRange(off, length int64) (io.ReadCloser, error)
}

// BlockCache keeps fixed-size blocks of archive sources on local storage.
//
// Opening an archive reads the 8-byte prefix and then the header envelope,
// and every file is fetched on first use. Against a remote archive that is a
// string of small ranges; with a block cache, reopening the same archive is
// served locally. A ReadAt spanning more than MaxBlocksPerRead blocks, such
// as streaming a large file, goes straight to the source.
type BlockCache interface {
	// Wrap returns a caching view of src. The view also implements
	// RangeReader.
	Wrap(src ByteSource, opts ...WrapOption) (ByteSource, error)

	// MaxBytes is the size limit, 0 for none.
	MaxBytes() int64

	// SizeBytes is the space the cached blocks currently use.
	SizeBytes() int64

	// Prune evicts blocks until at most targetBytes remain and reports the
	// bytes freed.
	Prune(targetBytes int64) (int64, error)
}

const (
	// DefaultBlockSize fits the header of a typical archive in one block.
	DefaultBlockSize int64 = 64 << 10

	// DefaultMaxBlocksPerRead is the widest ReadAt that is still cached.
	DefaultMaxBlocksPerRead = 4
)

// WrapConfig holds the settings of one wrapped source.
type WrapConfig struct {
	// BlockSize is the length of each cached block. Only the last block of
	// a source may be shorter.
	BlockSize int64

	// MaxBlocksPerRead bounds the blocks a single ReadAt may pull through
	// the cache. Zero removes the bound.
	MaxBlocksPerRead int
}

// DefaultWrapConfig returns DefaultBlockSize and DefaultMaxBlocksPerRead.
func DefaultWrapConfig() WrapConfig {
	return WrapConfig{
		BlockSize:        DefaultBlockSize,
		MaxBlocksPerRead: DefaultMaxBlocksPerRead,
	}
}

// Validate rejects settings a block cache cannot honor.
func (c WrapConfig) Validate() error {
	switch {
	case c.BlockSize <= 0:
		return errors.New("block size must be > 0")
	case c.BlockSize > math.MaxInt32:
		return errors.New("block size is too large")
	case c.MaxBlocksPerRead < 0:
		return errors.New("max blocks per read must be >= 0")
	}
	return nil
}

// WrapOption adjusts a WrapConfig.
type WrapOption func(*WrapConfig)

// WithBlockSize sets WrapConfig.BlockSize.
func WithBlockSize(n int64) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.BlockSize = n
	}
}

// WithMaxBlocksPerRead sets WrapConfig.MaxBlocksPerRead. Negative values
// are rejected by Wrap.
func WithMaxBlocksPerRead(n int) WrapOption {
	return func(cfg *WrapConfig) {
		cfg.MaxBlocksPerRead = n
	}
}
