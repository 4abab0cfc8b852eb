package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/asar/cache"
)

// BlockCache provides a disk-backed block cache for ByteSources.
// Each block is one file, keyed by the source ID, block size and block index.
// The cache is safe for concurrent use.
type BlockCache struct {
	store
	fetchGroup singleflight.Group // deduplicates concurrent fetches for same block
}

var _ cache.BlockCache = (*BlockCache)(nil)

// NewBlockCache creates a disk-backed block cache rooted at dir.
func NewBlockCache(dir string, opts ...Option) (*BlockCache, error) {
	c := &BlockCache{}
	if err := c.init(dir, opts); err != nil {
		return nil, fmt.Errorf("block cache: %w", err)
	}
	return c, nil
}

// Wrap returns a ByteSource that caches reads in fixed-size blocks.
func (c *BlockCache) Wrap(src cache.ByteSource, opts ...cache.WrapOption) (cache.ByteSource, error) {
	if src == nil {
		return nil, errors.New("block cache: source is nil")
	}
	cfg := cache.DefaultWrapConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("block cache: %w", err)
	}
	sourceID := src.SourceID()
	if sourceID == "" {
		return nil, errors.New("block cache: source id is empty")
	}
	return &cachedSource{
		src:              src,
		cache:            c,
		sourceID:         sourceID,
		blockSize:        cfg.BlockSize,
		maxBlocksPerRead: cfg.MaxBlocksPerRead,
	}, nil
}

// cachedSource wraps a ByteSource with block-level caching.
type cachedSource struct {
	src              cache.ByteSource
	cache            *BlockCache
	sourceID         string
	blockSize        int64
	maxBlocksPerRead int
}

func (s *cachedSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	size := s.src.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), size-off)

	first := off / s.blockSize
	last := (off + want - 1) / s.blockSize
	if s.maxBlocksPerRead > 0 && last-first+1 > int64(s.maxBlocksPerRead) {
		return s.src.ReadAt(p, off)
	}

	var n int64
	for index := first; index <= last; index++ {
		start := index * s.blockSize
		end := min(start+s.blockSize, size)

		data, err := s.cache.block(s.sourceID, s.blockSize, index, end-start, func() ([]byte, error) {
			return s.fetch(start, end-start)
		})
		if err != nil {
			return int(n), err
		}

		from := max(off, start)
		to := min(off+want, end)
		n += int64(copy(p[from-off:to-off], data[from-start:to-start]))
	}

	if want < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (s *cachedSource) ReadRange(off, length int64) (io.ReadCloser, error) {
	if length < 0 {
		return nil, fmt.Errorf("read range length %d: negative length", length)
	}
	if off < 0 {
		return nil, fmt.Errorf("read range %d: negative offset", off)
	}
	size := s.src.Size()
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if off >= size {
		return io.NopCloser(bytes.NewReader(nil)), io.EOF
	}
	length = min(length, size-off)
	return io.NopCloser(io.NewSectionReader(s, off, length)), nil
}

func (s *cachedSource) Size() int64 {
	return s.src.Size()
}

func (s *cachedSource) SourceID() string {
	return s.sourceID
}

func (s *cachedSource) fetch(off, length int64) ([]byte, error) {
	if rr, ok := s.src.(cache.RangeReader); ok {
		rc, err := rr.ReadRange(off, length)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	buf := make([]byte, length)
	n, err := s.src.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// block returns one cached block, fetching and storing it on a miss. A stored
// block of the wrong length is discarded and refetched.
func (c *BlockCache) block(sourceID string, blockSize, index, length int64, fetch func() ([]byte, error)) ([]byte, error) {
	key := blockKey(sourceID, blockSize, index)
	result, err, _ := c.fetchGroup.Do(key, func() (any, error) {
		path := c.shardPath(c.dir, key)
		data, err := os.ReadFile(path) //nolint:gosec // path is derived from a digest
		switch {
		case err == nil && int64(len(data)) == length:
			return data, nil
		case err == nil:
			_ = c.remove(path)
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}

		data, err = fetch()
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != length {
			return nil, io.ErrUnexpectedEOF
		}
		// Best effort: a failed write still serves the fetched block.
		_ = c.write(path, "block-*"+tmpSuffix, bytes.NewReader(data), nil) //nolint:errcheck // cache write is best-effort
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil //nolint:errcheck,forcetypeassert // Do returns what the closure returned
}

func blockKey(sourceID string, blockSize, index int64) string {
	d := digest.SHA256.Digester()
	h := d.Hash()
	_, _ = h.Write([]byte(sourceID)) //nolint:errcheck // hash writes never fail

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(blockSize)) //nolint:gosec // validated > 0
	binary.BigEndian.PutUint64(buf[8:], uint64(index))     //nolint:gosec // always >= 0
	_, _ = h.Write(buf[:])                                 //nolint:errcheck // hash writes never fail
	return d.Digest().Encoded()
}
