package disk

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// store is the on-disk bookkeeping shared by Cache and BlockCache: a sharded
// directory tree, a running byte count and size-bounded admission.
type store struct {
	dir            string       // root directory for cached files
	shardPrefixLen int          // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode  // permissions for created directories
	maxBytes       int64        // maximum cache size (0 = unlimited)
	bytes          atomic.Int64 // current total size of cached files
	pruneMu        sync.Mutex   // serializes prune operations
}

// Option configures a disk cache or block cache.
type Option func(*store)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *store) {
		s.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum cache size in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(s *store) {
		s.maxBytes = n
	}
}

func (s *store) init(dir string, opts []Option) error {
	if dir == "" {
		return errors.New("cache dir is empty")
	}
	s.dir = dir
	s.shardPrefixLen = defaultShardPrefixLen
	s.dirPerm = defaultDirPerm
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return errors.New("shard prefix length must be >= 0")
	}
	if s.maxBytes < 0 {
		return errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return err
	}
	size, err := dirSize(dir)
	if err != nil {
		return err
	}
	s.bytes.Store(size)
	return nil
}

// MaxBytes returns the configured cache size limit (0 = unlimited).
func (s *store) MaxBytes() int64 {
	return s.maxBytes
}

// SizeBytes returns the current cache size in bytes.
func (s *store) SizeBytes() int64 {
	return s.bytes.Load()
}

// Prune removes cached entries, least recently written first, until the cache
// is at or below targetBytes. It returns the number of bytes freed.
func (s *store) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	freed, remaining, err := pruneDir(s.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	s.bytes.Store(remaining)
	return freed, nil
}

// shardPath places key under dir, in a subdirectory named by its prefix.
func (s *store) shardPath(dir, key string) string {
	if s.shardPrefixLen <= 0 {
		return filepath.Join(dir, key)
	}
	n := min(s.shardPrefixLen, len(key))
	return filepath.Join(dir, key[:n], key)
}

// write copies r into path through a temp file in the same directory. An
// entry that already exists, or that does not fit under the size limit, is
// skipped without error. check runs after the copy and before the rename.
func (s *store) write(path, pattern string, r io.Reader, check func() error) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	discard := func(err error) error {
		_ = os.Remove(tmpPath)
		return err
	}

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return discard(err)
	}
	if err := tmp.Close(); err != nil {
		return discard(err)
	}
	if check != nil {
		if err := check(); err != nil {
			return discard(err)
		}
	}

	if ok, err := s.ensureCapacity(written); err != nil || !ok {
		return discard(err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return discard(nil)
		}
		return discard(err)
	}
	s.bytes.Add(written)
	return nil
}

// remove deletes path and releases its size. Missing files are not an error.
func (s *store) remove(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	s.bytes.Add(-info.Size())
	return nil
}

func (s *store) ensureCapacity(need int64) (bool, error) {
	if s.maxBytes <= 0 {
		return true, nil
	}
	if need > s.maxBytes {
		return false, nil
	}
	if s.SizeBytes()+need <= s.maxBytes {
		return true, nil
	}
	if _, err := s.Prune(s.maxBytes - need); err != nil {
		return false, err
	}
	return s.SizeBytes()+need <= s.maxBytes, nil
}
