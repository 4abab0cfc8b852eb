// Package testutil provides in-memory sources, caches and raw archive
// builders for tests.
package testutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/asar/internal/framing"
)

// MockByteSource implements a simple in-memory byte source for tests.
type MockByteSource struct {
	data     []byte
	sourceID string
	reads    atomic.Int64
}

// NewMockByteSource returns a byte source backed by the provided data.
func NewMockByteSource(data []byte) *MockByteSource {
	sum := sha256.Sum256(data)
	return &MockByteSource{
		data:     data,
		sourceID: "mock:" + hex.EncodeToString(sum[:]),
	}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockByteSource) ReadAt(p []byte, off int64) (int, error) {
	m.reads.Add(1)
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockByteSource) Size() int64 {
	return int64(len(m.data))
}

// SourceID returns a stable identifier for the source data.
func (m *MockByteSource) SourceID() string {
	return m.sourceID
}

// Bytes returns the backing slice for tests that need to mutate data.
func (m *MockByteSource) Bytes() []byte {
	return m.data
}

// Reads returns the number of ReadAt calls so far.
func (m *MockByteSource) Reads() int64 {
	return m.reads.Load()
}

// ErrInjected is returned by FailingSource reads.
var ErrInjected = errors.New("testutil: injected read failure")

// FailingSource serves data but fails every read touching [FailFrom, Size).
type FailingSource struct {
	*MockByteSource
	FailFrom int64
}

// ReadAt fails with ErrInjected once the read reaches FailFrom.
func (f *FailingSource) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > f.FailFrom {
		return 0, ErrInjected
	}
	return f.MockByteSource.ReadAt(p, off)
}

// Frame wraps header in the archive envelope and appends data.
func Frame(t testing.TB, header string, data []byte) []byte {
	t.Helper()
	framed, err := framing.Encode([]byte(header))
	if err != nil {
		t.Fatalf("frame header: %v", err)
	}
	return append(framed, data...)
}

// MockCache implements a basic concurrency-safe cache for tests.
type MockCache struct {
	mu   sync.RWMutex
	data map[digest.Digest][]byte
	puts int
}

// NewMockCache constructs an empty in-memory cache.
func NewMockCache() *MockCache {
	return &MockCache{data: make(map[digest.Digest][]byte)}
}

// Get returns an fs.File for reading cached content.
func (c *MockCache) Get(dgst digest.Digest) (fs.File, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[dgst]
	if !ok {
		return nil, false
	}
	return &mockCacheFile{Reader: bytes.NewReader(data), size: int64(len(data))}, true
}

// Put stores content by reading from the provided fs.File. It does not
// check the digest, so tests can plant bad entries.
func (c *MockCache) Put(dgst digest.Digest, f fs.File) error {
	content, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[dgst] = content
	c.puts++
	return nil
}

// Delete removes cached content for the given digest.
func (c *MockCache) Delete(dgst digest.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, dgst)
	return nil
}

// MaxBytes returns zero: the mock has no limit.
func (c *MockCache) MaxBytes() int64 { return 0 }

// SizeBytes returns the current cache size in bytes.
func (c *MockCache) SizeBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, data := range c.data {
		total += int64(len(data))
	}
	return total
}

// Prune drops every entry when the cache is above targetBytes.
func (c *MockCache) Prune(targetBytes int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, data := range c.data {
		total += int64(len(data))
	}
	if total <= max(targetBytes, 0) {
		return 0, nil
	}
	clear(c.data)
	return total, nil
}

// GetBytes retrieves raw bytes by digest (for test assertions).
func (c *MockCache) GetBytes(dgst digest.Digest) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[dgst]
	return data, ok
}

// SetBytes replaces the stored bytes for dgst.
func (c *MockCache) SetBytes(dgst digest.Digest, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[dgst] = data
}

// Puts returns the number of successful Put calls.
func (c *MockCache) Puts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.puts
}

// mockCacheFile wraps a bytes.Reader to implement fs.File.
type mockCacheFile struct {
	*bytes.Reader
	size int64
}

func (f *mockCacheFile) Stat() (fs.FileInfo, error) {
	return &mockFileInfo{size: f.size}, nil
}

func (f *mockCacheFile) Close() error {
	return nil
}

// mockFileInfo implements fs.FileInfo for mockCacheFile.
type mockFileInfo struct {
	size int64
}

func (fi *mockFileInfo) Name() string       { return "" }
func (fi *mockFileInfo) Size() int64        { return fi.size }
func (fi *mockFileInfo) Mode() fs.FileMode  { return 0o644 }
func (fi *mockFileInfo) ModTime() time.Time { return time.Time{} }
func (fi *mockFileInfo) IsDir() bool        { return false }
func (fi *mockFileInfo) Sys() any           { return nil }
