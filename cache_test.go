package asar

import (
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/asar/cache"
	"github.com/meigma/asar/cache/disk"
	"github.com/meigma/asar/internal/testutil"
)

func TestArchive_Cache(t *testing.T) {
	t.Parallel()

	data := buildArchive(t, map[string]string{
		"a.txt": "hello world",
		"b.txt": "second file",
	}, CreateWithBlockSize(4))
	src := testutil.NewMockByteSource(data)
	mc := testutil.NewMockCache()
	a, err := Open(src, WithCache(mc))
	require.NoError(t, err)

	e, err := a.Resolve("a.txt")
	require.NoError(t, err)
	dgst := e.Integrity().Digest()

	got, err := a.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.Equal(t, 1, mc.Puts())
	cached, ok := mc.GetBytes(dgst)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(cached))

	reads := src.Reads()
	got, err = a.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.Equal(t, reads, src.Reads(), "hit is served without touching the source")
	assert.Equal(t, 1, mc.Puts())

	f, err := a.OpenFile("b.txt")
	require.NoError(t, err)
	got, err = io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "second file", string(got))
	assert.Equal(t, 2, mc.Puts())
}

func TestArchive_CacheCorruptEntry(t *testing.T) {
	t.Parallel()

	data := buildArchive(t, map[string]string{"a.txt": "hello world"}, CreateWithBlockSize(4))
	mc := testutil.NewMockCache()
	a := openBytes(t, data, WithCache(mc))

	e, err := a.Resolve("a.txt")
	require.NoError(t, err)
	dgst := e.Integrity().Digest()
	mc.SetBytes(dgst, []byte("HELLO WORLD"))

	got, err := a.ReadFile("a.txt")
	require.NoError(t, err, "a corrupt cache entry falls back to the archive")
	assert.Equal(t, "hello world", string(got))

	cached, ok := mc.GetBytes(dgst)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(cached), "the corrupt entry is replaced")

	mc.SetBytes(dgst, []byte("HELLO WORLD"))
	f, err := a.OpenFile("a.txt")
	require.NoError(t, err)
	_, err = io.ReadAll(f)
	require.ErrorIs(t, err, ErrIntegrity)
	f.Close()
	_, ok = mc.GetBytes(dgst)
	assert.False(t, ok, "OpenFile evicts a corrupt entry")
}

func TestArchive_CacheConcurrentReads(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("0123456789", 100)
	data := buildArchive(t, map[string]string{"big.txt": content}, CreateWithBlockSize(64))
	mc := testutil.NewMockCache()
	a := openBytes(t, data, WithCache(mc))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := a.ReadFile("big.txt")
			assert.NoError(t, err)
			assert.Equal(t, content, string(got))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, mc.Puts(), 8)
	cached, ok := mc.GetBytes(mustDigest(t, a, "big.txt"))
	require.True(t, ok)
	assert.Equal(t, content, string(cached))
}

func mustDigest(t *testing.T, a *Archive, name string) digest.Digest {
	t.Helper()
	e, err := a.Resolve(name)
	require.NoError(t, err)
	return e.Integrity().Digest()
}

func TestArchive_BlockCache(t *testing.T) {
	t.Parallel()

	data := buildArchive(t, map[string]string{
		"a.txt":     "alpha",
		"dir/b.txt": "bravo",
	})
	bc, err := disk.NewBlockCache(t.TempDir())
	require.NoError(t, err)

	first := testutil.NewMockByteSource(data)
	a, err := Open(first, WithBlockCache(bc))
	require.NoError(t, err)
	got, err := a.ReadFile("dir/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(got))
	assert.Positive(t, first.Reads())
	assert.Positive(t, bc.SizeBytes())

	// Same content, same SourceID: everything comes from the cache.
	second := testutil.NewMockByteSource(data)
	a, err = Open(second, WithBlockCache(bc))
	require.NoError(t, err)
	got, err = a.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))
	assert.Zero(t, second.Reads())
}

func TestArchive_BlockCacheWrapOptions(t *testing.T) {
	t.Parallel()

	data := buildArchive(t, map[string]string{"a.txt": strings.Repeat("a", 100)})
	bc, err := disk.NewBlockCache(t.TempDir())
	require.NoError(t, err)

	_, err = Open(testutil.NewMockByteSource(data), WithBlockCache(bc, cache.WithBlockSize(0)))
	require.Error(t, err)

	opts := []cache.WrapOption{cache.WithBlockSize(16), cache.WithMaxBlocksPerRead(0)}
	a, err := Open(testutil.NewMockByteSource(data), WithBlockCache(bc, opts...))
	require.NoError(t, err)
	_, err = a.ReadFile("a.txt")
	require.NoError(t, err)

	again := testutil.NewMockByteSource(data)
	a, err = Open(again, WithBlockCache(bc, opts...))
	require.NoError(t, err)
	got, err := a.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 100), string(got))
	assert.Zero(t, again.Reads())
}

func TestArchive_BlockCacheNeedsSourceID(t *testing.T) {
	t.Parallel()

	bc, err := disk.NewBlockCache(t.TempDir())
	require.NoError(t, err)
	_, err = Open(readerAtSize{}, WithBlockCache(bc))
	require.Error(t, err)
}

type readerAtSize struct{}

func (readerAtSize) ReadAt([]byte, int64) (int, error) { return 0, io.EOF }
func (readerAtSize) Size() int64                       { return 0 }
