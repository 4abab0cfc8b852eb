package asar

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemSource_AddLink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		link   string
		target string
		want   string
	}{
		{"sibling", "dir/link", "file", "dir/file"},
		{"parent", "dir/sub/link", "../file", "dir/file"},
		{"root relative", "dir/link", "/other/file", "other/file"},
		{"at root", "link", "file", "file"},
		{"redundant segments", "dir/link", "./a//b/", "dir/a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := NewMemSource()
			require.NoError(t, src.AddLink(tt.link, tt.target))
			var got []SourceEntry
			require.NoError(t, src.Walk(context.Background(), func(e SourceEntry) error {
				got = append(got, e)
				return nil
			}))
			require.Len(t, got, 1)
			assert.Equal(t, KindSymlink, got[0].Kind)
			assert.Equal(t, tt.want, got[0].Link)
		})
	}
}

func TestMemSource_Rejects(t *testing.T) {
	t.Parallel()

	src := NewMemSource()
	require.NoError(t, src.AddFile("a", []byte("1"), false))
	require.ErrorIs(t, src.AddFile("a", []byte("2"), false), ErrInvalidPath)
	require.ErrorIs(t, src.AddDir("a"), ErrInvalidPath)
	require.ErrorIs(t, src.AddFile("", nil, false), ErrInvalidPath)
	require.ErrorIs(t, src.AddFile("x/../y", nil, false), ErrInvalidPath)
	require.ErrorIs(t, src.AddLink("l", "../outside"), ErrInvalidPath)
	require.ErrorIs(t, src.AddLink("l", ""), ErrInvalidPath)

	require.ErrorIs(t, src.AddFile("a\xff", nil, false), ErrInvalidPath)
	require.ErrorIs(t, src.AddLink("l", "x\xfe"), ErrInvalidPath)

	require.NoError(t, src.AddDir("d"))
	require.NoError(t, src.AddDir("/d/"), "adding a directory twice is a no-op")
}

func TestDirSource_RejectsInvalidUTF8Names(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a\xff"), []byte("x"), 0o644); err != nil {
		t.Skipf("file system rejects non-UTF-8 names: %v", err)
	}
	_, err := CreateBytes(context.Background(), DirSource(dir))
	require.ErrorIs(t, err, ErrInvalidPath)
	assert.NotErrorIs(t, err, ErrBuilderBug)

	dir = t.TempDir()
	writeTree(t, dir, map[string]string{"ok.txt": "x"})
	require.NoError(t, os.Symlink("ok\xff", filepath.Join(dir, "link")))
	_, err = CreateBytes(context.Background(), DirSource(dir))
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestMemSource_CopiesData(t *testing.T) {
	t.Parallel()

	data := []byte("original")
	src := NewMemSource()
	require.NoError(t, src.AddFile("f", data, false))
	copy(data, "mutated!")

	got, err := openBytes(t, mustCreate(t, src)).ReadFile("f")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}

func mustCreate(t *testing.T, src SourceTree, opts ...CreateOption) []byte {
	t.Helper()
	data, err := CreateBytes(context.Background(), src, opts...)
	require.NoError(t, err)
	return data
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestDirSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"index.js":       "console.log(1)",
		"lib/util.js":    "util",
		"lib/deep/x.txt": "x",
	})
	require.NoError(t, os.Chmod(filepath.Join(dir, "lib", "util.js"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "empty"), 0o755))
	require.NoError(t, os.Symlink("deep/x.txt", filepath.Join(dir, "lib", "rel")))
	require.NoError(t, os.Symlink(filepath.Join(dir, "index.js"), filepath.Join(dir, "abs")))

	a := openBytes(t, mustCreate(t, DirSource(dir)))

	got, err := a.ReadFile("lib/deep/x.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))

	e, err := a.Resolve("lib/util.js")
	require.NoError(t, err)
	assert.True(t, e.Executable())
	e, err = a.Resolve("index.js")
	require.NoError(t, err)
	assert.False(t, e.Executable())

	e, err = a.Resolve("empty")
	require.NoError(t, err)
	assert.True(t, e.IsDir())

	e, err = a.Resolve("lib/rel")
	require.NoError(t, err)
	require.True(t, e.IsSymlink())
	assert.Equal(t, "lib/deep/x.txt", e.Link())

	e, err = a.Resolve("abs")
	require.NoError(t, err)
	require.True(t, e.IsSymlink())
	assert.Equal(t, "index.js", e.Link())

	got, err = a.ReadFile("abs")
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(got))
}

func TestDirSource_RejectsEscapingLinks(t *testing.T) {
	t.Parallel()

	outside := t.TempDir()
	writeTree(t, outside, map[string]string{"secret": "s"})

	dir := t.TempDir()
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(dir, "abs")))
	_, err := CreateBytes(context.Background(), DirSource(dir))
	require.ErrorIs(t, err, ErrInvalidPath)

	dir = t.TempDir()
	require.NoError(t, os.Symlink("../escape", filepath.Join(dir, "rel")))
	_, err = CreateBytes(context.Background(), DirSource(dir))
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestDirSource_MissingRoot(t *testing.T) {
	t.Parallel()

	_, err := CreateBytes(context.Background(), DirSource(filepath.Join(t.TempDir(), "missing")))
	require.ErrorIs(t, err, os.ErrNotExist)
}
