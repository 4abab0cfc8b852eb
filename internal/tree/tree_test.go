package tree

import (
	"bytes"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/asar/internal/asartype"
	"github.com/meigma/asar/internal/integrity"
)

// sample builds:
//
//	a/b/c      file (offset 0, size 3)
//	a/d        file (offset 3, size 2, executable)
//	link       -> a/b
//	loop       -> loop
//	up         unpacked file
func sample(t *testing.T) *Tree {
	t.Helper()
	root := NewDir()
	require.NoError(t, root.Insert("a/b/c", NewFile(FileAttrs{Size: 3})))
	require.NoError(t, root.Insert("a/d", NewFile(FileAttrs{Size: 2, Offset: 3, Executable: true})))
	require.NoError(t, root.Insert("link", NewSymlink("a/b")))
	require.NoError(t, root.Insert("loop", NewSymlink("loop")))
	require.NoError(t, root.Insert("up", NewFile(FileAttrs{Size: 10, Offset: 99, Unpacked: true})))
	tr, err := New(root)
	require.NoError(t, err)
	require.NoError(t, tr.Validate(5))
	return tr
}

func TestResolve(t *testing.T) {
	t.Parallel()
	tr := sample(t)

	e, err := tr.Resolve("a/b/c")
	require.NoError(t, err)
	assert.Equal(t, KindFile, e.Kind())
	assert.Equal(t, uint64(3), e.Size())

	for _, p := range []string{"/a/b/c", "a//b/c/", "///a/b///c"} {
		got, err := tr.Resolve(p)
		require.NoError(t, err, p)
		assert.Same(t, e, got, p)
	}

	root, err := tr.Resolve("")
	require.NoError(t, err)
	assert.Same(t, tr.Root(), root)

	link, err := tr.Resolve("link")
	require.NoError(t, err)
	assert.True(t, link.IsSymlink())
	assert.Equal(t, "a/b", link.Link())
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()
	tr := sample(t)

	tests := []struct {
		path string
		want error
	}{
		{"a/../a/b", asartype.ErrInvalidPath},
		{"./a", asartype.ErrInvalidPath},
		{"a/missing", asartype.ErrNotFound},
		{"A/b/c", asartype.ErrNotFound},
		{"a/d/x", asartype.ErrNotDir},
		{"link/c", asartype.ErrNotDir},
	}
	for _, tt := range tests {
		_, err := tr.Resolve(tt.path)
		require.ErrorIs(t, err, tt.want, tt.path)
	}

	_, err := tr.Resolve("nope")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = tr.Resolve("..")
	assert.ErrorIs(t, err, fs.ErrInvalid)
}

func TestFollow(t *testing.T) {
	t.Parallel()
	tr := sample(t)

	e, p, err := tr.Follow("link/c")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c", p)
	assert.Equal(t, uint64(3), e.Size())

	e, p, err = tr.Follow("link")
	require.NoError(t, err)
	assert.Equal(t, "a/b", p)
	assert.True(t, e.IsDir())

	_, _, err = tr.Follow("loop")
	require.ErrorIs(t, err, asartype.ErrSymlinkLoop)

	_, _, err = tr.Follow("link/zzz")
	require.ErrorIs(t, err, asartype.ErrNotFound)
}

func TestFollow_HopLimit(t *testing.T) {
	t.Parallel()

	// A chain of exactly MaxSymlinkHops links resolves; one more does not.
	build := func(n int) *Tree {
		root := NewDir()
		require.NoError(t, root.Insert("target", NewFile(FileAttrs{})))
		prev := "target"
		for i := range n {
			name := "l" + string(rune('a'+i/26)) + string(rune('a'+i%26))
			require.NoError(t, root.AddChild(name, NewSymlink(prev)))
			prev = name
		}
		tr, err := New(root)
		require.NoError(t, err)
		return tr
	}

	tr := build(MaxSymlinkHops)
	last := "l" + string(rune('a'+(MaxSymlinkHops-1)/26)) + string(rune('a'+(MaxSymlinkHops-1)%26))
	_, p, err := tr.Follow(last)
	require.NoError(t, err)
	assert.Equal(t, "target", p)

	tr = build(MaxSymlinkHops + 1)
	last = "l" + string(rune('a'+MaxSymlinkHops/26)) + string(rune('a'+MaxSymlinkHops%26))
	_, _, err = tr.Follow(last)
	require.ErrorIs(t, err, asartype.ErrSymlinkLoop)
}

func TestFollow_LinkWithDotDot(t *testing.T) {
	t.Parallel()
	root := NewDir()
	require.NoError(t, root.AddChild("bad", NewSymlink("../etc/passwd")))
	tr, err := New(root)
	require.NoError(t, err)

	_, _, err = tr.Follow("bad")
	require.ErrorIs(t, err, asartype.ErrInvalidPath)
}

func TestValidate_Tiling(t *testing.T) {
	t.Parallel()

	build := func(files ...FileAttrs) *Tree {
		root := NewDir()
		for i, f := range files {
			require.NoError(t, root.AddChild(string(rune('a'+i)), NewFile(f)))
		}
		tr, err := New(root)
		require.NoError(t, err)
		return tr
	}

	// Out-of-order offsets and zero-length files still tile.
	tr := build(
		FileAttrs{Offset: 5, Size: 1},
		FileAttrs{Offset: 0, Size: 5},
		FileAttrs{Offset: 6, Size: 0},
		FileAttrs{Offset: 0, Size: 0},
	)
	require.NoError(t, tr.Validate(6))
	assert.Equal(t, uint64(6), tr.DataSize())

	tests := []struct {
		name     string
		files    []FileAttrs
		dataSize uint64
	}{
		{"gap at start", []FileAttrs{{Offset: 1, Size: 1}}, 2},
		{"gap between", []FileAttrs{{Offset: 0, Size: 1}, {Offset: 2, Size: 1}}, 3},
		{"overlap", []FileAttrs{{Offset: 0, Size: 2}, {Offset: 1, Size: 2}}, 3},
		{"orphan tail", []FileAttrs{{Offset: 0, Size: 2}}, 3},
		{"past end", []FileAttrs{{Offset: 0, Size: 4}}, 3},
		{"overflow", []FileAttrs{{Offset: 0, Size: 1}, {Offset: 1, Size: ^uint64(0)}}, 0},
		{"empty region with data", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := build(tt.files...)
			require.ErrorIs(t, tr.Validate(tt.dataSize), asartype.ErrTreeInvariant)
		})
	}
}

func TestValidate_IgnoresUnpacked(t *testing.T) {
	t.Parallel()
	tr := sample(t)
	require.NoError(t, tr.Validate(5))
	require.ErrorIs(t, tr.Validate(15), asartype.ErrTreeInvariant)
}

func TestAll_PreOrder(t *testing.T) {
	t.Parallel()
	tr := sample(t)

	var paths []string
	for p := range tr.All() {
		paths = append(paths, p)
	}
	assert.Equal(t, []string{"a", "a/b", "a/b/c", "a/d", "link", "loop", "up"}, paths)
	assert.Equal(t, 7, tr.Len())

	seq, err := tr.Walk("/a/")
	require.NoError(t, err)
	paths = paths[:0]
	for p := range seq {
		paths = append(paths, p)
	}
	assert.Equal(t, []string{"a/b", "a/b/c", "a/d"}, paths)

	_, err = tr.Walk("a/d")
	require.ErrorIs(t, err, asartype.ErrNotDir)
}

func TestInsert(t *testing.T) {
	t.Parallel()
	root := NewDir()

	require.NoError(t, root.Insert("x/y", NewDir()))
	require.NoError(t, root.Insert("x/y", NewDir()), "directories merge")
	require.NoError(t, root.Insert("x/y/f", NewFile(FileAttrs{})))

	require.ErrorIs(t, root.Insert("x/y/f", NewFile(FileAttrs{})), asartype.ErrInvalidPath)
	require.ErrorIs(t, root.Insert("x/y/f", NewDir()), asartype.ErrInvalidPath)
	require.ErrorIs(t, root.Insert("x/y/f/g", NewFile(FileAttrs{})), asartype.ErrNotDir)
	require.ErrorIs(t, root.Insert("x/../z", NewFile(FileAttrs{})), asartype.ErrInvalidPath)
	require.ErrorIs(t, root.Insert("/", NewFile(FileAttrs{})), asartype.ErrInvalidPath)

	f := NewFile(FileAttrs{})
	require.ErrorIs(t, f.AddChild("a", NewDir()), asartype.ErrNotDir)
	require.ErrorIs(t, root.AddChild("a/b", NewDir()), asartype.ErrInvalidPath)
}

func TestNewFile_UnpackedDropsOffset(t *testing.T) {
	t.Parallel()
	desc := &integrity.Descriptor{Algorithm: integrity.Algorithm}
	e := NewFile(FileAttrs{Size: 4, Offset: 9, Unpacked: true, Integrity: desc})
	assert.Zero(t, e.Offset())
	assert.True(t, e.Unpacked())
	assert.Same(t, desc, e.Integrity())
}

func TestClean(t *testing.T) {
	t.Parallel()
	got, err := Clean("//a///b/")
	require.NoError(t, err)
	assert.Equal(t, "a/b", got)

	got, err = Clean("/")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Clean("a/./b")
	require.ErrorIs(t, err, asartype.ErrInvalidPath)

	_, err = Clean("dir/a\xff")
	require.ErrorIs(t, err, asartype.ErrInvalidPath)
}

func TestAddChild_RejectsInvalidUTF8(t *testing.T) {
	t.Parallel()

	d := NewDir()
	require.ErrorIs(t, d.AddChild("a\xff", NewDir()), asartype.ErrInvalidPath)
	require.ErrorIs(t, d.Insert("ok/b\xfe", NewDir()), asartype.ErrInvalidPath)
	require.NoError(t, d.AddChild("caf\u00e9", NewDir()))
	assert.Equal(t, 1, d.NumChildren())
}

func TestMarshalParse_RoundTrip(t *testing.T) {
	t.Parallel()

	desc, _, err := integrity.Compute(bytes.NewReader([]byte("abc")), 4)
	require.NoError(t, err)

	root := NewDir()
	require.NoError(t, root.Insert("z", NewFile(FileAttrs{Size: 3, Integrity: &desc})))
	require.NoError(t, root.Insert("a/<&>", NewFile(FileAttrs{Size: 2, Offset: 3, Executable: true})))
	require.NoError(t, root.Insert("a/u", NewFile(FileAttrs{Size: 7, Unpacked: true})))
	require.NoError(t, root.Insert("l", NewSymlink("a/u")))
	require.NoError(t, root.Insert("empty", NewDir()))

	data, err := Marshal(root)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"<&>"`)

	tr, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, tr.Validate(5))

	var names []string
	for name := range tr.Root().Children() {
		names = append(names, name)
	}
	assert.Equal(t, []string{"z", "a", "l", "empty"}, names, "insertion order survives")

	z, err := tr.Resolve("z")
	require.NoError(t, err)
	require.NotNil(t, z.Integrity())
	assert.Equal(t, desc, *z.Integrity())

	x, err := tr.Resolve("a/<&>")
	require.NoError(t, err)
	assert.True(t, x.Executable())
	assert.Equal(t, uint64(3), x.Offset())

	again, err := Marshal(tr.Root())
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestMarshal_MinimalLayout(t *testing.T) {
	t.Parallel()
	root := NewDir()
	require.NoError(t, root.AddChild("hello.txt", NewFile(FileAttrs{Size: 2})))
	data, err := Marshal(root)
	require.NoError(t, err)
	assert.JSONEq(t, `{"files":{"hello.txt":{"size":"2","offset":"0"}}}`, string(data))
}
