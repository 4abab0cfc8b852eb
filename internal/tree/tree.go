package tree

import (
	"cmp"
	"fmt"
	"iter"
	"slices"

	"github.com/meigma/asar/internal/asartype"
	"github.com/meigma/asar/internal/sizing"
)

// MaxSymlinkHops bounds the number of symlinks Follow will traverse.
const MaxSymlinkHops = 40

// Tree is a root directory plus the data region length established by
// Validate. It is immutable once built and safe for concurrent use.
type Tree struct {
	root     *Entry
	dataSize uint64
	count    int
}

// New wraps root, which must be a directory.
func New(root *Entry) (*Tree, error) {
	if root == nil || !root.IsDir() {
		return nil, fmt.Errorf("%w: root is not a directory", asartype.ErrSchema)
	}
	t := &Tree{root: root}
	for range t.All() {
		t.count++
	}
	return t, nil
}

// Root returns the root directory.
func (t *Tree) Root() *Entry { return t.root }

// Len returns the number of entries below the root.
func (t *Tree) Len() int { return t.count }

// DataSize returns the data region length recorded by the last successful
// Validate.
func (t *Tree) DataSize() uint64 { return t.dataSize }

// Resolve descends one segment at a time and returns the entry at p without
// following symlinks. A symlink named by the final segment is returned as is.
func (t *Tree) Resolve(p string) (*Entry, error) {
	segs, err := Split(p)
	if err != nil {
		return nil, err
	}
	cur := t.root
	for i, seg := range segs {
		if !cur.IsDir() {
			return nil, fmt.Errorf("%w: %s", asartype.ErrNotDir, join(segs[:i]))
		}
		next, ok := cur.children[seg]
		if !ok {
			return nil, fmt.Errorf("%w: %s", asartype.ErrNotFound, join(segs[:i+1]))
		}
		cur = next
	}
	return cur, nil
}

// Follow resolves p, following symlinks in every position including the
// last. It returns the final entry and its canonical path. More than
// MaxSymlinkHops links fail with ErrSymlinkLoop.
func (t *Tree) Follow(p string) (*Entry, string, error) {
	segs, err := Split(p)
	if err != nil {
		return nil, "", err
	}
	var (
		cur  = t.root
		at   []string
		hops int
	)
	for i := 0; i < len(segs); i++ {
		if !cur.IsDir() {
			return nil, "", fmt.Errorf("%w: %s", asartype.ErrNotDir, join(at))
		}
		seg := segs[i]
		next, ok := cur.children[seg]
		if !ok {
			return nil, "", fmt.Errorf("%w: %s", asartype.ErrNotFound, child(join(at), seg))
		}
		if !next.IsSymlink() {
			cur = next
			at = append(at, seg)
			continue
		}
		hops++
		if hops > MaxSymlinkHops {
			return nil, "", fmt.Errorf("%w: %s", asartype.ErrSymlinkLoop, p)
		}
		target, err := Split(next.link)
		if err != nil {
			return nil, "", fmt.Errorf("symlink %s: %w", child(join(at), seg), err)
		}
		// Restart from the root with the link target spliced in.
		segs = append(target, segs[i+1:]...)
		cur, at, i = t.root, at[:0], -1
	}
	return cur, join(at), nil
}

type span struct {
	path   string
	offset uint64
	size   uint64
}

// Validate checks that embedded files, sorted by offset, tile [0, dataSize)
// with no gaps and no overlaps. Unpacked files are ignored. On success the
// data size is recorded on t.
func (t *Tree) Validate(dataSize uint64) error {
	var spans []span
	for p, e := range t.All() {
		if e.IsFile() && !e.unpacked {
			spans = append(spans, span{path: p, offset: e.offset, size: e.size})
		}
	}
	slices.SortFunc(spans, func(a, b span) int {
		if c := cmp.Compare(a.offset, b.offset); c != 0 {
			return c
		}
		return cmp.Compare(a.size, b.size)
	})

	var cursor uint64
	for _, s := range spans {
		switch {
		case s.offset < cursor:
			return fmt.Errorf("%w: %s at offset %d overlaps data ending at %d", asartype.ErrTreeInvariant, s.path, s.offset, cursor)
		case s.offset > cursor:
			return fmt.Errorf("%w: gap of %d bytes before %s", asartype.ErrTreeInvariant, s.offset-cursor, s.path)
		}
		end, ok := sizing.AddUint64(s.offset, s.size)
		if !ok {
			return fmt.Errorf("%w: %s extent overflows", asartype.ErrTreeInvariant, s.path)
		}
		cursor = end
	}
	if cursor != dataSize {
		return fmt.Errorf("%w: files cover %d bytes of a %d byte data region", asartype.ErrTreeInvariant, cursor, dataSize)
	}
	t.dataSize = dataSize
	return nil
}

// All iterates every entry below the root in pre-order, children in header
// order. Paths are slash-separated without a leading slash.
func (t *Tree) All() iter.Seq2[string, *Entry] {
	return func(yield func(string, *Entry) bool) {
		walk(t.root, "", yield)
	}
}

// Walk is All rooted at the directory p. The directory itself is not yielded.
func (t *Tree) Walk(p string) (iter.Seq2[string, *Entry], error) {
	dir, err := t.Resolve(p)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, fmt.Errorf("%w: %s", asartype.ErrNotDir, p)
	}
	base, _ := Clean(p) //nolint:errcheck // Resolve already accepted p
	return func(yield func(string, *Entry) bool) {
		walk(dir, base, yield)
	}, nil
}

func walk(dir *Entry, base string, yield func(string, *Entry) bool) bool {
	for _, name := range dir.names {
		e := dir.children[name]
		p := child(base, name)
		if !yield(p, e) {
			return false
		}
		if e.IsDir() && !walk(e, p, yield) {
			return false
		}
	}
	return true
}
