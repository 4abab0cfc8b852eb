// Package tree models the directory tree described by an archive header.
//
// Entries are a tagged variant: a file, a directory or a symbolic link. Each
// directory owns its children and keeps them in insertion order, which is the
// order they appear in the header. There are no parent pointers; upward
// navigation re-resolves from the root.
package tree

import (
	"fmt"
	"iter"

	"github.com/meigma/asar/internal/asartype"
	"github.com/meigma/asar/internal/integrity"
)

// Kind identifies the variant of an Entry.
type Kind uint8

const (
	// KindFile is a regular file.
	KindFile Kind = iota + 1

	// KindDir is a directory.
	KindDir

	// KindSymlink is a symbolic link to another archive path.
	KindSymlink
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Entry is one node of the tree. Its fields are read through accessors; a
// parsed tree is never modified.
type Entry struct {
	kind Kind

	// file
	size       uint64
	offset     uint64
	executable bool
	unpacked   bool
	integrity  *integrity.Descriptor

	// symlink
	link string

	// directory
	names    []string
	children map[string]*Entry
}

// FileAttrs describes a file entry for NewFile.
type FileAttrs struct {
	Size       uint64
	Offset     uint64
	Executable bool
	Unpacked   bool
	Integrity  *integrity.Descriptor
}

// NewFile returns a file entry. Offset is ignored for unpacked files.
func NewFile(a FileAttrs) *Entry {
	e := &Entry{
		kind:       KindFile,
		size:       a.Size,
		executable: a.Executable,
		unpacked:   a.Unpacked,
		integrity:  a.Integrity,
	}
	if !a.Unpacked {
		e.offset = a.Offset
	}
	return e
}

// NewDir returns an empty directory entry.
func NewDir() *Entry {
	return &Entry{kind: KindDir, children: make(map[string]*Entry)}
}

// NewSymlink returns a symlink entry pointing at target, an archive-root
// relative path.
func NewSymlink(target string) *Entry {
	return &Entry{kind: KindSymlink, link: target}
}

// Kind returns the entry variant.
func (e *Entry) Kind() Kind { return e.kind }

// IsDir reports whether e is a directory.
func (e *Entry) IsDir() bool { return e.kind == KindDir }

// IsFile reports whether e is a regular file.
func (e *Entry) IsFile() bool { return e.kind == KindFile }

// IsSymlink reports whether e is a symbolic link.
func (e *Entry) IsSymlink() bool { return e.kind == KindSymlink }

// Size returns the content length of a file.
func (e *Entry) Size() uint64 { return e.size }

// Offset returns the position of an embedded file within the data region.
// It is zero for unpacked files.
func (e *Entry) Offset() uint64 { return e.offset }

// Executable reports whether the file carries the executable flag.
func (e *Entry) Executable() bool { return e.executable }

// Unpacked reports whether the file content lives outside the archive.
func (e *Entry) Unpacked() bool { return e.unpacked }

// Integrity returns the file's integrity descriptor, or nil.
// The returned value must be treated as immutable.
func (e *Entry) Integrity() *integrity.Descriptor { return e.integrity }

// Link returns the target of a symlink.
func (e *Entry) Link() string { return e.link }

// Child returns the named child of a directory.
func (e *Entry) Child(name string) (*Entry, bool) {
	c, ok := e.children[name]
	return c, ok
}

// NumChildren returns the number of direct children of a directory.
func (e *Entry) NumChildren() int { return len(e.names) }

// Children iterates the direct children of a directory in header order.
func (e *Entry) Children() iter.Seq2[string, *Entry] {
	return func(yield func(string, *Entry) bool) {
		for _, name := range e.names {
			if !yield(name, e.children[name]) {
				return
			}
		}
	}
}

// AddChild appends child under name. The name must be a single valid path
// segment not already present.
func (e *Entry) AddChild(name string, child *Entry) error {
	if e.kind != KindDir {
		return fmt.Errorf("%w: cannot add %q to a %s", asartype.ErrNotDir, name, e.kind)
	}
	if !ValidName(name) {
		return fmt.Errorf("%w: entry name %q", asartype.ErrInvalidPath, name)
	}
	if _, ok := e.children[name]; ok {
		return fmt.Errorf("%w: duplicate entry %q", asartype.ErrInvalidPath, name)
	}
	e.add(name, child)
	return nil
}

func (e *Entry) add(name string, child *Entry) {
	e.names = append(e.names, name)
	e.children[name] = child
}

// Insert places child at path p below e, creating missing parent
// directories. Inserting a directory where one already exists is a no-op.
func (e *Entry) Insert(p string, child *Entry) error {
	segs, err := Split(p)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("%w: empty path", asartype.ErrInvalidPath)
	}
	dir := e
	for i, seg := range segs[:len(segs)-1] {
		next, ok := dir.children[seg]
		if !ok {
			next = NewDir()
			dir.add(seg, next)
		}
		if !next.IsDir() {
			return fmt.Errorf("%w: %s", asartype.ErrNotDir, join(segs[:i+1]))
		}
		dir = next
	}
	name := segs[len(segs)-1]
	if existing, ok := dir.children[name]; ok {
		if existing.IsDir() && child.IsDir() {
			return nil
		}
		return fmt.Errorf("%w: duplicate entry %q", asartype.ErrInvalidPath, join(segs))
	}
	return dir.AddChild(name, child)
}
