package file

import (
	"io/fs"
	"strings"
	"time"

	"github.com/meigma/asar/internal/tree"
)

// Permission bits reported for archive entries. Headers only record the
// executable flag.
const (
	ModeFile       fs.FileMode = 0o644
	ModeExecutable fs.FileMode = 0o755
	ModeDir                    = fs.ModeDir | 0o755
	ModeSymlink                = fs.ModeSymlink | 0o777
)

// Mode returns the file mode synthesized for e.
func Mode(e *tree.Entry) fs.FileMode {
	switch e.Kind() {
	case tree.KindDir:
		return ModeDir
	case tree.KindSymlink:
		return ModeSymlink
	default:
		if e.Executable() {
			return ModeExecutable
		}
		return ModeFile
	}
}

// Info implements fs.FileInfo for any entry kind.
type Info struct {
	name  string
	entry *tree.Entry
}

// NewInfo creates an Info for e under the given base name.
func NewInfo(name string, e *tree.Entry) *Info {
	return &Info{name: name, entry: e}
}

func (fi *Info) Name() string       { return fi.name }
func (fi *Info) Mode() fs.FileMode  { return Mode(fi.entry) }
func (fi *Info) ModTime() time.Time { return time.Time{} }
func (fi *Info) IsDir() bool        { return fi.entry.IsDir() }

// Size returns the content length for files and zero otherwise. Sizes above
// the int64 range are reported as -1.
func (fi *Info) Size() int64 {
	if !fi.entry.IsFile() {
		return 0
	}
	if s := fi.entry.Size(); s <= 1<<63-1 {
		return int64(s)
	}
	return -1
}

// Sys returns the underlying *tree.Entry.
func (fi *Info) Sys() any { return fi.entry }

// DirEntry implements fs.DirEntry.
type DirEntry struct {
	info *Info
}

// NewDirEntry creates a DirEntry for e under name.
func NewDirEntry(name string, e *tree.Entry) *DirEntry {
	return &DirEntry{info: NewInfo(name, e)}
}

func (de *DirEntry) Name() string               { return de.info.Name() }
func (de *DirEntry) IsDir() bool                { return de.info.IsDir() }
func (de *DirEntry) Type() fs.FileMode          { return de.info.Mode().Type() }
func (de *DirEntry) Info() (fs.FileInfo, error) { return de.info, nil }

// Kind returns the entry kind.
func (de *DirEntry) Kind() tree.Kind { return de.info.entry.Kind() }

// String formats the entry like fs.FormatDirEntry.
func (de *DirEntry) String() string { return fs.FormatDirEntry(de) }

// Base returns the last element of a slash-separated path, or "." for the root.
func Base(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "."
	}
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
