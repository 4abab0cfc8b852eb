package asar

import (
	"cmp"
	"io"
	"io/fs"
	"slices"

	"github.com/meigma/asar/internal/file"
)

// fsPath converts an fs.FS name to an archive path.
func fsPath(op, name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return "", nil
	}
	return name, nil
}

// follow resolves an fs.FS name, following symlinks.
func (a *Archive) follow(op, name string) (*Entry, string, error) {
	p, err := fsPath(op, name)
	if err != nil {
		return nil, "", err
	}
	e, canonical, err := a.tree.Follow(p)
	if err != nil {
		return nil, "", &fs.PathError{Op: op, Path: name, Err: err}
	}
	return e, canonical, nil
}

// Open implements fs.FS.
//
// Unlike OpenFile, Open follows symlinks and opens directories. The returned
// file verifies content as it is read; see File.
func (a *Archive) Open(name string) (fs.File, error) {
	e, canonical, err := a.follow("open", name)
	if err != nil {
		return nil, err
	}
	if e.IsDir() {
		return &openDir{name: name, entry: e}, nil
	}
	f, err := a.openEntry(canonical, e)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return f, nil
}

// Stat implements fs.StatFS. Symlinks are followed.
func (a *Archive) Stat(name string) (fs.FileInfo, error) {
	e, _, err := a.follow("stat", name)
	if err != nil {
		return nil, err
	}
	return file.NewInfo(file.Base(name), e), nil
}

// ReadFile implements fs.ReadFileFS.
//
// ReadFile reads and verifies the entire file. When caching is enabled,
// concurrent calls for the same content are deduplicated.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	e, canonical, err := a.follow("readfile", name)
	if err != nil {
		return nil, err
	}
	content, err := a.readEntry(canonical, e)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	return content, nil
}

// ReadDir implements fs.ReadDirFS. Entries are sorted by name; List returns
// them in header order.
func (a *Archive) ReadDir(name string) ([]fs.DirEntry, error) {
	e, _, err := a.follow("readdir", name)
	if err != nil {
		return nil, err
	}
	if !e.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDir}
	}
	return sortedDirEntries(e), nil
}

func sortedDirEntries(dir *Entry) []fs.DirEntry {
	entries := make([]fs.DirEntry, 0, dir.NumChildren())
	for childName, e := range dir.Children() {
		entries = append(entries, file.NewDirEntry(childName, e))
	}
	slices.SortFunc(entries, func(x, y fs.DirEntry) int {
		return cmp.Compare(x.Name(), y.Name())
	})
	return entries
}

// openDir implements fs.ReadDirFile for archive directories.
type openDir struct {
	name    string
	entry   *Entry
	entries []fs.DirEntry
	offset  int
}

func (d *openDir) Read(_ []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: ErrIsDir}
}

func (d *openDir) Stat() (fs.FileInfo, error) {
	return file.NewInfo(file.Base(d.name), d.entry), nil
}

func (d *openDir) Close() error {
	return nil
}

func (d *openDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.entries == nil {
		d.entries = sortedDirEntries(d.entry)
	}
	rest := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(rest))
	d.offset += n
	return rest[:n], nil
}
