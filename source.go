package asar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/meigma/asar/internal/platform"
	"github.com/meigma/asar/internal/tree"
)

// SourceEntry is one entry of a SourceTree.
type SourceEntry struct {
	// Path is the slash-separated archive path of the entry.
	Path string

	// Kind is the entry variant.
	Kind Kind

	// Executable marks a file as executable.
	Executable bool

	// Link is the archive-root-relative target of a symlink.
	Link string

	// Open returns the content of a file. Create may call it more than once
	// and expects the same bytes each time.
	Open func() (io.ReadCloser, error)
}

// SourceTree enumerates the entries an archive is built from.
//
// Walk may yield entries in any order. Parent directories that are not
// yielded are created implicitly.
type SourceTree interface {
	Walk(ctx context.Context, fn func(SourceEntry) error) error
}

// MemSource is an in-memory SourceTree. Entries are validated as they are
// added. It is not safe for concurrent modification.
type MemSource struct {
	entries []SourceEntry
	seen    map[string]Kind
}

// NewMemSource returns an empty MemSource.
func NewMemSource() *MemSource {
	return &MemSource{seen: make(map[string]Kind)}
}

// AddFile adds a file holding a copy of data.
func (m *MemSource) AddFile(name string, data []byte, executable bool) error {
	p, err := m.claim(name, KindFile)
	if err != nil {
		return err
	}
	content := bytes.Clone(data)
	m.entries = append(m.entries, SourceEntry{
		Path:       p,
		Kind:       KindFile,
		Executable: executable,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(content)), nil
		},
	})
	return nil
}

// AddDir adds a directory. Adding the same directory twice is a no-op.
func (m *MemSource) AddDir(name string) error {
	p, err := m.claim(name, KindDir)
	if errors.Is(err, errExists) {
		return nil
	}
	if err != nil {
		return err
	}
	m.entries = append(m.entries, SourceEntry{Path: p, Kind: KindDir})
	return nil
}

// AddLink adds a symlink. A target starting with "/" is relative to the
// archive root; any other target is relative to the link's directory. A
// target that leaves the archive root fails with ErrInvalidPath.
func (m *MemSource) AddLink(name, target string) error {
	p, err := tree.Clean(name)
	if err != nil {
		return err
	}
	link, err := linkTarget(path.Dir(p), target)
	if err != nil {
		return err
	}
	if _, err := m.claim(p, KindSymlink); err != nil {
		return err
	}
	m.entries = append(m.entries, SourceEntry{Path: p, Kind: KindSymlink, Link: link})
	return nil
}

var errExists = errors.New("exists")

func (m *MemSource) claim(name string, kind Kind) (string, error) {
	p, err := tree.Clean(name)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if prev, ok := m.seen[p]; ok {
		if prev == KindDir && kind == KindDir {
			return "", errExists
		}
		return "", fmt.Errorf("%w: duplicate entry %q", ErrInvalidPath, p)
	}
	m.seen[p] = kind
	return p, nil
}

// Walk yields the entries in the order they were added.
func (m *MemSource) Walk(ctx context.Context, fn func(SourceEntry) error) error {
	for _, e := range m.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// linkTarget resolves target against dir (both slash-separated) and returns
// the archive-root-relative result.
func linkTarget(dir, target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("%w: empty symlink target", ErrInvalidPath)
	}
	var joined string
	if strings.HasPrefix(target, "/") {
		joined = path.Clean(target[1:])
	} else {
		joined = path.Join(dir, target)
	}
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return "", fmt.Errorf("%w: symlink target %q leaves the archive root", ErrInvalidPath, target)
	}
	if joined == "." {
		joined = ""
	}
	return tree.Clean(joined)
}

// dirSource walks a directory on disk.
type dirSource struct {
	dir string
}

// DirSource returns a SourceTree for the directory dir.
//
// Files are opened without following symlinks. Symlinks are recorded as
// links with root-relative targets; a link whose target leaves dir fails the
// walk with ErrInvalidPath. Entries that are neither regular files,
// directories nor symlinks are skipped. The executable flag comes from the
// file's mode bits.
func DirSource(dir string) SourceTree {
	return &dirSource{dir: dir}
}

func (d *dirSource) Walk(ctx context.Context, fn func(SourceEntry) error) error {
	root, err := os.OpenRoot(d.dir)
	if err != nil {
		return fmt.Errorf("open source root: %w", err)
	}
	defer root.Close()

	absDir, err := filepath.Abs(d.dir)
	if err != nil {
		return fmt.Errorf("resolve source root: %w", err)
	}

	return fs.WalkDir(root.FS(), ".", func(p string, de fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &SourceReadError{Path: p, Err: walkErr}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == "." {
			return nil
		}

		switch mode := de.Type(); {
		case mode.IsDir():
			return fn(SourceEntry{Path: p, Kind: KindDir})
		case mode&fs.ModeSymlink != 0:
			link, err := d.link(root, absDir, p)
			if err != nil {
				return err
			}
			return fn(SourceEntry{Path: p, Kind: KindSymlink, Link: link})
		case mode.IsRegular():
			info, err := de.Info()
			if err != nil {
				return &SourceReadError{Path: p, Err: err}
			}
			return fn(SourceEntry{
				Path:       p,
				Kind:       KindFile,
				Executable: info.Mode()&0o111 != 0,
				Open:       d.opener(p),
			})
		default:
			return nil
		}
	})
}

// opener returns an Open func for p. Each call opens its own root so the
// returned file outlives the walk.
func (d *dirSource) opener(p string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		root, err := os.OpenRoot(d.dir)
		if err != nil {
			return nil, err
		}
		defer root.Close()
		return platform.OpenRegular(root, filepath.FromSlash(p))
	}
}

func (d *dirSource) link(root *os.Root, absDir, p string) (string, error) {
	target, err := root.Readlink(filepath.FromSlash(p))
	if err != nil {
		return "", &SourceReadError{Path: p, Err: err}
	}
	if filepath.IsAbs(target) {
		rel, err := filepath.Rel(absDir, target)
		if err != nil || !filepath.IsLocal(rel) && rel != "." {
			return "", fmt.Errorf("%w: symlink %s points outside the source root", ErrInvalidPath, p)
		}
		target = "/" + filepath.ToSlash(rel)
	} else {
		target = filepath.ToSlash(target)
	}
	link, err := linkTarget(path.Dir(p), target)
	if err != nil {
		return "", fmt.Errorf("symlink %s: %w", p, err)
	}
	return link, nil
}
