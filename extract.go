package asar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ExtractStats summarizes an extraction.
type ExtractStats struct {
	// Files, Dirs and Symlinks count the entries written.
	Files    int
	Dirs     int
	Symlinks int

	// Bytes is the total file content written.
	Bytes uint64

	// Skipped lists files and symlinks left alone because the target
	// already existed.
	Skipped []string

	// Corrupt lists files that failed integrity checks and were skipped
	// under ExtractWithSkipCorrupt.
	Corrupt []string
}

// extractConfig holds configuration for extraction.
type extractConfig struct {
	overwrite   bool
	workers     int
	skipCorrupt bool
	progress    ProgressFunc
}

// ExtractOption configures Extract.
type ExtractOption func(*extractConfig)

// ExtractWithOverwrite replaces files and symlinks that already exist.
// By default, existing targets are skipped and listed in ExtractStats.Skipped.
func ExtractWithOverwrite(overwrite bool) ExtractOption {
	return func(c *extractConfig) {
		c.overwrite = overwrite
	}
}

// ExtractWithWorkers sets the number of files extracted concurrently.
// Zero uses GOMAXPROCS. Values below zero extract one file at a time.
func ExtractWithWorkers(n int) ExtractOption {
	return func(c *extractConfig) {
		c.workers = n
	}
}

// ExtractWithSkipCorrupt continues past files that fail integrity checks.
// Their paths are listed in ExtractStats.Corrupt and nothing is written
// for them.
func ExtractWithSkipCorrupt(skip bool) ExtractOption {
	return func(c *extractConfig) {
		c.skipCorrupt = skip
	}
}

// ExtractWithProgress sets a callback to receive progress updates.
func ExtractWithProgress(fn ProgressFunc) ExtractOption {
	return func(c *extractConfig) {
		c.progress = fn
	}
}

// extractor holds the state of one Extract call.
type extractor struct {
	a     *Archive
	cfg   extractConfig
	dest  string
	files int
	total uint64

	mu    sync.Mutex
	stats ExtractStats
}

// Extract writes the whole archive below destDir.
//
// Directories are created first, then files are written concurrently, each
// to a temp file renamed into place once its content has been verified.
// Symlinks are created last with targets relative to the link. Executable
// files get mode 0755, others 0644.
//
// Unpacked files are read through the archive's UnpackedResolver. A file
// that fails its integrity check aborts the extraction unless
// ExtractWithSkipCorrupt is set.
func (a *Archive) Extract(ctx context.Context, destDir string, opts ...ExtractOption) (ExtractStats, error) {
	x := &extractor{a: a, dest: destDir}
	for _, opt := range opts {
		opt(&x.cfg)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return ExtractStats{}, fmt.Errorf("create destination: %w", err)
	}

	var files, links []string
	for p, e := range a.tree.All() {
		if !filepath.IsLocal(filepath.FromSlash(p)) {
			return x.stats, fmt.Errorf("%w: %s cannot be extracted", ErrInvalidPath, p)
		}
		switch {
		case e.IsDir():
			if err := os.MkdirAll(x.target(p), 0o755); err != nil {
				return x.stats, fmt.Errorf("create directory %s: %w", p, err)
			}
			x.stats.Dirs++
		case e.IsSymlink():
			links = append(links, p)
		default:
			files = append(files, p)
			x.total += e.Size()
		}
	}
	x.files = len(files)
	a.log().Debug("extracting archive", "dest", destDir, "files", len(files), "symlinks", len(links))

	if err := x.extractFiles(ctx, files); err != nil {
		return x.result(), err
	}
	for _, p := range links {
		if err := x.extractLink(p); err != nil {
			return x.result(), err
		}
	}
	return x.result(), nil
}

func (x *extractor) target(p string) string {
	return filepath.Join(x.dest, filepath.FromSlash(p))
}

func (x *extractor) workers() int {
	switch {
	case x.cfg.workers < 0:
		return 1
	case x.cfg.workers == 0:
		return runtime.GOMAXPROCS(0)
	default:
		return x.cfg.workers
	}
}

// result returns the stats with path lists sorted.
func (x *extractor) result() ExtractStats {
	x.mu.Lock()
	defer x.mu.Unlock()
	slices.Sort(x.stats.Skipped)
	slices.Sort(x.stats.Corrupt)
	return x.stats
}

func (x *extractor) extractFiles(ctx context.Context, files []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.workers())
	for _, p := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return x.extractFile(p)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// exists reports whether target should be left alone.
func (x *extractor) exists(p, target string) bool {
	if x.cfg.overwrite {
		return false
	}
	if _, err := os.Lstat(target); err != nil {
		return false
	}
	x.mu.Lock()
	x.stats.Skipped = append(x.stats.Skipped, p)
	x.mu.Unlock()
	return true
}

func (x *extractor) extractFile(p string) error {
	target := x.target(p)
	if x.exists(p, target) {
		return nil
	}

	f, err := x.a.OpenFile(p)
	if err != nil {
		return err
	}
	e := f.Entry()
	err = writeFileAtomic(target, fileMode(e.Executable()), func(w io.Writer) error {
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		return f.Close()
	})
	f.Close()

	if err != nil {
		if x.cfg.skipCorrupt && errors.Is(err, ErrIntegrity) {
			x.a.log().Warn("skipping corrupt file", "path", p, "error", err)
			x.mu.Lock()
			x.stats.Corrupt = append(x.stats.Corrupt, p)
			x.mu.Unlock()
			return nil
		}
		return &fs.PathError{Op: "extract", Path: p, Err: err}
	}

	x.mu.Lock()
	x.stats.Files++
	x.stats.Bytes += e.Size()
	done, bytes := x.stats.Files, x.stats.Bytes
	x.mu.Unlock()
	if x.cfg.progress != nil {
		x.cfg.progress(ProgressEvent{
			Stage:      StageExtracting,
			Path:       p,
			BytesDone:  bytes,
			BytesTotal: x.total,
			FilesDone:  done,
			FilesTotal: x.files,
		})
	}
	return nil
}

func (x *extractor) extractLink(p string) error {
	target := x.target(p)
	if x.exists(p, target) {
		return nil
	}
	e, err := x.a.Resolve(p)
	if err != nil {
		return err
	}
	rel, err := relativeLink(path.Dir(p), e.Link())
	if err != nil {
		return &fs.PathError{Op: "extract", Path: p, Err: err}
	}
	if x.cfg.overwrite {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &fs.PathError{Op: "extract", Path: p, Err: err}
		}
	}
	if err := os.Symlink(rel, target); err != nil {
		return &fs.PathError{Op: "extract", Path: p, Err: err}
	}
	x.stats.Symlinks++
	return nil
}

// relativeLink returns the path of link relative to dir, both archive-root
// relative and slash-separated, in OS form.
func relativeLink(dir, link string) (string, error) {
	if dir == "." {
		dir = ""
	}
	rel, err := filepath.Rel(filepath.FromSlash("/"+dir), filepath.FromSlash("/"+link))
	if err != nil {
		return "", err
	}
	return rel, nil
}
