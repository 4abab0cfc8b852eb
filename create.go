package asar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/meigma/asar/internal/file"
	"github.com/meigma/asar/internal/framing"
	"github.com/meigma/asar/internal/integrity"
	"github.com/meigma/asar/internal/sizing"
	"github.com/meigma/asar/internal/tree"
)

// errSourceChanged is wrapped in a SourceReadError when a file's content
// differs between the hashing pass and the writing pass.
var errSourceChanged = errors.New("content changed while the archive was being written")

// Create builds an archive from src and writes it to w.
//
// Entries are ordered by path, segment by segment, so the same source
// always yields the same bytes. File content is read twice: once to compute
// sizes and integrity digests, and once to write the data region. Content
// that changes between the two passes fails with a SourceReadError; by then
// w may hold a partial archive.
//
// Unpacked files are recorded in the header and copied to the directory set
// by CreateWithUnpackedDir, if any.
func Create(ctx context.Context, src SourceTree, w io.Writer, opts ...CreateOption) error {
	b, err := newBuilder(opts)
	if err != nil {
		return err
	}
	if err := b.collect(ctx, src); err != nil {
		return err
	}
	if err := b.hash(ctx); err != nil {
		return err
	}
	framed, err := b.header()
	if err != nil {
		return err
	}
	b.log().Debug("archive header built", "entries", len(b.entries), "header_size", len(framed), "data_size", b.total)
	return b.write(ctx, w, framed)
}

// CreateBytes builds an archive in memory. It returns nil on any failure.
func CreateBytes(ctx context.Context, src SourceTree, opts ...CreateOption) ([]byte, error) {
	var buf bytes.Buffer
	if err := Create(ctx, src, &buf, opts...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CreateFile builds an archive at path.
//
// The archive is written to a temp file and renamed into place, so path
// never holds a partial archive. Unpacked files go to path plus
// UnpackedSuffix unless CreateWithUnpackedDir says otherwise. Parent
// directories are created as needed.
func CreateFile(ctx context.Context, src SourceTree, path string, opts ...CreateOption) error {
	opts = append([]CreateOption{CreateWithUnpackedDir(path + UnpackedSuffix)}, opts...)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	return writeFileAtomic(path, 0o644, func(w io.Writer) error {
		return Create(ctx, src, w, opts...)
	})
}

// buildEntry is a source entry plus what the hashing pass learned about it.
type buildEntry struct {
	SourceEntry
	segs     []string
	unpacked bool
	size     uint64
	offset   uint64
	desc     integrity.Descriptor
}

type unpackRule struct {
	g    glob.Glob
	base bool
}

// builder holds state for archive creation.
type builder struct {
	cfg     createConfig
	rules   []unpackRule
	entries []*buildEntry
	files   int
	total   uint64
}

func newBuilder(opts []CreateOption) (*builder, error) {
	b := &builder{}
	for _, opt := range opts {
		opt(&b.cfg)
	}
	if b.cfg.maxFiles == 0 {
		b.cfg.maxFiles = DefaultMaxFiles
	}
	for _, pattern := range b.cfg.unpackGlobs {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid unpack pattern %q: %w", pattern, err)
		}
		b.rules = append(b.rules, unpackRule{g: g, base: !strings.Contains(pattern, "/")})
	}
	return b, nil
}

// reportProgress sends a progress event if a callback is configured.
func (b *builder) reportProgress(stage ProgressStage, path string, bytesDone, bytesTotal uint64, filesDone, filesTotal int) {
	if b.cfg.progress == nil {
		return
	}
	b.cfg.progress(ProgressEvent{
		Stage:      stage,
		Path:       path,
		BytesDone:  bytesDone,
		BytesTotal: bytesTotal,
		FilesDone:  filesDone,
		FilesTotal: filesTotal,
	})
}

// log returns the logger, falling back to a discard logger if nil.
func (b *builder) log() *slog.Logger {
	if b.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.cfg.logger
}

// collect enumerates src, normalizes paths, sorts the entries and checks
// the resulting layout.
func (b *builder) collect(ctx context.Context, src SourceTree) error {
	b.reportProgress(StageEnumerating, "", 0, 0, 0, 0)
	err := src.Walk(ctx, func(se SourceEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		segs, err := tree.Split(se.Path)
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			if se.Kind == KindDir {
				return nil
			}
			return fmt.Errorf("%w: %s entry with empty path", ErrInvalidPath, se.Kind)
		}
		if b.cfg.maxFiles > 0 && len(b.entries) >= b.cfg.maxFiles {
			return fmt.Errorf("%w: more than %d entries", ErrTooManyFiles, b.cfg.maxFiles)
		}
		se.Path = strings.Join(segs, "/")

		switch se.Kind {
		case KindFile:
			if se.Open == nil {
				return &SourceReadError{Path: se.Path, Err: errors.New("file has no content")}
			}
			b.files++
		case KindSymlink:
			link, err := tree.Clean(se.Link)
			if err != nil {
				return fmt.Errorf("symlink %s: %w", se.Path, err)
			}
			se.Link = link
		case KindDir:
		default:
			return fmt.Errorf("%w: %s has unknown kind %d", ErrInvalidPath, se.Path, se.Kind)
		}

		b.entries = append(b.entries, &buildEntry{SourceEntry: se, segs: segs})
		b.reportProgress(StageEnumerating, se.Path, 0, 0, len(b.entries), 0)
		return nil
	})
	if err != nil {
		return err
	}

	slices.SortStableFunc(b.entries, func(x, y *buildEntry) int {
		return slices.Compare(x.segs, y.segs)
	})

	// Catch duplicates and file-as-parent conflicts before reading content.
	_, err = b.tree()
	return err
}

// isUnpacked reports whether an unpack rule matches the file at segs or one
// of its ancestor directories.
func (b *builder) isUnpacked(segs []string) bool {
	for i := 1; i <= len(segs); i++ {
		prefix := strings.Join(segs[:i], "/")
		for _, r := range b.rules {
			if r.g.Match(prefix) || r.base && r.g.Match(segs[i-1]) {
				return true
			}
		}
	}
	return false
}

// hash reads every file once to learn its size and digests, copies unpacked
// files out, and assigns data region offsets in entry order.
func (b *builder) hash(ctx context.Context) error {
	done := 0
	var hashed uint64
	for _, e := range b.entries {
		if e.Kind != KindFile {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.unpacked = b.isUnpacked(e.segs)
		if err := b.hashFile(e); err != nil {
			return err
		}
		if e.unpacked {
			b.log().Debug("unpacked file", "path", e.Path, "size", e.size)
		} else {
			e.offset = b.total
			end, ok := sizing.AddUint64(b.total, e.size)
			if !ok {
				return fmt.Errorf("%w: data region exceeds %d bytes at %s", ErrSizeOverflow, b.total, e.Path)
			}
			b.total = end
		}
		done++
		hashed += e.size
		b.reportProgress(StageHashing, e.Path, hashed, 0, done, b.files)
	}
	return nil
}

func (b *builder) hashFile(e *buildEntry) error {
	rc, err := e.Open()
	if err != nil {
		return &SourceReadError{Path: e.Path, Err: err}
	}
	defer rc.Close()

	comp := integrity.NewComputer(b.cfg.blockSize)
	sr := &sourceReader{r: io.TeeReader(rc, comp)}
	if e.unpacked && b.cfg.unpackedDir != "" {
		err = b.copyUnpacked(e, sr)
	} else {
		_, err = io.Copy(io.Discard, sr)
	}
	if sr.err != nil {
		return &SourceReadError{Path: e.Path, Err: sr.err}
	}
	if err != nil {
		return fmt.Errorf("copy unpacked file %s: %w", e.Path, err)
	}
	e.size = comp.Size()
	e.desc = comp.Descriptor()
	return nil
}

func (b *builder) copyUnpacked(e *buildEntry, r io.Reader) error {
	target := filepath.Join(b.cfg.unpackedDir, filepath.FromSlash(e.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return copyFileAtomic(target, fileMode(e.Executable), r)
}

// tree builds the archive tree from the current entry state.
func (b *builder) tree() (*tree.Tree, error) {
	root := tree.NewDir()
	for _, e := range b.entries {
		var node *tree.Entry
		switch e.Kind {
		case KindDir:
			node = tree.NewDir()
		case KindSymlink:
			node = tree.NewSymlink(e.Link)
		default:
			attrs := tree.FileAttrs{
				Size:       e.size,
				Offset:     e.offset,
				Executable: e.Executable,
				Unpacked:   e.unpacked,
			}
			if !b.cfg.noIntegrity {
				attrs.Integrity = &e.desc
			}
			node = tree.NewFile(attrs)
		}
		if err := root.Insert(e.Path, node); err != nil {
			if errors.Is(err, ErrNotDir) {
				return nil, fmt.Errorf("%w: %s is below a non-directory: %v", ErrInvalidPath, e.Path, err)
			}
			return nil, err
		}
	}
	return tree.New(root)
}

// header marshals and frames the tree, then reads the result back through
// the same checks Open applies.
func (b *builder) header() ([]byte, error) {
	t, err := b.tree()
	if err != nil {
		return nil, err
	}
	if err := t.Validate(b.total); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuilderBug, err)
	}
	header, err := tree.Marshal(t.Root())
	if err != nil {
		return nil, fmt.Errorf("%w: marshal header: %v", ErrBuilderBug, err)
	}
	framed, err := framing.Encode(header)
	if err != nil {
		return nil, err
	}

	decoded, _, err := framing.Decode(framed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuilderBug, err)
	}
	parsed, err := tree.Parse(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuilderBug, err)
	}
	if err := parsed.Validate(b.total); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuilderBug, err)
	}
	if parsed.Len() != t.Len() {
		return nil, fmt.Errorf("%w: header holds %d entries, tree has %d", ErrBuilderBug, parsed.Len(), t.Len())
	}
	return framed, nil
}

// write emits the framed header followed by every embedded file in offset
// order, checking each still matches what the hashing pass saw.
func (b *builder) write(ctx context.Context, w io.Writer, framed []byte) error {
	cw := &file.CountingWriter{W: w}
	if _, err := cw.Write(framed); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	var (
		done    int
		current string
	)
	pw := &file.ProgressWriter{W: cw, Fn: func(written uint64) {
		b.reportProgress(StageWriting, current, written, b.total, done, b.files)
	}}
	for _, e := range b.entries {
		if e.Kind != KindFile || e.unpacked {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		current = e.Path
		if err := b.writeFile(pw, e); err != nil {
			return err
		}
		done++
	}

	want, ok := sizing.AddUint64(uint64(len(framed)), b.total)
	if !ok || cw.N != want {
		return fmt.Errorf("%w: wrote %d bytes, expected %d", ErrBuilderBug, cw.N, want)
	}
	b.log().Info("archive written", "files", b.files, "bytes", cw.N)
	return nil
}

func (b *builder) writeFile(w io.Writer, e *buildEntry) error {
	rc, err := e.Open()
	if err != nil {
		return &SourceReadError{Path: e.Path, Err: err}
	}
	defer rc.Close()

	v := integrity.NewVerifier(&e.desc)
	sr := &sourceReader{r: rc}
	n, err := io.CopyN(io.MultiWriter(v, w), sr, int64(e.size)) //nolint:gosec // bounded by the data region, which fits int64 once framed
	switch {
	case sr.err != nil:
		return &SourceReadError{Path: e.Path, Err: sr.err}
	case v.Err() != nil:
		return &SourceReadError{Path: e.Path, Err: errSourceChanged}
	case errors.Is(err, io.EOF):
		return &SourceReadError{Path: e.Path, Err: fmt.Errorf("%w: %d of %d bytes", errSourceChanged, n, e.size)}
	case err != nil:
		return fmt.Errorf("write %s: %w", e.Path, err)
	}

	var extra [1]byte
	if k, err := io.ReadFull(sr, extra[:]); k > 0 {
		return &SourceReadError{Path: e.Path, Err: fmt.Errorf("%w: grew past %d bytes", errSourceChanged, e.size)}
	} else if sr.err != nil {
		return &SourceReadError{Path: e.Path, Err: err}
	}
	if err := v.Finish(); err != nil {
		return &SourceReadError{Path: e.Path, Err: errSourceChanged}
	}
	return nil
}

// sourceReader records read failures so they can be told apart from write
// failures on the other side of a copy.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
	return n, err
}
