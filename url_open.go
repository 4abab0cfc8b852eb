package asar

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	asarhttp "github.com/meigma/asar/http"
)

// URLOpener opens archive entries addressed by asar URLs.
//
// The archive part of a URL may be a local path, a file: URL or an http(s)
// URL; remote archives are read with HTTP range requests. With
// URLWithCache, each archive is opened once per location and kept until
// Close. Otherwise every Open opens the archive afresh and the returned
// URLFile releases it.
//
// A URLOpener is safe for concurrent use.
type URLOpener struct {
	opts     []Option
	httpOpts []asarhttp.Option
	cached   bool
	logger   *slog.Logger

	mu       sync.Mutex
	archives map[string]*urlArchive
	group    singleflight.Group
}

// urlArchive is an archive opened from a location, with what must be closed
// to release it.
type urlArchive struct {
	*Archive
	closer io.Closer
}

func (u *urlArchive) close() error {
	if u.closer == nil {
		return nil
	}
	return u.closer.Close()
}

// URLOption configures a URLOpener.
type URLOption func(*URLOpener)

// URLWithArchiveOptions sets the options every archive is opened with.
func URLWithArchiveOptions(opts ...Option) URLOption {
	return func(o *URLOpener) {
		o.opts = append(o.opts, opts...)
	}
}

// URLWithHTTPOptions sets the options of the HTTP source used for http and
// https locations.
func URLWithHTTPOptions(opts ...asarhttp.Option) URLOption {
	return func(o *URLOpener) {
		o.httpOpts = append(o.httpOpts, opts...)
	}
}

// URLWithCache keeps opened archives for reuse, keyed by location.
func URLWithCache(enabled bool) URLOption {
	return func(o *URLOpener) {
		o.cached = enabled
	}
}

// URLWithLogger sets the logger for archive opens and cache reuse.
func URLWithLogger(logger *slog.Logger) URLOption {
	return func(o *URLOpener) {
		o.logger = logger
	}
}

// NewURLOpener returns a URLOpener configured by opts.
func NewURLOpener(opts ...URLOption) *URLOpener {
	o := &URLOpener{archives: make(map[string]*urlArchive)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *URLOpener) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

// URLFile is an archive entry opened by URL.
type URLFile struct {
	*File
	release func() error
}

// Close closes the entry and, for an uncached archive, the archive itself.
func (f *URLFile) Close() error {
	err := f.File.Close()
	if f.release != nil {
		if rerr := f.release(); err == nil {
			err = rerr
		}
		f.release = nil
	}
	return err
}

// OpenURL opens the entry addressed by raw without caching the archive.
// Closing the returned file closes the archive.
func OpenURL(raw string, opts ...Option) (*URLFile, error) {
	return NewURLOpener(URLWithArchiveOptions(opts...)).Open(raw)
}

// Open opens the entry addressed by raw, following symlinks. Errors about
// the entry are *fs.PathError values with the URL as path.
func (o *URLOpener) Open(raw string) (*URLFile, error) {
	location, name, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	ua, err := o.archive(location)
	if err != nil {
		return nil, err
	}
	release := ua.close
	if o.cached {
		release = nil
	}

	e, canonical, err := ua.tree.Follow(name)
	if err == nil {
		var f *File
		if f, err = ua.openEntry(canonical, e); err == nil {
			return &URLFile{File: f, release: release}, nil
		}
	}
	if release != nil {
		_ = release() //nolint:errcheck // the open error is what the caller needs
	}
	return nil, &fs.PathError{Op: "open", Path: raw, Err: err}
}

// archive returns the archive at location, opening it if needed. With
// caching off the archive is always new and the caller closes it.
func (o *URLOpener) archive(location string) (*urlArchive, error) {
	if !o.cached {
		return o.openLocation(location)
	}

	o.mu.Lock()
	ua, ok := o.archives[location]
	o.mu.Unlock()
	if ok {
		o.log().Debug("archive cache hit", "location", location)
		return ua, nil
	}

	v, err, _ := o.group.Do(location, func() (any, error) {
		o.mu.Lock()
		ua, ok := o.archives[location]
		o.mu.Unlock()
		if ok {
			return ua, nil
		}
		ua, err := o.openLocation(location)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.archives[location] = ua
		o.mu.Unlock()
		return ua, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*urlArchive), nil //nolint:errcheck,forcetypeassert // Do returns what the closure returned
}

// openLocation opens the archive behind an archive location.
func (o *URLOpener) openLocation(location string) (*urlArchive, error) {
	path, remote, err := splitLocation(location)
	if err != nil {
		return nil, err
	}
	o.log().Debug("opening archive", "location", location)

	if remote {
		src, err := asarhttp.NewSource(location, o.httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("open archive %s: %w", location, err)
		}
		a, err := Open(src, o.opts...)
		if err != nil {
			return nil, fmt.Errorf("open archive %s: %w", location, err)
		}
		return &urlArchive{Archive: a}, nil
	}

	af, err := OpenFile(path, o.opts...)
	if err != nil {
		return nil, err
	}
	return &urlArchive{Archive: af.Archive, closer: af}, nil
}

// splitLocation classifies an archive location. http and https URLs are
// remote; file: URLs and plain paths, including Windows drive paths, are
// local. Other schemes fail with ErrInvalidURL.
func splitLocation(location string) (path string, remote bool, err error) {
	u, err := url.Parse(location)
	if err != nil || len(u.Scheme) < 2 {
		return location, false, nil
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return "", true, nil
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return "", false, fmt.Errorf("%w: %q: remote file host", ErrInvalidURL, location)
		}
		if u.Path == "" {
			return "", false, fmt.Errorf("%w: %q: empty file path", ErrInvalidURL, location)
		}
		return u.Path, false, nil
	default:
		return "", false, fmt.Errorf("%w: %q: unsupported archive scheme %q", ErrInvalidURL, location, u.Scheme)
	}
}

// Close closes every cached archive. The opener stays usable; later opens
// start from an empty cache. Files already returned must not be read after
// Close.
func (o *URLOpener) Close() error {
	o.mu.Lock()
	archives := o.archives
	o.archives = make(map[string]*urlArchive)
	o.mu.Unlock()

	var errs []error
	for _, ua := range archives {
		errs = append(errs, ua.close())
	}
	return errors.Join(errs...)
}
