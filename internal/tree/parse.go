package tree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/meigma/asar/internal/asartype"
	"github.com/meigma/asar/internal/integrity"
)

// maxDepth bounds directory nesting in a parsed header.
const maxDepth = 1024

// Parse decodes header JSON into a Tree, keeping children in the order they
// appear. The tree is not validated against a data region; call Validate.
func Parse(header []byte) (*Tree, error) {
	p := &parser{dec: json.NewDecoder(bytes.NewReader(header))}
	p.dec.UseNumber()

	root, err := p.node("", 0)
	if err != nil {
		return nil, err
	}
	if !root.IsDir() {
		return nil, fmt.Errorf("%w: header root has no files", asartype.ErrSchema)
	}
	if _, err := p.dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after header", asartype.ErrSchema)
	}
	return New(root)
}

type parser struct {
	dec *json.Decoder
}

type fields struct {
	seen      map[string]struct{}
	files     *Entry
	link      *string
	size      *uint64
	offset    *uint64
	exec      bool
	unpacked  bool
	integrity *integrity.Descriptor
}

func (p *parser) node(path string, depth int) (*Entry, error) {
	if depth > maxDepth {
		return nil, p.fail(path, "nesting deeper than %d", maxDepth)
	}
	if err := p.delim('{', path); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, 4)
	f := fields{seen: seen}
	for p.dec.More() {
		key, err := p.str(path)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			return nil, p.fail(path, "duplicate field %q", key)
		}
		seen[key] = struct{}{}

		switch key {
		case "files":
			f.files, err = p.dir(path, depth)
		case "link":
			var s string
			s, err = p.str(path)
			f.link = &s
		case "size":
			f.size, err = p.decimal(path, key)
		case "offset":
			f.offset, err = p.decimal(path, key)
		case "executable":
			f.exec, err = p.boolean(path, key)
		case "unpacked":
			f.unpacked, err = p.boolean(path, key)
		case "integrity":
			f.integrity, err = p.integrity(path)
		default:
			var skip json.RawMessage
			if derr := p.dec.Decode(&skip); derr != nil {
				err = p.fail(path, "%v", derr)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if err := p.delim('}', path); err != nil {
		return nil, err
	}
	return f.entry(p, path)
}

func (f *fields) entry(p *parser, path string) (*Entry, error) {
	switch {
	case f.files != nil:
		if k := f.declared("link", "size", "offset", "executable", "integrity"); k != "" {
			return nil, p.fail(path, "directory also declares %q", k)
		}
		return f.files, nil
	case f.link != nil:
		if k := f.declared("size", "offset", "executable", "integrity"); k != "" {
			return nil, p.fail(path, "symlink also declares %q", k)
		}
		return NewSymlink(*f.link), nil
	case f.size != nil:
		if !f.unpacked && f.offset == nil {
			return nil, p.fail(path, "embedded file has no offset")
		}
		if f.integrity != nil {
			if err := f.integrity.Validate(*f.size); err != nil {
				return nil, fmt.Errorf("%s: %w", display(path), err)
			}
		}
		a := FileAttrs{
			Size:       *f.size,
			Executable: f.exec,
			Unpacked:   f.unpacked,
			Integrity:  f.integrity,
		}
		if f.offset != nil {
			a.Offset = *f.offset
		}
		return NewFile(a), nil
	default:
		return nil, p.fail(path, "entry has none of files, link or size")
	}
}

// declared returns the first of keys present on the entry, or "". "unpacked" is
// allowed on every kind since packers mark whole unpacked directories.
func (f *fields) declared(keys ...string) string {
	for _, k := range keys {
		if _, ok := f.seen[k]; ok {
			return k
		}
	}
	return ""
}

func (p *parser) dir(path string, depth int) (*Entry, error) {
	if err := p.delim('{', path); err != nil {
		return nil, err
	}
	d := NewDir()
	for p.dec.More() {
		name, err := p.str(path)
		if err != nil {
			return nil, err
		}
		if !ValidName(name) {
			return nil, p.fail(path, "invalid entry name %q", name)
		}
		if _, dup := d.children[name]; dup {
			return nil, p.fail(path, "duplicate entry %q", name)
		}
		c, err := p.node(child(path, name), depth+1)
		if err != nil {
			return nil, err
		}
		d.add(name, c)
	}
	if err := p.delim('}', path); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *parser) integrity(path string) (*integrity.Descriptor, error) {
	var d integrity.Descriptor
	if err := p.dec.Decode(&d); err != nil {
		if errors.Is(err, asartype.ErrSchema) {
			return nil, fmt.Errorf("%s: %w", display(path), err)
		}
		return nil, p.fail(path, "integrity: %v", err)
	}
	return &d, nil
}

func (p *parser) token(path string) (json.Token, error) {
	tok, err := p.dec.Token()
	if err != nil {
		return nil, p.fail(path, "%v", err)
	}
	return tok, nil
}

func (p *parser) delim(want json.Delim, path string) error {
	tok, err := p.token(path)
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return p.fail(path, "expected %q, found %v", want, tok)
	}
	return nil
}

func (p *parser) str(path string) (string, error) {
	tok, err := p.token(path)
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", p.fail(path, "expected string, found %v", tok)
	}
	return s, nil
}

func (p *parser) boolean(path, key string) (bool, error) {
	tok, err := p.token(path)
	if err != nil {
		return false, err
	}
	b, ok := tok.(bool)
	if !ok {
		return false, p.fail(path, "%s: expected boolean, found %v", key, tok)
	}
	return b, nil
}

// decimal reads a non-negative base-10 integer encoded as a JSON string.
func (p *parser) decimal(path, key string) (*uint64, error) {
	tok, err := p.token(path)
	if err != nil {
		return nil, err
	}
	s, ok := tok.(string)
	if !ok {
		return nil, p.fail(path, "%s: expected decimal string, found %v", key, tok)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, p.fail(path, "%s: %q is not a non-negative integer", key, s)
	}
	return &n, nil
}

func (p *parser) fail(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", asartype.ErrSchema, display(path), fmt.Sprintf(format, args...))
}

func display(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
