package asar

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/meigma/asar/internal/tree"
)

// URLScheme is the scheme of archive entry URLs.
const URLScheme = "asar"

// ErrInvalidURL is returned by ParseURL for malformed archive URLs.
var ErrInvalidURL = errors.New("asar: invalid url")

var urlEscaper = strings.NewReplacer("%", "%25", "!", "%21", "?", "%3F", "#", "%23")

// FormatURL returns the URL addressing the entry at name inside the archive
// located at archive, in the form
//
//	asar:<archive>!/<name>
//
// "%", "!", "?" and "#" are percent-encoded in both parts so the separator
// stays unambiguous.
func FormatURL(archive, name string) (string, error) {
	p, err := tree.Clean(name)
	if err != nil {
		return "", err
	}
	return URLScheme + ":" + urlEscaper.Replace(archive) + "!/" + urlEscaper.Replace(p), nil
}

// ParseURL splits an archive entry URL into the archive location and the
// clean entry path. The scheme is matched case-insensitively.
func ParseURL(raw string) (archive, name string, err error) {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || !strings.EqualFold(scheme, URLScheme) {
		return "", "", fmt.Errorf("%w: %q: missing %s: scheme", ErrInvalidURL, raw, URLScheme)
	}
	rawArchive, rawName, ok := strings.Cut(rest, "!/")
	if !ok {
		return "", "", fmt.Errorf("%w: %q: no !/ separator", ErrInvalidURL, raw)
	}
	if archive, err = unescapeURLPart(rawArchive); err != nil {
		return "", "", fmt.Errorf("%w: %q: %w", ErrInvalidURL, raw, err)
	}
	if archive == "" {
		return "", "", fmt.Errorf("%w: %q: empty archive location", ErrInvalidURL, raw)
	}
	if name, err = unescapeURLPart(rawName); err != nil {
		return "", "", fmt.Errorf("%w: %q: %w", ErrInvalidURL, raw, err)
	}
	if name, err = tree.Clean(name); err != nil {
		return "", "", err
	}
	return archive, name, nil
}

func unescapeURLPart(s string) (string, error) {
	out, err := url.PathUnescape(s)
	if err != nil {
		return "", err
	}
	if !utf8.ValidString(out) {
		return "", errors.New("escaped bytes are not valid UTF-8")
	}
	return out, nil
}
