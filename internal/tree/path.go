package tree

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/meigma/asar/internal/asartype"
)

// Split breaks an archive path into its segments. Leading, trailing and
// repeated slashes are ignored and the empty path names the root. "." and
// ".." segments and bytes that are not valid UTF-8 fail with ErrInvalidPath.
func Split(p string) ([]string, error) {
	if !utf8.ValidString(p) {
		return nil, fmt.Errorf("%w: %q is not valid UTF-8", asartype.ErrInvalidPath, p)
	}
	var segs []string
	for seg := range strings.SplitSeq(p, "/") {
		switch seg {
		case "":
			continue
		case ".", "..":
			return nil, fmt.Errorf("%w: %q", asartype.ErrInvalidPath, p)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// Clean returns p with redundant slashes removed, or an error for paths that
// Split rejects.
func Clean(p string) (string, error) {
	segs, err := Split(p)
	if err != nil {
		return "", err
	}
	return join(segs), nil
}

// ValidName reports whether name can be used as a single entry name.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsRune(name, '/') &&
		utf8.ValidString(name)
}

func join(segs []string) string {
	return strings.Join(segs, "/")
}

func child(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
