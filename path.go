package asar

import "strings"

// NormalizePath converts a user-provided path to fs.ValidPath format.
//
// Leading, trailing and repeated slashes are removed, and the empty path and
// "/" become ".". Segments are otherwise kept as is, so "." and ".." segments
// still fail with ErrInvalidPath (fs.ErrInvalid) when the result is used.
func NormalizePath(p string) string {
	var segs []string
	for seg := range strings.SplitSeq(p, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	if len(segs) == 0 {
		return "."
	}
	return strings.Join(segs, "/")
}
