// Package sizing provides overflow-checked size arithmetic for offsets read
// from untrusted headers.
package sizing

import "math"

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// Span returns base+off as an int64 position, failing with overflowErr when
// either value or the sum leaves the int64 range.
func Span(base int64, off uint64, overflowErr error) (int64, error) {
	o, err := ToInt64(off, overflowErr)
	if err != nil {
		return 0, err
	}
	if base < 0 || o > math.MaxInt64-base {
		return 0, overflowErr
	}
	return base + o, nil
}
