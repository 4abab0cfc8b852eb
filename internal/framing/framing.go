// Package framing encodes and decodes the length-prefixed envelope that wraps
// an archive's JSON header.
//
// Layout, all integers little-endian:
//
//	[u32 outer][u32 inner][inner bytes of header][zero padding]
//
// outer counts every byte after the outer field (inner field, payload and
// padding). Padding makes the envelope length a multiple of 4. The data region
// starts right after the envelope.
package framing

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/meigma/asar/internal/asartype"
)

// PrefixSize is the number of bytes needed to learn the envelope length.
const PrefixSize = 8

const (
	sizeField = 4
	alignment = 4
)

// Padding returns the number of zero bytes appended after a payload of n bytes.
func Padding(n int) int {
	return (alignment - (PrefixSize+n)%alignment) % alignment
}

// Encode wraps header in the envelope.
func Encode(header []byte) ([]byte, error) {
	pad := Padding(len(header))
	outer := uint64(sizeField) + uint64(len(header)) + uint64(pad)
	if outer > math.MaxUint32 {
		return nil, fmt.Errorf("%w: header of %d bytes does not fit a u32 envelope", asartype.ErrMalformedFraming, len(header))
	}

	out := make([]byte, PrefixSize+len(header)+pad)
	binary.LittleEndian.PutUint32(out[0:4], uint32(outer))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(header))) //nolint:gosec // bounded by outer check
	copy(out[PrefixSize:], header)
	return out, nil
}

// ParsePrefix reads the first PrefixSize bytes of an archive and returns the
// total envelope length, including the outer size field.
func ParsePrefix(prefix []byte) (int64, error) {
	if len(prefix) < PrefixSize {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", asartype.ErrMalformedFraming, PrefixSize, len(prefix))
	}
	outer := binary.LittleEndian.Uint32(prefix[0:4])
	inner := binary.LittleEndian.Uint32(prefix[4:8])
	if err := checkSizes(outer, inner); err != nil {
		return 0, err
	}
	return sizeField + int64(outer), nil
}

// Decode unwraps a complete envelope. framed must hold exactly the envelope:
// the outer field plus the outer length it declares. It returns the header
// payload (aliasing framed) and the offset where the data region begins.
func Decode(framed []byte) (header []byte, dataStart int64, err error) {
	if len(framed) < PrefixSize {
		return nil, 0, fmt.Errorf("%w: need %d bytes, have %d", asartype.ErrMalformedFraming, PrefixSize, len(framed))
	}
	outer := binary.LittleEndian.Uint32(framed[0:4])
	inner := binary.LittleEndian.Uint32(framed[4:8])
	if uint64(outer) != uint64(len(framed)-sizeField) {
		return nil, 0, fmt.Errorf("%w: outer length %d, envelope holds %d", asartype.ErrMalformedFraming, outer, len(framed)-sizeField)
	}
	if err := checkSizes(outer, inner); err != nil {
		return nil, 0, err
	}
	end := PrefixSize + int(inner)
	return framed[PrefixSize:end], sizeField + int64(outer), nil
}

func checkSizes(outer, inner uint32) error {
	if outer < sizeField {
		return fmt.Errorf("%w: outer length %d is smaller than the inner size field", asartype.ErrMalformedFraming, outer)
	}
	if inner > outer-sizeField {
		return fmt.Errorf("%w: inner length %d exceeds envelope of %d", asartype.ErrMalformedFraming, inner, outer)
	}
	return nil
}
