// Package integrity computes and verifies per-file block digests.
//
// Content is split into fixed-size blocks. Each block is digested on its own
// and the whole stream is digested in the same pass. Verification consumes
// bytes as they are read and fails at the first bad block, so a partial reader
// learns about corruption without reading the rest of the file.
package integrity

import (
	"bytes"
	_ "crypto/sha256" // registers the hash behind digest.SHA256
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/asar/internal/asartype"
	"github.com/meigma/asar/internal/sizing"
)

// Algorithm is the only digest algorithm recorded in headers.
const Algorithm = "SHA256"

// DefaultBlockSize is the block size used when none is configured (4 MiB).
const DefaultBlockSize uint32 = 4 << 20

var canonical = digest.SHA256

// Descriptor is the integrity metadata recorded for one file.
type Descriptor struct {
	Algorithm string
	Hash      []byte
	BlockSize uint32
	Blocks    [][]byte
}

// Digest returns the whole-file digest in algorithm:hex form.
func (d *Descriptor) Digest() digest.Digest {
	return digest.NewDigestFromBytes(canonical, d.Hash)
}

// Validate checks the descriptor is usable for a file of size bytes.
func (d *Descriptor) Validate(size uint64) error {
	if d.Algorithm != Algorithm {
		return fmt.Errorf("%w: unsupported integrity algorithm %q", asartype.ErrSchema, d.Algorithm)
	}
	if d.BlockSize == 0 {
		return fmt.Errorf("%w: integrity block size is zero", asartype.ErrSchema)
	}
	if len(d.Hash) != canonical.Size() {
		return fmt.Errorf("%w: integrity hash has %d bytes", asartype.ErrSchema, len(d.Hash))
	}
	if size > 0 && len(d.Blocks) == 0 {
		return fmt.Errorf("%w: integrity has no blocks for a %d byte file", asartype.ErrSchema, size)
	}
	for i, b := range d.Blocks {
		if len(b) != canonical.Size() {
			return fmt.Errorf("%w: integrity block %d has %d bytes", asartype.ErrSchema, i, len(b))
		}
	}
	return nil
}

type descriptorJSON struct {
	Algorithm *string   `json:"algorithm"`
	Hash      *string   `json:"hash"`
	BlockSize *uint32   `json:"blockSize"`
	Blocks    *[]string `json:"blocks"`
}

// MarshalJSON encodes digests as lowercase hex strings.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	blocks := make([]string, len(d.Blocks))
	for i, b := range d.Blocks {
		blocks[i] = hex.EncodeToString(b)
	}
	alg, sum := d.Algorithm, hex.EncodeToString(d.Hash)
	return json.Marshal(descriptorJSON{
		Algorithm: &alg,
		Hash:      &sum,
		BlockSize: &d.BlockSize,
		Blocks:    &blocks,
	})
}

// UnmarshalJSON requires every field to be present with the right type.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var raw descriptorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: integrity: %v", asartype.ErrSchema, err)
	}
	if raw.Algorithm == nil || raw.Hash == nil || raw.BlockSize == nil || raw.Blocks == nil {
		return fmt.Errorf("%w: integrity requires algorithm, hash, blockSize and blocks", asartype.ErrSchema)
	}
	sum, err := hex.DecodeString(*raw.Hash)
	if err != nil {
		return fmt.Errorf("%w: integrity hash: %v", asartype.ErrSchema, err)
	}
	blocks := make([][]byte, len(*raw.Blocks))
	for i, s := range *raw.Blocks {
		if blocks[i], err = hex.DecodeString(s); err != nil {
			return fmt.Errorf("%w: integrity block %d: %v", asartype.ErrSchema, i, err)
		}
	}
	*d = Descriptor{
		Algorithm: *raw.Algorithm,
		Hash:      sum,
		BlockSize: *raw.BlockSize,
		Blocks:    blocks,
	}
	return nil
}

// Computer builds a Descriptor from bytes written to it.
type Computer struct {
	blockSize uint32
	block     hash.Hash
	whole     hash.Hash
	inBlock   uint32
	blocks    [][]byte
	n         uint64
}

// NewComputer returns a Computer using blockSize, or DefaultBlockSize when zero.
func NewComputer(blockSize uint32) *Computer {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	return &Computer{
		blockSize: blockSize,
		block:     canonical.Hash(),
		whole:     canonical.Hash(),
	}
}

// Write implements io.Writer. It never fails.
func (c *Computer) Write(p []byte) (int, error) {
	n := len(p)
	c.n += uint64(n)
	_, _ = c.whole.Write(p) //nolint:errcheck // hash writes never fail
	for len(p) > 0 {
		take := chunk(p, c.blockSize-c.inBlock)
		_, _ = c.block.Write(p[:take]) //nolint:errcheck // hash writes never fail
		c.inBlock += take
		p = p[take:]
		if c.inBlock == c.blockSize {
			c.blocks = append(c.blocks, c.block.Sum(nil))
			c.block.Reset()
			c.inBlock = 0
		}
	}
	return n, nil
}

// Size returns the number of bytes written so far.
func (c *Computer) Size() uint64 { return c.n }

// Descriptor returns the descriptor for everything written so far.
func (c *Computer) Descriptor() Descriptor {
	blocks := make([][]byte, len(c.blocks), len(c.blocks)+1)
	copy(blocks, c.blocks)
	if c.inBlock > 0 {
		blocks = append(blocks, c.block.Sum(nil))
	}
	return Descriptor{
		Algorithm: Algorithm,
		Hash:      c.whole.Sum(nil),
		BlockSize: c.blockSize,
		Blocks:    blocks,
	}
}

// Compute reads r to EOF and returns its descriptor and length.
func Compute(r io.Reader, blockSize uint32) (Descriptor, uint64, error) {
	c := NewComputer(blockSize)
	if _, err := io.Copy(c, r); err != nil {
		return Descriptor{}, c.Size(), err
	}
	return c.Descriptor(), c.Size(), nil
}

// Verifier checks a byte stream against a Descriptor incrementally.
// The zero value is not usable; create one with NewVerifier.
type Verifier struct {
	desc    *Descriptor
	block   hash.Hash
	whole   hash.Hash
	inBlock uint32
	index   int
	err     error
	done    bool
}

// NewVerifier returns a Verifier for desc. desc must have passed Validate.
func NewVerifier(desc *Descriptor) *Verifier {
	return &Verifier{
		desc:  desc,
		block: canonical.Hash(),
		whole: canonical.Hash(),
	}
}

// Write feeds the next chunk of content. It returns an *IntegrityError as soon
// as a completed block does not match, and keeps returning it afterwards.
func (v *Verifier) Write(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}
	n := len(p)
	_, _ = v.whole.Write(p) //nolint:errcheck // hash writes never fail
	bs := v.desc.BlockSize
	for len(p) > 0 {
		if v.index >= len(v.desc.Blocks) {
			v.err = &asartype.IntegrityError{Block: v.index}
			return 0, v.err
		}
		take := chunk(p, bs-v.inBlock)
		_, _ = v.block.Write(p[:take]) //nolint:errcheck // hash writes never fail
		v.inBlock += take
		p = p[take:]
		if v.inBlock == bs {
			if err := v.closeBlock(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

// Finish checks the trailing partial block, the block count and the
// aggregate digest. It is idempotent.
func (v *Verifier) Finish() error {
	if v.done || v.err != nil {
		return v.err
	}
	v.done = true
	if v.inBlock > 0 {
		if err := v.closeBlock(); err != nil {
			return err
		}
	}
	if v.index != len(v.desc.Blocks) || !bytes.Equal(v.whole.Sum(nil), v.desc.Hash) {
		v.err = &asartype.IntegrityError{Block: asartype.WholeFile}
	}
	return v.err
}

// Err returns the first failure seen, if any.
func (v *Verifier) Err() error { return v.err }

// Reset discards all progress so the verifier can check a fresh stream.
func (v *Verifier) Reset() {
	v.block.Reset()
	v.whole.Reset()
	v.inBlock = 0
	v.index = 0
	v.err = nil
	v.done = false
}

func (v *Verifier) closeBlock() error {
	if !bytes.Equal(v.block.Sum(nil), v.desc.Blocks[v.index]) {
		v.err = &asartype.IntegrityError{Block: v.index}
		return v.err
	}
	v.block.Reset()
	v.inBlock = 0
	v.index++
	return nil
}

// Verify reads r to EOF and checks it against desc.
func Verify(r io.Reader, desc *Descriptor) error {
	v := NewVerifier(desc)
	if _, err := io.Copy(v, r); err != nil {
		return err
	}
	return v.Finish()
}

// chunk returns how many bytes of p fit in the room left in a block.
func chunk(p []byte, room uint32) uint32 {
	if uint64(len(p)) < uint64(room) {
		return uint32(len(p)) //nolint:gosec // len(p) < room
	}
	return room
}

// VerifyBlock checks one complete block. data must hold the whole block (the
// final block of a file may be shorter than BlockSize).
func VerifyBlock(desc *Descriptor, index int, data []byte) error {
	if index < 0 || index >= len(desc.Blocks) {
		return &asartype.IntegrityError{Block: index}
	}
	sum := canonical.FromBytes(data)
	want := hex.EncodeToString(desc.Blocks[index])
	if sum.Encoded() != want {
		return &asartype.IntegrityError{Block: index}
	}
	return nil
}

// BlockSpan returns the block indexes [first, last] covering bytes
// [off, off+n) of a file, and the byte offset where block first starts.
func BlockSpan(desc *Descriptor, off, n uint64) (first, last uint64, start uint64) {
	bs := uint64(desc.BlockSize)
	first = off / bs
	last = first
	if n > 0 {
		end, ok := sizing.AddUint64(off, n-1)
		if !ok {
			end = ^uint64(0)
		}
		last = end / bs
	}
	return first, last, first * bs
}
