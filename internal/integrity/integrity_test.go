package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/asar/internal/asartype"
)

func sum(b []byte) []byte {
	s := sha256.Sum256(b)
	return s[:]
}

func TestCompute_SingleShortBlock(t *testing.T) {
	t.Parallel()

	desc, n, err := Compute(bytes.NewReader([]byte("hi")), 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
	assert.Equal(t, Algorithm, desc.Algorithm)
	assert.Equal(t, uint32(4), desc.BlockSize)
	require.Len(t, desc.Blocks, 1)
	assert.Equal(t, sum([]byte("hi")), desc.Blocks[0])
	assert.Equal(t, sum([]byte("hi")), desc.Hash)
}

func TestCompute_Empty(t *testing.T) {
	t.Parallel()

	desc, n, err := Compute(bytes.NewReader(nil), 4)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, desc.Blocks)
	assert.Equal(t, sum(nil), desc.Hash)
	require.NoError(t, desc.Validate(0))
}

func TestCompute_BlockBoundaries(t *testing.T) {
	t.Parallel()

	content := []byte("0123456789")
	// One byte at a time exercises blocks split across writes.
	desc, n, err := Compute(iotest.OneByteReader(bytes.NewReader(content)), 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)
	require.Len(t, desc.Blocks, 3)
	assert.Equal(t, sum([]byte("0123")), desc.Blocks[0])
	assert.Equal(t, sum([]byte("4567")), desc.Blocks[1])
	assert.Equal(t, sum([]byte("89")), desc.Blocks[2])
	assert.Equal(t, sum(content), desc.Hash)

	exact, _, err := Compute(bytes.NewReader(content[:8]), 4)
	require.NoError(t, err)
	assert.Len(t, exact.Blocks, 2)
}

func TestCompute_DefaultBlockSize(t *testing.T) {
	t.Parallel()

	desc, _, err := Compute(bytes.NewReader([]byte("x")), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultBlockSize, desc.BlockSize)
}

func TestVerify_Valid(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("abcdefg"), 50)
	desc, _, err := Compute(bytes.NewReader(content), 16)
	require.NoError(t, err)

	require.NoError(t, Verify(bytes.NewReader(content), &desc))
	require.NoError(t, Verify(iotest.HalfReader(bytes.NewReader(content)), &desc))
}

func TestVerify_FlippedByteReportsBlock(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("abcdefg"), 50)
	desc, _, err := Compute(bytes.NewReader(content), 16)
	require.NoError(t, err)

	for _, pos := range []int{0, 15, 16, 100, len(content) - 1} {
		corrupt := bytes.Clone(content)
		corrupt[pos] ^= 0xff

		err := Verify(bytes.NewReader(corrupt), &desc)
		var ie *asartype.IntegrityError
		require.ErrorAs(t, err, &ie, "pos %d", pos)
		assert.Equal(t, pos/16, ie.Block, "pos %d", pos)
		assert.ErrorIs(t, err, asartype.ErrIntegrity)
	}
}

func TestVerifier_FailsFast(t *testing.T) {
	t.Parallel()

	content := []byte("aaaabbbbcccc")
	desc, _, err := Compute(bytes.NewReader(content), 4)
	require.NoError(t, err)

	v := NewVerifier(&desc)
	_, err = v.Write([]byte("aaaa"))
	require.NoError(t, err)
	_, err = v.Write([]byte("bxbb"))
	var ie *asartype.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Block)

	// Sticky until reset.
	_, err = v.Write([]byte("cccc"))
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Block)

	v.Reset()
	_, err = v.Write(content)
	require.NoError(t, err)
	require.NoError(t, v.Finish())
}

func TestVerifier_WholeFileMismatch(t *testing.T) {
	t.Parallel()

	content := []byte("aaaabb")
	desc, _, err := Compute(bytes.NewReader(content), 4)
	require.NoError(t, err)
	desc.Hash = sum([]byte("something else"))

	err = Verify(bytes.NewReader(content), &desc)
	var ie *asartype.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, asartype.WholeFile, ie.Block)
}

func TestVerifier_BlockCountMismatch(t *testing.T) {
	t.Parallel()

	desc, _, err := Compute(bytes.NewReader([]byte("aaaabbbb")), 4)
	require.NoError(t, err)

	// Truncated content leaves a recorded block unseen.
	err = Verify(bytes.NewReader([]byte("aaaa")), &desc)
	var ie *asartype.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, asartype.WholeFile, ie.Block)

	// Extra content runs past the recorded blocks.
	err = Verify(bytes.NewReader([]byte("aaaabbbbcc")), &desc)
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Block)
}

func TestVerifyBlock(t *testing.T) {
	t.Parallel()

	desc, _, err := Compute(bytes.NewReader([]byte("aaaabbbbcc")), 4)
	require.NoError(t, err)

	require.NoError(t, VerifyBlock(&desc, 0, []byte("aaaa")))
	require.NoError(t, VerifyBlock(&desc, 2, []byte("cc")))
	require.ErrorIs(t, VerifyBlock(&desc, 1, []byte("bbbx")), asartype.ErrIntegrity)
	require.ErrorIs(t, VerifyBlock(&desc, 3, []byte("")), asartype.ErrIntegrity)
}

func TestBlockSpan(t *testing.T) {
	t.Parallel()

	desc := &Descriptor{BlockSize: 4}
	first, last, start := BlockSpan(desc, 5, 6)
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), last)
	assert.Equal(t, uint64(4), start)

	first, last, start = BlockSpan(desc, 8, 1)
	assert.Equal(t, uint64(2), first)
	assert.Equal(t, uint64(2), last)
	assert.Equal(t, uint64(8), start)
}

func TestDescriptor_Validate(t *testing.T) {
	t.Parallel()

	good, _, err := Compute(bytes.NewReader([]byte("hello")), 4)
	require.NoError(t, err)
	require.NoError(t, good.Validate(5))

	tests := []struct {
		name   string
		mutate func(d *Descriptor)
	}{
		{"algorithm", func(d *Descriptor) { d.Algorithm = "MD5" }},
		{"zero block size", func(d *Descriptor) { d.BlockSize = 0 }},
		{"short hash", func(d *Descriptor) { d.Hash = d.Hash[:4] }},
		{"no blocks", func(d *Descriptor) { d.Blocks = nil }},
		{"short block", func(d *Descriptor) { d.Blocks[0] = []byte{1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, _, err := Compute(bytes.NewReader([]byte("hello")), 4)
			require.NoError(t, err)
			tt.mutate(&d)
			require.ErrorIs(t, d.Validate(5), asartype.ErrSchema)
		})
	}
}

func TestDescriptor_JSON(t *testing.T) {
	t.Parallel()

	desc, _, err := Compute(bytes.NewReader([]byte("hi")), 4)
	require.NoError(t, err)

	data, err := json.Marshal(desc)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"algorithm": "SHA256",
		"hash": "8f434346648f6b96df89dda901c5176b10a6d83961dd3c1ac88b59b2dc327aa4",
		"blockSize": 4,
		"blocks": ["8f434346648f6b96df89dda901c5176b10a6d83961dd3c1ac88b59b2dc327aa4"]
	}`, string(data))

	var back Descriptor
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, desc, back)
	assert.Equal(t, "sha256:8f434346648f6b96df89dda901c5176b10a6d83961dd3c1ac88b59b2dc327aa4", back.Digest().String())
}

func TestDescriptor_UnmarshalRejects(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"algorithm":"SHA256","hash":"00","blockSize":4}`,
		`{"algorithm":"SHA256","hash":"zz","blockSize":4,"blocks":[]}`,
		`{"algorithm":"SHA256","hash":"00","blockSize":"4","blocks":[]}`,
		`{"algorithm":"SHA256","hash":"00","blockSize":4,"blocks":["q"]}`,
		`[]`,
	} {
		var d Descriptor
		require.ErrorIs(t, json.Unmarshal([]byte(raw), &d), asartype.ErrSchema, raw)
	}
}

var _ io.Writer = (*Verifier)(nil)
