package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapConfig_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultWrapConfig().Validate())
	assert.NoError(t, WrapConfig{BlockSize: 1}.Validate())
	assert.Error(t, WrapConfig{BlockSize: 0}.Validate())
	assert.Error(t, WrapConfig{BlockSize: 1 << 31}.Validate())
	assert.Error(t, WrapConfig{BlockSize: 1, MaxBlocksPerRead: -1}.Validate())

	cfg := DefaultWrapConfig()
	WithBlockSize(512)(&cfg)
	WithMaxBlocksPerRead(0)(&cfg)
	assert.Equal(t, WrapConfig{BlockSize: 512}, cfg)
}
