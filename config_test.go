package silkdb

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestDefaultOptionsValidate(t *testing.T) {
	assert := assertion.New(t)
	assert.NoError(DefaultOptions.Validate())
}

func TestOptionsOutOfRange(t *testing.T) {
	assert := assertion.New(t)

	opts := DefaultOptions.clone()
	opts.Thread.GroupCount = 0
	err := opts.Validate()
	assert.Error(err)
	assert.Equal(CodeConfValueOutOfRange, CodeOf(err))

	opts = DefaultOptions.clone()
	opts.Snapshot.PartitionsPerNode = 0
	err = opts.Validate()
	assert.Error(err)
	assert.Equal(CodeConfValueOutOfRange, CodeOf(err))

	opts = DefaultOptions.clone()
	opts.Snapshot.FolderPathPattern = "no-placeholders"
	err = opts.Validate()
	assert.Error(err)
	assert.Equal(CodeConfValueOutOfRange, CodeOf(err))

	opts = DefaultOptions.clone()
	opts.Log.LogBufferKB = 1
	err = opts.Validate()
	assert.Error(err)
	assert.Equal(CodeConfValueOutOfRange, CodeOf(err))
}

func TestNewEngineRejectsBadOptions(t *testing.T) {
	assert := assertion.New(t)
	opts := DefaultOptions.clone()
	opts.Memory.PagePoolSizeMBPerNode = 0
	engine, err := NewEngine(opts)
	assert.Nil(engine)
	assert.Equal(CodeConfValueOutOfRange, CodeOf(err))
}

func TestCodeOf(t *testing.T) {
	assert := assertion.New(t)
	assert.Equal(CodeOK, CodeOf(nil))
	assert.Equal(CodeNotFound, CodeOf(ErrNotFound))
	assert.Equal(CodeConflict, CodeOf(ErrConflict))
	assert.Equal("NOT_FOUND", CodeNotFound.String())
	assert.Equal("CONF_VALUE_OUTOFRANGE", CodeConfValueOutOfRange.String())
}
