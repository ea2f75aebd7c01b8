package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjaus/pipeline"
)

func TestBuffer_reference_counting(t *testing.T) {
	t.Parallel()

	b := pipeline.NewBuffer()
	_, err := b.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = b.WriteString("world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(b.Bytes()))
	assert.Equal(t, 11, b.Len())

	b.Retain()
	assert.Equal(t, 2, b.RefCount())
	assert.False(t, b.Release())
	assert.Equal(t, "hello world", string(b.Bytes()), "still readable while referenced")

	assert.True(t, b.Release())
	assert.Equal(t, 0, b.RefCount())
	assert.Nil(t, b.Bytes())
	assert.Equal(t, 0, b.Len())

	assert.False(t, b.Release(), "over-release is a no-op")
	assert.Equal(t, 0, b.RefCount())
}

func TestBuffer_close_releases(t *testing.T) {
	t.Parallel()

	b := pipeline.NewBuffer()
	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.RefCount())
}

func TestBuffer_pooled_buffers_start_empty(t *testing.T) {
	t.Parallel()

	b := pipeline.NewBuffer()
	_, err := b.WriteString("stale")
	require.NoError(t, err)
	b.Release()

	assert.Equal(t, 0, pipeline.NewBuffer().Len())
}
