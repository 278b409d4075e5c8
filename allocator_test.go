package vkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	assert.Equal(t, uint64(12), makeAlignUp(12, 3))
	assert.Equal(t, uint64(12), makeAlignUp(10, 3))
	assert.Equal(t, uint64(7), makeAlignUp(7, 0))
	assert.Equal(t, uint64(256), makeAlignUp(1, 256))
}

func TestAllocator(t *testing.T) {
	a := LinearAllocator{Size: 1024}

	assert.Nil(t, a.Allocate(2048, 1))

	first := a.Allocate(512, 1)
	require.NotNil(t, first)
	assert.Equal(t, uint64(0), first.Offset)

	assert.Nil(t, a.Allocate(768, 1))

	second := a.Allocate(500, 1)
	require.NotNil(t, second)
	assert.Equal(t, uint64(512), second.Offset)

	assert.Nil(t, a.Allocate(50, 1))
	third := a.Allocate(5, 1)
	require.NotNil(t, third)
	assert.Equal(t, uint64(1012), third.Offset)
	assert.Nil(t, a.Allocate(20, 1))

	a.Free(second)
	again := a.Allocate(500, 1)
	require.NotNil(t, again)
	assert.Equal(t, uint64(512), again.Offset)

	a.Free(first)
	for _, size := range []uint64{20, 40, 12} {
		assert.NotNil(t, a.Allocate(size, 1), "size %d", size)
	}
	assert.Nil(t, a.Allocate(500, 1))
	assert.NotNil(t, a.Allocate(5, 1))
	assert.True(t, a.sorted())
}

func TestAllocatorAlignment(t *testing.T) {
	a := LinearAllocator{Size: 1024}

	x := a.Allocate(10, 256)
	require.NotNil(t, x)
	y := a.Allocate(10, 256)
	require.NotNil(t, y)
	assert.Equal(t, uint64(256), y.Offset)

	a.Free(x)
	// The head gap is only reused at an aligned offset.
	z := a.Allocate(100, 64)
	require.NotNil(t, z)
	assert.Equal(t, uint64(0), z.Offset)
	w := a.Allocate(100, 64)
	require.NotNil(t, w)
	assert.Equal(t, uint64(128), w.Offset)

	assert.Nil(t, a.Allocate(600, 256))
	assert.NotNil(t, a.Allocate(512, 256))
	assert.Equal(t, uint64(10+100+100+512), a.Used())
	assert.True(t, a.sorted())
}

func TestAllocatorEmpty(t *testing.T) {
	a := LinearAllocator{Size: 64}
	assert.True(t, a.Empty())
	x := a.Allocate(64, 16)
	require.NotNil(t, x)
	assert.False(t, a.Empty())
	a.Free(x)
	assert.True(t, a.Empty())
}
