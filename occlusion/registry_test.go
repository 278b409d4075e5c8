package occlusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	a := r.Register()
	b := r.Register()
	assert.Equal(t, 2, r.Len())

	v, ok := r.Visible(a)
	assert.True(t, ok)
	assert.True(t, v, "nodes start visible")

	assert.True(t, r.store(a, false))
	v, _ = r.Visible(a)
	assert.False(t, v)

	r.Release(a)
	assert.False(t, r.Alive(a))
	_, ok = r.Visible(a)
	assert.False(t, ok)
	assert.False(t, r.store(a, true))
	assert.True(t, r.Alive(b))

	// the slot is reused under a new generation
	c := r.Register()
	assert.Equal(t, a.index, c.index)
	assert.NotEqual(t, a, c)
	assert.False(t, r.Alive(a))
	assert.True(t, r.Alive(c))

	r.Release(a)
	assert.True(t, r.Alive(c), "stale release must not expire the new owner")
	assert.Equal(t, 2, r.Len())
}

func TestRegistryUnknownHandle(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Alive(Handle{index: 5}))
	r.Release(Handle{index: 5})
	assert.Zero(t, r.Len())
}
