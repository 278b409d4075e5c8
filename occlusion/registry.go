package occlusion

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handle names a visibility flag in a Registry. A handle outlives the flag
// it points to: once released, every lookup through it reports expired.
type Handle struct {
	index      uint32
	generation uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.index, h.generation)
}

type slot struct {
	generation uint32
	live       bool
	visible    atomic.Bool
}

// Registry owns the visibility flags of scene nodes. The culling worker
// only ever holds handles, so it never keeps a node alive.
type Registry struct {
	mu    sync.RWMutex
	slots []*slot
	free  []uint32
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register allocates a flag for a new scene node. Nodes start visible so
// that nothing disappears before the first culling result arrives.
func (r *Registry) Register() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, &slot{})
	}
	s := r.slots[idx]
	s.live = true
	s.visible.Store(true)
	return Handle{index: idx, generation: s.generation}
}

// Release expires h. The slot is reused with a new generation.
func (r *Registry) Release(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(h)
	if s == nil {
		return
	}
	s.live = false
	s.generation++
	r.free = append(r.free, h.index)
}

// Visible returns the last culling result for h. ok is false once h has
// been released.
func (r *Registry) Visible(h Handle) (visible, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.lookup(h)
	if s == nil {
		return false, false
	}
	return s.visible.Load(), true
}

// Alive reports whether h still names a registered node.
func (r *Registry) Alive(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(h) != nil
}

// Len is the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots) - len(r.free)
}

func (r *Registry) store(h Handle, visible bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.lookup(h)
	if s == nil {
		return false
	}
	s.visible.Store(visible)
	return true
}

func (r *Registry) lookup(h Handle) *slot {
	if int(h.index) >= len(r.slots) {
		return nil
	}
	s := r.slots[h.index]
	if !s.live || s.generation != h.generation {
		return nil
	}
	return s
}
