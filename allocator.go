package vkg

import (
	"fmt"
	"sort"
)

type Allocation struct {
	Offset uint64
	Size   uint64
}

func (a *Allocation) String() string {
	return fmt.Sprintf("[%d %d]", a.Offset, a.Size)
}

// LinearAllocator hands out ranges of a block of Size bytes. Allocations are
// kept sorted by offset and placed in the first gap that fits.
type LinearAllocator struct {
	Size   uint64
	allocs []*Allocation
}

func makeAlignUp(a uint64, align uint64) uint64 {
	if align <= 1 {
		return a
	}
	m := a % align
	if m == 0 {
		return a
	}
	return a - m + align
}

func (p *LinearAllocator) Free(fa *Allocation) {
	for i, a := range p.allocs {
		if a == fa {
			p.allocs = append(p.allocs[:i], p.allocs[i+1:]...)
			return
		}
	}
}

// Allocate returns nil when no gap of size bytes at the given alignment is
// left.
func (p *LinearAllocator) Allocate(size uint64, align uint64) *Allocation {
	if size == 0 {
		size = 1
	}
	var cursor uint64
	for i, a := range p.allocs {
		start := makeAlignUp(cursor, align)
		if start+size <= a.Offset {
			return p.insert(i, &Allocation{Offset: start, Size: size})
		}
		cursor = a.Offset + a.Size
	}
	start := makeAlignUp(cursor, align)
	if start+size > p.Size || start+size < start {
		return nil
	}
	return p.insert(len(p.allocs), &Allocation{Offset: start, Size: size})
}

func (p *LinearAllocator) insert(i int, na *Allocation) *Allocation {
	p.allocs = append(p.allocs, nil)
	copy(p.allocs[i+1:], p.allocs[i:])
	p.allocs[i] = na
	return na
}

// Used is the number of bytes currently handed out, ignoring padding.
func (p *LinearAllocator) Used() uint64 {
	var n uint64
	for _, a := range p.allocs {
		n += a.Size
	}
	return n
}

func (p *LinearAllocator) Empty() bool {
	return len(p.allocs) == 0
}

func (p *LinearAllocator) String() string {
	return fmt.Sprintf("%v", p.allocs)
}

func (p *LinearAllocator) sorted() bool {
	return sort.SliceIsSorted(p.allocs, func(i, j int) bool {
		return p.allocs[i].Offset < p.allocs[j].Offset
	})
}
