package vkg

import (
	"fmt"
	"sync"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"

	"github.com/Benau/stk-code/gpu"
)

// DefaultChunkSize is the size of each device memory allocation the pool
// sub-allocates from.
const DefaultChunkSize = 16 << 20

type memoryChunk struct {
	memory    *DeviceMemory
	allocator LinearAllocator
	// dedicated chunks hold a single oversized block and are freed with it.
	dedicated bool
}

// MemoryBlock is a range of a pooled chunk bound to one resource.
type MemoryBlock struct {
	pool       *MemoryPool
	chunk      *memoryChunk
	allocation *Allocation
}

func (b *MemoryBlock) Memory() *DeviceMemory { return b.chunk.memory }
func (b *MemoryBlock) Offset() uint64        { return b.allocation.Offset }
func (b *MemoryBlock) Size() uint64          { return b.allocation.Size }

// Mapped reports whether the block lives in persistently mapped memory.
func (b *MemoryBlock) Mapped() bool { return b.chunk.memory.Ptr != nil }

// Write copies data at offset relative to the block start.
func (b *MemoryBlock) Write(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > b.allocation.Size {
		return errors.Wrapf(gpu.ErrCapacity, "vkg: write of %d bytes at %d into %d byte block",
			len(data), offset, b.allocation.Size)
	}
	return b.chunk.memory.Copy(b.allocation.Offset+offset, data)
}

func (b *MemoryBlock) Free() {
	b.pool.free(b)
}

// MemoryPool allocates device memory in chunks per memory type and hands out
// aligned blocks of them. Host visible chunks stay mapped for their whole
// lifetime.
type MemoryPool struct {
	device    *Device
	chunkSize uint64
	log       *zap.Logger

	mu     sync.Mutex
	chunks map[uint32][]*memoryChunk
}

func NewMemoryPool(device *Device, chunkSize uint64, log *zap.Logger) *MemoryPool {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryPool{
		device:    device,
		chunkSize: chunkSize,
		log:       log,
		chunks:    map[uint32][]*memoryChunk{},
	}
}

// Allocate finds room for a resource with the given requirements.
func (p *MemoryPool) Allocate(req vk.MemoryRequirements, props vk.MemoryPropertyFlags) (*MemoryBlock, error) {
	memType, err := p.device.PhysicalDevice.FindMemoryType(req.MemoryTypeBits, props)
	if err != nil {
		return nil, err
	}
	size, align := uint64(req.Size), uint64(req.Alignment)
	mapped := props&vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) != 0

	p.mu.Lock()
	defer p.mu.Unlock()

	if size > p.chunkSize {
		c, err := p.newChunk(memType, size, mapped, true)
		if err != nil {
			return nil, err
		}
		return &MemoryBlock{pool: p, chunk: c, allocation: c.allocator.Allocate(size, align)}, nil
	}
	for _, c := range p.chunks[memType] {
		if c.dedicated {
			continue
		}
		if a := c.allocator.Allocate(size, align); a != nil {
			return &MemoryBlock{pool: p, chunk: c, allocation: a}, nil
		}
	}
	c, err := p.newChunk(memType, p.chunkSize, mapped, false)
	if err != nil {
		return nil, err
	}
	a := c.allocator.Allocate(size, align)
	if a == nil {
		return nil, errors.Wrapf(gpu.ErrOutOfDeviceMemory, "vkg: %d bytes do not fit a fresh chunk", size)
	}
	return &MemoryBlock{pool: p, chunk: c, allocation: a}, nil
}

func (p *MemoryPool) newChunk(memType uint32, size uint64, mapped, dedicated bool) (*memoryChunk, error) {
	mem, err := p.device.AllocateMemory(size, memType)
	if err != nil {
		return nil, gpu.OutOfMemory(err, fmt.Sprintf("vkg: allocate %s chunk of memory type %d", units.BytesSize(float64(size)), memType))
	}
	if mapped {
		if _, err := mem.Map(); err != nil {
			mem.Destroy()
			return nil, err
		}
	}
	c := &memoryChunk{memory: mem, allocator: LinearAllocator{Size: size}, dedicated: dedicated}
	p.chunks[memType] = append(p.chunks[memType], c)
	p.log.Debug("allocated memory chunk",
		zap.Uint32("memoryType", memType),
		zap.String("size", units.BytesSize(float64(size))),
		zap.Bool("mapped", mapped),
		zap.Bool("dedicated", dedicated))
	return c, nil
}

func (p *MemoryPool) free(b *MemoryBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.chunk.allocator.Free(b.allocation)
	if !b.chunk.dedicated || !b.chunk.allocator.Empty() {
		return
	}
	chunks := p.chunks[b.chunk.memory.MemoryType]
	for i, c := range chunks {
		if c == b.chunk {
			p.chunks[b.chunk.memory.MemoryType] = append(chunks[:i], chunks[i+1:]...)
			break
		}
	}
	b.chunk.memory.Destroy()
}

// Destroy frees every chunk. Blocks handed out before become invalid.
func (p *MemoryPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for t, chunks := range p.chunks {
		for _, c := range chunks {
			c.memory.Destroy()
		}
		delete(p.chunks, t)
	}
}
