// Package dynbuf provides a buffer with one device slot per frame in flight.
//
// Each frame index owns its own device buffer, so a frame being read by the
// GPU is never overwritten by the CPU preparing the next one. Writes go
// through a host visible staging slot of the same frame and are copied on
// the GPU timeline with the command buffer that consumes them.
package dynbuf

import (
	"github.com/pkg/errors"

	"github.com/Benau/stk-code/gpu"
)

// SizeAlignment is the granularity slots are allocated at.
const SizeAlignment = 256

type Options struct {
	// Name is used in error messages.
	Name   string
	Usage  gpu.BufferUsage
	Size   uint64
	Frames int
	// Staged adds a host visible slot per frame so SetCurrentData can be
	// used. Without it the buffer is only written by shaders.
	Staged bool
}

type Buffer struct {
	dev    gpu.Device
	name   string
	usage  gpu.BufferUsage
	staged bool
	size   uint64
	local  []gpu.Buffer
	host   []gpu.Buffer
}

// New allocates opts.Frames slots of opts.Size bytes.
func New(dev gpu.Device, opts Options) (*Buffer, error) {
	if opts.Frames <= 0 {
		return nil, errors.Errorf("dynbuf %s: invalid frame count %d", opts.Name, opts.Frames)
	}
	b := &Buffer{
		dev:    dev,
		name:   opts.Name,
		usage:  opts.Usage,
		staged: opts.Staged,
	}
	if b.staged {
		b.usage |= gpu.UsageTransferDst
	}
	local, host, err := b.allocate(opts.Size, opts.Frames)
	if err != nil {
		return nil, err
	}
	b.size, b.local, b.host = opts.Size, local, host
	return b, nil
}

func (b *Buffer) allocate(size uint64, frames int) (local, host []gpu.Buffer, err error) {
	defer func() {
		if err != nil {
			destroyAll(local)
			destroyAll(host)
			local, host = nil, nil
		}
	}()
	for i := 0; i < frames; i++ {
		l, err := b.dev.CreateBuffer(gpu.BufferDesc{Size: size, Usage: b.usage, Memory: gpu.DeviceLocal})
		if err != nil {
			return local, host, gpu.Fatal(err, "dynbuf "+b.name+": create device slot")
		}
		local = append(local, l)
		if !b.staged {
			continue
		}
		h, err := b.dev.CreateBuffer(gpu.BufferDesc{Size: size, Usage: gpu.UsageTransferSrc, Memory: gpu.HostVisible})
		if err != nil {
			return local, host, gpu.Fatal(err, "dynbuf "+b.name+": create staging slot")
		}
		host = append(host, h)
	}
	return local, host, nil
}

func destroyAll(bufs []gpu.Buffer) {
	for _, b := range bufs {
		b.Destroy()
	}
}

// Size is the capacity of each slot in bytes.
func (b *Buffer) Size() uint64 { return b.size }

func (b *Buffer) Frames() int { return len(b.local) }

// Local returns the device buffer that belongs to frame.
func (b *Buffer) Local(frame int) gpu.Buffer {
	return b.local[frame]
}

// SetCurrentData writes chunks back to back into the slot of frame and
// records the copy into cmd. The chunks must fit the current capacity;
// callers grow the buffer with ResizeIfNeeded first.
func (b *Buffer) SetCurrentData(cmd gpu.CommandBuffer, frame int, chunks ...[]byte) error {
	if !b.staged {
		return errors.Errorf("dynbuf %s: buffer has no host path", b.name)
	}
	if frame < 0 || frame >= len(b.local) {
		return errors.Errorf("dynbuf %s: frame %d out of range [0, %d)", b.name, frame, len(b.local))
	}
	var total uint64
	for _, c := range chunks {
		total += uint64(len(c))
	}
	if total > b.size {
		return errors.Wrapf(gpu.ErrCapacity, "dynbuf %s: %d bytes into %d byte slot", b.name, total, b.size)
	}
	if total == 0 {
		return nil
	}

	var offset uint64
	for _, c := range chunks {
		if err := b.host[frame].Write(offset, c); err != nil {
			return gpu.Fatal(err, "dynbuf "+b.name+": write staging slot")
		}
		offset += uint64(len(c))
	}
	cmd.CopyBuffer(b.host[frame], b.local[frame], total)
	cmd.PipelineBarrier(gpu.BufferBarrier{
		Buffer:    b.local[frame],
		SrcStage:  gpu.StageTransfer,
		DstStage:  gpu.StageComputeShader,
		SrcAccess: gpu.AccessTransferWrite,
		DstAccess: gpu.AccessShaderRead | gpu.AccessUniformRead,
		SrcFamily: gpu.QueueFamilyIgnored,
		DstFamily: gpu.QueueFamilyIgnored,
	})
	return nil
}

// ResizeIfNeeded grows every slot so that it holds at least required bytes
// and reports whether the slots were replaced. It never shrinks. When it
// returns true, every descriptor referencing the old slots is stale.
//
// The caller must make sure no submitted work still reads the old slots.
func (b *Buffer) ResizeIfNeeded(required uint64) (bool, error) {
	if required <= b.size {
		return false, nil
	}
	size := required
	if grown := b.size + b.size/2; grown > size {
		size = grown
	}
	size = gpu.AlignUp(size, SizeAlignment)

	local, host, err := b.allocate(size, len(b.local))
	if err != nil {
		return false, err
	}
	destroyAll(b.local)
	destroyAll(b.host)
	b.size, b.local, b.host = size, local, host
	return true, nil
}

func (b *Buffer) Destroy() {
	destroyAll(b.local)
	destroyAll(b.host)
	b.local, b.host = nil, nil
	b.size = 0
}
