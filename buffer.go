package vkg

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/Benau/stk-code/gpu"
)

// Buffer is a Vulkan buffer bound to a block of pooled memory.
type Buffer struct {
	Device   *Device
	VKBuffer vk.Buffer
	size     uint64
	usage    gpu.BufferUsage
	block    *MemoryBlock
}

func (d *Device) CreateBufferWithOptions(sizeInBytes uint64, usage vk.BufferUsageFlags, sharing vk.SharingMode) (*Buffer, error) {
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(sizeInBytes),
		Usage:       usage,
		SharingMode: sharing,
	}
	var buffer vk.Buffer
	if err := vk.Error(vk.CreateBuffer(d.VKDevice, &info, nil, &buffer)); err != nil {
		return nil, errors.Wrapf(err, "vkg: create %d byte buffer", sizeInBytes)
	}
	return &Buffer{Device: d, VKBuffer: buffer, size: sizeInBytes}, nil
}

func (b *Buffer) VKMemoryRequirements() vk.MemoryRequirements {
	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(b.Device.VKDevice, b.VKBuffer, &req)
	req.Deref()
	return req
}

func (b *Buffer) bind(block *MemoryBlock) error {
	err := vk.Error(vk.BindBufferMemory(b.Device.VKDevice, b.VKBuffer,
		block.Memory().VKDeviceMemory, vk.DeviceSize(block.Offset())))
	if err != nil {
		return errors.Wrap(err, "vkg: bind buffer memory")
	}
	b.block = block
	return nil
}

func (b *Buffer) Size() uint64 { return b.size }

// Write copies data into a host visible buffer. Memory is host coherent so
// no flush is needed.
func (b *Buffer) Write(offset uint64, data []byte) error {
	if b.block == nil || !b.block.Mapped() {
		return errors.New("vkg: write to a buffer that is not host visible")
	}
	if offset+uint64(len(data)) > b.size {
		return errors.Wrapf(gpu.ErrCapacity, "vkg: write of %d bytes at %d into %d byte buffer", len(data), offset, b.size)
	}
	return b.block.Write(offset, data)
}

func (b *Buffer) DSInfo(offset, size uint64) vk.DescriptorBufferInfo {
	return vk.DescriptorBufferInfo{
		Buffer: b.VKBuffer,
		Offset: vk.DeviceSize(offset),
		Range:  deviceSize(size),
	}
}

func (b *Buffer) Destroy() {
	vk.DestroyBuffer(b.Device.VKDevice, b.VKBuffer, nil)
	if b.block != nil {
		b.block.Free()
		b.block = nil
	}
}
