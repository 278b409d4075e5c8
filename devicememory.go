package vkg

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// DeviceMemory maps to Vulkan DeviceMemory and can either be memory on the host or on the device
type DeviceMemory struct {
	Device         *Device
	VKDeviceMemory vk.DeviceMemory
	Size           uint64
	MemoryType     uint32
	MapCount       int32
	Ptr            unsafe.Pointer
}

func (d *Device) AllocateMemory(size uint64, memoryType uint32) (*DeviceMemory, error) {
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: memoryType,
	}
	var mem vk.DeviceMemory
	if err := vk.Error(vk.AllocateMemory(d.VKDevice, &info, nil, &mem)); err != nil {
		return nil, errors.Wrapf(err, "vkg: allocate %d bytes of memory type %d", size, memoryType)
	}
	return &DeviceMemory{Device: d, VKDeviceMemory: mem, Size: size, MemoryType: memoryType}, nil
}

// IsMapped returns true if the device memory is currently mapped
func (d *DeviceMemory) IsMapped() bool {
	return atomic.LoadInt32(&d.MapCount) > 0
}

func (d *DeviceMemory) Destroy() {
	if d.IsMapped() {
		d.Unmap()
	}
	vk.FreeMemory(d.Device.VKDevice, d.VKDeviceMemory, nil)
}

// Map maps the whole memory and keeps the pointer in Ptr.
func (d *DeviceMemory) Map() (unsafe.Pointer, error) {
	var res unsafe.Pointer
	err := vk.Error(vk.MapMemory(d.Device.VKDevice, d.VKDeviceMemory, 0, vk.DeviceSize(d.Size), 0, &res))
	if err != nil {
		return nil, errors.Wrap(err, "vkg: map memory")
	}
	atomic.AddInt32(&d.MapCount, 1)
	d.Ptr = res
	return res, nil
}

// Copy writes data at offset into memory mapped with Map.
func (d *DeviceMemory) Copy(offset uint64, data []byte) error {
	if d.Ptr == nil {
		return errors.New("vkg: memory is not mapped")
	}
	if offset+uint64(len(data)) > d.Size {
		return errors.Errorf("vkg: copy of %d bytes at %d overflows %d byte memory", len(data), offset, d.Size)
	}
	dst := unsafe.Slice((*byte)(d.Ptr), d.Size)
	copy(dst[offset:], data)
	return nil
}

func (d *DeviceMemory) Unmap() {
	d.Ptr = nil
	vk.UnmapMemory(d.Device.VKDevice, d.VKDeviceMemory)
	atomic.AddInt32(&d.MapCount, -1)
}
