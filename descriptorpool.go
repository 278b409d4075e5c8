package vkg

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/Benau/stk-code/gpu"
)

// DescriptorPool is essentially a resource manager for descriptor pools provided by Vulkan.
type DescriptorPool struct {
	Device               *Device
	VKDescriptorPool     vk.DescriptorPool
	VKDescriptorPoolSize []vk.DescriptorPoolSize
}

func (d *Device) NewDescriptorPool() *DescriptorPool {
	return &DescriptorPool{Device: d}
}

// AddPoolSize informs the descriptor pool how many of a certain descriptortype it will contain
func (d *DescriptorPool) AddPoolSize(dtype vk.DescriptorType, count int) *DescriptorPool {
	d.VKDescriptorPoolSize = append(d.VKDescriptorPoolSize, vk.DescriptorPoolSize{
		Type:            dtype,
		DescriptorCount: uint32(count),
	})
	return d
}

func (d *Device) CreateDescriptorPool(pool *DescriptorPool, maxSets int) (*DescriptorPool, error) {
	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       uint32(maxSets),
		PoolSizeCount: uint32(len(pool.VKDescriptorPoolSize)),
		PPoolSizes:    pool.VKDescriptorPoolSize,
	}
	var handle vk.DescriptorPool
	if err := vk.Error(vk.CreateDescriptorPool(d.VKDevice, &info, nil, &handle)); err != nil {
		return nil, errors.Wrapf(err, "vkg: create descriptor pool for %d sets", maxSets)
	}
	pool.Device = d
	pool.VKDescriptorPool = handle
	return pool, nil
}

// Allocate allocates a descriptor set from the pool given the descriptor set layout
func (d *DescriptorPool) Allocate(layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	info := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     d.VKDescriptorPool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{native[*DescriptorSetLayout](layout).VKDescriptorSetLayout},
	}
	var set vk.DescriptorSet
	if err := vk.Error(vk.AllocateDescriptorSets(d.Device.VKDevice, &info, &set)); err != nil {
		return nil, errors.Wrap(err, "vkg: allocate descriptor set")
	}
	return &DescriptorSet{Device: d.Device, DescriptorPool: d, VKDescriptorSet: set}, nil
}

func (d *DescriptorPool) Reset() error {
	return errors.Wrap(vk.Error(vk.ResetDescriptorPool(d.Device.VKDevice, d.VKDescriptorPool, 0)), "vkg: reset descriptor pool")
}

// Destroy frees every set allocated from the pool.
func (d *DescriptorPool) Destroy() {
	vk.DestroyDescriptorPool(d.Device.VKDevice, d.VKDescriptorPool, nil)
}
