package vkg

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/Benau/stk-code/gpu"
)

type CommandPool struct {
	Device        *Device
	Family        uint32
	VKCommandPool vk.CommandPool
}

func (d *Device) CreateCommandPool(family uint32) (*CommandPool, error) {
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit | vk.CommandPoolCreateTransientBit),
		QueueFamilyIndex: family,
	}
	var pool vk.CommandPool
	if err := vk.Error(vk.CreateCommandPool(d.VKDevice, &info, nil, &pool)); err != nil {
		return nil, errors.Wrapf(err, "vkg: create command pool for family %d", family)
	}
	return &CommandPool{Device: d, Family: family, VKCommandPool: pool}, nil
}

func (c *CommandPool) AllocateBuffers(count int) ([]*CommandBuffer, error) {
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        c.VKCommandPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: uint32(count),
	}
	cmds := make([]vk.CommandBuffer, count)
	if err := vk.Error(vk.AllocateCommandBuffers(c.Device.VKDevice, &info, cmds)); err != nil {
		return nil, errors.Wrap(err, "vkg: allocate command buffers")
	}
	ret := make([]*CommandBuffer, count)
	for i := range ret {
		ret[i] = &CommandBuffer{VKCommandBuffer: cmds[i]}
	}
	return ret, nil
}

func (c *CommandPool) AllocateBuffer() (*CommandBuffer, error) {
	ret, err := c.AllocateBuffers(1)
	if err != nil {
		return nil, err
	}
	return ret[0], nil
}

// Reset recycles every command buffer allocated from the pool.
func (c *CommandPool) Reset() error {
	return errors.Wrap(vk.Error(vk.ResetCommandPool(c.Device.VKDevice, c.VKCommandPool, 0)), "vkg: reset command pool")
}

func (c *CommandPool) Destroy() {
	vk.DestroyCommandPool(c.Device.VKDevice, c.VKCommandPool, nil)
}

// Allocate implements gpu.CommandPool.
func (c *CommandPool) Allocate() (gpu.CommandBuffer, error) {
	b, err := c.AllocateBuffer()
	if err != nil {
		return nil, err
	}
	return b, nil
}
