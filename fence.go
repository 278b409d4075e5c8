package vkg

import (
	"math"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

type Fence struct {
	Device  *Device
	VKFence vk.Fence
}

func (d *Device) CreateFence(signaled bool) (*Fence, error) {
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if signaled {
		info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var fence vk.Fence
	if err := vk.Error(vk.CreateFence(d.VKDevice, &info, nil, &fence)); err != nil {
		return nil, errors.Wrap(err, "vkg: create fence")
	}
	return &Fence{Device: d, VKFence: fence}, nil
}

// Wait blocks until the fence is signaled.
func (f *Fence) Wait() error {
	err := vk.Error(vk.WaitForFences(f.Device.VKDevice, 1, []vk.Fence{f.VKFence}, vk.True, math.MaxUint64))
	return errors.Wrap(err, "vkg: wait for fence")
}

func (f *Fence) Reset() error {
	return errors.Wrap(vk.Error(vk.ResetFences(f.Device.VKDevice, 1, []vk.Fence{f.VKFence})), "vkg: reset fence")
}

func (f *Fence) Destroy() {
	vk.DestroyFence(f.Device.VKDevice, f.VKFence, nil)
}
