package vkg

import (
	"fmt"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

type Device struct {
	PhysicalDevice *PhysicalDevice
	VKDevice       vk.Device
}

func (d *Device) Destroy() {
	vk.DestroyDevice(d.VKDevice, nil)
}

func (d *Device) String() string {
	return fmt.Sprintf("{ PhysicalDevice: %s }", d.PhysicalDevice)
}

func (d *Device) WaitIdle() error {
	return errors.Wrap(vk.Error(vk.DeviceWaitIdle(d.VKDevice)), "vkg: device wait idle")
}

// GetQueue returns queue index of family. The device must have been created
// with enough queues in that family.
func (d *Device) GetQueue(family uint32, index int) *Queue {
	var vkq vk.Queue
	vk.GetDeviceQueue(d.VKDevice, family, uint32(index), &vkq)
	return &Queue{Device: d, Family: family, Index: index, VKQueue: vkq}
}
