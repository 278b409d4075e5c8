package vkg

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

type Semaphore struct {
	Device      *Device
	VKSemaphore vk.Semaphore
}

func (d *Device) CreateSemaphore() (*Semaphore, error) {
	info := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	var sema vk.Semaphore
	if err := vk.Error(vk.CreateSemaphore(d.VKDevice, &info, nil, &sema)); err != nil {
		return nil, errors.Wrap(err, "vkg: create semaphore")
	}
	return &Semaphore{Device: d, VKSemaphore: sema}, nil
}

func (s *Semaphore) Destroy() {
	vk.DestroySemaphore(s.Device.VKDevice, s.VKSemaphore, nil)
}
