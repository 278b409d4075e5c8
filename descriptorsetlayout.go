package vkg

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

// DescriptorSetLayout describes the layout of a descriptorset
type DescriptorSetLayout struct {
	Device                        *Device
	VKDescriptorSetLayout         vk.DescriptorSetLayout
	VKDescriptorSetLayoutBindings []vk.DescriptorSetLayoutBinding
}

func (d *Device) NewDescriptorSetLayout() *DescriptorSetLayout {
	return &DescriptorSetLayout{Device: d}
}

// AddComputeBinding adds a single descriptor visible to compute shaders.
func (d *DescriptorSetLayout) AddComputeBinding(binding uint32, dtype vk.DescriptorType) *DescriptorSetLayout {
	d.VKDescriptorSetLayoutBindings = append(d.VKDescriptorSetLayoutBindings, vk.DescriptorSetLayoutBinding{
		Binding:         binding,
		DescriptorType:  dtype,
		DescriptorCount: 1,
		StageFlags:      vk.ShaderStageFlags(vk.ShaderStageComputeBit),
	})
	return d
}

func (d *DescriptorSetLayout) Destroy() {
	vk.DestroyDescriptorSetLayout(d.Device.VKDevice, d.VKDescriptorSetLayout, nil)
}

// CreateDescriptorSetLayout creates the native object for layout.
func (d *Device) CreateDescriptorSetLayout(layout *DescriptorSetLayout) (*DescriptorSetLayout, error) {
	info := &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(layout.VKDescriptorSetLayoutBindings)),
		PBindings:    layout.VKDescriptorSetLayoutBindings,
	}
	var handle vk.DescriptorSetLayout
	if err := vk.Error(vk.CreateDescriptorSetLayout(d.VKDevice, info, nil, &handle)); err != nil {
		return nil, errors.Wrap(err, "vkg: create descriptor set layout")
	}
	layout.Device = d
	layout.VKDescriptorSetLayout = handle
	return layout, nil
}
