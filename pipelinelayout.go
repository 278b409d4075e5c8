package vkg

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

type PipelineLayout struct {
	Device           *Device
	VKPipelineLayout vk.PipelineLayout
}

func (p *PipelineLayout) Destroy() {
	vk.DestroyPipelineLayout(p.Device.VKDevice, p.VKPipelineLayout, nil)
}

func (d *Device) CreatePipelineLayoutWithPushConstants(setLayouts []*DescriptorSetLayout, pushConstants []vk.PushConstantRange) (*PipelineLayout, error) {
	l := make([]vk.DescriptorSetLayout, len(setLayouts))
	for i, dsl := range setLayouts {
		l[i] = dsl.VKDescriptorSetLayout
	}
	info := vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         uint32(len(l)),
		PSetLayouts:            l,
		PushConstantRangeCount: uint32(len(pushConstants)),
		PPushConstantRanges:    pushConstants,
	}
	var layout vk.PipelineLayout
	if err := vk.Error(vk.CreatePipelineLayout(d.VKDevice, &info, nil, &layout)); err != nil {
		return nil, errors.Wrap(err, "vkg: create pipeline layout")
	}
	return &PipelineLayout{Device: d, VKPipelineLayout: layout}, nil
}

func (d *Device) CreatePipelineLayout(setLayouts ...*DescriptorSetLayout) (*PipelineLayout, error) {
	return d.CreatePipelineLayoutWithPushConstants(setLayouts, nil)
}
