package vkg

import (
	vk "github.com/vulkan-go/vulkan"

	"github.com/Benau/stk-code/gpu"
)

// DescriptorSet is a binding of resources to a descriptor, per a specific DescriptorSetLayout
type DescriptorSet struct {
	Device          *Device
	DescriptorPool  *DescriptorPool
	VKDescriptorSet vk.DescriptorSet
}

// Update points every binding in writes at its buffer range with a single
// vkUpdateDescriptorSets call.
func (ds *DescriptorSet) Update(writes ...gpu.DescriptorWrite) {
	if len(writes) == 0 {
		return
	}
	vkWrites := make([]vk.WriteDescriptorSet, len(writes))
	for i, w := range writes {
		b := native[*Buffer](w.Buffer)
		vkWrites[i] = vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          ds.VKDescriptorSet,
			DstBinding:      w.Binding,
			DescriptorCount: 1,
			DescriptorType:  descriptorType(w.Type),
			PBufferInfo:     []vk.DescriptorBufferInfo{b.DSInfo(w.Offset, w.Range)},
		}
	}
	vk.UpdateDescriptorSets(ds.Device.VKDevice, uint32(len(vkWrites)), vkWrites, 0, nil)
}
