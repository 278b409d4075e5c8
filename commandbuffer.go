package vkg

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/Benau/stk-code/gpu"
)

// CommandBuffer records the handful of commands the compute path needs. The
// native handle stays exported for anything not wrapped here.
type CommandBuffer struct {
	VKCommandBuffer vk.CommandBuffer
}

// Begin starts a one time submit recording.
func (c *CommandBuffer) Begin() error {
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	return errors.Wrap(vk.Error(vk.BeginCommandBuffer(c.VKCommandBuffer, &info)), "vkg: begin command buffer")
}

func (c *CommandBuffer) End() error {
	return errors.Wrap(vk.Error(vk.EndCommandBuffer(c.VKCommandBuffer)), "vkg: end command buffer")
}

func (c *CommandBuffer) CopyBuffer(src, dst gpu.Buffer, size uint64) {
	vk.CmdCopyBuffer(c.VKCommandBuffer,
		native[*Buffer](src).VKBuffer, native[*Buffer](dst).VKBuffer,
		1, []vk.BufferCopy{{Size: vk.DeviceSize(size)}})
}

func (c *CommandBuffer) BindComputePipeline(p gpu.Pipeline) {
	vk.CmdBindPipeline(c.VKCommandBuffer, vk.PipelineBindPointCompute, native[*ComputePipeline](p).VKPipeline)
}

func (c *CommandBuffer) BindDescriptorSets(layout gpu.PipelineLayout, firstSet uint32, sets []gpu.DescriptorSet, dynamicOffsets []uint32) {
	vkSets := make([]vk.DescriptorSet, len(sets))
	for i, s := range sets {
		vkSets[i] = native[*DescriptorSet](s).VKDescriptorSet
	}
	vk.CmdBindDescriptorSets(c.VKCommandBuffer, vk.PipelineBindPointCompute,
		native[*PipelineLayout](layout).VKPipelineLayout, firstSet,
		uint32(len(vkSets)), vkSets, uint32(len(dynamicOffsets)), dynamicOffsets)
}

func (c *CommandBuffer) Dispatch(x, y, z uint32) {
	vk.CmdDispatch(c.VKCommandBuffer, x, y, z)
}

// PipelineBarrier records one vkCmdPipelineBarrier per distinct stage pair.
func (c *CommandBuffer) PipelineBarrier(barriers ...gpu.BufferBarrier) {
	type stages struct{ src, dst gpu.Stage }
	var order []stages
	grouped := map[stages][]vk.BufferMemoryBarrier{}
	for _, b := range barriers {
		key := stages{b.SrcStage, b.DstStage}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], vk.BufferMemoryBarrier{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       accessFlags(b.SrcAccess),
			DstAccessMask:       accessFlags(b.DstAccess),
			SrcQueueFamilyIndex: b.SrcFamily,
			DstQueueFamilyIndex: b.DstFamily,
			Buffer:              native[*Buffer](b.Buffer).VKBuffer,
			Size:                vk.DeviceSize(vk.WholeSize),
		})
	}
	for _, key := range order {
		list := grouped[key]
		vk.CmdPipelineBarrier(c.VKCommandBuffer,
			pipelineStages(key.src), pipelineStages(key.dst), 0,
			0, nil, uint32(len(list)), list, 0, nil)
	}
}
