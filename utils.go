package vkg

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/Benau/stk-code/gpu"
)

var end = "\x00"
var endChar byte = '\x00'

func safeString(s string) string {
	if len(s) == 0 {
		return end
	}
	if s[len(s)-1] != endChar {
		return s + end
	}
	return s
}

func safeStrings(list []string) []string {
	ret := make([]string, len(list))
	for i := range list {
		ret[i] = safeString(list[i])
	}
	return ret
}

func bufferUsage(u gpu.BufferUsage) vk.BufferUsageFlags {
	var f vk.BufferUsageFlagBits
	if u&gpu.UsageStorage != 0 {
		f |= vk.BufferUsageStorageBufferBit
	}
	if u&gpu.UsageUniform != 0 {
		f |= vk.BufferUsageUniformBufferBit
	}
	if u&gpu.UsageTransferSrc != 0 {
		f |= vk.BufferUsageTransferSrcBit
	}
	if u&gpu.UsageTransferDst != 0 {
		f |= vk.BufferUsageTransferDstBit
	}
	if u&gpu.UsageVertex != 0 {
		f |= vk.BufferUsageVertexBufferBit
	}
	return vk.BufferUsageFlags(f)
}

func memoryProperties(l gpu.MemoryLocation) vk.MemoryPropertyFlags {
	if l == gpu.HostVisible {
		return vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	return vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
}

func descriptorType(t gpu.DescriptorType) vk.DescriptorType {
	switch t {
	case gpu.DescriptorUniformBuffer:
		return vk.DescriptorTypeUniformBuffer
	case gpu.DescriptorStorageBufferDynamic:
		return vk.DescriptorTypeStorageBufferDynamic
	}
	return vk.DescriptorTypeStorageBuffer
}

func deviceSize(n uint64) vk.DeviceSize {
	if n == gpu.WholeSize {
		return vk.DeviceSize(vk.WholeSize)
	}
	return vk.DeviceSize(n)
}

func pipelineStages(s gpu.Stage) vk.PipelineStageFlags {
	var f vk.PipelineStageFlagBits
	if s&gpu.StageTopOfPipe != 0 {
		f |= vk.PipelineStageTopOfPipeBit
	}
	if s&gpu.StageTransfer != 0 {
		f |= vk.PipelineStageTransferBit
	}
	if s&gpu.StageComputeShader != 0 {
		f |= vk.PipelineStageComputeShaderBit
	}
	if s&gpu.StageVertexInput != 0 {
		f |= vk.PipelineStageVertexInputBit
	}
	if s&gpu.StageVertexShader != 0 {
		f |= vk.PipelineStageVertexShaderBit
	}
	if s&gpu.StageBottomOfPipe != 0 {
		f |= vk.PipelineStageBottomOfPipeBit
	}
	return vk.PipelineStageFlags(f)
}

func accessFlags(a gpu.Access) vk.AccessFlags {
	var f vk.AccessFlagBits
	if a&gpu.AccessTransferWrite != 0 {
		f |= vk.AccessTransferWriteBit
	}
	if a&gpu.AccessShaderRead != 0 {
		f |= vk.AccessShaderReadBit
	}
	if a&gpu.AccessShaderWrite != 0 {
		f |= vk.AccessShaderWriteBit
	}
	if a&gpu.AccessUniformRead != 0 {
		f |= vk.AccessUniformReadBit
	}
	if a&gpu.AccessVertexAttributeRead != 0 {
		f |= vk.AccessVertexAttributeReadBit
	}
	return vk.AccessFlags(f)
}

// native unwraps a gpu object created by this package. Mixing objects of
// different backends is a programming error.
func native[T any](v any) T {
	t, ok := v.(T)
	if !ok {
		panic(fmt.Sprintf("vkg: %T was not created by a vkg.Driver", v))
	}
	return t
}
