package vkg

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
)

type ComputePipeline struct {
	Device                          *Device
	VKPipeline                      vk.Pipeline
	VKPipelineShaderStageCreateInfo vk.PipelineShaderStageCreateInfo
	VKPipelineLayout                vk.PipelineLayout
}

type PipelineCache struct {
	Device          *Device
	VKPipelineCache vk.PipelineCache
}

func (d *Device) CreatePipelineCache() (*PipelineCache, error) {
	info := vk.PipelineCacheCreateInfo{SType: vk.StructureTypePipelineCacheCreateInfo}
	var cache vk.PipelineCache
	if err := vk.Error(vk.CreatePipelineCache(d.VKDevice, &info, nil, &cache)); err != nil {
		return nil, errors.Wrap(err, "vkg: create pipeline cache")
	}
	return &PipelineCache{Device: d, VKPipelineCache: cache}, nil
}

func (c *PipelineCache) Destroy() {
	vk.DestroyPipelineCache(c.Device.VKDevice, c.VKPipelineCache, nil)
}

func (c *ComputePipeline) SetPipelineLayout(layout *PipelineLayout) {
	c.VKPipelineLayout = layout.VKPipelineLayout
}

func (c *ComputePipeline) SetShaderStage(entryPoint string, shaderModule *ShaderModule) {
	c.VKPipelineShaderStageCreateInfo = shaderModule.VKPipelineShaderStageCreateInfo(vk.ShaderStageComputeBit, entryPoint)
}

func (c *ComputePipeline) Destroy() {
	vk.DestroyPipeline(c.Device.VKDevice, c.VKPipeline, nil)
}

// CreateComputePipelines builds every pipeline in cp with one driver call.
// pc may be nil.
func (d *Device) CreateComputePipelines(pc *PipelineCache, cp ...*ComputePipeline) error {
	infos := make([]vk.ComputePipelineCreateInfo, len(cp))
	for i, p := range cp {
		infos[i] = vk.ComputePipelineCreateInfo{
			SType:  vk.StructureTypeComputePipelineCreateInfo,
			Stage:  p.VKPipelineShaderStageCreateInfo,
			Layout: p.VKPipelineLayout,
		}
	}
	var cache vk.PipelineCache
	if pc != nil {
		cache = pc.VKPipelineCache
	}
	pipelines := make([]vk.Pipeline, len(cp))
	err := vk.Error(vk.CreateComputePipelines(d.VKDevice, cache, uint32(len(infos)), infos, nil, pipelines))
	if err != nil {
		return errors.Wrap(err, "vkg: create compute pipelines")
	}
	for i := range pipelines {
		cp[i].Device = d
		cp[i].VKPipeline = pipelines[i]
	}
	return nil
}
