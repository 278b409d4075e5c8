package vkg

import (
	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/Benau/stk-code/gpu"
)

// maxGraphicsQueues is how many queues are requested from the graphics
// family. The last one is left to the particle compute pass.
const maxGraphicsQueues = 2

const descriptorIndexingExtension = "VK_EXT_descriptor_indexing"

type PhysicalDevice struct {
	DeviceName                 string
	VKPhysicalDevice           vk.PhysicalDevice
	VKPhysicalDeviceProperties vk.PhysicalDeviceProperties
}

func (p *PhysicalDevice) String() string {
	return p.DeviceName
}

func (p *PhysicalDevice) QueueFamilies() QueueFamilySlice {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(p.VKPhysicalDevice, &count, nil)
	if count == 0 {
		return nil
	}
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(p.VKPhysicalDevice, &count, props)

	ret := make(QueueFamilySlice, count)
	for i, prop := range props {
		prop.Deref()
		ret[i] = &QueueFamily{Index: i, PhysicalDevice: p, VKQueueFamilyProperties: prop}
	}
	return ret
}

func (p *PhysicalDevice) VKPhysicalDeviceFeatures() vk.PhysicalDeviceFeatures {
	var features vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(p.VKPhysicalDevice, &features)
	features.Deref()
	return features
}

func (p *PhysicalDevice) Limits() vk.PhysicalDeviceLimits {
	limits := p.VKPhysicalDeviceProperties.Limits
	limits.Deref()
	return limits
}

// FormatFeatures returns the optimal tiling features of format.
func (p *PhysicalDevice) FormatFeatures(format vk.Format) vk.FormatFeatureFlags {
	var props vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(p.VKPhysicalDevice, format, &props)
	props.Deref()
	return props.OptimalTilingFeatures
}

func (p *PhysicalDevice) supportsSampling(format vk.Format) bool {
	bit := vk.FormatFeatureFlags(vk.FormatFeatureSampledImageBit)
	return p.FormatFeatures(format)&bit == bit
}

func (p *PhysicalDevice) supportsLinearBlit(format vk.Format) bool {
	bits := vk.FormatFeatureFlags(vk.FormatFeatureBlitSrcBit | vk.FormatFeatureBlitDstBit |
		vk.FormatFeatureSampledImageFilterLinearBit)
	return p.FormatFeatures(format)&bits == bits
}

func (p *PhysicalDevice) SupportedExtensions() ([]string, error) {
	var count uint32
	if err := vk.Error(vk.EnumerateDeviceExtensionProperties(p.VKPhysicalDevice, "", &count, nil)); err != nil {
		return nil, errors.Wrap(err, "vkg: enumerate device extensions")
	}
	props := make([]vk.ExtensionProperties, count)
	if err := vk.Error(vk.EnumerateDeviceExtensionProperties(p.VKPhysicalDevice, "", &count, props)); err != nil {
		return nil, errors.Wrap(err, "vkg: enumerate device extensions")
	}
	names := make([]string, 0, count)
	for _, ext := range props {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	return names, nil
}

func (p *PhysicalDevice) SupportsExtension(name string) bool {
	exts, err := p.SupportedExtensions()
	if err != nil {
		return false
	}
	for _, e := range exts {
		if e == name {
			return true
		}
	}
	return false
}

// Capabilities queries everything the engine cares about in one go. The
// result does not change for the lifetime of the device.
func (p *PhysicalDevice) Capabilities() (gpu.Capabilities, error) {
	var caps gpu.Capabilities
	families := p.QueueFamilies()

	graphics := families.FilterGraphics()
	if len(graphics) == 0 {
		return caps, errors.Errorf("vkg: %s has no graphics queue family", p.DeviceName)
	}
	g := graphics[0]
	caps.GraphicsFamily = uint32(g.Index)
	caps.GraphicsQueueCount = min(int(g.VKQueueFamilyProperties.QueueCount), maxGraphicsQueues)
	caps.ComputeInMainQueue = g.IsCompute()
	if c := families.FilterDedicatedCompute(); len(c) > 0 {
		caps.SeparateComputeQueue = true
		caps.ComputeFamily = uint32(c[0].Index)
	}

	limits := p.Limits()
	caps.MinStorageBufferOffsetAlignment = uint64(limits.MinStorageBufferOffsetAlignment)
	caps.MinUniformBufferOffsetAlignment = uint64(limits.MinUniformBufferOffsetAlignment)
	caps.MaxComputeWorkGroupSize = limits.MaxComputeWorkGroupSize
	caps.MaxSamplers = limits.MaxPerStageDescriptorSamplers

	features := p.VKPhysicalDeviceFeatures()
	caps.MultiDrawIndirect = features.MultiDrawIndirect == vk.True
	caps.DescriptorIndexing = p.SupportsExtension(descriptorIndexingExtension)
	caps.NonUniformIndexing = caps.DescriptorIndexing &&
		features.ShaderSampledImageArrayDynamicIndexing == vk.True
	caps.BindTexturesAtOnce = caps.MaxSamplers >= gpu.DefaultSamplerSize

	caps.TextureCompressionBC3 = features.TextureCompressionBC == vk.True &&
		p.supportsSampling(vk.FormatBc3UnormBlock)
	caps.TextureCompressionBC7 = features.TextureCompressionBC == vk.True &&
		p.supportsSampling(vk.FormatBc7UnormBlock)
	caps.TextureCompressionASTC = features.TextureCompressionASTC_LDR == vk.True &&
		p.supportsSampling(vk.FormatAstc4x4UnormBlock)
	caps.LinearBlitRGBA8 = p.supportsLinearBlit(vk.FormatR8g8b8a8Unorm)
	caps.LinearBlitR8 = p.supportsLinearBlit(vk.FormatR8Unorm)
	return caps, nil
}

type CreateDeviceOptions struct {
	EnabledExtensions []string
	EnabledLayers     []string
}

// QueueRequest asks for Count queues from one family.
type QueueRequest struct {
	Family uint32
	Count  int
}

// queueRequests derives what to ask the device for from caps.
func queueRequests(caps gpu.Capabilities) []QueueRequest {
	reqs := []QueueRequest{{Family: caps.GraphicsFamily, Count: max(caps.GraphicsQueueCount, 1)}}
	if caps.SeparateComputeQueue {
		reqs = append(reqs, QueueRequest{Family: caps.ComputeFamily, Count: 1})
	}
	return reqs
}

func (p *PhysicalDevice) CreateLogicalDevice(reqs []QueueRequest, options *CreateDeviceOptions) (*Device, error) {
	infos := make([]vk.DeviceQueueCreateInfo, len(reqs))
	for i, r := range reqs {
		priorities := make([]float32, r.Count)
		for j := range priorities {
			priorities[j] = 1
		}
		infos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: r.Family,
			QueueCount:       uint32(r.Count),
			PQueuePriorities: priorities,
		}
	}

	features := p.VKPhysicalDeviceFeatures()
	createInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: uint32(len(infos)),
		PQueueCreateInfos:    infos,
		PEnabledFeatures:     []vk.PhysicalDeviceFeatures{features},
	}
	if options != nil {
		if len(options.EnabledExtensions) > 0 {
			createInfo.EnabledExtensionCount = uint32(len(options.EnabledExtensions))
			createInfo.PpEnabledExtensionNames = safeStrings(options.EnabledExtensions)
		}
		if len(options.EnabledLayers) > 0 {
			createInfo.EnabledLayerCount = uint32(len(options.EnabledLayers))
			createInfo.PpEnabledLayerNames = safeStrings(options.EnabledLayers)
		}
	}

	var ldevice vk.Device
	if err := vk.Error(vk.CreateDevice(p.VKPhysicalDevice, &createInfo, nil, &ldevice)); err != nil {
		return nil, errors.Wrapf(err, "vkg: create device on %s", p.DeviceName)
	}
	return &Device{PhysicalDevice: p, VKDevice: ldevice}, nil
}

func (p *PhysicalDevice) VKPhysicalDeviceMemoryProperties() vk.PhysicalDeviceMemoryProperties {
	var props vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(p.VKPhysicalDevice, &props)
	props.Deref()
	return props
}

func (p *PhysicalDevice) MemoryTypes() []vk.MemoryType {
	mp := p.VKPhysicalDeviceMemoryProperties()
	ret := make([]vk.MemoryType, 0, mp.MemoryTypeCount)
	for i := uint32(0); i < mp.MemoryTypeCount; i++ {
		mt := mp.MemoryTypes[i]
		mt.Deref()
		ret = append(ret, mt)
	}
	return ret
}

// FindMemoryType returns the first memory type allowed by memoryTypeBits
// that has every flag in properties.
func (p *PhysicalDevice) FindMemoryType(memoryTypeBits uint32, properties vk.MemoryPropertyFlags) (uint32, error) {
	for i, mt := range p.MemoryTypes() {
		if memoryTypeBits&(1<<uint(i)) != 0 && mt.PropertyFlags&properties == properties {
			return uint32(i), nil
		}
	}
	return 0, errors.Wrapf(gpu.ErrOutOfDeviceMemory, "vkg: no memory type for bits %#x flags %#x", memoryTypeBits, properties)
}
