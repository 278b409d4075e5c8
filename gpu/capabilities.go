package gpu

import (
	"fmt"
	"strings"
)

// DefaultSamplerSize is the texture array size shaders are compiled with.
const DefaultSamplerSize = 256

// Capabilities is queried once when the device is created and handed to every
// component that needs to know what the hardware can do. It is a plain value
// so tests can construct any combination directly.
type Capabilities struct {
	GraphicsFamily     uint32
	GraphicsQueueCount int
	// ComputeFamily is only meaningful when SeparateComputeQueue is set.
	ComputeFamily        uint32
	SeparateComputeQueue bool
	ComputeInMainQueue   bool

	MinStorageBufferOffsetAlignment uint64
	MinUniformBufferOffsetAlignment uint64
	MaxComputeWorkGroupSize         [3]uint32

	MaxSamplers            uint32
	BindTexturesAtOnce     bool
	DescriptorIndexing     bool
	NonUniformIndexing     bool
	MultiDrawIndirect      bool
	TextureCompressionBC3  bool
	TextureCompressionBC7  bool
	TextureCompressionASTC bool
	LinearBlitRGBA8        bool
	LinearBlitR8           bool
}

// HasComputeQueue reports whether any queue can run compute work.
func (c Capabilities) HasComputeQueue() bool {
	return c.SeparateComputeQueue || c.ComputeInMainQueue
}

// DifferentTexturePerDraw reports whether shaders may index the texture
// array with a non uniform value.
func (c Capabilities) DifferentTexturePerDraw() bool {
	return c.BindTexturesAtOnce && c.DescriptorIndexing && c.NonUniformIndexing
}

// SupportsTextureCompression reports whether any block compressed format can
// be sampled.
func (c Capabilities) SupportsTextureCompression() bool {
	return c.TextureCompressionBC3 || c.TextureCompressionBC7 || c.TextureCompressionASTC
}

// ShaderPredefines returns the preamble prepended to every shader source.
func (c Capabilities) ShaderPredefines(samplerSize int) string {
	var b strings.Builder
	b.WriteString("#version 450\n")
	fmt.Fprintf(&b, "#define SAMPLER_SIZE %d\n", samplerSize)
	if c.BindTexturesAtOnce {
		b.WriteString("#define BIND_TEXTURES_AT_ONCE\n")
	}
	if c.DifferentTexturePerDraw() {
		b.WriteString("#extension GL_EXT_nonuniform_qualifier : enable\n")
		b.WriteString("#define GE_SAMPLE_TEX_INDEX nonuniformEXT\n")
	} else {
		b.WriteString("#define GE_SAMPLE_TEX_INDEX int\n")
	}
	return b.String()
}

func (c Capabilities) String() string {
	return fmt.Sprintf("{ GraphicsFamily: %d Queues: %d SeparateCompute: %v ComputeFamily: %d ComputeInMain: %v StorageAlign: %d }",
		c.GraphicsFamily, c.GraphicsQueueCount, c.SeparateComputeQueue, c.ComputeFamily, c.ComputeInMainQueue, c.MinStorageBufferOffsetAlignment)
}
