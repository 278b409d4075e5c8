package gpu

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestShaderPredefines(t *testing.T) {
	c := Capabilities{}
	assert.Equal(t, "#version 450\n#define SAMPLER_SIZE 256\n#define GE_SAMPLE_TEX_INDEX int\n",
		c.ShaderPredefines(DefaultSamplerSize))

	c.BindTexturesAtOnce = true
	c.DescriptorIndexing = true
	c.NonUniformIndexing = true
	p := c.ShaderPredefines(128)
	assert.Contains(t, p, "#define SAMPLER_SIZE 128\n")
	assert.Contains(t, p, "#define BIND_TEXTURES_AT_ONCE\n")
	assert.Contains(t, p, "#extension GL_EXT_nonuniform_qualifier : enable\n")
	assert.Contains(t, p, "#define GE_SAMPLE_TEX_INDEX nonuniformEXT\n")
}

func TestHasComputeQueue(t *testing.T) {
	assert.False(t, Capabilities{}.HasComputeQueue())
	assert.True(t, Capabilities{ComputeInMainQueue: true}.HasComputeQueue())
	assert.True(t, Capabilities{SeparateComputeQueue: true}.HasComputeQueue())
}

func TestFatalWrapping(t *testing.T) {
	cause := errors.New("device lost")
	err := Fatal(cause, "submit particles")

	assert.True(t, errors.Is(err, ErrFatal))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "submit particles: device lost")
	assert.Nil(t, Fatal(nil, "nothing"))
}

func TestOutOfMemoryKeepsCause(t *testing.T) {
	cause := errors.New("VK_ERROR_OUT_OF_DEVICE_MEMORY")
	err := OutOfMemory(cause, "allocate 16MiB chunk")

	assert.True(t, errors.Is(err, ErrOutOfDeviceMemory))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrFatal))
	assert.Equal(t, cause, errors.Cause(err))
	assert.Contains(t, err.Error(), "allocate 16MiB chunk: VK_ERROR_OUT_OF_DEVICE_MEMORY")
	assert.Nil(t, OutOfMemory(nil, "nothing"))
}
