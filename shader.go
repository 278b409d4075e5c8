package vkg

import (
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"

	"github.com/Benau/stk-code/gpu"
)

type ShaderModule struct {
	Device         *Device
	Description    string
	VKShaderModule vk.ShaderModule
}

func (d *Device) LoadShaderModuleFromFile(file string) (*ShaderModule, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "vkg: read shader %s", file)
	}
	return d.CreateShaderModule(filepath.Base(file), data)
}

// CreateShaderModule wraps SPIR-V code. len(code) must be a multiple of 4.
func (d *Device) CreateShaderModule(name string, code []byte) (*ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, errors.Errorf("vkg: shader %s: %d bytes is not valid SPIR-V", name, len(code))
	}
	var module vk.ShaderModule
	err := vk.Error(vk.CreateShaderModule(d.VKDevice, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    sliceUint32(code),
	}, nil, &module))
	if err != nil {
		return nil, errors.Wrapf(err, "vkg: create shader module %s", name)
	}
	return &ShaderModule{Device: d, Description: name, VKShaderModule: module}, nil
}

func (s *ShaderModule) Name() string { return s.Description }

func (s *ShaderModule) VKPipelineShaderStageCreateInfo(stage vk.ShaderStageFlagBits, entryPoint string) vk.PipelineShaderStageCreateInfo {
	return vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  stage,
		Module: s.VKShaderModule,
		PName:  safeString(entryPoint),
	}
}

func (s *ShaderModule) Destroy() {
	vk.DestroyShaderModule(s.Device.VKDevice, s.VKShaderModule, nil)
}

func sliceUint32(data []byte) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), len(data)/4)
}

// ShaderLibrary loads precompiled shaders from a directory. A shader named
// "normal_particle.comp" is read from "<dir>/normal_particle.comp.spv".
// Modules are created once and kept until Destroy.
type ShaderLibrary struct {
	device     *Device
	dir        string
	predefines string
	log        *zap.Logger

	mu      sync.Mutex
	modules map[string]*ShaderModule
}

func NewShaderLibrary(device *Device, dir string, caps gpu.Capabilities, log *zap.Logger) *ShaderLibrary {
	if log == nil {
		log = zap.NewNop()
	}
	return &ShaderLibrary{
		device:     device,
		dir:        dir,
		predefines: caps.ShaderPredefines(gpu.DefaultSamplerSize),
		log:        log,
		modules:    map[string]*ShaderModule{},
	}
}

// Predefines is the preamble the shaders in the library were built with.
func (l *ShaderLibrary) Predefines() string { return l.predefines }

func (l *ShaderLibrary) Shader(name string) (gpu.Shader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.modules[name]; ok {
		return m, nil
	}
	path := filepath.Join(l.dir, name+".spv")
	m, err := l.device.LoadShaderModuleFromFile(path)
	if err != nil {
		return nil, err
	}
	m.Description = name
	l.modules[name] = m
	l.log.Debug("loaded shader", zap.String("name", name), zap.String("path", path))
	return m, nil
}

func (l *ShaderLibrary) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, m := range l.modules {
		m.Destroy()
		delete(l.modules, name)
	}
}
