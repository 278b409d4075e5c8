package vkg

import (
	"sync"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"

	"github.com/Benau/stk-code/gpu"
)

const DefaultFramesInFlight = 2

type driverConfig struct {
	framesInFlight int
	validation     bool
	chunkSize      uint64
	shaderDir      string
	log            *zap.Logger
	app            App
}

type DriverOption func(*driverConfig)

func WithFramesInFlight(n int) DriverOption {
	return func(c *driverConfig) { c.framesInFlight = n }
}

// WithValidation enables the Khronos validation layer and routes its
// messages to the driver logger.
func WithValidation(on bool) DriverOption {
	return func(c *driverConfig) { c.validation = on }
}

func WithChunkSize(n uint64) DriverOption {
	return func(c *driverConfig) { c.chunkSize = n }
}

// WithShaderDir sets where the driver's ShaderLibrary looks for SPIR-V.
func WithShaderDir(dir string) DriverOption {
	return func(c *driverConfig) { c.shaderDir = dir }
}

func WithDriverLogger(log *zap.Logger) DriverOption {
	return func(c *driverConfig) { c.log = log }
}

func WithApp(app App) DriverOption {
	return func(c *driverConfig) { c.app = app }
}

type queueKey struct {
	kind  gpu.QueueKind
	index int
}

type lockedQueue struct {
	mu sync.Mutex
	q  *Queue
}

// Driver owns a headless Vulkan device and implements gpu.Device on top of
// it. Queues are shared between goroutines and only handed out locked.
type Driver struct {
	log            *zap.Logger
	framesInFlight int

	Instance *Instance
	Physical *PhysicalDevice
	Device   *Device
	Memory   *MemoryPool
	Shaders  *ShaderLibrary

	caps   gpu.Capabilities
	queues map[queueKey]*lockedQueue
}

// NewDriver initializes Vulkan, picks the first device with a compute
// capable queue and creates the logical device.
func NewDriver(opts ...DriverOption) (_ *Driver, err error) {
	cfg := driverConfig{
		framesInFlight: DefaultFramesInFlight,
		chunkSize:      DefaultChunkSize,
		shaderDir:      "shaders",
		log:            zap.NewNop(),
		app:            App{Name: "stk", EngineName: "stk-code", APIVersion: Version{Major: 1}},
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.framesInFlight < 1 {
		return nil, errors.Errorf("vkg: invalid frames in flight %d", cfg.framesInFlight)
	}

	d := &Driver{log: cfg.log, framesInFlight: cfg.framesInFlight, queues: map[queueKey]*lockedQueue{}}
	defer func() {
		if err != nil {
			d.Destroy()
		}
	}()

	if err = InitializeForComputeOnly(); err != nil {
		return nil, err
	}
	app := cfg.app
	if cfg.validation {
		if err = app.EnableDebugging(); err != nil {
			return nil, err
		}
	}
	if d.Instance, err = app.CreateInstance(); err != nil {
		return nil, err
	}
	if cfg.validation {
		if err = d.Instance.SetDebugLogger(d.log.Named("validation")); err != nil {
			return nil, err
		}
	}

	if err = d.pickDevice(); err != nil {
		return nil, err
	}
	if d.Device, err = d.Physical.CreateLogicalDevice(queueRequests(d.caps), nil); err != nil {
		return nil, err
	}
	d.createQueues()
	d.Memory = NewMemoryPool(d.Device, cfg.chunkSize, d.log)
	d.Shaders = NewShaderLibrary(d.Device, cfg.shaderDir, d.caps, d.log)

	d.log.Info("vulkan driver created",
		zap.String("device", d.Physical.DeviceName),
		zap.Stringer("capabilities", d.caps),
		zap.Int("framesInFlight", d.framesInFlight))
	return d, nil
}

func (d *Driver) pickDevice() error {
	devices, err := d.Instance.PhysicalDevices()
	if err != nil {
		return err
	}
	for _, p := range devices {
		caps, err := p.Capabilities()
		if err != nil {
			d.log.Debug("skipping device", zap.String("device", p.DeviceName), zap.Error(err))
			continue
		}
		if !caps.HasComputeQueue() {
			d.log.Debug("skipping device without compute", zap.String("device", p.DeviceName))
			continue
		}
		d.Physical, d.caps = p, caps
		return nil
	}
	return errors.WithStack(gpu.ErrNoComputeQueue)
}

func (d *Driver) createQueues() {
	for i := 0; i < max(d.caps.GraphicsQueueCount, 1); i++ {
		d.queues[queueKey{gpu.QueueGraphics, i}] = &lockedQueue{q: d.Device.GetQueue(d.caps.GraphicsFamily, i)}
	}
	if d.caps.SeparateComputeQueue {
		d.queues[queueKey{gpu.QueueCompute, 0}] = &lockedQueue{q: d.Device.GetQueue(d.caps.ComputeFamily, 0)}
	}
}

func (d *Driver) Capabilities() gpu.Capabilities { return d.caps }
func (d *Driver) FramesInFlight() int            { return d.framesInFlight }

// AcquireQueue locks and returns a queue. Indices past the queues the
// device was created with fall back to the last one, and compute falls back
// to graphics when there is no separate family.
func (d *Driver) AcquireQueue(kind gpu.QueueKind, index int) (gpu.Queue, func()) {
	lq := d.lookupQueue(kind, index)
	lq.mu.Lock()
	return lq.q, lq.mu.Unlock
}

func (d *Driver) lookupQueue(kind gpu.QueueKind, index int) *lockedQueue {
	if kind == gpu.QueueCompute && !d.caps.SeparateComputeQueue {
		kind, index = gpu.QueueGraphics, d.caps.GraphicsQueueCount-1
	}
	for ; index > 0; index-- {
		if lq, ok := d.queues[queueKey{kind, index}]; ok {
			return lq
		}
	}
	return d.queues[queueKey{kind, 0}]
}

func (d *Driver) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	b, err := d.Device.CreateBufferWithOptions(desc.Size, bufferUsage(desc.Usage), vk.SharingModeExclusive)
	if err != nil {
		return nil, err
	}
	b.usage = desc.Usage
	block, err := d.Memory.Allocate(b.VKMemoryRequirements(), memoryProperties(desc.Memory))
	if err != nil {
		b.Destroy()
		return nil, errors.Wrapf(err, "vkg: allocate %s memory for %d byte buffer", desc.Memory, desc.Size)
	}
	if err := b.bind(block); err != nil {
		block.Free()
		b.Destroy()
		return nil, err
	}
	return b, nil
}

func (d *Driver) CreateDescriptorSetLayout(bindings ...gpu.LayoutBinding) (gpu.DescriptorSetLayout, error) {
	layout := d.Device.NewDescriptorSetLayout()
	for _, b := range bindings {
		layout.AddComputeBinding(b.Binding, descriptorType(b.Type))
	}
	l, err := d.Device.CreateDescriptorSetLayout(layout)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (d *Driver) CreateDescriptorPool(maxSets int, sizes ...gpu.PoolSize) (gpu.DescriptorPool, error) {
	pool := d.Device.NewDescriptorPool()
	for _, s := range sizes {
		pool.AddPoolSize(descriptorType(s.Type), s.Count)
	}
	p, err := d.Device.CreateDescriptorPool(pool, maxSets)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (d *Driver) CreatePipelineLayout(sets ...gpu.DescriptorSetLayout) (gpu.PipelineLayout, error) {
	layouts := make([]*DescriptorSetLayout, len(sets))
	for i, s := range sets {
		layouts[i] = native[*DescriptorSetLayout](s)
	}
	l, err := d.Device.CreatePipelineLayout(layouts...)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (d *Driver) CreateComputePipeline(layout gpu.PipelineLayout, shader gpu.Shader, entryPoint string) (gpu.Pipeline, error) {
	p := &ComputePipeline{}
	p.SetPipelineLayout(native[*PipelineLayout](layout))
	p.SetShaderStage(entryPoint, native[*ShaderModule](shader))
	if err := d.Device.CreateComputePipelines(nil, p); err != nil {
		return nil, errors.Wrapf(err, "vkg: pipeline for %s", shader.Name())
	}
	return p, nil
}

func (d *Driver) CreateCommandPool(family uint32) (gpu.CommandPool, error) {
	p, err := d.Device.CreateCommandPool(family)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (d *Driver) CreateFence() (gpu.Fence, error) {
	f, err := d.Device.CreateFence(false)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *Driver) CreateSemaphore() (gpu.Semaphore, error) {
	s, err := d.Device.CreateSemaphore()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// WaitIdle drains every queue of the device.
func (d *Driver) WaitIdle() error {
	return d.Device.WaitIdle()
}

// Destroy releases the device. Everything created through the driver has to
// be destroyed before.
func (d *Driver) Destroy() {
	if d.Device != nil {
		if err := d.Device.WaitIdle(); err != nil {
			d.log.Warn("wait idle before destroy", zap.Error(err))
		}
		if d.Shaders != nil {
			d.Shaders.Destroy()
		}
		if d.Memory != nil {
			d.Memory.Destroy()
		}
		d.Device.Destroy()
		d.Device = nil
	}
	if d.Instance != nil {
		d.Instance.Destroy()
		d.Instance = nil
	}
}

var _ gpu.Device = (*Driver)(nil)
