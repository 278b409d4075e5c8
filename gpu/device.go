// Package gpu defines the small slice of a GPU driver that the particle and
// culling subsystems depend on. The Vulkan implementation lives in the root
// vkg package; gpu/gputest provides an in-memory fake for tests.
package gpu

// BufferUsage describes how a buffer will be bound.
type BufferUsage uint32

const (
	UsageStorage BufferUsage = 1 << iota
	UsageUniform
	UsageTransferSrc
	UsageTransferDst
	UsageVertex
)

// MemoryLocation selects where buffer memory lives.
type MemoryLocation int

const (
	// DeviceLocal memory is only reachable through transfer commands.
	DeviceLocal MemoryLocation = iota
	// HostVisible memory is mapped and written directly with Buffer.Write.
	HostVisible
)

func (l MemoryLocation) String() string {
	switch l {
	case DeviceLocal:
		return "device-local"
	case HostVisible:
		return "host-visible"
	}
	return "unknown"
}

// WholeSize binds a buffer from the given offset to its end.
const WholeSize = ^uint64(0)

// QueueFamilyIgnored leaves queue family ownership untouched in a barrier.
const QueueFamilyIgnored = ^uint32(0)

type BufferDesc struct {
	Size   uint64
	Usage  BufferUsage
	Memory MemoryLocation
}

type Buffer interface {
	Size() uint64
	// Write copies data into a host visible buffer at offset.
	Write(offset uint64, data []byte) error
	Destroy()
}

type DescriptorType int

const (
	DescriptorStorageBuffer DescriptorType = iota
	DescriptorUniformBuffer
	DescriptorStorageBufferDynamic
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorStorageBuffer:
		return "storage"
	case DescriptorUniformBuffer:
		return "uniform"
	case DescriptorStorageBufferDynamic:
		return "storage-dynamic"
	}
	return "unknown"
}

// LayoutBinding is a single compute-stage binding of a descriptor set layout.
type LayoutBinding struct {
	Binding uint32
	Type    DescriptorType
}

type PoolSize struct {
	Type  DescriptorType
	Count int
}

// DescriptorWrite points one binding of a descriptor set at a buffer range.
type DescriptorWrite struct {
	Binding uint32
	Type    DescriptorType
	Buffer  Buffer
	Offset  uint64
	Range   uint64
}

type DescriptorSetLayout interface {
	Destroy()
}

type DescriptorSet interface {
	// Update rewrites the given bindings in a single driver call.
	Update(writes ...DescriptorWrite)
}

type DescriptorPool interface {
	Allocate(layout DescriptorSetLayout) (DescriptorSet, error)
	Destroy()
}

type PipelineLayout interface {
	Destroy()
}

type Pipeline interface {
	Destroy()
}

// Shader is a compiled shader module.
type Shader interface {
	Name() string
}

// ShaderSource hands out compiled shader modules by file name, for example
// "normal_particle.comp".
type ShaderSource interface {
	Shader(name string) (Shader, error)
}

type Stage uint32

const (
	StageTopOfPipe Stage = 1 << iota
	StageTransfer
	StageComputeShader
	StageVertexInput
	StageVertexShader
	StageBottomOfPipe
)

type Access uint32

const (
	AccessTransferWrite Access = 1 << iota
	AccessShaderRead
	AccessShaderWrite
	AccessUniformRead
	AccessVertexAttributeRead
)

// BufferBarrier orders access to a buffer and optionally moves it between
// queue families.
type BufferBarrier struct {
	Buffer    Buffer
	SrcStage  Stage
	DstStage  Stage
	SrcAccess Access
	DstAccess Access
	SrcFamily uint32
	DstFamily uint32
}

type CommandBuffer interface {
	// Begin starts a one time submit recording.
	Begin() error
	End() error
	CopyBuffer(src, dst Buffer, size uint64)
	BindComputePipeline(p Pipeline)
	BindDescriptorSets(layout PipelineLayout, firstSet uint32, sets []DescriptorSet, dynamicOffsets []uint32)
	Dispatch(x, y, z uint32)
	PipelineBarrier(barriers ...BufferBarrier)
}

type CommandPool interface {
	Allocate() (CommandBuffer, error)
	// Reset recycles every command buffer allocated from the pool.
	Reset() error
	Destroy()
}

type Fence interface {
	// Wait blocks until the fence is signaled. There is no timeout.
	Wait() error
	Reset() error
	Destroy()
}

type Semaphore interface {
	Destroy()
}

type QueueKind int

const (
	QueueGraphics QueueKind = iota
	QueueCompute
)

func (k QueueKind) String() string {
	if k == QueueCompute {
		return "compute"
	}
	return "graphics"
}

type Submission struct {
	Command CommandBuffer
	Signal  []Semaphore
}

type Queue interface {
	Submit(s Submission, fence Fence) error
	WaitIdle() error
}

// Device is the driver surface consumed by the particle manager. Queues are
// shared between threads, so they are only reachable through AcquireQueue
// which returns the queue locked together with its unlock function.
type Device interface {
	Capabilities() Capabilities
	FramesInFlight() int
	AcquireQueue(kind QueueKind, index int) (Queue, func())

	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateDescriptorSetLayout(bindings ...LayoutBinding) (DescriptorSetLayout, error)
	CreateDescriptorPool(maxSets int, sizes ...PoolSize) (DescriptorPool, error)
	CreatePipelineLayout(sets ...DescriptorSetLayout) (PipelineLayout, error)
	CreateComputePipeline(layout PipelineLayout, shader Shader, entryPoint string) (Pipeline, error)
	CreateCommandPool(family uint32) (CommandPool, error)
	CreateFence() (Fence, error)
	CreateSemaphore() (Semaphore, error)
}
