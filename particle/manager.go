// Package particle simulates GPU particle emitters with one compute pass per
// rendered frame.
//
// Emitters register a Particle with the Manager while the scene is traversed.
// RenderParticles then packs every registered emitter's config, grows the
// shared buffers if needed and records one dispatch per emitter into a single
// command buffer. The output lands in a generated data buffer that the
// graphics submission reads after waiting on the manager's semaphore.
package particle

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Benau/stk-code/cmdloader"
	"github.com/Benau/stk-code/dynbuf"
	"github.com/Benau/stk-code/gpu"
	"github.com/Benau/stk-code/metrics"
)

type queueSelection struct {
	kind   gpu.QueueKind
	index  int
	family uint32
}

// selectQueue prefers a dedicated compute family so the simulation overlaps
// graphics work. Otherwise it takes the last graphics queue, away from the
// one the main rendering submits to.
func selectQueue(c gpu.Capabilities) (queueSelection, error) {
	switch {
	case c.SeparateComputeQueue:
		return queueSelection{kind: gpu.QueueCompute, index: 0, family: c.ComputeFamily}, nil
	case c.ComputeInMainQueue:
		idx := c.GraphicsQueueCount - 1
		if idx < 0 {
			idx = 0
		}
		return queueSelection{kind: gpu.QueueGraphics, index: idx, family: c.GraphicsFamily}, nil
	}
	return queueSelection{}, errors.WithStack(gpu.ErrNoComputeQueue)
}

type Manager struct {
	dev     gpu.Device
	caps    gpu.Capabilities
	cfg     Settings
	log     *zap.Logger
	metrics *metrics.Particles
	loader  *cmdloader.Loader

	queue  queueSelection
	frames int

	// mu serializes dispatch against particle init and destroy. It guards
	// every field below except the working set.
	mu sync.Mutex
	// semGuard is taken before a dispatch is queued and given back once it
	// has been submitted. signaled is only touched while holding it.
	semGuard *semaphore.Weighted
	signaled bool

	setMu     sync.Mutex
	rendering []*Particle
	inSet     map[*Particle]struct{}

	frame   int
	global  GlobalConfig
	configs []Config

	cmdPool gpu.CommandPool
	cmd     gpu.CommandBuffer
	fence   gpu.Fence
	sem     gpu.Semaphore

	particleLayout gpu.DescriptorSetLayout
	globalLayout   gpu.DescriptorSetLayout
	configLayout   gpu.DescriptorSetLayout
	pipelineLayout gpu.PipelineLayout
	pipeline       gpu.Pipeline
	descPool       gpu.DescriptorPool
	globalSets     []gpu.DescriptorSet
	configSets     []gpu.DescriptorSet

	ubo       *dynbuf.Buffer
	generated *dynbuf.Buffer
	configBuf *dynbuf.Buffer
	stride    uint64
}

// New creates the compute pipeline and every per frame resource. It fails
// with gpu.ErrNoComputeQueue when the device cannot run compute work, and
// releases everything it created on any failure.
func New(dev gpu.Device, shaders gpu.ShaderSource, opts ...Option) (_ *Manager, err error) {
	m := &Manager{
		dev:      dev,
		caps:     dev.Capabilities(),
		log:      zap.NewNop(),
		semGuard: semaphore.NewWeighted(1),
		inSet:    map[*Particle]struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg.setDefaults()
	if m.metrics == nil {
		m.metrics = metrics.NewParticles(nil)
	}

	m.queue, err = selectQueue(m.caps)
	if err != nil {
		return nil, err
	}
	m.frames = dev.FramesInFlight() + 1
	m.stride = gpu.Stride(ConfigSize, m.caps.MinStorageBufferOffsetAlignment)

	defer func() {
		if err != nil {
			m.release()
		}
	}()

	if err = m.createCommandObjects(); err != nil {
		return nil, err
	}
	if err = m.createLayouts(); err != nil {
		return nil, err
	}
	if err = m.createPipeline(shaders); err != nil {
		return nil, err
	}
	if err = m.createBuffers(); err != nil {
		return nil, err
	}
	if err = m.createDescriptorSets(); err != nil {
		return nil, err
	}
	m.updateDescriptorSets()

	m.log.Info("particle manager created",
		zap.Stringer("queue", m.queue.kind),
		zap.Uint32("family", m.queue.family),
		zap.Int("queueIndex", m.queue.index),
		zap.Int("frames", m.frames),
		zap.Uint64("configStride", m.stride))
	return m, nil
}

func (m *Manager) createCommandObjects() (err error) {
	if m.cmdPool, err = m.dev.CreateCommandPool(m.queue.family); err != nil {
		return errors.Wrap(err, "particle: create command pool")
	}
	if m.cmd, err = m.cmdPool.Allocate(); err != nil {
		return errors.Wrap(err, "particle: allocate command buffer")
	}
	if m.fence, err = m.dev.CreateFence(); err != nil {
		return errors.Wrap(err, "particle: create fence")
	}
	if m.sem, err = m.dev.CreateSemaphore(); err != nil {
		return errors.Wrap(err, "particle: create semaphore")
	}
	return nil
}

func (m *Manager) createLayouts() (err error) {
	m.particleLayout, err = m.dev.CreateDescriptorSetLayout(
		gpu.LayoutBinding{Binding: 0, Type: gpu.DescriptorStorageBuffer},
		gpu.LayoutBinding{Binding: 1, Type: gpu.DescriptorStorageBuffer})
	if err != nil {
		return errors.Wrap(err, "particle: create particle set layout")
	}
	m.globalLayout, err = m.dev.CreateDescriptorSetLayout(
		gpu.LayoutBinding{Binding: 0, Type: gpu.DescriptorStorageBuffer},
		gpu.LayoutBinding{Binding: 1, Type: gpu.DescriptorUniformBuffer})
	if err != nil {
		return errors.Wrap(err, "particle: create global set layout")
	}
	m.configLayout, err = m.dev.CreateDescriptorSetLayout(
		gpu.LayoutBinding{Binding: 0, Type: gpu.DescriptorStorageBufferDynamic})
	if err != nil {
		return errors.Wrap(err, "particle: create config set layout")
	}
	m.pipelineLayout, err = m.dev.CreatePipelineLayout(m.particleLayout, m.globalLayout, m.configLayout)
	if err != nil {
		return errors.Wrap(err, "particle: create pipeline layout")
	}
	return nil
}

func (m *Manager) createPipeline(shaders gpu.ShaderSource) error {
	shader, err := shaders.Shader(m.cfg.ShaderName)
	if err != nil {
		return errors.Wrapf(err, "particle: load shader %s", m.cfg.ShaderName)
	}
	m.pipeline, err = m.dev.CreateComputePipeline(m.pipelineLayout, shader, m.cfg.EntryPoint)
	if err != nil {
		return errors.Wrap(err, "particle: create compute pipeline")
	}
	return nil
}

func (m *Manager) createBuffers() (err error) {
	m.ubo, err = dynbuf.New(m.dev, dynbuf.Options{
		Name:   "global",
		Usage:  gpu.UsageUniform,
		Size:   GlobalConfigSize,
		Frames: m.frames,
		Staged: true,
	})
	if err != nil {
		return err
	}
	m.generated, err = dynbuf.New(m.dev, dynbuf.Options{
		Name:   "generated",
		Usage:  gpu.UsageStorage | gpu.UsageTransferSrc,
		Size:   m.cfg.InitialGeneratedSize,
		Frames: m.frames,
	})
	if err != nil {
		return err
	}
	m.configBuf, err = dynbuf.New(m.dev, dynbuf.Options{
		Name:   "config",
		Usage:  gpu.UsageStorage,
		Size:   m.stride * uint64(m.cfg.InitialConfigCapacity),
		Frames: m.frames,
		Staged: true,
	})
	return err
}

func (m *Manager) createDescriptorSets() (err error) {
	m.descPool, err = m.dev.CreateDescriptorPool(m.frames*2,
		gpu.PoolSize{Type: gpu.DescriptorStorageBuffer, Count: m.frames},
		gpu.PoolSize{Type: gpu.DescriptorUniformBuffer, Count: m.frames},
		gpu.PoolSize{Type: gpu.DescriptorStorageBufferDynamic, Count: m.frames})
	if err != nil {
		return errors.Wrap(err, "particle: create descriptor pool")
	}
	for i := 0; i < m.frames; i++ {
		g, err := m.descPool.Allocate(m.globalLayout)
		if err != nil {
			return errors.Wrap(err, "particle: allocate global set")
		}
		c, err := m.descPool.Allocate(m.configLayout)
		if err != nil {
			return errors.Wrap(err, "particle: allocate config set")
		}
		m.globalSets = append(m.globalSets, g)
		m.configSets = append(m.configSets, c)
	}
	return nil
}

// updateDescriptorSets points every frame's sets at the current buffers.
// It runs after any resize so that no set keeps a destroyed buffer.
func (m *Manager) updateDescriptorSets() {
	for i, set := range m.globalSets {
		set.Update(
			gpu.DescriptorWrite{Binding: 0, Type: gpu.DescriptorStorageBuffer, Buffer: m.generated.Local(i), Range: gpu.WholeSize},
			gpu.DescriptorWrite{Binding: 1, Type: gpu.DescriptorUniformBuffer, Buffer: m.ubo.Local(i), Range: GlobalConfigSize})
	}
	for i, set := range m.configSets {
		set.Update(gpu.DescriptorWrite{Binding: 0, Type: gpu.DescriptorStorageBufferDynamic, Buffer: m.configBuf.Local(i), Range: ConfigSize})
	}
	m.metrics.DescriptorWrites.Add(float64(len(m.globalSets) + len(m.configSets)))
}

// AddRenderingParticle registers p for the next RenderParticles call.
// Uninitialized or destroyed particles and repeated registrations are
// ignored.
func (m *Manager) AddRenderingParticle(p *Particle) {
	if !p.ready.Load() {
		return
	}
	m.setMu.Lock()
	defer m.setMu.Unlock()
	if _, ok := m.inSet[p]; ok {
		return
	}
	m.inSet[p] = struct{}{}
	m.rendering = append(m.rendering, p)
}

func (m *Manager) removeParticle(p *Particle) {
	m.setMu.Lock()
	defer m.setMu.Unlock()
	if _, ok := m.inSet[p]; !ok {
		return
	}
	delete(m.inSet, p)
	for i, r := range m.rendering {
		if r == p {
			m.rendering = append(m.rendering[:i], m.rendering[i+1:]...)
			break
		}
	}
}

func (m *Manager) workingSet() []*Particle {
	m.setMu.Lock()
	defer m.setMu.Unlock()
	return append([]*Particle(nil), m.rendering...)
}

// liveParticles drops particles that were destroyed, or lost their buffers
// to a failed Init, after they were registered. The caller holds m.mu,
// which also guards every change of ready and destroyed.
func (m *Manager) liveParticles() []*Particle {
	m.setMu.Lock()
	defer m.setMu.Unlock()
	live := m.rendering[:0]
	for _, p := range m.rendering {
		if p.destroyed || !p.ready.Load() {
			delete(m.inSet, p)
			continue
		}
		live = append(live, p)
	}
	for i := len(live); i < len(m.rendering); i++ {
		m.rendering[i] = nil
	}
	m.rendering = live
	return append([]*Particle(nil), live...)
}

// RenderParticles dispatches the compute shader once per registered
// particle and blocks until the GPU has finished. It does nothing when no
// particle was registered.
func (m *Manager) RenderParticles(ctx context.Context, scene Scene) error {
	if len(m.workingSet()) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	particles := m.liveParticles()
	if len(particles) == 0 {
		return nil
	}

	cameras := scene.Cameras()
	if len(cameras) > MaxCameraCount {
		m.log.Warn("too many cameras for particle billboarding",
			zap.Int("cameras", len(cameras)), zap.Int("max", MaxCameraCount))
		cameras = cameras[:MaxCameraCount]
	}
	m.global = GlobalConfig{CameraCount: uint32(len(cameras)), DeltaTime: scene.DeltaTime()}
	for i, c := range cameras {
		m.global.CameraRotation[i] = cameraRotation(c.ViewMatrix())
	}
	cameraCount := uint32(len(cameras))

	var required uint64
	var offset uint32
	m.configs = m.configs[:0]
	records := make([][]byte, 0, len(particles))
	for _, p := range particles {
		p.config.Translation, p.config.Rotation, p.config.Scale = decompose(p.emitter.AbsoluteTransform())
		p.config.Offset = offset
		offset += p.config.MaxCount * cameraCount
		required += uint64(p.config.MaxCount) * ObjectDataSize

		m.configs = append(m.configs, p.config)
		r, _ := p.config.MarshalBinary()
		records = append(records, r)
	}
	required *= uint64(cameraCount)
	packed, dynamicOffsets := gpu.PackRecords(m.caps.MinStorageBufferOffsetAlignment, records...)

	grewGenerated, err := m.generated.ResizeIfNeeded(required)
	if err != nil {
		return err
	}
	grewConfig, err := m.configBuf.ResizeIfNeeded(uint64(len(packed)))
	if err != nil {
		return err
	}
	if grewGenerated {
		m.metrics.Resizes.WithLabelValues("generated").Inc()
		m.log.Debug("generated data buffer grown", zap.Uint64("size", m.generated.Size()))
	}
	if grewConfig {
		m.metrics.Resizes.WithLabelValues("config").Inc()
		m.log.Debug("particle config buffer grown", zap.Uint64("size", m.configBuf.Size()))
	}
	if grewGenerated || grewConfig {
		m.updateDescriptorSets()
	}

	global, _ := m.global.MarshalBinary()
	if err := m.semGuard.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "particle: wait for semaphore guard")
	}

	start := time.Now()
	ran := false
	job := func() error {
		ran = true
		return m.dispatch(particles, global, packed, dynamicOffsets)
	}
	if m.loader != nil {
		err = <-m.loader.Submit(job)
	} else {
		err = job()
	}
	if !ran {
		// dispatch hands the guard back itself
		m.semGuard.Release(1)
	}
	if err != nil {
		return err
	}
	for _, p := range particles {
		p.config.FirstExecution = false
	}
	m.metrics.SubmitSeconds.Observe(time.Since(start).Seconds())
	m.metrics.Emitters.Observe(float64(len(particles)))
	return nil
}

func (m *Manager) dispatch(particles []*Particle, global, packed []byte, dynamicOffsets []uint32) error {
	frame := m.frame
	err := m.record(func(cmd gpu.CommandBuffer) error {
		if err := m.ubo.SetCurrentData(cmd, frame, global); err != nil {
			return err
		}
		if err := m.configBuf.SetCurrentData(cmd, frame, packed); err != nil {
			return err
		}
		cmd.BindComputePipeline(m.pipeline)
		cmd.BindDescriptorSets(m.pipelineLayout, 1, []gpu.DescriptorSet{m.globalSets[frame]}, nil)

		var dispatched int
		for i, p := range particles {
			groups := (p.config.MaxCount + m.cfg.LocalGroupSize - 1) / m.cfg.LocalGroupSize
			if groups == 0 {
				continue
			}
			cmd.BindDescriptorSets(m.pipelineLayout, 0, []gpu.DescriptorSet{p.set}, nil)
			cmd.BindDescriptorSets(m.pipelineLayout, 2, []gpu.DescriptorSet{m.configSets[frame]}, dynamicOffsets[i:i+1])
			cmd.Dispatch(groups, 1, 1)
			dispatched++
		}
		m.metrics.Dispatches.Add(float64(dispatched))

		if m.caps.SeparateComputeQueue {
			cmd.PipelineBarrier(gpu.BufferBarrier{
				Buffer:    m.generated.Local(frame),
				SrcStage:  gpu.StageComputeShader,
				DstStage:  gpu.StageBottomOfPipe,
				SrcAccess: gpu.AccessShaderWrite,
				SrcFamily: m.caps.ComputeFamily,
				DstFamily: m.caps.GraphicsFamily,
			})
		}
		return nil
	})
	if err != nil {
		m.semGuard.Release(1)
		return err
	}
	return m.endCommand(true)
}

// record begins the command buffer and runs fn. On failure the command
// buffer is ended and the pool reset so the next recording starts clean.
func (m *Manager) record(fn func(cmd gpu.CommandBuffer) error) error {
	if err := m.cmd.Begin(); err != nil {
		return gpu.Fatal(err, "particle: begin command buffer")
	}
	if err := fn(m.cmd); err != nil {
		_ = m.cmd.End()
		_ = m.cmdPool.Reset()
		return err
	}
	if err := m.cmd.End(); err != nil {
		_ = m.cmdPool.Reset()
		return gpu.Fatal(err, "particle: end command buffer")
	}
	return nil
}

// endCommand submits the recorded command buffer, waits for it and resets
// the pool. With signal set the manager semaphore is signaled and the guard
// taken by RenderParticles is handed back right after submission.
func (m *Manager) endCommand(signal bool) error {
	sub := gpu.Submission{Command: m.cmd}
	if signal {
		sub.Signal = []gpu.Semaphore{m.sem}
	}
	queue, unlock := m.acquireQueue()
	err := queue.Submit(sub, m.fence)
	unlock()
	if signal {
		m.signaled = err == nil
		m.semGuard.Release(1)
	}
	if err != nil {
		_ = m.cmdPool.Reset()
		return gpu.Fatal(err, "particle: submit")
	}

	if err := m.fence.Wait(); err != nil {
		return gpu.Fatal(err, "particle: wait for fence")
	}
	if err := m.fence.Reset(); err != nil {
		return gpu.Fatal(err, "particle: reset fence")
	}
	if err := m.cmdPool.Reset(); err != nil {
		return gpu.Fatal(err, "particle: reset command pool")
	}
	return nil
}

func (m *Manager) acquireQueue() (gpu.Queue, func()) {
	return m.dev.AcquireQueue(m.queue.kind, m.queue.index)
}

// Semaphore returns the semaphore the graphics submission must wait on
// before reading GeneratedData. It is nil when nothing was dispatched for
// the current frame. A dispatch still being queued is waited for.
func (m *Manager) Semaphore(ctx context.Context) (gpu.Semaphore, error) {
	if len(m.workingSet()) == 0 {
		return nil, nil
	}
	if err := m.semGuard.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "particle: wait for semaphore guard")
	}
	defer m.semGuard.Release(1)
	if !m.signaled {
		return nil, nil
	}
	return m.sem, nil
}

// GeneratedData returns the buffer the current frame's particles were
// written to, or nil when nothing is being rendered.
func (m *Manager) GeneratedData() gpu.Buffer {
	if len(m.workingSet()) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generated.Local(m.frame)
}

// FinishRendering clears the working set and moves to the next frame slot.
// A frame that rendered nothing keeps its slot.
func (m *Manager) FinishRendering() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setMu.Lock()
	empty := len(m.rendering) == 0
	m.rendering = nil
	m.inSet = map[*Particle]struct{}{}
	m.setMu.Unlock()
	if empty {
		return
	}

	m.configs = m.configs[:0]
	_ = m.semGuard.Acquire(context.Background(), 1)
	m.signaled = false
	m.semGuard.Release(1)
	m.frame = (m.frame + 1) % m.frames
}

// CurrentFrame is the frame slot the next dispatch writes to.
func (m *Manager) CurrentFrame() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame
}

// Frames is the number of frame slots, one more than the device's frames
// in flight.
func (m *Manager) Frames() int { return m.frames }

// ParticleSetLayout is the layout of the per particle descriptor set.
func (m *Manager) ParticleSetLayout() gpu.DescriptorSetLayout { return m.particleLayout }

// WaitIdle drains the queue particle work is submitted to.
func (m *Manager) WaitIdle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitIdleLocked()
}

func (m *Manager) waitIdleLocked() error {
	queue, unlock := m.acquireQueue()
	defer unlock()
	if err := queue.WaitIdle(); err != nil {
		return gpu.Fatal(err, "particle: wait for queue idle")
	}
	return nil
}

// RecreateSemaphore replaces the semaphore, for example after the graphics
// side lost track of a signal.
func (m *Manager) RecreateSemaphore() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.semGuard.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer m.semGuard.Release(1)
	if m.sem != nil {
		m.sem.Destroy()
		m.sem = nil
	}
	sem, err := m.dev.CreateSemaphore()
	if err != nil {
		return gpu.Fatal(err, "particle: create semaphore")
	}
	m.sem = sem
	m.signaled = false
	return nil
}

// Destroy waits for the queue to drain and releases every GPU object.
// Particles must be destroyed first.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.waitIdleLocked()
	m.release()
	m.log.Info("particle manager destroyed")
	return err
}

func (m *Manager) release() {
	for _, b := range []*dynbuf.Buffer{m.ubo, m.generated, m.configBuf} {
		if b != nil {
			b.Destroy()
		}
	}
	m.ubo, m.generated, m.configBuf = nil, nil, nil
	if m.descPool != nil {
		m.descPool.Destroy()
		m.descPool = nil
	}
	m.globalSets, m.configSets = nil, nil
	if m.pipeline != nil {
		m.pipeline.Destroy()
		m.pipeline = nil
	}
	if m.pipelineLayout != nil {
		m.pipelineLayout.Destroy()
		m.pipelineLayout = nil
	}
	for _, l := range []gpu.DescriptorSetLayout{m.configLayout, m.globalLayout, m.particleLayout} {
		if l != nil {
			l.Destroy()
		}
	}
	m.configLayout, m.globalLayout, m.particleLayout = nil, nil, nil
	if m.sem != nil {
		m.sem.Destroy()
		m.sem = nil
	}
	if m.fence != nil {
		m.fence.Destroy()
		m.fence = nil
	}
	if m.cmdPool != nil {
		m.cmdPool.Destroy()
		m.cmdPool = nil
	}
	m.cmd = nil
}
