package particle

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Benau/stk-code/cmdloader"
	"github.com/Benau/stk-code/gpu"
	"github.com/Benau/stk-code/gpu/gputest"
	"github.com/Benau/stk-code/metrics"
)

type testEmitter struct{ transform mgl32.Mat4 }

func (e testEmitter) AbsoluteTransform() mgl32.Mat4 { return e.transform }

type testCamera struct{ view mgl32.Mat4 }

func (c testCamera) ViewMatrix() mgl32.Mat4 { return c.view }

type testScene struct {
	cameras []Camera
	dt      float32
}

func (s testScene) Cameras() []Camera  { return s.cameras }
func (s testScene) DeltaTime() float32 { return s.dt }

func scene(cameras int) testScene {
	s := testScene{dt: 0.016}
	for i := 0; i < cameras; i++ {
		s.cameras = append(s.cameras, testCamera{view: mgl32.Ident4()})
	}
	return s
}

func newManager(t *testing.T, dev *gputest.Device, opts ...Option) *Manager {
	t.Helper()
	m, err := New(dev, gputest.NewShaders("normal_particle.comp"), opts...)
	require.NoError(t, err)
	return m
}

func newParticle(t *testing.T, m *Manager, maxCount uint32) *Particle {
	t.Helper()
	p, err := m.NewParticle(testEmitter{transform: mgl32.Translate3D(1, 2, 3)})
	require.NoError(t, err)
	require.NoError(t, p.Init(
		[]Data{{Lifetime: 1, Size: 1}},
		[]Data{{Lifetime: 2, Size: 1}},
		EmitterParams{MaxCount: maxCount, ActiveCount: maxCount, ColorFrom: 0xffffffff, ColorTo: 0xff000000}))
	return p
}

func bufferBytes(b gpu.Buffer) []byte { return b.(*gputest.Buffer).Bytes() }

func word(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

func lastSubmission(t *testing.T, dev *gputest.Device) gputest.Submitted {
	t.Helper()
	subs := dev.Submissions()
	require.NotEmpty(t, subs)
	return subs[len(subs)-1]
}

func commandsOf(cmds []gputest.Command, op string) []gputest.Command {
	var ret []gputest.Command
	for _, c := range cmds {
		if c.Op == op {
			ret = append(ret, c)
		}
	}
	return ret
}

func indexOf(events []string, prefix string) int {
	for i, e := range events {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

func lastIndexOf(events []string, prefix string) int {
	for i := len(events) - 1; i >= 0; i-- {
		if strings.HasPrefix(events[i], prefix) {
			return i
		}
	}
	return -1
}

func TestNewSelectsQueue(t *testing.T) {
	t.Run("shared graphics queue", func(t *testing.T) {
		dev := gputest.New(gputest.DefaultCapabilities(), 2)
		m := newManager(t, dev)
		defer m.Destroy()

		assert.Equal(t, gpu.QueueGraphics, m.queue.kind)
		assert.Equal(t, 1, m.queue.index)
		assert.Equal(t, 3, m.Frames())
	})

	t.Run("dedicated compute family", func(t *testing.T) {
		caps := gputest.DefaultCapabilities()
		caps.SeparateComputeQueue = true
		caps.ComputeFamily = 2
		dev := gputest.New(caps, 2)
		m := newManager(t, dev)
		defer m.Destroy()

		assert.Equal(t, gpu.QueueCompute, m.queue.kind)
		assert.Equal(t, 0, m.queue.index)
		assert.Equal(t, uint32(2), m.cmdPool.(*gputest.CommandPool).Family)
	})

	t.Run("no compute", func(t *testing.T) {
		caps := gputest.DefaultCapabilities()
		caps.ComputeInMainQueue = false
		dev := gputest.New(caps, 2)
		_, err := New(dev, gputest.NewShaders("normal_particle.comp"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, gpu.ErrNoComputeQueue))
		assert.Empty(t, dev.Live())
	})
}

func TestNewReleasesOnFailure(t *testing.T) {
	for _, op := range []string{"CreateFence", "CreatePipelineLayout", "CreateComputePipeline", "CreateBuffer", "CreateDescriptorPool", "Allocate"} {
		t.Run(op, func(t *testing.T) {
			dev := gputest.New(gputest.DefaultCapabilities(), 2)
			dev.FailOn(op, errors.New("out of memory"))
			_, err := New(dev, gputest.NewShaders("normal_particle.comp"))
			require.Error(t, err)
			assert.Empty(t, dev.Live())
		})
	}

	t.Run("missing shader", func(t *testing.T) {
		dev := gputest.New(gputest.DefaultCapabilities(), 2)
		_, err := New(dev, gputest.NewShaders())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "normal_particle.comp")
		assert.Empty(t, dev.Live())
	})
}

func TestNewWritesEveryFrameSet(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 1)
	m := newManager(t, dev)
	defer m.Destroy()

	require.Len(t, m.globalSets, 2)
	for i := range m.globalSets {
		g := m.globalSets[i].(*gputest.DescriptorSet)
		c := m.configSets[i].(*gputest.DescriptorSet)
		assert.Len(t, g.Updates(), 1)
		assert.Len(t, c.Updates(), 1)

		w, ok := g.Binding(0)
		require.True(t, ok)
		assert.Same(t, m.generated.Local(i), w.Buffer)
		w, ok = g.Binding(1)
		require.True(t, ok)
		assert.Same(t, m.ubo.Local(i), w.Buffer)
		assert.Equal(t, uint64(GlobalConfigSize), w.Range)
		w, ok = c.Binding(0)
		require.True(t, ok)
		assert.Equal(t, gpu.DescriptorStorageBufferDynamic, w.Type)
		assert.Equal(t, uint64(ConfigSize), w.Range)
	}
}

func TestRenderAssignsDisjointOffsets(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()

	counts := []uint32{10, 300, 1000}
	for _, c := range counts {
		m.AddRenderingParticle(newParticle(t, m, c))
	}
	require.NoError(t, m.RenderParticles(context.Background(), scene(2)))

	cfg := bufferBytes(m.configBuf.Local(0))
	want := []uint32{0, 20, 620}
	for i := range counts {
		assert.Equal(t, counts[i], word(cfg, i*256+12), "max count of record %d", i)
		assert.Equal(t, want[i], word(cfg, i*256+64), "offset of record %d", i)
	}
	assert.GreaterOrEqual(t, m.generated.Size(), uint64(1310*ObjectDataSize*2))

	// the last emitter's instances end exactly at sum(maxCount) * cameras
	last := len(counts) - 1
	assert.Equal(t, uint32(1310*2), word(cfg, last*256+64)+counts[last]*2)
}

func TestRenderRecordsDispatches(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	mt := metrics.NewParticles(prometheus.NewRegistry())
	m := newManager(t, dev, WithMetrics(mt))
	defer m.Destroy()

	var particles []*Particle
	for _, c := range []uint32{10, 0, 300, 1000} {
		p, err := m.NewParticle(testEmitter{transform: mgl32.Ident4()})
		require.NoError(t, err)
		require.NoError(t, p.Init(nil, nil, EmitterParams{MaxCount: c, ActiveCount: c}))
		particles = append(particles, p)
		m.AddRenderingParticle(p)
	}
	require.NoError(t, m.RenderParticles(context.Background(), scene(1)))

	sub := lastSubmission(t, dev)
	assert.Equal(t, gputest.QueueKey{Kind: gpu.QueueGraphics, Index: 1}, sub.Queue)
	assert.Equal(t, 1, sub.Signal)

	binds := commandsOf(sub.Commands, gputest.OpBindPipeline)
	require.Len(t, binds, 1)
	assert.Equal(t, "normal_particle.comp", binds[0].Pipeline.Shader)

	var groups []uint32
	for _, c := range commandsOf(sub.Commands, gputest.OpDispatch) {
		groups = append(groups, c.Groups[0])
		assert.Equal(t, uint32(1), c.Groups[1])
		assert.Equal(t, uint32(1), c.Groups[2])
	}
	assert.Equal(t, []uint32{1, 2, 4}, groups)

	var dynamic [][]uint32
	var particleSets []*gputest.DescriptorSet
	for _, c := range commandsOf(sub.Commands, gputest.OpBindSets) {
		switch c.FirstSet {
		case 0:
			particleSets = append(particleSets, c.Sets[0])
		case 1:
			assert.Same(t, m.globalSets[0], gpu.DescriptorSet(c.Sets[0]))
			assert.Empty(t, c.DynamicOffsets)
		case 2:
			dynamic = append(dynamic, c.DynamicOffsets)
		}
	}
	assert.Equal(t, [][]uint32{{0}, {512}, {768}}, dynamic)
	require.Len(t, particleSets, 3)
	assert.Same(t, particles[0].set, gpu.DescriptorSet(particleSets[0]))
	assert.Same(t, particles[3].set, gpu.DescriptorSet(particleSets[2]))

	for _, c := range commandsOf(sub.Commands, gputest.OpBarrier) {
		for _, b := range c.Barriers {
			assert.Equal(t, gpu.QueueFamilyIgnored, b.SrcFamily)
		}
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(mt.Dispatches))
	assert.Equal(t, float64(0), testutil.ToFloat64(mt.Resizes.WithLabelValues("generated")))
	assert.Equal(t, 1, testutil.CollectAndCount(mt.Emitters))
}

func TestRenderReleasesOwnershipToGraphics(t *testing.T) {
	caps := gputest.DefaultCapabilities()
	caps.SeparateComputeQueue = true
	caps.ComputeFamily = 1
	dev := gputest.New(caps, 2)
	m := newManager(t, dev)
	defer m.Destroy()

	m.AddRenderingParticle(newParticle(t, m, 100))
	require.NoError(t, m.RenderParticles(context.Background(), scene(1)))

	sub := lastSubmission(t, dev)
	assert.Equal(t, gputest.QueueKey{Kind: gpu.QueueCompute, Index: 0}, sub.Queue)
	last := sub.Commands[len(sub.Commands)-1]
	require.Equal(t, gputest.OpBarrier, last.Op)
	require.Len(t, last.Barriers, 1)
	b := last.Barriers[0]
	assert.Same(t, m.generated.Local(0), b.Buffer)
	assert.Equal(t, uint32(1), b.SrcFamily)
	assert.Equal(t, uint32(0), b.DstFamily)
	assert.Equal(t, gpu.StageComputeShader, b.SrcStage)
}

func TestFirstExecutionClearedAfterDispatch(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()

	p := newParticle(t, m, 64)
	assert.True(t, p.Config().FirstExecution)

	m.AddRenderingParticle(p)
	require.NoError(t, m.RenderParticles(context.Background(), scene(1)))
	assert.Equal(t, uint32(1), word(bufferBytes(m.configBuf.Local(0)), 68))
	assert.False(t, p.Config().FirstExecution)
	m.FinishRendering()

	m.AddRenderingParticle(p)
	require.NoError(t, m.RenderParticles(context.Background(), scene(1)))
	assert.Equal(t, uint32(0), word(bufferBytes(m.configBuf.Local(1)), 68))

	// re-init starts a new simulation
	m.FinishRendering()
	require.NoError(t, p.Init(nil, nil, EmitterParams{MaxCount: 64}))
	assert.True(t, p.Config().FirstExecution)
}

// assertSetsBindCurrent checks that every frame's global and config sets
// point at the live slots of the shared buffers.
func assertSetsBindCurrent(t *testing.T, m *Manager, updates int) {
	t.Helper()
	for i := 0; i < m.Frames(); i++ {
		g := m.globalSets[i].(*gputest.DescriptorSet)
		c := m.configSets[i].(*gputest.DescriptorSet)
		assert.Len(t, g.Updates(), updates, "global set %d", i)
		assert.Len(t, c.Updates(), updates, "config set %d", i)

		w, _ := g.Binding(0)
		assert.Same(t, m.generated.Local(i), w.Buffer)
		assert.False(t, w.Buffer.(*gputest.Buffer).Destroyed())
		w, _ = g.Binding(1)
		assert.Same(t, m.ubo.Local(i), w.Buffer)
		w, _ = c.Binding(0)
		assert.Same(t, m.configBuf.Local(i), w.Buffer)
		assert.False(t, w.Buffer.(*gputest.Buffer).Destroyed())
	}
}

func TestGrowthRewritesAllSets(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	mt := metrics.NewParticles(prometheus.NewRegistry())
	m := newManager(t, dev, WithMetrics(mt), WithSettings(Settings{InitialGeneratedSize: 1024, InitialConfigCapacity: 2}))
	defer m.Destroy()
	ctx := context.Background()
	perGrowth := float64(2 * m.Frames())

	oldGenerated := m.generated.Local(2).(*gputest.Buffer)
	oldConfig := m.configBuf.Local(2).(*gputest.Buffer)

	var particles []*Particle
	for i := 0; i < 3; i++ {
		p := newParticle(t, m, 32)
		particles = append(particles, p)
		m.AddRenderingParticle(p)
	}
	require.NoError(t, m.RenderParticles(ctx, scene(1)))

	assert.True(t, oldGenerated.Destroyed())
	assert.True(t, oldConfig.Destroyed())
	assert.Equal(t, float64(1), testutil.ToFloat64(mt.Resizes.WithLabelValues("generated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(mt.Resizes.WithLabelValues("config")))
	// one write per set at creation, one after the frame that grew both
	assert.Equal(t, 2*perGrowth, testutil.ToFloat64(mt.DescriptorWrites))
	assertSetsBindCurrent(t, m, 2)

	// same load again does not grow
	m.FinishRendering()
	for _, p := range particles {
		m.AddRenderingParticle(p)
	}
	require.NoError(t, m.RenderParticles(ctx, scene(1)))
	assert.Equal(t, 2*perGrowth, testutil.ToFloat64(mt.DescriptorWrites))

	// a heavier frame grows both buffers a second time
	m.FinishRendering()
	oldGenerated = m.generated.Local(0).(*gputest.Buffer)
	oldConfig = m.configBuf.Local(0).(*gputest.Buffer)
	generatedSize, configSize := m.generated.Size(), m.configBuf.Size()
	for i := 0; i < 3; i++ {
		particles = append(particles, newParticle(t, m, 64))
	}
	for _, p := range particles {
		m.AddRenderingParticle(p)
	}
	require.NoError(t, m.RenderParticles(ctx, scene(1)))

	assert.True(t, oldGenerated.Destroyed())
	assert.True(t, oldConfig.Destroyed())
	assert.Greater(t, m.generated.Size(), generatedSize)
	assert.Greater(t, m.configBuf.Size(), configSize)
	assert.GreaterOrEqual(t, m.generated.Size(), uint64((3*32+3*64)*ObjectDataSize))
	assert.Equal(t, float64(2), testutil.ToFloat64(mt.Resizes.WithLabelValues("generated")))
	assert.Equal(t, float64(2), testutil.ToFloat64(mt.Resizes.WithLabelValues("config")))
	assert.Equal(t, 3*perGrowth, testutil.ToFloat64(mt.DescriptorWrites))
	assertSetsBindCurrent(t, m, 3)
}

func TestRenderAfterLoaderClosed(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	loader := cmdloader.New(1, zap.NewNop())
	m := newManager(t, dev, WithLoader(loader))
	defer m.Destroy()
	p := newParticle(t, m, 10)
	require.NoError(t, loader.Close())
	before := len(dev.Submissions())

	m.AddRenderingParticle(p)
	err := m.RenderParticles(context.Background(), scene(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, cmdloader.ErrClosed))
	assert.Len(t, dev.Submissions(), before)
	assert.True(t, p.Config().FirstExecution, "nothing was dispatched")

	finished := make(chan struct{})
	go func() {
		m.FinishRendering()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "FinishRendering blocked on the semaphore guard")
	}
	require.True(t, m.semGuard.TryAcquire(1))
	m.semGuard.Release(1)
	require.NoError(t, m.WaitIdle())
}

func TestRenderSkipsParticleDestroyedAfterRegistration(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()
	live := newParticle(t, m, 10)
	gone := newParticle(t, m, 10)
	m.AddRenderingParticle(live)

	// Destroy finishing between the ready check and the insert of a
	// concurrent AddRenderingParticle leaves it registered.
	require.NoError(t, gone.Destroy())
	m.setMu.Lock()
	m.inSet[gone] = struct{}{}
	m.rendering = append(m.rendering, gone)
	m.setMu.Unlock()

	require.NoError(t, m.RenderParticles(context.Background(), scene(1)))

	sub := lastSubmission(t, dev)
	assert.Len(t, commandsOf(sub.Commands, gputest.OpDispatch), 1)
	for _, c := range commandsOf(sub.Commands, gputest.OpBindSets) {
		if c.FirstSet == 0 {
			assert.Same(t, live.set, gpu.DescriptorSet(c.Sets[0]))
		}
	}
	assert.Equal(t, []*Particle{live}, m.workingSet())
}

func TestFailedInitUnregisters(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()
	p := newParticle(t, m, 8)
	m.AddRenderingParticle(p)

	// the initial buffer is replaced, the generating one fails
	dev.FailAfter("CreateBuffer", 2, errors.New("out of memory"))
	require.Error(t, p.Init(nil, nil, EmitterParams{MaxCount: 100}))
	assert.False(t, p.ready.Load())

	before := len(dev.Submissions())
	require.NoError(t, m.RenderParticles(context.Background(), scene(1)))
	assert.Len(t, dev.Submissions(), before)
	assert.Empty(t, m.workingSet())
	m.AddRenderingParticle(p)
	assert.Empty(t, m.workingSet())

	require.NoError(t, p.Init(nil, nil, EmitterParams{MaxCount: 100}))
	assert.True(t, p.ready.Load())
	m.AddRenderingParticle(p)
	assert.Len(t, m.workingSet(), 1)
}

func TestRenderEmptyWorkingSet(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()
	newParticle(t, m, 10)
	before := len(dev.Submissions())

	require.NoError(t, m.RenderParticles(context.Background(), scene(1)))
	assert.Len(t, dev.Submissions(), before)

	sem, err := m.Semaphore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sem)
	assert.Nil(t, m.GeneratedData())

	m.FinishRendering()
	assert.Equal(t, 0, m.CurrentFrame())
}

func TestAddRenderingParticle(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()

	uninit, err := m.NewParticle(testEmitter{transform: mgl32.Ident4()})
	require.NoError(t, err)
	m.AddRenderingParticle(uninit)
	assert.Empty(t, m.workingSet())

	p := newParticle(t, m, 10)
	m.AddRenderingParticle(p)
	m.AddRenderingParticle(p)
	assert.Len(t, m.workingSet(), 1)

	require.NoError(t, p.Destroy())
	assert.Empty(t, m.workingSet())
	m.AddRenderingParticle(p)
	assert.Empty(t, m.workingSet())
}

func TestFrameRotation(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()
	p := newParticle(t, m, 10)
	ctx := context.Background()

	for round := 0; round < 2*m.Frames(); round++ {
		frame := round % m.Frames()
		assert.Equal(t, frame, m.CurrentFrame())

		m.AddRenderingParticle(p)
		require.NoError(t, m.RenderParticles(ctx, scene(1)))

		sem, err := m.Semaphore(ctx)
		require.NoError(t, err)
		assert.Same(t, m.sem, sem)
		assert.Same(t, m.generated.Local(frame), m.GeneratedData())

		sub := lastSubmission(t, dev)
		for _, c := range commandsOf(sub.Commands, gputest.OpCopy) {
			assert.True(t, c.Dst == m.ubo.Local(frame) || c.Dst == m.configBuf.Local(frame))
		}

		m.FinishRendering()
		sem, err = m.Semaphore(ctx)
		require.NoError(t, err)
		assert.Nil(t, sem)
	}
}

func TestInitOrdering(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()

	p, err := m.NewParticle(testEmitter{transform: mgl32.Ident4()})
	require.NoError(t, err)
	mark := len(dev.Events())

	initial := []Data{{Position: mgl32.Vec3{1, 2, 3}, Lifetime: 4}}
	require.NoError(t, p.Init(initial, nil, EmitterParams{MaxCount: 4, ActiveCount: 2}))

	events := dev.Events()[mark:]
	waitIdle := indexOf(events, "wait-idle:graphics/1")
	create := indexOf(events, "create-buffer:")
	update := indexOf(events, "update-descriptor-set:")
	submit := indexOf(events, "submit:graphics/1")
	require.NotEqual(t, -1, waitIdle)
	assert.Less(t, waitIdle, create)
	assert.Less(t, create, update)
	assert.Less(t, update, submit)

	sub := lastSubmission(t, dev)
	assert.Equal(t, 0, sub.Signal)
	assert.Empty(t, commandsOf(sub.Commands, gputest.OpDispatch))

	data := bufferBytes(p.initial.Local(0))
	require.Len(t, data, 4*DataSize)
	assert.Equal(t, EncodeData(initial), data[:DataSize])
	assert.Equal(t, make([]byte, 3*DataSize), data[DataSize:])

	sem, err := m.Semaphore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sem)
}

func TestInitValidatesCounts(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()
	p, err := m.NewParticle(testEmitter{transform: mgl32.Ident4()})
	require.NoError(t, err)

	assert.Error(t, p.Init(nil, nil, EmitterParams{MaxCount: 2, ActiveCount: 3}))
	assert.Error(t, p.Init(make([]Data, 3), nil, EmitterParams{MaxCount: 2}))
	assert.False(t, p.ready.Load())
}

func TestInitGrowsParticleBuffers(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()
	p := newParticle(t, m, 8)
	old := p.initial.Local(0).(*gputest.Buffer)

	require.NoError(t, p.Init(nil, nil, EmitterParams{MaxCount: 100}))
	assert.True(t, old.Destroyed())
	assert.GreaterOrEqual(t, p.initial.Size(), uint64(100*DataSize))

	w, ok := p.set.(*gputest.DescriptorSet).Binding(0)
	require.True(t, ok)
	assert.Same(t, p.initial.Local(0), w.Buffer)
	w, ok = p.set.(*gputest.DescriptorSet).Binding(1)
	require.True(t, ok)
	assert.Same(t, p.generating.Local(0), w.Buffer)
}

func TestDestroyWaitsForInFlightDispatch(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()
	p := newParticle(t, m, 500)
	initial := p.initial.Local(0).(*gputest.Buffer)
	m.AddRenderingParticle(p)

	dev.Hold()
	rendered := make(chan error, 1)
	go func() { rendered <- m.RenderParticles(context.Background(), scene(1)) }()
	require.Eventually(t, func() bool { return dev.Pending() == 1 }, time.Second, time.Millisecond)

	destroyed := make(chan error, 1)
	go func() { destroyed <- p.Destroy() }()
	assert.Never(t, initial.Destroyed, 50*time.Millisecond, 5*time.Millisecond)

	dev.Release()
	require.NoError(t, <-rendered)
	require.NoError(t, <-destroyed)
	assert.True(t, initial.Destroyed())

	events := dev.Events()
	complete := lastIndexOf(events, "complete:graphics/1")
	gone := indexOf(events, "destroy-buffer:"+strconv.Itoa(initial.ID))
	require.NotEqual(t, -1, gone)
	assert.Less(t, complete, gone)
	assert.Empty(t, m.workingSet())
}

func TestSemaphoreAvailableBeforeCompletion(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()
	m.AddRenderingParticle(newParticle(t, m, 10))

	dev.Hold()
	rendered := make(chan error, 1)
	go func() { rendered <- m.RenderParticles(context.Background(), scene(1)) }()
	require.Eventually(t, func() bool { return dev.Pending() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sem, err := m.Semaphore(ctx)
	require.NoError(t, err)
	assert.NotNil(t, sem)

	dev.Release()
	require.NoError(t, <-rendered)
}

func TestSubmitFailureIsFatal(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()
	p := newParticle(t, m, 10)
	m.AddRenderingParticle(p)

	dev.FailOn("Submit", errors.New("device lost"))
	err := m.RenderParticles(context.Background(), scene(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrFatal))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sem, err := m.Semaphore(ctx)
	require.NoError(t, err, "guard must be released after a failed submit")
	assert.Nil(t, sem)

	require.NoError(t, m.RenderParticles(context.Background(), scene(1)))
	sem, err = m.Semaphore(ctx)
	require.NoError(t, err)
	assert.NotNil(t, sem)
}

func TestRenderThroughLoader(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	loader := cmdloader.New(2, zap.NewNop())
	defer loader.Close()
	m := newManager(t, dev, WithLoader(loader))
	defer m.Destroy()

	m.AddRenderingParticle(newParticle(t, m, 300))
	require.NoError(t, m.RenderParticles(context.Background(), scene(1)))

	sub := lastSubmission(t, dev)
	assert.Len(t, commandsOf(sub.Commands, gputest.OpDispatch), 1)
	sem, err := m.Semaphore(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, sem)
}

func TestRenderTruncatesCameras(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev, WithLogger(zap.New(core)))
	defer m.Destroy()

	p := newParticle(t, m, 10)
	m.AddRenderingParticle(p)
	require.NoError(t, m.RenderParticles(context.Background(), scene(MaxCameraCount+2)))

	ubo := bufferBytes(m.ubo.Local(0))
	assert.Equal(t, uint32(MaxCameraCount), word(ubo, MaxCameraCount*16))
	assert.Equal(t, 1, logs.FilterMessage("too many cameras for particle billboarding").Len())
}

func TestRecreateSemaphore(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	defer m.Destroy()
	m.AddRenderingParticle(newParticle(t, m, 10))
	require.NoError(t, m.RenderParticles(context.Background(), scene(1)))

	old := m.sem
	require.NoError(t, m.RecreateSemaphore())
	assert.NotSame(t, old, m.sem)
	assert.Equal(t, 1, dev.Live()["semaphore"])

	sem, err := m.Semaphore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sem)
}

func TestDestroyReleasesEverything(t *testing.T) {
	dev := gputest.New(gputest.DefaultCapabilities(), 2)
	m := newManager(t, dev)
	p := newParticle(t, m, 10)
	m.AddRenderingParticle(p)
	require.NoError(t, m.RenderParticles(context.Background(), scene(1)))
	m.FinishRendering()

	require.NoError(t, p.Destroy())
	require.NoError(t, p.Destroy())
	require.NoError(t, m.Destroy())
	assert.Empty(t, dev.Live())
}
