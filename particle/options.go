package particle

import (
	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/Benau/stk-code/cmdloader"
	"github.com/Benau/stk-code/metrics"
)

// Camera is a viewpoint the generated particle instances are billboarded
// towards.
type Camera interface {
	ViewMatrix() mgl32.Mat4
}

// Scene supplies the cameras being drawn this frame and the frame time.
type Scene interface {
	Cameras() []Camera
	DeltaTime() float32
}

// Emitter is the scene node a Particle simulates.
type Emitter interface {
	AbsoluteTransform() mgl32.Mat4
}

// EmitterParams are the per emitter constants set by Particle.Init.
type EmitterParams struct {
	MaxCount           uint32
	ActiveCount        uint32
	SizeIncreaseFactor float32
	ColorFrom          uint32
	ColorTo            uint32
	MaterialID         int32
	Flips              bool
	PreGenerating      bool
}

// Settings control a Manager. The zero value is completed by defaults.
type Settings struct {
	// ShaderName is the compute shader fetched from the ShaderSource.
	ShaderName string
	EntryPoint string
	// LocalGroupSize must match local_size_x of the shader.
	LocalGroupSize uint32
	// InitialGeneratedSize is the starting capacity in bytes of each
	// generated data slot.
	InitialGeneratedSize uint64
	// InitialConfigCapacity is the number of emitter records the config
	// buffer holds before it has to grow.
	InitialConfigCapacity int
}

func (c *Settings) setDefaults() {
	if c.ShaderName == "" {
		c.ShaderName = "normal_particle.comp"
	}
	if c.EntryPoint == "" {
		c.EntryPoint = "main"
	}
	if c.LocalGroupSize == 0 {
		c.LocalGroupSize = 256
	}
	if c.InitialGeneratedSize == 0 {
		c.InitialGeneratedSize = 100000
	}
	if c.InitialConfigCapacity == 0 {
		c.InitialConfigCapacity = 50
	}
}

type Option func(*Manager)

// WithSettings replaces the manager settings.
func WithSettings(cfg Settings) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

func WithMetrics(mt *metrics.Particles) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithLoader runs recording and submission on the loader's workers instead
// of the goroutine calling RenderParticles.
func WithLoader(l *cmdloader.Loader) Option {
	return func(m *Manager) {
		m.loader = l
	}
}
