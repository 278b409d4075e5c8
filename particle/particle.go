package particle

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Benau/stk-code/dynbuf"
	"github.com/Benau/stk-code/gpu"
)

// Particle is the GPU side of one emitter: its config and the two buffers
// holding the initial and the regenerating particle state.
type Particle struct {
	ID      uuid.UUID
	m       *Manager
	emitter Emitter

	config     Config
	pool       gpu.DescriptorPool
	set        gpu.DescriptorSet
	initial    *dynbuf.Buffer
	generating *dynbuf.Buffer

	ready     atomic.Bool
	destroyed bool
}

// NewParticle allocates the descriptor set for an emitter. Init must be
// called before the particle can be rendered.
func (m *Manager) NewParticle(emitter Emitter) (*Particle, error) {
	p := &Particle{ID: uuid.New(), m: m, emitter: emitter}
	var err error
	p.pool, err = m.dev.CreateDescriptorPool(1, gpu.PoolSize{Type: gpu.DescriptorStorageBuffer, Count: 2})
	if err != nil {
		return nil, errors.Wrap(err, "particle: create descriptor pool")
	}
	p.set, err = p.pool.Allocate(m.particleLayout)
	if err != nil {
		p.pool.Destroy()
		return nil, errors.Wrap(err, "particle: allocate descriptor set")
	}
	return p, nil
}

func (p *Particle) Emitter() Emitter { return p.emitter }

// Config exposes the record uploaded for this particle. The manager
// refreshes transform and offset on every dispatch.
func (p *Particle) Config() *Config { return &p.config }

// Init uploads a new simulation state. Both slices may be shorter than
// params.MaxCount, the rest is zero filled.
//
// The manager's queue is drained first so that no dispatch still reads the
// buffers being replaced; the buffers are then resized, the descriptor set
// rewritten and the data uploaded, in that order.
func (p *Particle) Init(initial, generating []Data, params EmitterParams) error {
	if params.ActiveCount > params.MaxCount {
		return errors.Errorf("particle: active count %d exceeds max count %d", params.ActiveCount, params.MaxCount)
	}
	if len(initial) > int(params.MaxCount) || len(generating) > int(params.MaxCount) {
		return errors.Errorf("particle: %d initial and %d generating particles exceed max count %d",
			len(initial), len(generating), params.MaxCount)
	}

	m := p.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.destroyed {
		return errors.New("particle: init after destroy")
	}
	// stays unready unless every step below succeeds
	p.ready.Store(false)

	if err := m.waitIdleLocked(); err != nil {
		return err
	}

	p.config = Config{
		MaxCount:           params.MaxCount,
		ActiveCount:        params.ActiveCount,
		SizeIncreaseFactor: params.SizeIncreaseFactor,
		ColorFrom:          params.ColorFrom,
		ColorTo:            params.ColorTo,
		MaterialID:         params.MaterialID,
		FirstExecution:     true,
		Flips:              params.Flips,
		PreGenerating:      params.PreGenerating,
	}

	size := uint64(params.MaxCount) * DataSize
	if size == 0 {
		size = DataSize
	}
	var err error
	if p.initial, err = p.ensureBuffer(p.initial, "initial", size); err != nil {
		return err
	}
	if p.generating, err = p.ensureBuffer(p.generating, "generating", size); err != nil {
		return err
	}

	p.set.Update(
		gpu.DescriptorWrite{Binding: 0, Type: gpu.DescriptorStorageBuffer, Buffer: p.initial.Local(0), Range: gpu.WholeSize},
		gpu.DescriptorWrite{Binding: 1, Type: gpu.DescriptorStorageBuffer, Buffer: p.generating.Local(0), Range: gpu.WholeSize})

	initialBytes := padded(EncodeData(initial), params.MaxCount)
	generatingBytes := padded(EncodeData(generating), params.MaxCount)
	err = m.record(func(cmd gpu.CommandBuffer) error {
		if err := p.initial.SetCurrentData(cmd, 0, initialBytes); err != nil {
			return err
		}
		return p.generating.SetCurrentData(cmd, 0, generatingBytes)
	})
	if err != nil {
		return err
	}
	if err := m.endCommand(false); err != nil {
		return err
	}

	p.ready.Store(true)
	m.log.Debug("particle initialized",
		zap.Stringer("particle", p.ID),
		zap.Uint32("maxCount", params.MaxCount),
		zap.Uint64("bufferSize", p.initial.Size()))
	return nil
}

func (p *Particle) ensureBuffer(b *dynbuf.Buffer, name string, size uint64) (*dynbuf.Buffer, error) {
	if b == nil {
		return dynbuf.New(p.m.dev, dynbuf.Options{
			Name:   name,
			Usage:  gpu.UsageStorage,
			Size:   size,
			Frames: 1,
			Staged: true,
		})
	}
	if _, err := b.ResizeIfNeeded(size); err != nil {
		return b, err
	}
	return b, nil
}

func padded(b []byte, maxCount uint32) []byte {
	n := int(maxCount) * DataSize
	if len(b) >= n {
		return b
	}
	return append(b, make([]byte, n-len(b))...)
}

// Destroy removes the particle from the working set and frees its GPU
// objects once the manager's queue is idle. A dispatch in flight that
// still references the particle is waited for.
func (p *Particle) Destroy() error {
	m := p.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.destroyed {
		return nil
	}
	p.ready.Store(false)
	err := m.waitIdleLocked()
	m.removeParticle(p)

	if p.initial != nil {
		p.initial.Destroy()
	}
	if p.generating != nil {
		p.generating.Destroy()
	}
	p.pool.Destroy()
	p.destroyed = true
	m.log.Debug("particle destroyed", zap.Stringer("particle", p.ID))
	return err
}
