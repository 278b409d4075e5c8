package gputest

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/Benau/stk-code/gpu"
)

type Buffer struct {
	device    *Device
	ID        int
	Desc      gpu.BufferDesc
	data      []byte
	destroyed bool
}

func (b *Buffer) Size() uint64 { return b.Desc.Size }

func (b *Buffer) Write(offset uint64, data []byte) error {
	if b.Desc.Memory != gpu.HostVisible {
		return errors.Errorf("gputest: buffer %d is not host visible", b.ID)
	}
	if offset+uint64(len(data)) > b.Desc.Size {
		return errors.Wrapf(gpu.ErrCapacity, "gputest: write of %d bytes at %d into buffer %d of %d bytes",
			len(data), offset, b.ID, b.Desc.Size)
	}
	b.device.mu.Lock()
	copy(b.data[offset:], data)
	b.device.mu.Unlock()
	return nil
}

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// Destroyed reports whether Destroy has been called.
func (b *Buffer) Destroyed() bool {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	return b.destroyed
}

func (b *Buffer) Destroy() {
	b.device.mu.Lock()
	b.destroyed = true
	b.device.events = append(b.device.events, fmt.Sprintf("destroy-buffer:%d", b.ID))
	b.device.mu.Unlock()
	b.device.destroyed("buffer")
}

type DescriptorSetLayout struct {
	device   *Device
	ID       int
	Bindings []gpu.LayoutBinding
}

func (l *DescriptorSetLayout) Destroy() { l.device.destroyed("descriptor-set-layout") }

type DescriptorPool struct {
	device  *Device
	ID      int
	MaxSets int
	Sizes   []gpu.PoolSize
	count   int
}

func (p *DescriptorPool) Allocate(layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	if err := p.device.failure("Allocate"); err != nil {
		return nil, err
	}
	if p.count >= p.MaxSets {
		return nil, errors.Errorf("gputest: descriptor pool %d exhausted (%d sets)", p.ID, p.MaxSets)
	}
	p.count++
	d := p.device
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	s := &DescriptorSet{device: d, ID: d.nextID, Layout: layout.(*DescriptorSetLayout), bindings: map[uint32]gpu.DescriptorWrite{}}
	d.sets = append(d.sets, s)
	return s, nil
}

func (p *DescriptorPool) Destroy() {
	p.device.record(fmt.Sprintf("destroy-descriptor-pool:%d", p.ID))
	p.device.destroyed("descriptor-pool")
}

type DescriptorSet struct {
	device   *Device
	ID       int
	Layout   *DescriptorSetLayout
	updates  [][]gpu.DescriptorWrite
	bindings map[uint32]gpu.DescriptorWrite
}

func (s *DescriptorSet) Update(writes ...gpu.DescriptorWrite) {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	s.updates = append(s.updates, append([]gpu.DescriptorWrite(nil), writes...))
	for _, w := range writes {
		s.bindings[w.Binding] = w
	}
	d.events = append(d.events, fmt.Sprintf("update-descriptor-set:%d", s.ID))
}

// Updates returns every Update call made on the set, in order.
func (s *DescriptorSet) Updates() [][]gpu.DescriptorWrite {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	return append([][]gpu.DescriptorWrite(nil), s.updates...)
}

// Binding returns the latest write for binding.
func (s *DescriptorSet) Binding(binding uint32) (gpu.DescriptorWrite, bool) {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	w, ok := s.bindings[binding]
	return w, ok
}

type PipelineLayout struct {
	device *Device
	ID     int
	Sets   []*DescriptorSetLayout
}

func (l *PipelineLayout) Destroy() { l.device.destroyed("pipeline-layout") }

type Pipeline struct {
	device     *Device
	ID         int
	Layout     *PipelineLayout
	Shader     string
	EntryPoint string
}

func (p *Pipeline) Destroy() { p.device.destroyed("pipeline") }

type CommandPool struct {
	device *Device
	ID     int
	Family uint32
	Resets int
}

func (p *CommandPool) Allocate() (gpu.CommandBuffer, error) {
	if err := p.device.failure("Allocate"); err != nil {
		return nil, err
	}
	return &CommandBuffer{device: p.device, Pool: p}, nil
}

func (p *CommandPool) Reset() error {
	d := p.device
	d.mu.Lock()
	p.Resets++
	d.events = append(d.events, "reset-command-pool")
	d.mu.Unlock()
	return nil
}

func (p *CommandPool) Destroy() { p.device.destroyed("command-pool") }

const (
	OpCopy         = "copy"
	OpBindPipeline = "bind-pipeline"
	OpBindSets     = "bind-sets"
	OpDispatch     = "dispatch"
	OpBarrier      = "barrier"
)

// Command is one recorded command buffer entry.
type Command struct {
	Op             string
	Src, Dst       *Buffer
	Size           uint64
	Pipeline       *Pipeline
	FirstSet       uint32
	Sets           []*DescriptorSet
	DynamicOffsets []uint32
	Groups         [3]uint32
	Barriers       []gpu.BufferBarrier
}

type CommandBuffer struct {
	device    *Device
	Pool      *CommandPool
	recording bool
	commands  []Command
}

func (c *CommandBuffer) Begin() error {
	if c.recording {
		return errors.New("gputest: command buffer already recording")
	}
	c.recording = true
	c.commands = nil
	return nil
}

func (c *CommandBuffer) End() error {
	if !c.recording {
		return errors.New("gputest: command buffer not recording")
	}
	c.recording = false
	return nil
}

// Commands returns the commands of the current or last recording.
func (c *CommandBuffer) Commands() []Command {
	return append([]Command(nil), c.commands...)
}

func (c *CommandBuffer) CopyBuffer(src, dst gpu.Buffer, size uint64) {
	c.commands = append(c.commands, Command{Op: OpCopy, Src: src.(*Buffer), Dst: dst.(*Buffer), Size: size})
}

func (c *CommandBuffer) BindComputePipeline(p gpu.Pipeline) {
	c.commands = append(c.commands, Command{Op: OpBindPipeline, Pipeline: p.(*Pipeline)})
}

func (c *CommandBuffer) BindDescriptorSets(layout gpu.PipelineLayout, firstSet uint32, sets []gpu.DescriptorSet, dynamicOffsets []uint32) {
	cmd := Command{Op: OpBindSets, FirstSet: firstSet, DynamicOffsets: append([]uint32(nil), dynamicOffsets...)}
	for _, s := range sets {
		cmd.Sets = append(cmd.Sets, s.(*DescriptorSet))
	}
	c.commands = append(c.commands, cmd)
}

func (c *CommandBuffer) Dispatch(x, y, z uint32) {
	c.commands = append(c.commands, Command{Op: OpDispatch, Groups: [3]uint32{x, y, z}})
}

func (c *CommandBuffer) PipelineBarrier(barriers ...gpu.BufferBarrier) {
	c.commands = append(c.commands, Command{Op: OpBarrier, Barriers: append([]gpu.BufferBarrier(nil), barriers...)})
}
