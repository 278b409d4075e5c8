// Package gputest is an in-memory gpu.Device. Every call is recorded, copies
// are carried out when a submission completes, and completion itself can be
// held back to simulate work still running on the GPU.
package gputest

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/Benau/stk-code/gpu"
)

// QueueKey identifies one hardware queue.
type QueueKey struct {
	Kind  gpu.QueueKind
	Index int
}

func (k QueueKey) String() string {
	return fmt.Sprintf("%s/%d", k.Kind, k.Index)
}

// Submitted is a snapshot of one queue submission.
type Submitted struct {
	Queue    QueueKey
	Commands []Command
	Signal   int
	Fence    *Fence
	done     bool
}

type Device struct {
	mu   sync.Mutex
	cond *sync.Cond

	caps   gpu.Capabilities
	frames int

	queues    map[QueueKey]*Queue
	events    []string
	held      bool
	pending   []*Submitted
	submitted []*Submitted
	failures  map[string]*failure
	live      map[string]int

	buffers []*Buffer
	sets    []*DescriptorSet
	nextID  int
}

// New returns a fake device with the given capabilities and frame count.
func New(caps gpu.Capabilities, framesInFlight int) *Device {
	d := &Device{
		caps:     caps,
		frames:   framesInFlight,
		queues:   map[QueueKey]*Queue{},
		failures: map[string]*failure{},
		live:     map[string]int{},
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// DefaultCapabilities is a single graphics family device with compute
// support and a 256 byte storage buffer alignment.
func DefaultCapabilities() gpu.Capabilities {
	return gpu.Capabilities{
		GraphicsFamily:                  0,
		GraphicsQueueCount:              2,
		ComputeInMainQueue:              true,
		MinStorageBufferOffsetAlignment: 256,
		MinUniformBufferOffsetAlignment: 256,
		MaxComputeWorkGroupSize:         [3]uint32{1024, 1024, 64},
	}
}

// Hold keeps every later submission pending until Release.
func (d *Device) Hold() {
	d.mu.Lock()
	d.held = true
	d.mu.Unlock()
}

// Release completes all pending submissions and lets new ones complete
// immediately.
func (d *Device) Release() {
	d.mu.Lock()
	d.held = false
	for _, s := range d.pending {
		d.completeLocked(s)
	}
	d.pending = nil
	d.cond.Broadcast()
	d.mu.Unlock()
}

type failure struct {
	err  error
	skip int
}

// FailOn makes the next call of op return err. Op names match the Device
// method names plus "Submit" and "Allocate".
func (d *Device) FailOn(op string, err error) {
	d.FailAfter(op, 0, err)
}

// FailAfter lets calls of op succeed calls times and fails the one after.
func (d *Device) FailAfter(op string, calls int, err error) {
	d.mu.Lock()
	d.failures[op] = &failure{err: err, skip: calls}
	d.mu.Unlock()
}

func (d *Device) failure(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failureLocked(op)
}

func (d *Device) failureLocked(op string) error {
	f, ok := d.failures[op]
	if !ok {
		return nil
	}
	if f.skip > 0 {
		f.skip--
		return nil
	}
	delete(d.failures, op)
	return f.err
}

func (d *Device) record(event string) {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
}

func (d *Device) created(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live[kind]++
	d.nextID++
	return d.nextID
}

func (d *Device) destroyed(kind string) {
	d.mu.Lock()
	d.live[kind]--
	d.mu.Unlock()
}

// Events returns the ordered log of notable calls.
func (d *Device) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

// Live returns how many objects of each kind exist. Kinds with no live
// objects are omitted.
func (d *Device) Live() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ret := map[string]int{}
	for k, v := range d.live {
		if v != 0 {
			ret[k] = v
		}
	}
	return ret
}

// Pending returns how many submissions are waiting for Release.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Submissions returns every submission made so far.
func (d *Device) Submissions() []Submitted {
	d.mu.Lock()
	defer d.mu.Unlock()
	ret := make([]Submitted, len(d.submitted))
	for i, s := range d.submitted {
		ret[i] = *s
	}
	return ret
}

// Buffers returns every buffer created so far, destroyed ones included.
func (d *Device) Buffers() []*Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Buffer(nil), d.buffers...)
}

// DescriptorSets returns every descriptor set allocated so far.
func (d *Device) DescriptorSets() []*DescriptorSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*DescriptorSet(nil), d.sets...)
}

func (d *Device) Capabilities() gpu.Capabilities { return d.caps }
func (d *Device) FramesInFlight() int            { return d.frames }

func (d *Device) AcquireQueue(kind gpu.QueueKind, index int) (gpu.Queue, func()) {
	key := QueueKey{Kind: kind, Index: index}
	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = &Queue{device: d, key: key}
		d.queues[key] = q
	}
	d.mu.Unlock()

	q.mu.Lock()
	return q, q.mu.Unlock
}

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	if err := d.failure("CreateBuffer"); err != nil {
		return nil, err
	}
	id := d.created("buffer")
	b := &Buffer{device: d, ID: id, Desc: desc, data: make([]byte, desc.Size)}
	d.mu.Lock()
	d.buffers = append(d.buffers, b)
	d.mu.Unlock()
	d.record(fmt.Sprintf("create-buffer:%d", id))
	return b, nil
}

func (d *Device) CreateDescriptorSetLayout(bindings ...gpu.LayoutBinding) (gpu.DescriptorSetLayout, error) {
	if err := d.failure("CreateDescriptorSetLayout"); err != nil {
		return nil, err
	}
	id := d.created("descriptor-set-layout")
	return &DescriptorSetLayout{device: d, ID: id, Bindings: append([]gpu.LayoutBinding(nil), bindings...)}, nil
}

func (d *Device) CreateDescriptorPool(maxSets int, sizes ...gpu.PoolSize) (gpu.DescriptorPool, error) {
	if err := d.failure("CreateDescriptorPool"); err != nil {
		return nil, err
	}
	id := d.created("descriptor-pool")
	return &DescriptorPool{device: d, ID: id, MaxSets: maxSets, Sizes: append([]gpu.PoolSize(nil), sizes...)}, nil
}

func (d *Device) CreatePipelineLayout(sets ...gpu.DescriptorSetLayout) (gpu.PipelineLayout, error) {
	if err := d.failure("CreatePipelineLayout"); err != nil {
		return nil, err
	}
	id := d.created("pipeline-layout")
	l := &PipelineLayout{device: d, ID: id}
	for _, s := range sets {
		l.Sets = append(l.Sets, s.(*DescriptorSetLayout))
	}
	return l, nil
}

func (d *Device) CreateComputePipeline(layout gpu.PipelineLayout, shader gpu.Shader, entryPoint string) (gpu.Pipeline, error) {
	if err := d.failure("CreateComputePipeline"); err != nil {
		return nil, err
	}
	id := d.created("pipeline")
	return &Pipeline{device: d, ID: id, Layout: layout.(*PipelineLayout), Shader: shader.Name(), EntryPoint: entryPoint}, nil
}

func (d *Device) CreateCommandPool(family uint32) (gpu.CommandPool, error) {
	if err := d.failure("CreateCommandPool"); err != nil {
		return nil, err
	}
	id := d.created("command-pool")
	return &CommandPool{device: d, ID: id, Family: family}, nil
}

func (d *Device) CreateFence() (gpu.Fence, error) {
	if err := d.failure("CreateFence"); err != nil {
		return nil, err
	}
	id := d.created("fence")
	return &Fence{device: d, ID: id}, nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	if err := d.failure("CreateSemaphore"); err != nil {
		return nil, err
	}
	id := d.created("semaphore")
	return &Semaphore{device: d, ID: id}, nil
}

func (d *Device) submit(q *Queue, s gpu.Submission, fence gpu.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failureLocked("Submit"); err != nil {
		return err
	}
	cb, ok := s.Command.(*CommandBuffer)
	if !ok {
		return errors.Errorf("gputest: foreign command buffer %T", s.Command)
	}
	if cb.recording {
		return errors.New("gputest: submitting a command buffer that is still recording")
	}
	sub := &Submitted{
		Queue:    q.key,
		Commands: append([]Command(nil), cb.commands...),
		Signal:   len(s.Signal),
	}
	if fence != nil {
		sub.Fence = fence.(*Fence)
	}
	d.submitted = append(d.submitted, sub)
	d.events = append(d.events, "submit:"+q.key.String())
	if d.held {
		d.pending = append(d.pending, sub)
		return nil
	}
	d.completeLocked(sub)
	d.cond.Broadcast()
	return nil
}

func (d *Device) completeLocked(s *Submitted) {
	for _, c := range s.Commands {
		if c.Op == OpCopy {
			copy(c.Dst.data[:c.Size], c.Src.data[:c.Size])
		}
	}
	s.done = true
	if s.Fence != nil {
		s.Fence.signaled = true
	}
	d.events = append(d.events, "complete:"+s.Queue.String())
}

func (d *Device) idleLocked(key QueueKey) bool {
	for _, s := range d.pending {
		if s.Queue == key {
			return false
		}
	}
	return true
}

type Queue struct {
	mu     sync.Mutex
	device *Device
	key    QueueKey
}

func (q *Queue) Submit(s gpu.Submission, fence gpu.Fence) error {
	return q.device.submit(q, s, fence)
}

func (q *Queue) WaitIdle() error {
	d := q.device
	d.mu.Lock()
	defer d.mu.Unlock()
	for !d.idleLocked(q.key) {
		d.cond.Wait()
	}
	d.events = append(d.events, "wait-idle:"+q.key.String())
	return nil
}

type Fence struct {
	device   *Device
	ID       int
	signaled bool
}

func (f *Fence) Wait() error {
	d := f.device
	d.mu.Lock()
	defer d.mu.Unlock()
	for !f.signaled {
		d.cond.Wait()
	}
	d.events = append(d.events, "fence-wait")
	return nil
}

func (f *Fence) Reset() error {
	d := f.device
	d.mu.Lock()
	f.signaled = false
	d.mu.Unlock()
	return nil
}

func (f *Fence) Destroy() { f.device.destroyed("fence") }

type Semaphore struct {
	device *Device
	ID     int
}

func (s *Semaphore) Destroy() { s.device.destroyed("semaphore") }

// Shaders is a gpu.ShaderSource that knows the listed names.
type Shaders map[string]bool

func NewShaders(names ...string) Shaders {
	s := Shaders{}
	for _, n := range names {
		s[n] = true
	}
	return s
}

func (s Shaders) Shader(name string) (gpu.Shader, error) {
	if !s[name] {
		return nil, errors.Errorf("gputest: unknown shader %q", name)
	}
	return Shader(name), nil
}

type Shader string

func (s Shader) Name() string { return string(s) }
