// Package occlusion culls scene nodes against a fixed set of occluder
// triangles on a background goroutine.
//
// The render goroutine pushes the camera of every frame. The worker only
// ever processes the most recent one: frames pushed while it is busy replace
// each other. For each processed frame the occluders are rasterized into a
// DepthBuffer and every scene node added since the previous frame is tested
// against it. Results land in the Registry, where the render goroutine reads
// them with Visible on a later frame.
package occlusion

import (
	"image"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Benau/stk-code/metrics"
)

var (
	ErrRunning = errors.New("occlusion: culler is running")
)

type Camera interface {
	ProjectionMatrix() mgl32.Mat4
	ViewMatrix() mgl32.Mat4
}

type Size struct {
	Width, Height int
}

func (s Size) Area() int { return s.Width * s.Height }

// Frame is one culling request.
type Frame struct {
	Size       Size
	Projection mgl32.Mat4
	View       mgl32.Mat4
}

func quitFrame() Frame {
	return Frame{Projection: mgl32.Ident4(), View: mgl32.Ident4()}
}

func (f Frame) isQuit() bool {
	return f.Size.Area() == 0 && f.Projection == mgl32.Ident4() && f.View == mgl32.Ident4()
}

type Culler struct {
	log      *zap.Logger
	metrics  *metrics.Occlusion
	hook     func(Frame)
	registry *Registry

	// mu guards the mailbox and the running state.
	mu       sync.Mutex
	cond     *sync.Cond
	pending  *Frame
	running  bool
	stopping bool
	done     chan struct{}

	tris  []Triangle
	depth *DepthBuffer

	nodesMu sync.Mutex
	nodes   map[Handle]AABB

	imageMu sync.Mutex
	image   *image.Gray
}

func New(opts ...Option) *Culler {
	c := &Culler{
		log:      zap.NewNop(),
		registry: NewRegistry(),
		nodes:    map[Handle]AABB{},
		depth:    &DepthBuffer{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewOcclusion(nil)
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Registry holds the visibility flags written by the worker.
func (c *Culler) Registry() *Registry { return c.registry }

// AddOccluderTriangle adds static occluder geometry. It fails while the
// worker runs.
func (c *Culler) AddOccluderTriangle(t Triangle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrRunning
	}
	c.tris = append(c.tris, t)
	return nil
}

// Start launches the worker. Without occluders there is nothing to cull
// against and the culler stays idle; PushFrame is then ignored.
func (c *Culler) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.stopping {
		return ErrRunning
	}
	if len(c.tris) == 0 {
		c.log.Debug("no occluders, culling disabled")
		return nil
	}
	c.running = true
	c.pending = nil
	c.done = make(chan struct{})
	go c.work(c.done, append([]Triangle(nil), c.tris...))
	c.log.Info("occlusion culling started", zap.Int("triangles", len(c.tris)))
	return nil
}

// Running reports whether the worker is active.
func (c *Culler) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// PushFrame queues the camera of the frame being drawn. It never blocks on
// the worker; an unprocessed earlier frame is replaced.
func (c *Culler) PushFrame(cam Camera, size Size) {
	f := Frame{Size: size, Projection: cam.ProjectionMatrix(), View: cam.ViewMatrix()}
	if f.Size.Area() <= 0 {
		c.log.Debug("ignoring empty frame", zap.Int("width", size.Width), zap.Int("height", size.Height))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if c.pending != nil {
		c.metrics.Superseded.Inc()
	}
	c.pending = &f
	c.cond.Signal()
}

// Stop joins the worker and drops the occluders. Start may be called again
// after adding new ones.
func (c *Culler) Stop() {
	c.mu.Lock()
	if c.running {
		q := quitFrame()
		c.pending = &q
		c.running = false
		c.stopping = true
		c.cond.Signal()
		done := c.done
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		c.stopping = false
		c.log.Info("occlusion culling stopped")
	}
	c.tris = nil
	c.mu.Unlock()
}

// AddSceneNode queues box for testing on the next processed frame. Nodes
// have to be added again for every frame they should be tested in. Expired
// handles are ignored, and a node already queued keeps its first box.
func (c *Culler) AddSceneNode(h Handle, box AABB) {
	if !c.registry.Alive(h) {
		return
	}
	c.nodesMu.Lock()
	defer c.nodesMu.Unlock()
	if _, ok := c.nodes[h]; !ok {
		c.nodes[h] = box
	}
}

// DepthImage returns the raster of the last processed frame, or nil if no
// frame was processed yet.
func (c *Culler) DepthImage() *image.Gray {
	c.imageMu.Lock()
	defer c.imageMu.Unlock()
	return c.image
}

func (c *Culler) next() Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending == nil {
		c.cond.Wait()
	}
	f := *c.pending
	c.pending = nil
	return f
}

func (c *Culler) work(done chan struct{}, tris []Triangle) {
	defer close(done)
	for {
		f := c.next()
		if f.isQuit() {
			return
		}
		start := time.Now()
		c.process(f, tris)
		c.metrics.Frames.Inc()
		c.metrics.RasterSeconds.Observe(time.Since(start).Seconds())
		if c.hook != nil {
			c.hook(f)
		}
	}
}

func (c *Culler) process(f Frame, tris []Triangle) {
	c.depth.SetResolution(f.Size.Width, f.Size.Height)
	c.depth.Clear()
	pvm := f.Projection.Mul4(f.View)
	c.depth.RenderTriangles(pvm, tris)
	c.testNodes(pvm)

	img := c.depth.Image()
	c.imageMu.Lock()
	c.image = img
	c.imageMu.Unlock()
}

func (c *Culler) testNodes(pvm mgl32.Mat4) {
	c.nodesMu.Lock()
	nodes := c.nodes
	c.nodes = make(map[Handle]AABB, len(nodes))
	c.nodesMu.Unlock()

	var expired int
	for h, box := range nodes {
		r := c.depth.TestBox(pvm, box)
		if !c.registry.store(h, r == Visible) {
			expired++
			c.metrics.Boxes.WithLabelValues("expired").Inc()
			continue
		}
		c.metrics.Boxes.WithLabelValues(r.String()).Inc()
	}
	if expired > 0 {
		c.log.Debug("skipped expired scene nodes", zap.Int("expired", expired))
	}
}
