package occlusion

import (
	"go.uber.org/zap"

	"github.com/Benau/stk-code/metrics"
)

type Option func(*Culler)

func WithLogger(log *zap.Logger) Option {
	return func(c *Culler) {
		c.log = log
	}
}

func WithMetrics(m *metrics.Occlusion) Option {
	return func(c *Culler) {
		c.metrics = m
	}
}

// WithFrameHook calls fn on the worker after each frame's results have
// been stored. The worker does not take the next frame until fn returns.
func WithFrameHook(fn func(Frame)) Option {
	return func(c *Culler) {
		c.hook = fn
	}
}

// WithRegistry shares an existing registry instead of creating one.
func WithRegistry(r *Registry) Option {
	return func(c *Culler) {
		c.registry = r
	}
}

// WithTwoSidedOccluders makes occluders block from both sides instead of
// only from the side they face.
func WithTwoSidedOccluders() Option {
	return func(c *Culler) {
		c.depth.SetTwoSided(true)
	}
}
