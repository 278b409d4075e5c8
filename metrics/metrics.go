// Package metrics holds the Prometheus collectors of the particle manager
// and the occlusion worker. Collectors are created per instance so tests and
// multiple managers never collide in the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Particles tracks compute dispatch work.
type Particles struct {
	// Dispatches counts compute dispatches, one per emitter per frame.
	Dispatches prometheus.Counter
	// Emitters observes the working set size of each rendered frame.
	Emitters prometheus.Histogram
	// Resizes counts buffer growth by buffer name.
	Resizes *prometheus.CounterVec
	// DescriptorWrites counts descriptor set rewrites.
	DescriptorWrites prometheus.Counter
	// SubmitSeconds observes recording plus submission plus fence wait.
	SubmitSeconds prometheus.Histogram
}

// NewParticles registers the particle collectors with reg. A nil reg leaves
// them unregistered.
func NewParticles(reg prometheus.Registerer) *Particles {
	f := promauto.With(reg)
	return &Particles{
		Dispatches: f.NewCounter(prometheus.CounterOpts{
			Name: "particle_dispatches_total",
			Help: "Compute dispatches issued for particle emitters",
		}),
		Emitters: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "particle_emitters_per_frame",
			Help:    "Particle emitters rendered per frame",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		Resizes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "particle_buffer_resizes_total",
			Help: "Particle buffer growth events by buffer",
		}, []string{"buffer"}),
		DescriptorWrites: f.NewCounter(prometheus.CounterOpts{
			Name: "particle_descriptor_set_writes_total",
			Help: "Descriptor set rewrites caused by buffer growth",
		}),
		SubmitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "particle_submit_seconds",
			Help:    "Time from recording to fence completion of a particle dispatch",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
}

// Occlusion tracks the culling worker.
type Occlusion struct {
	// Frames counts rasterized frames.
	Frames prometheus.Counter
	// Superseded counts frames replaced in the mailbox before the worker
	// picked them up.
	Superseded prometheus.Counter
	// Boxes counts box tests by result: visible, occluded or expired.
	Boxes *prometheus.CounterVec
	// RasterSeconds observes the time spent on one frame.
	RasterSeconds prometheus.Histogram
}

func NewOcclusion(reg prometheus.Registerer) *Occlusion {
	f := promauto.With(reg)
	return &Occlusion{
		Frames: f.NewCounter(prometheus.CounterOpts{
			Name: "occlusion_frames_total",
			Help: "Frames rasterized by the occlusion worker",
		}),
		Superseded: f.NewCounter(prometheus.CounterOpts{
			Name: "occlusion_frames_superseded_total",
			Help: "Frames dropped because a newer frame arrived first",
		}),
		Boxes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "occlusion_box_tests_total",
			Help: "Bounding box tests by result",
		}, []string{"result"}),
		RasterSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "occlusion_frame_seconds",
			Help:    "Time spent rasterizing and testing one frame",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
