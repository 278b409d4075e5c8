package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterPerInstance(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewParticles(reg)
	o := NewOcclusion(reg)

	p.Dispatches.Add(3)
	p.Resizes.WithLabelValues("generated").Inc()
	o.Boxes.WithLabelValues("visible").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(p.Dispatches))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Resizes.WithLabelValues("generated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Boxes.WithLabelValues("visible")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilRegistererLeavesCollectorsUnregistered(t *testing.T) {
	a := NewParticles(nil)
	b := NewParticles(nil)
	a.Dispatches.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Dispatches))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Dispatches))
}
