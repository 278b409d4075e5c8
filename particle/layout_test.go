package particle

import (
	"encoding/binary"
	"image/color"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u32(b []byte, off int) uint32  { return binary.LittleEndian.Uint32(b[off:]) }
func f32(b []byte, off int) float32 { return math.Float32frombits(u32(b, off)) }

func TestConfigLayout(t *testing.T) {
	c := Config{
		Translation:        mgl32.Vec3{1, 2, 3},
		MaxCount:           500,
		Rotation:           mgl32.Quat{W: 0.5, V: mgl32.Vec3{0.1, 0.2, 0.3}},
		Scale:              mgl32.Vec3{4, 5, 6},
		ActiveCount:        250,
		ColorFrom:          0xff102030,
		ColorTo:            0x80405060,
		SizeIncreaseFactor: 1.5,
		MaterialID:         -1,
		Offset:             1000,
		FirstExecution:     true,
		Flips:              true,
	}
	b, err := c.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, ConfigSize)

	assert.Equal(t, float32(1), f32(b, 0))
	assert.Equal(t, float32(3), f32(b, 8))
	assert.Equal(t, uint32(500), u32(b, 12))
	// x, y, z, w
	assert.Equal(t, float32(0.1), f32(b, 16))
	assert.Equal(t, float32(0.3), f32(b, 24))
	assert.Equal(t, float32(0.5), f32(b, 28))
	assert.Equal(t, float32(6), f32(b, 40))
	assert.Equal(t, uint32(250), u32(b, 44))
	assert.Equal(t, uint32(0xff102030), u32(b, 48))
	assert.Equal(t, uint32(0x80405060), u32(b, 52))
	assert.Equal(t, float32(1.5), f32(b, 56))
	assert.Equal(t, uint32(0xffffffff), u32(b, 60))
	assert.Equal(t, uint32(1000), u32(b, 64))
	assert.Equal(t, uint32(1), u32(b, 68))
	assert.Equal(t, uint32(0), u32(b, 72))
	assert.Equal(t, uint32(1), u32(b, 76))
}

func TestGlobalConfigLayout(t *testing.T) {
	g := GlobalConfig{CameraCount: 2, DeltaTime: 0.016}
	g.CameraRotation[0] = mgl32.QuatIdent()
	g.CameraRotation[MaxCameraCount-1] = mgl32.Quat{W: 0.25, V: mgl32.Vec3{1, 2, 3}}

	b, err := g.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, GlobalConfigSize)

	assert.Equal(t, float32(1), f32(b, 12))
	last := (MaxCameraCount - 1) * 16
	assert.Equal(t, float32(1), f32(b, last))
	assert.Equal(t, float32(0.25), f32(b, last+12))
	assert.Equal(t, uint32(2), u32(b, MaxCameraCount*16))
	assert.Equal(t, float32(0.016), f32(b, MaxCameraCount*16+4))
}

func TestEncodeData(t *testing.T) {
	b := EncodeData([]Data{
		{Position: mgl32.Vec3{1, 2, 3}, Lifetime: 4, Direction: mgl32.Vec3{5, 6, 7}, Size: 8},
		{Size: 9},
	})
	require.Len(t, b, 2*DataSize)
	for i := 0; i < 8; i++ {
		if i == 3 {
			assert.Equal(t, float32(4), f32(b, 12))
			continue
		}
		assert.Equal(t, float32(i+1), f32(b, i*4))
	}
	assert.Equal(t, float32(9), f32(b, DataSize+28))
}

func TestPackColor(t *testing.T) {
	assert.Equal(t, uint32(0xff102030), PackColor(color.NRGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff}))
	assert.Equal(t, uint32(0x00000000), PackColor(color.Transparent))
}
