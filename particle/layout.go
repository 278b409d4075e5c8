package particle

import (
	"encoding/binary"
	"image/color"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Byte sizes of the records shared with normal_particle.comp. All records
// are little endian and std430 compatible.
const (
	DataSize = 32
	// ConfigSize is the unpadded size of one Config record.
	ConfigSize = 80
	// ObjectDataSize is the per instance output stride of the compute shader.
	ObjectDataSize = 64
	// MaxCameraCount must match the camera array length compiled into the
	// shader.
	MaxCameraCount   = 8
	GlobalConfigSize = MaxCameraCount*16 + 16
)

// Data is the simulation state of one particle.
type Data struct {
	Position  mgl32.Vec3
	Lifetime  float32
	Direction mgl32.Vec3
	Size      float32
}

// EncodeData serializes particles back to back.
func EncodeData(particles []Data) []byte {
	buf := make([]byte, len(particles)*DataSize)
	for i, p := range particles {
		b := buf[i*DataSize:]
		putVec3(b[0:], p.Position)
		putFloat(b[12:], p.Lifetime)
		putVec3(b[16:], p.Direction)
		putFloat(b[28:], p.Size)
	}
	return buf
}

// Config is the per emitter record the manager refreshes every frame.
type Config struct {
	Translation mgl32.Vec3
	MaxCount    uint32
	// Rotation is stored conjugated, the shader negates W back.
	Rotation           mgl32.Quat
	Scale              mgl32.Vec3
	ActiveCount        uint32
	ColorFrom          uint32
	ColorTo            uint32
	SizeIncreaseFactor float32
	MaterialID         int32
	Offset             uint32
	FirstExecution     bool
	PreGenerating      bool
	Flips              bool
}

// MarshalBinary encodes c in its GPU layout. It never fails.
func (c *Config) MarshalBinary() ([]byte, error) {
	return c.AppendBinary(make([]byte, 0, ConfigSize))
}

// AppendBinary appends the GPU layout of c to b.
func (c *Config) AppendBinary(b []byte) ([]byte, error) {
	var r [ConfigSize]byte
	putVec3(r[0:], c.Translation)
	binary.LittleEndian.PutUint32(r[12:], c.MaxCount)
	putQuat(r[16:], c.Rotation)
	putVec3(r[32:], c.Scale)
	binary.LittleEndian.PutUint32(r[44:], c.ActiveCount)
	binary.LittleEndian.PutUint32(r[48:], c.ColorFrom)
	binary.LittleEndian.PutUint32(r[52:], c.ColorTo)
	putFloat(r[56:], c.SizeIncreaseFactor)
	binary.LittleEndian.PutUint32(r[60:], uint32(c.MaterialID))
	binary.LittleEndian.PutUint32(r[64:], c.Offset)
	putBool(r[68:], c.FirstExecution)
	putBool(r[72:], c.PreGenerating)
	putBool(r[76:], c.Flips)
	return append(b, r[:]...), nil
}

// GlobalConfig is uploaded once per dispatch to the uniform buffer.
type GlobalConfig struct {
	CameraRotation [MaxCameraCount]mgl32.Quat
	CameraCount    uint32
	DeltaTime      float32
}

func (g *GlobalConfig) MarshalBinary() ([]byte, error) {
	var r [GlobalConfigSize]byte
	for i, q := range g.CameraRotation {
		putQuat(r[i*16:], q)
	}
	o := MaxCameraCount * 16
	binary.LittleEndian.PutUint32(r[o:], g.CameraCount)
	putFloat(r[o+4:], g.DeltaTime)
	return r[:], nil
}

// PackColor converts c to the ARGB word the shader unpacks.
func PackColor(c color.Color) uint32 {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return uint32(n.A)<<24 | uint32(n.R)<<16 | uint32(n.G)<<8 | uint32(n.B)
}

func putFloat(b []byte, f float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
}

func putVec3(b []byte, v mgl32.Vec3) {
	putFloat(b[0:], v[0])
	putFloat(b[4:], v[1])
	putFloat(b[8:], v[2])
}

// putQuat writes q as x, y, z, w.
func putQuat(b []byte, q mgl32.Quat) {
	putVec3(b, q.V)
	putFloat(b[12:], q.W)
}

func putBool(b []byte, v bool) {
	var u uint32
	if v {
		u = 1
	}
	binary.LittleEndian.PutUint32(b, u)
}
