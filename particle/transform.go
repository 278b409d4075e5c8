package particle

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// scaleOf returns the per axis scale of an affine matrix. Pure scale
// matrices return their diagonal so that mirroring survives.
func scaleOf(m mgl32.Mat4) mgl32.Vec3 {
	if m[1] == 0 && m[2] == 0 && m[4] == 0 && m[6] == 0 && m[8] == 0 && m[9] == 0 {
		return mgl32.Vec3{m[0], m[5], m[10]}
	}
	return mgl32.Vec3{
		float32(math.Sqrt(float64(m[0]*m[0] + m[1]*m[1] + m[2]*m[2]))),
		float32(math.Sqrt(float64(m[4]*m[4] + m[5]*m[5] + m[6]*m[6]))),
		float32(math.Sqrt(float64(m[8]*m[8] + m[9]*m[9] + m[10]*m[10]))),
	}
}

// decompose splits a model matrix into translation, conjugated rotation and
// scale. A zero scale axis leaves no rotation to recover, so the identity
// is returned for it.
func decompose(m mgl32.Mat4) (translation mgl32.Vec3, rotation mgl32.Quat, scale mgl32.Vec3) {
	translation = mgl32.Vec3{m[12], m[13], m[14]}
	scale = scaleOf(m)
	rotation = mgl32.QuatIdent()
	if scale[0] == 0 || scale[1] == 0 || scale[2] == 0 {
		return translation, rotation, scale
	}

	w := m[15]
	local := m
	for col := 0; col < 3; col++ {
		for row := 0; row < 3; row++ {
			local[col*4+row] = local[col*4+row] / scale[col] / w
		}
	}
	rotation = mgl32.Mat4ToQuat(local)
	rotation.W = -rotation.W
	return translation, rotation, scale
}

// cameraRotation is the billboard rotation the shader expects for a view
// matrix.
func cameraRotation(view mgl32.Mat4) mgl32.Quat {
	return mgl32.Mat4ToQuat(view)
}
