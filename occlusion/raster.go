package occlusion

import (
	"image"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// The depth buffer is kept in blocks of TileWidth x TileHeight pixels. The
// resolution is always a multiple of the block size.
const (
	TileWidth  = 8
	TileHeight = 4
)

// minW rejects vertices on or behind the eye plane. Such geometry is never
// used as an occluder and always makes a box visible.
const minW = 1e-5

// edgeEpsilon keeps pixel centers lying exactly on an edge shared by two
// triangles from falling through both.
const edgeEpsilon = 1e-7

// Triangle is an occluder in world space.
type Triangle [3]mgl32.Vec3

// AABB is an axis aligned box in world space.
type AABB struct {
	Min, Max mgl32.Vec3
}

// Corners returns the eight corners of b.
func (b AABB) Corners() [8]mgl32.Vec3 {
	return [8]mgl32.Vec3{
		{b.Min[0], b.Min[1], b.Min[2]},
		{b.Min[0], b.Max[1], b.Min[2]},
		{b.Min[0], b.Min[1], b.Max[2]},
		{b.Min[0], b.Max[1], b.Max[2]},
		{b.Max[0], b.Min[1], b.Min[2]},
		{b.Max[0], b.Max[1], b.Min[2]},
		{b.Max[0], b.Min[1], b.Max[2]},
		{b.Max[0], b.Max[1], b.Max[2]},
	}
}

type Result int

const (
	Visible Result = iota
	Occluded
	ViewCulled
)

func (r Result) String() string {
	switch r {
	case Visible:
		return "visible"
	case Occluded:
		return "occluded"
	case ViewCulled:
		return "view-culled"
	}
	return "unknown"
}

// DepthBuffer is a software depth raster. Each pixel holds the largest 1/w
// of any occluder covering it, so bigger means closer and zero means empty.
// A per tile minimum lets box tests skip fully occluding blocks.
type DepthBuffer struct {
	width, height int
	data          []float32
	tiles         []float32
	twoSided      bool
}

// NewDepthBuffer returns a buffer with the given resolution rounded down
// to the tile size.
func NewDepthBuffer(width, height int) *DepthBuffer {
	d := &DepthBuffer{}
	d.SetResolution(width, height)
	return d
}

func (d *DepthBuffer) Resolution() (width, height int) {
	return d.width, d.height
}

// SetTwoSided turns off back face culling. By default only triangles wound
// counter-clockwise in normalized device coordinates occlude.
func (d *DepthBuffer) SetTwoSided(twoSided bool) {
	d.twoSided = twoSided
}

// SetResolution resizes and clears the buffer if the rounded resolution
// differs from the current one.
func (d *DepthBuffer) SetResolution(width, height int) {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	width = width / TileWidth * TileWidth
	height = height / TileHeight * TileHeight
	if width == d.width && height == d.height {
		return
	}
	d.width, d.height = width, height
	d.data = make([]float32, width*height)
	d.tiles = make([]float32, (width/TileWidth)*(height/TileHeight))
}

func (d *DepthBuffer) Clear() {
	for i := range d.data {
		d.data[i] = 0
	}
	for i := range d.tiles {
		d.tiles[i] = 0
	}
}

// RenderTriangles rasterizes tris transformed by pvm. Back faces are skipped
// unless the buffer is two sided. Triangles with a vertex behind the eye are
// dropped, which only ever makes the result more conservative.
func (d *DepthBuffer) RenderTriangles(pvm mgl32.Mat4, tris []Triangle) {
	if d.width == 0 || d.height == 0 {
		return
	}
	for _, t := range tris {
		d.rasterize(
			pvm.Mul4x1(t[0].Vec4(1)),
			pvm.Mul4x1(t[1].Vec4(1)),
			pvm.Mul4x1(t[2].Vec4(1)))
	}
	d.updateTiles()
}

type screenVertex struct {
	x, y, invW float64
}

func (d *DepthBuffer) toScreen(c mgl32.Vec4) screenVertex {
	w := float64(c[3])
	return screenVertex{
		x:    (float64(c[0])/w*0.5 + 0.5) * float64(d.width),
		y:    (0.5 - float64(c[1])/w*0.5) * float64(d.height),
		invW: 1 / w,
	}
}

func edge(a, b screenVertex, px, py float64) float64 {
	return (b.x-a.x)*(py-a.y) - (b.y-a.y)*(px-a.x)
}

func (d *DepthBuffer) rasterize(ca, cb, cc mgl32.Vec4) {
	if ca[3] <= minW || cb[3] <= minW || cc[3] <= minW {
		return
	}
	a, b, c := d.toScreen(ca), d.toScreen(cb), d.toScreen(cc)
	area := edge(a, b, c.x, c.y)
	if area == 0 || math.IsNaN(area) || math.IsInf(area, 0) {
		return
	}
	// screen y points down, so front faces have a negative area here
	if area > 0 && !d.twoSided {
		return
	}
	sign := 1.0
	if area < 0 {
		sign, area = -1, -area
	}

	x0 := clampInt(int(math.Floor(math.Min(a.x, math.Min(b.x, c.x)))), 0, d.width)
	x1 := clampInt(int(math.Ceil(math.Max(a.x, math.Max(b.x, c.x)))), 0, d.width)
	y0 := clampInt(int(math.Floor(math.Min(a.y, math.Min(b.y, c.y)))), 0, d.height)
	y1 := clampInt(int(math.Ceil(math.Max(a.y, math.Max(b.y, c.y)))), 0, d.height)

	for y := y0; y < y1; y++ {
		py := float64(y) + 0.5
		row := d.data[y*d.width:]
		for x := x0; x < x1; x++ {
			px := float64(x) + 0.5
			w0 := sign * edge(b, c, px, py)
			w1 := sign * edge(c, a, px, py)
			w2 := sign * edge(a, b, px, py)
			if w0 < -edgeEpsilon || w1 < -edgeEpsilon || w2 < -edgeEpsilon {
				continue
			}
			z := float32((w0*a.invW + w1*b.invW + w2*c.invW) / area)
			if z > row[x] {
				row[x] = z
			}
		}
	}
}

func (d *DepthBuffer) updateTiles() {
	tilesX := d.width / TileWidth
	for ty := 0; ty < d.height/TileHeight; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			m := float32(math.MaxFloat32)
			for y := ty * TileHeight; y < (ty+1)*TileHeight; y++ {
				for _, v := range d.data[y*d.width+tx*TileWidth : y*d.width+(tx+1)*TileWidth] {
					if v < m {
						m = v
					}
				}
			}
			d.tiles[ty*tilesX+tx] = m
		}
	}
}

// TestBox reports whether any part of box may be seen past the occluders.
// Boxes crossing the eye plane are always visible.
func (d *DepthBuffer) TestBox(pvm mgl32.Mat4, box AABB) Result {
	var outside [6]int
	behind := false
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	nearest := 0.0

	for _, v := range box.Corners() {
		c := pvm.Mul4x1(v.Vec4(1))
		x, y, z, w := c[0], c[1], c[2], c[3]
		if x < -w {
			outside[0]++
		}
		if x > w {
			outside[1]++
		}
		if y < -w {
			outside[2]++
		}
		if y > w {
			outside[3]++
		}
		if z < -w {
			outside[4]++
		}
		if z > w {
			outside[5]++
		}
		if w <= minW {
			behind = true
			continue
		}
		s := d.toScreen(c)
		minX, maxX = math.Min(minX, s.x), math.Max(maxX, s.x)
		minY, maxY = math.Min(minY, s.y), math.Max(maxY, s.y)
		nearest = math.Max(nearest, s.invW)
	}
	for _, n := range outside {
		if n == 8 {
			return ViewCulled
		}
	}
	if behind || d.width == 0 || d.height == 0 {
		return Visible
	}

	x0 := clampInt(int(math.Floor(minX)), 0, d.width)
	x1 := clampInt(int(math.Ceil(maxX)), 0, d.width)
	y0 := clampInt(int(math.Floor(minY)), 0, d.height)
	y1 := clampInt(int(math.Ceil(maxY)), 0, d.height)
	if x0 >= x1 || y0 >= y1 {
		return ViewCulled
	}

	near := float32(nearest)
	tilesX := d.width / TileWidth
	for ty := y0 / TileHeight; ty <= (y1-1)/TileHeight; ty++ {
		for tx := x0 / TileWidth; tx <= (x1-1)/TileWidth; tx++ {
			if d.tiles[ty*tilesX+tx] > near {
				continue
			}
			for y := max(y0, ty*TileHeight); y < min(y1, (ty+1)*TileHeight); y++ {
				for x := max(x0, tx*TileWidth); x < min(x1, (tx+1)*TileWidth); x++ {
					if d.data[y*d.width+x] <= near {
						return Visible
					}
				}
			}
		}
	}
	return Occluded
}

// Image renders the buffer as grey levels, nearest occluder brightest.
func (d *DepthBuffer) Image() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, d.width, d.height))
	var top float32
	for _, v := range d.data {
		if v > top {
			top = v
		}
	}
	if top == 0 {
		return img
	}
	for i, v := range d.data {
		img.Pix[i] = uint8(v / top * 255)
	}
	return img
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
