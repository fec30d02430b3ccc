package geom

import (
	"math"

	"github.com/samber/lo"
)

// Vec3 is a world-space vector. Z is up.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

var (
	Zero = Vec3{}
	Up   = Vec3{Z: 1}
)

func V(x, y, z float64) Vec3 { return Vec3{X: x, Y: y, Z: z} }

func (a Vec3) Add(b Vec3) Vec3       { return Vec3{X: a.X + b.X, Y: a.Y + b.Y, Z: a.Z + b.Z} }
func (a Vec3) Sub(b Vec3) Vec3       { return Vec3{X: a.X - b.X, Y: a.Y - b.Y, Z: a.Z - b.Z} }
func (a Vec3) Scale(s float64) Vec3  { return Vec3{X: a.X * s, Y: a.Y * s, Z: a.Z * s} }
func (a Vec3) Neg() Vec3             { return Vec3{X: -a.X, Y: -a.Y, Z: -a.Z} }
func (a Vec3) Dot(b Vec3) float64    { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }
func (a Vec3) LenSq() float64        { return a.Dot(a) }
func (a Vec3) Len() float64          { return math.Sqrt(a.LenSq()) }
func (a Vec3) Dist(b Vec3) float64   { return a.Sub(b).Len() }
func (a Vec3) DistSq(b Vec3) float64 { return a.Sub(b).LenSq() }

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		X: a.Y*b.Z - a.Z*b.Y,
		Y: a.Z*b.X - a.X*b.Z,
		Z: a.X*b.Y - a.Y*b.X,
	}
}

// Normalize returns the unit vector of a, or Zero for a zero-length input.
func (a Vec3) Normalize() Vec3 {
	l := a.Len()
	if l == 0 {
		return Zero
	}
	return a.Scale(1 / l)
}

// Flat drops the vertical component.
func (a Vec3) Flat() Vec3 { return Vec3{X: a.X, Y: a.Y} }

// WithZ returns a copy of a at height z.
func (a Vec3) WithZ(z float64) Vec3 { return Vec3{X: a.X, Y: a.Y, Z: z} }

// RightOf returns the right-hand vector for a forward direction (forward x up).
func RightOf(forward Vec3) Vec3 { return forward.Cross(Up).Normalize() }

// ClosestPointOnSegment projects p onto the segment ab, clamped to its ends.
func ClosestPointOnSegment(a, b, p Vec3) Vec3 {
	ab := b.Sub(a)
	ab2 := ab.LenSq()
	if ab2 == 0 {
		return a
	}
	t := lo.Clamp(p.Sub(a).Dot(ab)/ab2, 0, 1)
	return a.Add(ab.Scale(t))
}
