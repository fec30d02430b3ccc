package geom

import "math"

// Headings are in degrees: 0 faces +Y and angles grow counter-clockwise
// (90 faces -X), matching the host's convention.

func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// Heading returns the heading of the horizontal component of v.
func Heading(v Vec3) float64 {
	if v.X == 0 && v.Y == 0 {
		return 0
	}
	return NormalizeHeading(math.Atan2(-v.X, v.Y) * 180 / math.Pi)
}

// HeadingVector returns the unit forward vector for a heading.
func HeadingVector(deg float64) Vec3 {
	r := deg * math.Pi / 180
	return Vec3{X: -math.Sin(r), Y: math.Cos(r)}
}

// HeadingDelta is the smallest absolute difference between two headings, in [0, 180].
func HeadingDelta(a, b float64) float64 {
	d := math.Abs(NormalizeHeading(a) - NormalizeHeading(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// ParallelWithin reports whether two headings are within threshold degrees of
// parallel or anti-parallel.
func ParallelWithin(a, b, threshold float64) bool {
	d := HeadingDelta(a, b)
	return d < threshold || d > 180-threshold
}
