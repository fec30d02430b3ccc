package geom

import "math"

// Zone is a trapezoidal prism extending Range forward of an origin. Widths are
// half-widths measured from the centreline and are interpolated linearly
// between StartWidth (at the origin) and EndWidth (at Range). The vertical
// band is centred at origin.Z+HeightOffset and is Height thick.
type Zone struct {
	Range        float64
	StartWidth   float64
	EndWidth     float64
	HeightOffset float64
	Height       float64
}

// WidthAt returns the half-width of the zone at forward distance f.
func (z Zone) WidthAt(f float64) float64 {
	if z.Range <= 0 {
		return z.StartWidth
	}
	t := f / z.Range
	return z.StartWidth + (z.EndWidth-z.StartWidth)*t
}

// InBand reports whether pos lies in the zone's vertical band.
func (z Zone) InBand(pos, origin Vec3) bool {
	return math.Abs(pos.Z-(origin.Z+z.HeightOffset)) <= z.Height/2
}

// InZone reports whether pos lies inside the zone anchored at origin and
// oriented by forward/right.
func InZone(pos, origin, forward, right Vec3, z Zone) bool {
	if !z.InBand(pos, origin) {
		return false
	}
	d := pos.Sub(origin)
	f := d.Dot(forward)
	if f < 0 || f > z.Range {
		return false
	}
	return math.Abs(d.Dot(right)) <= z.WidthAt(f)
}

// ZoneCorners returns the eight prism corners: bottom back-left, back-right,
// front-right, front-left, then the same four on top.
func ZoneCorners(origin, forward, right Vec3, z Zone) [8]Vec3 {
	center := Vec3{Z: z.HeightOffset}
	half := Vec3{Z: z.Height / 2}
	front := forward.Scale(z.Range)

	backL := origin.Sub(right.Scale(z.StartWidth)).Add(center)
	backR := origin.Add(right.Scale(z.StartWidth)).Add(center)
	frontR := origin.Add(front).Add(right.Scale(z.EndWidth)).Add(center)
	frontL := origin.Add(front).Sub(right.Scale(z.EndWidth)).Add(center)

	return [8]Vec3{
		backL.Sub(half), backR.Sub(half), frontR.Sub(half), frontL.Sub(half),
		backL.Add(half), backR.Add(half), frontR.Add(half), frontL.Add(half),
	}
}
