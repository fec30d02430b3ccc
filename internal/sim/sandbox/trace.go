package sandbox

import (
	"math"

	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
)

// Vehicle boxes extend this far below and above the vehicle origin.
const (
	carBelow = 0.5
	carAbove = 2.0
)

func (s *Host) TraceLine(from, to geom.Vec3, flags host.TraceFlags, ignore ...host.Handle) host.Hit {
	skip := make(map[host.Handle]bool, len(ignore))
	for _, h := range ignore {
		skip[h] = true
	}
	best := math.Inf(1)
	var hit host.Hit

	if flags&host.TraceVehicles != 0 {
		for _, h := range s.Handles() {
			if skip[h] {
				continue
			}
			c := s.cars[h]
			if t, ok := segmentCar(from, to, c.v); ok && t < best {
				best = t
				hit = host.Hit{Hit: true, Entity: h}
			}
		}
	}
	for _, h := range s.propHandles() {
		p := s.props[h]
		if skip[h] {
			continue
		}
		if p.world && flags&host.TraceWorld == 0 {
			continue
		}
		if !p.world && flags&host.TraceObjects == 0 {
			continue
		}
		if t, ok := segmentBox(from, to.Sub(from), p.box.Min, p.box.Max); ok && t < best {
			best = t
			hit = host.Hit{Hit: true, Entity: h}
		}
	}
	if hit.Hit {
		hit.Position = from.Add(to.Sub(from).Scale(best))
	}
	return hit
}

// segmentCar intersects the segment with the vehicle's oriented box by
// moving the segment into the vehicle's local frame.
func segmentCar(from, to geom.Vec3, v host.Vehicle) (float64, bool) {
	local := func(p geom.Vec3) geom.Vec3 {
		d := p.Sub(v.Position)
		return geom.V(d.Dot(v.Forward), d.Dot(v.Right), d.Z)
	}
	a, b := local(from), local(to)
	half := geom.V(v.Length/2, v.Width/2, 0)
	min := geom.V(-half.X, -half.Y, -carBelow)
	max := geom.V(half.X, half.Y, carAbove)
	return segmentBox(a, b.Sub(a), min, max)
}

// segmentBox is the slab test for p+t*d, t in [0,1], against [min,max].
func segmentBox(p, d, min, max geom.Vec3) (float64, bool) {
	t0, t1 := 0.0, 1.0
	axes := [3][4]float64{
		{p.X, d.X, min.X, max.X},
		{p.Y, d.Y, min.Y, max.Y},
		{p.Z, d.Z, min.Z, max.Z},
	}
	for _, ax := range axes {
		o, dir, lo, hi := ax[0], ax[1], ax[2], ax[3]
		if math.Abs(dir) < 1e-12 {
			if o < lo || o > hi {
				return 0, false
			}
			continue
		}
		ta, tb := (lo-o)/dir, (hi-o)/dir
		if ta > tb {
			ta, tb = tb, ta
		}
		t0 = math.Max(t0, ta)
		t1 = math.Min(t1, tb)
		if t0 > t1 {
			return 0, false
		}
	}
	return t0, true
}
