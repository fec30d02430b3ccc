package geom

import "math"

// Frame is a position with an orientation basis.
type Frame struct {
	Position Vec3
	Forward  Vec3
	Right    Vec3
}

// Local returns the forward and lateral (right positive) offsets of p in f.
func (f Frame) Local(p Vec3) (forward, lateral float64) {
	d := p.Sub(f.Position)
	return d.Dot(f.Forward), d.Dot(f.Right)
}

// PredictFrame returns where f will be after horizon seconds at constant
// velocity. Below minSpeed the frame is returned unchanged.
func PredictFrame(f Frame, velocity Vec3, speed, horizon, minSpeed float64) Frame {
	if speed <= minSpeed || horizon <= 0 {
		return f
	}
	f.Position = f.Position.Add(velocity.Scale(horizon))
	return f
}

// Corridor is the box in front of the ego bumper that yield and creep targets
// must stay out of.
type Corridor struct {
	Length        float64
	Width         float64
	ForwardMargin float64
	LateralMargin float64
}

// Contains reports whether p lies inside the corridor of frame f. The band
// starts at the ego's rear so the vehicle body itself is covered, and extends
// one ego length plus margin past the front bumper.
func (c Corridor) Contains(f Frame, p Vec3) bool {
	fwd, lat := f.Local(p)
	back := -c.Length / 2
	front := c.Length/2 + c.Length + c.ForwardMargin
	if fwd < back || fwd > front {
		return false
	}
	return math.Abs(lat) <= c.Width/2+c.LateralMargin
}

// SafeTarget reports whether p is clear of the corridor for the current frame
// and, when predict is set, for the predicted frame as well.
func SafeTarget(c Corridor, current, predicted Frame, predict bool, p Vec3) bool {
	if c.Contains(current, p) {
		return false
	}
	if predict && c.Contains(predicted, p) {
		return false
	}
	return true
}

// Side returns -1, 0 or 1 for a lateral offset, with 0 inside the dead band.
func Side(lateral, deadBand float64) int {
	switch {
	case lateral > deadBand:
		return 1
	case lateral < -deadBand:
		return -1
	}
	return 0
}
