// Package ego derives the per-tick view of the player's vehicle that every
// subsystem shares: its frame, its predicted frame and the safety corridor.
package ego

import (
	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/tuning"
)

type Ego struct {
	Vehicle   host.Vehicle
	Current   geom.Frame
	Predicted geom.Frame
	// Predict is set when the predicted frame differs from the current one
	// and must be checked as well.
	Predict  bool
	Corridor geom.Corridor
	Zone     geom.Zone
}

func New(v host.Vehicle, t tuning.Tuning) Ego {
	cur := v.Frame()
	e := Ego{
		Vehicle:   v,
		Current:   cur,
		Predicted: cur,
		Corridor: geom.Corridor{
			Length:        v.Length,
			Width:         v.Width,
			ForwardMargin: t.Safety.ForwardMargin,
			LateralMargin: t.Safety.LateralMargin,
		},
		Zone: geom.Zone{
			Range:        t.Detection.Range,
			StartWidth:   t.Detection.StartWidth,
			EndWidth:     t.Detection.EndWidth,
			HeightOffset: t.Detection.HeightOffset,
			Height:       t.Detection.Height,
		},
	}
	if t.Features.Prediction && v.Speed > t.Prediction.MinSpeed {
		e.Predicted = geom.PredictFrame(cur, v.Velocity, v.Speed, t.Prediction.HorizonS, t.Prediction.MinSpeed)
		e.Predict = true
	}
	return e
}

func (e Ego) Position() geom.Vec3 { return e.Current.Position }
func (e Ego) Forward() geom.Vec3  { return e.Current.Forward }
func (e Ego) Right() geom.Vec3    { return e.Current.Right }

// Local returns the forward and lateral offsets of p from the ego.
func (e Ego) Local(p geom.Vec3) (forward, lateral float64) {
	return e.Current.Local(p)
}

// Safe reports whether p is clear of the ego's current and predicted corridor.
func (e Ego) Safe(p geom.Vec3) bool {
	return geom.SafeTarget(e.Corridor, e.Current, e.Predicted, e.Predict, p)
}

// InZone reports whether p lies in the forward detection zone.
func (e Ego) InZone(p geom.Vec3) bool {
	return geom.InZone(p, e.Current.Position, e.Current.Forward, e.Current.Right, e.Zone)
}

// HeadingDot is the cosine between the ego's and v's forward vectors.
func (e Ego) HeadingDot(v host.Vehicle) float64 {
	return e.Current.Forward.Dot(v.Forward)
}
