package intersection

import (
	"clearpath.ai/internal/sim/ego"
	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/registry"
)

// detect probes points ahead of the ego from the far end inwards and
// activates the first traffic-control object that faces along the ego's road
// and lies ahead within reach.
func (s *System) detect(e ego.Ego, now uint64) (registry.Intersection, bool) {
	cfg := s.cfg.Intersection
	for d := cfg.SearchMaxDistance; d >= cfg.SearchMinDistance; d -= cfg.SearchStepSize {
		probe := e.Position().Add(e.Forward().Scale(d))
		obj, ok := s.closestAligned(e, probe)
		if !ok {
			continue
		}
		if obj.Position.Dist(e.Position()) > cfg.SearchMaxDistance+cfg.AcceptMargin {
			continue
		}
		if e.Forward().Dot(obj.Position.Sub(e.Position())) < 0 {
			continue
		}
		in := s.activate(obj, now)
		return in, true
	}
	return registry.Intersection{}, false
}

// closestAligned queries each model in turn and returns the first nearest
// object whose heading is within the threshold of the ego's.
func (s *System) closestAligned(e ego.Ego, probe geom.Vec3) (host.Object, bool) {
	cfg := s.cfg.Intersection
	for _, model := range cfg.Models() {
		obj, ok := s.world.ClosestObjectOfModel(probe, cfg.SearchRadius, model)
		if !ok {
			continue
		}
		if geom.ParallelWithin(e.Vehicle.Heading, obj.Heading, cfg.HeadingThreshold) {
			return obj, true
		}
	}
	return host.Object{}, false
}

func (s *System) activate(obj host.Object, now uint64) registry.Intersection {
	cfg := s.cfg.Intersection
	in := registry.Intersection{Center: obj.Position, Kind: registry.TrafficLight, Object: obj.ID, ActivatedAt: now}
	if cfg.IsStopSign(obj.Model) {
		in.Kind = registry.StopSign
		in.Center = obj.Position.Add(obj.Forward.Scale(cfg.StopSignCenterOffset))
		if z, ok := s.world.GroundHeight(in.Center); ok {
			in.Center = in.Center.WithZ(z)
		}
	}
	s.reg.Activate(in)
	s.log.Printf("intersection %s activated at %v (object %d model %#x)", in.Kind, in.Center, obj.ID, obj.Model)
	if in.Kind == registry.TrafficLight && s.cfg.Features.Opticom {
		s.startOpticom(obj.ID, now)
	}
	return in
}
