package intersection

import (
	"math"

	"clearpath.ai/internal/sim/ego"
	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/registry"
	"clearpath.ai/internal/sim/tasks"
)

// creepCandidate is slow traffic heading with the ego inside its detection
// zone.
func (s *System) creepCandidate(e ego.Ego, v host.Vehicle, dot float64) bool {
	c := s.cfg.Creep
	return v.Speed < c.MaxSpeed && dot > c.AlignedHeadingDot && e.InZone(v.Position)
}

func (s *System) creepTargets() []geom.Vec3 {
	var out []geom.Vec3
	for _, h := range s.reg.Handles(tasks.KindCreep) {
		if t, ok := s.reg.Task(h); ok {
			out = append(out, t.(tasks.Creep).Target)
		}
	}
	return out
}

// creepSides returns the push directions to try: away from the ego first.
func (s *System) creepSides(e ego.Ego, v host.Vehicle) []geom.Vec3 {
	c := s.cfg.Creep
	start := v.Position.Add(geom.Up.Scale(0.5))
	reach := c.SideDistance + v.Width/2
	flags := host.TraceVehicles | host.TraceObjects
	canRight := !s.world.TraceLine(start, start.Add(v.Right.Scale(reach)), flags, v.ID).Hit
	canLeft := !s.world.TraceLine(start, start.Sub(v.Right.Scale(reach)), flags, v.ID).Hit

	_, egoLat := v.Frame().Local(e.Position())
	right, left := v.Right, v.Right.Neg()
	var out []geom.Vec3
	if egoLat < 0 {
		if canRight {
			out = append(out, right)
		}
		if canLeft {
			out = append(out, left)
		}
	} else {
		if canLeft {
			out = append(out, left)
		}
		if canRight {
			out = append(out, right)
		}
	}
	return out
}

// tryCreep looks for a creep target on each clear side, shortening the
// forward push until one passes. The furthest-progress failure is recorded
// when none does.
func (s *System) tryCreep(e ego.Ego, v host.Vehicle, held []geom.Vec3, now uint64) (geom.Vec3, bool) {
	c := s.cfg.Creep
	sides := s.creepSides(e, v)
	if len(sides) == 0 {
		s.recordFailure(v, tasks.FailSideBlocked, v.Position)
		return geom.Vec3{}, false
	}
	worst, worstAt := tasks.FailNone, v.Position
	for _, dir := range sides {
		for f := c.ForwardDistance; f >= c.MinForwardDistance-1e-9; f -= c.ForwardStep {
			raw := v.Position.Add(v.Forward.Scale(f)).Add(dir.Scale(c.SideDistance))
			target, fail := s.checkCreep(e, v, raw, held)
			if fail == tasks.FailNone {
				if err := s.reg.Assign(v.ID, tasks.Creep{Target: target, StartedAt: now}); err != nil {
					return geom.Vec3{}, false
				}
				s.ai.ClearTasks(v.ID)
				s.ai.DriveTo(v.ID, target, c.DriveSpeed, host.DriveEmergency|host.DriveStopAtDestination)
				return target, true
			}
			if fail >= worst {
				worst, worstAt = fail, target
			}
		}
	}
	s.recordFailure(v, worst, worstAt)
	return geom.Vec3{}, false
}

func (s *System) checkCreep(e ego.Ego, v host.Vehicle, raw geom.Vec3, held []geom.Vec3) (geom.Vec3, tasks.Failure) {
	c := s.cfg.Creep
	z, ok := s.world.GroundHeight(raw)
	if !ok {
		return raw, tasks.FailNoGround
	}
	target := raw.WithZ(z)
	if math.Abs(target.Z-v.Position.Z) > c.MaxHeightDelta {
		return target, tasks.FailHeightDelta
	}
	if !e.Safe(target) {
		return target, tasks.FailUnsafe
	}
	minSep := v.Width + c.SeparationMargin
	for _, other := range held {
		if other.Dist(target) < minSep {
			return target, tasks.FailTooClose
		}
	}
	if s.world.TraceLine(v.Position, target, host.TraceWorld, v.ID).Hit {
		return target, tasks.FailPathBlocked
	}
	return target, tasks.FailNone
}

func (s *System) recordFailure(v host.Vehicle, reason tasks.Failure, at geom.Vec3) {
	s.reg.RecordFailure(registry.Failure{Entity: v.ID, Subsystem: CreepSubsystem, Reason: reason, Point: at})
}
