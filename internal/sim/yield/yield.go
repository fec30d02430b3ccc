// Package yield moves traffic ahead of the ego out of its lane and holds
// oncoming traffic while the ego passes.
package yield

import (
	"io"
	"log"
	"sort"

	"clearpath.ai/internal/sim/ego"
	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/registry"
	"clearpath.ai/internal/sim/tasks"
	"clearpath.ai/internal/sim/tuning"
)

type Deps struct {
	Registry *registry.Registry
	World    host.World
	AI       host.AI
	Law      host.Law
	Clock    host.Clock
	Logger   *log.Logger
}

type System struct {
	cfg   tuning.Tuning
	reg   *registry.Registry
	world host.World
	ai    host.AI
	law   host.Law
	clock host.Clock
	log   *log.Logger
}

func New(cfg tuning.Tuning, d Deps) *System {
	lg := d.Logger
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	return &System{cfg: cfg, reg: d.Registry, world: d.World, ai: d.AI, law: d.Law, clock: d.Clock, log: lg}
}

// Process reconciles existing yield and brake tasks, then searches for new
// candidates when the ego is fast enough and the scan gate is open.
func (s *System) Process(e ego.Ego) {
	now := s.clock.Now()
	s.reconcile(e, now)

	if e.Vehicle.Speed <= s.cfg.Yield.MinEgoSpeed {
		return
	}
	if !s.reg.ScanDue(registry.ScanYield, now) {
		return
	}
	s.search(e, now)
	s.reg.ScheduleScan(registry.ScanYield, now, s.cfg.Yield.ScanIntervalMs)
}

func (s *System) reconcile(e ego.Ego, now uint64) {
	d := s.cfg.Detection
	for _, h := range s.reg.Handles(tasks.KindOncomingBrake) {
		t, _ := s.reg.Task(h)
		brake := t.(tasks.OncomingBrake)
		v, ok := s.world.Vehicle(h)
		switch {
		case !ok || !v.Alive:
			s.reg.Release(h, tasks.ReasonGone)
		case v.Position.Dist(e.Position()) > d.Range+s.cfg.Oncoming.ReleaseMargin:
			s.reg.Release(h, tasks.ReasonTooFar)
		case now-brake.StartedAt > s.cfg.Oncoming.DurationMs:
			s.reg.Release(h, tasks.ReasonTimeout)
		}
	}

	y := s.cfg.Yield
	for _, h := range s.reg.Handles(tasks.KindYield) {
		t, _ := s.reg.Task(h)
		task := t.(tasks.Yield)
		v, ok := s.world.Vehicle(h)
		if !ok || !v.Alive {
			s.reg.Release(h, tasks.ReasonGone)
			continue
		}
		if reason, done := s.yieldDone(e, v, task, now); done {
			s.reg.Release(h, reason)
			continue
		}
		// The host AI resets indicators on its own; force them every tick.
		s.ai.SetIndicators(h, task.Maneuver.Indicator())
		if waiting := v.Speed <= y.StationarySpeed; waiting != task.Waiting {
			task.Waiting = waiting
			_ = s.reg.Update(h, task)
		}
	}
}

func (s *System) yieldDone(e ego.Ego, v host.Vehicle, task tasks.Yield, now uint64) (tasks.Reason, bool) {
	y := s.cfg.Yield
	toTarget := v.Position.Dist(task.Target)
	switch {
	case toTarget < y.CompletionDistance:
		return tasks.ReasonCompleted, true
	case toTarget > y.AbandonDistance:
		return tasks.ReasonAbandoned, true
	case now-task.StartedAt > y.TimeoutMs:
		return tasks.ReasonTimeout, true
	case v.Position.Dist(e.Position()) > s.cfg.Detection.Range+y.ReleaseMargin:
		return tasks.ReasonTooFar, true
	case !e.Safe(task.Target):
		return tasks.ReasonUnsafeTarget, true
	}
	moving := v.Speed > y.StationarySpeed
	if moving && task.Target.Sub(v.Position).Dot(v.Forward) < 0 {
		return tasks.ReasonPassedTarget, true
	}
	return "", false
}

func (s *System) search(e ego.Ego, now uint64) {
	d := s.cfg.Detection
	near := s.world.VehiclesNear(e.Position(), d.Range+d.SearchPadding)
	sort.Slice(near, func(i, j int) bool { return near[i].ID < near[j].ID })
	suspect, pullover := s.law.PulloverSuspect()

	for _, v := range near {
		if !s.eligible(e, v) || (pullover && v.ID == suspect) {
			continue
		}
		if !e.Zone.InBand(v.Position, e.Position()) {
			continue
		}
		fwd, lat := e.Local(v.Position)
		if fwd < 0 || fwd > d.Range {
			continue
		}
		dot := e.HeadingDot(v)

		if s.cfg.Features.OncomingBraking && dot < s.cfg.Oncoming.HeadingDot {
			// Oncoming traffic is bounded by the lateral band, not the
			// trapezoid width.
			if lat > s.cfg.Oncoming.MinLateral && lat < s.cfg.Oncoming.MaxLateral {
				s.brake(v, now)
			}
			continue
		}
		if lat < -e.Zone.WidthAt(fwd) || lat > e.Zone.WidthAt(fwd) {
			continue
		}
		if s.cfg.Features.SameSideYield && dot > s.cfg.Yield.AlignedHeadingDot {
			s.tryYield(e, v, lat, now)
		}
	}
}

func (s *System) eligible(e ego.Ego, v host.Vehicle) bool {
	if v.ID == e.Vehicle.ID || !v.Alive || !v.HasDriver || v.Police || v.Emergency {
		return false
	}
	if s.reg.Owned(v.ID) {
		return false
	}
	return !s.law.IsPursuitSuspect(v.ID)
}

func (s *System) brake(v host.Vehicle, now uint64) {
	if err := s.reg.Assign(v.ID, tasks.OncomingBrake{StartedAt: now}); err != nil {
		return
	}
	s.ai.PerformManeuver(v.ID, host.ManeuverWait, s.cfg.Oncoming.DurationMs)
}

func (s *System) tryYield(e ego.Ego, v host.Vehicle, lat float64, now uint64) {
	target, m, ok := s.findTarget(e, v, lat)
	if !ok {
		return
	}
	task := tasks.Yield{
		Target:    target,
		Maneuver:  m,
		StartedAt: now,
		Waiting:   v.Speed <= s.cfg.Yield.StationarySpeed,
	}
	if err := s.reg.Assign(v.ID, task); err != nil {
		return
	}
	s.ai.ClearTasks(v.ID)
	s.ai.DriveTo(v.ID, target, s.cfg.Yield.DriveSpeed, host.DriveNormal)
	s.ai.SetIndicators(v.ID, m.Indicator())
}

// maneuvers returns the moves to try in order: the preferred clear side, then
// the other clear side, or a forced move to the preferred side when both
// probes are blocked.
func (s *System) maneuvers(v host.Vehicle, lat float64) []tasks.Maneuver {
	y := s.cfg.Yield
	start := v.Position.Add(v.Forward.Scale(v.Length / 2)).Add(geom.Up.Scale(0.5))
	flags := host.TraceVehicles | host.TraceObjects
	canRight := !s.world.TraceLine(start, start.Add(v.Right.Scale(y.SideProbeDistance)), flags, v.ID).Hit
	canLeft := !s.world.TraceLine(start, start.Sub(v.Right.Scale(y.SideProbeDistance)), flags, v.ID).Hit

	preferRight := lat > y.PreferRightLateral
	first, second := canLeft, canRight
	if preferRight {
		first, second = canRight, canLeft
	}
	var out []tasks.Maneuver
	if first {
		out = append(out, tasks.NewManeuver(preferRight, false))
	}
	if second {
		out = append(out, tasks.NewManeuver(!preferRight, false))
	}
	if len(out) == 0 {
		out = append(out, tasks.NewManeuver(preferRight, true))
	}
	return out
}

// findTarget walks the maneuvers and, for each, forward offsets from the full
// distance down to the floor. The first target that has ground, stays out of
// the ego corridor, stays on the vehicle's side of the ego path and can be
// reached in a straight line wins.
func (s *System) findTarget(e ego.Ego, v host.Vehicle, lat float64) (geom.Vec3, tasks.Maneuver, bool) {
	y := s.cfg.Yield
	side := geom.Side(lat, y.CenterBand)
	for _, m := range s.maneuvers(v, lat) {
		sideDist := y.SideMoveDistance
		if m.Forced() {
			sideDist = y.ForceSideMoveDistance
		}
		for f := y.ForwardMoveDistance; f >= y.MinForwardDistance-1e-9; f -= y.ForwardStep {
			raw := v.Position.Add(v.Right.Scale(m.Side() * sideDist)).Add(v.Forward.Scale(f))
			gz, ok := s.world.GroundHeight(raw)
			if !ok {
				continue
			}
			target := raw.WithZ(gz)
			if !e.Safe(target) {
				continue
			}
			if side != 0 {
				if _, tlat := e.Local(target); (tlat > 0) != (side > 0) {
					continue
				}
			}
			if s.world.TraceLine(v.Position, target, host.TraceWorld, v.ID).Hit {
				continue
			}
			return target, m, true
		}
	}
	return geom.Vec3{}, 0, false
}
