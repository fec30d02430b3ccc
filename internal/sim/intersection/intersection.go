// Package intersection detects the traffic-control object ahead of the ego,
// holds cross traffic while the ego goes through and pushes slow traffic
// waiting in its path out of the way.
package intersection

import (
	"io"
	"log"
	"sort"

	"clearpath.ai/internal/sim/ego"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/registry"
	"clearpath.ai/internal/sim/sched"
	"clearpath.ai/internal/sim/tasks"
	"clearpath.ai/internal/sim/tuning"
)

// CreepSubsystem keys creep failures in the registry.
const CreepSubsystem = "creep"

type Deps struct {
	Registry *registry.Registry
	World    host.World
	AI       host.AI
	Signals  host.Signals
	Law      host.Law
	Clock    host.Clock
	Sched    *sched.Scheduler
	Logger   *log.Logger
}

type System struct {
	cfg     tuning.Tuning
	reg     *registry.Registry
	world   host.World
	ai      host.AI
	signals host.Signals
	law     host.Law
	clock   host.Clock
	sched   *sched.Scheduler
	log     *log.Logger
}

func New(cfg tuning.Tuning, d Deps) *System {
	lg := d.Logger
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	sc := d.Sched
	if sc == nil {
		sc = sched.New()
	}
	return &System{
		cfg:     cfg,
		reg:     d.Registry,
		world:   d.World,
		ai:      d.AI,
		signals: d.Signals,
		law:     d.Law,
		clock:   d.Clock,
		sched:   sc,
		log:     lg,
	}
}

func (s *System) enabled() bool {
	return s.cfg.Features.IntersectionControl || s.cfg.Features.IntersectionCreep
}

// Process runs one tick: clear or reconcile the active intersection, or look
// for a new one, then handle candidates around the centre.
func (s *System) Process(e ego.Ego) {
	if !s.enabled() {
		if n := s.reg.ReleaseKinds(tasks.ReasonDisabled, tasks.KindIntersectionStop, tasks.KindCreep); n > 0 {
			s.log.Printf("intersection disabled: released %d", n)
		}
		s.reg.ResetIntersection()
		return
	}
	now := s.clock.Now()
	in, active := s.reg.Intersection()
	if active {
		if s.clearIfPast(e, in, now) {
			return
		}
		s.reconcile(e, in, now)
	} else {
		if !s.reg.ScanDue(registry.ScanIntersectionDetect, now) {
			return
		}
		s.reg.ScheduleScan(registry.ScanIntersectionDetect, now, s.cfg.Intersection.ScanIntervalMs)
		if !s.reg.CooldownElapsed(now, s.cfg.Intersection.CooldownMs) {
			return
		}
		if in, active = s.detect(e, now); !active {
			return
		}
	}

	if !s.reg.ScanDue(registry.ScanIntersectionCandidates, now) {
		return
	}
	s.reg.ScheduleScan(registry.ScanIntersectionCandidates, now, s.cfg.Intersection.CandidateScanIntervalMs)
	s.search(e, in, now)
}

// clearIfPast deactivates the intersection once the ego is past it or has
// drifted away, releasing every intersection task.
func (s *System) clearIfPast(e ego.Ego, in registry.Intersection, now uint64) bool {
	cfg := s.cfg.Intersection
	toCenter := in.Center.Sub(e.Position())
	past := e.Forward().Dot(toCenter) < cfg.PastThreshold
	far := toCenter.Len() > cfg.SearchMaxDistance+cfg.ClearMargin
	if !past && !far {
		return false
	}
	n := s.reg.ReleaseKinds(tasks.ReasonIntersectionCleared, tasks.KindIntersectionStop, tasks.KindCreep)
	s.reg.Deactivate(now)
	s.reg.ClearFailures(CreepSubsystem)
	s.log.Printf("intersection %s at %v cleared (past=%t far=%t released=%d)", in.Kind, in.Center, past, far, n)
	return true
}

func (s *System) reconcile(e ego.Ego, in registry.Intersection, now uint64) {
	cfg := s.cfg.Intersection
	suspect, pullover := s.law.PulloverSuspect()
	for _, h := range s.reg.Handles(tasks.KindIntersectionStop) {
		v, ok := s.world.Vehicle(h)
		switch {
		case !ok || !v.Alive:
			s.reg.Release(h, tasks.ReasonGone)
		case pullover && h == suspect:
			s.reg.Release(h, tasks.ReasonPulloverSuspect)
		case v.Position.Dist(in.Center) > cfg.StopReleaseDistance:
			s.reg.Release(h, tasks.ReasonTooFar)
		}
	}

	c := s.cfg.Creep
	for _, h := range s.reg.Handles(tasks.KindCreep) {
		t, _ := s.reg.Task(h)
		creep := t.(tasks.Creep)
		v, ok := s.world.Vehicle(h)
		if !ok || !v.Alive {
			s.reg.Release(h, tasks.ReasonGone)
			continue
		}
		toTarget := v.Position.Dist(creep.Target)
		switch {
		case v.Position.Dist(e.Position()) > s.cfg.Detection.Range+c.ReleaseMargin:
			s.reg.Release(h, tasks.ReasonTooFar)
		case toTarget < c.CompletionDistance:
			s.reg.Release(h, tasks.ReasonCompleted)
		case toTarget > c.AbandonDistance:
			s.reg.Release(h, tasks.ReasonAbandoned)
		case now-creep.StartedAt > c.TimeoutMs:
			s.reg.Release(h, tasks.ReasonTimeout)
		}
	}
}

func (s *System) search(e ego.Ego, in registry.Intersection, now uint64) {
	f := s.cfg.Features
	s.reg.ClearFailures(CreepSubsystem)

	near := s.world.VehiclesNear(in.Center, s.cfg.Intersection.CandidateRadius)
	sort.Slice(near, func(i, j int) bool { return near[i].ID < near[j].ID })
	suspect, pullover := s.law.PulloverSuspect()
	held := s.creepTargets()

	for _, v := range near {
		if !s.eligible(e, v) || (pullover && v.ID == suspect) {
			continue
		}
		dot := e.HeadingDot(v)
		if f.IntersectionCreep && s.creepCandidate(e, v, dot) {
			if target, ok := s.tryCreep(e, v, held, now); ok {
				held = append(held, target)
			}
			continue
		}
		if f.IntersectionControl && s.crossTraffic(in, v, dot) {
			s.stop(v, now)
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

// crossTraffic reports whether v should be held: any non-aligned heading near
// a stop sign, or a near-perpendicular heading approaching a light.
func (s *System) crossTraffic(in registry.Intersection, v host.Vehicle, dot float64) bool {
	cfg := s.cfg.Intersection
	toCenter := in.Center.Sub(v.Position)
	if toCenter.Len() >= cfg.StopRadius {
		return false
	}
	if in.Kind == registry.StopSign {
		return dot < cfg.StopSignAlignedDot
	}
	return dot > -cfg.CrossTrafficHeadingDot && dot < cfg.CrossTrafficHeadingDot && v.Forward.Dot(toCenter) > 0
}

func (s *System) stop(v host.Vehicle, now uint64) {
	if err := s.reg.Assign(v.ID, tasks.IntersectionStop{StartedAt: now}); err != nil {
		return
	}
	s.ai.ClearTasks(v.ID)
	s.ai.PerformManeuver(v.ID, host.ManeuverGoForwardStraightBraking, s.cfg.Intersection.StopManeuverMs)
}
