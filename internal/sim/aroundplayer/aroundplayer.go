// Package aroundplayer moves slow traffic stuck behind a stationary player out
// and around them, onto the road ahead.
package aroundplayer

import (
	"io"
	"log"
	"math"
	"sort"

	"github.com/samber/lo"

	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/registry"
	"clearpath.ai/internal/sim/tasks"
	"clearpath.ai/internal/sim/tuning"
)

// Subsystem keys around-player failures in the registry.
const Subsystem = "around_player"

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

func (s *System) Process(p host.Player) {
	f := s.cfg.Features
	if !f.AroundPlayer {
		s.releaseAll(tasks.ReasonDisabled)
		return
	}
	if f.AroundPlayerOnlyInVehicle && !p.InVehicle() {
		s.releaseAll(tasks.ReasonPlayerOnFoot)
		return
	}
	now := s.clock.Now()
	s.reconcile(p, now)
	if p.Speed < s.cfg.AroundPlayer.StationarySpeed {
		s.search(p, now)
	}
}

func (s *System) releaseAll(reason tasks.Reason) {
	if n := s.reg.ReleaseKinds(reason, tasks.KindAroundPlayer); n > 0 {
		s.log.Printf("around player: released %d (%s)", n, reason)
	}
}

func (s *System) reconcile(p host.Player, now uint64) {
	a := s.cfg.AroundPlayer
	suspect, pullover := s.law.PulloverSuspect()
	for _, h := range s.reg.Handles(tasks.KindAroundPlayer) {
		t, _ := s.reg.Task(h)
		task := t.(tasks.AroundPlayer)
		v, ok := s.world.Vehicle(h)
		switch {
		case pullover && h == suspect:
			s.reg.Release(h, tasks.ReasonPulloverSuspect)
			continue
		case !ok || !v.Alive:
			s.reg.Release(h, tasks.ReasonGone)
			continue
		case now-task.StartedAt > a.TimeoutMs:
			s.reg.Release(h, tasks.ReasonTimeout)
			continue
		case v.Position.Dist(task.Target) < a.CompletionDistance:
			s.reg.Release(h, tasks.ReasonCompleted)
			continue
		case v.Position.Dist(p.Position) > a.DetectionRange+a.ReleaseMargin:
			s.reg.Release(h, tasks.ReasonTooFar)
			continue
		case p.Forward.Dot(v.Position.Sub(p.Position)) > a.PassedDistance:
			s.reg.Release(h, tasks.ReasonPassedPlayer)
			continue
		}

		if task.BackupStartedAt == 0 {
			if !s.stuck(p, v) {
				continue
			}
			task.BackupStartedAt = now
			_ = s.reg.Update(h, task)
			back := v.Position.Sub(v.Forward.Scale(a.BackupDistance))
			s.ai.DriveTo(h, back, a.BackupSpeed, host.DriveReverse|host.DriveStopAtDestination)
			s.log.Printf("around player: %d stuck against player, backing up", h)
			continue
		}
		if now-task.BackupStartedAt <= a.BackupGraceMs {
			continue
		}
		task.BackupStartedAt = 0
		_ = s.reg.Update(h, task)
		s.ai.DriveTo(h, task.Target, a.DriveSpeed, host.DriveNormal)
	}
}

// stuck reports whether v is sitting nose-to-tail against the player's
// vehicle.
func (s *System) stuck(p host.Player, v host.Vehicle) bool {
	a := s.cfg.AroundPlayer
	if !p.InVehicle() || v.Speed >= a.StuckSpeed || v.Position.Dist(p.Position) >= a.StuckDistance {
		return false
	}
	start := v.Position.Add(v.Forward.Scale(v.Length / 2))
	hit := s.world.TraceLine(start, start.Add(v.Forward.Scale(a.StuckProbe)), host.TraceVehicles, v.ID)
	return hit.Hit && hit.Entity == p.Vehicle
}

func (s *System) search(p host.Player, now uint64) {
	a := s.cfg.AroundPlayer
	s.reg.ClearFailures(Subsystem)
	near := s.world.VehiclesNear(p.Position, a.DetectionRange+a.SearchPadding)
	sort.Slice(near, func(i, j int) bool { return near[i].ID < near[j].ID })
	for _, v := range near {
		if !s.eligible(p, v) {
			continue
		}
		target, ok := s.overtakeTarget(p, v)
		if !ok {
			continue
		}
		if err := s.reg.Assign(v.ID, tasks.AroundPlayer{Target: target, StartedAt: now}); err != nil {
			continue
		}
		s.ai.DriveTo(v.ID, target, a.DriveSpeed, host.DriveNormal)
	}
}

// eligible is slow, aligned civilian traffic in the band behind the player.
func (s *System) eligible(p host.Player, v host.Vehicle) bool {
	a := s.cfg.AroundPlayer
	if v.ID == p.Vehicle || !v.Alive || !v.HasDriver || v.Police || v.Emergency {
		return false
	}
	if s.reg.Owned(v.ID) {
		return false
	}
	d := v.Position.Sub(p.Position)
	behind := -p.Forward.Dot(d)
	if behind < a.MinBehind || behind > a.DetectionRange {
		return false
	}
	if math.Abs(p.Right.Dot(d)) > a.DetectionWidth/2 {
		return false
	}
	return v.Speed <= a.MaxSpeed && p.Forward.Dot(v.Forward) >= a.AlignedHeadingDot
}

type candidate struct {
	target geom.Vec3
	drift  float64
}

// overtakeTarget tries both sides of v and returns the road-snapped point
// ahead of the player that drifts least from its raw placement.
func (s *System) overtakeTarget(p host.Player, v host.Vehicle) (geom.Vec3, bool) {
	var (
		found   []candidate
		worst   = tasks.FailNone
		worstAt geom.Vec3
	)
	for _, dir := range []geom.Vec3{v.Right.Neg(), v.Right} {
		c, fail, at := s.trySide(p, v, dir)
		if fail == tasks.FailNone {
			found = append(found, c)
			continue
		}
		if fail > worst {
			worst, worstAt = fail, at
		}
	}
	if len(found) == 0 {
		if worst != tasks.FailNone {
			s.reg.RecordFailure(registry.Failure{Entity: v.ID, Subsystem: Subsystem, Reason: worst, Point: worstAt})
		}
		return geom.Vec3{}, false
	}
	best := lo.MinBy(found, func(a, b candidate) bool { return a.drift < b.drift })
	return best.target, true
}

func (s *System) trySide(p host.Player, v host.Vehicle, dir geom.Vec3) (candidate, tasks.Failure, geom.Vec3) {
	a := s.cfg.AroundPlayer
	offset := v.Width/2 + a.LaneOffset
	moveOut := v.Position.Add(dir.Scale(offset))
	ignore := []host.Handle{v.ID}
	if p.InVehicle() {
		ignore = append(ignore, p.Vehicle)
	}
	if s.world.TraceLine(v.Position, moveOut, host.TraceVehicles, ignore...).Hit {
		return candidate{}, tasks.FailSideBlocked, moveOut
	}

	raw := p.Position.Add(p.Forward.Scale(a.OvertakeDistance)).Add(dir.Scale(offset))
	road, ok := s.world.ClosestRoad(raw)
	if !ok {
		return candidate{}, tasks.FailNoRoad, raw
	}
	nodeA, nodeB := road.A, road.B
	roadDir := nodeB.Sub(nodeA).Normalize()
	if p.Forward.Dot(roadDir) < 0 {
		nodeA, nodeB = nodeB, nodeA
		roadDir = roadDir.Neg()
	}
	if geom.HeadingDelta(p.Heading, geom.Heading(roadDir)) > a.RoadHeadingMax {
		return candidate{}, tasks.FailBadHeading, raw
	}

	center := geom.ClosestPointOnSegment(nodeA, nodeB, raw)
	side := roadDir.Cross(geom.Up).Normalize()
	final := center.Add(side.Scale(raw.Sub(center).Dot(side)))
	drift := final.Dist(raw)
	if drift > a.MaxSnapDrift || math.Abs(final.Z-v.Position.Z) > a.MaxHeightDelta {
		return candidate{}, tasks.FailTargetTooFarOrHigh, final
	}
	if s.world.TraceLine(moveOut, final, host.TraceObjects, ignore...).Hit {
		return candidate{}, tasks.FailPathBlocked, final
	}
	return candidate{target: final, drift: drift}, tasks.FailNone, final
}
