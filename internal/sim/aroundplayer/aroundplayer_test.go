package aroundplayer

import (
	"testing"

	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/registry"
	"clearpath.ai/internal/sim/sandbox"
	"clearpath.ai/internal/sim/tasks"
	"clearpath.ai/internal/sim/tuning"
)

type fixture struct {
	t   *testing.T
	s   *sandbox.Host
	cfg tuning.Tuning
	reg *registry.Registry
	sys *System
	ego host.Handle
}

// newFixture seats the player in a stationary ego at the origin facing +X.
// Right of +X is -Y.
func newFixture(t *testing.T, mutate func(*tuning.Tuning)) *fixture {
	t.Helper()
	cfg := tuning.Defaults()
	cfg.Features.AroundPlayer = true
	if mutate != nil {
		mutate(&cfg)
	}
	s := sandbox.New()
	h := s.AddVehicle(sandbox.VehicleSpec{Position: geom.Zero, Heading: 270, Police: true, Siren: true, SirenOn: true})
	s.PutPlayerIn(h)
	reg := registry.New(registry.Deps{World: s, AI: s, Annotator: s, Clock: s, Annotate: true})
	sys := New(cfg, Deps{Registry: reg, World: s, AI: s, Law: s, Clock: s})
	return &fixture{t: t, s: s, cfg: cfg, reg: reg, sys: sys, ego: h}
}

func (f *fixture) twoLanes() {
	f.s.AddRoad(geom.V(-200, 0, 0), geom.V(400, 0, 0))
	f.s.AddRoad(geom.V(-200, 5, 0), geom.V(400, 5, 0))
}

func (f *fixture) process() { f.sys.Process(f.s.Player()) }

func (f *fixture) target(h host.Handle) geom.Vec3 {
	f.t.Helper()
	tk, ok := f.reg.Task(h)
	if !ok {
		f.t.Fatalf("vehicle %d has no task", h)
	}
	ap, ok := tk.(tasks.AroundPlayer)
	if !ok {
		f.t.Fatalf("vehicle %d task is %s", h, tk.Kind())
	}
	return ap.Target
}

func near(a, b geom.Vec3) bool { return a.Dist(b) < 1e-6 }

func releaseReason(events []registry.Event, h host.Handle) tasks.Reason {
	for _, ev := range events {
		if ev.Entity == h && ev.Action == registry.ActionRelease {
			return ev.Reason
		}
	}
	return ""
}

func TestSearch_PicksLeastDriftSide(t *testing.T) {
	cases := []struct {
		name  string
		roads [][2]geom.Vec3
		want  geom.Vec3
	}{
		// Raw targets sit at (20, ±4). Each lies 1 m from its own lane, so the
		// side whose lane ends at x=15 snaps back 5 m and loses.
		{"left lane", [][2]geom.Vec3{{geom.V(-200, -5, 0), geom.V(15, -5, 0)}, {geom.V(-200, 5, 0), geom.V(400, 5, 0)}}, geom.V(20, 4, 0)},
		{"right lane", [][2]geom.Vec3{{geom.V(-200, -5, 0), geom.V(400, -5, 0)}, {geom.V(-200, 5, 0), geom.V(15, 5, 0)}}, geom.V(20, -4, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			for _, r := range tc.roads {
				f.s.AddRoad(r[0], r[1])
			}
			car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270})
			f.process()
			if got := f.target(car); !near(got, tc.want) {
				t.Fatalf("target: got %v want %v", got, tc.want)
			}
			o := f.s.Order(car)
			if o.Kind != "DRIVE" || o.Speed != f.cfg.AroundPlayer.DriveSpeed || o.Flags != host.DriveNormal {
				t.Fatalf("order: %+v", o)
			}
			if c, _ := f.s.Marker(car); c != host.ColorCyan {
				t.Fatalf("marker: %v", c)
			}
		})
	}
}

func TestSearch_SideBlockedUsesOtherSide(t *testing.T) {
	f := newFixture(t, nil)
	f.twoLanes()
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270})
	f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-10, 4.5, 0), Heading: 270})

	f.process()

	if got := f.target(car); !near(got, geom.V(20, -4, 0)) {
		t.Fatalf("target: %v", got)
	}
}

func TestSearch_FailuresRecordFurthestProgress(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*tuning.Tuning)
		setup  func(f *fixture)
		want   tasks.Failure
	}{
		{"no road", nil, func(f *fixture) {}, tasks.FailNoRoad},
		{"side blocked", nil, func(f *fixture) {
			f.twoLanes()
			f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-10, 4.5, 0), Heading: 270})
			f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-10, -4.5, 0), Heading: 270})
		}, tasks.FailSideBlocked},
		{"bad heading", func(t *tuning.Tuning) { t.AroundPlayer.RoadHeadingMax = 30 }, func(f *fixture) {
			f.s.AddRoad(geom.V(0, -50, 0), geom.V(20, 50, 0))
		}, tasks.FailBadHeading},
		{"snap drift", nil, func(f *fixture) {
			f.s.AddRoad(geom.V(-200, 0, 0), geom.V(0, 0, 0))
		}, tasks.FailTargetTooFarOrHigh},
		{"elevated road", nil, func(f *fixture) {
			f.s.AddRoad(geom.V(-200, 0, 10), geom.V(400, 0, 10))
		}, tasks.FailTargetTooFarOrHigh},
		{"path blocked", nil, func(f *fixture) {
			f.twoLanes()
			f.s.AddProp(1, geom.V(5, 0, 0), 0, geom.V(1, 20, 4))
		}, tasks.FailPathBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.mutate)
			tc.setup(f)
			car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270})
			f.process()
			if f.reg.Owned(car) {
				t.Fatalf("vehicle should not be tasked")
			}
			var got []registry.Failure
			for _, fl := range f.reg.Failures() {
				if fl.Entity == car {
					got = append(got, fl)
				}
			}
			if len(got) != 1 || got[0].Subsystem != Subsystem || got[0].Reason != tc.want {
				t.Fatalf("failures: %+v want %s", got, tc.want)
			}
		})
	}
}

func TestSearch_Eligibility(t *testing.T) {
	cases := []struct {
		name string
		spec sandbox.VehicleSpec
	}{
		{"police", sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270, Police: true}},
		{"emergency", sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270, Emergency: true}},
		{"ahead", sandbox.VehicleSpec{Position: geom.V(10, 0, 0), Heading: 270}},
		{"too close", sandbox.VehicleSpec{Position: geom.V(-0.5, 0, 0), Heading: 270}},
		{"too far back", sandbox.VehicleSpec{Position: geom.V(-32, 0, 0), Heading: 270}},
		{"wide", sandbox.VehicleSpec{Position: geom.V(-10, 5, 0), Heading: 270}},
		{"fast", sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270, Speed: 5}},
		{"misaligned", sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 0}},
		{"driverless", sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270, NoDriver: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.twoLanes()
			car := f.s.AddVehicle(tc.spec)
			f.process()
			if f.reg.Owned(car) {
				t.Fatalf("ineligible vehicle was tasked")
			}
		})
	}
}

func TestSearch_OnlyWhilePlayerStationary(t *testing.T) {
	f := newFixture(t, nil)
	f.twoLanes()
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270})
	f.s.SetSpeed(f.ego, 1)
	f.process()
	if f.reg.Owned(car) {
		t.Fatalf("search ran while the player was moving")
	}
}

func TestSearch_OwnedByOtherSubsystem(t *testing.T) {
	f := newFixture(t, nil)
	f.twoLanes()
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270})
	if err := f.reg.Assign(car, tasks.OncomingBrake{StartedAt: f.s.Now()}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	f.process()
	if k, _ := f.reg.Owner(car); k != tasks.KindOncomingBrake {
		t.Fatalf("owner: %s", k)
	}
}

func TestReconcile_ReleaseReasons(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(f *fixture, car host.Handle)
		want   tasks.Reason
	}{
		{"passed player", func(f *fixture, car host.Handle) { f.s.Teleport(car, geom.V(3, 4, 0)) }, tasks.ReasonPassedPlayer},
		{"completed", func(f *fixture, car host.Handle) { f.s.Teleport(car, geom.V(19, 4, 0)) }, tasks.ReasonCompleted},
		{"timeout", func(f *fixture, car host.Handle) { f.s.Advance(f.cfg.AroundPlayer.TimeoutMs + 1) }, tasks.ReasonTimeout},
		{"too far", func(f *fixture, car host.Handle) { f.s.Teleport(car, geom.V(-80, 0, 0)) }, tasks.ReasonTooFar},
		{"gone", func(f *fixture, car host.Handle) { f.s.Despawn(car) }, tasks.ReasonGone},
		{"pullover", func(f *fixture, car host.Handle) { f.s.SetPullover(car) }, tasks.ReasonPulloverSuspect},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270})
			if err := f.reg.Assign(car, tasks.AroundPlayer{Target: geom.V(20, 4, 0), StartedAt: f.s.Now()}); err != nil {
				t.Fatalf("assign: %v", err)
			}
			f.reg.Drain()

			tc.mutate(f, car)
			f.process()

			if got := releaseReason(f.reg.Drain(), car); got != tc.want {
				t.Fatalf("release: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestReconcile_StuckVehicleBacksUpThenResumes(t *testing.T) {
	f := newFixture(t, nil)
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-4.8, 0, 0), Heading: 270})
	target := geom.V(20, 4, 0)
	if err := f.reg.Assign(car, tasks.AroundPlayer{Target: target, StartedAt: f.s.Now()}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	f.process()
	tk, _ := f.reg.Task(car)
	if tk.(tasks.AroundPlayer).BackupStartedAt != f.s.Now() {
		t.Fatalf("backup not started: %+v", tk)
	}
	o := f.s.Order(car)
	if o.Kind != "DRIVE" || !near(o.Target, geom.V(-8.3, 0, 0)) || o.Speed != f.cfg.AroundPlayer.BackupSpeed ||
		o.Flags != host.DriveReverse|host.DriveStopAtDestination {
		t.Fatalf("backup order: %+v", o)
	}

	f.s.Advance(f.cfg.AroundPlayer.BackupGraceMs)
	f.process()
	if o := f.s.Order(car); !near(o.Target, geom.V(-8.3, 0, 0)) {
		t.Fatalf("resumed before the grace period: %+v", o)
	}

	f.s.Advance(1)
	f.process()
	tk, _ = f.reg.Task(car)
	if tk.(tasks.AroundPlayer).BackupStartedAt != 0 {
		t.Fatalf("backup should be reset: %+v", tk)
	}
	o = f.s.Order(car)
	if o.Kind != "DRIVE" || !near(o.Target, target) || o.Flags != host.DriveNormal || o.Speed != f.cfg.AroundPlayer.DriveSpeed {
		t.Fatalf("resume order: %+v", o)
	}
}

func TestReconcile_NotStuckWhenMovingOrFar(t *testing.T) {
	for _, spec := range []sandbox.VehicleSpec{
		{Position: geom.V(-4.8, 0, 0), Heading: 270, Speed: 1},
		{Position: geom.V(-6, 0, 0), Heading: 270},
	} {
		f := newFixture(t, nil)
		car := f.s.AddVehicle(spec)
		if err := f.reg.Assign(car, tasks.AroundPlayer{Target: geom.V(20, 4, 0), StartedAt: f.s.Now()}); err != nil {
			t.Fatalf("assign: %v", err)
		}
		f.process()
		if tk, _ := f.reg.Task(car); tk.(tasks.AroundPlayer).BackupStartedAt != 0 {
			t.Fatalf("vehicle at %v should not back up", spec.Position)
		}
	}
}

func TestProcess_PlayerOnFootReleasesAll(t *testing.T) {
	f := newFixture(t, nil)
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270})
	if err := f.reg.Assign(car, tasks.AroundPlayer{Target: geom.V(20, 4, 0), StartedAt: f.s.Now()}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	f.reg.Drain()
	f.s.PlacePlayer(geom.V(0, 3, 0), 270)

	f.process()

	if got := releaseReason(f.reg.Drain(), car); got != tasks.ReasonPlayerOnFoot {
		t.Fatalf("release: %q", got)
	}
}

func TestProcess_DisabledReleasesAll(t *testing.T) {
	f := newFixture(t, func(t *tuning.Tuning) { t.Features.AroundPlayer = false })
	f.twoLanes()
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-10, 0, 0), Heading: 270})
	other := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(-20, 0, 0), Heading: 270})
	if err := f.reg.Assign(car, tasks.AroundPlayer{Target: geom.V(20, 4, 0), StartedAt: f.s.Now()}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	f.process()
	if f.reg.Owned(car) || f.reg.Owned(other) {
		t.Fatalf("disabled subsystem kept or assigned tasks")
	}
}
