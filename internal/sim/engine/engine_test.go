package engine

import (
	"errors"
	"testing"

	"clearpath.ai/internal/observerproto"
	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/registry"
	"clearpath.ai/internal/sim/sandbox"
	"clearpath.ai/internal/sim/tasks"
	"clearpath.ai/internal/sim/tuning"
)

const stopModel = 0xc76bd3ab

type recorder struct {
	entries []TickLogEntry
	err     error
}

func (r *recorder) WriteTick(e TickLogEntry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recorder) events() []registry.Event {
	var out []registry.Event
	for _, e := range r.entries {
		out = append(out, e.Events...)
	}
	return out
}

type fixture struct {
	t   *testing.T
	s   *sandbox.Host
	eng *Engine
	rec *recorder
	ego host.Handle
}

// newFixture seats the player in a police car at the origin facing +X with
// the siren on.
func newFixture(t *testing.T, cfg tuning.Tuning, egoSpeed float64) *fixture {
	t.Helper()
	s := sandbox.New()
	h := s.AddVehicle(sandbox.VehicleSpec{Position: geom.Zero, Heading: 270, Speed: egoSpeed, Police: true, Siren: true, SirenOn: true})
	s.PutPlayerIn(h)
	eng := New(cfg, Deps{Host: s, Annotate: true, RunID: "run-test"})
	rec := &recorder{}
	eng.AddDecisionLogger(rec)
	return &fixture{t: t, s: s, eng: eng, rec: rec, ego: h}
}

func (f *fixture) owner(h host.Handle) tasks.Kind {
	k, _ := f.eng.Registry().Owner(h)
	return k
}

func lastRelease(events []registry.Event, h host.Handle) tasks.Reason {
	var r tasks.Reason
	for _, ev := range events {
		if ev.Entity == h && ev.Action == registry.ActionRelease {
			r = ev.Reason
		}
	}
	return r
}

func TestTick_EngagesSilentModeAndYields(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 20)
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(10, 0, 0), Heading: 270, Speed: 5})

	f.eng.Tick()

	if !f.eng.Engaged() {
		t.Fatalf("engine should be engaged")
	}
	if on, set := f.s.DefaultYielding(f.ego); !set || on {
		t.Fatalf("default yielding: on=%v set=%v", on, set)
	}
	if f.owner(car) != tasks.KindYield {
		t.Fatalf("owner: %q", f.owner(car))
	}
	if len(f.rec.entries) != 1 {
		t.Fatalf("entries: %d", len(f.rec.entries))
	}
	e := f.rec.entries[0]
	if e.RunID != "run-test" || e.Tick != 1 || e.Ego != f.ego || !e.Engaged {
		t.Fatalf("entry: %+v", e)
	}
	if len(e.Events) != 1 || e.Events[0].Action != registry.ActionAssign || e.Events[0].Entity != car {
		t.Fatalf("events: %+v", e.Events)
	}
}

func TestTick_QuietTicksAreNotLogged(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 20)
	for i := 0; i < 3; i++ {
		f.eng.Tick()
		f.s.Advance(100)
	}
	if len(f.rec.entries) != 0 {
		t.Fatalf("entries: %+v", f.rec.entries)
	}
	if f.eng.CurrentTick() != 3 {
		t.Fatalf("tick: %d", f.eng.CurrentTick())
	}
}

func TestTick_LoggerErrorsDoNotStopTheTick(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 20)
	f.rec.err = errors.New("disk full")
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(10, 0, 0), Heading: 270, Speed: 5})
	f.eng.Tick()
	if f.owner(car) != tasks.KindYield {
		t.Fatalf("owner: %q", f.owner(car))
	}
}

func TestTick_SirenOffDisengagesAndReleasesAll(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 20)
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(10, 0, 0), Heading: 270, Speed: 5})
	f.eng.Tick()

	f.s.SetSiren(f.ego, false)
	f.s.Advance(50)
	f.eng.Tick()

	if f.eng.Engaged() {
		t.Fatalf("engine should be disengaged")
	}
	if got := lastRelease(f.rec.events(), car); got != tasks.ReasonDisengaged {
		t.Fatalf("release: %q", got)
	}
	if on, _ := f.s.DefaultYielding(f.ego); !on {
		t.Fatalf("default yielding should be restored")
	}
	if n := f.eng.Registry().Len(); n != 0 {
		t.Fatalf("registry still holds %d tasks", n)
	}
	if _, marked := f.s.Marker(car); marked {
		t.Fatalf("marker should be removed")
	}
}

func TestTick_DespawnedSirenVehicleDisengages(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 20)
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(10, 0, 0), Heading: 270, Speed: 5})
	f.eng.Tick()

	f.s.PlacePlayer(geom.V(0, 10, 0), 0)
	f.s.Despawn(f.ego)
	f.eng.Tick()

	if f.eng.Engaged() || f.owner(car) != "" {
		t.Fatalf("engaged=%v owner=%q", f.eng.Engaged(), f.owner(car))
	}
}

func TestTick_NoSirenVehicleNeverEngages(t *testing.T) {
	s := sandbox.New()
	h := s.AddVehicle(sandbox.VehicleSpec{Position: geom.Zero, Heading: 270, Speed: 20})
	s.PutPlayerIn(h)
	car := s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(10, 0, 0), Heading: 270, Speed: 5})
	eng := New(tuning.Defaults(), Deps{Host: s})

	eng.Tick()

	if eng.Engaged() || eng.Registry().Owned(car) {
		t.Fatalf("plain vehicle engaged the engine")
	}
	if _, set := s.DefaultYielding(h); set {
		t.Fatalf("default yielding touched")
	}
}

func TestTick_OnlyAroundPlayerRunsOutsideSirenVehicle(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 20)
	f.eng.Tick()

	other := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(0, 20, 0), Heading: 270})
	f.s.PutPlayerIn(other)
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(10, 0, 0), Heading: 270, Speed: 5})
	f.s.Advance(500)
	f.eng.Tick()

	if !f.eng.Engaged() {
		t.Fatalf("siren vehicle is still on")
	}
	if f.eng.SirenVehicle() != f.ego {
		t.Fatalf("siren vehicle: %d", f.eng.SirenVehicle())
	}
	if f.eng.Registry().Owned(car) {
		t.Fatalf("yield ran while the player was elsewhere")
	}
}

func TestTick_StoppedPlayerPausesYieldAndIntersection(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 20)
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(10, 0, 0), Heading: 270, Speed: 5})
	f.eng.Tick()
	if f.owner(car) != tasks.KindYield {
		t.Fatalf("owner: %q", f.owner(car))
	}

	f.s.SetSpeed(f.ego, 0)
	f.eng.Tick()
	f.s.Advance(f.eng.Tuning().Player.StoppedTimeoutMs)
	f.eng.Tick()
	if f.eng.Paused() || f.owner(car) != tasks.KindYield {
		t.Fatalf("paused before the timeout: paused=%v owner=%q", f.eng.Paused(), f.owner(car))
	}

	f.s.Advance(1)
	f.eng.Tick()
	if !f.eng.Paused() {
		t.Fatalf("engine should pause")
	}
	if got := lastRelease(f.rec.events(), car); got != tasks.ReasonPlayerStopped {
		t.Fatalf("release: %q", got)
	}
	if !f.eng.Engaged() {
		t.Fatalf("pausing must not disengage")
	}

	f.s.SetSpeed(f.ego, 20)
	f.s.Advance(10)
	f.eng.Tick()
	if f.eng.Paused() {
		t.Fatalf("moving ego should resume")
	}
	if f.owner(car) != tasks.KindYield {
		t.Fatalf("yield should resume: owner %q", f.owner(car))
	}
}

func TestTick_SubsystemOrderDecidesContestedVehicle(t *testing.T) {
	cases := []struct {
		order string
		want  tasks.Kind
	}{
		{tuning.OrderIntersectionFirst, tasks.KindCreep},
		{tuning.OrderYieldFirst, tasks.KindYield},
	}
	for _, tc := range cases {
		t.Run(tc.order, func(t *testing.T) {
			cfg := tuning.Defaults()
			cfg.Features.SubsystemOrder = tc.order
			f := newFixture(t, cfg, 15)
			f.s.AddProp(stopModel, geom.V(35, -5, 0), 270, geom.V(0.6, 0.6, 3))
			waiting := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(18, -1, 0), Heading: 270})

			f.eng.Tick()

			if got := f.owner(waiting); got != tc.want {
				t.Fatalf("owner: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestTick_SnapshotSinkNeverBlocks(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 20)
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(10, 0, 0), Heading: 270, Speed: 5})
	sink := make(chan observerproto.TickMsg, 1)
	f.eng.SetSnapshotSink(sink)

	f.eng.Tick()
	f.s.Advance(10)
	f.eng.Tick()

	msg := <-sink
	if msg.Tick != 1 || !msg.Engaged || !msg.InVehicle || msg.Ego == nil || msg.Ego.Entity != uint64(f.ego) {
		t.Fatalf("snapshot: %+v", msg)
	}
	if len(msg.Tasks) != 1 || msg.Tasks[0].Entity != uint64(car) || msg.Tasks[0].Kind != string(tasks.KindYield) ||
		msg.Tasks[0].Color != string(host.ColorGreen) || msg.Tasks[0].Target == nil {
		t.Fatalf("tasks: %+v", msg.Tasks)
	}
	if len(msg.Events) != 1 || msg.Events[0].Action != string(registry.ActionAssign) {
		t.Fatalf("events: %+v", msg.Events)
	}
	select {
	case extra := <-sink:
		t.Fatalf("second tick should have been dropped: %+v", extra)
	default:
	}
}

func TestSnapshot_IntersectionAndFailures(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 15)
	f.s.AddProp(stopModel, geom.V(35, -5, 0), 270, geom.V(0.6, 0.6, 3))
	// Both creep sides are walled in.
	f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(18, -5, 0), Heading: 270, Police: true})
	f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(18, 3, 0), Heading: 270, Police: true})
	f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(18, -1, 0), Heading: 270})

	f.eng.Tick()
	msg := f.eng.Snapshot()

	if msg.Intersection == nil || msg.Intersection.Kind != string(registry.StopSign) {
		t.Fatalf("intersection: %+v", msg.Intersection)
	}
	if len(msg.Failures) != 1 || msg.Failures[0].Reason != tasks.FailSideBlocked.String() {
		t.Fatalf("failures: %+v", msg.Failures)
	}
}

func TestShutdown_ReleasesEverythingAndRestoresYielding(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 20)
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(10, 0, 0), Heading: 270, Speed: 5})
	f.eng.Tick()
	f.eng.Scheduler().At(f.s.Now()+5000, func(uint64) { t.Fatalf("continuation survived shutdown") })

	f.eng.Shutdown()

	if got := lastRelease(f.rec.events(), car); got != tasks.ReasonShutdown {
		t.Fatalf("release: %q", got)
	}
	if on, _ := f.s.DefaultYielding(f.ego); !on {
		t.Fatalf("default yielding should be restored")
	}
	if f.eng.Scheduler().Len() != 0 {
		t.Fatalf("scheduler not cleared")
	}
}

func TestBootstrap_DescribesRun(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 0)
	b := f.eng.Bootstrap()
	if b.RunID != "run-test" || b.ProtocolVersion != observerproto.Version || b.SubsystemOrder != tuning.OrderIntersectionFirst {
		t.Fatalf("bootstrap: %+v", b)
	}
	if len(b.TaskKinds) != len(tasks.Kinds) || b.TaskColors[string(tasks.KindCreep)] != string(host.ColorFuchsia) {
		t.Fatalf("kinds: %+v %+v", b.TaskKinds, b.TaskColors)
	}
	if !b.Features["opticom"] || b.Features["around_player"] {
		t.Fatalf("features: %+v", b.Features)
	}
}

func TestNew_GeneratesRunID(t *testing.T) {
	a := New(tuning.Defaults(), Deps{Host: sandbox.New()})
	b := New(tuning.Defaults(), Deps{Host: sandbox.New()})
	if a.RunID() == "" || a.RunID() == b.RunID() {
		t.Fatalf("run ids: %q %q", a.RunID(), b.RunID())
	}
}

func TestTick_SwitchingSirenVehiclesMovesSilentMode(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 20)
	f.eng.Tick()
	if on, set := f.s.DefaultYielding(f.ego); !set || on {
		t.Fatalf("first vehicle not silenced: on=%v set=%v", on, set)
	}

	second := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(0, 20, 0), Heading: 270, Speed: 20, Police: true, Siren: true, SirenOn: true})
	f.s.PutPlayerIn(second)
	f.s.Advance(50)
	f.eng.Tick()

	if !f.eng.Engaged() || f.eng.SirenVehicle() != second {
		t.Fatalf("engaged=%v siren=%d", f.eng.Engaged(), f.eng.SirenVehicle())
	}
	if on, set := f.s.DefaultYielding(second); !set || on {
		t.Fatalf("new siren vehicle not silenced: on=%v set=%v", on, set)
	}
	if on, _ := f.s.DefaultYielding(f.ego); !on {
		t.Fatalf("previous siren vehicle not restored")
	}

	f.s.SetSiren(second, false)
	f.s.Advance(50)
	f.eng.Tick()
	if on, _ := f.s.DefaultYielding(second); !on {
		t.Fatalf("disengage should restore the current vehicle")
	}
}

func TestTick_LeavingVehicleReleasesDriveTasks(t *testing.T) {
	f := newFixture(t, tuning.Defaults(), 20)
	car := f.s.AddVehicle(sandbox.VehicleSpec{Position: geom.V(10, 0, 0), Heading: 270, Speed: 5})
	f.eng.Tick()
	if f.owner(car) != tasks.KindYield {
		t.Fatalf("owner: %q", f.owner(car))
	}

	f.s.PlacePlayer(geom.V(0, 10, 0), 270)
	f.s.Advance(50)
	f.eng.Tick()

	if !f.eng.Engaged() {
		t.Fatalf("siren is still on; engine should stay engaged")
	}
	if f.owner(car) != "" {
		t.Fatalf("yield task outlived the player leaving: %q", f.owner(car))
	}
	if got := lastRelease(f.rec.events(), car); got != tasks.ReasonPlayerOnFoot {
		t.Fatalf("release: %q", got)
	}
	if _, ok := f.eng.Registry().Intersection(); ok {
		t.Fatalf("intersection should be reset")
	}
}

// zeroClock lets the host clock start at 0.
type zeroClock struct {
	*sandbox.Host
	now uint64
}

func (z *zeroClock) Now() uint64 { return z.now }

func TestTick_StoppedAtClockZeroPausesOnTime(t *testing.T) {
	s := sandbox.New()
	h := s.AddVehicle(sandbox.VehicleSpec{Position: geom.Zero, Heading: 270, Police: true, Siren: true, SirenOn: true})
	s.PutPlayerIn(h)
	clock := &zeroClock{Host: s}
	eng := New(tuning.Defaults(), Deps{Host: clock})

	eng.Tick()
	if eng.Paused() {
		t.Fatalf("paused on the first stopped tick")
	}
	clock.now = eng.Tuning().Player.StoppedTimeoutMs + 1
	eng.Tick()
	if !eng.Paused() {
		t.Fatalf("stop that began at clock 0 was not timed")
	}
}
