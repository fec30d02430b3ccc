package tasks

import (
	"testing"

	"clearpath.ai/internal/sim/host"
)

func TestManeuver_SideAndIndicator(t *testing.T) {
	cases := []struct {
		m      Maneuver
		right  bool
		forced bool
		ind    host.Indicator
		name   string
	}{
		{m: MoveLeft, ind: host.IndicatorLeft, name: "MOVE_LEFT"},
		{m: MoveRight, right: true, ind: host.IndicatorRight, name: "MOVE_RIGHT"},
		{m: ForcedMoveLeft, forced: true, ind: host.IndicatorLeft, name: "FORCED_MOVE_LEFT"},
		{m: ForcedMoveRight, right: true, forced: true, ind: host.IndicatorRight, name: "FORCED_MOVE_RIGHT"},
	}
	for _, c := range cases {
		if NewManeuver(c.right, c.forced) != c.m {
			t.Fatalf("NewManeuver(%v,%v) != %v", c.right, c.forced, c.m)
		}
		if c.m.Right() != c.right || c.m.Forced() != c.forced {
			t.Fatalf("%v: bits decode wrong", c.m)
		}
		if c.m.Indicator() != c.ind {
			t.Fatalf("%v: indicator=%v want %v", c.m, c.m.Indicator(), c.ind)
		}
		if c.m.String() != c.name {
			t.Fatalf("String()=%q want %q", c.m.String(), c.name)
		}
	}
}

func TestKinds_HaveColorsAndMatchTasks(t *testing.T) {
	all := []Task{Yield{}, OncomingBrake{}, Creep{}, IntersectionStop{}, AroundPlayer{}}
	if len(all) != len(Kinds) {
		t.Fatalf("Kinds out of sync with task types")
	}
	for i, task := range all {
		if task.Kind() != Kinds[i] {
			t.Fatalf("task %d kind=%s want %s", i, task.Kind(), Kinds[i])
		}
		if Color(task.Kind()) == "" {
			t.Fatalf("kind %s has no colour", task.Kind())
		}
	}
}

func TestFailure_OrderedByProgress(t *testing.T) {
	around := []Failure{FailSideBlocked, FailNoRoad, FailBadHeading, FailTargetTooFarOrHigh, FailPathBlocked}
	creep := []Failure{FailSideBlocked, FailNoGround, FailHeightDelta, FailUnsafe, FailTooClose, FailPathBlocked}
	for _, seq := range [][]Failure{around, creep} {
		for i := 1; i < len(seq); i++ {
			if seq[i] <= seq[i-1] {
				t.Fatalf("%s should rank above %s", seq[i], seq[i-1])
			}
		}
	}
	if !IsKnownReason(ReasonTimeout) || IsKnownReason("NOPE") {
		t.Fatalf("IsKnownReason mismatch")
	}
}
