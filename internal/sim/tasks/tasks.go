package tasks

import (
	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
)

type Kind string

const (
	KindYield            Kind = "YIELD"
	KindOncomingBrake    Kind = "ONCOMING_BRAKE"
	KindCreep            Kind = "CREEP"
	KindIntersectionStop Kind = "INTERSECTION_STOP"
	KindAroundPlayer     Kind = "AROUND_PLAYER"
)

// Kinds lists every task kind in a stable order.
var Kinds = []Kind{KindYield, KindOncomingBrake, KindCreep, KindIntersectionStop, KindAroundPlayer}

// Task is the state held for one controlled vehicle. Exactly one of the
// concrete types below.
type Task interface {
	Kind() Kind
}

// Targeted is implemented by tasks that drive toward a position.
type Targeted interface {
	Task
	TargetPosition() geom.Vec3
}

// Maneuver is the yield direction. Bit 0 selects the right side, bit 1 marks
// a forced (wider) move, so every value maps to exactly one side.
type Maneuver uint8

const (
	MoveLeft        Maneuver = 0
	MoveRight       Maneuver = 1
	ForcedMoveLeft  Maneuver = 2
	ForcedMoveRight Maneuver = 3
)

func NewManeuver(right, forced bool) Maneuver {
	var m Maneuver
	if right {
		m |= 1
	}
	if forced {
		m |= 2
	}
	return m
}

func (m Maneuver) Right() bool  { return m&1 != 0 }
func (m Maneuver) Forced() bool { return m&2 != 0 }

// Side is +1 for right and -1 for left.
func (m Maneuver) Side() float64 {
	if m.Right() {
		return 1
	}
	return -1
}

func (m Maneuver) Indicator() host.Indicator {
	if m.Right() {
		return host.IndicatorRight
	}
	return host.IndicatorLeft
}

func (m Maneuver) String() string {
	return [...]string{"MOVE_LEFT", "MOVE_RIGHT", "FORCED_MOVE_LEFT", "FORCED_MOVE_RIGHT"}[m&3]
}

type Yield struct {
	Target    geom.Vec3
	Maneuver  Maneuver
	StartedAt uint64
	// Waiting is set while the vehicle is stationary.
	Waiting bool
}

type OncomingBrake struct {
	StartedAt uint64
}

type Creep struct {
	Target    geom.Vec3
	StartedAt uint64
}

// IntersectionStop marks a vehicle held at the active intersection. The
// braking maneuver is issued once on assignment.
type IntersectionStop struct {
	StartedAt uint64
}

type AroundPlayer struct {
	Target    geom.Vec3
	StartedAt uint64
	// BackupStartedAt is 0 unless the vehicle is reversing out of a jam.
	BackupStartedAt uint64
}

func (Yield) Kind() Kind            { return KindYield }
func (OncomingBrake) Kind() Kind    { return KindOncomingBrake }
func (Creep) Kind() Kind            { return KindCreep }
func (IntersectionStop) Kind() Kind { return KindIntersectionStop }
func (AroundPlayer) Kind() Kind     { return KindAroundPlayer }

func (t Yield) TargetPosition() geom.Vec3        { return t.Target }
func (t Creep) TargetPosition() geom.Vec3        { return t.Target }
func (t AroundPlayer) TargetPosition() geom.Vec3 { return t.Target }

// Color is the debug annotation colour for a task kind.
func Color(k Kind) host.Color {
	switch k {
	case KindYield:
		return host.ColorGreen
	case KindOncomingBrake:
		return host.ColorDarkRed
	case KindCreep:
		return host.ColorFuchsia
	case KindIntersectionStop:
		return host.ColorBlue
	case KindAroundPlayer:
		return host.ColorCyan
	}
	return ""
}
