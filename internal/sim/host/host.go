// Package host declares what the decision engine needs from the simulation it
// runs inside. Everything here is consumed, never implemented, by the engine;
// internal/sim/sandbox provides an in-memory implementation.
package host

import "clearpath.ai/internal/sim/geom"

// Handle identifies a simulation entity. It is only a name: whether the entity
// still exists must be re-checked through World every tick.
type Handle uint64

// Vehicle is a point-in-time snapshot of a vehicle.
type Vehicle struct {
	ID       Handle
	Model    uint32
	Position geom.Vec3
	Forward  geom.Vec3
	Right    geom.Vec3
	Velocity geom.Vec3
	Speed    float64
	Heading  float64
	Length   float64
	Width    float64

	Alive     bool
	HasDriver bool
	Police    bool
	Emergency bool
	HasSiren  bool
	SirenOn   bool
}

// Frame returns the vehicle's position and orientation basis.
func (v Vehicle) Frame() geom.Frame {
	return geom.Frame{Position: v.Position, Forward: v.Forward, Right: v.Right}
}

// Object is a static prop such as a traffic light or stop sign.
type Object struct {
	ID       Handle
	Model    uint32
	Position geom.Vec3
	Forward  geom.Vec3
	Heading  float64
}

// Road is a directed road segment between two path nodes.
type Road struct {
	A geom.Vec3
	B geom.Vec3
}

type TraceFlags uint8

const (
	TraceWorld TraceFlags = 1 << iota
	TraceVehicles
	TraceObjects
)

// Hit is the result of a line trace.
type Hit struct {
	Hit      bool
	Position geom.Vec3
	Entity   Handle
}

type DriveFlags uint8

const DriveNormal DriveFlags = 0

const (
	DriveEmergency DriveFlags = 1 << iota
	DriveStopAtDestination
	DriveReverse
)

type Maneuver string

const (
	ManeuverWait                     Maneuver = "WAIT"
	ManeuverGoForwardStraightBraking Maneuver = "GO_FORWARD_STRAIGHT_BRAKING"
)

type Indicator uint8

const (
	IndicatorOff Indicator = iota
	IndicatorLeft
	IndicatorRight
)

func (i Indicator) String() string {
	switch i {
	case IndicatorLeft:
		return "LEFT"
	case IndicatorRight:
		return "RIGHT"
	}
	return "OFF"
}

// LightState values match the host's traffic light override codes.
type LightState int

const (
	LightGreen  LightState = 0
	LightRed    LightState = 1
	LightYellow LightState = 2
	LightReset  LightState = 3
)

type Color string

const (
	ColorGreen   Color = "GREEN"
	ColorDarkRed Color = "DARK_RED"
	ColorFuchsia Color = "FUCHSIA"
	ColorBlue    Color = "BLUE"
	ColorCyan    Color = "CYAN"
)

// Player is the local player. Vehicle is 0 while on foot.
type Player struct {
	Position geom.Vec3
	Forward  geom.Vec3
	Right    geom.Vec3
	Speed    float64
	Heading  float64
	Vehicle  Handle
}

func (p Player) InVehicle() bool { return p.Vehicle != 0 }

type World interface {
	// VehiclesNear returns the vehicles within radius of center, excluding
	// the vehicle the player is driving.
	VehiclesNear(center geom.Vec3, radius float64) []Vehicle
	Vehicle(h Handle) (Vehicle, bool)
	TraceLine(from, to geom.Vec3, flags TraceFlags, ignore ...Handle) Hit
	GroundHeight(p geom.Vec3) (float64, bool)
	ClosestRoad(p geom.Vec3) (Road, bool)
	ClosestObjectOfModel(p geom.Vec3, radius float64, model uint32) (Object, bool)
	Object(h Handle) (Object, bool)
}

// AI dispatches driving tasks to the driver of a vehicle. Calls on a vehicle
// without a driver are ignored by the host.
type AI interface {
	ClearTasks(h Handle)
	DriveTo(h Handle, target geom.Vec3, speed float64, flags DriveFlags)
	PerformManeuver(h Handle, m Maneuver, durationMs uint64)
	Cruise(h Handle, speed float64)
	SetIndicators(h Handle, ind Indicator)
}

type Signals interface {
	// SetLightState overrides a traffic light. It returns false when the
	// object no longer exists.
	SetLightState(obj Handle, state LightState) bool
}

type Law interface {
	// PulloverSuspect returns the vehicle of the current traffic stop, if any.
	PulloverSuspect() (Handle, bool)
	IsPursuitSuspect(h Handle) bool
	// SetDefaultYielding toggles the host's built-in yield-to-siren logic.
	SetDefaultYielding(h Handle, on bool)
}

type Players interface {
	Player() Player
}

type Clock interface {
	Now() uint64
}

type Annotator interface {
	Attach(h Handle, c Color)
	Detach(h Handle)
}

// Host bundles every collaborator.
type Host interface {
	World
	AI
	Signals
	Law
	Players
	Clock
	Annotator
}
