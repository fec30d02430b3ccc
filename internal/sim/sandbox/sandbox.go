// Package sandbox is an in-memory traffic world that implements every host
// contract. Vehicles move kinematically in straight lines; traces test
// oriented vehicle boxes and axis-aligned props; ground is flat with optional
// raised pads and holes. It is deterministic and driven by a manual clock.
package sandbox

import (
	"sort"

	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
)

const (
	defaultLength = 5
	defaultWidth  = 2
	// Vehicles stop when this close to a drive target.
	arriveDistance = 0.5
)

type orderKind int

const (
	orderNone orderKind = iota
	orderDrive
	orderManeuver
	orderCruise
)

// Order is the AI instruction a vehicle is currently following.
type Order struct {
	Kind     string
	Target   geom.Vec3
	Speed    float64
	Flags    host.DriveFlags
	Maneuver host.Maneuver
	Until    uint64
}

type car struct {
	v host.Vehicle

	// baseSpeed is what the host AI drives at when left alone.
	baseSpeed float64

	order    orderKind
	target   geom.Vec3
	speedCap float64
	flags    host.DriveFlags
	maneuver host.Maneuver
	until    uint64

	indicator host.Indicator
	cleared   int
}

// Box is an axis-aligned obstacle. Props with a model can be found with
// ClosestObjectOfModel; props without one are static world geometry.
type Box struct {
	Min geom.Vec3
	Max geom.Vec3
}

type prop struct {
	obj   host.Object
	box   Box
	world bool
	light []host.LightState
}

// Pad raises the ground inside a rectangle. A pad with Hole set has no ground.
type Pad struct {
	Min  geom.Vec3
	Max  geom.Vec3
	Z    float64
	Hole bool
}

type Host struct {
	now uint64

	cars   map[host.Handle]*car
	props  map[host.Handle]*prop
	roads  []host.Road
	pads   []Pad
	ground float64

	nextID host.Handle

	player        host.Player
	playerVehicle host.Handle

	pullover host.Handle
	pursuit  map[host.Handle]bool
	yielding map[host.Handle]bool
	markers  map[host.Handle]host.Color

	// ClosestRoad ignores roads farther than this.
	maxRoadGap float64
}

func New() *Host {
	return &Host{
		now:        1000,
		cars:       map[host.Handle]*car{},
		props:      map[host.Handle]*prop{},
		nextID:     1,
		pursuit:    map[host.Handle]bool{},
		yielding:   map[host.Handle]bool{},
		markers:    map[host.Handle]host.Color{},
		maxRoadGap: 50,
	}
}

// VehicleSpec describes a vehicle to spawn.
type VehicleSpec struct {
	Model     uint32
	Position  geom.Vec3
	Heading   float64
	Speed     float64
	Length    float64
	Width     float64
	NoDriver  bool
	Police    bool
	Emergency bool
	Siren     bool
	SirenOn   bool
}

func (s *Host) alloc() host.Handle {
	h := s.nextID
	s.nextID++
	return h
}

// AddVehicle spawns a vehicle that cruises along its heading at Speed.
func (s *Host) AddVehicle(spec VehicleSpec) host.Handle {
	if spec.Length <= 0 {
		spec.Length = defaultLength
	}
	if spec.Width <= 0 {
		spec.Width = defaultWidth
	}
	h := s.alloc()
	c := &car{baseSpeed: spec.Speed}
	c.v = host.Vehicle{
		ID:        h,
		Model:     spec.Model,
		Position:  spec.Position,
		Length:    spec.Length,
		Width:     spec.Width,
		Alive:     true,
		HasDriver: !spec.NoDriver,
		Police:    spec.Police,
		Emergency: spec.Emergency,
		HasSiren:  spec.Siren,
		SirenOn:   spec.SirenOn,
	}
	c.setHeading(spec.Heading)
	c.setSpeed(spec.Speed)
	s.cars[h] = c
	return h
}

func (c *car) setHeading(deg float64) {
	c.v.Heading = geom.NormalizeHeading(deg)
	c.v.Forward = geom.HeadingVector(deg)
	c.v.Right = geom.RightOf(c.v.Forward)
}

func (c *car) setSpeed(speed float64) {
	c.v.Speed = speed
	c.v.Velocity = c.v.Forward.Scale(speed)
}

// AddProp places a traffic-control object (or any modelled prop) with a
// collision box of the given size centred on pos.
func (s *Host) AddProp(model uint32, pos geom.Vec3, heading float64, size geom.Vec3) host.Handle {
	h := s.alloc()
	fwd := geom.HeadingVector(heading)
	half := size.Scale(0.5)
	s.props[h] = &prop{
		obj: host.Object{ID: h, Model: model, Position: pos, Forward: fwd, Heading: geom.NormalizeHeading(heading)},
		box: Box{Min: pos.Sub(half), Max: pos.Add(half)},
	}
	return h
}

// AddWall adds static world geometry hit by TraceWorld.
func (s *Host) AddWall(b Box) host.Handle {
	h := s.alloc()
	s.props[h] = &prop{box: b, world: true, obj: host.Object{ID: h, Position: b.Min.Add(b.Max).Scale(0.5)}}
	return h
}

func (s *Host) AddRoad(a, b geom.Vec3) { s.roads = append(s.roads, host.Road{A: a, B: b}) }
func (s *Host) AddPad(p Pad)           { s.pads = append(s.pads, p) }
func (s *Host) SetGround(z float64)    { s.ground = z }

func (s *Host) Despawn(h host.Handle) {
	delete(s.cars, h)
	delete(s.props, h)
}

// Kill leaves the wreck in the world but marks it dead.
func (s *Host) Kill(h host.Handle) {
	if c := s.cars[h]; c != nil {
		c.v.Alive = false
		c.setSpeed(0)
	}
}

// PutPlayerIn seats the player in h; h == 0 leaves the player on foot where
// they stand.
func (s *Host) PutPlayerIn(h host.Handle) {
	if h != 0 && s.cars[h] == nil {
		return
	}
	s.playerVehicle = h
	s.syncPlayer()
}

func (s *Host) PlacePlayer(pos geom.Vec3, heading float64) {
	s.playerVehicle = 0
	s.player.Position = pos
	s.player.Heading = geom.NormalizeHeading(heading)
	s.player.Forward = geom.HeadingVector(heading)
	s.player.Right = geom.RightOf(s.player.Forward)
	s.player.Speed = 0
	s.player.Vehicle = 0
}

func (s *Host) syncPlayer() {
	c := s.cars[s.playerVehicle]
	if c == nil {
		s.player.Vehicle = 0
		return
	}
	s.player = host.Player{
		Position: c.v.Position,
		Forward:  c.v.Forward,
		Right:    c.v.Right,
		Speed:    c.v.Speed,
		Heading:  c.v.Heading,
		Vehicle:  c.v.ID,
	}
}

// SetSpeed changes the cruise speed of a vehicle (the ego included).
func (s *Host) SetSpeed(h host.Handle, speed float64) {
	if c := s.cars[h]; c != nil {
		c.baseSpeed = speed
		if c.order == orderNone || c.order == orderCruise {
			c.setSpeed(speed)
		}
	}
	s.syncPlayer()
}

func (s *Host) SetHeading(h host.Handle, deg float64) {
	if c := s.cars[h]; c != nil {
		c.setHeading(deg)
		c.setSpeed(c.v.Speed)
	}
	s.syncPlayer()
}

func (s *Host) Teleport(h host.Handle, pos geom.Vec3) {
	if c := s.cars[h]; c != nil {
		c.v.Position = pos
	}
	s.syncPlayer()
}

func (s *Host) SetSiren(h host.Handle, on bool) {
	if c := s.cars[h]; c != nil && c.v.HasSiren {
		c.v.SirenOn = on
	}
}

func (s *Host) SetPullover(h host.Handle)         { s.pullover = h }
func (s *Host) SetPursuit(h host.Handle, on bool) { s.pursuit[h] = on }
func (s *Host) Advance(ms uint64)                 { s.now += ms }

// Handles lists live and dead vehicles in handle order.
func (s *Host) Handles() []host.Handle {
	out := make([]host.Handle, 0, len(s.cars))
	for h := range s.cars {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Order reports the current AI instruction of h.
func (s *Host) Order(h host.Handle) Order {
	c := s.cars[h]
	if c == nil {
		return Order{}
	}
	o := Order{Target: c.target, Speed: c.speedCap, Flags: c.flags, Maneuver: c.maneuver, Until: c.until}
	switch c.order {
	case orderDrive:
		o.Kind = "DRIVE"
	case orderManeuver:
		o.Kind = "MANEUVER"
	case orderCruise:
		o.Kind = "CRUISE"
	}
	return o
}

func (s *Host) Indicator(h host.Handle) host.Indicator {
	if c := s.cars[h]; c != nil {
		return c.indicator
	}
	return host.IndicatorOff
}

// ClearCount is how many times ClearTasks reached h.
func (s *Host) ClearCount(h host.Handle) int {
	if c := s.cars[h]; c != nil {
		return c.cleared
	}
	return 0
}

func (s *Host) Marker(h host.Handle) (host.Color, bool) {
	c, ok := s.markers[h]
	return c, ok
}

func (s *Host) LightHistory(h host.Handle) []host.LightState {
	if p := s.props[h]; p != nil {
		return append([]host.LightState(nil), p.light...)
	}
	return nil
}

func (s *Host) DefaultYielding(h host.Handle) (on, set bool) {
	on, set = s.yielding[h]
	return on, set
}

// --- host.World

func (s *Host) VehiclesNear(center geom.Vec3, radius float64) []host.Vehicle {
	var out []host.Vehicle
	for _, h := range s.Handles() {
		c := s.cars[h]
		if h == s.playerVehicle {
			continue
		}
		if c.v.Position.Dist(center) <= radius {
			out = append(out, c.v)
		}
	}
	return out
}

func (s *Host) Vehicle(h host.Handle) (host.Vehicle, bool) {
	c := s.cars[h]
	if c == nil {
		return host.Vehicle{}, false
	}
	return c.v, true
}

func (s *Host) GroundHeight(p geom.Vec3) (float64, bool) {
	for i := len(s.pads) - 1; i >= 0; i-- {
		pad := s.pads[i]
		if p.X >= pad.Min.X && p.X <= pad.Max.X && p.Y >= pad.Min.Y && p.Y <= pad.Max.Y {
			if pad.Hole {
				return 0, false
			}
			return pad.Z, true
		}
	}
	return s.ground, true
}

func (s *Host) ClosestRoad(p geom.Vec3) (host.Road, bool) {
	best, bestD := host.Road{}, s.maxRoadGap
	found := false
	for _, r := range s.roads {
		d := geom.ClosestPointOnSegment(r.A, r.B, p).Dist(p)
		if d <= bestD {
			best, bestD, found = r, d, true
		}
	}
	return best, found
}

func (s *Host) ClosestObjectOfModel(p geom.Vec3, radius float64, model uint32) (host.Object, bool) {
	var best host.Object
	bestD := radius
	found := false
	for _, h := range s.propHandles() {
		pr := s.props[h]
		if pr.world || pr.obj.Model != model {
			continue
		}
		if d := pr.obj.Position.Dist(p); d <= bestD {
			best, bestD, found = pr.obj, d, true
		}
	}
	return best, found
}

func (s *Host) Object(h host.Handle) (host.Object, bool) {
	if p := s.props[h]; p != nil && !p.world {
		return p.obj, true
	}
	return host.Object{}, false
}

func (s *Host) propHandles() []host.Handle {
	out := make([]host.Handle, 0, len(s.props))
	for h := range s.props {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// --- host.AI

func (s *Host) ClearTasks(h host.Handle) {
	c := s.cars[h]
	if c == nil || !c.v.HasDriver {
		return
	}
	c.cleared++
	c.order = orderNone
	c.setSpeed(c.baseSpeed)
}

func (s *Host) DriveTo(h host.Handle, target geom.Vec3, speed float64, flags host.DriveFlags) {
	c := s.cars[h]
	if c == nil || !c.v.HasDriver {
		return
	}
	c.order = orderDrive
	c.target = target
	c.speedCap = speed
	c.flags = flags
}

func (s *Host) PerformManeuver(h host.Handle, m host.Maneuver, durationMs uint64) {
	c := s.cars[h]
	if c == nil || !c.v.HasDriver {
		return
	}
	c.order = orderManeuver
	c.maneuver = m
	c.until = s.now + durationMs
	c.setSpeed(0)
}

func (s *Host) Cruise(h host.Handle, speed float64) {
	c := s.cars[h]
	if c == nil || !c.v.HasDriver {
		return
	}
	c.order = orderCruise
	c.speedCap = speed
	c.setSpeed(speed)
}

func (s *Host) SetIndicators(h host.Handle, ind host.Indicator) {
	if c := s.cars[h]; c != nil {
		c.indicator = ind
	}
}

// --- host.Signals, host.Law, host.Players, host.Clock, host.Annotator

func (s *Host) SetLightState(obj host.Handle, state host.LightState) bool {
	p := s.props[obj]
	if p == nil || p.world {
		return false
	}
	p.light = append(p.light, state)
	return true
}

func (s *Host) PulloverSuspect() (host.Handle, bool) {
	if s.pullover == 0 {
		return 0, false
	}
	if _, ok := s.cars[s.pullover]; !ok {
		return 0, false
	}
	return s.pullover, true
}

func (s *Host) IsPursuitSuspect(h host.Handle) bool        { return s.pursuit[h] }
func (s *Host) SetDefaultYielding(h host.Handle, on bool) { s.yielding[h] = on }
func (s *Host) Player() host.Player                       { return s.player }
func (s *Host) Now() uint64                               { return s.now }
func (s *Host) Attach(h host.Handle, c host.Color)        { s.markers[h] = c }
func (s *Host) Detach(h host.Handle)                      { delete(s.markers, h) }

var _ host.Host = (*Host)(nil)
