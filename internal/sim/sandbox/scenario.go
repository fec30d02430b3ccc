package sandbox

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
)

// Scenario is a scripted sandbox world loaded from YAML.
type Scenario struct {
	Name       string          `yaml:"name"`
	TickMs     uint64          `yaml:"tick_ms"`
	DurationMs uint64          `yaml:"duration_ms"`
	Ground     float64         `yaml:"ground"`
	Player     PlayerSpec      `yaml:"player"`
	Vehicles   []NamedVehicle  `yaml:"vehicles"`
	Props      []PropSpec      `yaml:"props"`
	Walls      []BoxSpec       `yaml:"walls"`
	Pads       []PadSpec       `yaml:"pads"`
	Roads      []RoadSpec      `yaml:"roads"`
	Pursuit    []string        `yaml:"pursuit"`
	Pullover   string          `yaml:"pullover"`
	Events     []ScenarioEvent `yaml:"events"`

	// Tuning overrides the tuning file for this scenario.
	Tuning yaml.Node `yaml:"tuning"`
}

type PlayerSpec struct {
	Vehicle  string    `yaml:"vehicle"`
	Position geom.Vec3 `yaml:"position"`
	Heading  float64   `yaml:"heading"`
}

type NamedVehicle struct {
	Name      string    `yaml:"name"`
	Model     uint32    `yaml:"model"`
	Position  geom.Vec3 `yaml:"position"`
	Heading   float64   `yaml:"heading"`
	Speed     float64   `yaml:"speed"`
	Length    float64   `yaml:"length"`
	Width     float64   `yaml:"width"`
	NoDriver  bool      `yaml:"no_driver"`
	Police    bool      `yaml:"police"`
	Emergency bool      `yaml:"emergency"`
	Siren     bool      `yaml:"siren"`
	SirenOn   bool      `yaml:"siren_on"`
}

type PropSpec struct {
	Name     string    `yaml:"name"`
	Model    uint32    `yaml:"model"`
	Position geom.Vec3 `yaml:"position"`
	Heading  float64   `yaml:"heading"`
	Size     geom.Vec3 `yaml:"size"`
}

type BoxSpec struct {
	Min geom.Vec3 `yaml:"min"`
	Max geom.Vec3 `yaml:"max"`
}

type PadSpec struct {
	Min  geom.Vec3 `yaml:"min"`
	Max  geom.Vec3 `yaml:"max"`
	Z    float64   `yaml:"z"`
	Hole bool      `yaml:"hole"`
}

type RoadSpec struct {
	A geom.Vec3 `yaml:"a"`
	B geom.Vec3 `yaml:"b"`
}

// ScenarioEvent changes the world at a point in time.
type ScenarioEvent struct {
	AtMs   uint64  `yaml:"at_ms"`
	Action string  `yaml:"action"`
	Target string  `yaml:"target"`
	Value  float64 `yaml:"value"`
}

const (
	EventSpeed    = "speed"
	EventHeading  = "heading"
	EventSirenOn  = "siren_on"
	EventSirenOff = "siren_off"
	EventDespawn  = "despawn"
	EventKill     = "kill"
	EventExit     = "exit_vehicle"
	EventEnter    = "enter_vehicle"
	EventPullover = "pullover"
)

var knownEvents = map[string]struct{}{
	EventSpeed: {}, EventHeading: {}, EventSirenOn: {}, EventSirenOff: {}, EventDespawn: {},
	EventKill: {}, EventExit: {}, EventEnter: {}, EventPullover: {},
}

func LoadScenario(path string) (Scenario, error) {
	var sc Scenario
	raw, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return sc, fmt.Errorf("scenario %s: %w", path, err)
	}
	sc.Normalize()
	if err := sc.Validate(); err != nil {
		return sc, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// TuningYAML returns the scenario's tuning overrides as a YAML document, or
// nil when there are none.
func (sc Scenario) TuningYAML() ([]byte, error) {
	if sc.Tuning.Kind == 0 {
		return nil, nil
	}
	return yaml.Marshal(&sc.Tuning)
}

func (sc *Scenario) Normalize() {
	if sc.TickMs == 0 {
		sc.TickMs = 50
	}
	if sc.DurationMs == 0 {
		sc.DurationMs = 10_000
	}
	sort.SliceStable(sc.Events, func(i, j int) bool { return sc.Events[i].AtMs < sc.Events[j].AtMs })
}

func (sc Scenario) Validate() error {
	names := map[string]bool{}
	for _, v := range sc.Vehicles {
		if strings.TrimSpace(v.Name) == "" {
			return fmt.Errorf("vehicle with empty name")
		}
		if names[v.Name] {
			return fmt.Errorf("duplicate name %q", v.Name)
		}
		names[v.Name] = true
	}
	for _, p := range sc.Props {
		if p.Name != "" {
			if names[p.Name] {
				return fmt.Errorf("duplicate name %q", p.Name)
			}
			names[p.Name] = true
		}
	}
	if sc.Player.Vehicle != "" && !names[sc.Player.Vehicle] {
		return fmt.Errorf("player vehicle %q not defined", sc.Player.Vehicle)
	}
	for _, n := range sc.Pursuit {
		if !names[n] {
			return fmt.Errorf("pursuit vehicle %q not defined", n)
		}
	}
	if sc.Pullover != "" && !names[sc.Pullover] {
		return fmt.Errorf("pullover vehicle %q not defined", sc.Pullover)
	}
	for _, ev := range sc.Events {
		if _, ok := knownEvents[ev.Action]; !ok {
			return fmt.Errorf("event at %d: unknown action %q", ev.AtMs, ev.Action)
		}
		if ev.Target != "" && !names[ev.Target] {
			return fmt.Errorf("event at %d: unknown target %q", ev.AtMs, ev.Target)
		}
	}
	return nil
}

// World is a built scenario: the host plus name lookup and pending events.
type World struct {
	*Host
	Scenario Scenario
	Names    map[string]host.Handle

	start   uint64
	pending []ScenarioEvent
}

func Build(sc Scenario) (*World, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	s := New()
	s.SetGround(sc.Ground)
	w := &World{Host: s, Scenario: sc, Names: map[string]host.Handle{}, start: s.Now()}

	for _, v := range sc.Vehicles {
		w.Names[v.Name] = s.AddVehicle(VehicleSpec{
			Model: v.Model, Position: v.Position, Heading: v.Heading, Speed: v.Speed,
			Length: v.Length, Width: v.Width, NoDriver: v.NoDriver, Police: v.Police,
			Emergency: v.Emergency, Siren: v.Siren, SirenOn: v.SirenOn,
		})
	}
	for _, p := range sc.Props {
		size := p.Size
		if size == (geom.Vec3{}) {
			size = geom.V(0.6, 0.6, 6)
		}
		h := s.AddProp(p.Model, p.Position, p.Heading, size)
		if p.Name != "" {
			w.Names[p.Name] = h
		}
	}
	for _, b := range sc.Walls {
		s.AddWall(Box{Min: b.Min, Max: b.Max})
	}
	for _, p := range sc.Pads {
		s.AddPad(Pad{Min: p.Min, Max: p.Max, Z: p.Z, Hole: p.Hole})
	}
	for _, r := range sc.Roads {
		s.AddRoad(r.A, r.B)
	}
	for _, n := range sc.Pursuit {
		s.SetPursuit(w.Names[n], true)
	}
	if sc.Pullover != "" {
		s.SetPullover(w.Names[sc.Pullover])
	}
	if sc.Player.Vehicle != "" {
		s.PutPlayerIn(w.Names[sc.Player.Vehicle])
	} else {
		s.PlacePlayer(sc.Player.Position, sc.Player.Heading)
	}
	w.pending = append([]ScenarioEvent(nil), sc.Events...)
	return w, nil
}

// Elapsed is the scenario time in ms.
func (w *World) Elapsed() uint64 { return w.Now() - w.start }

func (w *World) Done() bool { return w.Elapsed() >= w.Scenario.DurationMs }

// Step applies due events and advances the world by one scenario tick.
func (w *World) Step() []ScenarioEvent {
	var fired []ScenarioEvent
	for len(w.pending) > 0 && w.pending[0].AtMs <= w.Elapsed() {
		ev := w.pending[0]
		w.pending = w.pending[1:]
		w.apply(ev)
		fired = append(fired, ev)
	}
	w.Host.Step(w.Scenario.TickMs)
	return fired
}

func (w *World) apply(ev ScenarioEvent) {
	h := w.Names[ev.Target]
	switch ev.Action {
	case EventSpeed:
		w.SetSpeed(h, ev.Value)
	case EventHeading:
		w.SetHeading(h, ev.Value)
	case EventSirenOn:
		w.SetSiren(h, true)
	case EventSirenOff:
		w.SetSiren(h, false)
	case EventDespawn:
		w.Despawn(h)
	case EventKill:
		w.Kill(h)
	case EventExit:
		p := w.Player()
		if p.Vehicle != 0 {
			w.SetSpeed(p.Vehicle, 0)
		}
		w.PlacePlayer(p.Position.Add(p.Right.Scale(-2)), p.Heading)
	case EventEnter:
		w.PutPlayerIn(h)
	case EventPullover:
		w.SetPullover(h)
	}
}
