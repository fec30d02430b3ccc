package engine

import (
	"clearpath.ai/internal/observerproto"
	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/tasks"
)

func vec(v geom.Vec3) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

// Snapshot describes the current tick for the observer stream.
func (e *Engine) Snapshot() observerproto.TickMsg {
	msg := observerproto.TickMsg{
		Type:            "TICK",
		ProtocolVersion: observerproto.Version,
		Tick:            e.tick,
		Now:             e.host.Now(),
		Engaged:         e.engaged,
		InVehicle:       e.inVehicle,
		Paused:          e.paused,
		Tasks:           []observerproto.TaskState{},
	}
	if e.lastEgo != nil {
		eg := e.lastEgo
		msg.Ego = &observerproto.EgoState{
			Entity:    uint64(eg.Vehicle.ID),
			Pos:       vec(eg.Position()),
			Heading:   eg.Vehicle.Heading,
			Speed:     eg.Vehicle.Speed,
			Predicted: vec(eg.Predicted.Position),
		}
	}
	if in, ok := e.reg.Intersection(); ok {
		msg.Intersection = &observerproto.IntersectionState{
			Kind:        string(in.Kind),
			Center:      vec(in.Center),
			Object:      uint64(in.Object),
			ActivatedAt: in.ActivatedAt,
		}
	}

	for _, k := range tasks.Kinds {
		for _, h := range e.reg.Handles(k) {
			t, _ := e.reg.Task(h)
			ts := observerproto.TaskState{Entity: uint64(h), Kind: string(k), Color: string(tasks.Color(k))}
			if v, ok := e.host.Vehicle(h); ok {
				ts.Pos = vec(v.Position)
			}
			if tt, ok := t.(tasks.Targeted); ok {
				target := vec(tt.TargetPosition())
				ts.Target = &target
			}
			ts.StartedAt = startedAt(t)
			msg.Tasks = append(msg.Tasks, ts)
		}
	}

	for _, ev := range e.lastEvents {
		de := observerproto.DecisionEvent{
			At:     ev.At,
			Entity: uint64(ev.Entity),
			Kind:   string(ev.Kind),
			Action: string(ev.Action),
			Reason: string(ev.Reason),
		}
		if ev.Target != nil {
			target := vec(*ev.Target)
			de.Target = &target
		}
		msg.Events = append(msg.Events, de)
	}
	for _, f := range e.reg.Failures() {
		msg.Failures = append(msg.Failures, observerproto.FailureState{
			Entity:    uint64(f.Entity),
			Subsystem: f.Subsystem,
			Reason:    f.Reason.String(),
			Point:     vec(f.Point),
		})
	}
	return msg
}

func startedAt(t tasks.Task) uint64 {
	switch t := t.(type) {
	case tasks.Yield:
		return t.StartedAt
	case tasks.OncomingBrake:
		return t.StartedAt
	case tasks.Creep:
		return t.StartedAt
	case tasks.IntersectionStop:
		return t.StartedAt
	case tasks.AroundPlayer:
		return t.StartedAt
	}
	return 0
}

// Bootstrap describes the run for observers before the first tick.
func (e *Engine) Bootstrap() observerproto.BootstrapResponse {
	f := e.cfg.Features
	colors := make(map[string]string, len(tasks.Kinds))
	kinds := make([]string, 0, len(tasks.Kinds))
	for _, k := range tasks.Kinds {
		kinds = append(kinds, string(k))
		colors[string(k)] = string(tasks.Color(k))
	}
	return observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		RunID:           e.runID,
		Tick:            e.tick,
		Now:             e.host.Now(),
		Features: map[string]bool{
			"same_side_yield":      f.SameSideYield,
			"oncoming_braking":     f.OncomingBraking,
			"intersection_control": f.IntersectionControl,
			"intersection_creep":   f.IntersectionCreep,
			"opticom":              f.Opticom,
			"around_player":        f.AroundPlayer,
			"prediction":           f.Prediction,
		},
		SubsystemOrder: f.SubsystemOrder,
		TaskKinds:      kinds,
		TaskColors:     colors,
	}
}
