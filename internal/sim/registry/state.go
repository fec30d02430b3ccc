package registry

import (
	"sort"

	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/tasks"
)

type IntersectionKind string

const (
	StopSign     IntersectionKind = "STOP_SIGN"
	TrafficLight IntersectionKind = "TRAFFIC_LIGHT"
)

type Intersection struct {
	Center      geom.Vec3
	Kind        IntersectionKind
	Object      host.Handle
	ActivatedAt uint64
}

func (r *Registry) Intersection() (Intersection, bool) {
	if r.active == nil {
		return Intersection{}, false
	}
	return *r.active, true
}

func (r *Registry) Activate(in Intersection) {
	r.active = &in
}

// Deactivate forgets the active intersection and starts the re-scan cooldown.
func (r *Registry) Deactivate(now uint64) {
	r.active = nil
	r.clearedAt = now
	r.hasCleared = true
}

// ResetIntersection forgets the active intersection without touching the
// cooldown.
func (r *Registry) ResetIntersection() {
	r.active = nil
}

// CooldownElapsed reports whether a new intersection may be detected. Before
// the first clear there is no cooldown.
func (r *Registry) CooldownElapsed(now, cooldownMs uint64) bool {
	if !r.hasCleared {
		return true
	}
	return now-r.clearedAt >= cooldownMs
}

func (r *Registry) ClearedAt() (uint64, bool) { return r.clearedAt, r.hasCleared }

type Scan string

const (
	ScanYield                  Scan = "yield"
	ScanIntersectionDetect     Scan = "intersection_detect"
	ScanIntersectionCandidates Scan = "intersection_candidates"
)

func (r *Registry) ScanDue(key Scan, now uint64) bool {
	return now >= r.nextScan[key]
}

func (r *Registry) ScheduleScan(key Scan, now, intervalMs uint64) {
	r.nextScan[key] = now + intervalMs
}

type Action string

const (
	ActionAssign  Action = "ASSIGN"
	ActionRelease Action = "RELEASE"
	ActionReject  Action = "REJECT"
)

// Event is one ownership change, buffered until the engine drains it.
type Event struct {
	At     uint64       `json:"at"`
	Entity host.Handle  `json:"entity"`
	Kind   tasks.Kind   `json:"kind"`
	Action Action       `json:"action"`
	Reason tasks.Reason `json:"reason"`
	Target *geom.Vec3   `json:"target,omitempty"`
}

func (r *Registry) emit(h host.Handle, k tasks.Kind, a Action, reason tasks.Reason, target *geom.Vec3) {
	r.events = append(r.events, Event{At: r.now(), Entity: h, Kind: k, Action: a, Reason: reason, Target: target})
}

// Drain returns the buffered events and clears the buffer.
func (r *Registry) Drain() []Event {
	out := r.events
	r.events = nil
	return out
}

// Failure records why no target was found for a candidate.
type Failure struct {
	Entity    host.Handle   `json:"entity"`
	Subsystem string        `json:"subsystem"`
	Reason    tasks.Failure `json:"reason"`
	Point     geom.Vec3     `json:"point"`
}

func (r *Registry) RecordFailure(f Failure) {
	m := r.failures[f.Subsystem]
	if m == nil {
		m = map[host.Handle]Failure{}
		r.failures[f.Subsystem] = m
	}
	m[f.Entity] = f
}

func (r *Registry) ClearFailures(subsystem string) {
	delete(r.failures, subsystem)
}

// Failures returns every recorded failure ordered by subsystem then entity.
func (r *Registry) Failures() []Failure {
	var out []Failure
	for _, m := range r.failures {
		for _, f := range m {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subsystem != out[j].Subsystem {
			return out[i].Subsystem < out[j].Subsystem
		}
		return out[i].Entity < out[j].Entity
	})
	return out
}

// Reset drops all state without touching the host. Callers release first.
func (r *Registry) Reset() {
	r.active = nil
	r.nextScan = map[Scan]uint64{}
	r.failures = map[string]map[host.Handle]Failure{}
}
