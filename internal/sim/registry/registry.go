// Package registry is the single store of per-vehicle task state. Every
// subsystem reads and mutates tasks through it; nothing else keeps copies.
// It is not safe for concurrent use: all calls happen on the tick thread.
package registry

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/samber/lo"

	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/tasks"
)

var (
	ErrOwned        = errors.New("vehicle already owned")
	ErrNotOwned     = errors.New("vehicle not owned")
	ErrKindMismatch = errors.New("task kind mismatch")
)

type Deps struct {
	World     host.World
	AI        host.AI
	Annotator host.Annotator
	Clock     host.Clock
	Logger    *log.Logger
	// Annotate enables debug markers on controlled vehicles.
	Annotate bool
}

type Registry struct {
	world host.World
	ai    host.AI
	ann   host.Annotator
	clock host.Clock
	log   *log.Logger

	annotate bool

	tasks       map[host.Handle]tasks.Task
	annotations map[host.Handle]host.Color

	active     *Intersection
	clearedAt  uint64
	hasCleared bool

	nextScan map[Scan]uint64

	events   []Event
	failures map[string]map[host.Handle]Failure
}

func New(d Deps) *Registry {
	lg := d.Logger
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	return &Registry{
		world:       d.World,
		ai:          d.AI,
		ann:         d.Annotator,
		clock:       d.Clock,
		log:         lg,
		annotate:    d.Annotate && d.Annotator != nil,
		tasks:       map[host.Handle]tasks.Task{},
		annotations: map[host.Handle]host.Color{},
		nextScan:    map[Scan]uint64{},
		failures:    map[string]map[host.Handle]Failure{},
	}
}

func (r *Registry) now() uint64 {
	if r.clock == nil {
		return 0
	}
	return r.clock.Now()
}

// Owned reports whether any subsystem controls h.
func (r *Registry) Owned(h host.Handle) bool {
	_, ok := r.tasks[h]
	return ok
}

func (r *Registry) Owner(h host.Handle) (tasks.Kind, bool) {
	t, ok := r.tasks[h]
	if !ok {
		return "", false
	}
	return t.Kind(), true
}

func (r *Registry) Task(h host.Handle) (tasks.Task, bool) {
	t, ok := r.tasks[h]
	return t, ok
}

// Assign records a new task for h. An owned vehicle is never overwritten: the
// attempt is logged, recorded as a REJECT event and ErrOwned is returned.
func (r *Registry) Assign(h host.Handle, t tasks.Task) error {
	if t == nil {
		return fmt.Errorf("assign %d: nil task", h)
	}
	if cur, ok := r.tasks[h]; ok {
		r.log.Printf("assign %s to %d rejected: owned by %s", t.Kind(), h, cur.Kind())
		r.emit(h, t.Kind(), ActionReject, tasks.ReasonOwned, targetOf(t))
		return fmt.Errorf("%w: %d by %s", ErrOwned, h, cur.Kind())
	}
	r.tasks[h] = t
	r.Annotate(h, tasks.Color(t.Kind()))
	r.emit(h, t.Kind(), ActionAssign, tasks.ReasonAssigned, targetOf(t))
	return nil
}

// Update replaces the task of h with progress of the same kind.
func (r *Registry) Update(h host.Handle, t tasks.Task) error {
	cur, ok := r.tasks[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotOwned, h)
	}
	if cur.Kind() != t.Kind() {
		return fmt.Errorf("%w: %d holds %s, got %s", ErrKindMismatch, h, cur.Kind(), t.Kind())
	}
	r.tasks[h] = t
	return nil
}

// Release hands h back to the host AI. It tolerates vehicles that no longer
// exist and is a no-op for vehicles the registry does not track.
func (r *Registry) Release(h host.Handle, reason tasks.Reason) bool {
	t, owned := r.tasks[h]
	_, marked := r.annotations[h]
	if !owned && !marked {
		return false
	}
	if v, ok := r.world.Vehicle(h); ok {
		if owned && t.Kind() == tasks.KindYield {
			r.ai.SetIndicators(h, host.IndicatorOff)
		}
		if v.HasDriver {
			r.ai.ClearTasks(h)
		}
	}
	if marked {
		r.ann.Detach(h)
		delete(r.annotations, h)
	}
	if owned {
		delete(r.tasks, h)
		r.emit(h, t.Kind(), ActionRelease, reason, nil)
	}
	return true
}

// ReleaseKinds releases every vehicle holding one of kinds.
func (r *Registry) ReleaseKinds(reason tasks.Reason, kinds ...tasks.Kind) int {
	n := 0
	for _, h := range r.sortedHandles(func(t tasks.Task) bool { return lo.Contains(kinds, t.Kind()) }) {
		if r.Release(h, reason) {
			n++
		}
	}
	return n
}

// ReleaseAll releases every tracked vehicle exactly once, including vehicles
// that only carry an annotation.
func (r *Registry) ReleaseAll(reason tasks.Reason) int {
	all := lo.Uniq(append(lo.Keys(r.tasks), lo.Keys(r.annotations)...))
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	n := 0
	for _, h := range all {
		if r.Release(h, reason) {
			n++
		}
	}
	return n
}

// Handles returns the vehicles holding kind, in handle order.
func (r *Registry) Handles(kind tasks.Kind) []host.Handle {
	return r.sortedHandles(func(t tasks.Task) bool { return t.Kind() == kind })
}

func (r *Registry) Count(kind tasks.Kind) int {
	n := 0
	for _, t := range r.tasks {
		if t.Kind() == kind {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int { return len(r.tasks) }

func (r *Registry) sortedHandles(keep func(tasks.Task) bool) []host.Handle {
	out := make([]host.Handle, 0, len(r.tasks))
	for h, t := range r.tasks {
		if keep(t) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Annotate attaches a debug marker once per vehicle.
func (r *Registry) Annotate(h host.Handle, c host.Color) {
	if !r.annotate || c == "" {
		return
	}
	if _, ok := r.annotations[h]; ok {
		return
	}
	r.ann.Attach(h, c)
	r.annotations[h] = c
}

func (r *Registry) Annotation(h host.Handle) (host.Color, bool) {
	c, ok := r.annotations[h]
	return c, ok
}

func targetOf(t tasks.Task) *geom.Vec3 {
	if tt, ok := t.(tasks.Targeted); ok {
		p := tt.TargetPosition()
		return &p
	}
	return nil
}
