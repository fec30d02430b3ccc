// Package engine is the tick driver. It decides each tick whether the
// player's siren vehicle is engaged, feeds it to the subsystems in the
// configured order and performs the global cleanup on disengage.
package engine

import (
	"io"
	"log"

	"github.com/google/uuid"

	"clearpath.ai/internal/observerproto"
	"clearpath.ai/internal/sim/aroundplayer"
	"clearpath.ai/internal/sim/ego"
	"clearpath.ai/internal/sim/host"
	"clearpath.ai/internal/sim/intersection"
	"clearpath.ai/internal/sim/registry"
	"clearpath.ai/internal/sim/sched"
	"clearpath.ai/internal/sim/tasks"
	"clearpath.ai/internal/sim/tuning"
	"clearpath.ai/internal/sim/yield"
)

// DecisionLogger receives one entry per tick that changed ownership.
type DecisionLogger interface {
	WriteTick(entry TickLogEntry) error
}

type TickLogEntry struct {
	RunID    string             `json:"run_id"`
	Tick     uint64             `json:"tick"`
	Now      uint64             `json:"now"`
	Ego      host.Handle        `json:"ego,omitempty"`
	Engaged  bool               `json:"engaged"`
	Events   []registry.Event   `json:"events,omitempty"`
	Failures []registry.Failure `json:"failures,omitempty"`
}

type Deps struct {
	Host   host.Host
	Logger *log.Logger
	// Annotate attaches debug markers to controlled vehicles.
	Annotate bool
	// RunID defaults to a fresh uuid.
	RunID string
}

type Engine struct {
	cfg   tuning.Tuning
	host  host.Host
	log   *log.Logger
	runID string

	reg   *registry.Registry
	sched *sched.Scheduler

	yield        *yield.System
	intersection *intersection.System
	aroundPlayer *aroundplayer.System

	loggers      []DecisionLogger
	snapshotSink chan<- observerproto.TickMsg

	tick uint64

	sirenVehicle host.Handle
	// silenced is the vehicle whose default yielding is currently off.
	silenced     host.Handle
	engaged      bool
	inVehicle    bool
	stopped      bool
	stoppedSince uint64
	paused       bool

	lastEgo    *ego.Ego
	lastEvents []registry.Event
}

func New(cfg tuning.Tuning, d Deps) *Engine {
	lg := d.Logger
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	runID := d.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	h := d.Host
	reg := registry.New(registry.Deps{World: h, AI: h, Annotator: h, Clock: h, Logger: lg, Annotate: d.Annotate})
	sc := sched.New()
	return &Engine{
		cfg:   cfg,
		host:  h,
		log:   lg,
		runID: runID,
		reg:   reg,
		sched: sc,
		yield: yield.New(cfg, yield.Deps{Registry: reg, World: h, AI: h, Law: h, Clock: h, Logger: lg}),
		intersection: intersection.New(cfg, intersection.Deps{
			Registry: reg, World: h, AI: h, Signals: h, Law: h, Clock: h, Sched: sc, Logger: lg,
		}),
		aroundPlayer: aroundplayer.New(cfg, aroundplayer.Deps{Registry: reg, World: h, AI: h, Law: h, Clock: h, Logger: lg}),
	}
}

func (e *Engine) RunID() string                      { return e.runID }
func (e *Engine) Registry() *registry.Registry       { return e.reg }
func (e *Engine) Scheduler() *sched.Scheduler        { return e.sched }
func (e *Engine) Tuning() tuning.Tuning              { return e.cfg }
func (e *Engine) CurrentTick() uint64                { return e.tick }
func (e *Engine) Engaged() bool                      { return e.engaged }
func (e *Engine) Paused() bool                       { return e.paused }
func (e *Engine) SirenVehicle() host.Handle          { return e.sirenVehicle }
func (e *Engine) AddDecisionLogger(l DecisionLogger) { e.loggers = append(e.loggers, l) }

// SetSnapshotSink streams a TickMsg per tick. Sends never block; a full
// channel drops the tick.
func (e *Engine) SetSnapshotSink(ch chan<- observerproto.TickMsg) { e.snapshotSink = ch }

// Tick runs one frame of the decision engine.
func (e *Engine) Tick() {
	e.tick++
	now := e.host.Now()
	e.sched.RunDue(now)

	p := e.host.Player()
	if p.InVehicle() {
		if v, ok := e.host.Vehicle(p.Vehicle); ok && v.HasSiren {
			e.sirenVehicle = v.ID
		}
	}

	siren, ok := e.host.Vehicle(e.sirenVehicle)
	wasInVehicle := e.inVehicle
	e.engaged = e.sirenVehicle != 0 && ok && siren.Alive && siren.HasSiren && siren.SirenOn
	e.inVehicle = e.engaged && p.Vehicle == siren.ID
	e.lastEgo = nil

	if e.engaged {
		e.aroundPlayer.Process(p)
		if e.inVehicle {
			e.drive(siren, now)
		} else if wasInVehicle {
			e.leaveVehicle()
		}
	} else if e.silenced != 0 {
		e.disengage()
	}

	e.flush(now)
}

func (e *Engine) drive(siren host.Vehicle, now uint64) {
	if e.silenced != siren.ID {
		e.restoreYielding()
		e.host.SetDefaultYielding(siren.ID, false)
		e.silenced = siren.ID
		e.log.Printf("engaged: vehicle %d", siren.ID)
	}

	if siren.Speed < e.cfg.Player.StoppedSpeed {
		if !e.stopped {
			e.stopped = true
			e.stoppedSince = now
		}
	} else {
		e.stopped = false
	}

	eg := ego.New(siren, e.cfg)
	e.lastEgo = &eg

	if e.stopped && now-e.stoppedSince > e.cfg.Player.StoppedTimeoutMs {
		if !e.paused {
			e.pause()
		}
		return
	}
	e.paused = false

	if e.cfg.Features.SubsystemOrder == tuning.OrderYieldFirst {
		e.yield.Process(eg)
		e.intersection.Process(eg)
		return
	}
	e.intersection.Process(eg)
	e.yield.Process(eg)
}

// pause releases the yield and intersection tasks while the player sits
// still for too long. Around-player tasks are left alone.
func (e *Engine) pause() {
	n := e.reg.ReleaseKinds(tasks.ReasonPlayerStopped,
		tasks.KindYield, tasks.KindOncomingBrake, tasks.KindCreep, tasks.KindIntersectionStop)
	e.reg.ClearFailures(intersection.CreepSubsystem)
	e.reg.ResetIntersection()
	e.paused = true
	e.log.Printf("player stopped: released %d, pausing yield and intersection", n)
}

// leaveVehicle drops the tasks only the in-vehicle subsystems reconcile, so
// none of them outlives its timeout while the player is on foot.
func (e *Engine) leaveVehicle() {
	n := e.reg.ReleaseKinds(tasks.ReasonPlayerOnFoot,
		tasks.KindYield, tasks.KindOncomingBrake, tasks.KindCreep, tasks.KindIntersectionStop)
	e.reg.ClearFailures(intersection.CreepSubsystem)
	e.reg.ResetIntersection()
	e.stopped = false
	e.paused = false
	e.log.Printf("player left vehicle %d: released %d", e.sirenVehicle, n)
}

// restoreYielding hands default yielding back to the silenced vehicle if it
// still exists.
func (e *Engine) restoreYielding() {
	if e.silenced == 0 {
		return
	}
	if _, ok := e.host.Vehicle(e.silenced); ok {
		e.host.SetDefaultYielding(e.silenced, true)
	}
	e.silenced = 0
}

func (e *Engine) disengage() {
	e.restoreYielding()
	e.stopped = false
	e.paused = false
	n := e.reg.ReleaseAll(tasks.ReasonDisengaged)
	e.reg.Reset()
	e.log.Printf("disengaged: released %d", n)
}

// Shutdown releases everything and drops pending continuations.
func (e *Engine) Shutdown() {
	e.restoreYielding()
	n := e.reg.ReleaseAll(tasks.ReasonShutdown)
	e.reg.Reset()
	e.sched.Clear()
	e.flush(e.host.Now())
	e.log.Printf("shutdown: released %d", n)
}

func (e *Engine) flush(now uint64) {
	events := e.reg.Drain()
	e.lastEvents = events
	if len(events) > 0 && len(e.loggers) > 0 {
		entry := TickLogEntry{
			RunID:    e.runID,
			Tick:     e.tick,
			Now:      now,
			Ego:      e.sirenVehicle,
			Engaged:  e.engaged,
			Events:   events,
			Failures: e.reg.Failures(),
		}
		for _, l := range e.loggers {
			if err := l.WriteTick(entry); err != nil {
				e.log.Printf("decision log: %v", err)
			}
		}
	}
	if e.snapshotSink != nil {
		select {
		case e.snapshotSink <- e.Snapshot():
		default:
		}
	}
}
