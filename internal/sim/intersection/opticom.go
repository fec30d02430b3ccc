package intersection

import "clearpath.ai/internal/sim/host"

type lightStep struct {
	state  host.LightState
	holdMs uint64
}

// opticomSteps is the override sequence for one light: optional yellow/red
// flashes, green for the configured duration, then hand control back.
func (s *System) opticomSteps() []lightStep {
	o := s.cfg.Opticom
	var steps []lightStep
	if o.FlashYellowFirst {
		for i := 0; i < o.FlashYellowCount; i++ {
			steps = append(steps,
				lightStep{host.LightYellow, o.FlashYellowIntervalMs},
				lightStep{host.LightRed, o.FlashYellowIntervalMs},
			)
		}
	}
	return append(steps, lightStep{host.LightGreen, o.GreenDurationMs}, lightStep{host.LightReset, 0})
}

func (s *System) startOpticom(obj host.Handle, now uint64) {
	s.runOpticom(obj, s.opticomSteps(), now)
}

// runOpticom applies the first step now and schedules the rest. The chain
// stops as soon as the light is gone.
func (s *System) runOpticom(obj host.Handle, steps []lightStep, at uint64) {
	if len(steps) == 0 {
		return
	}
	st := steps[0]
	if o, ok := s.world.Object(obj); !ok || !s.cfg.Intersection.IsTrafficLight(o.Model) {
		s.log.Printf("opticom: light %d gone, sequence stopped", obj)
		return
	}
	if !s.signals.SetLightState(obj, st.state) {
		s.log.Printf("opticom: light %d gone, sequence stopped", obj)
		return
	}
	rest := steps[1:]
	if len(rest) == 0 {
		return
	}
	next := at + st.holdMs
	s.sched.At(next, func(uint64) { s.runOpticom(obj, rest, next) })
}
