package sandbox

import (
	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/host"
)

// Step advances the clock by dtMs and moves every vehicle.
func (s *Host) Step(dtMs uint64) {
	s.now += dtMs
	dt := float64(dtMs) / 1000
	for _, h := range s.Handles() {
		c := s.cars[h]
		if !c.v.Alive {
			continue
		}
		if h == s.playerVehicle || !c.v.HasDriver {
			s.move(c, c.v.Forward.Scale(c.v.Speed*dt))
			continue
		}
		switch c.order {
		case orderManeuver:
			if s.now >= c.until {
				c.order = orderNone
				c.setSpeed(c.baseSpeed)
			}
			continue
		case orderDrive:
			s.drive(c, dt)
			continue
		}
		s.move(c, c.v.Forward.Scale(c.v.Speed*dt))
	}
	s.syncPlayer()
}

func (s *Host) drive(c *car, dt float64) {
	to := c.target.Sub(c.v.Position).Flat()
	dist := to.Len()
	if dist <= arriveDistance {
		c.setSpeed(0)
		return
	}
	dir := to.Scale(1 / dist)
	step := c.speedCap * dt
	if step > dist {
		step = dist
	}
	if c.flags&host.DriveReverse == 0 {
		c.setHeading(geom.Heading(dir))
	}
	c.v.Speed = c.speedCap
	c.v.Velocity = dir.Scale(c.speedCap)
	s.move(c, dir.Scale(step))
}

func (s *Host) move(c *car, delta geom.Vec3) {
	p := c.v.Position.Add(delta)
	if z, ok := s.GroundHeight(p); ok {
		p.Z = z
	}
	c.v.Position = p
}
