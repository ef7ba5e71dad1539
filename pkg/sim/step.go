package sim

import (
	"math"
	"math/rand"
	"time"
)

// ArenaHalf is the half-extent of the toroidal arena. A body crossing one
// edge re-enters at the opposite one.
const ArenaHalf float32 = 150.0

const (
	shipAccel    float32 = 10.0 // thruster acceleration, units/s^2
	shipRotSpeed float32 = 5.0  // rotation rate at full rotational thrust, rad/s
	thrustRamp   float32 = 8.0  // thruster slew toward intent, 1/s
	dragFactor   float32 = 0.04
	reloadTime   float32 = 1.5
	noseOffset   float32 = 2.2
	recoilSpeed  float32 = 6.0

	plasmaSpeed    float32 = 60.0
	railSpeed      float32 = 35.0
	plasmaLifetime float32 = 4.0
	railLifetime   float32 = 8.0
)

// Step advances the simulation by dt seconds: thrusters ramp toward
// intent, guns fire, projectiles expire, asteroids keep their population,
// bodies integrate and wrap. Spawns and destroys issued during the step
// are deferred; the caller flushes afterwards.
//
// Drift alone does not mark anything dirty. Every node integrates the same
// equations, so only intent changes and spawns need announcing; the
// staleness resend covers accumulated divergence.
func (w *World) Step(dt float32) {
	w.stepShips(dt)
	w.stepProjectiles(dt)
	w.stepAsteroids(dt)
	w.integrate(dt)
}

func (w *World) stepShips(dt float32) {
	w.Each(func(e Entity) {
		s := w.Ship(e)
		if s == nil {
			return
		}
		b := w.Body(e)

		// Thruster output slews toward intent. Forward thrust cannot go
		// negative; there is no reverse engine.
		s.Thrust[0] = approach(s.Thrust[0], clamp(s.WantThrust[0], -1, 1), thrustRamp*dt)
		s.Thrust[1] = approach(s.Thrust[1], clamp(s.WantThrust[1], 0, 1), thrustRamp*dt)
		s.ThrustRot = approach(s.ThrustRot, clamp(s.WantThrustRot, -1, 1), thrustRamp*dt)

		b.VelRot = s.ThrustRot * shipRotSpeed

		sin, cos := math.Sincos(float64(b.Rot))
		dir := [2]float32{float32(cos), float32(sin)}
		// Body-frame thrust: y along the nose, x across it.
		b.Vel[0] += (dir[0]*s.Thrust[1] - dir[1]*s.Thrust[0]) * shipAccel * dt
		b.Vel[1] += (dir[1]*s.Thrust[1] + dir[0]*s.Thrust[0]) * shipAccel * dt

		// Quadratic drag.
		speed := float32(math.Hypot(float64(b.Vel[0]), float64(b.Vel[1])))
		b.Vel[0] -= b.Vel[0] * dragFactor * speed * dt
		b.Vel[1] -= b.Vel[1] * dragFactor * speed * dt

		if s.Reload > 0 {
			s.Reload -= dt
		} else if s.WantFire {
			s.Reload = reloadTime
			pos := [2]float32{b.Pos[0] + dir[0]*noseOffset, b.Pos[1] + dir[1]*noseOffset}
			rot := b.Rot
			w.Defer(func(w *World) {
				w.SpawnProjectile(ProjectilePlasma, pos, rot)
			})
			b.Vel[0] -= dir[0] * recoilSpeed
			b.Vel[1] -= dir[1] * recoilSpeed
			w.Repl(e).Dirty = true
		}
	})
}

// SpawnProjectile creates a shot at pos heading along rot, with the speed
// and lifetime of its kind.
func (w *World) SpawnProjectile(kind ProjectileKind, pos [2]float32, rot float32) Entity {
	e := w.Spawn(KindProjectile)
	sin, cos := math.Sincos(float64(rot))
	speed, life := plasmaSpeed, plasmaLifetime
	if kind == ProjectileRail {
		speed, life = railSpeed, railLifetime
	}
	b := w.Body(e)
	b.Pos = pos
	b.Rot = rot
	b.Vel = [2]float32{speed * float32(cos), speed * float32(sin)}
	p := w.Projectile(e)
	p.Kind = kind
	p.Lifetime = life
	return e
}

func (w *World) stepProjectiles(dt float32) {
	w.Each(func(e Entity) {
		p := w.Projectile(e)
		if p == nil {
			return
		}
		p.Lifetime -= dt
		if p.Lifetime <= 0 {
			w.Destroy(e)
		}
	})
}

func (w *World) stepAsteroids(dt float32) {
	if w.AsteroidTarget <= 0 {
		return
	}
	count := 0
	w.Each(func(e Entity) {
		if w.Kind(e) == KindAsteroid {
			count++
		}
	})
	if w.haveDelay {
		w.asteroidDelay -= dt
		if w.asteroidDelay <= 0 {
			w.haveDelay = false
			w.spawnAsteroid()
		}
	} else if count < w.AsteroidTarget {
		// Refill faster the emptier the field is.
		w.asteroidDelay = 2.0 - 0.2*float32(w.AsteroidTarget-count)
		w.haveDelay = true
	}
}

func (w *World) spawnAsteroid() {
	if w.rng == nil {
		w.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	edges := [4][2]float32{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
	edge := edges[w.rng.Intn(len(edges))]

	span := ArenaHalf * 0.9
	e := w.Spawn(KindAsteroid)
	b := w.Body(e)
	b.Pos = [2]float32{
		edge[0]*span + edge[1]*w.randRange(-span, span),
		edge[1]*span + edge[0]*w.randRange(-span, span),
	}
	b.Rot = w.randRange(0, 2*math.Pi)
	// Slow drift inward with some scatter.
	b.Vel = [2]float32{
		w.randRange(-0.5, 0.5) - edge[0]*2.0,
		w.randRange(-0.5, 0.5) - edge[1]*2.0,
	}
	b.VelRot = w.randRange(-2, 2)
}

func (w *World) randRange(lo, hi float32) float32 {
	return lo + (hi-lo)*w.rng.Float32()
}

func (w *World) integrate(dt float32) {
	w.Each(func(e Entity) {
		b := w.Body(e)
		b.Pos[0] = wrap(b.Pos[0] + b.Vel[0]*dt)
		b.Pos[1] = wrap(b.Pos[1] + b.Vel[1]*dt)
		b.Rot += b.VelRot * dt
	})
}

// wrap folds a coordinate back into the arena.
func wrap(x float32) float32 {
	const size = 2 * ArenaHalf
	for x < -ArenaHalf {
		x += size
	}
	for x > ArenaHalf {
		x -= size
	}
	return x
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// approach moves cur toward want by at most step.
func approach(cur, want, step float32) float32 {
	switch {
	case cur < want-step:
		return cur + step
	case cur > want+step:
		return cur - step
	default:
		return want
	}
}
