package replication

import (
	"fmt"
	"time"

	"github.com/halvden/spacefray/pkg/protocol"
	"github.com/halvden/spacefray/pkg/sim"
)

func wireKind(k sim.Kind) (protocol.EntityKind, bool) {
	switch k {
	case sim.KindShip:
		return protocol.KindShip, true
	case sim.KindAsteroid:
		return protocol.KindAsteroid, true
	case sim.KindProjectile:
		return protocol.KindProjectile, true
	default:
		return 0, false
	}
}

func wireProjectile(k sim.ProjectileKind) protocol.ProjectileKind {
	if k == sim.ProjectileRail {
		return protocol.ProjectileRail
	}
	return protocol.ProjectilePlasma
}

func simProjectile(k protocol.ProjectileKind) sim.ProjectileKind {
	if k == protocol.ProjectileRail {
		return sim.ProjectileRail
	}
	return sim.ProjectilePlasma
}

func bodyState(b *sim.Body) protocol.BodyState {
	return protocol.BodyState{Pos: b.Pos, Rot: b.Rot, Vel: b.Vel, VelRot: b.VelRot}
}

func applyBody(b *sim.Body, st protocol.BodyState) {
	b.Pos = st.Pos
	b.Rot = st.Rot
	b.Vel = st.Vel
	b.VelRot = st.VelRot
}

// packEntity serializes a live entity into its wire kind and state blob.
func packEntity(w *sim.World, e sim.Entity) (protocol.EntityKind, []byte, error) {
	body := bodyState(w.Body(e))
	switch w.Kind(e) {
	case sim.KindShip:
		s := w.Ship(e)
		st := &protocol.ShipState{
			BodyState:     body,
			WantThrust:    s.WantThrust,
			WantThrustRot: s.WantThrustRot,
			WantTarget:    s.WantTarget,
			Thrust:        s.Thrust,
			ThrustRot:     s.ThrustRot,
		}
		return protocol.KindShip, protocol.EncodeState(st), nil
	case sim.KindAsteroid:
		return protocol.KindAsteroid, protocol.EncodeState(&body), nil
	case sim.KindProjectile:
		st := &protocol.ProjectileState{
			BodyState: body,
			Kind:      wireProjectile(w.Projectile(e).Kind),
		}
		return protocol.KindProjectile, protocol.EncodeState(st), nil
	default:
		return 0, nil, fmt.Errorf("entity kind %v is not replicable", w.Kind(e))
	}
}

// applyUpdate unpacks a state blob into an existing entity. The blob's
// kind must match the entity's; a mismatch leaves the entity untouched.
// WantFire is deliberately not part of the ship state and survives.
func applyUpdate(w *sim.World, e sim.Entity, u *protocol.EntityUpdate) error {
	want, ok := wireKind(w.Kind(e))
	if !ok || want != u.Kind {
		return fmt.Errorf("%v blob for %v entity", u.Kind, w.Kind(e))
	}
	b := w.Body(e)
	switch u.Kind {
	case protocol.KindShip:
		var st protocol.ShipState
		if err := st.Decode(u.State); err != nil {
			return err
		}
		applyBody(b, st.BodyState)
		s := w.Ship(e)
		s.WantThrust = st.WantThrust
		s.WantThrustRot = st.WantThrustRot
		s.WantTarget = st.WantTarget
		s.Thrust = st.Thrust
		s.ThrustRot = st.ThrustRot
	case protocol.KindAsteroid:
		var st protocol.BodyState
		if err := st.Decode(u.State); err != nil {
			return err
		}
		applyBody(b, st)
	case protocol.KindProjectile:
		var st protocol.ProjectileState
		if err := st.Decode(u.State); err != nil {
			return err
		}
		applyBody(b, st.BodyState)
		w.Projectile(e).Kind = simProjectile(st.Kind)
	default:
		return &protocol.UnknownKindError{Kind: uint8(u.Kind)}
	}
	return nil
}

// spawnFromUpdate materializes a local entity for an update announcing an
// id this node has never seen. The blob is decoded before anything is
// spawned, so a bad update creates nothing.
func spawnFromUpdate(w *sim.World, u *protocol.EntityUpdate) (sim.Entity, error) {
	switch u.Kind {
	case protocol.KindShip:
		var st protocol.ShipState
		if err := st.Decode(u.State); err != nil {
			return sim.Entity{}, err
		}
		e := w.Spawn(sim.KindShip)
		applyBody(w.Body(e), st.BodyState)
		s := w.Ship(e)
		s.WantThrust = st.WantThrust
		s.WantThrustRot = st.WantThrustRot
		s.WantTarget = st.WantTarget
		s.Thrust = st.Thrust
		s.ThrustRot = st.ThrustRot
		return e, nil
	case protocol.KindAsteroid:
		var st protocol.BodyState
		if err := st.Decode(u.State); err != nil {
			return sim.Entity{}, err
		}
		e := w.Spawn(sim.KindAsteroid)
		applyBody(w.Body(e), st)
		return e, nil
	case protocol.KindProjectile:
		var st protocol.ProjectileState
		if err := st.Decode(u.State); err != nil {
			return sim.Entity{}, err
		}
		// SpawnProjectile arms the full lifetime, so the mirror outlives
		// the server's copy and the authoritative delete normally lands
		// first; local expiry only covers a lost delete.
		e := w.SpawnProjectile(simProjectile(st.Kind), st.Pos, st.Rot)
		applyBody(w.Body(e), st.BodyState)
		return e, nil
	default:
		return sim.Entity{}, &protocol.UnknownKindError{Kind: uint8(u.Kind)}
	}
}

// smoothPing folds a new RTT sample into the running estimate. The first
// sample is taken as-is.
func smoothPing(old, sample time.Duration) time.Duration {
	if old == 0 {
		return sample
	}
	return (old*7 + sample) / 8
}
