// Package sim is the entity store and the minimal space-combat simulation
// the replication stages operate on. One World per node; the server's is
// authoritative, a client's holds its view of the server's.
//
// Everything is single-threaded: the tick loop owns the World and nothing
// else touches it. Structural changes requested while iterating (weapon
// fire spawning a projectile, say) go through the deferred command buffer
// and land at the next Flush.
package sim

import "math/rand"

// Entity is a handle into the world: a slot index plus the generation the
// slot had when the entity was created. The zero Entity is "no entity";
// generations start at 1, so a valid handle is never zero and neither is
// the wire id derived from it.
type Entity struct {
	Index      uint32
	Generation uint32
}

// Valid reports whether the handle refers to an entity at all. It does not
// check liveness; see World.Alive.
func (e Entity) Valid() bool { return e.Generation != 0 }

// ID is the entity's wire identity, generation in the high half and index
// in the low half.
func (e Entity) ID() uint64 { return uint64(e.Generation)<<32 | uint64(e.Index) }

// EntityFromID recovers the handle encoded in a wire id.
func EntityFromID(id uint64) Entity {
	return Entity{Index: uint32(id), Generation: uint32(id >> 32)}
}

type slot struct {
	generation uint32
	live       bool
	kind       Kind
	body       Body
	ship       Ship
	projectile Projectile
	repl       Replication
}

// World owns every entity on one node.
type World struct {
	slots []slot
	free  []uint32

	deferred  []func(*World)
	destroys  []Entity
	deletions []uint64

	// asteroidDelay counts down to the next asteroid spawn when the
	// population is below AsteroidTarget.
	asteroidDelay float32
	haveDelay     bool
	rng           *rand.Rand

	// AsteroidTarget is the asteroid population Step maintains. 0 turns
	// spawning off, which also keeps Step deterministic.
	AsteroidTarget int
}

// NewWorld creates an empty world.
func NewWorld() *World {
	return &World{}
}

// Spawn creates a live entity of the given kind and returns its handle.
// New entities are dirty so the next send pass announces them. Call Defer
// instead when iterating.
func (w *World) Spawn(kind Kind) Entity {
	var idx uint32
	if n := len(w.free); n > 0 {
		idx = w.free[n-1]
		w.free = w.free[:n-1]
	} else {
		w.slots = append(w.slots, slot{})
		idx = uint32(len(w.slots) - 1)
	}
	s := &w.slots[idx]
	s.generation++
	s.live = true
	s.kind = kind
	s.body = Body{}
	s.ship = Ship{}
	s.projectile = Projectile{}
	s.repl = Replication{Dirty: true}
	return Entity{Index: idx, Generation: s.generation}
}

// Destroy requests removal of an entity. The removal is deferred to the
// next Flush; until then the entity stays live. Destroying a dead or stale
// handle is a no-op.
func (w *World) Destroy(e Entity) {
	w.destroys = append(w.destroys, e)
}

// Defer queues a command to run at the next Flush. Commands run in order.
func (w *World) Defer(fn func(*World)) {
	w.deferred = append(w.deferred, fn)
}

// Flush runs the deferred commands, then applies the requested destroys.
// A destroyed entity that a send pass had already announced (its wire id
// is assigned) lands on the pending-deletion queue so the deletion gets
// broadcast; one that was never announced vanishes silently.
func (w *World) Flush() {
	cmds := w.deferred
	w.deferred = nil
	for _, fn := range cmds {
		fn(w)
	}

	for _, e := range w.destroys {
		s := w.lookup(e)
		if s == nil {
			continue
		}
		if s.repl.ID != 0 {
			w.deletions = append(w.deletions, s.repl.ID)
		}
		s.live = false
		w.free = append(w.free, e.Index)
	}
	w.destroys = w.destroys[:0]
}

// DrainDeletions returns the wire ids of announced entities destroyed
// since the last call and clears the queue.
func (w *World) DrainDeletions() []uint64 {
	d := w.deletions
	w.deletions = nil
	return d
}

func (w *World) lookup(e Entity) *slot {
	if !e.Valid() || int(e.Index) >= len(w.slots) {
		return nil
	}
	s := &w.slots[e.Index]
	if !s.live || s.generation != e.Generation {
		return nil
	}
	return s
}

// Alive reports whether the handle refers to a live entity.
func (w *World) Alive(e Entity) bool { return w.lookup(e) != nil }

// Count returns the number of live entities.
func (w *World) Count() int {
	n := 0
	for i := range w.slots {
		if w.slots[i].live {
			n++
		}
	}
	return n
}

// Each calls fn for every entity live when the iteration started.
// Entities spawned during the iteration are not visited.
func (w *World) Each(fn func(Entity)) {
	n := len(w.slots)
	for i := 0; i < n; i++ {
		s := &w.slots[i]
		if !s.live {
			continue
		}
		fn(Entity{Index: uint32(i), Generation: s.generation})
	}
}

// Kind returns the entity's kind, or 0 for a dead handle.
func (w *World) Kind(e Entity) Kind {
	s := w.lookup(e)
	if s == nil {
		return 0
	}
	return s.kind
}

// Body returns the entity's rigid body, or nil for a dead handle.
func (w *World) Body(e Entity) *Body {
	s := w.lookup(e)
	if s == nil {
		return nil
	}
	return &s.body
}

// Ship returns the entity's ship component, or nil when the entity is not
// a live ship.
func (w *World) Ship(e Entity) *Ship {
	s := w.lookup(e)
	if s == nil || s.kind != KindShip {
		return nil
	}
	return &s.ship
}

// Projectile returns the entity's projectile component, or nil when the
// entity is not a live projectile.
func (w *World) Projectile(e Entity) *Projectile {
	s := w.lookup(e)
	if s == nil || s.kind != KindProjectile {
		return nil
	}
	return &s.projectile
}

// Repl returns the entity's replication bookkeeping, or nil for a dead
// handle.
func (w *World) Repl(e Entity) *Replication {
	s := w.lookup(e)
	if s == nil {
		return nil
	}
	return &s.repl
}

// FindReplicated returns the live entity whose attached wire id matches,
// for worlds that learn ids from the network rather than assigning them.
// Returns the zero Entity when no entity matches.
func (w *World) FindReplicated(id uint64) Entity {
	for i := range w.slots {
		s := &w.slots[i]
		if s.live && s.repl.ID == id {
			return Entity{Index: uint32(i), Generation: s.generation}
		}
	}
	return Entity{}
}
