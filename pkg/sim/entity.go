package sim

// Kind discriminates what an entity is. An entity keeps one kind for its
// whole life.
type Kind uint8

const (
	KindShip Kind = iota + 1
	KindAsteroid
	KindProjectile
)

func (k Kind) String() string {
	switch k {
	case KindShip:
		return "ship"
	case KindAsteroid:
		return "asteroid"
	case KindProjectile:
		return "projectile"
	default:
		return "unknown"
	}
}

// Body is the rigid-body state every entity carries.
type Body struct {
	Pos    [2]float32
	Rot    float32
	Vel    [2]float32
	VelRot float32
}

// Ship separates control intent (what the pilot wants) from thruster
// output (what the engines deliver). Intent arrives from local input or
// from the owning client's control updates; output ramps toward intent in
// Step. WantFire is intent only and never part of the replicated ship
// state.
type Ship struct {
	WantFire      bool
	WantThrust    [2]float32
	WantThrustRot float32
	WantTarget    [2]float32
	Thrust        [2]float32
	ThrustRot     float32
	Reload        float32
}

// ProjectileKind selects the weapon that fired a projectile.
type ProjectileKind uint8

const (
	ProjectilePlasma ProjectileKind = iota + 1
	ProjectileRail
)

// Projectile is a shot in flight. Lifetime counts down in Step; at zero
// the projectile is destroyed.
type Projectile struct {
	Kind     ProjectileKind
	Lifetime float32
}

// Replication is the per-entity bookkeeping the replication stages keep.
type Replication struct {
	// ID is the wire identity. 0 until the first send pass assigns it
	// (server side) or an update from the server attaches it (client
	// side).
	ID uint64
	// LastSent is the frame of the last broadcast for this entity.
	LastSent uint64
	// Dirty requests a broadcast in the next send pass.
	Dirty bool
	// Controlled marks entities driven by input on this node.
	Controlled bool
	// Owner is the client id steering this entity on the server. 0 when
	// nobody does.
	Owner uint64
}
