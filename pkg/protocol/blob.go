package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// EntityKind is the one-byte discriminant prefixed to every EntityUpdate
// state blob. Receivers dispatch on it, never on blob length.
type EntityKind uint8

const (
	KindShip       EntityKind = 0x01 // controllable ship, 56-byte state
	KindAsteroid   EntityKind = 0x02 // ballistic body, 24-byte state
	KindProjectile EntityKind = 0x03 // projectile, 25-byte state
	KindControl    EntityKind = 0x04 // client control intent, 9-byte state
)

func (k EntityKind) String() string {
	switch k {
	case KindShip:
		return "ship"
	case KindAsteroid:
		return "asteroid"
	case KindProjectile:
		return "projectile"
	case KindControl:
		return "control"
	default:
		return fmt.Sprintf("0x%02x", uint8(k))
	}
}

// ProjectileKind distinguishes projectile flavors inside a projectile state.
type ProjectileKind uint8

const (
	ProjectilePlasma ProjectileKind = 1
	ProjectileRail   ProjectileKind = 2
)

// Control flag bits (first byte of a Control state)
const (
	ControlFire      = 0x01 // fire want
	ControlThrustXP  = 0x02 // thrust +x, exclusive with ControlThrustXN
	ControlThrustXN  = 0x04 // thrust -x
	ControlThrustY   = 0x08 // thrust y
	ControlRotatePos = 0x10 // rotate +, exclusive with ControlRotateNeg
	ControlRotateNeg = 0x20 // rotate -
)

var ErrBadStateLength = errors.New("state length does not match entity kind")

// UnknownKindError reports an EntityKind (or projectile kind) outside the
// known set. It is recoverable: the single offending update or entity is
// dropped, never the process.
type UnknownKindError struct {
	Kind uint8
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown entity kind 0x%02x", e.Kind)
}

// StateLen returns the exact state length for a kind. ok is false for an
// unknown kind.
func StateLen(k EntityKind) (n int, ok bool) {
	switch k {
	case KindShip:
		return 56, true
	case KindAsteroid:
		return 24, true
	case KindProjectile:
		return 25, true
	case KindControl:
		return 9, true
	default:
		return 0, false
	}
}

// BodyState is the rigid-body core every replicated entity starts with:
// position, orientation, linear and angular velocity, six floats in wire
// order.
type BodyState struct {
	Pos    [2]float32
	Rot    float32
	Vel    [2]float32
	VelRot float32
}

func (s *BodyState) EncodeTo(w io.Writer) error {
	for _, v := range []float32{s.Pos[0], s.Pos[1], s.Rot, s.Vel[0], s.Vel[1], s.VelRot} {
		if err := WriteFloat32(w, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *BodyState) decodeFrom(r io.Reader) error {
	for _, v := range []*float32{&s.Pos[0], &s.Pos[1], &s.Rot, &s.Vel[0], &s.Vel[1], &s.VelRot} {
		f, err := ReadFloat32(r)
		if err != nil {
			return err
		}
		*v = f
	}
	return nil
}

// Decode parses a 24-byte asteroid state.
func (s *BodyState) Decode(state []byte) error {
	if len(state) != 24 {
		return ErrBadStateLength
	}
	return s.decodeFrom(bytes.NewReader(state))
}

// ShipState is the full replicated ship: the rigid body, the pilot's wants
// (thrust, rotation, aim target) and the engine's actual output. 14 floats,
// 56 bytes.
type ShipState struct {
	BodyState
	WantThrust    [2]float32
	WantThrustRot float32
	WantTarget    [2]float32
	Thrust        [2]float32
	ThrustRot     float32
}

func (s *ShipState) EncodeTo(w io.Writer) error {
	if err := s.BodyState.EncodeTo(w); err != nil {
		return err
	}
	rest := []float32{
		s.WantThrust[0], s.WantThrust[1], s.WantThrustRot,
		s.WantTarget[0], s.WantTarget[1],
		s.Thrust[0], s.Thrust[1], s.ThrustRot,
	}
	for _, v := range rest {
		if err := WriteFloat32(w, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *ShipState) Decode(state []byte) error {
	if len(state) != 56 {
		return ErrBadStateLength
	}
	r := bytes.NewReader(state)
	if err := s.BodyState.decodeFrom(r); err != nil {
		return err
	}
	rest := []*float32{
		&s.WantThrust[0], &s.WantThrust[1], &s.WantThrustRot,
		&s.WantTarget[0], &s.WantTarget[1],
		&s.Thrust[0], &s.Thrust[1], &s.ThrustRot,
	}
	for _, v := range rest {
		f, err := ReadFloat32(r)
		if err != nil {
			return err
		}
		*v = f
	}
	return nil
}

// ProjectileState is a rigid body plus a projectile kind byte, 25 bytes.
type ProjectileState struct {
	BodyState
	Kind ProjectileKind
}

func (s *ProjectileState) EncodeTo(w io.Writer) error {
	if err := s.BodyState.EncodeTo(w); err != nil {
		return err
	}
	return WriteUint8(w, uint8(s.Kind))
}

func (s *ProjectileState) Decode(state []byte) error {
	if len(state) != 25 {
		return ErrBadStateLength
	}
	r := bytes.NewReader(state)
	if err := s.BodyState.decodeFrom(r); err != nil {
		return err
	}
	k, err := ReadUint8(r)
	if err != nil {
		return err
	}
	switch ProjectileKind(k) {
	case ProjectilePlasma, ProjectileRail:
		s.Kind = ProjectileKind(k)
		return nil
	default:
		return &UnknownKindError{Kind: k}
	}
}

// ControlState is the client's control intent for a ship it has authority
// over: one flag byte plus the aim target, 9 bytes. Thrust and rotation
// wants are tri-state (-1, 0, +1); both bits of an exclusive pair set reads
// as neither.
type ControlState struct {
	Fire    bool
	ThrustX float32
	ThrustY float32
	Rot     float32
	Target  [2]float32
}

func (s *ControlState) EncodeTo(w io.Writer) error {
	var flags uint8
	if s.Fire {
		flags |= ControlFire
	}
	if s.ThrustX > 0.5 {
		flags |= ControlThrustXP
	} else if s.ThrustX < -0.5 {
		flags |= ControlThrustXN
	}
	if s.ThrustY > 0.5 {
		flags |= ControlThrustY
	}
	if s.Rot > 0.5 {
		flags |= ControlRotatePos
	} else if s.Rot < -0.5 {
		flags |= ControlRotateNeg
	}
	if err := WriteUint8(w, flags); err != nil {
		return err
	}
	if err := WriteFloat32(w, s.Target[0]); err != nil {
		return err
	}
	return WriteFloat32(w, s.Target[1])
}

func (s *ControlState) Decode(state []byte) error {
	if len(state) != 9 {
		return ErrBadStateLength
	}
	flags := state[0]
	s.Fire = flags&ControlFire != 0
	switch flags & (ControlThrustXP | ControlThrustXN) {
	case ControlThrustXP:
		s.ThrustX = 1
	case ControlThrustXN:
		s.ThrustX = -1
	default:
		s.ThrustX = 0
	}
	if flags&ControlThrustY != 0 {
		s.ThrustY = 1
	} else {
		s.ThrustY = 0
	}
	switch flags & (ControlRotatePos | ControlRotateNeg) {
	case ControlRotatePos:
		s.Rot = 1
	case ControlRotateNeg:
		s.Rot = -1
	default:
		s.Rot = 0
	}
	r := bytes.NewReader(state[1:])
	tx, err := ReadFloat32(r)
	if err != nil {
		return err
	}
	ty, err := ReadFloat32(r)
	if err != nil {
		return err
	}
	s.Target = [2]float32{tx, ty}
	return nil
}

// EncodeState serializes any state blob to bytes.
func EncodeState(s interface{ EncodeTo(io.Writer) error }) []byte {
	buf := new(bytes.Buffer)
	// Buffer writes cannot fail.
	_ = s.EncodeTo(buf)
	return buf.Bytes()
}
