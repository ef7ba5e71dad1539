package protocol

import (
	"bytes"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func genBodyState(t *rapid.T) BodyState {
	f := rapid.Float32Range(-1e6, 1e6)
	return BodyState{
		Pos:    [2]float32{f.Draw(t, "px"), f.Draw(t, "py")},
		Rot:    f.Draw(t, "rot"),
		Vel:    [2]float32{f.Draw(t, "vx"), f.Draw(t, "vy")},
		VelRot: f.Draw(t, "vrot"),
	}
}

func genMessage(t *rapid.T) Message {
	f := rapid.Float32Range(-1e6, 1e6)
	switch rapid.IntRange(0, 10).Draw(t, "variant") {
	case 0:
		return &ClientHello{}
	case 1:
		return &ServerHello{}
	case 2:
		return &Disconnection{}
	case 3:
		return &Ping{Time: rapid.Uint32().Draw(t, "time")}
	case 4:
		return &Pong{Time: rapid.Uint32().Draw(t, "time")}
	case 5:
		return &StartEntityControl{ID: rapid.Uint64().Draw(t, "id")}
	case 6:
		return &EntityDelete{ID: rapid.Uint64().Draw(t, "id")}
	case 7:
		state := &ShipState{
			BodyState:     genBodyState(t),
			WantThrust:    [2]float32{f.Draw(t, "wtx"), f.Draw(t, "wty")},
			WantThrustRot: f.Draw(t, "wtr"),
			WantTarget:    [2]float32{f.Draw(t, "tgx"), f.Draw(t, "tgy")},
			Thrust:        [2]float32{f.Draw(t, "tx"), f.Draw(t, "ty")},
			ThrustRot:     f.Draw(t, "tr"),
		}
		return &EntityUpdate{ID: rapid.Uint64().Draw(t, "id"), Kind: KindShip, State: EncodeState(state)}
	case 8:
		state := genBodyState(t)
		return &EntityUpdate{ID: rapid.Uint64().Draw(t, "id"), Kind: KindAsteroid, State: EncodeState(&state)}
	case 9:
		state := &ProjectileState{
			BodyState: genBodyState(t),
			Kind:      ProjectileKind(rapid.IntRange(1, 2).Draw(t, "pkind")),
		}
		return &EntityUpdate{ID: rapid.Uint64().Draw(t, "id"), Kind: KindProjectile, State: EncodeState(state)}
	default:
		state := &ControlState{
			Fire:    rapid.Bool().Draw(t, "fire"),
			ThrustX: float32(rapid.IntRange(-1, 1).Draw(t, "thrustX")),
			ThrustY: float32(rapid.IntRange(0, 1).Draw(t, "thrustY")),
			Rot:     float32(rapid.IntRange(-1, 1).Draw(t, "rot")),
			Target:  [2]float32{f.Draw(t, "tgx"), f.Draw(t, "tgy")},
		}
		return &EntityUpdate{ID: rapid.Uint64().Draw(t, "id"), Kind: KindControl, State: EncodeState(state)}
	}
}

// TestMessageRoundTrip tests that every encodable message decodes back to
// itself.
func TestMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := genMessage(t)

		buf := Encode(original)
		decoded := Decode(buf)

		if decoded == nil {
			t.Fatalf("decode rejected a valid encoding: % x", buf)
		}
		if !messagesEqual(original, decoded) {
			t.Fatalf("round trip mismatch: %#v != %#v", original, decoded)
		}
	})
}

// TestDecodeNeverPanics feeds arbitrary buffers to Decode. Anything may be
// rejected; nothing may panic.
func TestDecodeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 256).Draw(t, "len")
		buf := rapid.SliceOfN(rapid.Byte(), n, n).Draw(t, "buf")

		Decode(buf)
	})
}

// TestDecodeNeverPanicsOnCorruption starts from a valid encoding and
// applies random mutations: flipped bytes, truncation, padding.
func TestDecodeNeverPanicsOnCorruption(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		buf := Encode(genMessage(t))

		switch rapid.IntRange(0, 2).Draw(t, "mutation") {
		case 0:
			i := rapid.IntRange(0, len(buf)-1).Draw(t, "index")
			buf[i] ^= rapid.Byte().Draw(t, "mask")
		case 1:
			buf = buf[:rapid.IntRange(0, len(buf)).Draw(t, "cut")]
		case 2:
			pad := rapid.IntRange(1, 32).Draw(t, "pad")
			buf = append(buf, make([]byte, pad)...)
		}

		Decode(buf)
	})
}

// TestTimestampElapsedNonNegative tests that an echoed timestamp from the
// recent past is accepted and never yields a negative round-trip time.
func TestTimestampElapsedNonNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// Keep the base at least an hour past a 22-bit seconds wrap so a
		// one-hour age cannot cross the boundary.
		window := rapid.Int64Range(0, 900).Draw(t, "window")
		offset := rapid.Int64Range(4000, 1<<22-1).Draw(t, "offset")
		base := time.Unix(window<<22+offset, rapid.Int64Range(0, 999999999).Draw(t, "nanos"))
		age := time.Duration(rapid.Int64Range(0, int64(time.Hour)).Draw(t, "age"))

		rtt, ok := Elapsed(Timestamp(base.Add(-age)), base)
		if !ok {
			t.Fatalf("past sample discarded: age %v", age)
		}
		if rtt < 0 {
			t.Fatalf("negative rtt %v for age %v", rtt, age)
		}
	})
}

func messagesEqual(a, b Message) bool {
	ua, aok := a.(*EntityUpdate)
	ub, bok := b.(*EntityUpdate)
	if aok != bok {
		return false
	}
	if aok {
		return ua.ID == ub.ID && ua.Kind == ub.Kind && bytes.Equal(ua.State, ub.State)
	}
	switch am := a.(type) {
	case *ClientHello:
		_, ok := b.(*ClientHello)
		return ok
	case *ServerHello:
		_, ok := b.(*ServerHello)
		return ok
	case *Disconnection:
		_, ok := b.(*Disconnection)
		return ok
	case *Ping:
		bm, ok := b.(*Ping)
		return ok && am.Time == bm.Time
	case *Pong:
		bm, ok := b.(*Pong)
		return ok && am.Time == bm.Time
	case *StartEntityControl:
		bm, ok := b.(*StartEntityControl)
		return ok && am.ID == bm.ID
	case *EntityDelete:
		bm, ok := b.(*EntityDelete)
		return ok && am.ID == bm.ID
	default:
		return false
	}
}
