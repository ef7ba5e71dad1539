// Package protocol implements the spacefray wire codec: a fixed set of
// message variants exchanged between the simulation server and its clients
// over an unreliable, unordered datagram transport.
//
// Every message is a standalone datagram:
//
//	[Magic+Version (6 bytes "SPAC\x00\x01")][Tag (2 bytes)][Payload (tag-specific)]
//
// Multi-byte integers are big-endian. Lengths are exact per tag; a buffer
// that is short, long, or carries an unknown tag or kind does not decode.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Magic is the 6-byte prefix every message starts with: "SPAC" plus a
// two-byte protocol version.
var Magic = []byte("SPAC\x00\x01")

// HeaderLen is the length of the magic/version prefix plus the type tag.
// No valid message is shorter than this.
const HeaderLen = 8

// Message type tags (2 ASCII bytes following the magic)
const (
	TagClientHello        = "hc"
	TagServerHello        = "hs"
	TagDisconnection      = "ds"
	TagPing               = "pi"
	TagPong               = "po"
	TagStartEntityControl = "ec"
	TagEntityUpdate       = "eu"
	TagEntityDelete       = "er"
)

// Message is implemented by every wire message variant.
type Message interface {
	// Tag returns the two-byte type tag identifying the variant.
	Tag() string
	// EncodeTo writes the payload bytes that follow the header.
	EncodeTo(w io.Writer) error
}

// ClientHello (hc) - client asks to join. The server replies with
// ServerHello.
type ClientHello struct{}

func (*ClientHello) Tag() string                { return TagClientHello }
func (*ClientHello) EncodeTo(w io.Writer) error { return nil }

// ServerHello (hs) - server accepts the connection.
type ServerHello struct{}

func (*ServerHello) Tag() string                { return TagServerHello }
func (*ServerHello) EncodeTo(w io.Writer) error { return nil }

// Disconnection (ds) - either side signals link teardown.
type Disconnection struct{}

func (*Disconnection) Tag() string                { return TagDisconnection }
func (*Disconnection) EncodeTo(w io.Writer) error { return nil }

// Ping (pi) - latency probe. The receiver echoes the opaque timestamp back
// as a Pong; only the original sender interprets it (see clock.go).
type Ping struct {
	Time uint32
}

func (*Ping) Tag() string { return TagPing }
func (m *Ping) EncodeTo(w io.Writer) error {
	return WriteUint32(w, m.Time)
}

// Pong (po) - reply to a Ping, carrying the probe's timestamp unchanged.
type Pong struct {
	Time uint32
}

func (*Pong) Tag() string { return TagPong }
func (m *Pong) EncodeTo(w io.Writer) error {
	return WriteUint32(w, m.Time)
}

// StartEntityControl (ec) - server grants the client input authority over
// the named replicated entity.
type StartEntityControl struct {
	ID uint64
}

func (*StartEntityControl) Tag() string { return TagStartEntityControl }
func (m *StartEntityControl) EncodeTo(w io.Writer) error {
	return WriteUint64(w, m.ID)
}

// EntityUpdate (eu) - replicated entity state, from either side. The server
// sends full entity state that clients apply; clients send Control state
// for entities they have authority over. The kind discriminant selects the
// state layout (see blob.go); State holds exactly StateLen(Kind) bytes and
// never includes the discriminant itself.
type EntityUpdate struct {
	ID    uint64
	Kind  EntityKind
	State []byte
}

func (*EntityUpdate) Tag() string { return TagEntityUpdate }
func (m *EntityUpdate) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.ID); err != nil {
		return err
	}
	if err := WriteUint8(w, uint8(m.Kind)); err != nil {
		return err
	}
	_, err := w.Write(m.State)
	return err
}

// EntityDelete (er) - the named replicated entity no longer exists on the
// server.
type EntityDelete struct {
	ID uint64
}

func (*EntityDelete) Tag() string { return TagEntityDelete }
func (m *EntityDelete) EncodeTo(w io.Writer) error {
	return WriteUint64(w, m.ID)
}

// Encode serializes a message into a standalone datagram.
func Encode(msg Message) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderLen+16))
	buf.Write(Magic)
	buf.WriteString(msg.Tag())
	// Buffer writes cannot fail.
	_ = msg.EncodeTo(buf)
	return buf.Bytes()
}

// Decode parses a datagram. It returns nil for anything malformed: buffers
// shorter than the header, a wrong magic, an unknown tag, a length that is
// not exactly what the tag requires, or an EntityUpdate whose kind is
// unknown or whose state length does not match the kind. Decode never
// panics; callers log and drop nil results.
func Decode(buf []byte) Message {
	if len(buf) < HeaderLen || !bytes.Equal(buf[:6], Magic) {
		return nil
	}
	payload := buf[HeaderLen:]
	switch string(buf[6:8]) {
	case TagClientHello:
		if len(payload) != 0 {
			return nil
		}
		return &ClientHello{}
	case TagServerHello:
		if len(payload) != 0 {
			return nil
		}
		return &ServerHello{}
	case TagDisconnection:
		if len(payload) != 0 {
			return nil
		}
		return &Disconnection{}
	case TagPing:
		if len(payload) != 4 {
			return nil
		}
		return &Ping{Time: binary.BigEndian.Uint32(payload)}
	case TagPong:
		if len(payload) != 4 {
			return nil
		}
		return &Pong{Time: binary.BigEndian.Uint32(payload)}
	case TagStartEntityControl:
		if len(payload) != 8 {
			return nil
		}
		return &StartEntityControl{ID: binary.BigEndian.Uint64(payload)}
	case TagEntityUpdate:
		if len(payload) < 9 {
			return nil
		}
		kind := EntityKind(payload[8])
		n, ok := StateLen(kind)
		if !ok || len(payload) != 9+n {
			return nil
		}
		// Copy out of the caller's receive buffer; transports reuse it.
		state := make([]byte, n)
		copy(state, payload[9:])
		return &EntityUpdate{ID: binary.BigEndian.Uint64(payload), Kind: kind, State: state}
	case TagEntityDelete:
		if len(payload) != 8 {
			return nil
		}
		return &EntityDelete{ID: binary.BigEndian.Uint64(payload)}
	default:
		return nil
	}
}
