// Package transport carries wire messages between the replication stages
// and the network. Implementations are polled, never blocking: the tick
// loop drains Recv until ErrNoMore and goes on with the simulation.
//
// Transports that need background goroutines (socket readers) hand inbound
// messages to the tick loop through a buffered channel, so the replication
// stages themselves stay single-threaded and lock-free.
package transport

import (
	"errors"
	"sync/atomic"

	"github.com/halvden/spacefray/pkg/protocol"
)

var (
	// ErrNoMore means "no error, but nothing to do right now": the inbound
	// queue is empty or the outbound buffer is full. It terminates drain
	// loops and is never logged as a failure.
	ErrNoMore = errors.New("no more messages")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownPeer is returned when sending to an address the transport
	// does not know (never connected, or already gone).
	ErrUnknownPeer = errors.New("unknown peer address")
)

// Addr is an opaque peer address. Implementations are comparable values
// (usable as map keys); equality means "same peer". The string form is for
// logs only.
type Addr interface {
	String() string
}

// Server is the multi-peer side: one listening transport, many clients,
// each identified by an Addr.
type Server interface {
	// Send transmits one message to one peer. A full outbound buffer is
	// ErrNoMore; anything else is a real failure.
	Send(msg protocol.Message, addr Addr) error
	// Recv returns the next inbound message and its sender, or ErrNoMore
	// when the queue is empty. It never blocks.
	Recv() (protocol.Message, Addr, error)
	// Close tears the transport down. Further calls fail with ErrClosed.
	Close() error
}

// Client is the single-peer side: one connection to one server.
type Client interface {
	Send(msg protocol.Message) error
	Recv() (protocol.Message, error)
	Close() error
}

// Stats counts transport-level events that never reach the replication
// stages. Invalid packets are adversarial input by definition, so they are
// counted rather than trusted with log bandwidth per packet.
type Stats struct {
	Received atomic.Uint64 // valid messages handed to Recv's queue
	Invalid  atomic.Uint64 // undecodable packets dropped
	Dropped  atomic.Uint64 // valid messages dropped because the queue was full
}
