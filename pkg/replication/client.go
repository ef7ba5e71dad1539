package replication

import (
	"errors"
	"log"
	"time"

	"github.com/halvden/spacefray/pkg/protocol"
	"github.com/halvden/spacefray/pkg/sim"
	"github.com/halvden/spacefray/pkg/transport"
)

// ClientOptions tunes the client stage. Zero values take the defaults.
type ClientOptions struct {
	// HelloRetry is the cadence in frames for re-sending ClientHello
	// until a ServerHello arrives. Default 60.
	HelloRetry uint64
	// PingInterval is the client's own ping cadence in frames, keeping
	// the RTT estimate live from this end too. Default 120.
	PingInterval uint64
}

const defaultHelloRetry = 60

// Client drives the mirroring side of the protocol: it applies the
// server's entity stream to a local world and reports control intent for
// the ships this node was granted. Not safe for concurrent use.
type Client struct {
	transport  transport.Client
	world      *sim.World
	opts       ClientOptions
	frame      uint64
	controlled map[uint64]bool
	ping       time.Duration
	lastPong   time.Time
	connected  bool
	down       bool
	logger     *log.Logger
	now        func() time.Time
}

// NewClient creates the client replication state on top of a transport and
// a local world. The first Apply sends the ClientHello. logger may be nil.
func NewClient(tr transport.Client, world *sim.World, opts ClientOptions, logger *log.Logger) *Client {
	if opts.HelloRetry == 0 {
		opts.HelloRetry = defaultHelloRetry
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Client{
		transport:  tr,
		world:      world,
		opts:       opts,
		controlled: map[uint64]bool{},
		logger:     logger,
		now:        time.Now,
	}
}

// Frame returns the current tick number.
func (c *Client) Frame() uint64 { return c.frame }

// Ping returns the smoothed RTT estimate. 0 until the first pong.
func (c *Client) Ping() time.Duration { return c.ping }

// Connected reports whether a ServerHello has arrived.
func (c *Client) Connected() bool { return c.connected }

// Down reports whether the server ended the session.
func (c *Client) Down() bool { return c.down }

// ControlledShip returns the first locally controlled ship, or the zero
// Entity while none exists yet.
func (c *Client) ControlledShip() sim.Entity {
	var found sim.Entity
	c.world.Each(func(e sim.Entity) {
		if found.Valid() {
			return
		}
		if c.world.Ship(e) != nil && c.world.Repl(e).Controlled {
			found = e
		}
	})
	return found
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Apply runs the client stage for one tick: drain the transport, apply
// updates to known entities, materialize unknown ones, then report
// control intent for dirty controlled ships. The caller steps and flushes
// the world afterwards.
func (c *Client) Apply() {
	c.frame++
	now := c.now()

	// Mirror worlds never broadcast, so deletions queued by the last flush
	// (authoritative deletes, locally expired projectiles) just drop.
	c.world.DrainDeletions()

	var (
		updates []*protocol.EntityUpdate
		handled []bool
		deleted map[uint64]bool
	)

	// Pass 1: drain. Handshake and clock messages apply immediately,
	// entity messages queue for the later passes.
	for {
		msg, err := c.transport.Recv()
		if err != nil {
			if !errors.Is(err, transport.ErrNoMore) {
				c.logf("recv: %v", err)
			}
			break
		}
		switch m := msg.(type) {
		case *protocol.ServerHello:
			if !c.connected {
				c.logf("handshake complete")
			}
			c.connected = true
		case *protocol.Ping:
			c.send(&protocol.Pong{Time: m.Time})
		case *protocol.Pong:
			if rtt, ok := protocol.Elapsed(m.Time, now); ok {
				c.lastPong = now
				c.ping = smoothPing(c.ping, rtt)
			}
		case *protocol.StartEntityControl:
			c.controlled[m.ID] = true
			// The grant usually precedes the entity's first update,
			// but reordering can deliver it late.
			if e := c.world.FindReplicated(m.ID); e.Valid() {
				c.world.Repl(e).Controlled = true
			}
		case *protocol.EntityUpdate:
			updates = append(updates, m)
			handled = append(handled, false)
		case *protocol.EntityDelete:
			if deleted == nil {
				deleted = map[uint64]bool{}
			}
			deleted[m.ID] = true
		case *protocol.Disconnection:
			c.down = true
			c.logf("server closed the connection")
		default:
			c.logf("invalid %s message from server", msg.Tag())
		}
	}

	// Pass 2: apply queued messages to entities already known here.
	w := c.world
	w.Each(func(e sim.Entity) {
		repl := w.Repl(e)
		if repl.ID == 0 {
			return
		}
		for i, u := range updates {
			if u.ID != repl.ID {
				continue
			}
			handled[i] = true
			if err := applyUpdate(w, e, u); err != nil {
				c.logf("update for entity %d: %v", u.ID, err)
			}
		}
		if deleted[repl.ID] {
			w.Destroy(e)
		}
	})

	// Pass 3: an update for an id nobody here carries announces a new
	// entity. A delete in the same batch wins: the entity died before
	// this node ever saw it.
	var created map[uint64]sim.Entity
	for i, u := range updates {
		if handled[i] || deleted[u.ID] {
			continue
		}
		if u.Kind == protocol.KindControl {
			c.logf("server sent a control update for entity %d", u.ID)
			continue
		}
		if e, ok := created[u.ID]; ok {
			if err := applyUpdate(w, e, u); err != nil {
				c.logf("update for entity %d: %v", u.ID, err)
			}
			continue
		}
		e, err := spawnFromUpdate(w, u)
		if err != nil {
			c.logf("create entity %d: %v", u.ID, err)
			continue
		}
		repl := w.Repl(e)
		repl.ID = u.ID
		repl.Dirty = false
		if c.controlled[u.ID] {
			repl.Controlled = true
			c.logf("created locally controlled ship %d", u.ID)
		}
		if created == nil {
			created = map[uint64]sim.Entity{}
		}
		created[u.ID] = e
	}

	// Pass 4: report control intent for every dirty ship this node
	// steers, then drop all dirty flags.
	w.Each(func(e sim.Entity) {
		repl := w.Repl(e)
		if !repl.Dirty || !repl.Controlled || repl.ID == 0 {
			return
		}
		ship := w.Ship(e)
		if ship == nil {
			return
		}
		cs := protocol.ControlState{
			Fire:    ship.WantFire,
			ThrustX: ship.WantThrust[0],
			ThrustY: ship.WantThrust[1],
			Rot:     ship.WantThrustRot,
			Target:  ship.WantTarget,
		}
		c.send(&protocol.EntityUpdate{
			ID:    repl.ID,
			Kind:  protocol.KindControl,
			State: protocol.EncodeState(&cs),
		})
	})
	w.Each(func(e sim.Entity) {
		w.Repl(e).Dirty = false
	})

	// Handshake retransmit and client-side pings.
	if !c.connected && (c.frame-1)%c.opts.HelloRetry == 0 {
		c.send(&protocol.ClientHello{})
	}
	if c.connected && c.opts.PingInterval > 0 && c.frame%c.opts.PingInterval == 0 {
		c.send(&protocol.Ping{Time: protocol.Timestamp(now)})
	}
}

// Leave announces a clean departure and marks the connection down. The
// caller still owns the transport and closes it afterwards.
func (c *Client) Leave() {
	c.send(&protocol.Disconnection{})
	c.down = true
	c.connected = false
}

func (c *Client) send(msg protocol.Message) {
	if err := c.transport.Send(msg); err != nil {
		c.logf("send: %v", err)
	}
}
