// Package replication implements the authoritative state replication
// protocol: the server's receive and send stages and the client's apply
// stage. The hosting tick loop drives the stages in a fixed order, once
// per tick, single-threaded; server side that is Receive, world step,
// world flush, Send.
//
// The server owns the truth. Clients send only control intent for ships
// the server granted them; everything else they learn from entity updates
// and apply locally. Entities carry no explicit create message: an update
// for an unknown id is the announcement, and a delete message retires the
// id forever.
package replication

import (
	"errors"
	"log"
	"time"

	"github.com/halvden/spacefray/pkg/protocol"
	"github.com/halvden/spacefray/pkg/sim"
	"github.com/halvden/spacefray/pkg/transport"
)

// ServerOptions tunes the server stages. Zero values take the defaults.
type ServerOptions struct {
	// MaxClients caps concurrent clients. 0 means unlimited.
	MaxClients int
	// StaleAfter is the resend horizon in frames: a clean entity is
	// rebroadcast once its last update is this old, so late joiners and
	// lossy links converge without any reliability layer. Default 200.
	StaleAfter uint64
	// PingInterval is the housekeeping ping cadence in frames.
	// Default 120.
	PingInterval uint64
	// ClientTimeout evicts clients whose last pong is older than this.
	// 0 disables eviction.
	ClientTimeout time.Duration
}

const (
	defaultStaleAfter   = 200
	defaultPingInterval = 120
)

// ConnectedClient is the server's record of one connected peer.
type ConnectedClient struct {
	Addr      transport.Addr
	ID        uint64
	Ping      time.Duration // smoothed RTT estimate
	LastPong  time.Time
	Connected time.Time
	Ship      sim.Entity
}

// Server drives the authoritative side of the protocol. Not safe for
// concurrent use; one goroutine owns the whole tick.
type Server struct {
	transport  transport.Server
	world      *sim.World
	opts       ServerOptions
	frame      uint64
	nextClient uint64
	clients    map[transport.Addr]*ConnectedClient
	logger     *log.Logger
	now        func() time.Time
}

// NewServer creates the server replication state on top of a transport and
// a world. logger may be nil.
func NewServer(tr transport.Server, world *sim.World, opts ServerOptions, logger *log.Logger) *Server {
	if opts.StaleAfter == 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Server{
		transport:  tr,
		world:      world,
		opts:       opts,
		nextClient: 1,
		clients:    map[transport.Addr]*ConnectedClient{},
		logger:     logger,
		now:        time.Now,
	}
}

// Frame returns the current tick number.
func (s *Server) Frame() uint64 { return s.frame }

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int { return len(s.clients) }

// EachClient calls fn for every connected client.
func (s *Server) EachClient(fn func(*ConnectedClient)) {
	for _, c := range s.clients {
		fn(c)
	}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Receive starts a tick: it drains the transport, handles handshakes,
// pings and control updates, then runs housekeeping (periodic pings,
// optional timeout eviction). Ship destruction from teardown is deferred
// to the world's next flush.
func (s *Server) Receive() {
	s.frame++
	now := s.now()
	for {
		msg, addr, err := s.transport.Recv()
		if err != nil {
			if !errors.Is(err, transport.ErrNoMore) {
				s.logf("recv: %v", err)
			}
			break
		}
		switch m := msg.(type) {
		case *protocol.ClientHello:
			s.handleHello(addr, now)
		case *protocol.Ping:
			s.sendTo(&protocol.Pong{Time: m.Time}, addr)
		case *protocol.Pong:
			s.handlePong(addr, m, now)
		case *protocol.EntityUpdate:
			s.handleControl(addr, m)
		case *protocol.Disconnection:
			s.disconnect(addr, "peer disconnected")
		default:
			s.logf("invalid %s message from %s", msg.Tag(), addr)
		}
	}
	s.housekeep(now)
}

func (s *Server) handleHello(addr transport.Addr, now time.Time) {
	if c, ok := s.clients[addr]; ok {
		// Handshake retransmit: our ServerHello may have been lost.
		// Repeat the greeting; no second ship.
		s.logf("repeat hello from client %d (%s)", c.ID, addr)
		s.sendTo(&protocol.ServerHello{}, addr)
		s.sendTo(&protocol.StartEntityControl{ID: c.Ship.ID()}, addr)
		s.sendTo(&protocol.Ping{Time: protocol.Timestamp(now)}, addr)
		return
	}

	if s.opts.MaxClients > 0 && len(s.clients) >= s.opts.MaxClients {
		s.logf("rejecting %s: server full (%d clients)", addr, len(s.clients))
		s.sendTo(&protocol.Disconnection{}, addr)
		return
	}

	id := s.nextClient
	s.nextClient++
	ship := s.world.Spawn(sim.KindShip)
	s.world.Repl(ship).Owner = id
	s.clients[addr] = &ConnectedClient{
		Addr:      addr,
		ID:        id,
		LastPong:  now,
		Connected: now,
		Ship:      ship,
	}
	s.logf("client %d connected from %s, ship %d", id, addr, ship.ID())

	s.sendTo(&protocol.ServerHello{}, addr)
	s.sendTo(&protocol.StartEntityControl{ID: ship.ID()}, addr)
	s.sendTo(&protocol.Ping{Time: protocol.Timestamp(now)}, addr)
}

func (s *Server) handlePong(addr transport.Addr, m *protocol.Pong, now time.Time) {
	c, ok := s.clients[addr]
	if !ok {
		return
	}
	rtt, ok := protocol.Elapsed(m.Time, now)
	if !ok {
		// Echo from the future: clock skew or a forged timestamp.
		return
	}
	c.LastPong = now
	c.Ping = smoothPing(c.Ping, rtt)
}

func (s *Server) handleControl(addr transport.Addr, m *protocol.EntityUpdate) {
	c, ok := s.clients[addr]
	if !ok {
		s.logf("entity update from unknown peer %s", addr)
		return
	}
	if m.Kind != protocol.KindControl {
		s.logf("client %d sent a %v update", c.ID, m.Kind)
		return
	}
	e := sim.EntityFromID(m.ID)
	repl := s.world.Repl(e)
	ship := s.world.Ship(e)
	if repl == nil || ship == nil || repl.Owner != c.ID {
		s.logf("client %d sent control for entity %d it does not own", c.ID, m.ID)
		return
	}
	var cs protocol.ControlState
	if err := cs.Decode(m.State); err != nil {
		s.logf("client %d control: %v", c.ID, err)
		return
	}
	ship.WantFire = cs.Fire
	ship.WantThrust[0] = cs.ThrustX
	ship.WantThrust[1] = cs.ThrustY
	ship.WantThrustRot = cs.Rot
	ship.WantTarget = cs.Target
	repl.Dirty = true
}

func (s *Server) disconnect(addr transport.Addr, reason string) {
	c, ok := s.clients[addr]
	if !ok {
		return
	}
	delete(s.clients, addr)
	s.world.Destroy(c.Ship)
	s.logf("client %d gone: %s", c.ID, reason)
}

func (s *Server) housekeep(now time.Time) {
	if s.opts.PingInterval > 0 && s.frame%s.opts.PingInterval == 0 {
		ping := &protocol.Ping{Time: protocol.Timestamp(now)}
		for addr := range s.clients {
			s.sendTo(ping, addr)
		}
	}
	if s.opts.ClientTimeout > 0 {
		for addr, c := range s.clients {
			if now.Sub(c.LastPong) > s.opts.ClientTimeout {
				s.sendTo(&protocol.Disconnection{}, addr)
				s.disconnect(addr, "ping timeout")
			}
		}
	}
}

// Send finishes a tick after the world has stepped and flushed: deletions
// first, then an update for every entity that is dirty or stale, then all
// dirty flags drop. Wire ids are assigned here on first contact, so an
// entity that dies before its first send pass was never announced and
// needs no delete.
func (s *Server) Send() {
	for _, id := range s.world.DrainDeletions() {
		s.broadcast(&protocol.EntityDelete{ID: id})
	}

	w := s.world
	w.Each(func(e sim.Entity) {
		repl := w.Repl(e)
		if repl.ID == 0 {
			repl.ID = e.ID()
		}
		if !repl.Dirty && s.frame-repl.LastSent < s.opts.StaleAfter {
			return
		}
		kind, state, err := packEntity(w, e)
		if err != nil {
			s.logf("skipping entity %d: %v", repl.ID, err)
			return
		}
		s.broadcast(&protocol.EntityUpdate{ID: repl.ID, Kind: kind, State: state})
		repl.LastSent = s.frame
	})

	w.Each(func(e sim.Entity) {
		w.Repl(e).Dirty = false
	})
}

// Snapshot packs every replicable entity as it would go on the wire,
// regardless of dirtiness. Recorders and debug tooling use it; replication
// state is left untouched.
func (s *Server) Snapshot() []*protocol.EntityUpdate {
	w := s.world
	var updates []*protocol.EntityUpdate
	w.Each(func(e sim.Entity) {
		kind, state, err := packEntity(w, e)
		if err != nil {
			return
		}
		id := w.Repl(e).ID
		if id == 0 {
			id = e.ID()
		}
		updates = append(updates, &protocol.EntityUpdate{ID: id, Kind: kind, State: state})
	})
	return updates
}

func (s *Server) sendTo(msg protocol.Message, addr transport.Addr) {
	if err := s.transport.Send(msg, addr); err != nil {
		s.logf("send to %s: %v", addr, err)
	}
}

func (s *Server) broadcast(msg protocol.Message) {
	for addr, c := range s.clients {
		if err := s.transport.Send(msg, addr); err != nil {
			s.logf("send to client %d: %v", c.ID, err)
		}
	}
}
