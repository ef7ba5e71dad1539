// Package client runs the player side of a spacefray session: it owns the
// server link, mirrors the replicated world at the tick rate, and reports
// control intent for the ship the server granted. Rendering is out of
// scope; consumers observe the mirror through the tick callback or the
// Status snapshot.
package client

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halvden/spacefray/pkg/replication"
	"github.com/halvden/spacefray/pkg/sim"
	"github.com/halvden/spacefray/pkg/transport"
)

// ErrSessionEnded is returned by Run when the server tears the session
// down instead of the local side stopping.
var ErrSessionEnded = errors.New("server ended the session")

// Options tune the client loop. Zero values take the defaults.
type Options struct {
	// TickRate is the mirror rate in ticks per second. Default 60.
	TickRate int
	// HelloRetry and PingInterval pass through to the replication stage.
	HelloRetry   uint64
	PingInterval uint64
	// Logger receives debug output. nil = silent.
	Logger *log.Logger
}

// Controls is the pilot intent for the controlled ship.
type Controls struct {
	Fire   bool
	Thrust [2]float32
	Rot    float32
	Aim    [2]float32
}

// Status is a point-in-time snapshot of the session, safe to read from
// any goroutine.
type Status struct {
	Connected bool
	Down      bool
	Frame     uint64
	Ping      time.Duration
	HasShip   bool
	ShipPos   [2]float32
	ShipVel   [2]float32
	Entities  int
}

// GameClient owns one server link and the local mirror world. The Run
// loop owns all mutable simulation state; other goroutines interact
// through SetControls and Status only.
type GameClient struct {
	link  transport.Client
	world *sim.World
	repl  *replication.Client
	rate  int

	// onTick runs on the loop goroutine with exclusive world access.
	onTick func(*sim.World)

	mu      sync.Mutex
	pending *Controls
	status  Status

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Dial connects to a server URL and builds a client around the link.
// udp://host:port and a bare host:port dial UDP; ws:// and wss:// dial
// WebSocket.
func Dial(serverURL string, opts Options) (*GameClient, error) {
	var (
		link transport.Client
		err  error
	)
	switch {
	case strings.HasPrefix(serverURL, "ws://"), strings.HasPrefix(serverURL, "wss://"):
		link, err = transport.DialWS(serverURL)
	case strings.HasPrefix(serverURL, "udp://"):
		link, err = transport.DialUDP(strings.TrimPrefix(serverURL, "udp://"))
	case strings.Contains(serverURL, "://"):
		return nil, fmt.Errorf("unsupported scheme in %q", serverURL)
	default:
		link, err = transport.DialUDP(serverURL)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}
	return New(link, opts), nil
}

// New builds a client on an existing link. Tests and local play use it
// with the pipe transport.
func New(link transport.Client, opts Options) *GameClient {
	if opts.TickRate <= 0 {
		opts.TickRate = 60
	}
	world := sim.NewWorld()
	return &GameClient{
		link:  link,
		world: world,
		repl: replication.NewClient(link, world, replication.ClientOptions{
			HelloRetry:   opts.HelloRetry,
			PingInterval: opts.PingInterval,
		}, opts.Logger),
		rate: opts.TickRate,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// OnTick registers a callback run after every tick on the loop goroutine,
// with exclusive access to the mirror world. Set it before Run.
func (c *GameClient) OnTick(fn func(*sim.World)) { c.onTick = fn }

// SetControls replaces the pilot intent. The next tick applies it to the
// controlled ship and marks the ship dirty so the replication stage
// reports it.
func (c *GameClient) SetControls(ctl Controls) {
	c.mu.Lock()
	c.pending = &ctl
	c.mu.Unlock()
}

// Status returns the snapshot taken at the end of the last tick.
func (c *GameClient) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Run drives the mirror at the tick rate. It returns nil after Stop, or
// ErrSessionEnded when the server ends the session.
func (c *GameClient) Run() error {
	c.started.Store(true)
	defer close(c.done)

	ticker := time.NewTicker(time.Second / time.Duration(c.rate))
	defer ticker.Stop()
	dt := 1.0 / float32(c.rate)

	for {
		select {
		case <-c.stop:
			c.repl.Leave()
			return nil
		case <-ticker.C:
			if down := c.tick(dt); down {
				return ErrSessionEnded
			}
		}
	}
}

// tick is one full client frame. Split out so tests can drive the loop
// without the ticker.
func (c *GameClient) tick(dt float32) (down bool) {
	c.applyControls()
	c.repl.Apply()
	c.world.Step(dt)
	c.world.Flush()
	if c.onTick != nil {
		c.onTick(c.world)
	}
	c.publishStatus()
	return c.repl.Down()
}

// applyControls moves the pending intent onto the controlled ship. Intent
// set before the ship exists is dropped; the caller keeps steering and the
// next intent lands once the grant arrives.
func (c *GameClient) applyControls() {
	c.mu.Lock()
	ctl := c.pending
	c.pending = nil
	c.mu.Unlock()
	if ctl == nil {
		return
	}
	e := c.repl.ControlledShip()
	if !e.Valid() {
		return
	}
	ship := c.world.Ship(e)
	ship.WantFire = ctl.Fire
	ship.WantThrust = ctl.Thrust
	ship.WantThrustRot = ctl.Rot
	ship.WantTarget = ctl.Aim
	c.world.Repl(e).Dirty = true
}

func (c *GameClient) publishStatus() {
	st := Status{
		Connected: c.repl.Connected(),
		Down:      c.repl.Down(),
		Frame:     c.repl.Frame(),
		Ping:      c.repl.Ping(),
		Entities:  c.world.Count(),
	}
	if e := c.repl.ControlledShip(); e.Valid() {
		st.HasShip = true
		body := c.world.Body(e)
		st.ShipPos = body.Pos
		st.ShipVel = body.Vel
	}
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
}

// Stop asks the Run loop to announce a clean leave and waits for it to
// finish. Safe to call more than once.
func (c *GameClient) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
}

// Close stops the loop and tears the link down.
func (c *GameClient) Close() error {
	c.Stop()
	return c.link.Close()
}
