package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvden/spacefray/pkg/protocol"
	"github.com/halvden/spacefray/pkg/sim"
	"github.com/halvden/spacefray/pkg/transport"
)

// duplex runs a real server and a real client against the two ends of a
// pipe. Each tick the client speaks first, so its traffic lands in the
// same server tick and the server's reply lands in the client's next one.
type duplex struct {
	srv  *Server
	sw   *sim.World
	cli  *Client
	cw   *sim.World
	link *transport.PipeClient
}

func newDuplex(t *testing.T, opts ServerOptions) *duplex {
	t.Helper()
	pipe := transport.NewPipeServer()
	t.Cleanup(func() { pipe.Close() })
	link, err := pipe.Connect()
	require.NoError(t, err)

	sw := sim.NewWorld()
	cw := sim.NewWorld()
	return &duplex{
		srv:  NewServer(pipe, sw, opts, nil),
		sw:   sw,
		cli:  NewClient(link, cw, ClientOptions{}, nil),
		cw:   cw,
		link: link,
	}
}

func (d *duplex) tick() {
	d.cli.Apply()
	d.cw.Step(dt)
	d.cw.Flush()
	d.srv.Receive()
	d.sw.Step(dt)
	d.sw.Flush()
	d.srv.Send()
}

// join runs ticks until the client mirrors its own ship.
func (d *duplex) join(t *testing.T) sim.Entity {
	t.Helper()
	for i := 0; i < 5 && !d.cli.ControlledShip().Valid(); i++ {
		d.tick()
	}
	ship := d.cli.ControlledShip()
	require.True(t, ship.Valid(), "client never received its ship")
	return ship
}

func TestEndToEndJoin(t *testing.T) {
	d := newDuplex(t, ServerOptions{})

	d.tick() // hello out, server answers
	d.tick() // greeting and first update land

	assert.True(t, d.cli.Connected())
	require.Equal(t, 1, d.srv.ClientCount())

	ship := d.cli.ControlledShip()
	require.True(t, ship.Valid())
	assert.Equal(t, 1, d.cw.Count())

	// The mirror carries the server's id for the same ship.
	var serverShip sim.Entity
	d.sw.Each(func(e sim.Entity) { serverShip = e })
	assert.Equal(t, d.sw.Repl(serverShip).ID, d.cw.Repl(ship).ID)
}

func TestEndToEndControlRoundTrip(t *testing.T) {
	d := newDuplex(t, ServerOptions{})
	ship := d.join(t)

	// Local input: full thrust, guns hot, aiming right.
	s := d.cw.Ship(ship)
	s.WantFire = true
	s.WantThrust = [2]float32{0, 1}
	s.WantTarget = [2]float32{1, 0}
	d.cw.Repl(ship).Dirty = true

	d.tick() // control reaches the server and applies before its step
	var serverShip sim.Entity
	d.sw.Each(func(e sim.Entity) {
		if d.sw.Kind(e) == sim.KindShip {
			serverShip = e
		}
	})
	ss := d.sw.Ship(serverShip)
	assert.True(t, ss.WantFire)
	assert.Equal(t, [2]float32{1, 0}, ss.WantTarget)
	assert.Greater(t, ss.Thrust[1], float32(0), "engine already ramping")

	d.tick() // resulting state and the shot come back

	assert.Equal(t, [2]float32{1, 0}, s.WantTarget)
	assert.Greater(t, s.Thrust[1], float32(0))
	assert.False(t, d.cw.Repl(ship).Dirty)

	// The server's projectile arrives as a replicated entity. The client
	// also predicted one locally; that one has no wire id.
	replicated, local := 0, 0
	d.cw.Each(func(e sim.Entity) {
		if d.cw.Kind(e) != sim.KindProjectile {
			return
		}
		if d.cw.Repl(e).ID != 0 {
			replicated++
		} else {
			local++
		}
	})
	assert.Equal(t, 1, replicated)
	assert.Equal(t, 1, local)
}

func TestEndToEndStaleRepair(t *testing.T) {
	d := newDuplex(t, ServerOptions{StaleAfter: 10})
	ship := d.join(t)

	// Force divergence the dirty tracking cannot see.
	var serverShip sim.Entity
	d.sw.Each(func(e sim.Entity) { serverShip = e })
	d.sw.Body(serverShip).Pos = [2]float32{50, 50}

	for i := 0; i < 12; i++ {
		d.tick()
	}
	assert.Equal(t, [2]float32{50, 50}, d.cw.Body(ship).Pos,
		"staleness resend must repair silent divergence")
}

func TestEndToEndPeerLeaves(t *testing.T) {
	pipe := transport.NewPipeServer()
	t.Cleanup(func() { pipe.Close() })
	sw := sim.NewWorld()
	srv := NewServer(pipe, sw, ServerOptions{}, nil)

	linkA, err := pipe.Connect()
	require.NoError(t, err)
	cwA := sim.NewWorld()
	cliA := NewClient(linkA, cwA, ClientOptions{}, nil)

	linkB, err := pipe.Connect()
	require.NoError(t, err)
	cwB := sim.NewWorld()
	cliB := NewClient(linkB, cwB, ClientOptions{}, nil)

	tick := func(withA bool) {
		if withA {
			cliA.Apply()
			cwA.Step(dt)
			cwA.Flush()
		}
		cliB.Apply()
		cwB.Step(dt)
		cwB.Flush()
		srv.Receive()
		sw.Step(dt)
		sw.Flush()
		srv.Send()
	}

	tick(true)
	tick(true)
	require.True(t, cliA.ControlledShip().Valid())
	require.True(t, cliB.ControlledShip().Valid())
	require.Equal(t, 2, cwB.Count(), "B mirrors both ships")

	shipA := cliA.ControlledShip()
	idA := cwA.Repl(shipA).ID

	// A drops its link; the pipe reports it to the server as a
	// disconnection.
	require.NoError(t, linkA.Close())
	tick(false) // server tears A down and broadcasts the delete
	tick(false) // B applies it

	assert.Equal(t, 1, srv.ClientCount())
	assert.Equal(t, 1, sw.Count())
	assert.Equal(t, 1, cwB.Count())
	assert.False(t, cwB.FindReplicated(idA).Valid())
	assert.True(t, cliB.ControlledShip().Valid(), "B's own ship survives")
}

func TestEndToEndServerShutdown(t *testing.T) {
	d := newDuplex(t, ServerOptions{})
	d.join(t)

	// The server says goodbye; the client flags it instead of crashing.
	var addr transport.Addr
	d.srv.EachClient(func(c *ConnectedClient) { addr = c.Addr })
	require.NotNil(t, addr)
	require.NoError(t, d.srv.transport.Send(&protocol.Disconnection{}, addr))

	d.tick()
	assert.True(t, d.cli.Down())
}
