package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvden/spacefray/pkg/protocol"
	"github.com/halvden/spacefray/pkg/sim"
	"github.com/halvden/spacefray/pkg/transport"
)

const dt = float32(1.0 / 60.0)

// testBase sits far from a 22-bit seconds wrap, so small offsets around it
// encode monotonically.
var testBase = time.Unix(1700000000, 0)

func newTestServer(t *testing.T, opts ServerOptions) (*Server, *sim.World, *transport.PipeServer) {
	t.Helper()
	pipe := transport.NewPipeServer()
	t.Cleanup(func() { pipe.Close() })
	w := sim.NewWorld()
	srv := NewServer(pipe, w, opts, nil)
	srv.now = func() time.Time { return testBase }
	return srv, w, pipe
}

func connect(t *testing.T, pipe *transport.PipeServer) *transport.PipeClient {
	t.Helper()
	cli, err := pipe.Connect()
	require.NoError(t, err)
	return cli
}

// drain empties a pipe client's inbox. The pipe transport is synchronous,
// so everything already sent is there.
func drain(t *testing.T, cli *transport.PipeClient) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	for {
		msg, err := cli.Recv()
		if err != nil {
			require.ErrorIs(t, err, transport.ErrNoMore)
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func updatesIn(msgs []protocol.Message) []*protocol.EntityUpdate {
	var ups []*protocol.EntityUpdate
	for _, m := range msgs {
		if u, ok := m.(*protocol.EntityUpdate); ok {
			ups = append(ups, u)
		}
	}
	return ups
}

func deletesIn(msgs []protocol.Message) []*protocol.EntityDelete {
	var dels []*protocol.EntityDelete
	for _, m := range msgs {
		if d, ok := m.(*protocol.EntityDelete); ok {
			dels = append(dels, d)
		}
	}
	return dels
}

// serverTick runs one full server tick.
func serverTick(srv *Server, w *sim.World) {
	srv.Receive()
	w.Step(dt)
	w.Flush()
	srv.Send()
}

func TestServerHandshake(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{})
	cli := connect(t, pipe)

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	srv.Receive()

	msgs := drain(t, cli)
	require.Len(t, msgs, 3)
	assert.IsType(t, &protocol.ServerHello{}, msgs[0])
	grant, ok := msgs[1].(*protocol.StartEntityControl)
	require.True(t, ok)
	ping, ok := msgs[2].(*protocol.Ping)
	require.True(t, ok)
	assert.Equal(t, protocol.Timestamp(testBase), ping.Time)

	// One ship exists, owned by client 1, and the granted id matches it.
	require.Equal(t, 1, w.Count())
	assert.Equal(t, 1, srv.ClientCount())
	ship := sim.EntityFromID(grant.ID)
	require.True(t, w.Alive(ship))
	assert.Equal(t, sim.KindShip, w.Kind(ship))
	assert.Equal(t, uint64(1), w.Repl(ship).Owner)
	assert.NotZero(t, grant.ID)

	// The spawn left the ship dirty, so the first send announces it.
	w.Step(dt)
	w.Flush()
	srv.Send()
	ups := updatesIn(drain(t, cli))
	require.Len(t, ups, 1)
	assert.Equal(t, grant.ID, ups[0].ID)
	assert.Equal(t, protocol.KindShip, ups[0].Kind)
	assert.Equal(t, grant.ID, w.Repl(ship).ID)
}

func TestServerRepeatHello(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{})
	cli := connect(t, pipe)

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	srv.Receive()
	first := drain(t, cli)
	grant := first[1].(*protocol.StartEntityControl)

	// A retransmitted hello repeats the greeting without a second ship.
	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	srv.Receive()
	second := drain(t, cli)
	require.Len(t, second, 3)
	regrant, ok := second[1].(*protocol.StartEntityControl)
	require.True(t, ok)
	assert.Equal(t, grant.ID, regrant.ID)
	assert.Equal(t, 1, w.Count())
	assert.Equal(t, 1, srv.ClientCount())
	assert.Equal(t, uint64(2), srv.nextClient, "no client id burned on a repeat")
}

func TestServerFullRejectsNewClients(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{MaxClients: 1})
	first := connect(t, pipe)
	second := connect(t, pipe)

	require.NoError(t, first.Send(&protocol.ClientHello{}))
	srv.Receive()
	drain(t, first)

	require.NoError(t, second.Send(&protocol.ClientHello{}))
	srv.Receive()
	msgs := drain(t, second)
	require.Len(t, msgs, 1)
	assert.IsType(t, &protocol.Disconnection{}, msgs[0])
	assert.Equal(t, 1, srv.ClientCount())
	assert.Equal(t, 1, w.Count())
}

func TestServerEchoesPing(t *testing.T) {
	srv, _, pipe := newTestServer(t, ServerOptions{})
	cli := connect(t, pipe)

	// Pings are echoed even for peers that never shook hands.
	require.NoError(t, cli.Send(&protocol.Ping{Time: 1234}))
	srv.Receive()
	msgs := drain(t, cli)
	require.Len(t, msgs, 1)
	assert.Equal(t, &protocol.Pong{Time: 1234}, msgs[0])
}

func TestServerPongSmoothsPing(t *testing.T) {
	srv, _, pipe := newTestServer(t, ServerOptions{})
	cli := connect(t, pipe)

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	srv.Receive()
	drain(t, cli)

	var rec *ConnectedClient
	srv.EachClient(func(c *ConnectedClient) { rec = c })
	require.NotNil(t, rec)

	// First sample is taken as-is.
	echo := protocol.Timestamp(testBase.Add(-100 * time.Millisecond))
	require.NoError(t, cli.Send(&protocol.Pong{Time: echo}))
	srv.Receive()
	assert.InDelta(t, 0.100, rec.Ping.Seconds(), 0.01)
	assert.Equal(t, testBase, rec.LastPong)

	// Later samples fold in at 1/8 weight.
	echo = protocol.Timestamp(testBase.Add(-200 * time.Millisecond))
	require.NoError(t, cli.Send(&protocol.Pong{Time: echo}))
	srv.Receive()
	assert.InDelta(t, 0.1125, rec.Ping.Seconds(), 0.01)
}

func TestServerIgnoresFuturePong(t *testing.T) {
	srv, _, pipe := newTestServer(t, ServerOptions{})
	cli := connect(t, pipe)

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	srv.Receive()
	drain(t, cli)

	var rec *ConnectedClient
	srv.EachClient(func(c *ConnectedClient) { rec = c })

	echo := protocol.Timestamp(testBase.Add(500 * time.Millisecond))
	require.NoError(t, cli.Send(&protocol.Pong{Time: echo}))
	srv.Receive()
	assert.Zero(t, rec.Ping)
}

func TestServerAppliesControl(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{})
	cli := connect(t, pipe)

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	srv.Receive()
	grant := drain(t, cli)[1].(*protocol.StartEntityControl)
	ship := sim.EntityFromID(grant.ID)

	control := protocol.ControlState{
		Fire:    true,
		ThrustY: 1,
		Target:  [2]float32{1, 0},
	}
	require.NoError(t, cli.Send(&protocol.EntityUpdate{
		ID:    grant.ID,
		Kind:  protocol.KindControl,
		State: protocol.EncodeState(&control),
	}))
	serverTick(srv, w)

	// The intent landed on the ship.
	s := w.Ship(ship)
	assert.True(t, s.WantFire)
	assert.Equal(t, float32(1), s.WantThrust[1])
	assert.Equal(t, [2]float32{1, 0}, s.WantTarget)

	// The same tick's send pass broadcasts the resulting ship state, and
	// the fire intent produced a projectile.
	ups := updatesIn(drain(t, cli))
	var shipUp, projUp *protocol.EntityUpdate
	for _, u := range ups {
		switch u.Kind {
		case protocol.KindShip:
			shipUp = u
		case protocol.KindProjectile:
			projUp = u
		}
	}
	require.NotNil(t, shipUp)
	assert.Equal(t, grant.ID, shipUp.ID)
	var st protocol.ShipState
	require.NoError(t, st.Decode(shipUp.State))
	assert.Equal(t, [2]float32{1, 0}, st.WantTarget)
	assert.Equal(t, float32(1), st.WantThrust[1])
	assert.Greater(t, st.Thrust[1], float32(0))

	require.NotNil(t, projUp, "fire intent should spawn a projectile")
	var ps protocol.ProjectileState
	require.NoError(t, ps.Decode(projUp.State))
	assert.Equal(t, protocol.ProjectilePlasma, ps.Kind)
}

func TestServerRejectsBadControl(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{})
	owner := connect(t, pipe)
	other := connect(t, pipe)
	stranger := connect(t, pipe)

	require.NoError(t, owner.Send(&protocol.ClientHello{}))
	srv.Receive()
	grant := drain(t, owner)[1].(*protocol.StartEntityControl)
	ship := sim.EntityFromID(grant.ID)

	require.NoError(t, other.Send(&protocol.ClientHello{}))
	srv.Receive()
	drain(t, other)

	control := protocol.EncodeState(&protocol.ControlState{Fire: true})

	tests := []struct {
		name string
		from *transport.PipeClient
		msg  *protocol.EntityUpdate
	}{
		{"unknown sender", stranger, &protocol.EntityUpdate{
			ID: grant.ID, Kind: protocol.KindControl, State: control,
		}},
		{"not the owner", other, &protocol.EntityUpdate{
			ID: grant.ID, Kind: protocol.KindControl, State: control,
		}},
		{"wrong kind", owner, &protocol.EntityUpdate{
			ID: grant.ID, Kind: protocol.KindShip, State: make([]byte, 56),
		}},
		{"nonexistent entity", owner, &protocol.EntityUpdate{
			ID: 0xdeadbeef00000001, Kind: protocol.KindControl, State: control,
		}},
		{"truncated state", owner, &protocol.EntityUpdate{
			ID: grant.ID, Kind: protocol.KindControl, State: make([]byte, 5),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.from.Send(tt.msg))
			srv.Receive()
			assert.False(t, w.Ship(ship).WantFire, "rejected control must not apply")
		})
	}
}

func TestServerDisconnectionTeardown(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{})
	leaver := connect(t, pipe)
	stayer := connect(t, pipe)

	require.NoError(t, leaver.Send(&protocol.ClientHello{}))
	require.NoError(t, stayer.Send(&protocol.ClientHello{}))
	srv.Receive()
	leaverGrant := drain(t, leaver)[1].(*protocol.StartEntityControl)
	drain(t, stayer)

	// Announce both ships first.
	w.Step(dt)
	w.Flush()
	srv.Send()
	drain(t, leaver)
	drain(t, stayer)

	require.NoError(t, leaver.Send(&protocol.Disconnection{}))
	serverTick(srv, w)

	assert.Equal(t, 1, srv.ClientCount())
	assert.False(t, w.Alive(sim.EntityFromID(leaverGrant.ID)))
	assert.Equal(t, 1, w.Count())

	dels := deletesIn(drain(t, stayer))
	require.Len(t, dels, 1)
	assert.Equal(t, leaverGrant.ID, dels[0].ID)

	// The delete goes out exactly once.
	serverTick(srv, w)
	assert.Empty(t, deletesIn(drain(t, stayer)))
}

func TestServerEvictsSilentClients(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{ClientTimeout: time.Second})
	cli := connect(t, pipe)

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	srv.Receive()
	drain(t, cli)
	require.Equal(t, 1, srv.ClientCount())

	// Quiet for longer than the timeout.
	srv.now = func() time.Time { return testBase.Add(2 * time.Second) }
	serverTick(srv, w)

	assert.Equal(t, 0, srv.ClientCount())
	assert.Equal(t, 0, w.Count())
	msgs := drain(t, cli)
	require.NotEmpty(t, msgs)
	assert.IsType(t, &protocol.Disconnection{}, msgs[len(msgs)-1])
}

func TestServerPeriodicPing(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{PingInterval: 4})
	cli := connect(t, pipe)

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	srv.Receive() // frame 1, handshake ping
	drain(t, cli)

	for i := 0; i < 3; i++ {
		serverTick(srv, w) // frames 2..4
	}
	pings := 0
	for _, m := range drain(t, cli) {
		if _, ok := m.(*protocol.Ping); ok {
			pings++
		}
	}
	assert.Equal(t, 1, pings, "one housekeeping ping at frame 4")
}

func TestServerStalenessResend(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{StaleAfter: 5})
	cli := connect(t, pipe)

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	srv.Receive() // frame 1
	drain(t, cli)
	w.Step(dt)
	w.Flush()
	srv.Send()
	require.Len(t, updatesIn(drain(t, cli)), 1, "dirty spawn announces at frame 1")

	// Clean entity stays quiet until the staleness horizon.
	sent := map[uint64]int{}
	for frame := uint64(2); frame <= 11; frame++ {
		serverTick(srv, w)
		if n := len(updatesIn(drain(t, cli))); n > 0 {
			sent[frame] = n
		}
	}
	assert.Equal(t, map[uint64]int{6: 1, 11: 1}, sent)
}

func TestServerClearsDirtyAfterSend(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{})
	cli := connect(t, pipe)

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	srv.Receive()
	grant := drain(t, cli)[1].(*protocol.StartEntityControl)
	ship := sim.EntityFromID(grant.ID)

	require.True(t, w.Repl(ship).Dirty)
	w.Step(dt)
	w.Flush()
	srv.Send()
	assert.False(t, w.Repl(ship).Dirty)
}

func TestServerSkipsUnreplicableEntity(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{})
	cli := connect(t, pipe)

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	srv.Receive()
	drain(t, cli)

	// An entity of a kind the codec does not know is skipped, not fatal,
	// and everything else still goes out.
	w.Spawn(sim.Kind(99))
	w.Step(dt)
	w.Flush()
	srv.Send()

	ups := updatesIn(drain(t, cli))
	require.Len(t, ups, 1)
	assert.Equal(t, protocol.KindShip, ups[0].Kind)
}

func TestServerBroadcastsToAllClients(t *testing.T) {
	srv, w, pipe := newTestServer(t, ServerOptions{})
	first := connect(t, pipe)
	second := connect(t, pipe)

	require.NoError(t, first.Send(&protocol.ClientHello{}))
	require.NoError(t, second.Send(&protocol.ClientHello{}))
	srv.Receive()
	drain(t, first)
	drain(t, second)

	w.Step(dt)
	w.Flush()
	srv.Send()

	// Two ships, both announced to both clients.
	assert.Len(t, updatesIn(drain(t, first)), 2)
	assert.Len(t, updatesIn(drain(t, second)), 2)
}
