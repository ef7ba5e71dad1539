package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvden/spacefray/pkg/protocol"
)

func startWS(t *testing.T) (*WSServer, string) {
	t.Helper()
	srv := NewWSServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWSRoundTrip(t *testing.T) {
	srv, url := startWS(t)

	cli, err := DialWS(url)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Send(&protocol.ClientHello{}))

	msg, from := serverRecv(t, srv)
	assert.IsType(t, &protocol.ClientHello{}, msg)

	require.NoError(t, srv.Send(&protocol.ServerHello{}, from))
	reply := clientRecv(t, cli)
	assert.IsType(t, &protocol.ServerHello{}, reply)
}

func TestWSTwoClientsDistinctAddrs(t *testing.T) {
	srv, url := startWS(t)

	first, err := DialWS(url)
	require.NoError(t, err)
	defer first.Close()
	second, err := DialWS(url)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Send(&protocol.StartEntityControl{ID: 1}))
	require.NoError(t, second.Send(&protocol.StartEntityControl{ID: 2}))

	seen := map[Addr]uint64{}
	for i := 0; i < 2; i++ {
		msg, addr := serverRecv(t, srv)
		sec, ok := msg.(*protocol.StartEntityControl)
		require.True(t, ok)
		seen[addr] = sec.ID
	}
	assert.Len(t, seen, 2)
}

func TestWSPingPongControlFrames(t *testing.T) {
	srv, url := startWS(t)

	cli, err := DialWS(url)
	require.NoError(t, err)
	defer cli.Close()

	// The server needs an address for this peer first.
	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	_, from := serverRecv(t, srv)

	// Protocol pings ride WebSocket ping frames, not binary frames.
	require.NoError(t, srv.Send(&protocol.Ping{Time: 77}, from))
	msg := clientRecv(t, cli)
	assert.Equal(t, &protocol.Ping{Time: 77}, msg)

	require.NoError(t, cli.Send(&protocol.Pong{Time: 77}))
	reply, replyFrom := serverRecv(t, srv)
	assert.Equal(t, &protocol.Pong{Time: 77}, reply)
	assert.Equal(t, from, replyFrom)
}

func TestWSInBandPingRejected(t *testing.T) {
	srv, url := startWS(t)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// A ping sent as a binary frame instead of a control frame is a
	// protocol violation and never reaches the replication stage.
	err = conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(&protocol.Ping{Time: 5}))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Stats().Invalid.Load() >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, srv.Stats().Invalid.Load(), uint64(1))

	_, _, err = srv.Recv()
	assert.ErrorIs(t, err, ErrNoMore)
}

func TestWSClientCloseProducesDisconnection(t *testing.T) {
	srv, url := startWS(t)

	cli, err := DialWS(url)
	require.NoError(t, err)

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	_, from := serverRecv(t, srv)

	require.NoError(t, cli.Close())

	msg, addr := serverRecv(t, srv)
	assert.IsType(t, &protocol.Disconnection{}, msg)
	assert.Equal(t, from, addr)

	err = srv.Send(&protocol.ServerHello{}, from)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestWSServerDisconnectionClosesClient(t *testing.T) {
	srv, url := startWS(t)

	cli, err := DialWS(url)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Send(&protocol.ClientHello{}))
	_, from := serverRecv(t, srv)

	// An outbound Disconnection becomes a close frame; the client sees
	// the connection end as a Disconnection message.
	require.NoError(t, srv.Send(&protocol.Disconnection{}, from))
	msg := clientRecv(t, cli)
	assert.IsType(t, &protocol.Disconnection{}, msg)
}
