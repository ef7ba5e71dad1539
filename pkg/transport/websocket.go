package transport

import (
	"encoding/binary"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halvden/spacefray/pkg/protocol"
)

// DefaultWSPort is the WebSocket listen port when none is configured.
const DefaultWSPort = 8080

// wsWriteWait bounds how long a single WebSocket write may take before the
// peer is considered gone.
const wsWriteWait = 10 * time.Second

// wsQueueLen bounds the shared inbound queue between connection readers and
// the tick loop.
const wsQueueLen = 1024

// WSAddr identifies one WebSocket connection. The serial keeps two
// connections from the same remote distinct across reconnects.
type WSAddr struct {
	serial uint64
	remote string
}

func (a WSAddr) String() string { return a.remote }

type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex // guards writes; gorilla allows one writer at a time
}

// write sends one message on the connection, mapping Ping/Pong to
// WebSocket control frames (the payload is the 4-byte encoded timestamp)
// and Disconnection to a close frame, everything else to a binary frame.
func (p *wsPeer) write(msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	deadline := time.Now().Add(wsWriteWait)
	switch m := msg.(type) {
	case *protocol.Ping:
		var payload [4]byte
		binary.BigEndian.PutUint32(payload[:], m.Time)
		return p.conn.WriteControl(websocket.PingMessage, payload[:], deadline)
	case *protocol.Pong:
		var payload [4]byte
		binary.BigEndian.PutUint32(payload[:], m.Time)
		return p.conn.WriteControl(websocket.PongMessage, payload[:], deadline)
	case *protocol.Disconnection:
		data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		return p.conn.WriteControl(websocket.CloseMessage, data, deadline)
	default:
		p.conn.SetWriteDeadline(deadline)
		return p.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(msg))
	}
}

type wsPacket struct {
	msg  protocol.Message
	addr WSAddr
}

var (
	_ Server = (*WSServer)(nil)
	_ Client = (*WSClient)(nil)
)

// WSServer is the WebSocket transport: an http.Handler that upgrades
// connections and feeds their traffic into one inbound queue. Mount it on
// the game mux, conventionally at /ws.
type WSServer struct {
	upgrader websocket.Upgrader
	stats    Stats

	inbound chan wsPacket
	wg      sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	nextSerial uint64
	peers      map[WSAddr]*wsPeer

	logger *log.Logger
}

// NewWSServer creates the WebSocket transport. Origins are not checked:
// the protocol carries no credentials and the native client sets none.
func NewWSServer() *WSServer {
	return &WSServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		inbound: make(chan wsPacket, wsQueueLen),
		peers:   map[WSAddr]*wsPeer{},
	}
}

// SetLogger enables transport-level logging.
func (s *WSServer) SetLogger(logger *log.Logger) { s.logger = logger }

// Stats exposes the transport counters.
func (s *WSServer) Stats() *Stats { return &s.stats }

func (s *WSServer) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("ws upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.nextSerial++
	addr := WSAddr{serial: s.nextSerial, remote: r.RemoteAddr}
	peer := &wsPeer{conn: conn}
	s.peers[addr] = peer
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readLoop(addr, peer)
}

func (s *WSServer) readLoop(addr WSAddr, peer *wsPeer) {
	defer s.wg.Done()
	conn := peer.conn

	// Control-frame ping/pong carries the protocol's 4-byte timestamp.
	// The replication stage echoes pings, so the default auto-pong is
	// replaced with queue injection.
	conn.SetPingHandler(func(appData string) error {
		s.inject(addr, wsControlMessage(websocket.PingMessage, appData))
		return nil
	})
	conn.SetPongHandler(func(appData string) error {
		s.inject(addr, wsControlMessage(websocket.PongMessage, appData))
		return nil
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			s.dropPeer(addr)
			s.inject(addr, &protocol.Disconnection{})
			conn.Close()
			return
		}
		if kind != websocket.BinaryMessage {
			s.stats.Invalid.Add(1)
			continue
		}
		msg := protocol.Decode(data)
		if msg == nil {
			s.stats.Invalid.Add(1)
			continue
		}
		// In-band ping/pong is invalid over WebSocket; control frames
		// carry those.
		switch msg.(type) {
		case *protocol.Ping, *protocol.Pong:
			s.stats.Invalid.Add(1)
			continue
		}
		s.inject(addr, msg)
	}
}

// wsControlMessage turns a ping/pong control frame payload into the
// equivalent protocol message, or nil when the payload is not the 4-byte
// timestamp.
func wsControlMessage(kind int, appData string) protocol.Message {
	if len(appData) != 4 {
		return nil
	}
	v := binary.BigEndian.Uint32([]byte(appData))
	if kind == websocket.PingMessage {
		return &protocol.Ping{Time: v}
	}
	return &protocol.Pong{Time: v}
}

func (s *WSServer) inject(addr WSAddr, msg protocol.Message) {
	if msg == nil {
		s.stats.Invalid.Add(1)
		return
	}
	select {
	case s.inbound <- wsPacket{msg: msg, addr: addr}:
		s.stats.Received.Add(1)
	default:
		s.stats.Dropped.Add(1)
	}
}

func (s *WSServer) dropPeer(addr WSAddr) {
	s.mu.Lock()
	delete(s.peers, addr)
	s.mu.Unlock()
}

func (s *WSServer) Send(msg protocol.Message, addr Addr) error {
	wa, ok := addr.(WSAddr)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, addr)
	}
	s.mu.Lock()
	peer, ok := s.peers[wa]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, addr)
	}
	if err := peer.write(msg); err != nil {
		return fmt.Errorf("ws send to %s: %w", wa, err)
	}
	return nil
}

func (s *WSServer) Recv() (protocol.Message, Addr, error) {
	select {
	case pkt := <-s.inbound:
		return pkt.msg, pkt.addr, nil
	default:
		return nil, nil, ErrNoMore
	}
}

func (s *WSServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	peers := s.peers
	s.peers = map[WSAddr]*wsPeer{}
	s.mu.Unlock()

	for _, peer := range peers {
		peer.conn.Close()
	}
	s.wg.Wait()
	return nil
}

// WSClient is a WebSocket connection to one server.
type WSClient struct {
	peer  *wsPeer
	stats Stats

	inbound chan protocol.Message
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	logger *log.Logger
}

// DialWS connects to a WebSocket server URL (ws://host:port/ws).
func DialWS(url string) (*WSClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ws %s: %w", url, err)
	}
	c := &WSClient{
		peer:    &wsPeer{conn: conn},
		inbound: make(chan protocol.Message, wsQueueLen),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// SetLogger enables transport-level logging.
func (c *WSClient) SetLogger(logger *log.Logger) { c.logger = logger }

// Stats exposes the transport counters.
func (c *WSClient) Stats() *Stats { return &c.stats }

func (c *WSClient) readLoop() {
	defer c.wg.Done()
	conn := c.peer.conn

	conn.SetPingHandler(func(appData string) error {
		c.inject(wsControlMessage(websocket.PingMessage, appData))
		return nil
	})
	conn.SetPongHandler(func(appData string) error {
		c.inject(wsControlMessage(websocket.PongMessage, appData))
		return nil
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.inject(&protocol.Disconnection{})
			return
		}
		if kind != websocket.BinaryMessage {
			c.stats.Invalid.Add(1)
			continue
		}
		msg := protocol.Decode(data)
		if msg == nil {
			c.stats.Invalid.Add(1)
			continue
		}
		switch msg.(type) {
		case *protocol.Ping, *protocol.Pong:
			c.stats.Invalid.Add(1)
			continue
		}
		c.inject(msg)
	}
}

func (c *WSClient) inject(msg protocol.Message) {
	if msg == nil {
		c.stats.Invalid.Add(1)
		return
	}
	select {
	case c.inbound <- msg:
		c.stats.Received.Add(1)
	default:
		c.stats.Dropped.Add(1)
	}
}

func (c *WSClient) Send(msg protocol.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := c.peer.write(msg); err != nil {
		return fmt.Errorf("ws send: %w", err)
	}
	return nil
}

func (c *WSClient) Recv() (protocol.Message, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	default:
		return nil, ErrNoMore
	}
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	// Best-effort close frame so the server tears the session down
	// instead of waiting for a timeout.
	deadline := time.Now().Add(wsWriteWait)
	data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.peer.mu.Lock()
	c.peer.conn.WriteControl(websocket.CloseMessage, data, deadline)
	c.peer.mu.Unlock()

	err := c.peer.conn.Close()
	c.wg.Wait()
	return err
}
