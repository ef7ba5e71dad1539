package transport

import (
	"fmt"
	"sync"

	"github.com/halvden/spacefray/pkg/protocol"
)

// pipeQueueLen bounds each direction of an in-process link. A full queue
// behaves like a full socket buffer: Send reports ErrNoMore.
const pipeQueueLen = 256

// PipeAddr identifies one client on a pipe server.
type PipeAddr struct {
	id uint64
}

func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", a.id) }

type pipePacket struct {
	msg  protocol.Message
	addr PipeAddr
}

var (
	_ Server = (*PipeServer)(nil)
	_ Client = (*PipeClient)(nil)
)

// PipeServer is an in-process Server for tests and local play. Clients
// attach through Connect; each direction is a bounded queue with the same
// NoMore semantics as a real socket.
type PipeServer struct {
	mu      sync.Mutex
	closed  bool
	nextID  uint64
	inbound chan pipePacket
	peers   map[PipeAddr]chan protocol.Message
}

// NewPipeServer creates an unconnected in-process server.
func NewPipeServer() *PipeServer {
	return &PipeServer{
		inbound: make(chan pipePacket, pipeQueueLen),
		peers:   make(map[PipeAddr]chan protocol.Message),
	}
}

// Connect attaches a new client to the server and returns its endpoint.
func (s *PipeServer) Connect() (*PipeClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.nextID++
	addr := PipeAddr{id: s.nextID}
	down := make(chan protocol.Message, pipeQueueLen)
	s.peers[addr] = down
	return &PipeClient{server: s, addr: addr, inbound: down}, nil
}

func (s *PipeServer) Send(msg protocol.Message, addr Addr) error {
	pa, ok := addr.(PipeAddr)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, addr)
	}
	s.mu.Lock()
	down, ok := s.peers[pa]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, addr)
	}
	select {
	case down <- msg:
		return nil
	default:
		return ErrNoMore
	}
}

func (s *PipeServer) Recv() (protocol.Message, Addr, error) {
	select {
	case pkt := <-s.inbound:
		return pkt.msg, pkt.addr, nil
	default:
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, nil, ErrClosed
		}
		return nil, nil, ErrNoMore
	}
}

func (s *PipeServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.peers = map[PipeAddr]chan protocol.Message{}
	return nil
}

// PipeClient is the client endpoint of an in-process link.
type PipeClient struct {
	server  *PipeServer
	addr    PipeAddr
	inbound chan protocol.Message

	mu     sync.Mutex
	closed bool
}

// Addr returns the address the server sees for this client.
func (c *PipeClient) Addr() PipeAddr { return c.addr }

func (c *PipeClient) Send(msg protocol.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.server.mu.Lock()
	serverClosed := c.server.closed
	c.server.mu.Unlock()
	if serverClosed {
		return ErrClosed
	}
	select {
	case c.server.inbound <- pipePacket{msg: msg, addr: c.addr}:
		return nil
	default:
		return ErrNoMore
	}
}

func (c *PipeClient) Recv() (protocol.Message, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	default:
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		return nil, ErrNoMore
	}
}

// Close detaches the client and tells the server, like a socket teardown
// would: the server sees a Disconnection from this address.
func (c *PipeClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.server.mu.Lock()
	delete(c.server.peers, c.addr)
	serverClosed := c.server.closed
	c.server.mu.Unlock()
	if !serverClosed {
		select {
		case c.server.inbound <- pipePacket{msg: &protocol.Disconnection{}, addr: c.addr}:
		default:
		}
	}
	return nil
}
