package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"

	"github.com/halvden/spacefray/pkg/protocol"
)

// DefaultUDPPort is the port the server listens on when none is configured.
const DefaultUDPPort = 34244

// udpQueueLen bounds the inbound handoff queue between the socket reader
// goroutine and the tick loop.
const udpQueueLen = 1024

// udpReadBuf is the datagram read buffer size. The largest valid message is
// well under 100 bytes; anything bigger fails to decode anyway.
const udpReadBuf = 1024

// UDPServer is the default transport: one unconnected UDP socket, peers
// identified by source address. A background goroutine reads and decodes
// datagrams and hands valid messages to Recv through a bounded queue.
type UDPServer struct {
	conn  *net.UDPConn
	stats Stats

	inbound chan udpPacket
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	logger *log.Logger
}

type udpPacket struct {
	msg  protocol.Message
	addr netip.AddrPort
}

var (
	_ Server = (*UDPServer)(nil)
	_ Client = (*UDPClient)(nil)
)

// ListenUDP opens the server socket and starts the reader goroutine.
func ListenUDP(port int) (*UDPServer, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", port, err)
	}
	s := &UDPServer{
		conn:    conn,
		inbound: make(chan udpPacket, udpQueueLen),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

// SetLogger enables transport-level logging (read errors, drop notices).
func (s *UDPServer) SetLogger(logger *log.Logger) { s.logger = logger }

// LocalAddr returns the bound socket address.
func (s *UDPServer) LocalAddr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

// Stats exposes the transport counters.
func (s *UDPServer) Stats() *Stats { return &s.stats }

func (s *UDPServer) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *UDPServer) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, udpReadBuf)
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logf("udp read: %v", err)
			continue
		}
		msg := protocol.Decode(buf[:n])
		if msg == nil {
			s.stats.Invalid.Add(1)
			continue
		}
		select {
		case s.inbound <- udpPacket{msg: msg, addr: addr}:
			s.stats.Received.Add(1)
		default:
			s.stats.Dropped.Add(1)
		}
	}
}

func (s *UDPServer) Send(msg protocol.Message, addr Addr) error {
	ap, ok := addr.(netip.AddrPort)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, addr)
	}
	if _, err := s.conn.WriteToUDPAddrPort(protocol.Encode(msg), ap); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("udp send to %s: %w", ap, err)
	}
	return nil
}

func (s *UDPServer) Recv() (protocol.Message, Addr, error) {
	select {
	case pkt := <-s.inbound:
		return pkt.msg, pkt.addr, nil
	default:
		return nil, nil, ErrNoMore
	}
}

func (s *UDPServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close()
	s.wg.Wait()
	return err
}

// UDPClient is a connected UDP socket to one server. The connected socket
// makes the kernel discard datagrams from any other source, so no manual
// source filtering is needed.
type UDPClient struct {
	conn  *net.UDPConn
	stats Stats

	inbound chan protocol.Message
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	logger *log.Logger
}

// DialUDP connects to a server ("host:port") and starts the reader.
func DialUDP(server string) (*UDPClient, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", server, err)
	}
	c := &UDPClient{
		conn:    conn,
		inbound: make(chan protocol.Message, udpQueueLen),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// SetLogger enables transport-level logging.
func (c *UDPClient) SetLogger(logger *log.Logger) { c.logger = logger }

// Stats exposes the transport counters.
func (c *UDPClient) Stats() *Stats { return &c.stats }

func (c *UDPClient) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func (c *UDPClient) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, udpReadBuf)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logf("udp read: %v", err)
			continue
		}
		msg := protocol.Decode(buf[:n])
		if msg == nil {
			c.stats.Invalid.Add(1)
			continue
		}
		select {
		case c.inbound <- msg:
			c.stats.Received.Add(1)
		default:
			c.stats.Dropped.Add(1)
		}
	}
}

func (c *UDPClient) Send(msg protocol.Message) error {
	if _, err := c.conn.Write(protocol.Encode(msg)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("udp send: %w", err)
	}
	return nil
}

func (c *UDPClient) Recv() (protocol.Message, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	default:
		return nil, ErrNoMore
	}
}

func (c *UDPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	c.wg.Wait()
	return err
}
