package e131

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Transport hands one encoded packet to the network. Send returns once the
// packet has been written or the context is done; pkt is only valid for the
// duration of the call.
type Transport interface {
	Send(ctx context.Context, universe uint16, pkt []byte) error
	Close() error
}

// Conn is the subset of *net.UDPConn the transport writes through.
type Conn interface {
	Write(b []byte) (int, error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a connected socket to raddr.
type Dialer func(raddr *net.UDPAddr) (Conn, error)

func dialUDP(raddr *net.UDPAddr) (Conn, error) {
	c, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UDPConfig configures a UDPTransport.
type UDPConfig struct {
	// Receiver is the controller's IP address. It is resolved once, up front,
	// so sending never waits on DNS.
	Receiver string
	Port     int
	// Multicast sends each universe to its 239.255.x.y group instead of Receiver.
	Multicast bool
	// Dial overrides how sockets are opened; nil uses net.DialUDP.
	Dial Dialer
}

// UDPTransport sends packets over UDP, keeping one connected socket per
// destination.
type UDPTransport struct {
	mu        sync.Mutex
	receiver  *net.UDPAddr
	port      int
	multicast bool
	dial      Dialer
	conns     map[string]Conn
}

func NewUDPTransport(cfg UDPConfig) (*UDPTransport, error) {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	t := &UDPTransport{
		port:      port,
		multicast: cfg.Multicast,
		dial:      cfg.Dial,
		conns:     map[string]Conn{},
	}
	if t.dial == nil {
		t.dial = dialUDP
	}
	if !cfg.Multicast {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.Receiver, strconv.Itoa(port)))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve receiver: %w", err)
		}
		t.receiver = addr
	}
	return t, nil
}

// MulticastAddr is the standard group for universe u.
func MulticastAddr(u uint16, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(239, 255, byte(u>>8), byte(u)), Port: port}
}

// Receiver is the resolved unicast destination, nil when multicasting.
func (t *UDPTransport) Receiver() *net.UDPAddr { return t.receiver }

func (t *UDPTransport) dest(universe uint16) *net.UDPAddr {
	if t.multicast {
		return MulticastAddr(universe, t.port)
	}
	return t.receiver
}

func (t *UDPTransport) conn(addr *net.UDPAddr) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := addr.String()
	if c, ok := t.conns[key]; ok {
		return c, nil
	}
	c, err := t.dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", key, err)
	}
	t.conns[key] = c
	return c, nil
}

func (t *UDPTransport) Send(ctx context.Context, universe uint16, pkt []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := t.conn(t.dest(universe))
	if err != nil {
		return err
	}
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.Write(pkt); err != nil {
		return fmt.Errorf("universe %d: %w", universe, err)
	}
	return nil
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for k, c := range t.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(t.conns, k)
	}
	return first
}
