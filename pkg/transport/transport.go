package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// Transport is the UDP socket surface the presence core runs on: one
// bound local port with blocking send/receive primitives. The
// surrounding application owns the receive loop.
type Transport interface {
	// Send writes one datagram to addr.
	Send(addr netip.AddrPort, b []byte) error
	// Receive blocks until a datagram arrives and copies it into buf.
	Receive(buf []byte) (int, netip.AddrPort, error)
	// LocalAddr returns the bound local socket address.
	LocalAddr() netip.AddrPort
	Close() error
}

var _ Transport = &UDPTransport{}

// UDPTransport is the production transport over a single bound UDP
// port.
type UDPTransport struct {
	conn *net.UDPConn
}

func NewUDPTransport(port uint16) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("could not bind udp port %d: %w", port, err)
	}
	return &UDPTransport{conn: conn}, nil
}

func (t *UDPTransport) Send(addr netip.AddrPort, b []byte) error {
	_, err := t.conn.WriteToUDPAddrPort(b, addr)
	return err
}

func (t *UDPTransport) Receive(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := t.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if addr.Addr().Is4In6() {
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}
	return n, addr, nil
}

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// Datagram is one datagram passing through the memory transport.
// Addr is the destination for sent datagrams and the sender for
// delivered ones.
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

var _ Transport = &MemoryTransport{}

// MemoryTransport implements Transport without a socket. Sends are
// recorded in order and can be inspected; Deliver queues datagrams for
// Receive. Used in tests.
type MemoryTransport struct {
	mu    sync.Mutex
	local netip.AddrPort
	sent  []Datagram
	inbox chan Datagram
}

func NewMemoryTransport(local netip.AddrPort) *MemoryTransport {
	return &MemoryTransport{
		local: local,
		inbox: make(chan Datagram, 64),
	}
}

func (t *MemoryTransport) Send(addr netip.AddrPort, b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := make([]byte, len(b))
	copy(data, b)
	t.sent = append(t.sent, Datagram{Addr: addr, Data: data})
	return nil
}

func (t *MemoryTransport) Receive(buf []byte) (int, netip.AddrPort, error) {
	d, ok := <-t.inbox
	if !ok {
		return 0, netip.AddrPort{}, net.ErrClosed
	}
	n := copy(buf, d.Data)
	return n, d.Addr, nil
}

func (t *MemoryTransport) LocalAddr() netip.AddrPort {
	return t.local
}

func (t *MemoryTransport) Close() error {
	close(t.inbox)
	return nil
}

// Deliver queues a datagram for the next Receive, from is reported as
// the sender address.
func (t *MemoryTransport) Deliver(from netip.AddrPort, b []byte) {
	data := make([]byte, len(b))
	copy(data, b)
	t.inbox <- Datagram{Addr: from, Data: data}
}

// Sent returns a copy of every datagram sent so far.
func (t *MemoryTransport) Sent() []Datagram {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Datagram, len(t.sent))
	copy(out, t.sent)
	return out
}

// Reset clears the sent log.
func (t *MemoryTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
}

// LocalIPv4 returns the first non-loopback IPv4 address of this host,
// used as the local candidate in self check-ins.
func LocalIPv4() (netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			addr, ok := netip.AddrFromSlice(ip4)
			if !ok {
				continue
			}
			return addr, nil
		}
	}
	return netip.Addr{}, errors.New("no non-loopback ipv4 interface found")
}
