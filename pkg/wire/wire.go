package wire

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// Datagram tags. Every datagram starts with a single ASCII tag byte,
// anything after it is tag specific. Unknown tags are ignored by the
// dispatcher so new payload types can be introduced without breaking
// old agents.
const (
	TagPeerList byte = 'D'
	TagPayload  byte = 'H'
	TagPing     byte = 'P'
	TagPong     byte = 'R'
)

const (
	// AddrLen is the encoded size of a socket address: a raw IPv4
	// address followed by a big-endian port.
	AddrLen = 6
	// AnnounceLen is the encoded size of one peer announce record.
	AnnounceLen = 1 + 2 + AddrLen + AddrLen
	// CheckInLen is the encoded size of a self check-in datagram.
	CheckInLen = 1 + AddrLen
)

var ErrShortBuffer = errors.New("wire: buffer too short")

// Announce is one record of a 'D' peer-list datagram as sent by the
// rendezvous server.
type Announce struct {
	Kind   byte
	ID     uint16
	Public netip.AddrPort
	Local  netip.AddrPort
}

// AppendAddrPort appends the fixed-width encoding of an IPv4 socket
// address to b. Non-IPv4 addresses are encoded as 0.0.0.0, the protocol
// is IPv4 only.
func AppendAddrPort(b []byte, ap netip.AddrPort) []byte {
	addr := ap.Addr()
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	var ip [4]byte
	if addr.Is4() {
		ip = addr.As4()
	}
	b = append(b, ip[:]...)
	return binary.BigEndian.AppendUint16(b, ap.Port())
}

// DecodeAddrPort reads a fixed-width socket address from the front of b
// and reports how many bytes were consumed.
func DecodeAddrPort(b []byte) (netip.AddrPort, int, error) {
	if len(b) < AddrLen {
		return netip.AddrPort{}, 0, ErrShortBuffer
	}
	addr := netip.AddrFrom4([4]byte(b[:4]))
	port := binary.BigEndian.Uint16(b[4:6])
	return netip.AddrPortFrom(addr, port), AddrLen, nil
}

// AppendAnnounce appends the fixed-width encoding of one peer announce
// record to b.
func AppendAnnounce(b []byte, a Announce) []byte {
	b = append(b, a.Kind)
	b = binary.BigEndian.AppendUint16(b, a.ID)
	b = AppendAddrPort(b, a.Public)
	return AppendAddrPort(b, a.Local)
}

// DecodeAnnounce reads one peer announce record from the front of b and
// reports how many bytes were consumed. Callers loop over a 'D'
// datagram body until it is exhausted.
func DecodeAnnounce(b []byte) (Announce, int, error) {
	if len(b) < AnnounceLen {
		return Announce{}, 0, ErrShortBuffer
	}
	a := Announce{
		Kind: b[0],
		ID:   binary.BigEndian.Uint16(b[1:3]),
	}
	off := 3
	var n int
	var err error
	a.Public, n, err = DecodeAddrPort(b[off:])
	if err != nil {
		return Announce{}, 0, err
	}
	off += n
	a.Local, n, err = DecodeAddrPort(b[off:])
	if err != nil {
		return Announce{}, 0, err
	}
	off += n
	return a, off, nil
}

// PeerListDatagram encodes a complete 'D' datagram for the given
// records. Used by rendezvous-side deployments and tests.
func PeerListDatagram(records []Announce) []byte {
	b := make([]byte, 0, 1+len(records)*AnnounceLen)
	b = append(b, TagPeerList)
	for _, a := range records {
		b = AppendAnnounce(b, a)
	}
	return b
}

// CheckInDatagram encodes the self-announcement an agent sends to the
// rendezvous server: its own kind followed by its local socket.
func CheckInDatagram(kind byte, local netip.AddrPort) []byte {
	b := make([]byte, 0, CheckInLen)
	b = append(b, kind)
	return AppendAddrPort(b, local)
}
