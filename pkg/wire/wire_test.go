package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddrPortRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		addr string
		port uint16
	}{
		{
			name: "zero address zero port",
			addr: "0.0.0.0",
			port: 0,
		},
		{
			name: "broadcast address max port",
			addr: "255.255.255.255",
			port: 65535,
		},
		{
			name: "private address",
			addr: "192.168.0.17",
			port: 40102,
		},
		{
			name: "public address",
			addr: "34.86.1.2",
			port: 1,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ap := netip.AddrPortFrom(netip.MustParseAddr(tt.addr), tt.port)
			b := AppendAddrPort(nil, ap)
			require.Len(t, b, AddrLen)
			decoded, n, err := DecodeAddrPort(b)
			require.NoError(t, err)
			require.Equal(t, AddrLen, n)
			require.Equal(t, ap, decoded)
		})
	}
}

func TestDecodeAddrPortShortBuffer(t *testing.T) {
	t.Parallel()

	for i := 0; i < AddrLen; i++ {
		_, _, err := DecodeAddrPort(make([]byte, i))
		require.ErrorIs(t, err, ErrShortBuffer)
	}
}

func TestAnnounceRoundTrip(t *testing.T) {
	t.Parallel()

	a := Announce{
		Kind:   'M',
		ID:     513,
		Public: netip.MustParseAddrPort("34.86.1.2:40102"),
		Local:  netip.MustParseAddrPort("10.0.0.5:40103"),
	}
	b := AppendAnnounce(nil, a)
	require.Len(t, b, AnnounceLen)

	decoded, n, err := DecodeAnnounce(b)
	require.NoError(t, err)
	require.Equal(t, AnnounceLen, n)
	require.Equal(t, a, decoded)
}

func TestDecodeAnnounceShortBuffer(t *testing.T) {
	t.Parallel()

	a := Announce{
		Kind:   'I',
		ID:     1,
		Public: netip.MustParseAddrPort("10.0.0.1:5000"),
		Local:  netip.MustParseAddrPort("10.0.0.1:5000"),
	}
	b := AppendAnnounce(nil, a)
	_, _, err := DecodeAnnounce(b[:AnnounceLen-1])
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestPeerListDatagram(t *testing.T) {
	t.Parallel()

	records := []Announce{
		{Kind: 'I', ID: 1, Public: netip.MustParseAddrPort("10.0.0.1:5000"), Local: netip.MustParseAddrPort("192.168.0.1:5000")},
		{Kind: 'M', ID: 2, Public: netip.MustParseAddrPort("10.0.0.2:5001"), Local: netip.MustParseAddrPort("192.168.0.2:5001")},
	}
	b := PeerListDatagram(records)
	require.Equal(t, TagPeerList, b[0])
	require.Len(t, b, 1+2*AnnounceLen)

	body := b[1:]
	decoded := []Announce{}
	for len(body) > 0 {
		a, n, err := DecodeAnnounce(body)
		require.NoError(t, err)
		body = body[n:]
		decoded = append(decoded, a)
	}
	require.Equal(t, records, decoded)
}

func TestCheckInDatagram(t *testing.T) {
	t.Parallel()

	local := netip.MustParseAddrPort("192.168.0.7:40103")
	b := CheckInDatagram('I', local)
	require.Len(t, b, CheckInLen)
	require.Equal(t, byte('I'), b[0])

	decoded, _, err := DecodeAddrPort(b[1:])
	require.NoError(t, err)
	require.Equal(t, local, decoded)
}
