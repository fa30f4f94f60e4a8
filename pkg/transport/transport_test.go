package transport

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryTransportDeliverReceive(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTransport(netip.MustParseAddrPort("10.0.0.1:40103"))
	sender := netip.MustParseAddrPort("34.86.1.2:40102")
	tr.Deliver(sender, []byte{'P'})

	buf := make([]byte, 1500)
	n, from, err := tr.Receive(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, sender, from)
	require.Equal(t, byte('P'), buf[0])
}

func TestMemoryTransportReceiveAfterClose(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTransport(netip.MustParseAddrPort("10.0.0.1:40103"))
	require.NoError(t, tr.Close())
	_, _, err := tr.Receive(make([]byte, 1))
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestUDPTransportLoopback(t *testing.T) {
	t.Parallel()

	a, err := NewUDPTransport(0)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport(0)
	require.NoError(t, err)
	defer b.Close()

	dst := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), b.LocalAddr().Port())
	require.NoError(t, a.Send(dst, []byte{'P'}))

	buf := make([]byte, 1500)
	n, from, err := b.Receive(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, byte('P'), buf[0])
	require.True(t, from.IsValid())
}
