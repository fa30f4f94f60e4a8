package probe

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"flock/pkg/registry"
	"flock/pkg/transport"
	"flock/pkg/wire"
)

func newTestProber(t *testing.T) (*Prober, *registry.Registry, *transport.MemoryTransport) {
	t.Helper()
	reg, err := registry.NewRegistry(registry.WithClock(clock.NewMock()))
	require.NoError(t, err)
	tr := transport.NewMemoryTransport(netip.MustParseAddrPort("10.0.0.1:40103"))
	prober, err := NewProber(reg, tr)
	require.NoError(t, err)
	return prober, reg, tr
}

func sentTo(t *testing.T, tr *transport.MemoryTransport) map[netip.AddrPort]int {
	t.Helper()
	out := map[netip.AddrPort]int{}
	for _, d := range tr.Sent() {
		require.Equal(t, []byte{wire.TagPing}, d.Data)
		out[d.Addr]++
	}
	return out
}

func TestSweepProbesBothCandidatesWhenUnresolved(t *testing.T) {
	t.Parallel()

	prober, reg, tr := newTestProber(t)
	public := netip.MustParseAddrPort("34.86.1.2:40102")
	local := netip.MustParseAddrPort("10.0.0.5:40103")
	reg.Upsert('I', 1, public, local)

	prober.Sweep()
	require.Equal(t, map[netip.AddrPort]int{public: 1, local: 1}, sentTo(t, tr))
}

func TestSweepProbesOnlyActiveWhenResolved(t *testing.T) {
	t.Parallel()

	prober, reg, tr := newTestProber(t)
	public := netip.MustParseAddrPort("34.86.1.2:40102")
	local := netip.MustParseAddrPort("10.0.0.5:40103")
	rec, _ := reg.Upsert('I', 1, public, local)
	reg.Activate(rec, local)

	prober.Sweep()
	require.Equal(t, map[netip.AddrPort]int{local: 1}, sentTo(t, tr))
}

func TestHandlePongCommitsFirstConfirmation(t *testing.T) {
	t.Parallel()

	prober, reg, _ := newTestProber(t)
	public := netip.MustParseAddrPort("34.86.1.2:40102")
	local := netip.MustParseAddrPort("10.0.0.5:40103")
	rec, _ := reg.Upsert('I', 1, public, local)

	prober.HandlePong(public)
	require.Equal(t, public, rec.Active())

	// The other candidate answering later must not flip the path.
	prober.HandlePong(local)
	require.Equal(t, public, rec.Active())
}

func TestHandlePongUnknownAddressDropped(t *testing.T) {
	t.Parallel()

	prober, reg, _ := newTestProber(t)
	prober.HandlePong(netip.MustParseAddrPort("203.0.113.1:9999"))
	require.Equal(t, 0, reg.Len())
}

func TestBroadcastFiltersByKindAndResolution(t *testing.T) {
	t.Parallel()

	prober, reg, tr := newTestProber(t)
	ifacePublic := netip.MustParseAddrPort("34.86.1.2:40102")
	mixerPublic := netip.MustParseAddrPort("34.86.1.3:40102")
	voxelPublic := netip.MustParseAddrPort("34.86.1.4:40102")
	iface, _ := reg.Upsert('I', 1, ifacePublic, netip.MustParseAddrPort("10.0.0.5:40103"))
	mixer, _ := reg.Upsert('M', 2, mixerPublic, netip.MustParseAddrPort("10.0.0.6:40103"))
	reg.Upsert('V', 3, voxelPublic, netip.MustParseAddrPort("10.0.0.7:40103"))
	reg.Activate(iface, ifacePublic)
	reg.Activate(mixer, mixerPublic)

	prober.Broadcast([]byte{wire.TagPayload, 42}, "IV")

	// Only the resolved interface client qualifies: the mixer kind is
	// filtered out, the voxel server is unresolved.
	sent := tr.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, ifacePublic, sent[0].Addr)
	require.Equal(t, []byte{wire.TagPayload, 42}, sent[0].Data)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	prober, _, _ := newTestProber(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- prober.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("prober did not stop")
	}
}
