package peer

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTouchNeverDecreases(t *testing.T) {
	t.Parallel()

	rec := NewRecord('I', 1, netip.MustParseAddrPort("34.86.1.2:40102"), netip.MustParseAddrPort("10.0.0.5:40103"))
	later := time.Unix(100, 0)
	rec.Touch(later)
	require.Equal(t, later.UnixNano(), rec.LastSeen().UnixNano())

	rec.Touch(time.Unix(50, 0))
	require.Equal(t, later.UnixNano(), rec.LastSeen().UnixNano())
}

func TestActivateFirstWins(t *testing.T) {
	t.Parallel()

	public := netip.MustParseAddrPort("34.86.1.2:40102")
	local := netip.MustParseAddrPort("10.0.0.5:40103")
	rec := NewRecord('I', 1, public, local)
	require.False(t, rec.Resolved())

	require.True(t, rec.Activate(local))
	require.False(t, rec.Activate(public))
	require.Equal(t, local, rec.Active())
}

func TestClaimGuard(t *testing.T) {
	t.Parallel()

	rec := NewRecord('I', 1, netip.MustParseAddrPort("34.86.1.2:40102"), netip.MustParseAddrPort("10.0.0.5:40103"))
	require.True(t, rec.TryClaim())
	require.False(t, rec.TryClaim())
	rec.Release()
	require.True(t, rec.TryClaim())
}
