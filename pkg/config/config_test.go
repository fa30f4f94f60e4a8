package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "flock.toml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad(t *testing.T) {
	t.Parallel()

	p := writeConfig(t, `
kind = "M"
listen_port = 40104
rendezvous_addr = "rendezvous.example.com:40102"
silence_threshold = "5s"
persistent_kinds = "MV"
heartbeat_interval = "500ms"
`)
	f, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "M", *f.Kind)
	require.Equal(t, uint16(40104), *f.ListenPort)
	require.Equal(t, "rendezvous.example.com:40102", *f.RendezvousAddr)
	require.Equal(t, "MV", *f.PersistentKinds)
	require.Equal(t, 5*time.Second, Duration(f.SilenceThreshold, time.Second))
	require.Equal(t, 500*time.Millisecond, Duration(f.HeartbeatInterval, time.Second))
	require.Nil(t, f.ProbeInterval)
	require.Equal(t, 2*time.Second, Duration(f.ProbeInterval, 2*time.Second))
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Parallel()

	p := writeConfig(t, `silence_threshold = "not-a-duration"`)
	_, err := Load(p)
	require.Error(t, err)
}

func TestLoadInvalidKind(t *testing.T) {
	t.Parallel()

	p := writeConfig(t, `kind = "interface"`)
	_, err := Load(p)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
