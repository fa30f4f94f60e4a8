package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// File is the optional TOML tuning file. Every field is a pointer so
// unset fields leave the flag defaults untouched. Durations are
// time.ParseDuration strings ("3s", "500ms").
type File struct {
	Kind              *string `toml:"kind"`
	ListenPort        *uint16 `toml:"listen_port"`
	RendezvousAddr    *string `toml:"rendezvous_addr"`
	SilenceThreshold  *string `toml:"silence_threshold"`
	PersistentKinds   *string `toml:"persistent_kinds"`
	HeartbeatInterval *string `toml:"heartbeat_interval"`
	ProbeInterval     *string `toml:"probe_interval"`
}

// Load parses the tuning file at path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	err = toml.Unmarshal(b, &f)
	if err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	if f.Kind != nil && len(*f.Kind) != 1 {
		return nil, fmt.Errorf("kind must be a single character, got %q", *f.Kind)
	}
	for name, d := range map[string]*string{
		"silence_threshold":  f.SilenceThreshold,
		"heartbeat_interval": f.HeartbeatInterval,
		"probe_interval":     f.ProbeInterval,
	} {
		if d == nil {
			continue
		}
		_, err := time.ParseDuration(*d)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return &f, nil
}

// Duration parses d, which must have been validated by Load. A nil
// pointer returns fallback.
func Duration(d *string, fallback time.Duration) time.Duration {
	if d == nil {
		return fallback
	}
	parsed, err := time.ParseDuration(*d)
	if err != nil {
		return fallback
	}
	return parsed
}
