package reaper

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"flock/pkg/peer"
	"flock/pkg/registry"
)

const DefaultSilenceThreshold = 3 * time.Second

type ReaperConfig struct {
	Log             logr.Logger
	Clock           clock.Clock
	Threshold       time.Duration
	PersistentKinds string
}

func (cfg *ReaperConfig) Apply(opts ...ReaperOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type ReaperOption func(cfg *ReaperConfig) error

func WithLogger(log logr.Logger) ReaperOption {
	return func(cfg *ReaperConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithClock(c clock.Clock) ReaperOption {
	return func(cfg *ReaperConfig) error {
		cfg.Clock = c
		return nil
	}
}

// WithThreshold sets the maximum silence before a record is eligible
// for eviction.
func WithThreshold(d time.Duration) ReaperOption {
	return func(cfg *ReaperConfig) error {
		cfg.Threshold = d
		return nil
	}
}

// WithPersistentKinds exempts the given kinds from eviction regardless
// of how long they have been silent.
func WithPersistentKinds(kinds string) ReaperOption {
	return func(cfg *ReaperConfig) error {
		cfg.PersistentKinds = kinds
		return nil
	}
}

// Reaper evicts peer records that have been silent longer than the
// threshold, bounding registry size and broadcast cost.
type Reaper struct {
	registry        *registry.Registry
	clock           clock.Clock
	threshold       time.Duration
	persistentKinds string
	log             logr.Logger
}

func NewReaper(reg *registry.Registry, opts ...ReaperOption) (*Reaper, error) {
	cfg := ReaperConfig{
		Log:             logr.Discard(),
		Clock:           clock.New(),
		Threshold:       DefaultSilenceThreshold,
		PersistentKinds: string(peer.KindVoxelServer),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &Reaper{
		registry:        reg,
		clock:           cfg.Clock,
		threshold:       cfg.Threshold,
		persistentKinds: cfg.PersistentKinds,
		log:             cfg.Log,
	}, nil
}

// Run alternates between sweeping and sleeping until the threshold has
// elapsed since sweep start, so a slow sweep does not stretch the
// effective eviction latency. Stops when ctx is done, always finishing
// the in-flight sweep first.
func (r *Reaper) Run(ctx context.Context) error {
	for {
		start := r.clock.Now()
		r.Sweep()

		sleep := r.threshold - r.clock.Since(start)
		if sleep <= 0 {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			continue
		}
		timer := r.clock.Timer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Sweep evicts every record whose silence exceeds the threshold and
// whose kind is not persistent. Records currently claimed by the
// dispatcher are left for the next sweep rather than blocked on.
func (r *Reaper) Sweep() int {
	now := r.clock.Now()
	return r.registry.EvictIf(func(rec *peer.Record) bool {
		if strings.ContainsRune(r.persistentKinds, rune(rec.Kind)) {
			return false
		}
		return now.Sub(rec.LastSeen()) > r.threshold
	})
}
