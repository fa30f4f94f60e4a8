package probe

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"flock/pkg/metrics"
	"flock/pkg/registry"
	"flock/pkg/transport"
	"flock/pkg/wire"
)

type ProberConfig struct {
	Log      logr.Logger
	Interval time.Duration
}

func (cfg *ProberConfig) Apply(opts ...ProberOption) error {
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

type ProberOption func(cfg *ProberConfig) error

func WithLogger(log logr.Logger) ProberOption {
	return func(cfg *ProberConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithInterval sets the sweep cadence. The same loop drives probing
// and broadcast so the hot path only competes with one network-touching
// background task.
func WithInterval(d time.Duration) ProberOption {
	return func(cfg *ProberConfig) error {
		cfg.Interval = d
		return nil
	}
}

// Prober resolves which of a peer's two candidate addresses is actually
// routable by pinging and committing the first confirmed pong.
type Prober struct {
	registry  *registry.Registry
	transport transport.Transport
	interval  time.Duration
	log       logr.Logger
}

func NewProber(reg *registry.Registry, tr transport.Transport, opts ...ProberOption) (*Prober, error) {
	cfg := ProberConfig{
		Log:      logr.Discard(),
		Interval: time.Second,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &Prober{
		registry:  reg,
		transport: tr,
		interval:  cfg.Interval,
		log:       cfg.Log,
	}, nil
}

// Run sweeps at the configured cadence until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep sends one round of probes: peers with a confirmed path get a
// single probe there, unresolved peers get one probe per candidate so
// either path can answer.
func (p *Prober) Sweep() {
	ping := []byte{wire.TagPing}
	for _, rec := range p.registry.Snapshot() {
		if rec.Resolved() {
			p.send(rec.Active(), ping, "active")
			continue
		}
		p.send(rec.Public, ping, "public")
		p.send(rec.Local, ping, "local")
	}
}

func (p *Prober) send(addr netip.AddrPort, b []byte, target string) {
	if !addr.IsValid() {
		return
	}
	err := p.transport.Send(addr, b)
	if err != nil {
		p.log.Error(err, "could not send probe", "addr", addr)
		return
	}
	metrics.ProbesTotal.WithLabelValues(target).Inc()
}

// HandlePong commits the sender address of a pong as the owning
// record's active address. The lookup checks public addresses first;
// a pong from an address no record owns is dropped, stale probes keep
// answering after eviction and that is not an error.
func (p *Prober) HandlePong(sender netip.AddrPort) {
	rec := p.registry.FindByAddress(sender)
	if rec == nil {
		p.log.V(4).Info("pong from unknown address", "addr", sender)
		return
	}
	rec.Touch(p.registry.Clock().Now())
	p.registry.Activate(rec, sender)
}

// Broadcast sends data to the active address of every record whose
// kind appears in kinds. Records without a confirmed path are skipped.
func (p *Prober) Broadcast(data []byte, kinds string) {
	for _, rec := range p.registry.Snapshot() {
		if !rec.Resolved() || !strings.ContainsRune(kinds, rune(rec.Kind)) {
			continue
		}
		err := p.transport.Send(rec.Active(), data)
		if err != nil {
			p.log.Error(err, "could not broadcast to peer", "peer", rec.String())
		}
	}
}
