package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	"flock/pkg/metrics"
	"flock/pkg/transport"
	"flock/pkg/wire"
)

const DefaultInterval = time.Second

// Resolver turns the rendezvous hostname into an IPv4 address.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (netip.Addr, error)
}

var _ Resolver = &DNSResolver{}

// DNSResolver queries the first nameserver from the system resolver
// configuration for an A record.
type DNSResolver struct {
	ConfigPath string
}

func NewDNSResolver() *DNSResolver {
	return &DNSResolver{ConfigPath: "/etc/resolv.conf"}
}

func (r *DNSResolver) LookupIPv4(ctx context.Context, host string) (netip.Addr, error) {
	cfg, err := dns.ClientConfigFromFile(r.ConfigPath)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("could not read resolver configuration: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return netip.Addr{}, errors.New("no nameservers configured")
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := new(dns.Client)
	resp, _, err := c.ExchangeContext(ctx, m, net.JoinHostPort(cfg.Servers[0], cfg.Port))
	if err != nil {
		return netip.Addr{}, err
	}
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(a.A.To4())
		if !ok {
			continue
		}
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("no A record for %s", host)
}

type EmitterConfig struct {
	Log      logr.Logger
	Clock    clock.Clock
	Resolver Resolver
	Interval time.Duration
}

func (cfg *EmitterConfig) Apply(opts ...EmitterOption) error {
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

type EmitterOption func(cfg *EmitterConfig) error

func WithLogger(log logr.Logger) EmitterOption {
	return func(cfg *EmitterConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithClock(c clock.Clock) EmitterOption {
	return func(cfg *EmitterConfig) error {
		cfg.Clock = c
		return nil
	}
}

func WithResolver(r Resolver) EmitterOption {
	return func(cfg *EmitterConfig) error {
		cfg.Resolver = r
		return nil
	}
}

func WithInterval(d time.Duration) EmitterOption {
	return func(cfg *EmitterConfig) error {
		cfg.Interval = d
		return nil
	}
}

// Emitter announces this node's presence to the rendezvous server at a
// fixed cadence. It is fully decoupled from the peer registry.
type Emitter struct {
	transport  transport.Transport
	kind       byte
	local      netip.AddrPort
	rendezvous string
	resolver   Resolver
	interval   time.Duration
	clock      clock.Clock
	log        logr.Logger

	// resolved caches the rendezvous address after the first
	// successful lookup.
	resolved netip.AddrPort
}

// NewEmitter creates an emitter announcing kind and local (this node's
// own listen socket) to rendezvous, given as host:port where host may
// be a hostname or an IPv4 literal.
func NewEmitter(tr transport.Transport, kind byte, local netip.AddrPort, rendezvous string, opts ...EmitterOption) (*Emitter, error) {
	cfg := EmitterConfig{
		Log:      logr.Discard(),
		Clock:    clock.New(),
		Resolver: NewDNSResolver(),
		Interval: DefaultInterval,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	_, _, err = net.SplitHostPort(rendezvous)
	if err != nil {
		return nil, fmt.Errorf("invalid rendezvous address %s: %w", rendezvous, err)
	}
	return &Emitter{
		transport:  tr,
		kind:       kind,
		local:      local,
		rendezvous: rendezvous,
		resolver:   cfg.Resolver,
		interval:   cfg.Interval,
		clock:      cfg.Clock,
		log:        cfg.Log,
	}, nil
}

// Run sends one check-in per interval, subtracting the time spent
// sending so the long-run rate does not drift. A resolution failure is
// logged and retried on the next tick, never fatal.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		start := e.clock.Now()
		e.Tick(ctx)

		sleep := e.interval - e.clock.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		timer := e.clock.Timer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Tick performs a single check-in attempt.
func (e *Emitter) Tick(ctx context.Context) {
	if !e.resolved.IsValid() {
		addr, err := e.resolve(ctx)
		if err != nil {
			metrics.HeartbeatErrorsTotal.Inc()
			e.log.Error(err, "could not resolve rendezvous server", "rendezvous", e.rendezvous)
			return
		}
		e.resolved = addr
		e.log.Info("resolved rendezvous server", "rendezvous", e.rendezvous, "addr", addr)
	}
	err := e.transport.Send(e.resolved, wire.CheckInDatagram(e.kind, e.local))
	if err != nil {
		metrics.HeartbeatErrorsTotal.Inc()
		e.log.Error(err, "could not send check-in", "addr", e.resolved)
		return
	}
	metrics.HeartbeatsTotal.Inc()
}

func (e *Emitter) resolve(ctx context.Context) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(e.rendezvous)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid rendezvous port %s: %w", portStr, err)
	}

	// Static IP override skips DNS entirely.
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr, uint16(port)), nil
	}

	resolveTimer := prometheus.NewTimer(metrics.ResolveDurHistogram.WithLabelValues("dns"))
	defer resolveTimer.ObserveDuration()
	addr, err := retry.DoWithData(
		func() (netip.Addr, error) {
			return e.resolver.LookupIPv4(ctx, host)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
	)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}
