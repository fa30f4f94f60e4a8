package dispatch

import (
	"errors"
	"net/netip"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"

	"flock/pkg/metrics"
	"flock/pkg/probe"
	"flock/pkg/registry"
	"flock/pkg/transport"
	"flock/pkg/wire"
)

const defaultUnknownCacheSize = 512

type DispatcherConfig struct {
	Log              logr.Logger
	UnknownCacheSize int
}

func (cfg *DispatcherConfig) Apply(opts ...DispatcherOption) error {
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

type DispatcherOption func(cfg *DispatcherConfig) error

func WithLogger(log logr.Logger) DispatcherOption {
	return func(cfg *DispatcherConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithUnknownCacheSize bounds the cache suppressing repeated logs for
// datagrams from unknown senders.
func WithUnknownCacheSize(size int) DispatcherOption {
	return func(cfg *DispatcherConfig) error {
		cfg.UnknownCacheSize = size
		return nil
	}
}

// Dispatcher classifies inbound datagrams by their leading tag byte and
// routes them to the registry, the prober, or the payload extension
// point. It is the single mutation entry point for liveness state on
// the receive path.
type Dispatcher struct {
	registry  *registry.Registry
	transport transport.Transport
	prober    *probe.Prober
	log       logr.Logger

	// unknown suppresses per-datagram logging for senders the registry
	// does not know; steady-state stale traffic would flood the log
	// otherwise.
	unknown *lru.Cache[netip.AddrPort, struct{}]
}

func NewDispatcher(reg *registry.Registry, tr transport.Transport, prober *probe.Prober, opts ...DispatcherOption) (*Dispatcher, error) {
	cfg := DispatcherConfig{
		Log:              logr.Discard(),
		UnknownCacheSize: defaultUnknownCacheSize,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	unknown, err := lru.New[netip.AddrPort, struct{}](cfg.UnknownCacheSize)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		registry:  reg,
		transport: tr,
		prober:    prober,
		log:       cfg.Log,
		unknown:   unknown,
	}, nil
}

// Dispatch handles one inbound datagram. Malformed and unmatched
// datagrams are dropped without error, unknown tags are ignored for
// forward compatibility.
func (d *Dispatcher) Dispatch(sender netip.AddrPort, data []byte) {
	if len(data) == 0 {
		return
	}
	tag := "unknown"
	switch data[0] {
	case wire.TagPeerList, wire.TagPayload, wire.TagPing, wire.TagPong:
		tag = string(data[:1])
	}
	metrics.DatagramsTotal.WithLabelValues(tag).Inc()
	switch data[0] {
	case wire.TagPeerList:
		d.handlePeerList(data[1:])
	case wire.TagPayload:
		d.handlePayload(sender, data[1:])
	case wire.TagPing:
		err := d.transport.Send(sender, []byte{wire.TagPong})
		if err != nil {
			d.log.Error(err, "could not reply to ping", "addr", sender)
		}
	case wire.TagPong:
		d.prober.HandlePong(sender)
	default:
		d.log.V(4).Info("ignoring unknown datagram tag", "tag", data[0])
	}
}

func (d *Dispatcher) handlePeerList(body []byte) {
	for len(body) > 0 {
		a, n, err := wire.DecodeAnnounce(body)
		if err != nil {
			if errors.Is(err, wire.ErrShortBuffer) {
				d.log.V(4).Info("dropping truncated peer list remainder", "remaining", len(body))
			}
			return
		}
		body = body[n:]
		d.registry.Upsert(a.Kind, a.ID, a.Public, a.Local)
	}
}

func (d *Dispatcher) handlePayload(sender netip.AddrPort, body []byte) {
	rec := d.registry.FindByAddress(sender)
	if rec == nil {
		if _, seen := d.unknown.Get(sender); !seen {
			d.unknown.Add(sender, struct{}{})
			d.log.V(4).Info("payload from unknown sender", "addr", sender)
		}
		return
	}
	// Claim the record so the reaper cannot evict it mid-update. A
	// failed claim means eviction is already underway, the datagram is
	// dropped like any other from an unknown sender.
	if !rec.TryClaim() {
		return
	}
	defer rec.Release()

	rec.Touch(d.registry.Clock().Now())
	if rec.Payload() == nil {
		factory := d.registry.PayloadFactory()
		if factory == nil {
			return
		}
		rec.SetPayload(factory(rec))
	}
	err := rec.Payload().Parse(body)
	if err != nil {
		d.log.V(4).Info("payload parse failed", "peer", rec.String(), "error", err.Error())
	}
}
