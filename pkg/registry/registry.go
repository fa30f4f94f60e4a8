package registry

import (
	"io"
	"net/netip"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"flock/pkg/metrics"
	"flock/pkg/peer"
)

// AddressResolvedCallback is invoked the first time a record of a
// designated kind gets a confirmed active address. Excluded subsystems
// (e.g. audio routing) use it to learn a peer's usable endpoint.
type AddressResolvedCallback func(r *peer.Record)

type RegistryConfig struct {
	Log            logr.Logger
	Clock          clock.Clock
	PayloadFactory peer.PayloadFactory
	ResolvedKinds  string
	OnAddrResolved AddressResolvedCallback
}

func (cfg *RegistryConfig) Apply(opts ...RegistryOption) error {
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

type RegistryOption func(cfg *RegistryConfig) error

func WithLogger(log logr.Logger) RegistryOption {
	return func(cfg *RegistryConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithClock(c clock.Clock) RegistryOption {
	return func(cfg *RegistryConfig) error {
		cfg.Clock = c
		return nil
	}
}

// WithPayloadFactory injects the callback used to create a record's
// payload handle on its first 'H' datagram.
func WithPayloadFactory(f peer.PayloadFactory) RegistryOption {
	return func(cfg *RegistryConfig) error {
		cfg.PayloadFactory = f
		return nil
	}
}

// WithAddressResolvedCallback registers fn to fire when a record whose
// kind is in kinds gets its first confirmed active address.
func WithAddressResolvedCallback(kinds string, fn AddressResolvedCallback) RegistryOption {
	return func(cfg *RegistryConfig) error {
		cfg.ResolvedKinds = kinds
		cfg.OnAddrResolved = fn
		return nil
	}
}

// Registry owns the set of peer records. Structural mutation (insert,
// remove) is serialized by a single mutex held only for slice
// manipulation, never across I/O; eviction-vs-update races on a single
// record are excluded by the record's own claim guard.
type Registry struct {
	mu      sync.Mutex
	records []*peer.Record
	lastID  uint16

	clock          clock.Clock
	log            logr.Logger
	payloadFactory peer.PayloadFactory
	resolvedKinds  string
	onAddrResolved AddressResolvedCallback
}

func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	cfg := RegistryConfig{
		Log:   logr.Discard(),
		Clock: clock.New(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &Registry{
		clock:          cfg.Clock,
		log:            cfg.Log,
		payloadFactory: cfg.PayloadFactory,
		resolvedKinds:  cfg.ResolvedKinds,
		onAddrResolved: cfg.OnAddrResolved,
	}, nil
}

// Upsert matches an announce against the existing records and inserts
// a new one when nothing matches. The de-duplication key is the
// (kind, public, local) triple; when the stored local address is still
// unknown the kind plus public address alone match. Re-delivery of a
// known record only refreshes its lastSeen timestamp, the first-seen id
// is retained.
func (r *Registry) Upsert(kind byte, id uint16, public, local netip.AddrPort) (*peer.Record, bool) {
	now := r.clock.Now()

	r.mu.Lock()
	for _, rec := range r.records {
		if matches(rec, kind, public, local) {
			r.mu.Unlock()
			rec.Touch(now)
			return rec, false
		}
	}

	rec := peer.NewRecord(kind, id, public, local)
	rec.Touch(now)
	if public == local {
		// Rendezvous server and agent on the same network, no need
		// to probe: the single candidate is the active address.
		rec.Activate(public)
	}
	r.records = append(r.records, rec)
	count := len(r.records)
	r.mu.Unlock()

	metrics.PeersGauge.Set(float64(count))
	r.log.Info("added peer", "peer", rec.String())
	if rec.Resolved() {
		r.notifyResolved(rec)
	}
	return rec, true
}

func matches(rec *peer.Record, kind byte, public, local netip.AddrPort) bool {
	if rec.Kind != kind || rec.Public != public {
		return false
	}
	if !rec.Local.IsValid() || !local.IsValid() {
		return true
	}
	return rec.Local == local
}

// FindByAddress returns the record owning addr, checking every public
// address before any local address. Public matches take priority so a
// local address collision on a LAN cannot mask the correct peer.
func (r *Registry) FindByAddress(addr netip.AddrPort) *peer.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Public == addr {
			return rec
		}
	}
	for _, rec := range r.records {
		if rec.Local == addr {
			return rec
		}
	}
	return nil
}

// Snapshot returns a stable copy of the current records. The lock is
// held only while copying so fan-out I/O over the snapshot never blocks
// inbound mutation.
func (r *Registry) Snapshot() []*peer.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer.Record, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of records currently held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Activate commits addr as rec's active address. The first confirmed
// address wins and is sticky; later confirmations of the other
// candidate are ignored to prevent path flapping on lossy networks.
func (r *Registry) Activate(rec *peer.Record, addr netip.AddrPort) {
	if !rec.Activate(addr) {
		return
	}
	r.log.Info("peer reachability confirmed", "peer", rec.String())
	r.notifyResolved(rec)
}

func (r *Registry) notifyResolved(rec *peer.Record) {
	if r.onAddrResolved == nil || !strings.ContainsRune(r.resolvedKinds, rune(rec.Kind)) {
		return
	}
	r.onAddrResolved(rec)
}

// EvictIf removes every record for which pred holds and whose claim
// guard could be taken without blocking. A record the dispatcher is
// mid-update on simply stays for the next sweep. Returns the number of
// records removed.
func (r *Registry) EvictIf(pred func(rec *peer.Record) bool) int {
	evicted := 0
	for _, rec := range r.Snapshot() {
		if !rec.TryClaim() {
			continue
		}
		if !pred(rec) {
			rec.Release()
			continue
		}

		r.mu.Lock()
		for i, cur := range r.records {
			if cur == rec {
				r.records = append(r.records[:i], r.records[i+1:]...)
				break
			}
		}
		count := len(r.records)
		r.mu.Unlock()

		if closer, ok := rec.Payload().(io.Closer); ok {
			err := closer.Close()
			if err != nil {
				r.log.Error(err, "could not close peer payload", "peer", rec.String())
			}
		}
		rec.Release()
		evicted++
		metrics.PeersGauge.Set(float64(count))
		metrics.EvictionsTotal.Inc()
		r.log.Info("evicted silent peer", "peer", rec.String())
	}
	return evicted
}

// PayloadFactory exposes the injected payload creation callback to the
// dispatcher, nil when no subsystem is attached.
func (r *Registry) PayloadFactory() peer.PayloadFactory {
	return r.payloadFactory
}

// Clock returns the registry clock, shared with the dispatcher so
// record timestamps come from a single source.
func (r *Registry) Clock() clock.Clock {
	return r.clock
}

// NextID increments and returns the local id counter. Rendezvous-side
// deployments use it to hand out record ids; agents never call it.
func (r *Registry) NextID() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	return r.lastID
}
