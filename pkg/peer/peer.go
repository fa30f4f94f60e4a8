package peer

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"
)

// Kinds assigned by the rendezvous server. A kind is a single ASCII
// byte describing the role of the remote agent.
const (
	KindInterface   byte = 'I'
	KindAudioMixer  byte = 'M'
	KindVoxelServer byte = 'V'
)

// Payload is the capability interface an excluded subsystem attaches to
// a record. The dispatcher hands it every 'H' datagram body for its
// record; it never interprets the bytes itself. A payload that also
// implements io.Closer is closed when the record is evicted.
type Payload interface {
	Parse(data []byte) error
}

// PayloadFactory creates the payload for a record on its first 'H'
// datagram. Invoked exactly once per record.
type PayloadFactory func(r *Record) Payload

// Record is one remote agent known to this node: its identity, its two
// candidate socket addresses, and its liveness state.
//
// A record is shared between the dispatcher, the prober and the reaper.
// Mutable state is either atomic (lastSeen, active address) or guarded
// by the claim flag (payload).
type Record struct {
	Kind   byte
	ID     uint16
	Public netip.AddrPort
	Local  netip.AddrPort

	active   atomic.Pointer[netip.AddrPort]
	lastSeen atomic.Int64

	// claimed is the eviction guard: the dispatcher claims the record
	// while updating it, the reaper claims it while evicting it.
	// Whoever loses the swap backs off without blocking.
	claimed atomic.Bool

	payload Payload
}

func NewRecord(kind byte, id uint16, public, local netip.AddrPort) *Record {
	return &Record{
		Kind:   kind,
		ID:     id,
		Public: public,
		Local:  local,
	}
}

// Active returns the confirmed reachable address, or an invalid
// AddrPort while reachability is still unresolved.
func (r *Record) Active() netip.AddrPort {
	if ap := r.active.Load(); ap != nil {
		return *ap
	}
	return netip.AddrPort{}
}

// Resolved reports whether an active address has been confirmed.
func (r *Record) Resolved() bool {
	return r.active.Load() != nil
}

// Activate commits addr as the active address. The first confirmation
// wins and is sticky: once set the active address never changes, a pong
// arriving later at the other candidate is ignored. Reports whether
// this call performed the commit.
func (r *Record) Activate(addr netip.AddrPort) bool {
	return r.active.CompareAndSwap(nil, &addr)
}

// LastSeen returns the time of the last datagram received from this
// record's active or candidate address.
func (r *Record) LastSeen() time.Time {
	return time.Unix(0, r.lastSeen.Load())
}

// Touch advances lastSeen to t. The timestamp never decreases.
func (r *Record) Touch(t time.Time) {
	now := t.UnixNano()
	for {
		prev := r.lastSeen.Load()
		if now <= prev {
			return
		}
		if r.lastSeen.CompareAndSwap(prev, now) {
			return
		}
	}
}

// TryClaim attempts to take the record's exclusion guard without
// blocking. Callers that fail must not touch the record this pass.
func (r *Record) TryClaim() bool {
	return r.claimed.CompareAndSwap(false, true)
}

// Release returns the guard taken by TryClaim.
func (r *Record) Release() {
	r.claimed.Store(false)
}

// Payload returns the attached payload handle, nil until the first 'H'
// datagram. Must only be called while the record is claimed.
func (r *Record) Payload() Payload {
	return r.payload
}

// SetPayload attaches the payload handle. Must only be called while the
// record is claimed.
func (r *Record) SetPayload(p Payload) {
	r.payload = p
}

func (r *Record) String() string {
	active := "unresolved"
	if ap := r.active.Load(); ap != nil {
		active = ap.String()
	}
	return fmt.Sprintf("%c/%d public=%s local=%s active=%s", r.Kind, r.ID, r.Public, r.Local, active)
}
