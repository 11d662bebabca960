package qbind

import (
	"net/netip"
	"sort"
	"sync"
)

// AddrFamily orders listeners within the registry: IPv6 is most specific,
// then IPv4, then the AF_UNSPEC wildcard-everything entries (§4.B
// registration ordering).
type AddrFamily int

const (
	FamilyUnspec AddrFamily = iota
	FamilyInet
	FamilyInet6
)

func familyOf(a netip.Addr, wildcard bool) AddrFamily {
	if wildcard && !a.IsValid() {
		return FamilyUnspec
	}
	if a.Is4() || a.Is4In6() {
		return FamilyInet
	}
	return FamilyInet6
}

// Listener is a registered listener: a local address (possibly wildcard,
// possibly family-unspecified) plus an ALPN identifier and an owning
// session. CreateConnection is called by the demux (§4.F step 5) to
// materialize a new Connection for an admitted Initial.
type Listener struct {
	Addr     netip.Addr // zero value + Wildcard for AF_UNSPEC
	Wildcard bool
	ALPN     string
	Owner    any

	CreateConnection func(remote netip.AddrPort, dcid, scid []byte) (Connection, error)

	rundown sync.WaitGroup
	closed  bool
	mu      sync.Mutex
}

// AcquireRundown prevents the listener from being considered freed while
// in use. Callers must call ReleaseRundown when done.
func (l *Listener) AcquireRundown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.rundown.Add(1)
	return true
}

// ReleaseRundown releases a guard acquired by AcquireRundown.
func (l *Listener) ReleaseRundown() {
	l.rundown.Done()
}

// family and specificity are used for sort ordering.
func (l *Listener) family() AddrFamily { return familyOf(l.Addr, l.Wildcard) }

// matchesAddr reports whether local is a match for l: always true for a
// wildcard listener, otherwise the two addresses must be equal (§4.B
// Selection: "specific address must equal when not wildcard" — family alone
// is not enough, since two specific listeners of the same family must still
// be distinguished by address).
func (l *Listener) matchesAddr(local netip.Addr) bool {
	if l.Wildcard {
		return true
	}
	return l.Addr.Unmap() == local.Unmap()
}

func (l *Listener) equivalenceKey() (AddrFamily, bool, string, string) {
	var addrBytes []byte
	if l.Addr.IsValid() {
		addrBytes = l.Addr.AsSlice()
	}
	return l.family(), l.Wildcard, string(addrBytes), l.ALPN
}

// ListenerRegistry is component B: an ordered set of listeners, filtered by
// address-family, wildcard-ness, and ALPN, supporting longest-match
// selection for incoming handshakes.
type ListenerRegistry struct {
	mu   sync.RWMutex
	list []*Listener

	// onFirstRegister fires exactly once, the first time a listener is
	// successfully registered (§4.B: "The first successful registration
	// triggers A.maximize_partitioning()").
	onFirstRegister func()
	fired           bool
}

// NewListenerRegistry creates an empty registry. onFirstRegister, if
// non-nil, is called synchronously (under the registry's write lock, so it
// must not itself call back into the registry) the first time Register
// succeeds.
func NewListenerRegistry(onFirstRegister func()) *ListenerRegistry {
	return &ListenerRegistry{onFirstRegister: onFirstRegister}
}

// sortKeyLess implements the registration ordering of §4.B: family DESC
// (IPv6 > IPv4 > Unspec), then specific-before-wildcard, then address
// bytes, then ALPN.
func sortKeyLess(a, b *Listener) bool {
	fa, wa, addrA, alpnA := a.equivalenceKey()
	fb, wb, addrB, alpnB := b.equivalenceKey()

	if fa != fb {
		return fa > fb // DESC
	}
	if wa != wb {
		return !wa // specific (false) before wildcard (true)
	}
	if addrA != addrB {
		return addrA < addrB
	}
	return alpnA < alpnB
}

// Register adds l to the registry. It rejects (returning false) a listener
// whose (family, wildcard, address, ALPN) equivalence key duplicates one
// already present, without modifying the registry otherwise. On success, if
// this is the registry's first listener, onFirstRegister is invoked.
func (r *ListenerRegistry) Register(l *Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.list {
		if existing.equivalenceKey() == l.equivalenceKey() {
			return false
		}
	}

	r.list = append(r.list, l)
	sort.SliceStable(r.list, func(i, j int) bool {
		return sortKeyLess(r.list[i], r.list[j])
	})

	if !r.fired {
		r.fired = true
		if r.onFirstRegister != nil {
			r.onFirstRegister()
		}
	}
	return true
}

// Unregister removes l from the registry, if present.
func (r *ListenerRegistry) Unregister(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.list {
		if existing == l {
			r.list = append(r.list[:i], r.list[i+1:]...)
			break
		}
	}

	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// HasAny reports whether the registry currently has at least one listener
// (§4.D: "On long header with unknown version: if any listener exists,
// admit a Version Negotiation...").
func (r *ListenerRegistry) HasAny() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list) > 0
}

// Len returns the number of registered listeners, for metrics.
func (r *ListenerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}

// SelectAny finds the first address-matching listener in stored order,
// ignoring ALPN. Used when the caller has no ALPN extracted for the
// datagram (§9 Open Questions: ALPN extraction from the Initial's crypto
// frames is a version-specific concern this binding does not implement;
// callers that need ALPN-based selection supply it via an external hook).
func (r *ListenerRegistry) SelectAny(local netip.Addr) *Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, l := range r.list {
		if !l.matchesAddr(local) {
			continue
		}
		if l.AcquireRundown() {
			return l
		}
	}
	return nil
}

// Select finds the listener to hand a new connection to, given the local
// address the handshake arrived on and the client's ALPN list in the
// client's preference order. For each ALPN in client order, the registry is
// scanned in stored order; the first listener matching both family/address
// and ALPN wins (§4.B Selection: "The ALPN list order is authoritative").
// The returned listener's rundown guard has already been acquired; callers
// must call ReleaseRundown when finished.
func (r *ListenerRegistry) Select(local netip.Addr, alpns []string) *Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, alpn := range alpns {
		for _, l := range r.list {
			if l.ALPN != alpn {
				continue
			}
			if !l.matchesAddr(local) {
				continue
			}
			if l.AcquireRundown() {
				return l
			}
		}
	}
	return nil
}
