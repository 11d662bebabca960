package qbind

import (
	"net/netip"

	"github.com/pg9182/qbind/pkg/quic"
)

// Datagram is the transient per-datagram record described in spec §3
// ("Received Packet"): it carries the parsed invariant header and enough
// bookkeeping to classify and route the datagram, and never outlives the
// underlying buffer it was parsed from.
type Datagram struct {
	Remote netip.AddrPort
	Local  netip.AddrPort
	Raw    []byte // full datagram bytes, owned by the datapath until returned

	Header quic.InvariantHeader
	Valid  bool // set once preprocessing succeeds

	// classification, filled in by the preprocessor, used to order
	// handshake packets before data packets within a sub-chain (§4.F).
	isHandshake bool
}

// IsHandshake reports whether the datagram is a long-header Initial or
// Handshake packet, which must be ordered before 0-RTT/1-RTT data packets
// within a sub-chain (§4.F, §8 invariant 5).
func (d *Datagram) IsHandshake() bool {
	return d.isHandshake
}

// DestCID returns the datagram's Destination Connection ID.
func (d *Datagram) DestCID() quic.CID {
	return quic.CID(d.Header.DestCID)
}
