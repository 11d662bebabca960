package qbind

import (
	"github.com/pg9182/qbind/pkg/quic"
)

// PreprocessOutcome is the result of Preprocessor.Preprocess.
type PreprocessOutcome int

const (
	PPAccept PreprocessOutcome = iota
	PPDrop
	PPEnqueuedVersionNegotiation
)

// Preprocessor is component D: it parses the invariant header, validates
// CID-length policy, and classifies short vs. long header packets.
type Preprocessor struct {
	exclusive             bool
	minInitialCIDLength   int
	serverChosenCIDLength int
	supportedVersions     []uint32
	registry              *ListenerRegistry

	retryGate       memoryPressureGate
	handshakeMemory func() uint64 // external collaborator: aggregate handshake memory, tracked by the connection manager
	retryAEAD       *quic.RetryAEAD
}

// NewPreprocessor builds a Preprocessor bound to the binding's exclusivity
// flag, CID length policy, and listener registry (used for the
// unknown-version admission check in §4.D).
func NewPreprocessor(exclusive bool, minInitialCIDLength, serverChosenCIDLength int, supportedVersions []uint32, registry *ListenerRegistry) *Preprocessor {
	return &Preprocessor{
		exclusive:             exclusive,
		minInitialCIDLength:   minInitialCIDLength,
		serverChosenCIDLength: serverChosenCIDLength,
		supportedVersions:     supportedVersions,
		registry:              registry,
	}
}

// configureRetryGate wires in the memory-pressure gate, handshake-memory
// accessor, and Retry AEAD used by ShouldRetry/ValidateRetryToken. Kept
// separate from NewPreprocessor so tests can construct a Preprocessor
// without a Retry key when they don't exercise the retry gate.
func (p *Preprocessor) configureRetryGate(limitPercent float64, handshakeMemory func() uint64, aead *quic.RetryAEAD) {
	p.retryGate = memoryPressureGate{limitPercent: limitPercent}
	p.handshakeMemory = handshakeMemory
	p.retryAEAD = aead
}

// Preprocess parses dg.Raw's invariant header into dg.Header and enforces
// CID-length policy. It does not itself build a Version Negotiation
// datagram; it only reports that one is owed, leaving the caller (the
// demultiplexer) to go through the Stateless Operation Table first.
func (p *Preprocessor) Preprocess(dg *Datagram) (PreprocessOutcome, dropReason) {
	shortCIDLen := 0
	if !p.exclusive {
		shortCIDLen = p.serverChosenCIDLength
	}

	h, err := quic.ParseInvariant(dg.Raw, shortCIDLen)
	if err != nil {
		if len(dg.Raw) > 0 && dg.Raw[0]&quic.LongHeaderFormBit == 0 {
			// a short header too short to carry the binding's Dest-CID length
			return PPDrop, dropCIDLengthPolicy
		}
		return PPDrop, dropShortBuffer
	}
	dg.Header = h

	if h.IsLong() {
		// CID-length policy (§4.D): exclusive bindings require a zero-length
		// Dest-CID (no CID is ever negotiated); shared bindings require at
		// least MIN_INITIAL_CONNECTION_ID_LENGTH.
		if p.exclusive {
			if len(h.DestCID) != 0 {
				return PPDrop, dropCIDLengthPolicy
			}
		} else if len(h.DestCID) < p.minInitialCIDLength {
			return PPDrop, dropCIDLengthPolicy
		}

		dg.isHandshake = h.LongPacketType() == quic.PacketTypeInitial || h.LongPacketType() == quic.PacketTypeHandshake

		if !quic.IsSupportedVersion(h.Version, p.supportedVersions) && h.Version != quic.VersionNegotiation {
			if p.registry.HasAny() {
				return PPEnqueuedVersionNegotiation, ""
			}
			return PPDrop, dropUnsupportedVer
		}
	} else {
		if p.exclusive {
			if len(h.DestCID) != 0 {
				return PPDrop, dropCIDLengthPolicy
			}
		} else if len(h.DestCID) != p.serverChosenCIDLength {
			return PPDrop, dropCIDLengthPolicy
		}
	}

	dg.Valid = true
	return PPAccept, ""
}

// ShouldCreateConnection implements the connection-creation gate of §4.D:
// only a long-header, non-VN, Initial packet of a supported version, with at
// least one registered listener, may create a new connection.
func (p *Preprocessor) ShouldCreateConnection(dg *Datagram) bool {
	if !dg.Header.IsLong() {
		return false
	}
	if dg.Header.Version == quic.VersionNegotiation {
		return false
	}
	if dg.Header.LongPacketType() != quic.PacketTypeInitial {
		return false
	}
	if !quic.IsSupportedVersion(dg.Header.Version, p.supportedVersions) {
		return false
	}
	return p.registry.HasAny()
}

// ShouldRetry implements the §4.D retry gate. It is only meaningful for an
// Initial packet that ShouldCreateConnection has already accepted.
//
// Under the memory-pressure limit, no Retry is needed. Over the limit, an
// absent token means a Retry is owed; a present token is decrypted under the
// datagram's Dest-CID and checked against its remote address, and the
// original Dest-CID length it records is sanity-checked — a
// bad token means drop (it's either forged or stale), never a second
// Retry, since a legitimate client only ever carries one valid token at a
// time.
func (p *Preprocessor) ShouldRetry(dg *Datagram) (retry bool, drop bool) {
	if p.handshakeMemory == nil {
		return false, false // retry gate not configured: behave as if unconditionally under the limit
	}
	if !p.retryGate.Trip(p.handshakeMemory()) {
		return false, false
	}

	token, err := quic.ParseInitialToken(dg.Raw, dg.Header)
	if err != nil {
		return false, true
	}
	if len(token) == 0 {
		return true, false
	}

	if p.retryAEAD == nil {
		return false, true
	}
	_, err = p.retryAEAD.Open(token, dg.Header.DestCID, dg.Remote)
	if err != nil {
		return false, true
	}
	return false, false
}
