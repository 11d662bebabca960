package qbind

import (
	"crypto/rand"

	"github.com/pg9182/qbind/pkg/quic"
)

// Responder is component E: it owns the reset-token keyed hash and the
// Retry AEAD key, and builds the three kinds of stateless response
// datagram (§4.E). It holds no connection state of its own.
type Responder struct {
	exclusive             bool
	reservedVersion       uint32
	supportedVersions     []uint32
	serverChosenCIDLength int
	minResetLen           int
	recommendedResetLen   int

	resetKey *quic.ResetKey
	retryKey *quic.RetryAEAD
}

// NewResponder builds a Responder bound to a binding's reset key, Retry
// AEAD key, and version/CID-length policy.
func NewResponder(exclusive bool, reservedVersion uint32, supportedVersions []uint32, serverChosenCIDLength, minResetLen, recommendedResetLen int, resetKey *quic.ResetKey, retryKey *quic.RetryAEAD) *Responder {
	return &Responder{
		exclusive:             exclusive,
		reservedVersion:       reservedVersion,
		supportedVersions:     supportedVersions,
		serverChosenCIDLength: serverChosenCIDLength,
		minResetLen:           minResetLen,
		recommendedResetLen:   recommendedResetLen,
		resetKey:              resetKey,
		retryKey:              retryKey,
	}
}

// VersionNegotiation builds a VN datagram for dg, per §4.E: CIDs swapped,
// version list led by the binding's reserved GREASE version.
func (r *Responder) VersionNegotiation(dg *Datagram) []byte {
	return quic.BuildVersionNegotiation(dg.Header.DestCID, dg.Header.SrcCID, r.reservedVersion, r.supportedVersions)
}

// Retry builds a fresh Retry datagram for dg: a new server-chosen Dest-CID,
// an encrypted token binding the client's remote address and original
// Dest-CID to that new CID, and the draft-23 Retry wire format.
func (r *Responder) Retry(dg *Datagram) ([]byte, error) {
	newDestCID := make(quic.CID, r.serverChosenCIDLength)
	if _, err := rand.Read(newDestCID); err != nil {
		return nil, err
	}

	token := r.retryKey.Seal(quic.RetryToken{
		RemoteAddr:  dg.Remote,
		OrigDestCID: dg.Header.DestCID,
	}, newDestCID)

	return quic.BuildRetry(dg.Header.Version, dg.Header.SrcCID, newDestCID, dg.Header.DestCID, token), nil
}

// StatelessReset builds a Stateless Reset datagram in response to dg (whose
// length bounds the reset's length), or returns ok=false if
// §4.E forbids one: exclusive bindings (no CID to derive a token from) and
// long-header triggers (the peer could not yet know any token).
func (r *Responder) StatelessReset(dg *Datagram, entropy func() (uint, error)) (out []byte, ok bool, err error) {
	if r.exclusive {
		return nil, false, nil
	}
	if dg.Header.IsLong() {
		return nil, false, nil
	}

	n, err := entropy()
	if err != nil {
		return nil, false, err
	}
	length := r.recommendedResetLen + int(n&0x7) // up to 3 bits of entropy
	if length >= len(dg.Raw) {
		length = len(dg.Raw) - 1
	}
	if length < r.minResetLen {
		return nil, false, nil // triggering packet too short to hide a reset under
	}

	buf := make([]byte, length)
	token := r.resetKey.Token(dg.Header.DestCID)
	if err := quic.BuildStatelessReset(buf, token, dg.Header.KeyPhase()); err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

// randomEntropy is the default entropy source for StatelessReset's length
// randomization, reading 1 byte from crypto/rand.
func randomEntropy() (uint, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return uint(b[0]), nil
}
