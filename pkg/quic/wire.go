// Package quic implements the version-independent wire formats used to
// demultiplex QUIC datagrams: the RFC 8999 invariant header, Version
// Negotiation, Retry, and the short-header fixed/key-phase bits.
//
// It intentionally does not implement anything past invariant-header parsing
// and the handful of stateless packet formats a binding needs to build: no
// frames, no packet protection, no loss recovery.
package quic

import (
	"encoding/binary"
	"errors"
)

// HeaderForm is the high bit of the first byte of a QUIC packet.
type HeaderForm uint8

const (
	ShortHeader HeaderForm = 0
	LongHeader  HeaderForm = 1
)

// LongPacketType is the long-header packet type (bits 4-5 of byte 0).
type LongPacketType uint8

const (
	PacketTypeInitial LongPacketType = iota
	PacketTypeZeroRTT
	PacketTypeHandshake
	PacketTypeRetry
)

const (
	// FixedBit must be set on every packet except Version Negotiation.
	FixedBit = 0x40

	// LongHeaderFormBit is the header-form bit (bit 7) for long headers.
	LongHeaderFormBit = 0x80

	// KeyPhaseBit is the key-phase bit (bit 2) of a short-header byte 0.
	KeyPhaseBit = 0x04

	// VersionNegotiation is the reserved version number identifying a VN
	// packet on the wire (RFC 8999 §6).
	VersionNegotiation uint32 = 0

	// MaxCIDLength is the largest Connection ID QUIC allows on the wire.
	MaxCIDLength = 20
)

// ErrShortBuffer is returned when a datagram is too small to contain the
// field being parsed.
var ErrShortBuffer = errors.New("quic: buffer too short")

// ErrNotLongHeader is returned by long-header-only parsing helpers.
var ErrNotLongHeader = errors.New("quic: not a long header packet")

// InvariantHeader holds the version-independent fields of a QUIC packet, as
// defined by RFC 8999: the parts every version and header type agree on.
type InvariantHeader struct {
	Form    HeaderForm
	Byte0   byte
	Version uint32 // only valid if Form == LongHeader
	DestCID []byte
	SrcCID  []byte // only valid if Form == LongHeader

	// HeaderLen is the number of bytes consumed by the invariant header
	// (byte 0 through the end of the CIDs). The remainder of the datagram is
	// version-specific payload.
	HeaderLen int
}

// IsLong reports whether h is a long-header packet.
func (h InvariantHeader) IsLong() bool { return h.Form == LongHeader }

// LongPacketType extracts the long-header packet type from byte 0. Only
// meaningful when h.IsLong().
func (h InvariantHeader) LongPacketType() LongPacketType {
	return LongPacketType((h.Byte0 >> 4) & 0x3)
}

// KeyPhase extracts the key-phase bit from a short-header byte 0. Only
// meaningful when !h.IsLong().
func (h InvariantHeader) KeyPhase() bool {
	return h.Byte0&KeyPhaseBit != 0
}

// ParseInvariant parses the version-independent invariant header from the
// front of a datagram. shortHeaderDestCIDLen is the length to assume for a short-header
// packet's Destination CID, since that length is not carried on the wire and
// must come from binding policy (§4.D CID-length policy: 0 for an exclusive
// binding, SERVER_CHOSEN_CID_LENGTH otherwise).
func ParseInvariant(b []byte, shortHeaderDestCIDLen int) (InvariantHeader, error) {
	var h InvariantHeader
	if len(b) < 1 {
		return h, ErrShortBuffer
	}
	h.Byte0 = b[0]
	if b[0]&LongHeaderFormBit != 0 {
		h.Form = LongHeader
		if len(b) < 5 {
			return h, ErrShortBuffer
		}
		h.Version = binary.BigEndian.Uint32(b[1:5])

		i := 5
		if i >= len(b) {
			return h, ErrShortBuffer
		}
		dcil := int(b[i])
		i++
		if dcil > MaxCIDLength || len(b) < i+dcil {
			return h, ErrShortBuffer
		}
		h.DestCID = b[i : i+dcil]
		i += dcil

		if i >= len(b) {
			return h, ErrShortBuffer
		}
		scil := int(b[i])
		i++
		if scil > MaxCIDLength || len(b) < i+scil {
			return h, ErrShortBuffer
		}
		h.SrcCID = b[i : i+scil]
		i += scil

		h.HeaderLen = i
		return h, nil
	}

	h.Form = ShortHeader
	if shortHeaderDestCIDLen < 0 || shortHeaderDestCIDLen > MaxCIDLength {
		return h, errors.New("quic: invalid short header dest cid length")
	}
	if len(b) < 1+shortHeaderDestCIDLen {
		return h, ErrShortBuffer
	}
	h.DestCID = b[1 : 1+shortHeaderDestCIDLen]
	h.HeaderLen = 1 + shortHeaderDestCIDLen
	return h, nil
}
