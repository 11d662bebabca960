package quic

import "encoding/binary"

const (
	// maxVNDatagramBytes is the §4.E length budget for a built VN datagram:
	// "Max length ≤ MTU − 48 bytes is checked statically at build time."
	maxVNDatagramBytes = 1500 - 48

	// vnFixedOverhead is byte0 + the 4-byte Version field + two
	// length-prefixed CIDs at their worst-case (MaxCIDLength) size.
	vnFixedOverhead = 1 + 4 + 1 + MaxCIDLength + 1 + MaxCIDLength
)

// Static assertion (§4.E): the reserved GREASE entry plus every version in
// DefaultSupportedVersions must fit maxVNDatagramBytes even against
// worst-case CIDs. A version list long enough to blow the budget makes this
// array length negative, which is a compile error, not a runtime check.
var _ [maxVNDatagramBytes - vnFixedOverhead - 4*(1+len(defaultSupportedVersionsArray))]byte

// BuildVersionNegotiation builds a Version Negotiation datagram in response
// to a long-header packet with an unsupported version. Per RFC 8999 §6 the
// server echoes the client's Destination CID as its own Source CID and vice
// versa, sets Version to 0, and follows with a list of supported versions.
//
// reservedVersion is prepended to versions as a GREASE entry (§4.E): clients
// are required to ignore any version they don't recognize, so leading with
// one forces correct handling of future versions.
func BuildVersionNegotiation(clientDestCID, clientSrcCID CID, reservedVersion uint32, versions []uint32) []byte {
	out := make([]byte, 0, 1+4+1+len(clientSrcCID)+1+len(clientDestCID)+4*(1+len(versions)))

	// Byte 0: only the header-form bit is meaningful; the rest may be
	// random, and the fixed bit need not be set (RFC 8999 §6).
	out = append(out, LongHeaderFormBit)
	out = binary.BigEndian.AppendUint32(out, VersionNegotiation)

	out = append(out, byte(len(clientSrcCID)))
	out = append(out, clientSrcCID...)

	out = append(out, byte(len(clientDestCID)))
	out = append(out, clientDestCID...)

	out = binary.BigEndian.AppendUint32(out, reservedVersion)
	for _, v := range versions {
		out = binary.BigEndian.AppendUint32(out, v)
	}
	return out
}
