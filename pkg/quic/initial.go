package quic

// ParseInitialToken extracts the Token field from an Initial packet, given
// the already-parsed invariant header. This is the one version-specific
// field the binding needs to look at (for the §4.D retry gate): the Token
// Length varint followed by that many bytes, directly after the invariant
// header.
func ParseInitialToken(raw []byte, h InvariantHeader) ([]byte, error) {
	if !h.IsLong() || h.LongPacketType() != PacketTypeInitial {
		return nil, ErrNotLongHeader
	}
	if len(raw) < h.HeaderLen {
		return nil, ErrShortBuffer
	}
	rest := raw[h.HeaderLen:]

	tokenLen, n, err := ReadVarint(rest)
	if err != nil {
		return nil, err
	}
	rest = rest[n:]
	if uint64(len(rest)) < tokenLen {
		return nil, ErrShortBuffer
	}
	return rest[:tokenLen], nil
}
