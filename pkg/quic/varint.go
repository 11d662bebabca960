package quic

// ReadVarint decodes a QUIC variable-length integer (RFC 9000 §16) from the
// front of b, returning the value and the number of bytes consumed.
func ReadVarint(b []byte) (v uint64, n int, err error) {
	if len(b) < 1 {
		return 0, 0, ErrShortBuffer
	}
	ln := 1 << (b[0] >> 6)
	if len(b) < ln {
		return 0, 0, ErrShortBuffer
	}
	v = uint64(b[0] & 0x3f)
	for i := 1; i < ln; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, ln, nil
}
