package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"net/netip"
)

const (
	retryAEADKeySize = 32 // AES-256-GCM
	retryAEADTagSize = 16
	retryAEADIVSize  = 12

	// retryTokenPlaintextSize is sizeof(RetryToken) in spec §3/§8 scenario 2:
	// a fixed-layout {remote_address, orig_cid_bytes, orig_cid_length} record.
	// remote address: 1 (family) + 16 (addr; v4 fills the first 4 bytes of the slot) + 2 (port) = 19
	// orig cid: MaxCIDLength bytes + 1 length byte = 21
	retryTokenPlaintextSize = 19 + MaxCIDLength + 1
)

var ErrRetryTokenInvalid = errors.New("quic: invalid retry token")

// RetryAEAD holds a Retry token key as an immutable context object threaded
// through initialization rather than ambient state. InitializeBinding
// creates a separate key for each binding, so a token sealed by one binding
// does not open on another.
type RetryAEAD struct {
	gcm cipher.AEAD
}

// NewRetryAEAD builds a Retry AEAD context from a 32-byte key.
func NewRetryAEAD(key []byte) (*RetryAEAD, error) {
	if len(key) != retryAEADKeySize {
		return nil, errors.New("quic: retry key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, retryAEADTagSize)
	if err != nil {
		return nil, err
	}
	return &RetryAEAD{gcm: gcm}, nil
}

// retryIV derives the AEAD IV from the server-chosen Dest-CID: the CID
// bytes, zero-extended to IV length (§3 Retry Token, §9 Design Notes last
// bullet). This ties IV uniqueness to CID randomness; do not change the
// construction without revisiting that note.
func retryIV(newDestCID CID) [retryAEADIVSize]byte {
	var iv [retryAEADIVSize]byte
	copy(iv[:], newDestCID)
	return iv
}

// RetryToken is the decrypted contents of a Retry token.
type RetryToken struct {
	RemoteAddr  netip.AddrPort
	OrigDestCID CID
}

func encodeRetryTokenPlaintext(t RetryToken) []byte {
	b := make([]byte, retryTokenPlaintextSize)

	addr := t.RemoteAddr.Addr()
	if addr.Is4() || addr.Is4In6() {
		b[0] = 4
		a4 := addr.As4()
		copy(b[1:5], a4[:])
	} else {
		b[0] = 6
		a16 := addr.As16()
		copy(b[1:17], a16[:])
	}
	binary.BigEndian.PutUint16(b[17:19], t.RemoteAddr.Port())

	cidOff := 19
	n := len(t.OrigDestCID)
	if n > MaxCIDLength {
		n = MaxCIDLength
	}
	copy(b[cidOff:cidOff+n], t.OrigDestCID)
	b[cidOff+MaxCIDLength] = byte(n)

	return b
}

func decodeRetryTokenPlaintext(b []byte) (RetryToken, error) {
	var t RetryToken
	if len(b) != retryTokenPlaintextSize {
		return t, ErrRetryTokenInvalid
	}

	switch b[0] {
	case 4:
		var a4 [4]byte
		copy(a4[:], b[1:5])
		t.RemoteAddr = netip.AddrPortFrom(netip.AddrFrom4(a4), binary.BigEndian.Uint16(b[17:19]))
	case 6:
		var a16 [16]byte
		copy(a16[:], b[1:17])
		t.RemoteAddr = netip.AddrPortFrom(netip.AddrFrom16(a16), binary.BigEndian.Uint16(b[17:19]))
	default:
		return t, ErrRetryTokenInvalid
	}

	cidOff := 19
	n := int(b[cidOff+MaxCIDLength])
	if n > MaxCIDLength {
		return t, ErrRetryTokenInvalid
	}
	t.OrigDestCID = CID(b[cidOff : cidOff+n]).Clone()

	return t, nil
}

// Seal encrypts t under newDestCID's derived IV, returning the encrypted
// token bytes (exactly retryTokenPlaintextSize + AEAD tag bytes long, per
// §8 scenario 2).
func (a *RetryAEAD) Seal(t RetryToken, newDestCID CID) []byte {
	t.RemoteAddr = netip.AddrPortFrom(t.RemoteAddr.Addr().Unmap(), t.RemoteAddr.Port())
	iv := retryIV(newDestCID)
	pt := encodeRetryTokenPlaintext(t)
	return a.gcm.Seal(pt[:0], iv[:], pt, nil)
}

// Open decrypts and validates a token previously produced by Seal, checking
// it against the current datagram's Dest-CID (the new CID the token was
// sealed under) and remote address (§4.D Retry token validation).
func (a *RetryAEAD) Open(token []byte, destCID CID, remote netip.AddrPort) (RetryToken, error) {
	if len(token) != retryTokenPlaintextSize+retryAEADTagSize {
		return RetryToken{}, ErrRetryTokenInvalid
	}
	iv := retryIV(destCID)
	pt, err := a.gcm.Open(nil, iv[:], token, nil)
	if err != nil {
		return RetryToken{}, ErrRetryTokenInvalid
	}
	t, err := decodeRetryTokenPlaintext(pt)
	if err != nil {
		return RetryToken{}, err
	}
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	if t.RemoteAddr != remote {
		return RetryToken{}, ErrRetryTokenInvalid
	}
	if len(t.OrigDestCID) == 0 || len(t.OrigDestCID) > MaxCIDLength {
		return RetryToken{}, ErrRetryTokenInvalid
	}
	return t, nil
}

// BuildRetry builds a draft-23-style Retry packet: the client-chosen CID
// becomes the new Source CID, newDestCID (the fresh server-chosen CID) is
// both the new Dest CID and the value the token/IV are tied to, and
// origDestCID (the client's original Dest CID) is carried in the payload so
// the client can validate the packet originated from a real response to its
// Initial.
func BuildRetry(version uint32, clientSrcCID, newDestCID, origDestCID CID, encryptedToken []byte) []byte {
	out := make([]byte, 0, 1+4+1+len(newDestCID)+1+len(clientSrcCID)+1+len(origDestCID)+len(encryptedToken))

	out = append(out, LongHeaderFormBit|FixedBit|byte(PacketTypeRetry)<<4)
	out = binary.BigEndian.AppendUint32(out, version)

	out = append(out, byte(len(newDestCID)))
	out = append(out, newDestCID...)

	out = append(out, byte(len(clientSrcCID)))
	out = append(out, clientSrcCID...)

	// draft-23 Retry payload: the original Dest CID the client used, length-
	// prefixed, followed by the encrypted token (§6 wire formats: "the
	// specific draft-23 pseudo-packet formatting").
	out = append(out, byte(len(origDestCID)))
	out = append(out, origDestCID...)
	out = append(out, encryptedToken...)

	return out
}

// MaxRetryTokenLen is the wire length of an encrypted Retry token.
const MaxRetryTokenLen = retryTokenPlaintextSize + retryAEADTagSize
