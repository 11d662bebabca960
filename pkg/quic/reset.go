package quic

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"sync"
)

// ResetTokenLength is STATELESS_RESET_TOKEN_LENGTH (§6).
const ResetTokenLength = 16

// ResetKey is the per-binding keyed hash used to derive Stateless Reset
// tokens from Connection IDs. The underlying primitive (HMAC-SHA256) is not
// documented thread-safe by the standard library, so callers serialize
// access with a dispatch-level mutex (§5 Lock discipline: "Reset-token
// hash: dispatch-level mutex"), even though a from-scratch hash.New() per
// call would not need one; the lock is kept for parity with the source
// behavior per §9 Open Questions.
type ResetKey struct {
	mu  sync.Mutex
	mac hash256
}

type hash256 interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
	Reset()
}

// NewResetKey creates a reset-token key from a process-lifetime random salt.
func NewResetKey(salt []byte) *ResetKey {
	return &ResetKey{mac: hmac.New(sha256.New, salt)}
}

// NewRandomSalt generates a fresh random salt suitable for NewResetKey.
func NewRandomSalt() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Token derives the Stateless Reset Token for cid: the leading
// ResetTokenLength bytes of keyed_sha256(key, cid) (§3).
func (k *ResetKey) Token(cid CID) [ResetTokenLength]byte {
	var out [ResetTokenLength]byte

	k.mu.Lock()
	k.mac.Reset()
	k.mac.Write(cid)
	sum := k.mac.Sum(nil)
	k.mu.Unlock()

	copy(out[:], sum)
	return out
}

// BuildStatelessReset fills buf (which the caller sizes per §4.E:
// RECOMMENDED length plus up to 3 bits of entropy, strictly less than the
// triggering packet's length, never below the minimum reset length; this
// function itself only rejects a buf shorter than ResetTokenLength)
// with random bytes, then overwrites the trailing ResetTokenLength bytes
// with token, sets the fixed bit, and copies keyPhase into its key-phase
// bit, so the packet is indistinguishable from a short-header data packet
// to an observer who doesn't hold the token.
func BuildStatelessReset(buf []byte, token [ResetTokenLength]byte, keyPhase bool) error {
	if len(buf) < ResetTokenLength {
		return ErrShortBuffer
	}
	if _, err := rand.Read(buf); err != nil {
		return err
	}

	buf[0] &^= LongHeaderFormBit // header form: short
	buf[0] |= FixedBit
	if keyPhase {
		buf[0] |= KeyPhaseBit
	} else {
		buf[0] &^= KeyPhaseBit
	}

	copy(buf[len(buf)-ResetTokenLength:], token[:])
	return nil
}
