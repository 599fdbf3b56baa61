// Package commitment implements multi-hash output commitments, Merkle batch
// proofs, and k-of-n threshold signature reconstruction. The public-surface
// naming (Scheme/Signer/Verifier roles implicit in the threshold type) takes
// after the teacher's Lux consensus dependency's threshold-signing shape,
// re-implemented here over stdlib crypto/ed25519 and math/big rather than
// imported, since that package's source is not part of this module's
// dependency graph (see the design notes for why it was not wired in
// directly).
package commitment

import (
	"crypto/ed25519"
	"crypto/subtle"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/heteroforge/dispatch/internal/dispatcherr"
)

// Commitment binds a pair of independent digests over output bytes to a
// signature, so consumers can later verify integrity without the original
// engine key.
type Commitment struct {
	SHA3_256      [32]byte
	Blake3        [32]byte
	Signature     []byte
	SignerPublic  ed25519.PublicKey
	UnixSeconds   int64
}

func digest(b []byte) (sha [32]byte, bl [32]byte) {
	sha = sha3.Sum256(b)
	bl = blake3.Sum256(b)
	return
}

// Create computes both digests over b, signs their concatenation with priv,
// and returns the resulting Commitment.
func Create(priv ed25519.PrivateKey, b []byte, unixSeconds int64) Commitment {
	sha, bl := digest(b)
	msg := append(append([]byte{}, sha[:]...), bl[:]...)
	sig := ed25519.Sign(priv, msg)
	return Commitment{
		SHA3_256:     sha,
		Blake3:       bl,
		Signature:    sig,
		SignerPublic: priv.Public().(ed25519.PublicKey),
		UnixSeconds:  unixSeconds,
	}
}

// Verify recomputes both digests over b and checks the signature over the
// concatenated digests from the claimed commitment. Returns false on any
// mismatch, including a malformed signature; a signer public key of the
// wrong length is reported as VerifyError.
func Verify(c Commitment, b []byte) (bool, error) {
	if len(c.SignerPublic) != ed25519.PublicKeySize {
		return false, dispatcherr.New(dispatcherr.KindVerify, "invalid signer public key length")
	}
	sha, bl := digest(b)
	if subtle.ConstantTimeCompare(sha[:], c.SHA3_256[:]) != 1 {
		return false, nil
	}
	if subtle.ConstantTimeCompare(bl[:], c.Blake3[:]) != 1 {
		return false, nil
	}
	msg := append(append([]byte{}, c.SHA3_256[:]...), c.Blake3[:]...)
	return ed25519.Verify(c.SignerPublic, msg, c.Signature), nil
}
