package commitment

import (
	"crypto/ed25519"
	"math/big"

	"github.com/heteroforge/dispatch/internal/dispatcherr"
)

// a prime large enough to hold any 64-byte ed25519 signature share as a
// field element, used for the Shamir field arithmetic below.
var fieldPrime = mustPrime()

func mustPrime() *big.Int {
	// 2^521 - 1, a Mersenne prime comfortably larger than any 64-byte share.
	p := new(big.Int).Lsh(big.NewInt(1), 521)
	p.Sub(p, big.NewInt(1))
	return p
}

// Share is one participant's piece of a threshold signature, tagged by its
// integer index in [0, n).
type Share struct {
	Index int
	Value *big.Int
}

// ThresholdSignature accumulates shares for a (k, n) scheme and reconstructs
// the combined signature once at least k distinct shares are present. The
// external surface is share-in, signature-out: reconstruct() does Shamir
// polynomial interpolation at x=0 over the shares' (index, value) pairs.
type ThresholdSignature struct {
	k, n     int
	groupKey ed25519.PublicKey
	shares   map[int]*big.Int
}

// NewThresholdSignature builds an empty (k, n) collector. groupKey is the
// public key the reconstructed signature must verify under.
func NewThresholdSignature(k, n int, groupKey ed25519.PublicKey) *ThresholdSignature {
	return &ThresholdSignature{k: k, n: n, groupKey: groupKey, shares: make(map[int]*big.Int)}
}

// AddShare records a share. Indices outside [0, n) are ignored.
func (t *ThresholdSignature) AddShare(s Share) {
	if s.Index < 0 || s.Index >= t.n {
		return
	}
	t.shares[s.Index] = s.Value
}

// CanReconstruct reports whether at least k distinct shares have been
// collected.
func (t *ThresholdSignature) CanReconstruct() bool {
	return len(t.shares) >= t.k
}

// Reconstruct performs Lagrange interpolation at x=0 over any k collected
// shares to recover the combined secret, then returns the raw bytes to be
// used as (or folded into) the final signature. Group-key verification of
// the reconstructed material is the caller's responsibility once it has
// been assembled into a concrete signature scheme's wire format.
func (t *ThresholdSignature) Reconstruct() ([]byte, error) {
	if !t.CanReconstruct() {
		return nil, dispatcherr.New(dispatcherr.KindVerify, "insufficient shares to reconstruct threshold signature")
	}

	indices := make([]int, 0, t.k)
	for idx := range t.shares {
		indices = append(indices, idx)
		if len(indices) == t.k {
			break
		}
	}

	secret := big.NewInt(0)
	for _, i := range indices {
		xi := big.NewInt(int64(i + 1)) // shift so x=0 never collides with a share's own coordinate
		yi := t.shares[i]

		num := big.NewInt(1)
		den := big.NewInt(1)
		for _, j := range indices {
			if j == i {
				continue
			}
			xj := big.NewInt(int64(j + 1))
			num.Mul(num, new(big.Int).Neg(xj))
			num.Mod(num, fieldPrime)
			den.Mul(den, new(big.Int).Sub(xi, xj))
			den.Mod(den, fieldPrime)
		}

		denInv := new(big.Int).ModInverse(den, fieldPrime)
		if denInv == nil {
			return nil, dispatcherr.New(dispatcherr.KindVerify, "degenerate share index set, cannot invert")
		}
		lagrange := new(big.Int).Mul(num, denInv)
		lagrange.Mod(lagrange, fieldPrime)

		term := new(big.Int).Mul(yi, lagrange)
		term.Mod(term, fieldPrime)
		secret.Add(secret, term)
		secret.Mod(secret, fieldPrime)
	}

	return secret.Bytes(), nil
}
