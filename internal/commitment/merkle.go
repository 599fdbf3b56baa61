package commitment

import (
	"bytes"

	"github.com/zeebo/blake3"
)

// ProofNode is one sibling hash encountered walking from a leaf to the root.
type ProofNode struct {
	SiblingHash  [32]byte
	SiblingIsLeft bool
}

// Proof is a sibling chain plus the root it should reconstruct to.
type Proof struct {
	Leaf     [32]byte
	Siblings []ProofNode
	Root     [32]byte
}

// Tree is an append-only sequence of leaf hashes with an internal-node
// cache; Root is invalidated on Append and recomputed by Build.
type Tree struct {
	leaves [][32]byte
	levels [][][32]byte
	dirty  bool
}

// New builds an empty tree.
func New() *Tree {
	return &Tree{}
}

func leafHash(b []byte) [32]byte { return blake3.Sum256(b) }

func nodeHash(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return blake3.Sum256(buf)
}

// Append adds a new leaf. The root is invalidated until Build is called.
func (t *Tree) Append(b []byte) {
	t.leaves = append(t.leaves, leafHash(b))
	t.dirty = true
}

// Build recomputes the internal-node cache and root. Odd levels duplicate
// the final node when pairing.
func (t *Tree) Build() [32]byte {
	if len(t.leaves) == 0 {
		t.levels = nil
		t.dirty = false
		return [32]byte{}
	}

	level := append([][32]byte{}, t.leaves...)
	levels := [][][32]byte{level}
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, nodeHash(level[i], level[i+1]))
			} else {
				next = append(next, nodeHash(level[i], level[i]))
			}
		}
		levels = append(levels, next)
		level = next
	}

	t.levels = levels
	t.dirty = false
	return level[0]
}

// Root returns the current root, rebuilding first if dirty.
func (t *Tree) Root() [32]byte {
	if t.dirty || t.levels == nil {
		return t.Build()
	}
	return t.levels[len(t.levels)-1][0]
}

// Prove returns the sibling chain and root for leaf index i.
func (t *Tree) Prove(i int) (Proof, bool) {
	if i < 0 || i >= len(t.leaves) {
		return Proof{}, false
	}
	if t.dirty || t.levels == nil {
		t.Build()
	}

	proof := Proof{Leaf: t.leaves[i], Root: t.levels[len(t.levels)-1][0]}
	idx := i
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var sibling [32]byte
		isLeft := false
		if idx%2 == 0 {
			if idx+1 < len(nodes) {
				sibling = nodes[idx+1]
			} else {
				sibling = nodes[idx]
			}
			isLeft = false
		} else {
			sibling = nodes[idx-1]
			isLeft = true
		}
		proof.Siblings = append(proof.Siblings, ProofNode{SiblingHash: sibling, SiblingIsLeft: isLeft})
		idx /= 2
	}
	return proof, true
}

// VerifyProof recomputes the chain from the leaf and compares against the
// embedded root.
func VerifyProof(p Proof) bool {
	cur := p.Leaf
	for _, s := range p.Siblings {
		if s.SiblingIsLeft {
			cur = nodeHash(s.SiblingHash, cur)
		} else {
			cur = nodeHash(cur, s.SiblingHash)
		}
	}
	return bytes.Equal(cur[:], p.Root[:])
}
