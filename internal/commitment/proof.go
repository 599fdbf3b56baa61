package commitment

// ProofStrategy is the pluggable surface for range-proof and SNARK-style
// proof systems. No specific proof system is mandated; strategies must be
// swappable, so this package ships no default beyond a no-op used in tests.
type ProofStrategy interface {
	Create(value []byte, params []byte) ([]byte, error)
	Verify(proof []byte, params []byte) (bool, error)
}

// NoopProofStrategy always succeeds; it exists so orchestration code can be
// exercised end-to-end before a real range-proof or SNARK backend is wired
// in.
type NoopProofStrategy struct{}

// Create returns value unchanged as the "proof".
func (NoopProofStrategy) Create(value []byte, _ []byte) ([]byte, error) {
	return value, nil
}

// Verify reports the proof as valid whenever it is non-empty.
func (NoopProofStrategy) Verify(proof []byte, _ []byte) (bool, error) {
	return len(proof) > 0, nil
}
