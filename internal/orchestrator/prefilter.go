package orchestrator

import "github.com/heteroforge/dispatch/internal/dispatcherr"

// NewLeveledPreFilter builds the pinned pre-filter transform for a given
// level. Level 0 is the identity (effectively disables the filter); level 1
// XORs every byte with a key derived from level; level 2 additionally
// reverses byte order; level 3 additionally left-rotates every byte by
// level%8 bits. Levels above 3 are rejected at install time rather than
// guessed at.
func NewLeveledPreFilter(level int) (PreFilter, error) {
	if level < 0 || level > 3 {
		return nil, dispatcherr.New(dispatcherr.KindModule, "pre-filter level must be 0..3")
	}
	return func(input []byte) ([]byte, error) {
		return applyLeveledFilter(input, level), nil
	}, nil
}

func applyLeveledFilter(input []byte, level int) []byte {
	if level == 0 {
		return input
	}

	out := make([]byte, len(input))
	key := byte(level*0x9E + 0x3B)
	for i, b := range input {
		out[i] = b ^ key
	}

	if level >= 2 {
		for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
			out[l], out[r] = out[r], out[l]
		}
	}

	if level >= 3 {
		k := uint(level % 8)
		if k > 0 {
			for i, b := range out {
				out[i] = b<<k | b>>(8-k)
			}
		}
	}

	return out
}
