package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeveledPreFilterLevel0IsIdentity(t *testing.T) {
	f, err := NewLeveledPreFilter(0)
	require.NoError(t, err)
	out, err := f([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
}

func TestLeveledPreFilterLevel1Xors(t *testing.T) {
	f, err := NewLeveledPreFilter(1)
	require.NoError(t, err)
	in := []byte("hello")
	out, err := f(in)
	require.NoError(t, err)
	assert.NotEqual(t, in, out)

	back, err := f(out)
	require.NoError(t, err)
	assert.Equal(t, in, back)
}

func TestLeveledPreFilterLevel2ReversesAfterXor(t *testing.T) {
	f1, _ := NewLeveledPreFilter(1)
	f2, _ := NewLeveledPreFilter(2)

	xored, _ := f1([]byte("hello"))
	reversed := make([]byte, len(xored))
	for i, b := range xored {
		reversed[len(xored)-1-i] = b
	}

	out, err := f2([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, reversed, out)
}

func TestLeveledPreFilterLevel3RotatesBits(t *testing.T) {
	f, err := NewLeveledPreFilter(3)
	require.NoError(t, err)
	out, err := f([]byte{0b00000001})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestLeveledPreFilterRejectsUnsupportedLevel(t *testing.T) {
	_, err := NewLeveledPreFilter(4)
	require.Error(t, err)
}
