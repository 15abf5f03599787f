package reassembly

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestReassembleContiguousFragments(t *testing.T) {
	b := New(300)
	c1, err := b.WriteFragment(300, 0, make([]byte, 128))
	require.NoError(t, err)
	require.False(t, c1)

	c2, err := b.WriteFragment(300, 128, make([]byte, 128))
	require.NoError(t, err)
	require.False(t, c2)

	c3, err := b.WriteFragment(300, 256, make([]byte, 44))
	require.NoError(t, err)
	require.True(t, c3)

	require.Len(t, b.Bytes(), 300)
}

func TestOutOfRangeFragmentRejected(t *testing.T) {
	b := New(100)
	_, err := b.WriteFragment(100, 90, make([]byte, 20))
	require.Error(t, err)
	var oor *OutOfRangeError
	require.ErrorAs(t, err, &oor)
}

func TestWholeLengthChangeRestarts(t *testing.T) {
	b := New(200)
	_, err := b.WriteFragment(200, 0, []byte("first-attempt-fragment-bytes..."))
	require.NoError(t, err)

	complete, err := b.WriteFragment(10, 0, []byte("0123456789"))
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, []byte("0123456789"), b.Bytes())
}

func TestReassemblyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		whole := rapid.IntRange(1, 512).Draw(t, "whole")
		original := rapid.SliceOfN(rapid.Byte(), whole, whole).Draw(t, "original")

		// Partition [0, whole) into contiguous, possibly overlapping,
		// fragments covering the entire range.
		type frag struct{ off, length int }
		var frags []frag
		pos := 0
		for pos < whole {
			maxLen := whole - pos
			if maxLen > 32 {
				maxLen = 32
			}
			length := rapid.IntRange(1, maxLen).Draw(t, "fraglen")
			start := pos
			if pos > 0 {
				overlap := rapid.IntRange(0, min(pos, 4)).Draw(t, "overlap")
				start = pos - overlap
			}
			frags = append(frags, frag{off: start, length: pos + length - start})
			pos += length
		}

		b := New(whole)
		var complete bool
		var err error
		for _, f := range frags {
			complete, err = b.WriteFragment(whole, f.off, original[f.off:f.off+f.length])
			require.NoError(t, err)
		}
		require.True(t, complete)
		require.Equal(t, original, b.Bytes())
	})
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
