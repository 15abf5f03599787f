package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		address := uint8(rapid.IntRange(0, 127).Draw(t, "address"))
		seq := uint8(rapid.IntRange(0, 3).Draw(t, "sequence"))
		useCRC := rapid.Bool().Draw(t, "useCRC")
		secure := rapid.Bool().Draw(t, "secure")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "payload")

		encoded := Encode(address, seq, useCRC, secure, payload)

		decoded, consumed, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, len(encoded), consumed)
		require.Equal(t, address, decoded.Address)
		require.Equal(t, seq, decoded.Sequence)
		require.Equal(t, useCRC, decoded.UseCRC)
		require.Equal(t, secure, decoded.Secure)
		require.Equal(t, payload, decoded.Payload)
	})
}

func TestBitFlipDetected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		address := uint8(rapid.IntRange(0, 127).Draw(t, "address"))
		seq := uint8(rapid.IntRange(0, 3).Draw(t, "sequence"))
		useCRC := rapid.Bool().Draw(t, "useCRC")
		payload := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "payload")

		encoded := Encode(address, seq, useCRC, false, payload)

		flipIdx := rapid.IntRange(0, len(encoded)-1).Draw(t, "flipIdx")
		flipBit := uint(rapid.IntRange(0, 7).Draw(t, "flipBit"))
		corrupted := append([]byte(nil), encoded...)
		corrupted[flipIdx] ^= 1 << flipBit

		if flipIdx == 0 {
			// Flipping SOM just looks like noise followed by a real frame
			// starting one byte later, or no SOM at all; not a codec property.
			return
		}

		_, _, err := Decode(corrupted)
		// A flipped address/length/control byte can, in principle, still
		// decode as *some* structurally valid frame with different fields;
		// the only property guaranteed is that it never silently reproduces
		// the original payload unless the corrupted byte was never read as
		// part of the checksummed region by coincidence of a checksum
		// collision, which is astronomically unlikely for this size range
		// and would make the assertion below fail loudly if it ever happened.
		decoded, _, decErr := Decode(corrupted)
		if decErr == nil {
			require.NotEqual(t, payload, decoded.Payload)
		} else {
			require.Error(t, err)
		}
	})
}

func TestDecodeNeedsMoreBytes(t *testing.T) {
	encoded := Encode(1, 0, false, false, []byte("hello"))
	for i := 0; i < len(encoded); i++ {
		_, consumed, err := Decode(encoded[:i])
		require.NoError(t, err)
		require.Equal(t, 0, consumed)
	}
}

func TestDecodeResyncsOnNoise(t *testing.T) {
	encoded := Encode(2, 1, true, false, []byte("ping"))
	noisy := append([]byte{0x00, 0x01, 0x02}, encoded...)

	// First call reports the noise prefix as consumed, no frame yet.
	_, consumed, err := Decode(noisy)
	require.NoError(t, err)
	require.Equal(t, 3, consumed)

	decoded, consumed2, err := Decode(noisy[consumed:])
	require.NoError(t, err)
	require.Equal(t, len(encoded), consumed2)
	require.Equal(t, uint8(2), decoded.Address)
}

func TestDecodeRejectsBadLength(t *testing.T) {
	encoded := Encode(1, 0, false, false, []byte("x"))
	encoded[2] = 2 // declare an impossibly short length
	encoded[3] = 0
	_, _, err := Decode(encoded)
	require.Error(t, err)
	var invalid *InvalidError
	require.ErrorAs(t, err, &invalid)
}
