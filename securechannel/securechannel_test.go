package securechannel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedKey() [16]byte {
	var k [16]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func establish(t *testing.T) (*Session, *Session) {
	t.Helper()
	key := fixedKey()
	host := New(key)
	pdSim := New(key) // a second session standing in for the PD side, for test symmetry

	challenge, err := host.BeginChallenge()
	require.NoError(t, err)
	require.Equal(t, ChallengeSent, host.State())

	pdChallenge := []byte("pdchalln")
	pdSim.hostChallenge = challenge
	pdSim.pdChallenge = pdChallenge
	pdSim.encKey = deriveKey(key[:], 0x01, challenge, pdChallenge)
	pdSim.smac1 = deriveKey(key[:], 0x02, challenge, pdChallenge)
	pdSim.smac2 = deriveKey(key[:], 0x03, challenge, pdChallenge)
	pdCryptogram := deriveCryptogram(pdSim.smac1, challenge, pdChallenge)

	serverCryptogram, err := host.AcceptPDCryptogram(pdChallenge, pdCryptogram)
	require.NoError(t, err)
	require.Equal(t, ServerCryptogramSent, host.State())

	expectedServerCryptogram := deriveCryptogram(pdSim.smac2, pdChallenge, challenge)
	require.Equal(t, expectedServerCryptogram, serverCryptogram)

	require.NoError(t, host.AcceptEstablishACK())
	require.Equal(t, Established, host.State())
	pdSim.state = Established
	pdSim.chainMV = make([]byte, keyLen)

	return host, pdSim
}

func TestHandshakeEstablishes(t *testing.T) {
	host, _ := establish(t)
	require.Equal(t, Established, host.State())
}

func TestCryptogramMismatchBreaksSession(t *testing.T) {
	host := New(fixedKey())
	_, err := host.BeginChallenge()
	require.NoError(t, err)

	_, err = host.AcceptPDCryptogram([]byte("pdchalln"), []byte("wrongcryptogrm!!"))
	require.Error(t, err)
	require.Equal(t, Broken, host.State())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	host, pdSim := establish(t)

	plaintext := []byte("ID REPORT command payload goes here")
	ciphertext, err := host.Encrypt(plaintext)
	require.NoError(t, err)

	decrypted, err := pdSim.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestMACRoundTrip(t *testing.T) {
	host, pdSim := establish(t)

	data := []byte("poll command bytes")
	mac, err := host.MAC(data)
	require.NoError(t, err)
	require.Len(t, mac, 4)

	// MAC signs ACU->PD traffic with SMAC2, while VerifyMAC checks
	// PD->ACU traffic with SMAC1. pdSim stands in for the PD receiving
	// this MAC, so its inbound key is pointed at SMAC2.
	pdSim.smac1 = pdSim.smac2
	err = pdSim.VerifyMAC(data, mac)
	require.NoError(t, err)
}

func TestVerifyMACFailureBreaksSession(t *testing.T) {
	host, pdSim := establish(t)

	_, err := host.MAC([]byte("data"))
	require.NoError(t, err)

	err = pdSim.VerifyMAC([]byte("data"), []byte{0, 0, 0, 0})
	require.Error(t, err)
	require.Equal(t, Broken, pdSim.State())
}

func TestResetClearsKeysAndState(t *testing.T) {
	host, _ := establish(t)
	host.Reset()
	require.Equal(t, None, host.State())
	require.Nil(t, host.encKey)
}

func TestOperationsRequireEstablished(t *testing.T) {
	host := New(fixedKey())
	_, err := host.Encrypt([]byte("x"))
	require.Error(t, err)
	_, err = host.MAC([]byte("x"))
	require.Error(t, err)
}
