package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	sk, err := GenerateKey()
	require.NoError(t, err)
	pk := sk.PublicKey()

	msg := []byte("block header hash")
	sig := sk.Sign(msg)
	require.True(t, Verify(pk, msg, sig))

	require.False(t, Verify(pk, []byte("different message"), sig))
}

func TestPublicKeyRoundTripsThroughTypesKey(t *testing.T) {
	sk, err := GenerateKey()
	require.NoError(t, err)
	pk := sk.PublicKey()

	wire := pk.ToTypesKey()
	restored := PublicKeyFromTypesKey(wire)

	msg := []byte("vote message")
	sig := sk.Sign(msg)
	require.True(t, Verify(restored, msg, sig))
}
