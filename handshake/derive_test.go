package handshake

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiyeovo/core/session"
)

func genEph(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestDeriveSessionKeysAgreeAcrossRoles(t *testing.T) {
	a := genEph(t)
	b := genEph(t)

	ssA, err := sharedSecret(a, b.PublicKey())
	require.NoError(t, err)
	ssB, err := sharedSecret(b, a.PublicKey())
	require.NoError(t, err)
	require.Equal(t, ssA, ssB)

	aSend, aRecv, err := deriveSessionKeys(ssA, a.PublicKey().Bytes(), b.PublicKey().Bytes(), session.RoleInitiator)
	require.NoError(t, err)
	bSend, bRecv, err := deriveSessionKeys(ssB, b.PublicKey().Bytes(), a.PublicKey().Bytes(), session.RoleResponder)
	require.NoError(t, err)

	assert.Equal(t, aSend, bRecv, "initiator's sending key must be the responder's receiving key")
	assert.Equal(t, aRecv, bSend, "initiator's receiving key must be the responder's sending key")
	assert.NotEqual(t, aSend, aRecv)
}

func TestDeriveSessionKeysIndependentOfArgumentOrder(t *testing.T) {
	a := genEph(t)
	b := genEph(t)
	ss, err := sharedSecret(a, b.PublicKey())
	require.NoError(t, err)

	k1, k2, err := deriveSessionKeys(ss, a.PublicKey().Bytes(), b.PublicKey().Bytes(), session.RoleInitiator)
	require.NoError(t, err)
	k1Swapped, k2Swapped, err := deriveSessionKeys(ss, b.PublicKey().Bytes(), a.PublicKey().Bytes(), session.RoleInitiator)
	require.NoError(t, err)

	assert.Equal(t, k1, k1Swapped, "salt must be order-independent in the two ephemeral keys")
	assert.Equal(t, k2, k2Swapped)
}

func TestDeriveBucketSecretsAgreeBothDirections(t *testing.T) {
	a := genEph(t)
	b := genEph(t)
	ss, err := sharedSecret(a, b.PublicKey())
	require.NoError(t, err)

	ob1, nb1, err := deriveBucketSecrets(ss, "peer-a", "peer-b")
	require.NoError(t, err)
	ob2, nb2, err := deriveBucketSecrets(ss, "peer-b", "peer-a")
	require.NoError(t, err)

	assert.Equal(t, ob1, ob2, "offline bucket secret must not depend on caller's peer ID order")
	assert.Equal(t, nb1, nb2)
	assert.NotEqual(t, ob1, nb1, "offline and notifications secrets must differ")
}

func TestSortPair(t *testing.T) {
	lo, hi := sortPair([]byte("b"), []byte("a"))
	assert.Equal(t, []byte("a"), lo)
	assert.Equal(t, []byte("b"), hi)
}
