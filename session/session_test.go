package session

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiyeovo/core/apperr"
)

func newTestEphemeral(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestSessionEncryptDecryptRoundTrip(t *testing.T) {
	eph := newTestEphemeral(t)
	var k1, k2 [32]byte
	_, err := rand.Read(k1[:])
	require.NoError(t, err)
	_, err = rand.Read(k2[:])
	require.NoError(t, err)

	alice, err := New("peer-bob", eph, k1, k2)
	require.NoError(t, err)
	bob, err := New("peer-alice", eph, k2, k1)
	require.NoError(t, err)

	nonce, ct, err := alice.Encrypt([]byte("hello bob"))
	require.NoError(t, err)

	pt, err := bob.Decrypt(nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), pt)
	assert.Equal(t, uint64(1), alice.MessageCount())
	assert.Equal(t, uint64(1), bob.ReceiveCount())
}

func TestSessionDecryptFailureReturnsDesyncError(t *testing.T) {
	eph := newTestEphemeral(t)
	var k1, k2, other [32]byte
	_, _ = rand.Read(k1[:])
	_, _ = rand.Read(k2[:])
	_, _ = rand.Read(other[:])

	alice, err := New("peer-bob", eph, k1, k2)
	require.NoError(t, err)
	mallory, err := New("peer-alice", eph, other, k1)
	require.NoError(t, err)

	nonce, ct, err := alice.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = mallory.Decrypt(nonce, ct)
	assert.ErrorIs(t, err, apperr.ErrSessionDesync)
}

func TestSessionNeedsRotationAtThreshold(t *testing.T) {
	eph := newTestEphemeral(t)
	var k1, k2 [32]byte
	_, _ = rand.Read(k1[:])
	_, _ = rand.Read(k2[:])

	s, err := New("peer", eph, k1, k2)
	require.NoError(t, err)

	for i := uint64(0); i < RotationThreshold-1; i++ {
		_, _, err := s.Encrypt([]byte("x"))
		require.NoError(t, err)
	}
	assert.False(t, s.NeedsRotation())

	_, _, err = s.Encrypt([]byte("x"))
	require.NoError(t, err)
	assert.True(t, s.NeedsRotation())
}

func TestSessionRotateResetsMessageCount(t *testing.T) {
	eph := newTestEphemeral(t)
	var k1, k2 [32]byte
	_, _ = rand.Read(k1[:])
	_, _ = rand.Read(k2[:])

	s, err := New("peer", eph, k1, k2)
	require.NoError(t, err)
	_, _, err = s.Encrypt([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.MessageCount())

	newEph := newTestEphemeral(t)
	var nk1, nk2 [32]byte
	_, _ = rand.Read(nk1[:])
	_, _ = rand.Read(nk2[:])
	before := s.LastRotated()
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Rotate(newEph, nk1, nk2))

	assert.Equal(t, uint64(0), s.MessageCount())
	assert.True(t, s.LastRotated().After(before))
}

func TestPendingKeyExchangeExpiration(t *testing.T) {
	p := &PendingKeyExchange{Timestamp: time.Now().Add(-PendingExpiration - time.Second)}
	assert.True(t, p.Expired(time.Now()))

	fresh := &PendingKeyExchange{Timestamp: time.Now()}
	assert.False(t, fresh.Expired(time.Now()))
}
