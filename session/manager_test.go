package session

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, peerID string) *Session {
	t.Helper()
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	var k1, k2 [32]byte
	_, _ = rand.Read(k1[:])
	_, _ = rand.Read(k2[:])
	s, err := New(peerID, eph, k1, k2)
	require.NoError(t, err)
	return s
}

func TestManagerPutGetClear(t *testing.T) {
	m := NewManager()
	defer m.Close()

	s := newTestSession(t, "peer1")
	m.Put("peer1", s)

	got, ok := m.Get("peer1")
	assert.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, m.Count())

	m.Clear("peer1")
	_, ok = m.Get("peer1")
	assert.False(t, ok)
}

func TestManagerPendingExchangeLifecycle(t *testing.T) {
	m := NewManager()
	defer m.Close()

	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	p := &PendingKeyExchange{Timestamp: time.Now(), EphemeralPrivate: eph, EphemeralPublic: eph.PublicKey()}
	m.PutPending("peer1", p)

	got, ok := m.GetPending("peer1")
	assert.True(t, ok)
	assert.Same(t, p, got)

	m.ClearPending("peer1")
	_, ok = m.GetPending("peer1")
	assert.False(t, ok)
}

func TestManagerGetPendingExpiresStaleEntry(t *testing.T) {
	m := NewManager()
	defer m.Close()

	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	p := &PendingKeyExchange{
		Timestamp:        time.Now().Add(-PendingExpiration - time.Second),
		EphemeralPrivate: eph, EphemeralPublic: eph.PublicKey(),
	}
	m.PutPending("peer1", p)

	_, ok := m.GetPending("peer1")
	assert.False(t, ok)
}
