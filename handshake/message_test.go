package handshake

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := &Message{
		Type: "key_exchange", Content: ContentInit,
		EphemeralPubKey: []byte{1, 2, 3, 4},
		SenderUsername:  "alice",
		Timestamp:       time.Now().UnixMilli(),
	}
	msg.Sign(priv)
	require.NoError(t, msg.Verify(pub))

	msg.Reason = "tampered"
	assert.Error(t, msg.Verify(pub), "mutating a signed field must invalidate the signature")
}

func TestMessageFreshness(t *testing.T) {
	now := time.Now()
	fresh := &Message{Timestamp: now.Add(-time.Minute).UnixMilli()}
	assert.True(t, fresh.Fresh(now))

	stale := &Message{Timestamp: now.Add(-10 * time.Minute).UnixMilli()}
	assert.False(t, stale.Fresh(now))

	future := &Message{Timestamp: now.Add(10 * time.Minute).UnixMilli()}
	assert.False(t, future.Fresh(now))
}

func TestMarshalUnmarshalFramedRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = pub

	msg := &Message{
		Type: "key_exchange", Content: ContentResponse,
		EphemeralPubKey: []byte{5, 6, 7},
		SenderUsername:  "bob",
		Timestamp:       time.Now().UnixMilli(),
	}
	msg.Sign(priv)

	data, err := marshalFramed(msg)
	require.NoError(t, err)

	decoded, err := unmarshalFramed(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Content, decoded.Content)
	assert.Equal(t, msg.EphemeralPubKey, decoded.EphemeralPubKey)
	assert.Equal(t, msg.Signature, decoded.Signature)
}

func TestUnmarshalFramedRejectsGarbage(t *testing.T) {
	_, err := unmarshalFramed([]byte("not json"))
	assert.Error(t, err)
}
