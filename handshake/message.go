// Package handshake implements the three-message authenticated ECDH key
// exchange and its rotation variant run over the chat stream (section 4.2).
package handshake

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/internal/metrics"
)

// Content is the recognized `content` discriminator of a key-exchange message.
type Content string

const (
	ContentInit             Content = "key_exchange_init"
	ContentResponse         Content = "key_exchange_response"
	ContentRejected         Content = "key_exchange_rejected"
	ContentRotation         Content = "key_rotation"
	ContentRotationResponse Content = "key_rotation_response"
)

// MaxKeyExchangeAge bounds the freshness of control messages (section 4.2).
const MaxKeyExchangeAge = 5 * time.Minute

// Message is the wire envelope for every key-exchange/rotation message.
type Message struct {
	Type             string  `json:"type"` // always "key_exchange"
	Content          Content `json:"content"`
	EphemeralPubKey  []byte  `json:"ephemeral_public_key"`
	SenderUsername   string  `json:"sender_username"`
	Timestamp        int64   `json:"timestamp"` // ms since epoch
	Signature        []byte  `json:"signature"`
	Reason           string  `json:"reason,omitempty"`
}

// canonicalBytes serializes every field but Signature in a fixed order, the
// bytes the Ed25519 signature actually covers.
func (m *Message) canonicalBytes() []byte {
	buf := make([]byte, 0, 64+len(m.EphemeralPubKey)+len(m.SenderUsername)+len(m.Reason))
	buf = append(buf, []byte(m.Type)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(m.Content)...)
	buf = append(buf, 0)
	buf = append(buf, m.EphemeralPubKey...)
	buf = append(buf, []byte(m.SenderUsername)...)
	buf = append(buf, 0)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.Timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, []byte(m.Reason)...)
	return buf
}

// Sign signs the message's canonical bytes with the sender's Ed25519 key.
func (m *Message) Sign(priv ed25519.PrivateKey) {
	start := time.Now()
	m.Signature = ed25519.Sign(priv, m.canonicalBytes())
	metrics.CryptoOperations.WithLabelValues("sign", "ed25519").Inc()
	metrics.CryptoOperationDuration.WithLabelValues("sign", "ed25519").Observe(time.Since(start).Seconds())
}

// Verify checks the message signature against the sender's signing public key.
func (m *Message) Verify(pub ed25519.PublicKey) error {
	start := time.Now()
	ok := ed25519.Verify(pub, m.canonicalBytes(), m.Signature)
	metrics.CryptoOperations.WithLabelValues("verify", "ed25519").Inc()
	metrics.CryptoOperationDuration.WithLabelValues("verify", "ed25519").Observe(time.Since(start).Seconds())
	if !ok {
		metrics.CryptoErrors.WithLabelValues("verify").Inc()
		return apperr.ErrInvalidSignature
	}
	return nil
}

// Fresh reports whether the message's timestamp is within MaxKeyExchangeAge of now.
func (m *Message) Fresh(now time.Time) bool {
	age := now.Sub(time.UnixMilli(m.Timestamp))
	if age < 0 {
		age = -age
	}
	return age <= MaxKeyExchangeAge
}

func marshalFramed(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalFramed(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "handshake", "malformed key exchange message", err)
	}
	return &m, nil
}

// b64 encodes b as unpadded base64url. The byte fields of the wire messages
// (here and in the messaging package) are plain []byte, which encoding/json
// encodes as standard padded base64; nothing currently calls b64.
func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
