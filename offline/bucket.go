package offline

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/store"
)

// MessageLimit bounds how many undelivered messages a single write bucket
// retains; older entries are evicted FIFO on overflow (section 4.5 step 4).
const MessageLimit = 100

// offlineSignedPayload is the per-message signed header (section 3's
// OfflineMessage.signed_payload): it binds the message's two ciphertexts to
// a freshness timestamp and the bucket it was deposited under, so a replay
// into a different bucket, or a swap of one message's ciphertext for
// another's, is detectable without decrypting anything.
type offlineSignedPayload struct {
	ContentHash    []byte `json:"content_hash"`
	SenderInfoHash []byte `json:"sender_info_hash"`
	Timestamp      int64  `json:"timestamp"` // ms since epoch
	BucketKey      []byte `json:"bucket_key"`
}

func (p *offlineSignedPayload) canonicalBytes() []byte {
	buf := make([]byte, 0, len(p.ContentHash)+len(p.SenderInfoHash)+8+len(p.BucketKey))
	buf = append(buf, p.ContentHash...)
	buf = append(buf, p.SenderInfoHash...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.Timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, p.BucketKey...)
	return buf
}

// bucketMessage is one OfflineMessage entry in a writer's bucket: its two
// sealed ciphertexts, the signed header binding them, and the original
// sender's signature over that header.
type bucketMessage struct {
	ID            string               `json:"id"`
	MessageType   store.MessageType    `json:"message_type"`
	Timestamp     int64                `json:"timestamp"` // ms since epoch, mirrors SignedPayload.Timestamp
	ExpiresAt     int64                `json:"expires_at"`
	Content       *sealedMessage       `json:"content"`
	SenderInfo    *sealedMessage       `json:"encrypted_sender_info"`
	SignedPayload offlineSignedPayload `json:"signed_payload"`
	Signature     []byte               `json:"signature"`
}

// sign signs m's signed_payload with the original sender's long-term
// signing key. Unlike the bucket-level signature (which only attests to the
// writer publishing this set of bytes), this signature is portable: it
// still verifies after the message is copied into a fetcher's own records.
func (m *bucketMessage) sign(priv ed25519.PrivateKey) {
	m.Signature = ed25519.Sign(priv, m.SignedPayload.canonicalBytes())
}

// verify checks the per-message signature and that the signed hashes match
// the ciphertexts actually carried (section 8's invariant: for any accepted
// OfflineMessage, sha256(encrypted_content) == signed_payload.content_hash
// and the message signature verifies).
func (m *bucketMessage) verify(senderSigningPub ed25519.PublicKey) error {
	if !ed25519.Verify(senderSigningPub, m.SignedPayload.canonicalBytes(), m.Signature) {
		return apperr.ErrInvalidSignature
	}
	contentHash := sealedContentHash(m.Content)
	if !bytesEqual(contentHash[:], m.SignedPayload.ContentHash) {
		return apperr.ErrIntegrity
	}
	senderInfoHash := sealedContentHash(m.SenderInfo)
	if !bytesEqual(senderInfoHash[:], m.SignedPayload.SenderInfoHash) {
		return apperr.ErrIntegrity
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// bucketPayload is the unsigned body of a write bucket: the store-level
// envelope around a set of individually-signed OfflineMessages.
type bucketPayload struct {
	Writer     string          `json:"writer"` // writer's peer ID
	Version    uint64          `json:"version"`
	Timestamp  int64           `json:"timestamp"` // ms since epoch
	BucketKey  []byte          `json:"bucket_key"`
	MessageIDs []string        `json:"message_ids"`
	Messages   []bucketMessage `json:"messages"`
}

// signedBucket is the full DHT value: payload plus the writer's signature
// over its canonical bytes, so a reader can authenticate the bucket without
// trusting the DHT node that served it.
type signedBucket struct {
	Payload   bucketPayload `json:"payload"`
	Signature []byte        `json:"signature"`
}

func (b *bucketPayload) canonicalBytes() []byte {
	buf := make([]byte, 0, 64+len(b.Messages)*128)
	buf = append(buf, []byte(b.Writer)...)
	buf = append(buf, 0)
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], b.Version)
	buf = append(buf, v[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(b.Timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, b.BucketKey...)
	for _, id := range b.MessageIDs {
		buf = append(buf, []byte(id)...)
		buf = append(buf, 0)
	}
	for _, m := range b.Messages {
		buf = append(buf, []byte(m.ID)...)
		buf = append(buf, m.Signature...)
	}
	return buf
}

// messageIDs returns the multiset of message IDs carried by messages, in
// the order they appear, for the store_signed_payload.message_ids manifest.
func messageIDs(messages []bucketMessage) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}

// sameIDMultiset reports whether a and b contain exactly the same IDs with
// the same multiplicities, regardless of order (section 4.5's structural
// check: "message_ids is exactly the multiset of id fields in messages").
func sameIDMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, id := range a {
		counts[id]++
	}
	for _, id := range b {
		counts[id]--
	}
	for _, n := range counts {
		if n != 0 {
			return false
		}
	}
	return true
}

func (b *signedBucket) sign(priv ed25519.PrivateKey) {
	b.Signature = ed25519.Sign(priv, b.Payload.canonicalBytes())
}

func (b *signedBucket) verify(writerSigningPub ed25519.PublicKey) error {
	if !ed25519.Verify(writerSigningPub, b.Payload.canonicalBytes(), b.Signature) {
		return apperr.ErrInvalidSignature
	}
	if !sameIDMultiset(b.Payload.MessageIDs, messageIDs(b.Payload.Messages)) {
		return apperr.New(apperr.KindIntegrity, "offline", "message_ids manifest does not match bucket contents")
	}
	return nil
}

func marshalBucket(b *signedBucket) ([]byte, error) {
	return json.Marshal(b)
}

func unmarshalBucket(data []byte) (*signedBucket, error) {
	var b signedBucket
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "offline", "malformed bucket", err)
	}
	return &b, nil
}

// bucketDHTKey computes the DHT key for writerPeerID's write bucket within
// the pair's shared offline namespace: /kiyeovo-offline/{secret}/{writer}.
func bucketDHTKey(offlineBucketSecret [32]byte, writerPeerID string) []byte {
	secretB64 := base64.RawURLEncoding.EncodeToString(offlineBucketSecret[:])
	sum := sha256.Sum256([]byte(fmt.Sprintf("/kiyeovo-offline/%s/%s", secretB64, writerPeerID)))
	return append([]byte("/kiyeovo-offline/"), sum[:]...)
}
