package registry

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiyeovo/core/apperr"
)

// UserRecord is the DHT value published under both H(username) and
// H(peerID): a self-authenticating record binding a username to a peer's
// public keys (section 3).
type UserRecord struct {
	PeerID           string `json:"peer_id"`
	Username         string `json:"username"`
	SigningPublicKey []byte `json:"signing_public_key"`
	OfflinePublicKey []byte `json:"offline_public_key"`
	Timestamp        int64  `json:"timestamp"` // ms since epoch
	Signature        []byte `json:"signature"`
}

// canonicalBytes serializes every field except Signature in a fixed,
// unambiguous order, so both the signer and any verifier compute the same
// bytes regardless of map/JSON-encoder field ordering.
func (r *UserRecord) canonicalBytes() []byte {
	buf := make([]byte, 0, len(r.PeerID)+len(r.Username)+len(r.SigningPublicKey)+len(r.OfflinePublicKey)+8)
	buf = append(buf, []byte(r.PeerID)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(r.Username)...)
	buf = append(buf, 0)
	buf = append(buf, r.SigningPublicKey...)
	buf = append(buf, r.OfflinePublicKey...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.Timestamp))
	buf = append(buf, ts[:]...)
	return buf
}

// Sign computes the Ed25519 signature over the record's canonical bytes.
func (r *UserRecord) Sign(signingPriv ed25519.PrivateKey) {
	r.Signature = ed25519.Sign(signingPriv, r.canonicalBytes())
}

// Verify checks the record's self-signature against its own SigningPublicKey.
func (r *UserRecord) Verify() error {
	if len(r.SigningPublicKey) != ed25519.PublicKeySize {
		return apperr.Wrap(apperr.KindProtocol, "registry", "malformed signing key", fmt.Errorf("len=%d", len(r.SigningPublicKey)))
	}
	if !ed25519.Verify(r.SigningPublicKey, r.canonicalBytes(), r.Signature) {
		return apperr.ErrInvalidSignature
	}
	return nil
}

// Fresh reports whether the record's timestamp is no older than maxAge.
func (r *UserRecord) Fresh(now time.Time, maxAge time.Duration) bool {
	recordTime := time.UnixMilli(r.Timestamp)
	return now.Sub(recordTime) <= maxAge
}

// Marshal/Unmarshal wrap JSON encoding for the DHT wire value.
func (r *UserRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalUserRecord(data []byte) (*UserRecord, error) {
	var r UserRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "registry", "malformed user record", err)
	}
	return &r, nil
}

// usernameKey and peerKey compute the two DHT key namespaces a record is
// published under (section 6: `/kiyeovo-user-*`).
func usernameKey(username string) []byte {
	sum := sha256.Sum256([]byte("username:" + username))
	return append([]byte("/kiyeovo-user-name/"), sum[:]...)
}

func peerKey(peerID string) []byte {
	sum := sha256.Sum256([]byte("peer:" + peerID))
	return append([]byte("/kiyeovo-user-peer/"), sum[:]...)
}
