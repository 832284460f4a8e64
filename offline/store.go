package offline

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/dht"
	"github.com/kiyeovo/core/identity"
	"github.com/kiyeovo/core/store"
)

// CheckCacheTTL throttles repeated fetches against the same peer's bucket
// absent a forced refresh (section 4.5 step 2).
const CheckCacheTTL = 20 * time.Second

// DefaultMessageTTL is how long a deposited OfflineMessage remains valid
// before a fetcher must drop it unread (section 6's offline_message_ttl).
const DefaultMessageTTL = 14 * 24 * time.Hour

// senderInfo is the plaintext sealed under the recipient's offline public
// key alongside content (section 4.5 step 2): enough for the fetcher to
// attribute the message without trusting the bucket's writer field alone,
// plus an optional ack piggybacked for the writer's own pruning.
type senderInfo struct {
	PeerID              string `json:"peer_id"`
	Username            string `json:"username"`
	OfflineAckTimestamp int64  `json:"offline_ack_timestamp,omitempty"`
}

// Store drives the offline-message bucket protocol for one local identity:
// depositing sealed messages into this peer's own write bucket, and
// periodically fetching peers' write buckets addressed to this peer.
type Store struct {
	id    *identity.Identity
	dht   dht.Client
	local store.OfflineSentStore
	users store.UserStore

	// MessageTTL bounds how long a deposited message remains valid; a
	// fetcher drops anything past its expires_at.
	MessageTTL time.Duration

	mu          sync.Mutex
	lastChecked map[string]time.Time
}

// New constructs a Store and installs its DHT validator for the offline
// bucket namespace (structural checks only; signature verification needs
// the writer's public key, which the validator doesn't have, so it is left
// to Fetch).
func New(id *identity.Identity, client dht.Client, local store.OfflineSentStore, users store.UserStore) *Store {
	s := &Store{id: id, dht: client, local: local, users: users, MessageTTL: DefaultMessageTTL, lastChecked: make(map[string]time.Time)}
	client.RegisterValidator("/kiyeovo-offline/", dht.ValidatorFunc(validateBucketShape))
	return s
}

func validateBucketShape(key, value []byte) error {
	if len(value) == 0 {
		return nil // tombstone
	}
	_, err := unmarshalBucket(value)
	return err
}

// Deposit seals plaintext and an attributed sender_info to peerID's offline
// public key, builds and signs the per-message envelope, appends it to this
// peer's write bucket for the chat, evicts beyond MessageLimit, and
// publishes the re-signed bucket to the DHT (section 4.5's Deposit steps).
func (s *Store) Deposit(ctx context.Context, chat *store.Chat, peerID string, plaintext []byte) error {
	return s.deposit(ctx, chat, peerID, plaintext, store.MessageTypeText)
}

func (s *Store) deposit(ctx context.Context, chat *store.Chat, peerID string, plaintext []byte, msgType store.MessageType) error {
	peer, err := s.users.Get(ctx, peerID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "offline", "recipient not known locally", err)
	}
	offlinePub, err := ecdh.X25519().NewPublicKey(peer.OfflinePublicKey)
	if err != nil {
		return apperr.Wrap(apperr.KindProtocol, "offline", "malformed recipient offline key", err)
	}

	var secret [32]byte
	copy(secret[:], chat.OfflineBucketSecret)
	bucketKey := bucketDHTKey(secret, s.id.PeerID)

	payload, err := s.loadOwnPayload(ctx, bucketKey)
	if err != nil {
		return err
	}

	now := time.Now()
	info := senderInfo{PeerID: s.id.PeerID, Username: s.localUsername(ctx)}
	if chat.OfflineLastReadTimestamp.After(chat.OfflineLastAckSent) {
		info.OfflineAckTimestamp = chat.OfflineLastReadTimestamp.UnixMilli()
	}
	infoBytes, err := json.Marshal(info)
	if err != nil {
		return apperr.Wrap(apperr.KindProtocol, "offline", "marshal sender_info", err)
	}

	sealedContent, err := sealTo(offlinePub, plaintext)
	if err != nil {
		return err
	}
	sealedInfo, err := sealTo(offlinePub, infoBytes)
	if err != nil {
		return err
	}

	contentHash := sealedContentHash(sealedContent)
	senderInfoHash := sealedContentHash(sealedInfo)
	msg := bucketMessage{
		ID: uuid.NewString(), MessageType: msgType,
		Timestamp: now.UnixMilli(), ExpiresAt: now.Add(s.ttl()).UnixMilli(),
		Content: sealedContent, SenderInfo: sealedInfo,
		SignedPayload: offlineSignedPayload{
			ContentHash: contentHash[:], SenderInfoHash: senderInfoHash[:],
			Timestamp: now.UnixMilli(), BucketKey: bucketKey,
		},
	}
	msg.sign(s.id.Signing.PrivateKey().(ed25519.PrivateKey))

	payload.Messages = append(payload.Messages, msg)
	if len(payload.Messages) > MessageLimit {
		payload.Messages = payload.Messages[len(payload.Messages)-MessageLimit:]
	}
	payload.MessageIDs = messageIDs(payload.Messages)
	payload.Version++
	payload.Timestamp = now.UnixMilli()
	payload.BucketKey = bucketKey

	if err := s.publish(ctx, bucketKey, payload); err != nil {
		return err
	}
	return nil
}

func (s *Store) ttl() time.Duration {
	if s.MessageTTL <= 0 {
		return DefaultMessageTTL
	}
	return s.MessageTTL
}

func (s *Store) publish(ctx context.Context, bucketKey []byte, payload *bucketPayload) error {
	signed := &signedBucket{Payload: *payload}
	signed.sign(s.id.Signing.PrivateKey().(ed25519.PrivateKey))

	data, err := marshalBucket(signed)
	if err != nil {
		return apperr.Wrap(apperr.KindProtocol, "offline", "marshal bucket", err)
	}
	if err := s.local.Put(ctx, &store.OfflineSentBucket{
		BucketKey: string(bucketKey), Messages: data, Version: payload.Version,
	}); err != nil {
		return apperr.Wrap(apperr.KindStorage, "offline", "persist local bucket cache", err)
	}

	ch, err := s.dht.Put(ctx, bucketKey, data)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "offline", "dht put failed", err)
	}
	sawResponse, _, _ := dht.Drain(ch)
	if !sawResponse {
		// The local cache already has the update; a later retry (or the
		// next deposit) will attempt to republish it.
		return apperr.ErrNetworkUnreachable
	}
	return nil
}

func (s *Store) localUsername(ctx context.Context) string {
	if u, err := s.users.Get(ctx, s.id.PeerID); err == nil {
		return u.Username
	}
	return ""
}

func (s *Store) loadOwnPayload(ctx context.Context, bucketKey []byte) (*bucketPayload, error) {
	cached, err := s.local.Get(ctx, string(bucketKey))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "offline", "read local bucket cache", err)
	}
	if len(cached.Messages) == 0 {
		return &bucketPayload{Writer: s.id.PeerID}, nil
	}
	signed, err := unmarshalBucket(cached.Messages)
	if err != nil {
		return nil, err
	}
	return &signed.Payload, nil
}

// DeliveredMessage is one decrypted, freshly-seen offline message.
type DeliveredMessage struct {
	ID        string
	Plaintext []byte
	Timestamp time.Time
	SenderAck time.Time
}

// Fetch reads peerID's write bucket for chat, verifies its bucket-level
// signature and message_ids manifest, then individually verifies and
// decrypts every message newer than chat.OfflineLastReadTimestamp, dropping
// any single message that fails its own signature, field-hash, or
// expiry check without discarding the rest of the batch (section 4.5 step
// 5). Repeated calls within CheckCacheTTL are no-ops unless force is set.
func (s *Store) Fetch(ctx context.Context, chat *store.Chat, peerID string, force bool) ([]DeliveredMessage, time.Time, error) {
	if !force && !s.shouldCheck(chat.PeerID) {
		return nil, chat.OfflineLastReadTimestamp, nil
	}

	peer, err := s.users.Get(ctx, peerID)
	if err != nil {
		return nil, chat.OfflineLastReadTimestamp, apperr.Wrap(apperr.KindNotFound, "offline", "writer not known locally", err)
	}

	var secret [32]byte
	copy(secret[:], chat.OfflineBucketSecret)
	readKey := bucketDHTKey(secret, peerID)

	ch, err := s.dht.Get(ctx, readKey)
	if err != nil {
		return nil, chat.OfflineLastReadTimestamp, apperr.Wrap(apperr.KindTransport, "offline", "dht get failed", err)
	}
	_, values, _ := dht.Drain(ch)
	if len(values) == 0 {
		return nil, chat.OfflineLastReadTimestamp, nil
	}

	signed, err := unmarshalBucket(values[len(values)-1])
	if err != nil {
		return nil, chat.OfflineLastReadTimestamp, err
	}
	writerSigningPub := ed25519.PublicKey(peer.SigningPublicKey)
	if err := signed.verify(writerSigningPub); err != nil {
		return nil, chat.OfflineLastReadTimestamp, err
	}

	now := time.Now()
	cursor := chat.OfflineLastReadTimestamp
	var out []DeliveredMessage
	for _, m := range signed.Payload.Messages {
		ts := time.UnixMilli(m.Timestamp)
		if !ts.After(chat.OfflineLastReadTimestamp) {
			continue
		}
		if m.ExpiresAt != 0 && now.After(time.UnixMilli(m.ExpiresAt)) {
			continue // expired before it was ever fetched
		}
		if err := m.verify(writerSigningPub); err != nil {
			continue // partial drop: one corrupt/unauthenticated message must not sink the rest
		}
		plaintext, pErr := openSealed(s.id.Offline.PrivateKey().(*ecdh.PrivateKey), m.Content)
		if pErr != nil {
			continue
		}
		infoBytes, iErr := openSealed(s.id.Offline.PrivateKey().(*ecdh.PrivateKey), m.SenderInfo)
		if iErr != nil {
			continue
		}
		var info senderInfo
		if json.Unmarshal(infoBytes, &info) != nil || info.PeerID != peerID {
			continue
		}

		delivered := DeliveredMessage{ID: m.ID, Plaintext: plaintext, Timestamp: ts}
		if info.OfflineAckTimestamp != 0 {
			delivered.SenderAck = time.UnixMilli(info.OfflineAckTimestamp)
		}
		out = append(out, delivered)
		if ts.After(cursor) {
			cursor = ts
		}
	}
	return out, cursor, nil
}

// PruneDelivered drops every entry from this peer's own write bucket for
// peerID at or before ackTimestamp, and republishes the bucket. It is
// called once an online message from peerID carries an offline_ack_timestamp
// confirming that peerID has already fetched everything up to that point
// (section 4.4/4.5's ack path), so the write bucket doesn't merely sit at
// MessageLimit forever once a peer stays caught up.
func (s *Store) PruneDelivered(ctx context.Context, chat *store.Chat, peerID string, ackTimestamp time.Time) error {
	if len(chat.OfflineBucketSecret) == 0 || ackTimestamp.IsZero() {
		return nil
	}
	var secret [32]byte
	copy(secret[:], chat.OfflineBucketSecret)
	bucketKey := bucketDHTKey(secret, s.id.PeerID)

	payload, err := s.loadOwnPayload(ctx, bucketKey)
	if err != nil {
		return err
	}
	cutoff := ackTimestamp.UnixMilli()
	kept := payload.Messages[:0]
	for _, m := range payload.Messages {
		if m.Timestamp > cutoff {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(payload.Messages) {
		return nil // nothing acknowledged since the last prune
	}
	payload.Messages = kept
	payload.MessageIDs = messageIDs(payload.Messages)
	payload.Version++
	payload.Timestamp = time.Now().UnixMilli()
	payload.BucketKey = bucketKey

	return s.publish(ctx, bucketKey, payload)
}

func (s *Store) shouldCheck(chatPeerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastChecked[chatPeerID]
	if ok && time.Since(last) < CheckCacheTTL {
		return false
	}
	s.lastChecked[chatPeerID] = time.Now()
	return true
}
