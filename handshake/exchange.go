package handshake

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/config"
	"github.com/kiyeovo/core/identity"
	"github.com/kiyeovo/core/internal/logger"
	"github.com/kiyeovo/core/internal/metrics"
	"github.com/kiyeovo/core/pkg/agent/core/message/nonce"
	"github.com/kiyeovo/core/registry"
	"github.com/kiyeovo/core/session"
	"github.com/kiyeovo/core/store"
	"github.com/kiyeovo/core/transport"
)

// FailureCooldown is the minimum interval between re-initiation attempts
// against a peer after a failed exchange (section 4.2 step 1).
const FailureCooldown = 5 * time.Minute

// RotationCooldown bounds how often a session may be rotated.
const RotationCooldown = 30 * time.Second

// ContactDecisionTimeout bounds how long handleInit waits, in active contact
// mode, for Decide to resolve an accept/reject decision for a peer with no
// trusted chat on file (section 4.2 step 2, section 9's pending_acceptances
// future). A decision that doesn't arrive in time is treated as a reject.
const ContactDecisionTimeout = 30 * time.Second

// frameMaxSize bounds an inbound key-exchange message to guard against a
// malicious peer streaming unbounded data into the handshake reader.
const frameMaxSize = 16 << 10

// Exchange orchestrates the three-message authenticated key exchange and
// its rotation variant: it is the sole component that dials the chat
// protocol for control traffic, builds and verifies Message envelopes, and
// installs the resulting keys into the session manager.
type Exchange struct {
	id       *identity.Identity
	sessions *session.Manager
	dialer   transport.Dialer
	registry *registry.Registry

	users    store.UserStore
	chats    store.ChatStore
	failed   store.FailedExchangeStore
	blocked  store.BlockedPeerStore
	contacts config.ContactMode

	// Decide simulates the out-of-band user accept/reject prompt shown for a
	// peer with no trusted chat on file, consulted only in active contact
	// mode. If nil, such a peer is accepted immediately. A call that hasn't
	// returned within ContactDecisionTimeout is treated as a reject.
	Decide func(peerID, username string) (accept bool, reason string)

	// replaySeen rejects a key-exchange or rotation message whose signature
	// has already been processed within MaxKeyExchangeAge, guarding against
	// a captured control message being replayed at the responder before its
	// freshness window (Message.Fresh) expires.
	replaySeen *nonce.Manager
}

// New constructs an Exchange orchestrator bound to one local identity.
func New(id *identity.Identity, sessions *session.Manager, dialer transport.Dialer, reg *registry.Registry,
	users store.UserStore, chats store.ChatStore, failed store.FailedExchangeStore, blocked store.BlockedPeerStore,
	contacts config.ContactMode) *Exchange {
	return &Exchange{
		id: id, sessions: sessions, dialer: dialer, registry: reg,
		users: users, chats: chats, failed: failed, blocked: blocked, contacts: contacts,
		replaySeen: nonce.NewManager(MaxKeyExchangeAge, time.Minute),
	}
}

// resolvedPeer is the public-key material needed to run an exchange,
// whether it came from the local cache or a fresh registry lookup.
type resolvedPeer struct {
	peerID           string
	username         string
	signingPublicKey ed25519.PublicKey
	offlinePublicKey *ecdh.PublicKey
}

func (x *Exchange) resolvePeer(ctx context.Context, usernameOrPeerID string) (*resolvedPeer, error) {
	if u, err := x.users.Get(ctx, usernameOrPeerID); err == nil {
		return userToResolved(u)
	}
	if u, err := x.users.GetByUsername(ctx, usernameOrPeerID); err == nil {
		return userToResolved(u)
	}
	rec, err := x.registry.Lookup(ctx, usernameOrPeerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "handshake", "peer not found in registry", err)
	}
	offlinePub, err := ecdh.X25519().NewPublicKey(rec.OfflinePublicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "handshake", "malformed offline public key", err)
	}
	_ = x.users.Upsert(ctx, &store.User{
		PeerID: rec.PeerID, Username: rec.Username,
		SigningPublicKey: rec.SigningPublicKey, OfflinePublicKey: rec.OfflinePublicKey,
		Signature: rec.Signature, Timestamp: time.UnixMilli(rec.Timestamp),
	})
	return &resolvedPeer{
		peerID: rec.PeerID, username: rec.Username,
		signingPublicKey: ed25519.PublicKey(rec.SigningPublicKey), offlinePublicKey: offlinePub,
	}, nil
}

func userToResolved(u *store.User) (*resolvedPeer, error) {
	offlinePub, err := ecdh.X25519().NewPublicKey(u.OfflinePublicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "handshake", "malformed cached offline public key", err)
	}
	return &resolvedPeer{
		peerID: u.PeerID, username: u.Username,
		signingPublicKey: ed25519.PublicKey(u.SigningPublicKey), offlinePublicKey: offlinePub,
	}, nil
}

// Initiate runs the initiator side of the three-message exchange against
// peer: check rate limit and blocklist, dial, send the signed init message,
// read back the signed response, derive directional keys, and install the
// resulting Session.
func (x *Exchange) Initiate(ctx context.Context, usernameOrPeerID string) (sess *session.Session, err error) {
	metrics.HandshakesInitiated.WithLabelValues("initiator").Inc()
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.HandshakesCompleted.WithLabelValues(status).Inc()
		metrics.HandshakeDuration.WithLabelValues("initiate").Observe(time.Since(start).Seconds())
	}()

	peer, err := x.resolvePeer(ctx, usernameOrPeerID)
	if err != nil {
		return nil, err
	}

	if blocked, _ := x.blocked.IsBlocked(ctx, peer.peerID); blocked {
		return nil, apperr.ErrBlocked
	}
	if recent, err := x.failed.RecentFailure(ctx, peer.peerID); err == nil && recent != nil {
		if time.Since(recent.FailedAt) < FailureCooldown {
			return nil, apperr.ErrRateLimited
		}
	}
	if _, exists := x.sessions.GetPending(peer.peerID); exists {
		return nil, apperr.ErrPendingExists
	}

	eph, err := identity.GenerateEphemeral()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	x.sessions.PutPending(peer.peerID, &session.PendingKeyExchange{
		Timestamp: time.Now(), EphemeralPrivate: eph, EphemeralPublic: eph.PublicKey(),
	})

	stream, err := x.dialer.Dial(ctx, peer.peerID, transport.ChatProtocolID)
	if err != nil {
		x.recordFailure(ctx, peer.peerID)
		return nil, apperr.Wrap(apperr.KindTransport, "handshake", "dial failed", err)
	}
	defer stream.Close()

	init := &Message{
		Type: "key_exchange", Content: ContentInit,
		EphemeralPubKey: eph.PublicKey().Bytes(),
		SenderUsername:  x.localUsername(), Timestamp: time.Now().UnixMilli(),
	}
	init.Sign(x.id.Signing.PrivateKey().(ed25519.PrivateKey))
	if err := writeFrame(stream, init); err != nil {
		x.recordFailure(ctx, peer.peerID)
		return nil, err
	}

	resp, err := readFrame(stream)
	if err != nil {
		x.recordFailure(ctx, peer.peerID)
		return nil, err
	}
	if resp.Content == ContentRejected {
		x.recordFailure(ctx, peer.peerID)
		return nil, apperr.New(apperr.KindAuthorization, "handshake", "peer rejected exchange: "+resp.Reason)
	}
	if resp.Content != ContentResponse {
		x.recordFailure(ctx, peer.peerID)
		return nil, apperr.New(apperr.KindProtocol, "handshake", "unexpected response content")
	}
	if !resp.Fresh(time.Now()) {
		x.recordFailure(ctx, peer.peerID)
		return nil, apperr.New(apperr.KindProtocol, "handshake", "response is stale")
	}
	if err := resp.Verify(peer.signingPublicKey); err != nil {
		x.recordFailure(ctx, peer.peerID)
		return nil, err
	}

	remoteEphPub, err := ecdh.X25519().NewPublicKey(resp.EphemeralPubKey)
	if err != nil {
		x.recordFailure(ctx, peer.peerID)
		return nil, apperr.Wrap(apperr.KindProtocol, "handshake", "malformed response ephemeral key", err)
	}

	sess, err = x.completeExchange(peer.peerID, eph, remoteEphPub, session.RoleInitiator)
	if err != nil {
		x.recordFailure(ctx, peer.peerID)
		return nil, err
	}
	x.sessions.ClearPending(peer.peerID)
	_ = x.failed.Clear(ctx, peer.peerID)
	return sess, nil
}

// HandleInbound runs the responder side: it reads one key-exchange message
// from an inbound stream already dialed by the peer on the chat protocol,
// builds and signs a response, and writes it back; the whole stream is
// closed when it returns.
func (x *Exchange) HandleInbound(ctx context.Context, stream transport.Stream) (*session.Session, error) {
	defer stream.Close()

	msg, err := readFrame(stream)
	if err != nil {
		return nil, err
	}
	switch msg.Content {
	case ContentInit:
		return x.handleInit(ctx, stream, msg)
	case ContentRotation:
		return x.handleRotationRequest(ctx, stream, msg)
	default:
		return nil, apperr.New(apperr.KindProtocol, "handshake", "unexpected inbound content")
	}
}

func (x *Exchange) handleInit(ctx context.Context, stream transport.Stream, msg *Message) (sess *session.Session, err error) {
	metrics.HandshakesInitiated.WithLabelValues("responder").Inc()
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.HandshakesCompleted.WithLabelValues(status).Inc()
		metrics.HandshakeDuration.WithLabelValues("respond").Observe(time.Since(start).Seconds())
	}()

	if sig := base64.StdEncoding.EncodeToString(msg.Signature); x.replaySeen.IsNonceUsed(sig) {
		return nil, x.reject(stream, "replayed init")
	} else {
		x.replaySeen.MarkNonceUsed(sig)
	}

	peer, err := x.resolvePeer(ctx, msg.SenderUsername)
	if err != nil {
		return nil, x.reject(stream, "unknown sender")
	}
	if blocked, _ := x.blocked.IsBlocked(ctx, peer.peerID); blocked {
		return nil, x.dropSilently("blocked")
	}
	if !msg.Fresh(time.Now()) {
		return nil, x.reject(stream, "stale init")
	}
	if err := msg.Verify(peer.signingPublicKey); err != nil {
		return nil, x.reject(stream, "bad signature")
	}
	if chat, cerr := x.chats.GetByPeerID(ctx, peer.peerID); cerr != nil || !chat.TrustedOutOfBand {
		switch x.contacts {
		case config.ContactModeBlock:
			return nil, x.dropSilently("new contact dropped: block mode")
		case config.ContactModeSilent:
			logger.Info("dropping key exchange from unseen contact", logger.String("peer_id", peer.peerID))
			return nil, x.dropSilently("new contact dropped: silent mode")
		default:
			accept, reason := x.awaitContactDecision(peer.peerID, peer.username)
			if !accept {
				return nil, x.reject(stream, reason)
			}
		}
	}

	remoteEphPub, err := ecdh.X25519().NewPublicKey(msg.EphemeralPubKey)
	if err != nil {
		return nil, x.reject(stream, "malformed ephemeral key")
	}
	eph, err := identity.GenerateEphemeral()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	resp := &Message{
		Type: "key_exchange", Content: ContentResponse,
		EphemeralPubKey: eph.PublicKey().Bytes(),
		SenderUsername:  x.localUsername(), Timestamp: time.Now().UnixMilli(),
	}
	resp.Sign(x.id.Signing.PrivateKey().(ed25519.PrivateKey))
	if err := writeFrame(stream, resp); err != nil {
		return nil, err
	}

	return x.completeExchange(peer.peerID, eph, remoteEphPub, session.RoleResponder)
}

// dropSilently closes an inbound stream without writing any frame back to
// it (section 4.2 step 2's blocklist and block/silent contact-mode
// treatment: no accept/response is ever emitted). The caller's defer already
// closes stream; this only records the outcome.
func (x *Exchange) dropSilently(reason string) error {
	metrics.HandshakesFailed.WithLabelValues("dropped").Inc()
	return apperr.New(apperr.KindAuthorization, "handshake", "dropped inbound exchange: "+reason)
}

// awaitContactDecision blocks up to ContactDecisionTimeout for Decide to
// resolve an accept/reject for a peer with no trusted chat on file. With no
// Decide hook installed, every such peer is accepted (active mode's default
// posture absent a UI to prompt).
func (x *Exchange) awaitContactDecision(peerID, username string) (accept bool, reason string) {
	if x.Decide == nil {
		return true, ""
	}
	type decision struct {
		accept bool
		reason string
	}
	done := make(chan decision, 1)
	go func() {
		a, r := x.Decide(peerID, username)
		done <- decision{accept: a, reason: r}
	}()
	select {
	case d := <-done:
		return d.accept, d.reason
	case <-time.After(ContactDecisionTimeout):
		return false, "contact decision timed out"
	}
}

func (x *Exchange) reject(stream transport.Stream, reason string) error {
	metrics.HandshakesFailed.WithLabelValues("rejected").Inc()
	resp := &Message{
		Type: "key_exchange", Content: ContentRejected,
		SenderUsername: x.localUsername(), Timestamp: time.Now().UnixMilli(), Reason: reason,
	}
	resp.Sign(x.id.Signing.PrivateKey().(ed25519.PrivateKey))
	_ = writeFrame(stream, resp)
	return apperr.New(apperr.KindAuthorization, "handshake", "rejected inbound exchange: "+reason)
}

func (x *Exchange) completeExchange(peerID string, eph *ecdh.PrivateKey, remoteEphPub *ecdh.PublicKey, role session.Role) (*session.Session, error) {
	ss, err := sharedSecret(eph, remoteEphPub)
	if err != nil {
		return nil, err
	}
	sendingKey, receivingKey, err := deriveSessionKeys(ss, eph.PublicKey().Bytes(), remoteEphPub.Bytes(), role)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(peerID, eph, sendingKey, receivingKey)
	if err != nil {
		return nil, err
	}
	x.sessions.Put(peerID, sess)

	offlineBucketSecret, notificationsBucketKey, err := deriveBucketSecrets(ss, x.id.PeerID, peerID)
	if err != nil {
		return nil, err
	}
	chat, cerr := x.chats.GetByPeerID(context.Background(), peerID)
	if cerr != nil {
		chat = &store.Chat{PeerID: peerID}
	}
	chat.OfflineBucketSecret = offlineBucketSecret[:]
	chat.NotificationsBucketKey = notificationsBucketKey[:]
	chat.Status = store.ChatStatusActive
	_ = x.chats.Upsert(context.Background(), chat)

	return sess, nil
}

// RotateIfNeeded initiates a rotation of the live session with peerID, if
// one exists and has reached RotationThreshold. To avoid a duplicate
// simultaneous rotation when both peers cross the threshold around the
// same time, the peer with the lexicographically smaller peer ID defers to
// the other (section 4.2's rotation tie-break).
func (x *Exchange) RotateIfNeeded(ctx context.Context, peerID string) error {
	sess, ok := x.sessions.Get(peerID)
	if !ok || !sess.NeedsRotation() {
		return nil
	}
	if time.Since(sess.LastRotated()) < RotationCooldown {
		return nil
	}
	if x.id.PeerID < peerID {
		return nil // defer to the peer with the larger ID
	}

	eph, err := identity.GenerateEphemeral()
	if err != nil {
		return fmt.Errorf("generate ephemeral key: %w", err)
	}
	stream, err := x.dialer.Dial(ctx, peerID, transport.ChatProtocolID)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "handshake", "rotation dial failed", err)
	}
	defer stream.Close()

	req := &Message{
		Type: "key_exchange", Content: ContentRotation,
		EphemeralPubKey: eph.PublicKey().Bytes(),
		SenderUsername:  x.localUsername(), Timestamp: time.Now().UnixMilli(),
	}
	req.Sign(x.id.Signing.PrivateKey().(ed25519.PrivateKey))
	if err := writeFrame(stream, req); err != nil {
		return err
	}

	resp, err := readFrame(stream)
	if err != nil {
		return err
	}
	if resp.Content != ContentRotationResponse {
		return apperr.New(apperr.KindProtocol, "handshake", "unexpected rotation response")
	}
	remoteEphPub, err := ecdh.X25519().NewPublicKey(resp.EphemeralPubKey)
	if err != nil {
		return apperr.Wrap(apperr.KindProtocol, "handshake", "malformed rotation ephemeral key", err)
	}
	ss, err := sharedSecret(eph, remoteEphPub)
	if err != nil {
		return err
	}
	sendingKey, receivingKey, err := deriveSessionKeys(ss, eph.PublicKey().Bytes(), remoteEphPub.Bytes(), session.RoleInitiator)
	if err != nil {
		return err
	}
	return sess.Rotate(eph, sendingKey, receivingKey)
}

func (x *Exchange) handleRotationRequest(ctx context.Context, stream transport.Stream, msg *Message) (*session.Session, error) {
	if sig := base64.StdEncoding.EncodeToString(msg.Signature); x.replaySeen.IsNonceUsed(sig) {
		return nil, x.reject(stream, "replayed rotation request")
	} else {
		x.replaySeen.MarkNonceUsed(sig)
	}

	peer, err := x.resolvePeer(ctx, msg.SenderUsername)
	if err != nil {
		return nil, x.reject(stream, "unknown sender")
	}
	sess, ok := x.sessions.Get(peer.peerID)
	if !ok {
		return nil, x.reject(stream, "no live session to rotate")
	}
	if err := msg.Verify(peer.signingPublicKey); err != nil {
		return nil, x.reject(stream, "bad rotation signature")
	}

	remoteEphPub, cerr := ecdh.X25519().NewPublicKey(msg.EphemeralPubKey)
	if cerr != nil {
		return nil, x.reject(stream, "malformed rotation ephemeral key")
	}
	eph, err := identity.GenerateEphemeral()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	resp := &Message{
		Type: "key_exchange", Content: ContentRotationResponse,
		EphemeralPubKey: eph.PublicKey().Bytes(),
		SenderUsername:  x.localUsername(), Timestamp: time.Now().UnixMilli(),
	}
	resp.Sign(x.id.Signing.PrivateKey().(ed25519.PrivateKey))
	if err := writeFrame(stream, resp); err != nil {
		return nil, err
	}

	ss, err := sharedSecret(eph, remoteEphPub)
	if err != nil {
		return nil, err
	}
	sendingKey, receivingKey, err := deriveSessionKeys(ss, eph.PublicKey().Bytes(), remoteEphPub.Bytes(), session.RoleResponder)
	if err != nil {
		return nil, err
	}
	if err := sess.Rotate(eph, sendingKey, receivingKey); err != nil {
		return nil, err
	}
	return sess, nil
}

func (x *Exchange) recordFailure(ctx context.Context, peerID string) {
	_ = x.failed.RecordFailure(ctx, peerID)
}

func (x *Exchange) localUsername() string {
	if u, err := x.users.Get(context.Background(), x.id.PeerID); err == nil {
		return u.Username
	}
	return ""
}

func writeFrame(w io.Writer, m *Message) error {
	data, err := marshalFramed(m)
	if err != nil {
		return err
	}
	return writeLengthPrefixed(w, data)
}

func readFrame(r io.Reader) (*Message, error) {
	data, err := readLengthPrefixed(r, frameMaxSize)
	if err != nil {
		return nil, err
	}
	return unmarshalFramed(data)
}
