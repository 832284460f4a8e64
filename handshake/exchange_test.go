package handshake

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/config"
	"github.com/kiyeovo/core/dht/memdht"
	"github.com/kiyeovo/core/identity"
	"github.com/kiyeovo/core/registry"
	"github.com/kiyeovo/core/session"
	"github.com/kiyeovo/core/store"
	"github.com/kiyeovo/core/store/memstore"
	"github.com/kiyeovo/core/transport"
	"github.com/kiyeovo/core/transport/memtransport"
)

type peerFixture struct {
	id       *identity.Identity
	exchange *Exchange
	sessions *session.Manager
	users    store.UserStore
	chats    store.ChatStore
	blocked  store.BlockedPeerStore
}

func newPeerFixture(t *testing.T, dhtNet *memdht.Network, transNet *memtransport.Network, username string, contacts config.ContactMode) *peerFixture {
	t.Helper()

	id, err := identity.New()
	require.NoError(t, err)

	st := memstore.New()
	client := dhtNet.Client()
	reg := registry.New(id, client, st.Users())
	require.NoError(t, reg.Register(context.Background(), username))

	dialer := transNet.Peer(id.PeerID)
	sessions := session.NewManager()
	t.Cleanup(sessions.Close)

	ex := New(id, sessions, dialer, reg, st.Users(), st.Chats(), st.FailedExchanges(), st.BlockedPeers(), contacts)
	return &peerFixture{id: id, exchange: ex, sessions: sessions, users: st.Users(), chats: st.Chats(), blocked: st.BlockedPeers()}
}

// serveOneInbound accepts a single inbound stream on protocolID and runs
// HandleInbound on it, reporting the result on the returned channel.
func serveOneInbound(t *testing.T, transNet *memtransport.Network, peer *peerFixture, peerID string) <-chan *session.Session {
	t.Helper()
	out := make(chan *session.Session, 1)
	listener := transNet.Peer(peerID).Listen(transport.ChatProtocolID)
	go func() {
		stream, err := listener.Accept(context.Background())
		if err != nil {
			out <- nil
			return
		}
		sess, err := peer.exchange.HandleInbound(context.Background(), stream)
		if err != nil {
			out <- nil
			return
		}
		out <- sess
	}()
	return out
}

func TestExchangeInitiateAndRespondEstablishMirroredSessions(t *testing.T) {
	dhtNet := memdht.NewNetwork()
	transNet := memtransport.NewNetwork()

	alice := newPeerFixture(t, dhtNet, transNet, "alice", config.ContactModeActive)
	bob := newPeerFixture(t, dhtNet, transNet, "bob", config.ContactModeActive)

	bobSessCh := serveOneInbound(t, transNet, bob, bob.id.PeerID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	aliceSess, err := alice.exchange.Initiate(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, aliceSess)

	bobSess := <-bobSessCh
	require.NotNil(t, bobSess)

	plaintext := []byte("hello from alice")
	nonce, ct, err := aliceSess.Encrypt(plaintext)
	require.NoError(t, err)
	got, err := bobSess.Decrypt(nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	_, ok := alice.sessions.GetPending(bob.id.PeerID)
	assert.False(t, ok, "pending exchange must be cleared on success")
}

func TestExchangeInitiateUnknownPeerFails(t *testing.T) {
	dhtNet := memdht.NewNetwork()
	transNet := memtransport.NewNetwork()
	alice := newPeerFixture(t, dhtNet, transNet, "alice", config.ContactModeActive)

	_, err := alice.exchange.Initiate(context.Background(), "nobody")
	assert.Error(t, err)
}

func TestExchangeInitiateBlockedPeerFails(t *testing.T) {
	dhtNet := memdht.NewNetwork()
	transNet := memtransport.NewNetwork()
	alice := newPeerFixture(t, dhtNet, transNet, "alice", config.ContactModeActive)
	bob := newPeerFixture(t, dhtNet, transNet, "bob", config.ContactModeActive)

	require.NoError(t, alice.blocked.Block(context.Background(), bob.id.PeerID, "spam"))

	_, err := alice.exchange.Initiate(context.Background(), "bob")
	assert.ErrorIs(t, err, apperr.ErrBlocked)
}

func TestExchangeHandleInboundRejectsReplayedInit(t *testing.T) {
	dhtNet := memdht.NewNetwork()
	transNet := memtransport.NewNetwork()

	alice := newPeerFixture(t, dhtNet, transNet, "alice", config.ContactModeActive)
	bob := newPeerFixture(t, dhtNet, transNet, "bob", config.ContactModeActive)

	eph, err := identity.GenerateEphemeral()
	require.NoError(t, err)
	init := &Message{
		Type: "key_exchange", Content: ContentInit,
		EphemeralPubKey: eph.PublicKey().Bytes(),
		SenderUsername:  "alice", Timestamp: time.Now().UnixMilli(),
	}
	init.Sign(alice.id.Signing.PrivateKey().(ed25519.PrivateKey))

	sendInit := func() error {
		listener := transNet.Peer(bob.id.PeerID).Listen(transport.ChatProtocolID)
		done := make(chan error, 1)
		go func() {
			stream, err := listener.Accept(context.Background())
			if err != nil {
				done <- err
				return
			}
			_, err = bob.exchange.HandleInbound(context.Background(), stream)
			done <- err
		}()

		stream, err := transNet.Peer(alice.id.PeerID).Dial(context.Background(), bob.id.PeerID, transport.ChatProtocolID)
		require.NoError(t, err)
		require.NoError(t, writeFrame(stream, init))
		_, _ = readFrame(stream) // drain bob's response (accept or reject) so its write doesn't block
		stream.Close()
		return <-done
	}

	require.NoError(t, sendInit(), "first init must be accepted")
	assert.Error(t, sendInit(), "replayed init with the same signature must be rejected")
}

func TestExchangeHandleInboundBlockModeDropsNewContactSilently(t *testing.T) {
	dhtNet := memdht.NewNetwork()
	transNet := memtransport.NewNetwork()

	alice := newPeerFixture(t, dhtNet, transNet, "alice", config.ContactModeActive)
	bob := newPeerFixture(t, dhtNet, transNet, "bob", config.ContactModeBlock)

	bobSessCh := serveOneInbound(t, transNet, bob, bob.id.PeerID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := alice.exchange.Initiate(ctx, "bob")
	assert.Error(t, err)

	bobSess := <-bobSessCh
	assert.Nil(t, bobSess, "block mode must never establish a session with an untrusted contact")
}

func TestExchangeHandleInboundActiveModeHonorsDecide(t *testing.T) {
	dhtNet := memdht.NewNetwork()
	transNet := memtransport.NewNetwork()

	alice := newPeerFixture(t, dhtNet, transNet, "alice", config.ContactModeActive)
	bob := newPeerFixture(t, dhtNet, transNet, "bob", config.ContactModeActive)
	bob.exchange.Decide = func(peerID, username string) (bool, string) {
		return false, "not expecting this contact"
	}

	bobSessCh := serveOneInbound(t, transNet, bob, bob.id.PeerID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := alice.exchange.Initiate(ctx, "bob")
	assert.Error(t, err)

	bobSess := <-bobSessCh
	assert.Nil(t, bobSess, "a rejecting Decide must not establish a session")
}
