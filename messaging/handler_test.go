package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiyeovo/core/config"
	"github.com/kiyeovo/core/dht/memdht"
	"github.com/kiyeovo/core/handshake"
	"github.com/kiyeovo/core/identity"
	"github.com/kiyeovo/core/offline"
	"github.com/kiyeovo/core/registry"
	"github.com/kiyeovo/core/session"
	"github.com/kiyeovo/core/store"
	"github.com/kiyeovo/core/store/memstore"
	"github.com/kiyeovo/core/transport"
	"github.com/kiyeovo/core/transport/memtransport"
)

// peerFixture wires one identity's full stack (registry, handshake,
// session manager, offline store, messaging handler) the way cmd/kiyeovo-peer
// will, against shared in-memory DHT and transport networks.
type peerFixture struct {
	id       *identity.Identity
	handler  *Handler
	exchange *handshake.Exchange
	sessions *session.Manager
	users    store.UserStore
	chats    store.ChatStore
	received []string
}

func newPeerFixture(t *testing.T, dhtNet *memdht.Network, transNet *memtransport.Network, username string) *peerFixture {
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

	ex := handshake.New(id, sessions, dialer, reg, st.Users(), st.Chats(), st.FailedExchanges(), st.BlockedPeers(), config.ContactModeActive)
	off := offline.New(id, client, st.OfflineSent(), st.Users())

	fx := &peerFixture{id: id, exchange: ex, sessions: sessions, users: st.Users(), chats: st.Chats()}
	fx.handler = New(id, sessions, ex, dialer, off, st.Chats(), st.Messages())
	fx.handler.OnReceive = func(peerID string, plaintext []byte) {
		fx.received = append(fx.received, string(plaintext))
	}
	return fx
}

// serveInbound runs an accept loop on protocolID, dispatching every stream
// to peer.handler.HandleInbound, until the test ends.
func serveInbound(t *testing.T, transNet *memtransport.Network, peer *peerFixture) {
	t.Helper()
	listener := transNet.Peer(peer.id.PeerID).Listen(transport.ChatProtocolID)
	go func() {
		for {
			stream, err := listener.Accept(context.Background())
			if err != nil {
				return
			}
			_ = peer.handler.HandleInbound(context.Background(), stream)
		}
	}()
}

func establishSession(t *testing.T, transNet *memtransport.Network, alice, bob *peerFixture) {
	t.Helper()
	// The key-exchange init arrives on the chat protocol, so bob answers the
	// first stream with the handshake responder; serveInbound then replaces
	// that listener for the messages that follow.
	listener := transNet.Peer(bob.id.PeerID).Listen(transport.ChatProtocolID)
	go func() {
		stream, err := listener.Accept(context.Background())
		if err != nil {
			return
		}
		_, _ = bob.exchange.HandleInbound(context.Background(), stream)
	}()
	sess, err := alice.exchange.Initiate(context.Background(), bob.id.PeerID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Eventually(t, func() bool {
		_, ok := bob.sessions.Get(alice.id.PeerID)
		return ok
	}, time.Second, 5*time.Millisecond)
	serveInbound(t, transNet, bob)
}

func TestSendDeliversOnlineWhenSessionEstablished(t *testing.T) {
	dhtNet := memdht.NewNetwork()
	transNet := memtransport.NewNetwork()

	alice := newPeerFixture(t, dhtNet, transNet, "alice")
	bob := newPeerFixture(t, dhtNet, transNet, "bob")

	establishSession(t, transNet, alice, bob)
	serveInbound(t, transNet, alice) // for bob's eventual replies / rotation

	require.NoError(t, alice.handler.Send(context.Background(), bob.id.PeerID, []byte("hello bob")))

	require.Eventually(t, func() bool {
		return len(bob.received) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello bob", bob.received[0])
}

func TestSendFallsBackToOfflineWhenPeerUnreachable(t *testing.T) {
	dhtNet := memdht.NewNetwork()
	transNet := memtransport.NewNetwork()

	alice := newPeerFixture(t, dhtNet, transNet, "alice")
	bob := newPeerFixture(t, dhtNet, transNet, "bob")

	// Simulate a chat that already went through key exchange (each side
	// knows the other's public keys and shares an offline bucket secret)
	// without actually dialing, so bob's transport listener is never
	// registered and Send's online path is guaranteed to fail.
	var secret [32]byte
	copy(secret[:], []byte("fallback-test-shared-secret-3210"))

	require.NoError(t, alice.users.Upsert(context.Background(), &store.User{
		PeerID: bob.id.PeerID, Username: "bob",
		SigningPublicKey: bob.id.SigningPublicKey(), OfflinePublicKey: bob.id.OfflinePublicKey().Bytes(),
	}))
	require.NoError(t, bob.users.Upsert(context.Background(), &store.User{
		PeerID: alice.id.PeerID, Username: "alice",
		SigningPublicKey: alice.id.SigningPublicKey(), OfflinePublicKey: alice.id.OfflinePublicKey().Bytes(),
	}))
	require.NoError(t, alice.chats.Upsert(context.Background(), &store.Chat{PeerID: bob.id.PeerID, OfflineBucketSecret: secret[:]}))
	require.NoError(t, bob.chats.Upsert(context.Background(), &store.Chat{PeerID: alice.id.PeerID, OfflineBucketSecret: secret[:]}))

	require.NoError(t, alice.handler.Send(context.Background(), bob.id.PeerID, []byte("offline hi")))

	require.NoError(t, bob.handler.PollOffline(context.Background(), alice.id.PeerID, true))
	require.Len(t, bob.received, 1)
	assert.Equal(t, "offline hi", bob.received[0])
}
