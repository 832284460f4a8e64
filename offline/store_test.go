package offline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiyeovo/core/dht/memdht"
	"github.com/kiyeovo/core/identity"
	"github.com/kiyeovo/core/store"
	"github.com/kiyeovo/core/store/memstore"
)

// pairFixture is two identities sharing one in-memory DHT network, each
// aware of the other's public keys, as set up after a completed key
// exchange (section 4.5's precondition for the offline protocol).
type pairFixture struct {
	aliceID, bobID       *identity.Identity
	aliceStore, bobStore *Store
}

func newPairFixture(t *testing.T) *pairFixture {
	t.Helper()
	aliceID, err := identity.New()
	require.NoError(t, err)
	bobID, err := identity.New()
	require.NoError(t, err)

	net := memdht.NewNetwork()
	aliceUsers := memstore.New().Users()
	bobUsers := memstore.New().Users()

	require.NoError(t, aliceUsers.Upsert(context.Background(), &store.User{
		PeerID: bobID.PeerID, Username: "bob",
		SigningPublicKey: bobID.SigningPublicKey(), OfflinePublicKey: bobID.OfflinePublicKey().Bytes(),
	}))
	require.NoError(t, bobUsers.Upsert(context.Background(), &store.User{
		PeerID: aliceID.PeerID, Username: "alice",
		SigningPublicKey: aliceID.SigningPublicKey(), OfflinePublicKey: aliceID.OfflinePublicKey().Bytes(),
	}))

	return &pairFixture{
		aliceID: aliceID, bobID: bobID,
		aliceStore: New(aliceID, net.Client(), memstore.New().OfflineSent(), aliceUsers),
		bobStore:   New(bobID, net.Client(), memstore.New().OfflineSent(), bobUsers),
	}
}

func sharedSecretFixture() [32]byte {
	var secret [32]byte
	copy(secret[:], []byte("0123456789abcdef0123456789abcdef"))
	return secret
}

func TestDepositThenFetchDeliversSealedMessage(t *testing.T) {
	p := newPairFixture(t)
	secret := sharedSecretFixture()

	aliceChat := &store.Chat{PeerID: p.bobID.PeerID, OfflineBucketSecret: secret[:]}
	require.NoError(t, p.aliceStore.Deposit(context.Background(), aliceChat, p.bobID.PeerID, []byte("hi bob")))

	bobChat := &store.Chat{PeerID: p.aliceID.PeerID, OfflineBucketSecret: secret[:]}
	delivered, cursor, err := p.bobStore.Fetch(context.Background(), bobChat, p.aliceID.PeerID, true)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, []byte("hi bob"), delivered[0].Plaintext)
	assert.True(t, cursor.After(time.Time{}))
}

func TestFetchUnforcedIsThrottledWithinTTL(t *testing.T) {
	p := newPairFixture(t)
	secret := sharedSecretFixture()

	aliceChat := &store.Chat{PeerID: p.bobID.PeerID, OfflineBucketSecret: secret[:]}
	require.NoError(t, p.aliceStore.Deposit(context.Background(), aliceChat, p.bobID.PeerID, []byte("first")))

	bobChat := &store.Chat{PeerID: p.aliceID.PeerID, OfflineBucketSecret: secret[:]}
	delivered, _, err := p.bobStore.Fetch(context.Background(), bobChat, p.aliceID.PeerID, false)
	require.NoError(t, err)
	require.Len(t, delivered, 1)

	require.NoError(t, p.aliceStore.Deposit(context.Background(), aliceChat, p.bobID.PeerID, []byte("second")))
	delivered, _, err = p.bobStore.Fetch(context.Background(), bobChat, p.aliceID.PeerID, false)
	require.NoError(t, err)
	assert.Empty(t, delivered, "unforced fetch within CheckCacheTTL must short-circuit even with new data")
}

func TestFetchSkipsMessagesNotNewerThanCursor(t *testing.T) {
	p := newPairFixture(t)
	secret := sharedSecretFixture()

	aliceChat := &store.Chat{PeerID: p.bobID.PeerID, OfflineBucketSecret: secret[:]}
	require.NoError(t, p.aliceStore.Deposit(context.Background(), aliceChat, p.bobID.PeerID, []byte("first")))

	bobChat := &store.Chat{PeerID: p.aliceID.PeerID, OfflineBucketSecret: secret[:]}
	_, cursor, err := p.bobStore.Fetch(context.Background(), bobChat, p.aliceID.PeerID, true)
	require.NoError(t, err)

	bobChat.OfflineLastReadTimestamp = cursor
	delivered, _, err := p.bobStore.Fetch(context.Background(), bobChat, p.aliceID.PeerID, true)
	require.NoError(t, err)
	assert.Empty(t, delivered, "messages at or before the cursor must not be redelivered")
}

func TestDepositEvictsOldestBeyondMessageLimit(t *testing.T) {
	p := newPairFixture(t)
	secret := sharedSecretFixture()
	aliceChat := &store.Chat{PeerID: p.bobID.PeerID, OfflineBucketSecret: secret[:]}

	for i := 0; i < MessageLimit+5; i++ {
		require.NoError(t, p.aliceStore.Deposit(context.Background(), aliceChat, p.bobID.PeerID, []byte("m")))
	}

	bucketKey := bucketDHTKey(secret, p.aliceID.PeerID)
	cached, err := p.aliceStore.local.Get(context.Background(), string(bucketKey))
	require.NoError(t, err)
	signed, err := unmarshalBucket(cached.Messages)
	require.NoError(t, err)
	assert.Len(t, signed.Payload.Messages, MessageLimit)
}
