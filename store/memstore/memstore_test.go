package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiyeovo/core/store"
)

func TestUserStoreUpsertGetAndGetByUsername(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Users().Upsert(ctx, &store.User{PeerID: "p1", Username: "alice"}))

	u, err := s.Users().Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	byName, err := s.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "p1", byName.PeerID)

	u.Username = "mutated"
	reread, err := s.Users().Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "alice", reread.Username, "returned records must be defensive copies")
}

func TestMessageStoreCountPendingFileOffers(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Messages().Insert(ctx, &store.Message{
		ID: "m1", ChatID: "c1", SenderPeerID: "p1",
		MessageType: store.MessageTypeFile, TransferStatus: store.TransferStatusPending,
	}))
	require.NoError(t, s.Messages().Insert(ctx, &store.Message{
		ID: "m2", ChatID: "c1", SenderPeerID: "p2",
		MessageType: store.MessageTypeFile, TransferStatus: store.TransferStatusPending,
	}))
	require.NoError(t, s.Messages().Insert(ctx, &store.Message{
		ID: "m3", ChatID: "c1", SenderPeerID: "p1",
		MessageType: store.MessageTypeText, TransferStatus: "",
	}))

	total, fromPeer, err := s.Messages().CountPendingFileOffers(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, fromPeer)
}

func TestMessageStoreListByChatPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.Messages().Insert(ctx, &store.Message{ID: id, ChatID: "c1"}))
	}

	page, err := s.Messages().ListByChat(ctx, "c1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := s.Messages().ListByChat(ctx, "c1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestBlockedPeerStore(t *testing.T) {
	s := New()
	ctx := context.Background()

	blocked, err := s.BlockedPeers().IsBlocked(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, s.BlockedPeers().Block(ctx, "p1", "abuse"))
	blocked, err = s.BlockedPeers().IsBlocked(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, blocked)

	require.NoError(t, s.BlockedPeers().Unblock(ctx, "p1"))
	blocked, err = s.BlockedPeers().IsBlocked(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestOfflineSentStoreDefaultsToEmptyBucket(t *testing.T) {
	s := New()
	ctx := context.Background()

	b, err := s.OfflineSent().Get(ctx, "bucket-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b.Version)

	require.NoError(t, s.OfflineSent().Put(ctx, &store.OfflineSentBucket{BucketKey: "bucket-1", Version: 1}))
	b, err = s.OfflineSent().Get(ctx, "bucket-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Version)
}

func TestSettingsStore(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, ok, err := s.Settings().Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Settings().Set(ctx, "contact_mode", "open"))
	v, ok, err := s.Settings().Get(ctx, "contact_mode")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "open", v)

	all, err := s.Settings().All(ctx)
	require.NoError(t, err)
	assert.Equal(t, "open", all["contact_mode"])
}
