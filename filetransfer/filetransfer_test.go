package filetransfer

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/identity"
	"github.com/kiyeovo/core/session"
	"github.com/kiyeovo/core/store"
	"github.com/kiyeovo/core/store/memstore"
	"github.com/kiyeovo/core/transport"
	"github.com/kiyeovo/core/transport/memtransport"
)

// pairFixture is two identities with mirrored live sessions (as if a key
// exchange had already completed) and full per-peer stores, wired to
// exercise Sender/Receiver without depending on the handshake package.
type pairFixture struct {
	aliceID, bobID         *identity.Identity
	aliceSessions, bobSessions *session.Manager
	sender                 *Sender
	receiver               *Receiver
	transNet               *memtransport.Network
	downloadsDir           string
}

func newPairFixture(t *testing.T) *pairFixture {
	t.Helper()

	aliceID, err := identity.New()
	require.NoError(t, err)
	bobID, err := identity.New()
	require.NoError(t, err)

	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	var k1, k2 [32]byte
	_, err = rand.Read(k1[:])
	require.NoError(t, err)
	_, err = rand.Read(k2[:])
	require.NoError(t, err)

	aliceSessions := session.NewManager()
	t.Cleanup(aliceSessions.Close)
	bobSessions := session.NewManager()
	t.Cleanup(bobSessions.Close)

	aliceSess, err := session.New(bobID.PeerID, eph, k1, k2)
	require.NoError(t, err)
	bobSess, err := session.New(aliceID.PeerID, eph, k2, k1)
	require.NoError(t, err)
	aliceSessions.Put(bobID.PeerID, aliceSess)
	bobSessions.Put(aliceID.PeerID, bobSess)

	aliceStore := memstore.New()
	bobStore := memstore.New()
	require.NoError(t, bobStore.Users().Upsert(context.Background(), &store.User{
		PeerID: aliceID.PeerID, Username: "alice",
		SigningPublicKey: aliceID.SigningPublicKey(), OfflinePublicKey: aliceID.OfflinePublicKey().Bytes(),
	}))

	transNet := memtransport.NewNetwork()
	downloadsDir := t.TempDir()

	return &pairFixture{
		aliceID: aliceID, bobID: bobID,
		aliceSessions: aliceSessions, bobSessions: bobSessions,
		sender:   NewSender(aliceID, aliceSessions, transNet.Peer(aliceID.PeerID), aliceStore.Messages(), aliceStore.Chats()),
		receiver: NewReceiver(bobID, bobSessions, bobStore.Messages(), bobStore.Chats(), bobStore.Users(), downloadsDir),
		transNet: transNet, downloadsDir: downloadsDir,
	}
}

func (p *pairFixture) serveOneTransfer(t *testing.T) <-chan error {
	t.Helper()
	out := make(chan error, 1)
	listener := p.transNet.Peer(p.bobID.PeerID).Listen(transport.FileTransferProtocolID)
	go func() {
		stream, err := listener.Accept(context.Background())
		if err != nil {
			out <- err
			return
		}
		out <- p.receiver.HandleInbound(context.Background(), stream)
	}()
	return out
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.pdf")
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOfferAcceptedTransfersExactBytes(t *testing.T) {
	p := newPairFixture(t)
	srcPath := writeTempFile(t, ChunkSize*3+1696) // matches the spec's worked example shape

	resultCh := p.serveOneTransfer(t)

	var progressUpdates int
	err := p.sender.Offer(context.Background(), p.bobID.PeerID, srcPath, func(fileID string, sent, total int) {
		progressUpdates++
	})
	require.NoError(t, err)
	require.NoError(t, <-resultCh)
	assert.Greater(t, progressUpdates, 0)

	want, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(p.downloadsDir, "doc.pdf"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSecondTransferOfSameNameGetsCopySuffix(t *testing.T) {
	p := newPairFixture(t)
	srcPath := writeTempFile(t, 1024)

	first := p.serveOneTransfer(t)
	require.NoError(t, p.sender.Offer(context.Background(), p.bobID.PeerID, srcPath, nil))
	require.NoError(t, <-first)

	second := p.serveOneTransfer(t)
	require.NoError(t, p.sender.Offer(context.Background(), p.bobID.PeerID, srcPath, nil))
	require.NoError(t, <-second)

	_, err := os.Stat(filepath.Join(p.downloadsDir, "doc.pdf"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(p.downloadsDir, "doc_copy.pdf"))
	require.NoError(t, err)
}

func TestReceiverRejectsFileFromUnknownSender(t *testing.T) {
	p := newPairFixture(t)
	require.NoError(t, p.receiver.users.Delete(context.Background(), p.aliceID.PeerID))

	srcPath := writeTempFile(t, 1024)
	resultCh := p.serveOneTransfer(t)

	err := p.sender.Offer(context.Background(), p.bobID.PeerID, srcPath, nil)
	assert.Error(t, err)
	assert.True(t, apperr.Is(<-resultCh, apperr.KindAuthorization)) // a non-silent rejection is reported to the receiver's caller as an authorization error
}

func TestAdmitRejectsTotalChunksMismatch(t *testing.T) {
	p := newPairFixture(t)

	offer := fileOfferMsg{Type: typeFileOffer, FileID: "f1", Filename: "x.bin", Size: 100, TotalChunks: 5}
	reject, silent, reason := p.receiver.admit(context.Background(), p.aliceID.PeerID, &offer)
	assert.True(t, reject)
	assert.False(t, silent)
	assert.Contains(t, reason, "total_chunks")
}

func TestAdmissionRejectsWhenPendingTotalAtCapacity(t *testing.T) {
	p := newPairFixture(t)
	for i := 0; i < MaxPendingFilesTotal; i++ {
		require.NoError(t, p.receiver.messages.Insert(context.Background(), &store.Message{
			ID: uuidLike(i), SenderPeerID: p.aliceID.PeerID, MessageType: store.MessageTypeFile,
			TransferStatus: store.TransferStatusPending, Timestamp: time.Now(),
		}))
	}

	offer := fileOfferMsg{FileID: "overflow", Filename: "y.bin", Size: 100, TotalChunks: 1}
	reject, _, reason := p.receiver.admit(context.Background(), p.aliceID.PeerID, &offer)
	assert.True(t, reject)
	assert.Contains(t, reason, "pending")
}

func uuidLike(i int) string {
	return "pending-row-" + string(rune('a'+i))
}
