package filetransfer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/identity"
	"github.com/kiyeovo/core/session"
	"github.com/kiyeovo/core/store"
	"github.com/kiyeovo/core/transport"
)

// ProgressFunc is invoked with a throttled progress update while a transfer
// is in flight (section 4.6 step 5).
type ProgressFunc func(fileID string, chunksSent, totalChunks int)

// Sender drives the Idle -> Offering -> Transmitting -> Done|Failed state
// machine for one outbound file.
type Sender struct {
	id       *identity.Identity
	sessions *session.Manager
	dialer   transport.Dialer
	messages store.MessageStore
	chats    store.ChatStore

	// MaxFileSize bounds the files this sender will offer.
	MaxFileSize int64
}

// NewSender constructs a Sender.
func NewSender(id *identity.Identity, sessions *session.Manager, dialer transport.Dialer, messages store.MessageStore, chats store.ChatStore) *Sender {
	return &Sender{id: id, sessions: sessions, dialer: dialer, messages: messages, chats: chats, MaxFileSize: 100 * 1024 * 1024}
}

// Offer reads filePath entirely into memory, computes its BLAKE3 checksum,
// and runs the full sender state machine against peerID: offer, await
// accept/reject, then stream encrypted chunks. progress may be nil.
func (s *Sender) Offer(ctx context.Context, peerID, filePath string, progress ProgressFunc) error {
	sess, ok := s.sessions.Get(peerID)
	if !ok {
		return apperr.New(apperr.KindProtocol, "filetransfer", "no live session for peer")
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "filetransfer", "stat file", err)
	}
	if info.Size() == 0 {
		return apperr.New(apperr.KindProtocol, "filetransfer", "refusing to offer an empty file")
	}
	if info.Size() > s.MaxFileSize {
		return apperr.New(apperr.KindCapacityExceeded, "filetransfer", "file exceeds max_file_size")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "filetransfer", "read file", err)
	}
	checksum := blake3.Sum256(data)
	totalChunks := totalChunksFor(int64(len(data)))

	chatID := peerID
	if chat, cerr := s.chats.GetByPeerID(ctx, peerID); cerr == nil && chat.ID != "" {
		chatID = chat.ID
	}
	fileID := uuid.NewString()
	row := &store.Message{
		ID: fileID, ChatID: chatID, SenderPeerID: s.id.PeerID,
		MessageType: store.MessageTypeFile, FileName: baseFilename(filePath), FileSize: info.Size(),
		FilePath: filePath, TransferStatus: store.TransferStatusPending, Timestamp: time.Now(),
	}
	if err := s.messages.Insert(ctx, row); err != nil {
		return apperr.Wrap(apperr.KindStorage, "filetransfer", "persist pending transfer row", err)
	}

	stream, err := s.dialer.Dial(ctx, peerID, transport.FileTransferProtocolID)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "filetransfer", "dial file-transfer stream", err)
	}
	defer stream.Close()

	if err := writeFrame(stream, &fileOfferMsg{
		Type: typeFileOffer, FileID: fileID, Filename: row.FileName, MIME: "application/octet-stream",
		Size: info.Size(), Checksum: hex.EncodeToString(checksum[:]), TotalChunks: totalChunks,
	}); err != nil {
		s.markFailed(ctx, row)
		return err
	}

	respCh := make(chan *fileOfferResponseMsg, 1)
	errCh := make(chan error, 1)
	go func() {
		typ, raw, err := readFrame(stream)
		if err != nil {
			errCh <- err
			return
		}
		if typ != typeFileOfferResponse {
			errCh <- apperr.New(apperr.KindProtocol, "filetransfer", "expected file_offer_response")
			return
		}
		var resp fileOfferResponseMsg
		if err := unmarshalInto(raw, &resp); err != nil {
			errCh <- err
			return
		}
		respCh <- &resp
	}()

	select {
	case <-time.After(FileAcceptanceTimeout):
		row.TransferStatus = store.TransferStatusExpired
		_ = s.messages.Update(ctx, row)
		return apperr.New(apperr.KindTimeout, "filetransfer", "peer did not respond to file_offer in time")
	case err := <-errCh:
		s.markFailed(ctx, row)
		return err
	case resp := <-respCh:
		if !resp.Accepted {
			row.TransferStatus = store.TransferStatusRejected
			_ = s.messages.Update(ctx, row)
			return apperr.New(apperr.KindAuthorization, "filetransfer", "peer rejected file offer: "+resp.Reason)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	row.TransferStatus = store.TransferStatusInProgress
	_ = s.messages.Update(ctx, row)

	for i := 0; i < totalChunks; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		hash := blake3.Sum256(chunk)

		nonce, ciphertext, err := sess.Encrypt(chunk)
		if err != nil {
			s.markFailed(ctx, row)
			return apperr.Wrap(apperr.KindProtocol, "filetransfer", "encrypt chunk", err)
		}
		if err := writeFrame(stream, &fileChunkMsg{
			Type: typeFileChunk, FileID: fileID, Index: i, Nonce: nonce, Data: ciphertext, Hash: hex.EncodeToString(hash[:]),
		}); err != nil {
			s.markFailed(ctx, row)
			return err
		}
		if progress != nil && shouldEmitProgress(i+1, totalChunks) {
			progress(fileID, i+1, totalChunks)
		}
	}

	_ = stream.CloseWrite()
	failed, reason := s.awaitConfirm(stream)
	if failed {
		row.TransferStatus = store.TransferStatusFailed
		_ = s.messages.Update(ctx, row)
		return apperr.New(apperr.KindIntegrity, "filetransfer", "receiver reported assembly failure: "+reason)
	}

	row.TransferStatus = store.TransferStatusCompleted
	row.TransferProgress = 100
	_ = s.messages.Update(ctx, row)
	return nil
}

// awaitConfirm gives the receiver a short window to report the outcome of
// assembly (file_transfer_confirm). Its absence is not itself a failure,
// since older/minimal receivers may not send one, but an explicit
// Success: false must abort the transfer as failed on the sender's side
// too, not just the receiver's.
func (s *Sender) awaitConfirm(stream transport.Stream) (failed bool, reason string) {
	type outcome struct {
		failed bool
		reason string
	}
	done := make(chan outcome, 1)
	go func() {
		typ, raw, err := readFrame(stream)
		if err != nil || typ != typeFileTransferConfirm {
			done <- outcome{}
			return
		}
		var confirm fileTransferConfirmMsg
		if unmarshalInto(raw, &confirm) == nil && !confirm.Success {
			done <- outcome{failed: true, reason: confirm.Reason}
			return
		}
		done <- outcome{}
	}()
	select {
	case o := <-done:
		return o.failed, o.reason
	case <-time.After(5 * time.Second):
		return false, ""
	}
}

func (s *Sender) markFailed(ctx context.Context, row *store.Message) {
	row.TransferStatus = store.TransferStatusFailed
	_ = s.messages.Update(ctx, row)
}

func baseFilename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

func unmarshalInto(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.KindProtocol, "filetransfer", fmt.Sprintf("malformed %T", v), err)
	}
	return nil
}
