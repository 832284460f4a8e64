package filetransfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/identity"
	"github.com/kiyeovo/core/session"
	"github.com/kiyeovo/core/store"
	"github.com/kiyeovo/core/transport"
)

var validFilenameChars = regexp.MustCompile(`^[A-Za-z0-9._\- ]{1,255}$`)

// FileOfferInfo is the caller-visible summary of an inbound offer, passed to
// Decide to simulate the out-of-band user prompt (section 4.6 step 4).
type FileOfferInfo struct {
	FileID      string
	Filename    string
	MIME        string
	Size        int64
	TotalChunks int
}

// admissionState tracks the spam-control counters described in section
// 4.6 step 2 and section 5's liveness/backpressure notes.
type admissionState struct {
	mu              sync.Mutex
	offersByPeer    map[string][]time.Time
	silentGlobal    int
	silentPerPeer   map[string]int
	lastResetAt     time.Time
}

func newAdmissionState() *admissionState {
	return &admissionState{
		offersByPeer:  make(map[string][]time.Time),
		silentPerPeer: make(map[string]int),
		lastResetAt:   time.Now(),
	}
}

func (a *admissionState) maybeReset() {
	if time.Since(a.lastResetAt) >= SilentRejectionResetInterval {
		a.silentGlobal = 0
		a.silentPerPeer = make(map[string]int)
		a.lastResetAt = time.Now()
	}
}

// recordOffer appends now to peerID's offer timeline and reports whether the
// peer has exceeded FileOfferRateLimit within FileOfferRateLimitWindow.
func (a *admissionState) recordOffer(peerID string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maybeReset()

	cutoff := now.Add(-FileOfferRateLimitWindow)
	times := a.offersByPeer[peerID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	a.offersByPeer[peerID] = kept
	return len(kept) > FileOfferRateLimit
}

// globalRejectionSilent increments the global silent-rejection counter and
// reports whether the threshold has already been crossed (in which case the
// caller must not reply at all).
func (a *admissionState) globalRejectionSilent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maybeReset()
	silent := a.silentGlobal >= SilentRejectionThresholdGlobal
	a.silentGlobal++
	return silent
}

func (a *admissionState) perPeerRejectionSilent(peerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maybeReset()
	silent := a.silentPerPeer[peerID] >= SilentRejectionThresholdPerPeer
	a.silentPerPeer[peerID]++
	return silent
}

// Receiver drives the AwaitOffer -> AwaitingUserDecision -> Receiving ->
// Assembling -> Completed|Failed state machine for inbound files.
type Receiver struct {
	id       *identity.Identity
	sessions *session.Manager
	messages store.MessageStore
	chats    store.ChatStore
	users    store.UserStore

	DownloadsDirectory string
	MaxFileSize        int64

	// Decide simulates the out-of-band user accept/reject prompt. If nil,
	// every admissible offer is accepted immediately.
	Decide func(peerID string, offer FileOfferInfo) (accept bool, reason string)

	// OnProgress is invoked with a throttled progress update while
	// receiving. Optional.
	OnProgress ProgressFunc

	admission *admissionState
}

// NewReceiver constructs a Receiver.
func NewReceiver(id *identity.Identity, sessions *session.Manager, messages store.MessageStore, chats store.ChatStore, users store.UserStore, downloadsDir string) *Receiver {
	return &Receiver{
		id: id, sessions: sessions, messages: messages, chats: chats, users: users,
		DownloadsDirectory: downloadsDir, MaxFileSize: 100 * 1024 * 1024,
		admission: newAdmissionState(),
	}
}

// HandleInbound processes one inbound file-transfer stream end to end.
func (r *Receiver) HandleInbound(ctx context.Context, stream transport.Stream) error {
	defer stream.Close()
	peerID := stream.RemotePeerID()

	typ, raw, err := readFrame(stream)
	if err != nil {
		return err
	}
	if typ != typeFileOffer {
		return apperr.New(apperr.KindProtocol, "filetransfer", "expected file_offer")
	}
	var offer fileOfferMsg
	if err := json.Unmarshal(raw, &offer); err != nil {
		return apperr.Wrap(apperr.KindProtocol, "filetransfer", "malformed file_offer", err)
	}

	if _, ok := r.sessions.Get(peerID); !ok {
		return apperr.New(apperr.KindProtocol, "filetransfer", "no live session for sender")
	}

	if reject, silent, reason := r.admit(ctx, peerID, &offer); reject {
		if silent {
			return nil
		}
		return r.respondReject(stream, offer.FileID, reason)
	}

	chatID := peerID
	if chat, cerr := r.chats.GetByPeerID(ctx, peerID); cerr == nil && chat.ID != "" {
		chatID = chat.ID
	}
	row := &store.Message{
		ID: offer.FileID, ChatID: chatID, SenderPeerID: peerID,
		MessageType: store.MessageTypeFile, FileName: offer.Filename, FileSize: offer.Size,
		TransferStatus: store.TransferStatusPending, Timestamp: time.Now(),
	}
	if err := r.messages.Insert(ctx, row); err != nil {
		return apperr.Wrap(apperr.KindStorage, "filetransfer", "persist pending file row", err)
	}

	accept, reason := true, ""
	if r.Decide != nil {
		accept, reason = r.Decide(peerID, FileOfferInfo{
			FileID: offer.FileID, Filename: offer.Filename, MIME: offer.MIME, Size: offer.Size, TotalChunks: offer.TotalChunks,
		})
	}
	if !accept {
		row.TransferStatus = store.TransferStatusRejected
		_ = r.messages.Update(ctx, row)
		return r.respondReject(stream, offer.FileID, reason)
	}

	if err := writeFrame(stream, &fileOfferResponseMsg{Type: typeFileOfferResponse, FileID: offer.FileID, Accepted: true}); err != nil {
		return err
	}
	row.TransferStatus = store.TransferStatusInProgress
	_ = r.messages.Update(ctx, row)

	plaintext, err := r.receiveChunks(stream, peerID, &offer)
	if err != nil {
		row.TransferStatus = store.TransferStatusFailed
		_ = r.messages.Update(ctx, row)
		_ = writeFrame(stream, &fileTransferConfirmMsg{Type: typeFileTransferConfirm, FileID: offer.FileID, Success: false, Reason: err.Error()})
		return err
	}

	dest, err := r.writeAssembled(offer.Filename, plaintext)
	if err != nil {
		row.TransferStatus = store.TransferStatusFailed
		_ = r.messages.Update(ctx, row)
		_ = writeFrame(stream, &fileTransferConfirmMsg{Type: typeFileTransferConfirm, FileID: offer.FileID, Success: false, Reason: err.Error()})
		return err
	}

	row.TransferStatus = store.TransferStatusCompleted
	row.TransferProgress = 100
	row.FilePath = dest
	_ = r.messages.Update(ctx, row)
	_ = writeFrame(stream, &fileTransferConfirmMsg{Type: typeFileTransferConfirm, FileID: offer.FileID, Success: true})
	return nil
}

// admit applies the ordered admission checks from section 4.6 step 2,
// returning whether to reject, whether the rejection must be silent, and a
// human-readable reason for a non-silent rejection.
func (r *Receiver) admit(ctx context.Context, peerID string, offer *fileOfferMsg) (reject, silent bool, reason string) {
	total, fromPeer, _ := r.messages.CountPendingFileOffers(ctx, peerID)
	if total >= MaxPendingFilesTotal {
		return true, r.admission.globalRejectionSilent(), "too many pending file offers globally"
	}
	if fromPeer >= MaxPendingFilesPerPeer {
		return true, r.admission.perPeerRejectionSilent(peerID), "too many pending file offers from this peer"
	}
	if r.admission.recordOffer(peerID, time.Now()) {
		return true, false, "file offer rate limit exceeded"
	}
	if !validFilenameChars.MatchString(offer.Filename) || filepath.Base(offer.Filename) != offer.Filename {
		return true, false, "invalid filename"
	}
	if _, err := r.users.Get(ctx, peerID); err != nil {
		return true, false, "sender is not a known contact"
	}
	if offer.Size <= 0 || offer.Size > r.MaxFileSize {
		return true, false, "file size out of bounds"
	}
	if offer.TotalChunks != totalChunksFor(offer.Size) {
		return true, false, "total_chunks does not match size"
	}
	return false, false, ""
}

func (r *Receiver) respondReject(stream transport.Stream, fileID, reason string) error {
	err := writeFrame(stream, &fileOfferResponseMsg{Type: typeFileOfferResponse, FileID: fileID, Accepted: false, Reason: reason})
	return apperr.New(apperr.KindAuthorization, "filetransfer", "rejected file offer: "+reason+errString(err))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return " (and response write failed: " + err.Error() + ")"
}

// receiveChunks reads file_chunk frames until the stream ends, enforcing
// the idle timeout, index bounds, duplicate-index rejection, per-chunk
// decryption and BLAKE3 verification of section 4.6 step 5.
func (r *Receiver) receiveChunks(stream transport.Stream, peerID string, offer *fileOfferMsg) ([]byte, error) {
	sess, ok := r.sessions.Get(peerID)
	if !ok {
		return nil, apperr.New(apperr.KindProtocol, "filetransfer", "session cleared mid-transfer")
	}

	chunks := make(map[int][]byte, offer.TotalChunks)
	received := 0

	for {
		typ, raw, err := r.readFrameWithIdleTimeout(stream)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if typ != typeFileChunk {
			return nil, apperr.New(apperr.KindProtocol, "filetransfer", "expected file_chunk")
		}
		var chunk fileChunkMsg
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return nil, apperr.Wrap(apperr.KindProtocol, "filetransfer", "malformed file_chunk", err)
		}
		if chunk.Index < 0 || chunk.Index >= offer.TotalChunks {
			return nil, apperr.New(apperr.KindProtocol, "filetransfer", "chunk index out of range")
		}
		if _, dup := chunks[chunk.Index]; dup {
			return nil, apperr.New(apperr.KindProtocol, "filetransfer", "duplicate chunk index (exhaustion attempt)")
		}

		plaintext, err := sess.Decrypt(chunk.Nonce, chunk.Data)
		if err != nil {
			r.sessions.Clear(peerID)
			return nil, err
		}
		wantHash, err := hex.DecodeString(chunk.Hash)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindProtocol, "filetransfer", "malformed chunk hash", err)
		}
		gotHash := blake3.Sum256(plaintext)
		if !bytes.Equal(gotHash[:], wantHash) {
			return nil, apperr.ErrIntegrity
		}

		chunks[chunk.Index] = plaintext
		received++
		if r.OnProgress != nil && shouldEmitProgress(received, offer.TotalChunks) {
			r.OnProgress(offer.FileID, received, offer.TotalChunks)
		}
	}

	if received != offer.TotalChunks {
		return nil, apperr.New(apperr.KindProtocol, "filetransfer", "stream ended before all chunks arrived")
	}

	assembled := make([]byte, 0, offer.Size)
	for i := 0; i < offer.TotalChunks; i++ {
		assembled = append(assembled, chunks[i]...)
	}
	checksum := blake3.Sum256(assembled)
	wantChecksum, err := hex.DecodeString(offer.Checksum)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "filetransfer", "malformed offer checksum", err)
	}
	if !bytes.Equal(checksum[:], wantChecksum) {
		return nil, apperr.ErrIntegrity
	}
	return assembled, nil
}

// readFrameWithIdleTimeout races a frame read against ChunkIdleTimeout.
func (r *Receiver) readFrameWithIdleTimeout(stream transport.Stream) (string, []byte, error) {
	type result struct {
		typ string
		raw []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		typ, raw, err := readFrame(stream)
		ch <- result{typ, raw, err}
	}()
	select {
	case res := <-ch:
		return res.typ, res.raw, res.err
	case <-time.After(ChunkIdleTimeout):
		return "", nil, apperr.New(apperr.KindTimeout, "filetransfer", "no chunk received within idle timeout")
	}
}

// writeAssembled picks a non-colliding destination name (name, name_copy,
// name_copy2, ... up to MaxCopyAttempts) and writes the file atomically via
// a temp-file-then-rename.
func (r *Receiver) writeAssembled(filename string, data []byte) (string, error) {
	if err := os.MkdirAll(r.DownloadsDirectory, 0o755); err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "filetransfer", "create downloads directory", err)
	}

	dest := filepath.Join(r.DownloadsDirectory, filename)
	ext := filepath.Ext(filename)
	stem := filename[:len(filename)-len(ext)]
	for attempt := 1; attempt <= MaxCopyAttempts; attempt++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		suffix := "_copy"
		if attempt > 1 {
			suffix = fmt.Sprintf("_copy%d", attempt)
		}
		dest = filepath.Join(r.DownloadsDirectory, stem+suffix+ext)
	}

	tmp := dest + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "filetransfer", "write temp file", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "filetransfer", "rename into place", err)
	}
	return dest, nil
}
