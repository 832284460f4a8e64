// Package filetransfer implements the chunked, end-to-end-encrypted
// file-transfer protocol over its own dedicated stream (section 4.6):
// a sender state machine (Idle -> Offering -> Transmitting -> Done|Failed)
// and a receiver state machine (AwaitOffer -> AwaitingUserDecision ->
// Receiving -> Assembling -> Completed|Failed), admission-controlled
// against spam and resource exhaustion.
package filetransfer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kiyeovo/core/apperr"
)

// ChunkSize is the plaintext slice size per file_chunk message.
const ChunkSize = 32 * 1024

// Timeouts and admission-control thresholds (section 4.6 / 5).
const (
	FileAcceptanceTimeout = 5 * time.Minute
	ChunkIdleTimeout      = 60 * time.Second

	MaxPendingFilesTotal    = 10
	MaxPendingFilesPerPeer  = 5
	FileOfferRateLimit      = 5
	FileOfferRateLimitWindow = 60 * time.Second

	SilentRejectionThresholdGlobal  = 20
	SilentRejectionThresholdPerPeer = 5
	SilentRejectionResetInterval    = 10 * time.Minute

	MaxCopyAttempts = 100

	maxControlFrame = 1 << 20 // generous bound on a single JSON control frame
)

// totalChunksFor returns ceil(size / ChunkSize), matching section 4.6 step 2
// and the boundary behavior in section 8 (an exact multiple has no trailing
// short chunk).
func totalChunksFor(size int64) int {
	if size <= 0 {
		return 0
	}
	n := size / ChunkSize
	if size%ChunkSize != 0 {
		n++
	}
	return int(n)
}

// envelope peeks the "type" discriminator shared by every wire message so
// the caller can dispatch before fully unmarshaling (section 9's tagged
// variants, JSON edition).
type envelope struct {
	Type string `json:"type"`
}

type fileOfferMsg struct {
	Type        string `json:"type"`
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	MIME        string `json:"mime"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"` // hex-encoded BLAKE3 of the plaintext
	TotalChunks int    `json:"total_chunks"`
}

type fileOfferResponseMsg struct {
	Type     string `json:"type"`
	FileID   string `json:"file_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type fileChunkMsg struct {
	Type   string `json:"type"`
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
	Nonce  []byte `json:"nonce"`
	Data   []byte `json:"data"`
	Hash   string `json:"hash"` // hex-encoded BLAKE3 of the plaintext chunk
}

type fileTransferConfirmMsg struct {
	Type    string `json:"type"`
	FileID  string `json:"file_id"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

const (
	typeFileOffer         = "file_offer"
	typeFileOfferResponse = "file_offer_response"
	typeFileChunk         = "file_chunk"
	typeFileTransferConfirm = "file_transfer_confirm"
)

func writeFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.KindProtocol, "filetransfer", "marshal frame", err)
	}
	return writeLengthPrefixed(w, data)
}

// readFrame reads one frame and returns its discriminator plus the raw JSON
// so the caller can unmarshal into the concrete type it expects. It returns
// io.EOF unwrapped when the stream ends cleanly at a frame boundary, so
// callers can distinguish "peer finished sending" from a transport error.
func readFrame(r io.Reader) (string, []byte, error) {
	data, err := readLengthPrefixed(r, maxControlFrame)
	if err != nil {
		return "", nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, apperr.Wrap(apperr.KindProtocol, "filetransfer", "malformed frame", err)
	}
	return env.Type, data, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return apperr.Wrap(apperr.KindTransport, "filetransfer", "write frame length", err)
	}
	if _, err := w.Write(data); err != nil {
		return apperr.Wrap(apperr.KindTransport, "filetransfer", "write frame body", err)
	}
	return nil
}

// shouldEmitProgress implements the throttling rule shared by sender and
// receiver: always for the first five chunks, then once per +10% crossed.
func shouldEmitProgress(chunksDone, totalChunks int) bool {
	if chunksDone <= 5 {
		return true
	}
	if totalChunks == 0 {
		return false
	}
	pct := chunksDone * 100 / totalChunks
	prevPct := (chunksDone - 1) * 100 / totalChunks
	return pct/10 != prevPct/10
}

func readLengthPrefixed(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, apperr.Wrap(apperr.KindTransport, "filetransfer", "read frame length", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxSize {
		return nil, apperr.New(apperr.KindProtocol, "filetransfer", fmt.Sprintf("frame too large: %d bytes", n))
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "filetransfer", "read frame body", err)
	}
	return data, nil
}
