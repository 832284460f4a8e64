// Package messaging implements the online send/receive path over an
// established session: a single framed, encrypted message per chat-protocol
// stream, falling back to the offline bucket protocol when the recipient
// cannot be reached directly (section 4.3/4.4).
package messaging

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"time"

	"github.com/kiyeovo/core/apperr"
)

// frameMaxSize bounds an inbound chat message frame.
const frameMaxSize = 16 << 20 // generous for attachments metadata, not file bytes

// wireMessage is the single JSON body written to a chat-protocol stream for
// one online message: the session nonce plus the sealed ciphertext.
type wireMessage struct {
	Type                string `json:"type"` // always "message"
	Nonce               []byte `json:"nonce"`
	Ciphertext          []byte `json:"ciphertext"`
	Timestamp           int64  `json:"timestamp"` // ms since epoch, informational only
	OfflineAckTimestamp int64  `json:"offline_ack_timestamp,omitempty"`
}

func newWireMessage(nonce, ciphertext []byte, offlineAckTimestamp int64) *wireMessage {
	return &wireMessage{
		Type: "message", Nonce: nonce, Ciphertext: ciphertext, Timestamp: time.Now().UnixMilli(),
		OfflineAckTimestamp: offlineAckTimestamp,
	}
}

func writeMessage(w io.Writer, m *wireMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return apperr.Wrap(apperr.KindProtocol, "messaging", "marshal message", err)
	}
	return writeLengthPrefixed(w, data)
}

func readMessage(r io.Reader) (*wireMessage, error) {
	data, err := readLengthPrefixed(r, frameMaxSize)
	if err != nil {
		return nil, err
	}
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "messaging", "malformed message frame", err)
	}
	return &m, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return apperr.Wrap(apperr.KindTransport, "messaging", "write frame length", err)
	}
	if _, err := w.Write(data); err != nil {
		return apperr.Wrap(apperr.KindTransport, "messaging", "write frame body", err)
	}
	return nil
}

func readLengthPrefixed(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "messaging", "read frame length", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxSize {
		return nil, apperr.New(apperr.KindProtocol, "messaging", "frame too large")
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "messaging", "read frame body", err)
	}
	return data, nil
}
