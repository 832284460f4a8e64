package handshake

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kiyeovo/core/apperr"
)

// writeLengthPrefixed writes a 4-byte big-endian length prefix followed by
// data, the framing used for every control message exchanged over the chat
// protocol stream (section 4.2).
func writeLengthPrefixed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return apperr.Wrap(apperr.KindTransport, "handshake", "write frame length", err)
	}
	if _, err := w.Write(data); err != nil {
		return apperr.Wrap(apperr.KindTransport, "handshake", "write frame body", err)
	}
	return nil
}

// readLengthPrefixed reads one length-prefixed frame, rejecting anything
// larger than maxSize to bound memory use against a hostile peer.
func readLengthPrefixed(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "handshake", "read frame length", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxSize {
		return nil, apperr.New(apperr.KindProtocol, "handshake", fmt.Sprintf("frame too large: %d bytes", n))
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "handshake", "read frame body", err)
	}
	return data, nil
}
