package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/transport"
)

// replayStream wraps a transport.Stream, replaying bytes already consumed
// off it (to sniff the frame type) before continuing to read live.
type replayStream struct {
	transport.Stream
	buffered *bytes.Reader
}

func (s *replayStream) Read(p []byte) (int, error) {
	if s.buffered != nil {
		n, err := s.buffered.Read(p)
		if err == io.EOF {
			s.buffered = nil
			if n == 0 {
				return s.Stream.Read(p)
			}
		}
		return n, err
	}
	return s.Stream.Read(p)
}

// classifyChatFrame reads the one length-prefixed frame a handshake or
// messaging message opens a chat-protocol stream with, and reports its
// JSON "type" field ("key_exchange" or "message") without consuming it:
// the returned stream replays the same bytes so the handshake or messaging
// package can parse the frame again on its own terms.
func classifyChatFrame(s transport.Stream) (transport.Stream, string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s, lenBuf[:]); err != nil {
		return nil, "", apperr.Wrap(apperr.KindTransport, "kiyeovo-peer", "read frame length", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(s, body); err != nil {
		return nil, "", apperr.Wrap(apperr.KindTransport, "kiyeovo-peer", "read frame body", err)
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", apperr.Wrap(apperr.KindProtocol, "kiyeovo-peer", "malformed chat frame", err)
	}

	replayed := make([]byte, 0, 4+len(body))
	replayed = append(replayed, lenBuf[:]...)
	replayed = append(replayed, body...)
	return &replayStream{Stream: s, buffered: bytes.NewReader(replayed)}, envelope.Type, nil
}
