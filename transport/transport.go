// Package transport declares the narrow interface consumed from the
// underlying Noise/TCP transport: dialing a peer on a protocol ID yields a
// bidirectional stream. The transport itself is out of scope; only this
// interface is wired into the handshake, messaging and file-transfer code.
package transport

import (
	"context"
	"io"
)

// Stream is a bidirectional byte stream opened for a single protocol
// interaction. CloseWrite half-closes the send side, matching the "write
// the single framed JSON message; close the send half" online-send flow.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	CloseWrite() error
	RemotePeerID() string
}

// Dialer opens outbound streams to peers.
type Dialer interface {
	Dial(ctx context.Context, peerID string, protocolID string) (Stream, error)
}

// Listener accepts inbound streams for one protocol ID.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
}

// Dial/Listen protocol IDs recognized by this repository's components.
const (
	ChatProtocolID         = "/kiyeovo/1.0.0/chat"
	FileTransferProtocolID = "/kiyeovo/1.0.0/file-transfer"
)
