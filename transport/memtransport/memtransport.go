// Package memtransport is an in-memory transport.Dialer/Listener pair
// backed by io.Pipe, standing in for the Noise/TCP transport in tests and
// local smoke runs.
package memtransport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/kiyeovo/core/transport"
)

// Network routes Dial calls from one named peer to another peer's
// registered Listener for a given protocol ID.
type Network struct {
	mu        sync.Mutex
	listeners map[string]chan transport.Stream // key: peerID+"|"+protocolID
}

// NewNetwork creates an empty routing table.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]chan transport.Stream)}
}

// Peer returns a transport.Dialer bound to selfID, plus a Listen function
// the same peer uses to accept inbound streams for a protocol.
func (n *Network) Peer(selfID string) *Peer {
	return &Peer{net: n, selfID: selfID}
}

// Peer is one node's view of the in-memory network.
type Peer struct {
	net    *Network
	selfID string
}

func listenerKey(peerID, protocolID string) string {
	return peerID + "|" + protocolID
}

// Listen registers this peer to accept inbound streams for protocolID,
// returning a transport.Listener. Only one listener per protocol is
// supported per peer at a time.
func (p *Peer) Listen(protocolID string) transport.Listener {
	ch := make(chan transport.Stream, 16)
	p.net.mu.Lock()
	p.net.listeners[listenerKey(p.selfID, protocolID)] = ch
	p.net.mu.Unlock()
	return &listener{ch: ch}
}

// Dial implements transport.Dialer.
func (p *Peer) Dial(ctx context.Context, peerID string, protocolID string) (transport.Stream, error) {
	p.net.mu.Lock()
	ch, ok := p.net.listeners[listenerKey(peerID, protocolID)]
	p.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memtransport: peer %q not listening on %q", peerID, protocolID)
	}

	ar, aw := io.Pipe()
	br, bw := io.Pipe()

	initiatorSide := &stream{r: br, w: aw, wc: aw, remotePeer: peerID}
	responderSide := &stream{r: ar, w: bw, wc: bw, remotePeer: p.selfID}

	select {
	case ch <- responderSide:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return initiatorSide, nil
}

type listener struct {
	ch chan transport.Stream
}

func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-l.ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type stream struct {
	r          *io.PipeReader
	w          *io.PipeWriter
	wc         *io.PipeWriter
	remotePeer string
}

func (s *stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *stream) Close() error {
	_ = s.r.Close()
	return s.w.Close()
}

func (s *stream) CloseWrite() error {
	return s.wc.Close()
}

func (s *stream) RemotePeerID() string { return s.remotePeer }
