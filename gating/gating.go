// Package gating implements the pluggable predicate set a transport
// upgrader consults before completing a dial or accepting an inbound
// connection (section 4.7): deny_dial, deny_outbound, deny_inbound_encrypted.
package gating

import (
	"context"

	"github.com/kiyeovo/core/config"
	"github.com/kiyeovo/core/store"
)

// ConnectionGater is the narrow predicate interface the transport layer
// consults at each stage of establishing a connection. The core provides
// Gater as the default implementation; an embedding application may supply
// its own (e.g. to add IP-range rules) by implementing this interface.
type ConnectionGater interface {
	DenyDial(ctx context.Context, peerID string) bool
	DenyOutbound(ctx context.Context, peerID string) bool
	DenyInboundEncrypted(ctx context.Context, peerID, addr string) bool
}

// Gater is the core's default ConnectionGater: deny if blocklisted, and in
// block contact mode deny inbound connections from peers with no trusted
// chat on file. active and silent modes let the connection through at this
// layer; the handshake responder applies its own per-init decision.
type Gater struct {
	blocked  store.BlockedPeerStore
	chats    store.ChatStore
	contacts config.ContactMode
}

// New constructs a Gater.
func New(blocked store.BlockedPeerStore, chats store.ChatStore, contacts config.ContactMode) *Gater {
	return &Gater{blocked: blocked, chats: chats, contacts: contacts}
}

// DenyDial reports whether an outbound dial to peerID must be refused
// before any bytes are sent.
func (g *Gater) DenyDial(ctx context.Context, peerID string) bool {
	return g.isBlocked(ctx, peerID)
}

// DenyOutbound reports whether an outbound connection already in progress
// must be abandoned once the peer's identity is known.
func (g *Gater) DenyOutbound(ctx context.Context, peerID string) bool {
	return g.isBlocked(ctx, peerID)
}

// DenyInboundEncrypted reports whether an inbound connection, now that the
// Noise handshake has revealed peerID, must be refused. In block contact
// mode an unknown peer (no chat row, or a chat never marked trusted) is
// refused; addr is accepted for interface symmetry with the transport
// upgrader and reserved for future IP-based rules.
func (g *Gater) DenyInboundEncrypted(ctx context.Context, peerID, addr string) bool {
	_ = addr
	if g.isBlocked(ctx, peerID) {
		return true
	}
	if g.contacts != config.ContactModeBlock {
		return false
	}
	chat, err := g.chats.GetByPeerID(ctx, peerID)
	return err != nil || !chat.TrustedOutOfBand
}

func (g *Gater) isBlocked(ctx context.Context, peerID string) bool {
	blocked, err := g.blocked.IsBlocked(ctx, peerID)
	return err == nil && blocked
}
