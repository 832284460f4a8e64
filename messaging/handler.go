package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/handshake"
	"github.com/kiyeovo/core/identity"
	"github.com/kiyeovo/core/internal/metrics"
	"github.com/kiyeovo/core/offline"
	"github.com/kiyeovo/core/session"
	"github.com/kiyeovo/core/store"
	"github.com/kiyeovo/core/transport"
)

// Handler drives the online send/receive path: it owns no state of its
// own beyond what session.Manager and the stores already hold, and simply
// wires them together around one transport.Dialer.
type Handler struct {
	id       *identity.Identity
	sessions *session.Manager
	exchange *handshake.Exchange
	dialer   transport.Dialer
	offline  *offline.Store

	chats    store.ChatStore
	messages store.MessageStore

	// OnReceive is invoked with the sender's peer ID and decrypted
	// plaintext for every message delivered online or fetched from an
	// offline bucket. Optional.
	OnReceive func(peerID string, plaintext []byte)
}

// New constructs a Handler.
func New(id *identity.Identity, sessions *session.Manager, exchange *handshake.Exchange, dialer transport.Dialer,
	off *offline.Store, chats store.ChatStore, messages store.MessageStore) *Handler {
	return &Handler{id: id, sessions: sessions, exchange: exchange, dialer: dialer, offline: off, chats: chats, messages: messages}
}

// Send delivers plaintext to peerID: it reuses (or establishes) a live
// session and attempts an online delivery, falling back to an offline
// bucket deposit if the peer cannot be reached directly (section 4.4).
func (h *Handler) Send(ctx context.Context, peerID string, plaintext []byte) (err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.MessagesProcessed.WithLabelValues("outbound", status).Inc()
		metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.MessageSize.Observe(float64(len(plaintext)))

	sess, ok := h.sessions.Get(peerID)
	if !ok {
		var initErr error
		sess, initErr = h.exchange.Initiate(ctx, peerID)
		if initErr != nil {
			return h.sendOffline(ctx, peerID, plaintext, initErr)
		}
	}

	nonce, ciphertext, encErr := sess.Encrypt(plaintext)
	if encErr != nil {
		return fmt.Errorf("encrypt message: %w", encErr)
	}

	chat, chatErr := h.chats.GetByPeerID(ctx, peerID)
	var ackTimestamp int64
	if chatErr == nil && chat.OfflineLastReadTimestamp.After(chat.OfflineLastAckSent) {
		ackTimestamp = chat.OfflineLastReadTimestamp.UnixMilli()
	}

	if deliverErr := h.deliverOnline(ctx, peerID, nonce, ciphertext, ackTimestamp); deliverErr != nil {
		return h.sendOffline(ctx, peerID, plaintext, deliverErr)
	}

	if ackTimestamp != 0 {
		chat.OfflineLastAckSent = chat.OfflineLastReadTimestamp
		_ = h.chats.Upsert(ctx, chat)
	}

	h.persistSent(ctx, peerID, plaintext)
	h.maybeRotate(ctx, peerID, sess)
	return nil
}

func (h *Handler) deliverOnline(ctx context.Context, peerID string, nonce, ciphertext []byte, ackTimestamp int64) error {
	stream, err := h.dialer.Dial(ctx, peerID, transport.ChatProtocolID)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "messaging", "dial failed", err)
	}
	defer stream.Close()

	if err := writeMessage(stream, newWireMessage(nonce, ciphertext, ackTimestamp)); err != nil {
		return err
	}
	return stream.CloseWrite()
}

func (h *Handler) sendOffline(ctx context.Context, peerID string, plaintext []byte, cause error) error {
	chat, err := h.chats.GetByPeerID(ctx, peerID)
	if err != nil || len(chat.OfflineBucketSecret) == 0 {
		return apperr.Wrap(apperr.KindTransport, "messaging", "peer unreachable and no offline bucket established", cause)
	}
	if err := h.offline.Deposit(ctx, chat, peerID, plaintext); err != nil {
		return apperr.Wrap(apperr.KindTransport, "messaging", "offline deposit failed", err)
	}
	h.persistSent(ctx, peerID, plaintext)
	return nil
}

func (h *Handler) persistSent(ctx context.Context, peerID string, plaintext []byte) {
	chat, err := h.chats.GetByPeerID(ctx, peerID)
	chatID := peerID
	if err == nil {
		chatID = chat.ID
		if chatID == "" {
			chatID = peerID
		}
	}
	_ = h.messages.Insert(ctx, &store.Message{
		ID: uuid.NewString(), ChatID: chatID, SenderPeerID: h.id.PeerID,
		Content: string(plaintext), MessageType: store.MessageTypeText, Timestamp: time.Now(),
	})
}

func (h *Handler) maybeRotate(ctx context.Context, peerID string, sess *session.Session) {
	if !sess.NeedsRotation() {
		return
	}
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = h.exchange.RotateIfNeeded(rctx, peerID)
	}()
	_ = ctx
}

// HandleInbound processes one inbound chat-protocol stream: it reads a
// single framed wire message, decrypts it under the live session for the
// stream's remote peer, and dispatches it to OnReceive. A decryption
// failure clears the session per the aggressive-recovery policy (section
// 4.4).
func (h *Handler) HandleInbound(ctx context.Context, stream transport.Stream) (err error) {
	defer stream.Close()
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.MessagesProcessed.WithLabelValues("inbound", status).Inc()
		metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds())
	}()
	peerID := stream.RemotePeerID()

	msg, err := readMessage(stream)
	if err != nil {
		return err
	}

	sess, ok := h.sessions.Get(peerID)
	if !ok {
		return apperr.New(apperr.KindProtocol, "messaging", "no live session for inbound message")
	}

	plaintext, err := sess.Decrypt(msg.Nonce, msg.Ciphertext)
	if err != nil {
		h.sessions.Clear(peerID)
		return err
	}

	if h.OnReceive != nil {
		h.OnReceive(peerID, plaintext)
	}
	h.persistReceived(ctx, peerID, plaintext)
	if msg.OfflineAckTimestamp != 0 {
		h.acknowledgeOfflineDelivery(ctx, peerID, time.UnixMilli(msg.OfflineAckTimestamp))
	}
	h.maybeRotate(ctx, peerID, sess)
	return nil
}

// acknowledgeOfflineDelivery advances chat.OfflineLastAckSent and prunes
// this peer's own write bucket for peerID up to ackTimestamp, once peerID's
// online message confirms it already fetched everything up to that point
// (section 4.4: "advance offline_last_ack_sent so sender-side pruning can
// proceed").
func (h *Handler) acknowledgeOfflineDelivery(ctx context.Context, peerID string, ackTimestamp time.Time) {
	chat, err := h.chats.GetByPeerID(ctx, peerID)
	if err != nil || len(chat.OfflineBucketSecret) == 0 {
		return
	}
	if ackTimestamp.After(chat.OfflineLastAckSent) {
		chat.OfflineLastAckSent = ackTimestamp
	}
	_ = h.offline.PruneDelivered(ctx, chat, peerID, ackTimestamp)
	_ = h.chats.Upsert(ctx, chat)
}

func (h *Handler) persistReceived(ctx context.Context, peerID string, plaintext []byte) {
	chat, err := h.chats.GetByPeerID(ctx, peerID)
	chatID := peerID
	if err == nil {
		chatID = chat.ID
		if chatID == "" {
			chatID = peerID
		}
	}
	_ = h.messages.Insert(ctx, &store.Message{
		ID: uuid.NewString(), ChatID: chatID, SenderPeerID: peerID,
		Content: string(plaintext), MessageType: store.MessageTypeText, Timestamp: time.Now(),
	})
}

// PollOffline fetches and delivers any new messages from peerID's offline
// write bucket, advancing the chat's read cursor on success.
func (h *Handler) PollOffline(ctx context.Context, peerID string, force bool) error {
	chat, err := h.chats.GetByPeerID(ctx, peerID)
	if err != nil || len(chat.OfflineBucketSecret) == 0 {
		return nil
	}
	delivered, cursor, err := h.offline.Fetch(ctx, chat, peerID, force)
	if err != nil {
		return err
	}
	for _, m := range delivered {
		if h.OnReceive != nil {
			h.OnReceive(peerID, m.Plaintext)
		}
		h.persistReceived(ctx, peerID, m.Plaintext)
	}
	if len(delivered) > 0 {
		chat.OfflineLastReadTimestamp = cursor
		_ = h.chats.Upsert(ctx, chat)
	}
	return nil
}
