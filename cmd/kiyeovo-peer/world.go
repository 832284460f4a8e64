package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/kiyeovo/core/config"
	"github.com/kiyeovo/core/dht/memdht"
	"github.com/kiyeovo/core/filetransfer"
	"github.com/kiyeovo/core/gating"
	"github.com/kiyeovo/core/handshake"
	"github.com/kiyeovo/core/health"
	"github.com/kiyeovo/core/identity"
	"github.com/kiyeovo/core/messaging"
	"github.com/kiyeovo/core/offline"
	"github.com/kiyeovo/core/registry"
	"github.com/kiyeovo/core/session"
	"github.com/kiyeovo/core/store/memstore"
	"github.com/kiyeovo/core/transport"
	"github.com/kiyeovo/core/transport/memtransport"
)

// peerWorld is one simulated peer's full stack, wired the way an embedding
// application would wire the real DHT and transport implementations.
type peerWorld struct {
	username string
	id       *identity.Identity
	store    *memstore.Store
	registry *registry.Registry
	sessions *session.Manager
	exchange *handshake.Exchange
	dialer   *memtransport.Peer
	offline  *offline.Store
	handler  *messaging.Handler
	sender   *filetransfer.Sender
	receiver *filetransfer.Receiver
	gater    *gating.Gater
	checker  *health.Checker

	offlineLoopAlive atomic.Bool
	stopOfflineLoop  chan struct{}
}

// newPeerWorld constructs and registers one simulated peer on the shared
// in-memory DHT and transport networks.
func newPeerWorld(ctx context.Context, dhtNet *memdht.Network, transNet *memtransport.Network, cfg *config.Config, username string) (*peerWorld, error) {
	id, err := identity.New()
	if err != nil {
		return nil, err
	}

	st := memstore.New()
	client := dhtNet.Client()
	reg := registry.New(id, client, st.Users())
	if err := reg.Register(ctx, username); err != nil {
		return nil, err
	}

	dialer := transNet.Peer(id.PeerID)
	sessions := session.NewManager()
	exchange := handshake.New(id, sessions, dialer, reg, st.Users(), st.Chats(), st.FailedExchanges(), st.BlockedPeers(), cfg.Settings.ContactMode)
	off := offline.New(id, client, st.OfflineSent(), st.Users())
	handler := messaging.New(id, sessions, exchange, dialer, off, st.Chats(), st.Messages())

	downloadsDir := filepath.Join(os.TempDir(), "kiyeovo-peer-downloads", username)
	sender := filetransfer.NewSender(id, sessions, dialer, st.Messages(), st.Chats())
	receiver := filetransfer.NewReceiver(id, sessions, st.Messages(), st.Chats(), st.Users(), downloadsDir)
	if cfg.Settings.MaxFileSize > 0 {
		receiver.MaxFileSize = cfg.Settings.MaxFileSize
	}

	gater := gating.New(st.BlockedPeers(), st.Chats(), cfg.Settings.ContactMode)

	w := &peerWorld{
		username: username, id: id, store: st, registry: reg, sessions: sessions,
		exchange: exchange, dialer: dialer, offline: off, handler: handler,
		sender: sender, receiver: receiver, gater: gater,
		stopOfflineLoop: make(chan struct{}),
	}

	checker := health.NewChecker(0)
	checker.Register("registry_reachable", health.RegistryReachableCheck(reg, username))
	checker.Register("pending_exchanges", health.PendingExchangesCheck(sessions))
	checker.Register("offline_poller_alive", health.LoopAliveCheck("offline_poller", w.offlineLoopAlive.Load))
	w.checker = checker

	return w, nil
}

// serve starts background listeners for the chat and file-transfer
// protocols, applying the connection gater to every inbound stream before
// it reaches the handler.
func (w *peerWorld) serve(ctx context.Context) {
	chatListener := w.dialer.Listen(transport.ChatProtocolID)
	fileListener := w.dialer.Listen(transport.FileTransferProtocolID)

	go w.acceptLoop(ctx, chatListener, func(s transport.Stream) {
		if w.gater.DenyInboundEncrypted(ctx, s.RemotePeerID(), "") {
			s.Close()
			return
		}
		replay, frameType, err := classifyChatFrame(s)
		if err != nil {
			s.Close()
			return
		}
		if frameType == "message" {
			_ = w.handler.HandleInbound(ctx, replay)
			return
		}
		_, _ = w.exchange.HandleInbound(ctx, replay)
	})
	go w.acceptLoop(ctx, fileListener, func(s transport.Stream) {
		if w.gater.DenyInboundEncrypted(ctx, s.RemotePeerID(), "") {
			s.Close()
			return
		}
		_ = w.receiver.HandleInbound(ctx, s)
	})
}

func (w *peerWorld) acceptLoop(ctx context.Context, listener transport.Listener, handle func(transport.Stream)) {
	for {
		stream, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		go handle(stream)
	}
}

// startOfflineLoop periodically polls every known chat's offline bucket,
// flipping offlineLoopAlive so the status surface reflects whether the
// background poller is still running.
func (w *peerWorld) startOfflineLoop(ctx context.Context, interval time.Duration) {
	w.offlineLoopAlive.Store(true)
	go func() {
		defer w.offlineLoopAlive.Store(false)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopOfflineLoop:
				return
			case <-ticker.C:
				chats, err := w.store.Chats().List(ctx)
				if err != nil {
					continue
				}
				for _, chat := range chats {
					_ = w.handler.PollOffline(ctx, chat.PeerID, false)
				}
			}
		}
	}()
}

func (w *peerWorld) stop() {
	close(w.stopOfflineLoop)
	w.sessions.Close()
}
