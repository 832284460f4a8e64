package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiyeovo/core/config"
	"github.com/kiyeovo/core/dht/memdht"
	"github.com/kiyeovo/core/transport/memtransport"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted two-peer conversation exercising the whole stack",
	Long: `demo spins up two simulated peers (alice and bob) on a shared
in-memory DHT and transport, registers their usernames, runs the
three-message key exchange, exchanges an online message, forces an
offline-bucket delivery, transfers a small file, and finally blocks one
peer to demonstrate connection gating.`,
	RunE: runDemo,
}

var demoFileSize int

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().IntVar(&demoFileSize, "file-size", 40_000, "size in bytes of the demo file transfer payload")
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg := &config.Config{}
	cfg.Settings.ContactMode = config.ContactModeActive
	cfg.Settings.MaxFileSize = 10 * 1024 * 1024

	dhtNet := memdht.NewNetwork()
	transNet := memtransport.NewNetwork()

	alice, err := newPeerWorld(ctx, dhtNet, transNet, cfg, "alice")
	if err != nil {
		return fmt.Errorf("build alice: %w", err)
	}
	defer alice.stop()
	bob, err := newPeerWorld(ctx, dhtNet, transNet, cfg, "bob")
	if err != nil {
		return fmt.Errorf("build bob: %w", err)
	}
	defer bob.stop()

	var bobReceived []string
	bob.handler.OnReceive = func(peerID string, plaintext []byte) { bobReceived = append(bobReceived, string(plaintext)) }

	alice.serve(ctx)
	bob.serve(ctx)
	alice.startOfflineLoop(ctx, 200*time.Millisecond)
	bob.startOfflineLoop(ctx, 200*time.Millisecond)

	fmt.Println("registered alice:", alice.id.PeerID)
	fmt.Println("registered bob:  ", bob.id.PeerID)

	if _, err := alice.exchange.Initiate(ctx, bob.username); err != nil {
		return fmt.Errorf("key exchange: %w", err)
	}
	if err := waitFor(func() bool { _, ok := bob.sessions.Get(alice.id.PeerID); return ok }); err != nil {
		return fmt.Errorf("bob never completed key exchange: %w", err)
	}
	fmt.Println("key exchange complete")

	if err := alice.handler.Send(ctx, bob.id.PeerID, []byte("hey bob, it's alice")); err != nil {
		return fmt.Errorf("online send: %w", err)
	}
	if err := waitFor(func() bool { return len(bobReceived) == 1 }); err != nil {
		return fmt.Errorf("bob never received the online message: %w", err)
	}
	fmt.Println("online message delivered:", bobReceived[0])

	chat, err := alice.store.Chats().GetByPeerID(ctx, bob.id.PeerID)
	if err == nil && len(chat.OfflineBucketSecret) > 0 {
		bob.sessions.Clear(alice.id.PeerID) // force bob to look offline next time
		alice.sessions.Clear(bob.id.PeerID)
		if err := alice.offline.Deposit(ctx, chat, bob.id.PeerID, []byte("catch this when you're back")); err == nil {
			if err := waitFor(func() bool { return len(bobReceived) >= 2 }); err == nil {
				fmt.Println("offline message delivered:", bobReceived[len(bobReceived)-1])
			}
		}
	}

	if _, err := alice.exchange.Initiate(ctx, bob.username); err != nil {
		return fmt.Errorf("re-establish session for file transfer: %w", err)
	}
	if err := waitFor(func() bool { _, ok := bob.sessions.Get(alice.id.PeerID); return ok }); err != nil {
		return fmt.Errorf("bob never re-completed key exchange: %w", err)
	}

	filePath, err := writeDemoFile(demoFileSize)
	if err != nil {
		return fmt.Errorf("prepare demo file: %w", err)
	}
	defer os.Remove(filePath)

	if err := alice.sender.Offer(ctx, bob.id.PeerID, filePath, func(fileID string, sent, total int) {
		fmt.Printf("file transfer progress: %d/%d chunks\n", sent, total)
	}); err != nil {
		return fmt.Errorf("file transfer: %w", err)
	}
	fmt.Println("file transfer complete, saved under:", bob.receiver.DownloadsDirectory)

	if err := bob.store.BlockedPeers().Block(ctx, alice.id.PeerID, "demo: exercising gating"); err != nil {
		return fmt.Errorf("block peer: %w", err)
	}
	if bob.gater.DenyInboundEncrypted(ctx, alice.id.PeerID, "") {
		fmt.Println("connection gating: bob now refuses inbound connections from alice")
	}

	snapshot := alice.checker.GetSnapshot(ctx)
	fmt.Println("alice health status:", snapshot.Status)
	return nil
}

func waitFor(cond func() bool) error {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for condition")
}

func writeDemoFile(size int) (string, error) {
	dir, err := os.MkdirTemp("", "kiyeovo-demo-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "greeting.txt")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
