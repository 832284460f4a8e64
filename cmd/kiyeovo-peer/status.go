package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiyeovo/core/config"
	"github.com/kiyeovo/core/dht/memdht"
	"github.com/kiyeovo/core/internal/metrics"
	"github.com/kiyeovo/core/transport/memtransport"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a peer/session observability snapshot as JSON",
	Long: `status builds one simulated peer, registers it, lets its
background offline-bucket poller run briefly, and prints the aggregated
health snapshot: whether the username registry is reachable, how many key
exchanges are currently in flight, and whether the offline poller loop is
still alive. With --metrics-addr set, it also serves the peer's Prometheus
metrics over HTTP until interrupted.`,
	RunE: runStatus,
}

var statusMetricsAddr string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusMetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090) and block")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg := &config.Config{}
	cfg.Settings.ContactMode = config.ContactModeActive

	dhtNet := memdht.NewNetwork()
	transNet := memtransport.NewNetwork()

	peer, err := newPeerWorld(ctx, dhtNet, transNet, cfg, "status-peer")
	if err != nil {
		return fmt.Errorf("build peer: %w", err)
	}
	defer peer.stop()

	peer.serve(ctx)
	peer.startOfflineLoop(ctx, 100*time.Millisecond)
	time.Sleep(150 * time.Millisecond) // let the poller flip its alive flag at least once

	snapshot := peer.checker.GetSnapshot(ctx)
	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	fmt.Println(string(out))

	if statusMetricsAddr != "" {
		fmt.Println("serving Prometheus metrics on", statusMetricsAddr+"/metrics")
		return metrics.StartServer(statusMetricsAddr)
	}
	return nil
}
