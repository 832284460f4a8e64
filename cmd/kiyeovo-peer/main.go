// Command kiyeovo-peer is a local demonstration harness for the messaging
// substate: it wires identity, registry, handshake, session, messaging,
// offline delivery, file transfer and connection gating together against
// the in-memory DHT and transport implementations, since the real DHT and
// transport stacks are external collaborators out of scope here.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kiyeovo-peer",
	Short: "kiyeovo-peer - local demo harness for the encrypted messaging substate",
	Long: `kiyeovo-peer exercises the full secure-messaging path end to end in a
single process: username registration, the three-message key exchange,
directional AEAD sessions, online and offline-bucket message delivery,
chunked encrypted file transfer, and connection gating.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
