// netplay - multiplayer connection layer for a tile-based RPG.
//
// The run command connects the local player to a netplay server, keeps the
// session alive with heartbeats and reconnects, relays item pickup facts
// exactly once per server, and exposes a local status API, Prometheus
// metrics and MQTT telemetry. The peer command starts a development server
// that speaks the same protocol.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "1.0.0"
	commit  = "none"
	date    = "unknown"
)

const banner = `
             _         _
  _ __   ___| |_ _ __ | | __ _ _   _
 | '_ \ / _ \ __| '_ \| |/ _' | | | |
 | | | |  __/ |_| |_) | | (_| | |_| |
 |_| |_|\___|\__| .__/|_|\__,_|\__, |
                |_|            |___/  v%s
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "netplay",
		Short: "Multiplayer connection layer for a tile-based RPG",
		Long: `netplay connects a player to a shared world server.

It negotiates the protocol version, keeps the connection alive with
heartbeats, reconnects with backoff when the link drops and makes sure
every picked up item reaches the server once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		runCmd(),
		peerCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Printf(banner, version)
	fmt.Println()
}
