package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/gardensync/internal/config"
	"github.com/mschirtzinger/gardensync/internal/relay"
	"github.com/mschirtzinger/gardensync/internal/ui"
)

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "maint",
	Short:   "Run a rendezvous relay",
	Long: `Run the rendezvous relay peers use to find each other.

The relay only introduces peers and forwards their negotiation signals. It
never sees garden contents.

Endpoints:
  ws://host:port/ws        peer connections
  http://host:port/health  liveness check
  http://host:port/metrics Prometheus metrics

Example usage:
  gardensync relay                # Listen on port 8787
  gardensync relay --port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		_, cfg := loadConfig()

		server := relay.NewServer(&relay.Config{
			Port:   port,
			Logger: config.NewLogger(logOutput(cfg), "relay"),
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start relay: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Relay listening on %s\n", ui.RenderPass("✓"), server.GetAddr())
		fmt.Printf("   Peers connect to ws://localhost:%d/ws\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down relay...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	relayCmd.Flags().IntP("port", "p", 8787, "Port to listen on")
	rootCmd.AddCommand(relayCmd)
}
