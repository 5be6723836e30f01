package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/gardensync/internal/node"
	"github.com/mschirtzinger/gardensync/internal/transfer"
	"github.com/mschirtzinger/gardensync/internal/ui"
)

var sendCmd = &cobra.Command{
	Use:     "send <garden>...",
	GroupID: "sync",
	Short:   "Send whole gardens to connected peers",
	Long: `Join a session, send the named gardens in full and exit.

Without --to the gardens go to every peer this node links to directly
within --wait. Interrupting the command cancels the transfer; receivers
discard whatever they got.

Example usage:
  gardensync send notes -s family
  gardensync send notes recipes -s family --to laptop-3f2a`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		targets, _ := cmd.Flags().GetStringSlice("to")
		wait, _ := cmd.Flags().GetDuration("wait")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		n, cleanup, err := startNode(ctx, cmd, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		waitCtx, stop := context.WithTimeout(ctx, wait)
		if len(targets) == 0 {
			// Give every reachable peer the same window to link up
			<-waitCtx.Done()
			targets = n.DirectPeers()
		} else {
			_, err = waitForPeers(waitCtx, n, func(n *node.Node) []string {
				for _, id := range targets {
					if !slices.Contains(n.DirectPeers(), id) {
						return nil
					}
				}
				return targets
			})
		}
		stop()
		if err != nil || len(targets) == 0 {
			fmt.Fprintf(os.Stderr, "Error: no peers to send to\n")
			cleanup()
			os.Exit(1)
		}

		fmt.Printf("%s Sending %v to %d peer(s)...\n", ui.RenderAccent("→"), args, len(targets))
		start := time.Now()
		_, err = n.SendGardens(ctx, args, targets)
		switch {
		case errors.Is(err, transfer.ErrCancelled) || errors.Is(err, context.Canceled):
			fmt.Printf("%s Transfer cancelled\n", ui.RenderWarn("⊘"))
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			cleanup()
			os.Exit(1)
		default:
			fmt.Printf("%s Sent in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		}
	},
}

func init() {
	sessionFlags(sendCmd)
	sendCmd.Flags().StringSlice("to", nil, "Peer ID to send to (repeatable)")
	sendCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for peers to connect")
	rootCmd.AddCommand(sendCmd)
}
