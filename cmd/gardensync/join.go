package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/gardensync/internal/node"
	"github.com/mschirtzinger/gardensync/internal/session"
	"github.com/mschirtzinger/gardensync/internal/ui"
)

var joinCmd = &cobra.Command{
	Use:     "join",
	GroupID: "sync",
	Short:   "Join a session and keep gardens in sync",
	Long: `Join a session and stay connected until interrupted.

Local edits inside the gardens directory are published to the session as
they happen, and edits from other peers are applied locally (the newer
write wins). With --pull, the named gardens are first copied in full from a
connected peer that holds them. With --live, this peer takes part in
live-sync host election.

Example usage:
  gardensync join --session family
  gardensync join -s family --pull notes --pull recipes
  gardensync join -s family --live`,
	Run: func(cmd *cobra.Command, args []string) {
		pull, _ := cmd.Flags().GetStringSlice("pull")
		live, _ := cmd.Flags().GetBool("live")
		watch, _ := cmd.Flags().GetBool("watch")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		n, cleanup, err := startNode(ctx, cmd, func(c *node.Config) {
			c.Watch = watch
			c.OnReload = func(gardens []string) {
				fmt.Printf("%s Gardens updated: %v\n", ui.RenderPass("✓"), gardens)
			}
			c.OnStateChange = func(s session.State) {
				if s == session.StateDisconnected {
					fmt.Printf("%s Relay connection closed\n", ui.RenderWarn("⚠"))
				}
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		if len(pull) > 0 {
			waitCtx, stop := context.WithTimeout(ctx, time.Minute)
			ids, err := waitForPeers(waitCtx, n, holders(pull))
			stop()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: cannot pull %v: %v\n", pull, err)
			} else if err := n.RequestGardens(ctx, ids[0], pull); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}
		if live {
			n.Live().Enable()
		}

		fmt.Println("\nPress Ctrl+C to leave...")
		<-ctx.Done()
		fmt.Println("\nLeaving session...")
	},
}

func init() {
	sessionFlags(joinCmd)
	joinCmd.Flags().StringSlice("pull", nil, "Garden to copy from a peer after joining (repeatable)")
	joinCmd.Flags().Bool("live", false, "Take part in live-sync sessions")
	joinCmd.Flags().Bool("watch", true, "Publish local file edits")
	rootCmd.AddCommand(joinCmd)
}
