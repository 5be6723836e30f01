package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mschirtzinger/gardensync/internal/config"
	"github.com/mschirtzinger/gardensync/internal/history"
	"github.com/mschirtzinger/gardensync/internal/node"
	"github.com/mschirtzinger/gardensync/internal/ui"
)

// sessionFlags registers the flags shared by commands that join a session.
func sessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("session", "s", "", "Session name (default: from config)")
	cmd.Flags().String("relay", "", "Relay URL (default: from config)")
	cmd.Flags().String("prefix", "", "Peer name prefix (default: from config)")
}

// promptSession asks for a session name when stdin is a terminal.
func promptSession() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("no session name given (use --session or set session in config)")
	}
	var name string
	err := huh.NewInput().
		Title("Session name").
		Description("Peers joining the same name find each other.").
		Value(&name).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("session name cannot be empty")
			}
			return nil
		}).
		Run()
	return strings.TrimSpace(name), err
}

// startNode builds and starts a node from config plus flags. The returned
// cleanup stops it and closes the history database.
func startNode(ctx context.Context, cmd *cobra.Command, mutate func(*node.Config)) (*node.Node, func(), error) {
	_, cfg := loadConfig()
	if v, _ := cmd.Flags().GetString("session"); v != "" {
		cfg.Session = v
	}
	if v, _ := cmd.Flags().GetString("relay"); v != "" {
		cfg.RelayURL = v
	}
	if v, _ := cmd.Flags().GetString("prefix"); v != "" {
		cfg.NamePrefix = v
	}
	if cfg.Session == "" {
		name, err := promptSession()
		if err != nil {
			return nil, nil, err
		}
		cfg.Session = name
	}

	out := logOutput(cfg)

	db, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return nil, nil, err
	}
	db.SetLogger(config.NewLogger(out, "history"))

	nodeCfg := &node.Config{
		RelayURL:   cfg.RelayURL,
		Session:    cfg.Session,
		NamePrefix: cfg.NamePrefix,
		GardensDir: cfg.GardensDir,
		ListenAddr: cfg.ListenAddr,
		History:    db,
		LogOutput:  out,
	}
	if mutate != nil {
		mutate(nodeCfg)
	}

	n, err := node.New(nodeCfg)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	n.Progress().Subscribe(ui.EventPrinter(os.Stdout))

	cleanup := func() {
		if err := n.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping node: %v\n", err)
		}
		db.Close()
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := n.Start(startCtx); err != nil {
		cleanup()
		return nil, nil, err
	}

	fmt.Printf("%s Joined %s as %s\n", ui.RenderPass("✓"), cfg.Session, ui.RenderAccent(n.PeerID()))
	return n, cleanup, nil
}

// waitForPeers polls until pick returns a non-empty set of direct peers or
// ctx ends.
func waitForPeers(ctx context.Context, n *node.Node, pick func(*node.Node) []string) ([]string, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if ids := pick(n); len(ids) > 0 {
			return ids, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("no peer available: %w", ctx.Err())
		}
	}
}

// holders returns a picker for direct peers announcing every garden.
func holders(gardens []string) func(*node.Node) []string {
	return func(n *node.Node) []string {
		direct := n.DirectPeers()
		var ids []string
		for _, p := range n.Peers() {
			if !slices.Contains(direct, p.ID) {
				continue
			}
			if !slices.ContainsFunc(gardens, func(g string) bool { return !slices.Contains(p.Gardens, g) }) {
				ids = append(ids, p.ID)
			}
		}
		return ids
	}
}
