package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/gardensync/internal/config"
	"github.com/mschirtzinger/gardensync/internal/ui"
)

var (
	configPath string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "gardensync",
	Short: "Peer-to-peer sync for gardens of files",
	Long: `gardensync keeps named directory trees ("gardens") in sync between peers.

Peers meet through a rendezvous relay, open direct links to each other and
exchange whole gardens or single file edits over a gossip mesh.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init(os.Stdout)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "gardens", Title: "Garden Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.config/gardensync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to a rotating file instead of stderr")
}

// loadConfig reads the config store and applies command-line overrides.
func loadConfig() (*config.Store, *config.Config) {
	store, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := store.Config()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	return store, cfg
}

// logOutput returns the writer component loggers share and routes the
// standard logger there too.
func logOutput(cfg *config.Config) io.Writer {
	w := cfg.Log.LogWriter()
	log.SetOutput(w)
	return w
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
