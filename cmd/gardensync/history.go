package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/gardensync/internal/history"
	"github.com/mschirtzinger/gardensync/internal/progress"
	"github.com/mschirtzinger/gardensync/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "maint",
	Short:   "Show past transfer events",
	Long: `List recorded progress events, oldest first.

--since accepts an RFC 3339 timestamp, a duration ("90m" means the last 90
minutes) or plain English ("yesterday", "last monday", "3 days ago").

Example usage:
  gardensync history --since yesterday
  gardensync history --type error --limit 20
  gardensync history --transfer 4c1f... --format yaml
  gardensync history --prune "30 days ago"`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		transferID, _ := cmd.Flags().GetString("transfer")
		types, _ := cmd.Flags().GetStringSlice("type")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")
		prune, _ := cmd.Flags().GetString("prune")

		_, cfg := loadConfig()
		db, err := history.Open(cfg.HistoryDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		now := time.Now()

		if prune != "" {
			before, err := history.ParseSince(prune, now)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			n, err := db.Prune(ctx, before)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s Removed %d event(s) before %s\n", ui.RenderPass("✓"), n, before.Format(time.DateTime))
			return
		}

		filter := history.Filter{TransferID: transferID, Limit: limit}
		if filter.Since, err = history.ParseSince(since, now); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, t := range types {
			filter.Types = append(filter.Types, progress.Type(t))
		}

		events, err := db.List(ctx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		switch format {
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			if err := enc.Encode(events); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			enc.Close()
		case "json":
			for _, e := range events {
				os.Stdout.Write(e.MarshalLine())
			}
		default:
			if len(events) == 0 {
				fmt.Println(ui.RenderMuted("No events"))
				return
			}
			for _, e := range events {
				fmt.Println(ui.FormatEvent(e))
			}
		}
	},
}

func init() {
	historyCmd.Flags().String("since", "", "Only events at or after this time")
	historyCmd.Flags().String("transfer", "", "Only events of this transfer ID")
	historyCmd.Flags().StringSlice("type", nil, "Only events of this type: info, error, complete, cancelled")
	historyCmd.Flags().Int("limit", 0, "Show at most this many of the newest events")
	historyCmd.Flags().String("format", "text", "Output format: text, json or yaml")
	historyCmd.Flags().String("prune", "", "Delete events older than this time instead of listing")
	rootCmd.AddCommand(historyCmd)
}
