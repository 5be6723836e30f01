package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/gardensync/internal/garden"
	"github.com/mschirtzinger/gardensync/internal/ui"
	"github.com/mschirtzinger/gardensync/internal/vcs"
	_ "github.com/mschirtzinger/gardensync/internal/vcs/git"
)

var gardensCmd = &cobra.Command{
	Use:     "gardens",
	GroupID: "gardens",
	Short:   "List local gardens",
	Long: `List every garden under the gardens directory with its file count,
live-sync setting and git HEAD.`,
	Run: func(cmd *cobra.Command, args []string) {
		_, cfg := loadConfig()
		store, err := garden.NewDirStore(cfg.GardensDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		names, err := store.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(names) == 0 {
			fmt.Printf("%s No gardens in %s\n", ui.RenderWarn("⚠"), cfg.GardensDir)
			fmt.Println("   Run 'gardensync garden init <name>' to create one")
			return
		}

		ctx := context.Background()
		rows := make([][]string, 0, len(names))
		for _, name := range names {
			count, err := garden.FileCount(store, name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			manifest, _ := garden.LoadManifest(store, name)
			live := "no"
			if manifest.LiveSync {
				live = "yes"
			}
			dir, _ := store.Dir(name)
			rows = append(rows, []string{name, strconv.Itoa(count), live, describeHead(ctx, dir)})
		}
		fmt.Print(ui.Table([]string{"GARDEN", "FILES", "LIVE", "HEAD"}, rows))
	},
}

// describeHead summarizes the garden's git HEAD for the listing.
func describeHead(ctx context.Context, dir string) string {
	repo, err := vcs.Open(vcs.TypeGit, dir)
	if err != nil {
		return ui.RenderMuted("-")
	}
	head, err := repo.Head(ctx)
	if errors.Is(err, vcs.ErrNoCommits) {
		return ui.RenderMuted("no commits")
	}
	if err != nil {
		return ui.RenderFail("error")
	}
	dirty := ""
	if d, err := repo.Dirty(ctx); err == nil && d {
		dirty = "*"
	}
	return fmt.Sprintf("%s%s %s (%s)", head.Short(), dirty, head.Subject, head.Time.Format(time.DateOnly))
}

var gardenCmd = &cobra.Command{
	Use:     "garden",
	GroupID: "gardens",
	Short:   "Manage a single garden",
}

var gardenInitCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Create a garden with a manifest and a git repository",
	Long: `Create a garden directory, write its .garden.toml manifest and record
the initial state in a new git repository. Running it on an existing garden
only updates the manifest and commits any pending changes.

Example usage:
  gardensync garden init notes
  gardensync garden init notes --live --ignore '*.tmp'`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		live, _ := cmd.Flags().GetBool("live")
		ignore, _ := cmd.Flags().GetStringSlice("ignore")
		name := args[0]

		_, cfg := loadConfig()
		store, err := garden.NewDirStore(cfg.GardensDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := garden.ValidateName(name); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		manifest, err := garden.LoadManifest(store, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		manifest.LiveSync = live
		if len(ignore) > 0 {
			manifest.Ignore = ignore
		}
		if err := garden.SaveManifest(store, name, manifest); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		dir, _ := store.Dir(name)
		ctx := context.Background()
		repo, err := vcs.Init(ctx, vcs.TypeGit, dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: garden created without git: %v\n", err)
			return
		}
		if err := repo.Commit(ctx, "Update garden manifest"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		if root, err := repo.RepoRoot(); err == nil {
			dir = root
		}
		fmt.Printf("%s Garden %s ready at %s\n", ui.RenderPass("✓"), name, dir)
		fmt.Printf("   HEAD: %s\n", describeHead(ctx, dir))
	},
}

func init() {
	gardenInitCmd.Flags().Bool("live", false, "Offer the garden in live-sync sessions")
	gardenInitCmd.Flags().StringSlice("ignore", nil, "Glob pattern to leave out of sync (repeatable)")
	gardenCmd.AddCommand(gardenInitCmd)
	rootCmd.AddCommand(gardensCmd, gardenCmd)
}
