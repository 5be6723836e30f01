package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/gardensync/internal/config"
	"github.com/mschirtzinger/gardensync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Read and change settings",
	Long: `Read and change settings stored in the config file.

Environment variables override the file: GARDENSYNC_RELAY_URL,
GARDENSYNC_LOG_FILE and so on.`,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a setting",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		store, _ := loadConfig()
		if err := store.Set(args[0], args[1]); err != nil {
			reportConfigError(err)
		}
		if err := store.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %s = %s\n", ui.RenderPass("✓"), args[0], args[1])
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show one setting, or all of them",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, _ := loadConfig()
		keys := config.Keys
		if len(args) == 1 {
			keys = args
		}
		for _, key := range keys {
			value, err := store.Get(key)
			if err != nil {
				reportConfigError(err)
			}
			if len(args) == 1 {
				fmt.Println(value)
				continue
			}
			fmt.Printf("%s = %s\n", ui.RenderAccent(key), value)
		}
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file location",
	Run: func(cmd *cobra.Command, args []string) {
		store, _ := loadConfig()
		fmt.Println(store.Path())
	},
}

func reportConfigError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if errors.Is(err, config.ErrUnknownKey) {
		fmt.Fprintf(os.Stderr, "Known keys: %v\n", config.Keys)
	}
	os.Exit(1)
}

func init() {
	configCmd.AddCommand(configSetCmd, configGetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
