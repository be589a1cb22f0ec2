// Package main provides the entry point for the migratectl CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soltura/migrate/cmd/migratectl/commands"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migratectl",
		Short: "Operate data migrations, checkpoints and environment transfers",
		Long: `migratectl exports and imports the full business data set, manages
pre-import checkpoints, verifies archives against live data and moves
archives and media between environments.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "path to config file")

	rootCmd.AddCommand(commands.NewExportCommand())
	rootCmd.AddCommand(commands.NewImportCommand())
	rootCmd.AddCommand(commands.NewVerifyCommand())
	rootCmd.AddCommand(commands.NewCheckpointCommand())
	rootCmd.AddCommand(commands.NewJobsCommand())
	rootCmd.AddCommand(commands.NewPullCommand())
	rootCmd.AddCommand(commands.NewPushCommand())
	rootCmd.AddCommand(commands.NewMediaSyncCommand())
	rootCmd.AddCommand(commands.NewTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
