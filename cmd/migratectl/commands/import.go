package commands

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/soltura/migrate/internal/archive"
	"github.com/soltura/migrate/internal/ledger"
	"github.com/soltura/migrate/internal/migration"
)

// NewImportCommand builds the import command.
func NewImportCommand() *cobra.Command {
	var (
		strategy     string
		checkpoint   bool
		autoRollback bool
		skipVerify   bool
		skipMedia    bool
		dryRun       bool
	)

	cmd := &cobra.Command{
		Use:   "import <archive>",
		Short: "Import an archive into the data set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			cp := migration.NewCheckpointer(backends.Store, backends.Registry, backends.Archives, backends.Ledger, backends.Config.Environment)
			importer := migration.NewImporter(backends.Store, backends.Registry, backends.Media).WithCheckpoints(cp)

			if dryRun {
				result, err := importer.ImportAll(ctx, data, migration.ImportOptions{
					Strategy:    strategy,
					DryRun:      true,
					Environment: backends.Config.Environment,
				}, nil)
				if result != nil {
					printWarnings(result.Warnings)
				}
				if err != nil {
					return err
				}
				fmt.Println(titleStyle.Render("Dry run: archive validated"))
				printCounts(result.Counts)
				return nil
			}

			job := ledger.NewJob(ledger.JobImport, backends.Config.Environment)
			if err := backends.Ledger.CreateJob(ctx, job); err != nil {
				return err
			}
			job.Start()
			rec := ledger.NewRecorder(backends.Ledger, job, slog.Default())

			result, err := importer.ImportAll(ctx, data, migration.ImportOptions{
				Strategy:         strategy,
				CreateCheckpoint: checkpoint,
				AutoRollback:     autoRollback,
				SkipVerify:       skipVerify,
				SkipMedia:        skipMedia,
				Environment:      backends.Config.Environment,
			}, rec)
			if result != nil {
				printWarnings(result.Warnings)
			}
			if err != nil {
				if result != nil && result.RolledBack {
					job.CheckpointID = result.CheckpointID
					job.FinishRollback(err.Error())
					fmt.Println(errorStyle.Render("Import failed; rolled back to checkpoint " + result.CheckpointID))
				} else {
					job.Fail(err.Error())
				}
				backends.Ledger.UpdateJob(ctx, job)
				return err
			}
			job.CheckpointID = result.CheckpointID
			job.Complete()
			backends.Ledger.UpdateJob(ctx, job)

			fmt.Println(titleStyle.Render("Import complete"))
			fmt.Printf("  created: %d  updated: %d  skipped: %d  failed: %d\n",
				result.Created, result.Updated, result.Skipped, result.Failed)
			printCounts(result.Counts)
			if result.MediaWritten > 0 {
				fmt.Printf("  media:   %d files written\n", result.MediaWritten)
			}
			if result.CheckpointID != "" {
				fmt.Println(dimStyle.Render("  checkpoint: " + result.CheckpointID))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", migration.Skip, "conflict strategy: skip, overwrite or merge")
	cmd.Flags().BoolVar(&checkpoint, "checkpoint", true, "create a checkpoint before importing")
	cmd.Flags().BoolVar(&autoRollback, "auto-rollback", true, "roll back to the checkpoint if verification fails")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "skip the post-import integrity check")
	cmd.Flags().BoolVar(&skipMedia, "skip-media", false, "leave packaged media files unextracted")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "decode and validate the archive without applying it")
	return cmd
}

// printCounts lists per-kind record counts in a stable order.
func printCounts(counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("  %-20s %d\n", k, counts[k])
	}
}

// NewVerifyCommand builds the verify command.
func NewVerifyCommand() *cobra.Command {
	var checkFiles bool
	cmd := &cobra.Command{
		Use:   "verify <archive>",
		Short: "Check live data against an archive without changing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			payload, err := archive.Decode(data)
			if err != nil {
				return err
			}

			v := migration.NewVerifier(backends.Store, backends.Registry, backends.Media).WithFileChecks(checkFiles)
			report := v.Verify(ctx, payload)
			printWarnings(report.Warnings)
			for _, p := range report.Problems {
				fmt.Println(errorStyle.Render("problem: " + p))
			}
			if !report.OK() {
				return fmt.Errorf("verification failed with %d problems", len(report.Problems))
			}
			fmt.Println(okStyle.Render(fmt.Sprintf("OK: %d records and %d files verified",
				report.RecordsChecked, report.FilesChecked)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkFiles, "check-files", true, "audit files referenced by live records")
	return cmd
}
