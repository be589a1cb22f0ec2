package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/soltura/migrate/internal/ledger"
	"github.com/soltura/migrate/internal/migration"
	"github.com/soltura/migrate/internal/record"
)

// NewExportCommand builds the export command.
func NewExportCommand() *cobra.Command {
	var (
		output       string
		includeMedia bool
		kinds        []string
		exclude      []string
		batchSize    int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the data set to an archive file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			if output == "" {
				ext := ".json.gz"
				if includeMedia {
					ext = ".tar.gz"
				}
				output = "export-" + backends.Config.Environment + ext
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close()

			job := ledger.NewJob(ledger.JobExport, backends.Config.Environment)
			if err := backends.Ledger.CreateJob(ctx, job); err != nil {
				return err
			}
			job.Start()
			rec := ledger.NewRecorder(backends.Ledger, job, slog.Default())

			exporter := migration.NewExporter(backends.Store, backends.Registry, backends.Media, backends.Config.Environment)
			result, err := exporter.Export(ctx, f, migration.ExportOptions{
				IncludeMedia: includeMedia,
				Kinds:        kinds,
				Exclude:      exclude,
				Compress:     true,
				BatchSize:    batchSize,
			}, rec)
			if err != nil {
				job.Fail(err.Error())
				backends.Ledger.UpdateJob(ctx, job)
				return err
			}
			job.Complete()
			backends.Ledger.UpdateJob(ctx, job)

			printWarnings(result.Warnings)
			info, _ := os.Stat(output)
			size := int64(0)
			if info != nil {
				size = info.Size()
			}
			fmt.Println(titleStyle.Render("Export complete"))
			fmt.Printf("  archive: %s (%s)\n", output, record.FormatSize(size))
			fmt.Printf("  records: %d across %d kinds\n", result.Records, len(result.Kinds))
			if includeMedia {
				fmt.Printf("  media:   %d files, %s\n", result.Files, record.FormatSize(result.Bytes))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "archive file to write")
	cmd.Flags().BoolVar(&includeMedia, "media", false, "package media files into the archive")
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "restrict export to these kinds")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "kinds to leave out")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per progress report (0 for the default)")
	return cmd
}
