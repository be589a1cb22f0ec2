package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soltura/migrate/internal/ledger"
)

// NewJobsCommand builds the jobs command group.
func NewJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect migration job history",
	}
	cmd.AddCommand(newJobsListCommand())
	cmd.AddCommand(newJobsLogsCommand())
	return cmd
}

func newJobsListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			jobs, err := backends.Ledger.ListJobs(ctx, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println(dimStyle.Render("no jobs"))
				return nil
			}
			for _, job := range jobs {
				status := okStyle.Render(string(job.Status))
				switch job.Status {
				case ledger.StatusFailed:
					status = errorStyle.Render(string(job.Status))
				case ledger.StatusRunning, ledger.StatusPending:
					status = dimStyle.Render(string(job.Status))
				}
				fmt.Printf("%s  %-10s  %s  %d records  %d files\n",
					job.ID, job.Type, status, job.ProcessedRecords, job.ProcessedFiles)
				if job.Status == ledger.StatusRunning && job.Step != "" {
					fmt.Println(dimStyle.Render(fmt.Sprintf("    %.0f%% %s", job.Progress, job.Step)))
				}
				if job.Error != "" {
					fmt.Println(dimStyle.Render("    " + job.Error))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to show")
	return cmd
}

func newJobsLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show a job's log entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			entries, err := backends.Ledger.ListEntries(ctx, args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  %-7s  %s", e.Timestamp.Format("15:04:05"), e.Level, e.Message)
				switch e.Level {
				case ledger.LevelError:
					fmt.Println(errorStyle.Render(line))
				case ledger.LevelWarning:
					fmt.Println(dimStyle.Render(line))
				default:
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}
