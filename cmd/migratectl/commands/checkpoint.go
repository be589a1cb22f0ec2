package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/soltura/migrate/internal/ledger"
	"github.com/soltura/migrate/internal/migration"
	"github.com/soltura/migrate/internal/record"
)

// NewCheckpointCommand builds the checkpoint command group.
func NewCheckpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage pre-import checkpoints",
	}
	cmd.AddCommand(newCheckpointCreateCommand())
	cmd.AddCommand(newCheckpointListCommand())
	cmd.AddCommand(newCheckpointRollbackCommand())
	cmd.AddCommand(newCheckpointPruneCommand())
	return cmd
}

func newCheckpointCreateCommand() *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot the structural state for later rollback",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			if name == "" {
				name = "manual " + time.Now().UTC().Format("2006-01-02 15:04")
			}

			job := ledger.NewJob(ledger.JobCheckpoint, backends.Config.Environment)
			if err := backends.Ledger.CreateJob(ctx, job); err != nil {
				return err
			}
			job.Start()
			rec := ledger.NewRecorder(backends.Ledger, job, slog.Default())

			cp := migration.NewCheckpointer(backends.Store, backends.Registry, backends.Archives, backends.Ledger, backends.Config.Environment)
			created, err := cp.Create(ctx, name, description, rec)
			if err != nil {
				job.Fail(err.Error())
				backends.Ledger.UpdateJob(ctx, job)
				return err
			}
			job.Complete()
			backends.Ledger.UpdateJob(ctx, job)

			fmt.Println(titleStyle.Render("Checkpoint created"))
			fmt.Printf("  id:      %s\n", created.ID)
			fmt.Printf("  size:    %s\n", record.FormatSize(created.Size))
			fmt.Printf("  expires: %s\n", created.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "checkpoint name")
	cmd.Flags().StringVar(&description, "description", "", "what this checkpoint preserves")
	return cmd
}

func newCheckpointListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			cps, err := backends.Ledger.ListCheckpoints(ctx)
			if err != nil {
				return err
			}
			if len(cps) == 0 {
				fmt.Println(dimStyle.Render("no checkpoints"))
				return nil
			}
			for _, cp := range cps {
				state := okStyle.Render("valid")
				switch {
				case cp.Used:
					state = dimStyle.Render("used")
				case !cp.Valid:
					state = dimStyle.Render("retired")
				case cp.IsExpired():
					state = errorStyle.Render("expired")
				}
				fmt.Printf("%s  %s  %s  %s  %s\n",
					cp.ID, cp.CreatedAt.Format("2006-01-02 15:04"),
					record.FormatSize(cp.Size), state, cp.Name)
			}
			return nil
		},
	}
}

func newCheckpointRollbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <id>",
		Short: "Restore the data set to a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			job := ledger.NewJob(ledger.JobRollback, backends.Config.Environment)
			job.Parameters = map[string]any{"checkpoint": args[0]}
			if err := backends.Ledger.CreateJob(ctx, job); err != nil {
				return err
			}
			job.Start()
			job.BeginRollback(args[0])
			rec := ledger.NewRecorder(backends.Ledger, job, slog.Default())

			cp := migration.NewCheckpointer(backends.Store, backends.Registry, backends.Archives, backends.Ledger, backends.Config.Environment)
			if err := cp.Rollback(ctx, args[0], rec); err != nil {
				job.Fail(err.Error())
				backends.Ledger.UpdateJob(ctx, job)
				return err
			}
			job.Complete()
			backends.Ledger.UpdateJob(ctx, job)

			fmt.Println(okStyle.Render("Rolled back to checkpoint " + args[0]))
			return nil
		},
	}
}

func newCheckpointPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Retire expired checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)

			cp := migration.NewCheckpointer(backends.Store, backends.Registry, backends.Archives, backends.Ledger, backends.Config.Environment)
			n, err := cp.PruneExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("retired %d expired checkpoints\n", n)
			return nil
		},
	}
}
