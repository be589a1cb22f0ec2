package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/soltura/migrate/internal/config"
	"github.com/soltura/migrate/internal/transfer"
)

// remoteFlags are the connection settings shared by the remote commands.
type remoteFlags struct {
	url   string
	token string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "remote", "", "remote daemon base URL")
	cmd.Flags().StringVar(&f.token, "token", "", "migration token for the remote")
}

// client resolves the remote connection, falling back to the config file.
func (f *remoteFlags) client() (*transfer.RemoteClient, error) {
	url, token := f.url, f.token
	if url == "" || token == "" {
		// Flags win; the config only fills gaps.
		if cfg, err := config.Load(ConfigPath); err == nil {
			if url == "" {
				url = cfg.Remote.URL
			}
			if token == "" {
				token = cfg.Remote.Token
			}
		}
	}
	if url == "" {
		return nil, fmt.Errorf("no remote URL: pass --remote or set remote.url in config")
	}
	if token == "" {
		return nil, fmt.Errorf("no migration token: pass --token or set remote.token in config")
	}
	return transfer.NewRemoteClient(url, token), nil
}

// NewPullCommand builds the pull command: remote export, wait, download.
func NewPullCommand() *cobra.Command {
	var (
		flags        remoteFlags
		output       string
		includeMedia bool
		kinds        []string
	)

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Export from a remote environment and download the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := flags.client()
			if err != nil {
				return err
			}

			jobID, err := client.StartExport(ctx, transfer.ExportRequest{
				IncludeMedia: includeMedia,
				Kinds:        kinds,
			})
			if err != nil {
				return err
			}
			fmt.Println(dimStyle.Render("remote export started: " + jobID))

			status, err := client.WaitForExport(ctx, jobID, 2*time.Second)
			if err != nil {
				return err
			}
			fmt.Println(dimStyle.Render(fmt.Sprintf("remote export finished: %d records, %d files",
				status.ProcessedRecords, status.ProcessedFiles)))

			if output == "" {
				output = "pull-" + jobID + ".archive"
			}
			rc, err := client.DownloadArchive(ctx, jobID)
			if err != nil {
				return err
			}
			defer rc.Close()

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close()
			n, err := io.Copy(f, rc)
			if err != nil {
				return fmt.Errorf("downloading archive: %w", err)
			}

			fmt.Println(okStyle.Render(fmt.Sprintf("downloaded %s (%d bytes)", output, n)))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write the archive to")
	cmd.Flags().BoolVar(&includeMedia, "media", false, "ask the remote to package media")
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "restrict the remote export to these kinds")
	return cmd
}

// NewPushCommand builds the push command: upload an archive for the remote
// to import.
func NewPushCommand() *cobra.Command {
	var flags remoteFlags

	cmd := &cobra.Command{
		Use:   "push <archive>",
		Short: "Upload an archive to a remote environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := flags.client()
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening %s: %w", args[0], err)
			}
			defer f.Close()

			if err := client.SendArchive(ctx, args[0], f); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("archive staged on remote"))
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

// NewMediaSyncCommand builds the media-sync command: copy every media file
// the remote has that local storage is missing or holds with a different
// checksum.
func NewMediaSyncCommand() *cobra.Command {
	var flags remoteFlags

	cmd := &cobra.Command{
		Use:   "media-sync",
		Short: "Fetch media files from a remote environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := build(ctx)
			if err != nil {
				return err
			}
			defer backends.Close(ctx)
			if backends.Media == nil {
				return fmt.Errorf("no local file storage configured")
			}

			client, err := flags.client()
			if err != nil {
				return err
			}
			files, err := client.ListMedia(ctx)
			if err != nil {
				return err
			}

			svc := transfer.NewService(slog.Default())
			svc.SetWorkers(backends.Config.Transfer.Workers)
			remote := transfer.NewRemoteBlobSource(client)

			reqs := make([]transfer.Request, 0, len(files))
			for _, mf := range files {
				reqs = append(reqs, transfer.Request{Path: mf.URL, Checksum: mf.Checksum})
			}
			result := svc.CopyMany(ctx, remote, backends.Media, reqs)

			for _, f := range result.Failures {
				fmt.Println(errorStyle.Render("failed: " + f.Error()))
			}
			fmt.Println(okStyle.Render(fmt.Sprintf("synced %d files, %d already current, %d failed",
				result.Transferred, result.Skipped, len(result.Failures))))
			if result.Failed() {
				return fmt.Errorf("%d files failed to sync", len(result.Failures))
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
