package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"cineshorts/internal/bootstrap"
	"cineshorts/internal/domain"
	"cineshorts/internal/lifecycle"
	"cineshorts/internal/scenes"
	"cineshorts/internal/service"

	"github.com/spf13/cobra"
)

var timeNow = time.Now

type rootOptions struct {
	serviceURL string
	storageDir string
	verbose    bool
	stderr     io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "scenectl",
		Short:         "Upload videos and browse detected scenes",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.stderr = cmd.ErrOrStderr()
		},
	}
	root.PersistentFlags().StringVar(&opts.serviceURL, "service-url", "", "processing service base URL (overrides SERVICE_URL)")
	root.PersistentFlags().StringVar(&opts.storageDir, "storage-dir", "", "local directory for exports (overrides STORAGE_DIR)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log lifecycle transitions")

	root.AddCommand(
		newListCmd(opts),
		newUploadCmd(opts),
		newScenesCmd(opts),
		newProcessCmd(opts),
		newDeleteCmd(opts),
		newExportCmd(opts),
	)
	return root
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List uploaded videos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.refresh(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(snap.Assets) == 0 {
				fmt.Fprintln(out, "no videos uploaded")
				return nil
			}
			for _, name := range snap.Assets {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
}

func newUploadCmd(opts *rootOptions) *cobra.Command {
	var process bool
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a local video file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := localFile(args[0])
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			updates, unsubscribe := s.orch.Subscribe()
			defer unsubscribe()

			taskID, err := s.orch.StartUpload(ctx, file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "uploading %s (task %s)\n", file.Name, taskID)

			last := -1
		progress:
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.orch.Done():
					return lifecycle.ErrStopped
				case snap := <-updates:
					if snap.Upload != nil && snap.Upload.ProgressPercent > last {
						last = snap.Upload.ProgressPercent
						fmt.Fprintf(out, "  %3d%%\n", last)
					}
					if snap.State != domain.StateUploading {
						break progress
					}
				}
			}

			snap, err := s.settle(ctx)
			if err != nil {
				return fmt.Errorf("upload %s: %w", file.Name, err)
			}
			fmt.Fprintf(out, "uploaded %s\n", snap.Selected)

			if !process {
				return nil
			}
			snap, err = s.detect(ctx)
			if err != nil {
				return err
			}
			printScenes(out, snap, 1)
			return nil
		},
	}
	cmd.Flags().BoolVar(&process, "process", false, "run scene detection after the upload")
	return cmd
}

func newScenesCmd(opts *rootOptions) *cobra.Command {
	var page int
	cmd := &cobra.Command{
		Use:   "scenes <filename>",
		Short: "Show cached scenes for a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if snap.Result == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no cached scenes for %s, run `scenectl process %s`\n", args[0], args[0])
				return nil
			}
			printScenes(cmd.OutOrStdout(), snap, page)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page to show")
	return cmd
}

func newProcessCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process <filename>",
		Short: "Run scene detection on an uploaded video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.open(cmd.Context(), args[0]); err != nil {
				return err
			}
			snap, err := s.detect(cmd.Context())
			if err != nil {
				return err
			}
			printScenes(cmd.OutOrStdout(), snap, 1)
			return nil
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <filename>",
		Short: "Delete an uploaded video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			if _, err := s.open(ctx, args[0]); err != nil {
				return err
			}
			if err := s.orch.Delete(ctx); err != nil {
				return err
			}
			snap, err := s.settle(ctx)
			if err != nil {
				return err
			}
			if snap.LastError != nil {
				return fmt.Errorf("delete %s: %s", args[0], snap.LastError.Message)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <filename> [key]",
		Short: "Write detected scenes to storage as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			snap, err := s.open(ctx, args[0])
			if err != nil {
				return err
			}
			if snap.Result == nil {
				if snap, err = s.detect(ctx); err != nil {
					return err
				}
			}

			store, err := bootstrap.Storage(ctx, s.cfg)
			if err != nil {
				return err
			}
			key := ""
			if len(args) == 2 {
				key = args[1]
			}
			loc, err := service.WriteExport(ctx, store, key, *snap.Result, timeNow())
			if err != nil {
				return err
			}
			target := loc.URL
			if target == "" {
				target = loc.Path
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d scenes to %s\n", snap.Result.SceneCount, target)
			return nil
		},
	}
}

// localFile 把本地路径包装成可重复打开的上传源。
func localFile(path string) (domain.UploadFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.UploadFile{}, err
	}
	if info.IsDir() {
		return domain.UploadFile{}, fmt.Errorf("%s is a directory", path)
	}
	return domain.UploadFile{
		Name:      filepath.Base(path),
		SizeBytes: info.Size(),
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

func printScenes(w io.Writer, snap lifecycle.Snapshot, page int) {
	res := snap.Result
	page = scenes.ClampPage(page, snap.TotalPages)
	pr := scenes.Page(res.Scenes, snap.PageSize, page)

	source := "detected"
	if res.FromCache {
		source = "cached"
	}
	fmt.Fprintf(w, "%s: %d scenes (%s)", res.Filename, res.SceneCount, source)
	if res.ProcessingTimeSec != nil {
		fmt.Fprintf(w, " in %.2fs", *res.ProcessingTimeSec)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTART\tEND\tDURATION")
	for i, sc := range pr.Items {
		n := (page-1)*snap.PageSize + i + 1
		if sc.SceneID != nil {
			n = *sc.SceneID
		}
		fmt.Fprintf(tw, "%d\t%.2f\t%.2f\t%.2f\n", n, sc.StartSec, sc.End(), sc.DurationSec)
	}
	_ = tw.Flush()
	if pr.TotalPages > 1 {
		fmt.Fprintf(w, "page %d/%d\n", page, pr.TotalPages)
	}
}
