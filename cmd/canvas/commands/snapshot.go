package commands

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/pixelcanvas/internal/printer"
	"github.com/dyluth/pixelcanvas/internal/snapshot"
	"github.com/dyluth/pixelcanvas/internal/timespec"
)

var (
	snapshotListLimit  int
	snapshotListOffset int
	snapshotListSince  string
	snapshotListUntil  string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, list, restore and delete canvas snapshots",
	Long: `Administer canvas snapshots on a running server.

Creating, restoring and deleting need an admin token; the system key
(SYSTEM_KEY) is accepted. A scheduler such as cron can run
"canvas snapshot create" to take periodic snapshots.`,
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the current canvas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var info snapshot.Info
		if err := newAPIClient(serverURL, authToken).do(cmd.Context(), http.MethodPost, "/api/canvas/snapshot", &info); err != nil {
			return apiFailure("failed to create snapshot", err)
		}
		printer.Success("snapshot %s created\n", info.ID)
		printer.Info("  image:     %s\n  thumbnail: %s\n", info.ImageURL, info.ThumbnailURL)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Long: `List snapshots, newest first.

--since and --until take a duration before now (1h, 30m) or an RFC3339
timestamp, and filter the fetched page by creation time.

Examples:
  canvas snapshot list --limit 50
  canvas snapshot list --since 24h
  canvas snapshot list --since 2026-01-01T00:00:00Z --until 2026-01-02T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		window, err := timespec.ParseRange(snapshotListSince, snapshotListUntil, time.Now())
		if err != nil {
			return printer.Error("invalid time filter", err.Error(),
				"Use a duration like '1h30m' or an RFC3339 timestamp")
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(snapshotListLimit))
		q.Set("offset", fmt.Sprint(snapshotListOffset))

		var page snapshot.Page
		if err := newAPIClient(serverURL, authToken).do(cmd.Context(), http.MethodGet, "/api/canvas/snapshots?"+q.Encode(), &page); err != nil {
			return apiFailure("failed to list snapshots", err)
		}

		shown := filterSnapshots(page.Snapshots, window)
		if len(shown) == 0 {
			printer.Info("No snapshots (total %d)\n", page.Total)
			return nil
		}
		w := tabwriter.NewWriter(printer.Out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED\tSIZE\tIMAGE")
		for _, s := range shown {
			fmt.Fprintf(w, "%s\t%s\t%dx%d\t%s\n", s.ID, s.CreatedAt.Local().Format(time.DateTime), s.Width, s.Height, s.ImageURL)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if window.IsZero() {
			printer.Info("\nShowing %d-%d of %d\n", page.Offset+1, page.Offset+len(page.Snapshots), page.Total)
		} else {
			printer.Info("\nShowing %d of %d in this page matching the time filter\n", len(shown), len(page.Snapshots))
		}
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Overwrite the live canvas with a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(serverURL, authToken).do(cmd.Context(), http.MethodPost, "/api/canvas/snapshots/"+url.PathEscape(args[0])+"/restore", nil); err != nil {
			return apiFailure("failed to restore snapshot", err)
		}
		printer.Success("canvas restored from snapshot %s\n", args[0])
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <snapshot-id>",
	Short: "Delete a snapshot and its images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient(serverURL, authToken).do(cmd.Context(), http.MethodDelete, "/api/canvas/snapshots/"+url.PathEscape(args[0]), nil); err != nil {
			return apiFailure("failed to delete snapshot", err)
		}
		printer.Success("snapshot %s deleted\n", args[0])
		return nil
	},
}

func init() {
	snapshotListCmd.Flags().IntVar(&snapshotListLimit, "limit", snapshot.DefaultListLimit, "Maximum snapshots to show")
	snapshotListCmd.Flags().IntVar(&snapshotListOffset, "offset", 0, "Snapshots to skip")
	snapshotListCmd.Flags().StringVar(&snapshotListSince, "since", "", "Only snapshots created after this time")
	snapshotListCmd.Flags().StringVar(&snapshotListUntil, "until", "", "Only snapshots created before this time")

	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotRestoreCmd, snapshotDeleteCmd)
	rootCmd.AddCommand(snapshotCmd)
}

// apiFailure prints err with a hint matched to its status.
func apiFailure(title string, err error) error {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return printer.Error(title, err.Error(), fmt.Sprintf("Check that a canvas server is running at %s", serverURL))
	}
	switch apiErr.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return printer.Error(title, apiErr.Error(), "Pass an admin token with --token or set SYSTEM_KEY")
	case http.StatusNotFound:
		return printer.Error(title, apiErr.Error(), "Run 'canvas snapshot list' to see available snapshots")
	default:
		return printer.Error(title, apiErr.Error())
	}
}

func filterSnapshots(infos []snapshot.Info, window timespec.Range) []snapshot.Info {
	if window.IsZero() {
		return infos
	}
	var out []snapshot.Info
	for _, info := range infos {
		if window.Contains(info.CreatedAt) {
			out = append(out, info)
		}
	}
	return out
}
