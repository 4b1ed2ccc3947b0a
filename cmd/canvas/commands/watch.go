package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/pixelcanvas/internal/printer"
	"github.com/dyluth/pixelcanvas/internal/watch"
	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

var (
	watchOutputFormat string
	watchHeartbeats   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live canvas changes",
	Long: `Stream live canvas changes from a running server.

Prints every pixel placement, bulk update and overwrite as it is
broadcast to viewers.

Output Formats:
  default - Human-readable output with timestamps
  json    - Line-delimited JSON, exactly as sent to viewers

Examples:
  # Follow the local server
  canvas watch

  # Export events as JSON
  canvas watch --server https://canvas.example --output=json > events.jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().BoolVar(&watchHeartbeats, "heartbeats", false, "Include heartbeat events")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var emit func(canvas.Event) error
	switch watchOutputFormat {
	case "default":
		emit = func(ev canvas.Event) error {
			printer.Event(ev)
			return nil
		}
	case "json":
		enc := json.NewEncoder(printer.Out)
		emit = func(ev canvas.Event) error { return enc.Encode(ev) }
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			"Valid formats: default, json",
		)
	}

	if watchOutputFormat == "default" {
		printer.Step("watching %s (Ctrl+C to stop)\n", serverURL)
	}

	err := watch.Follow(cmd.Context(), serverURL, func(ev canvas.Event) error {
		if ev.IsHeartbeat() && !watchHeartbeats {
			return nil
		}
		return emit(ev)
	})
	if err != nil {
		return printer.Error("live stream failed", err.Error(),
			fmt.Sprintf("Check that a canvas server is running at %s", serverURL))
	}
	return nil
}
