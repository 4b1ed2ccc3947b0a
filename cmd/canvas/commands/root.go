package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// Client flags shared by the commands that talk to a running server
var (
	serverURL string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:   "canvas",
	Short: "Canvas - shared real-time pixel canvas",
	Long: `Canvas runs and administers a shared pixel canvas.

Many viewers paint on one grid; every placement is stored in Redis and
pushed live to all connected viewers across every server process. Snapshots
capture the canvas at a point in time and can be restored later.`,
	// Show help rather than silently succeed when no subcommand is given
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	// Errors are printed in colour by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CANVAS_SERVER", "http://localhost:8000"), "Canvas server base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", envOr("CANVAS_TOKEN", os.Getenv("SYSTEM_KEY")), "Bearer token (JWT or system key)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
