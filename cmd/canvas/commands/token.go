package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/pixelcanvas/internal/auth"
	"github.com/dyluth/pixelcanvas/internal/config"
	"github.com/dyluth/pixelcanvas/internal/printer"
)

var (
	tokenConfigPath string
	tokenUser       string
	tokenAdmin      bool
	tokenTTL        time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed access token",
	Long: `Issue an HS256 access token signed with the configured JWT secret
(CANVAS_JWT_SECRET or auth.jwt_secret). Intended for development and
operations; end users get tokens from the identity provider.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(tokenConfigPath)
		if err != nil {
			return printer.Error("invalid configuration", err.Error())
		}
		token, err := auth.New(cfg.Auth.JWTSecret, "").Issue(tokenUser, tokenAdmin, tokenTTL)
		if err != nil {
			return printer.Error("failed to issue token", err.Error(), "Set CANVAS_JWT_SECRET")
		}
		if tokenAdmin {
			printer.Warning("admin token for %s: it can overwrite and restore the canvas\n", tokenUser)
		}
		if tokenTTL > 7*24*time.Hour {
			printer.Warning("token lifetime %s exceeds one week\n", tokenTTL)
		}
		printer.Info("%s\n", token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenConfigPath, "config", "c", "", "Path to canvas.yml")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID for the sub claim (required)")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Grant admin privileges")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
