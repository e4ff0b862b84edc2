package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose   bool
	jsonLog   bool
	apiKey    string
	serverURL string
	userID    string
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Multi-provider sandbox orchestration",
	Long: `sandboxd provisions sandboxes across Docker and cloud providers
(E2B, Modal, Daytona, Blaxel, Cloudflare, Vercel), races coding-agent runs
across them in parallel, and streams agent events live.

It provides the orchestration server and client utilities for talking
to its API.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}

		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	RootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOXD_API_KEY"), "API key for authentication")
	RootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("SANDBOXD_SERVER", "http://localhost:8080"), "Server base URL")
	RootCmd.PersistentFlags().StringVar(&userID, "user", os.Getenv("SANDBOXD_USER"), "Account id sent as X-User-ID")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
