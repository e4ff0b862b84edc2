package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sandboxd %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
