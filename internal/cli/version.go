package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"compliance-guardian/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Current()
		fmt.Fprintf(cmd.OutOrStdout(), "version: %s\ncommit: %s\nbuilt: %s\n", info.Version, info.Commit, info.BuildDate)
	},
}
